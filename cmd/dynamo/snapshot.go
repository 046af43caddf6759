package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"dynamo/pkg/inventory"
)

func snapshotCmd() *cobra.Command {
	var clear string

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Copy the store to a tagged snapshot",
		Long: `Copy the store to a tagged snapshot. With --clear the live store is emptied
afterwards: "replicas" drops dataset and block replicas, "all" drops every
inventory record. Detox history survives a clear.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := parseClearMode(clear)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, err = a.inv.Lock(ctx)
			if err != nil {
				return err
			}
			tag, err := a.store.Snapshot(ctx, mode)
			if uerr := a.inv.Unlock(ctx); err == nil {
				err = uerr
			}
			if err != nil {
				return err
			}
			fmt.Println(tag)
			return nil
		},
	}

	cmd.Flags().StringVar(&clear, "clear", "none", "what to clear after the copy: none, replicas or all")
	return cmd
}

func parseClearMode(s string) (inventory.ClearMode, error) {
	switch s {
	case "", "none":
		return inventory.ClearNone, nil
	case "replicas":
		return inventory.ClearReplicas, nil
	case "all":
		return inventory.ClearAll, nil
	}
	return inventory.ClearNone, fmt.Errorf("unknown clear mode %q", s)
}

func snapshotsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshots",
		Short: "List store snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			tags, err := a.store.ListSnapshots(ctx)
			if err != nil {
				return err
			}
			if len(tags) == 0 {
				fmt.Println(mutedStyle.Render("no snapshots"))
				return nil
			}
			for _, tag := range tags {
				fmt.Println(tag)
			}
			return nil
		},
	}
}

func restoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore TAG",
		Short: "Replace the store with a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, err = a.inv.Lock(ctx)
			if err != nil {
				return err
			}
			err = a.store.Restore(ctx, args[0])
			if uerr := a.inv.Unlock(ctx); err == nil {
				err = uerr
			}
			if err != nil {
				return err
			}
			fmt.Printf("restored %s\n", args[0])
			return nil
		},
	}
}
