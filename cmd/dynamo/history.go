package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"dynamo/pkg/detox"
	"dynamo/pkg/utils"
)

func historyCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past detox runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			runs, err := a.store.Runs(ctx, limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println(mutedStyle.Render("no detox runs recorded"))
				return nil
			}

			t := newTable("RUN", "STARTED", "PARTITION", "MODE", "ROUNDS", "DELETED", "VOLUME")
			for _, run := range runs {
				rec, err := detox.DecodeRecord(run.Data)
				if err != nil {
					t.Row(run.ID, badStyle.Render("unreadable"), "", "", "", "", "")
					continue
				}
				mode := string(rec.Mode)
				if rec.DryRun {
					mode += " (dry)"
				}
				t.Row(
					rec.RunID,
					rec.Started.Local().Format(time.DateTime),
					rec.Partition,
					mode,
					fmt.Sprintf("%d", rec.Rounds),
					fmt.Sprintf("%d", rec.Count(detox.DecisionDelete)),
					utils.FormatDataSize(rec.DeletedBytes()),
				)
			}
			fmt.Println(createPanel("DETOX HISTORY", t.Render(), 0))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to list")
	cmd.AddCommand(historyShowCmd())
	return cmd
}

func historyShowCmd() *cobra.Command {
	var (
		raw           bool
		showDecisions int
	)

	cmd := &cobra.Command{
		Use:   "show RUN",
		Short: "Show the record of one detox run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			data, err := a.store.Run(ctx, args[0])
			if err != nil {
				return fmt.Errorf("run %s: %w", args[0], err)
			}
			if raw {
				fmt.Println(string(data))
				return nil
			}
			rec, err := detox.DecodeRecord(data)
			if err != nil {
				return err
			}
			fmt.Println(renderRecord(rec, showDecisions))
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "json", false, "print the stored JSON record")
	cmd.Flags().IntVar(&showDecisions, "show", 50, "number of deletions to list")
	return cmd
}
