package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"dynamo/pkg/supply"
)

func updateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update [document.json...]",
		Short: "Merge supplier documents into the inventory",
		Long: `Merge JSON supplier documents into the inventory. Documents are applied in
order; entities that reference unknown parents are skipped and reported.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			suppliers := make([]supply.Supplier, 0, len(args))
			for _, path := range args {
				suppliers = append(suppliers, supply.NewFileSupplier(path))
			}
			summary, err := a.updater().Update(ctx, suppliers...)
			if summary != nil {
				fmt.Println(renderUpdateSummary(summary))
			}
			return err
		},
	}
	return cmd
}

func renderUpdateSummary(summary *supply.Summary) string {
	t := newTable("KIND", "CHANGED", "UNCHANGED", "SKIPPED", "DELETED")
	for _, kind := range summary.SortedKinds() {
		c := summary.Kinds[kind]
		t.Row(kind,
			fmt.Sprintf("%d", c.Changed),
			fmt.Sprintf("%d", c.Unchanged),
			fmt.Sprintf("%d", c.Skipped),
			fmt.Sprintf("%d", c.Deleted))
	}
	return createPanel("INVENTORY UPDATE", t.Render(), 0)
}
