package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dynamo/pkg/deletion"
	"dynamo/pkg/detox"
	"dynamo/pkg/policy"
	"dynamo/pkg/utils"
)

func detoxCmd() *cobra.Command {
	var (
		policyFile    string
		mode          string
		siteSelection string
		volume        string
		seed          int64
		dryRun        bool
		showDecisions int
	)

	cmd := &cobra.Command{
		Use:   "detox",
		Short: "Run the deletion policy against the inventory",
		Long: `Evaluate the deletion policy for every replica in its partition and delete
replicas at over-quota sites until the policy is satisfied. With --dry-run the
decisions are recorded but nothing is deleted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			cfg := a.cfg.Detox.Config
			if policyFile == "" {
				policyFile = a.cfg.Detox.PolicyFile
			}
			if policyFile == "" {
				return fmt.Errorf("no policy file given (use --policy or detox.policy_file)")
			}
			if cmd.Flags().Changed("mode") {
				cfg.Mode = detox.Mode(mode)
			}
			if cmd.Flags().Changed("site-selection") {
				cfg.SiteSelection = detox.SiteSelection(siteSelection)
			}
			if cmd.Flags().Changed("deletion-per-iteration") {
				if cfg.DeletionPerIteration, err = utils.ParseDataSize(volume); err != nil {
					return fmt.Errorf("invalid --deletion-per-iteration: %w", err)
				}
			}
			if cmd.Flags().Changed("seed") {
				cfg.Seed = seed
			}
			if cmd.Flags().Changed("dry-run") {
				cfg.DryRun = dryRun
			}

			pol, err := policy.ParseFile(policyFile)
			if err != nil {
				return err
			}
			engine, err := detox.NewEngine(cfg, detox.Options{
				Inventory: a.inv,
				Executor:  deletion.NewLocal(a.logger),
				History:   a.store,
				Metrics:   a.metrics,
				Retry:     a.cfg.Retry,
				Logger:    a.logger,
			})
			if err != nil {
				return err
			}

			rec, err := engine.Run(ctx, pol)
			if err != nil {
				return fmt.Errorf("detox run failed: %w", err)
			}
			a.logger.Debug("Detox record stored", zap.String("run_id", rec.RunID))
			fmt.Println(renderRecord(rec, showDecisions))
			return nil
		},
	}

	cmd.Flags().StringVarP(&policyFile, "policy", "p", "", "policy file (default detox.policy_file)")
	cmd.Flags().StringVar(&mode, "mode", "", "iterative or static")
	cmd.Flags().StringVar(&siteSelection, "site-selection", "", "protected-fraction or random")
	cmd.Flags().StringVar(&volume, "deletion-per-iteration", "", "bytes to delete per site and round, e.g. 50TB")
	cmd.Flags().Int64Var(&seed, "seed", 0, "seed for random site selection")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "record decisions without deleting")
	cmd.Flags().IntVar(&showDecisions, "show", 20, "number of deletions to list")
	return cmd
}

func renderRecord(rec *detox.Record, limit int) string {
	var out strings.Builder

	runStyle := goodStyle
	if rec.DryRun {
		runStyle = warnStyle
	}
	runID := rec.RunID
	if rec.DryRun {
		runID += " (dry run)"
	}
	out.WriteString(createPanel("DETOX RUN", renderMetrics([]metric{
		{"Run", runID, runStyle},
		{"Partition", rec.Partition, valueStyle},
		{"Mode", string(rec.Mode), valueStyle},
		{"Rounds", fmt.Sprintf("%d", rec.Rounds), valueStyle},
		{"Protected", fmt.Sprintf("%d", rec.Count(detox.DecisionProtect)), valueStyle},
		{"Deleted", fmt.Sprintf("%d", rec.Count(detox.DecisionDelete)), valueStyle},
		{"Kept", fmt.Sprintf("%d", rec.Count(detox.DecisionKeep)), valueStyle},
		{"Deleted volume", utils.FormatDataSize(rec.DeletedBytes()), goodStyle},
		{"Duration", rec.Finished.Sub(rec.Started).String(), mutedStyle},
	}), 70))
	out.WriteString("\n")

	after := make(map[string]detox.SiteSnapshot, len(rec.SitesAfter))
	for _, s := range rec.SitesAfter {
		after[s.Site] = s
	}
	sites := newTable("SITE", "QUOTA", "BEFORE", "AFTER", "PROTECTED", "OCCUPANCY")
	for _, before := range rec.SitesBefore {
		a := after[before.Site]
		sites.Row(
			before.Site,
			utils.FormatQuota(before.Quota),
			utils.FormatDataSize(before.Used),
			utils.FormatDataSize(a.Used),
			utils.FormatDataSize(a.Protected),
			createMiniProgressBar(a.Occupancy*100, 15),
		)
	}
	out.WriteString(createPanel("SITES", sites.Render(), 0))

	if limit > 0 && rec.Count(detox.DecisionDelete) > 0 {
		deletions := newTable("ROUND", "SITE", "DATASET", "BLOCKS", "SIZE", "LINE")
		shown := 0
		for _, d := range rec.Decisions {
			if d.Decision != detox.DecisionDelete {
				continue
			}
			if shown == limit {
				break
			}
			blocks := "all"
			if len(d.Blocks) > 0 {
				blocks = fmt.Sprintf("%d", len(d.Blocks))
			}
			line := d.Reason
			if d.Line > 0 {
				line = fmt.Sprintf("%d: %s", d.Line, d.Reason)
			}
			deletions.Row(fmt.Sprintf("%d", d.Round), d.Site, d.Dataset, blocks, utils.FormatDataSize(d.Size), line)
			shown++
		}
		out.WriteString("\n")
		out.WriteString(createPanel("DELETIONS", deletions.Render(), 0))
	}

	for _, w := range rec.Warnings {
		out.WriteString("\n" + warnStyle.Render("warning: ") + w)
	}
	return out.String()
}
