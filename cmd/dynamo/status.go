package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"dynamo/pkg/inventory"
	"dynamo/pkg/utils"
)

type statusFlags struct {
	site      string
	partition string
	logical   bool
}

func statusCmd() *cobra.Command {
	var flags statusFlags

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show quota and occupancy per site partition",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if flags.site != "" && a.inv.Site(flags.site) == nil {
				return fmt.Errorf("unknown site %s", flags.site)
			}
			if flags.partition != "" && a.inv.Partition(flags.partition) == nil {
				return fmt.Errorf("unknown partition %s", flags.partition)
			}

			fmt.Println(renderSummary(a.inv))
			for _, site := range a.inv.Sites() {
				if flags.site != "" && site.Name != flags.site {
					continue
				}
				fmt.Println(renderSite(site, &flags))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.site, "site", "", "only show this site")
	cmd.Flags().StringVar(&flags.partition, "partition", "", "only show this partition")
	cmd.Flags().BoolVar(&flags.logical, "logical", false, "count full block sizes instead of physical replica sizes")
	return cmd
}

func renderSummary(inv *inventory.Inventory) string {
	var replicas int
	var volume int64
	for _, site := range inv.Sites() {
		replicas += site.NumDatasetReplicas()
		for _, rep := range site.DatasetReplicas() {
			volume += rep.Size()
		}
	}
	return createPanel("DYNAMO INVENTORY", renderMetrics([]metric{
		{"Sites", fmt.Sprintf("%d", len(inv.Sites())), valueStyle},
		{"Datasets", fmt.Sprintf("%d", inv.NumDatasets()), valueStyle},
		{"Dataset replicas", fmt.Sprintf("%d", replicas), valueStyle},
		{"Replicated volume", utils.FormatDataSize(volume), goodStyle},
		{"Groups", fmt.Sprintf("%d", len(inv.Groups())), valueStyle},
		{"Partitions", fmt.Sprintf("%d", len(inv.Partitions())), valueStyle},
	}), 60)
}

func renderSite(site *inventory.Site, flags *statusFlags) string {
	t := newTable("PARTITION", "QUOTA", "USED", "REPLICAS", "OCCUPANCY")

	parts := site.Partitions()
	sort.Slice(parts, func(i, j int) bool { return parts[i].Partition.Name() < parts[j].Partition.Name() })
	for _, sp := range parts {
		if flags.partition != "" && sp.Partition.Name() != flags.partition {
			continue
		}
		used := sp.Used(!flags.logical)
		t.Row(
			sp.Partition.Name(),
			utils.FormatQuota(sp.Quota),
			utils.FormatDataSize(used),
			fmt.Sprintf("%d", sp.NumReplicas()),
			occupancyCell(sp, !flags.logical),
		)
	}

	title := fmt.Sprintf("%s  %s", site.Name, mutedStyle.Render(fmt.Sprintf("%s, %s", site.StorageType, site.Status)))
	return createPanel(title, t.Render(), 0)
}

func occupancyCell(sp *inventory.SitePartition, physical bool) string {
	switch {
	case sp.IsUnlimited():
		return mutedStyle.Render("unlimited")
	case sp.Quota == 0:
		return mutedStyle.Render("no quota")
	}
	return createMiniProgressBar(sp.OccupancyFraction(physical)*100, 15)
}
