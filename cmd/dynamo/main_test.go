package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dynamo/pkg/detox"
	"dynamo/pkg/inventory"
	"dynamo/pkg/supply"
)

func TestParseClearMode(t *testing.T) {
	tests := []struct {
		input string
		want  inventory.ClearMode
	}{
		{"", inventory.ClearNone},
		{"none", inventory.ClearNone},
		{"replicas", inventory.ClearReplicas},
		{"all", inventory.ClearAll},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseClearMode(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
	_, err := parseClearMode("everything")
	assert.Error(t, err)
}

func TestRenderRecord(t *testing.T) {
	started := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := &detox.Record{
		RunID:     "run-1",
		Partition: "Physics",
		Mode:      detox.ModeIterative,
		DryRun:    true,
		Started:   started,
		Finished:  started.Add(2 * time.Second),
		Rounds:    1,
		SitesBefore: []detox.SiteSnapshot{
			{Site: "T2_A", Quota: 100, Used: 90, Occupancy: 0.9},
		},
		SitesAfter: []detox.SiteSnapshot{
			{Site: "T2_A", Quota: 100, Used: 40, Occupancy: 0.4},
		},
		Decisions: []detox.ReplicaDecision{
			{Dataset: "/A/B/RAW", Site: "T2_A", Decision: detox.DecisionDelete, Size: 50, Line: 3, Reason: "Delete dataset.status == deprecated", Round: 1},
			{Dataset: "/C/D/RAW", Site: "T2_A", Decision: detox.DecisionKeep, Size: 40},
		},
		Warnings: []string{"line 4 never matched: Protect replica.is_locked"},
	}

	out := renderRecord(rec, 10)
	assert.Contains(t, out, "run-1 (dry run)")
	assert.Contains(t, out, "T2_A")
	assert.Contains(t, out, "/A/B/RAW")
	assert.NotContains(t, out, "/C/D/RAW")
	assert.Contains(t, out, "line 4 never matched")
}

func TestRenderUpdateSummary(t *testing.T) {
	summary := &supply.Summary{Kinds: map[string]*supply.Counts{
		inventory.KindDataset:        {Changed: 2},
		inventory.KindDatasetReplica: {Changed: 1, Skipped: 1},
	}}
	out := renderUpdateSummary(summary)
	assert.Contains(t, out, inventory.KindDataset)
	assert.Contains(t, out, inventory.KindDatasetReplica)
}

func TestMiniProgressBar(t *testing.T) {
	assert.Contains(t, createMiniProgressBar(120, 10), "120.0%")
	assert.Contains(t, createMiniProgressBar(-5, 10), "-5.0%")

	assert.Equal(t, badStyle.Render("x"), levelStyle(95).Render("x"))
	assert.Equal(t, warnStyle.Render("x"), levelStyle(75).Render("x"))
	assert.Equal(t, goodStyle.Render("x"), levelStyle(10).Render("x"))
}
