package detox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Record is the audit trail of one detox run.
type Record struct {
	RunID       string            `json:"run_id"`
	Partition   string            `json:"partition"`
	Policy      string            `json:"policy"`
	Mode        Mode              `json:"mode"`
	DryRun      bool              `json:"dry_run"`
	Started     time.Time         `json:"started"`
	Finished    time.Time         `json:"finished"`
	Rounds      int               `json:"rounds"`
	SitesBefore []SiteSnapshot    `json:"sites_before"`
	SitesAfter  []SiteSnapshot    `json:"sites_after"`
	Replicas    []ReplicaSnapshot `json:"replicas"`
	Decisions   []ReplicaDecision `json:"decisions"`
	Operations  []string          `json:"operations,omitempty"`
	Warnings    []string          `json:"warnings,omitempty"`
}

type SiteSnapshot struct {
	Site      string  `json:"site"`
	Quota     int64   `json:"quota"`
	Used      int64   `json:"used"`
	Occupancy float64 `json:"occupancy"`
	Protected int64   `json:"protected"`
	Triggered bool    `json:"triggered"`
}

type ReplicaSnapshot struct {
	Dataset string `json:"dataset"`
	Site    string `json:"site"`
	Size    int64  `json:"size"`
	Blocks  int    `json:"blocks"`
}

// Decision values of ReplicaDecision.
const (
	DecisionProtect = "Protect"
	DecisionDelete  = "Delete"
	DecisionKeep    = "Keep"
)

// ReplicaDecision is the outcome for a dataset replica or a subset of its
// blocks. Blocks is empty when the decision covers every block the
// partition contains.
type ReplicaDecision struct {
	Dataset  string   `json:"dataset"`
	Site     string   `json:"site"`
	Decision string   `json:"decision"`
	Blocks   []string `json:"blocks,omitempty"`
	Size     int64    `json:"size"`
	Line     int      `json:"line"`
	Reason   string   `json:"reason"`
	Round    int      `json:"round"`
}

// Count returns the number of decisions of the given kind.
func (r *Record) Count(decision string) int {
	n := 0
	for _, d := range r.Decisions {
		if d.Decision == decision {
			n++
		}
	}
	return n
}

// DeletedBytes sums the sizes of the Delete decisions.
func (r *Record) DeletedBytes() int64 {
	var size int64
	for _, d := range r.Decisions {
		if d.Decision == DecisionDelete {
			size += d.Size
		}
	}
	return size
}

// History stores run records.
type History interface {
	SaveRun(ctx context.Context, id string, data []byte) error
}

func saveRecord(ctx context.Context, h History, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode detox record: %w", err)
	}
	return h.SaveRun(ctx, rec.RunID, data)
}

// DecodeRecord parses a stored record.
func DecodeRecord(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode detox record: %w", err)
	}
	return &rec, nil
}
