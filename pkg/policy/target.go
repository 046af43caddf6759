package policy

import (
	"dynamo/pkg/inventory"
)

// SiteState is the view of one site within the partition a policy manages.
// Protected accumulates the bytes protected so far in a run.
type SiteState struct {
	Site      *inventory.Site
	Partition *inventory.SitePartition
	Protected int64
}

// Occupancy is the physical occupancy fraction of the site partition.
func (s *SiteState) Occupancy() float64 {
	return s.Partition.OccupancyFraction(true)
}

// ProtectedFraction is the share of the quota already protected. Sites
// without a positive quota report zero.
func (s *SiteState) ProtectedFraction() float64 {
	if s.Partition.Quota <= 0 {
		return 0
	}
	return float64(s.Protected) / float64(s.Partition.Quota)
}

// Target is what predicates are evaluated against: a site, and optionally a
// dataset replica restricted to a set of its block replicas.
type Target struct {
	Site    *SiteState
	Replica *inventory.DatasetReplica
	Blocks  []*inventory.BlockReplica
}

// NewTarget returns the target for rep restricted to the blocks the site
// partition contains.
func NewTarget(site *SiteState, rep *inventory.DatasetReplica) *Target {
	blocks, _ := site.Partition.BlockReplicas(rep)
	return &Target{Site: site, Replica: rep, Blocks: blocks}
}

func (t *Target) dataset() *inventory.Dataset {
	return t.Replica.Dataset.Get()
}

// Size is the physical size of the target blocks.
func (t *Target) Size() int64 {
	var size int64
	for _, br := range t.Blocks {
		size += br.Size
	}
	return size
}
