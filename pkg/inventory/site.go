package inventory

import (
	"context"
	"sort"
)

type Site struct {
	Name        string
	Host        string
	StorageType StorageType
	Status      SiteStatus
	Backend     string

	datasetReplicas map[string]*DatasetReplica
	partitions      map[string]*SitePartition
}

// NewSite returns a detached site.
func NewSite(name string) *Site {
	return &Site{
		Name:            name,
		datasetReplicas: make(map[string]*DatasetReplica),
		partitions:      make(map[string]*SitePartition),
	}
}

func (s *Site) Key() string  { return s.Name }
func (s *Site) Kind() string { return KindSite }

// FindDatasetReplica is an O(1) lookup by dataset name.
func (s *Site) FindDatasetReplica(dataset string) *DatasetReplica {
	return s.datasetReplicas[dataset]
}

func (s *Site) NumDatasetReplicas() int { return len(s.datasetReplicas) }

// DatasetReplicas returns the replicas at this site ordered by dataset name.
func (s *Site) DatasetReplicas() []*DatasetReplica {
	out := make([]*DatasetReplica, 0, len(s.datasetReplicas))
	for _, r := range s.datasetReplicas {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dataset.Name() < out[j].Dataset.Name() })
	return out
}

func (s *Site) Partition(name string) *SitePartition { return s.partitions[name] }

// Partitions returns the site partitions ordered by partition name.
func (s *Site) Partitions() []*SitePartition {
	out := make([]*SitePartition, 0, len(s.partitions))
	for _, sp := range s.partitions {
		out = append(out, sp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Partition.Name() < out[j].Partition.Name() })
	return out
}

// UpdatePartitioning recomputes, for every partition, how much of the replica
// the partition contains. Call it after changing an attribute a partition
// condition depends on outside the merge protocol.
func (s *Site) UpdatePartitioning(rep *DatasetReplica) {
	for _, sp := range s.partitions {
		sp.refresh(rep)
	}
}

func (s *Site) addDatasetReplica(rep *DatasetReplica) {
	s.datasetReplicas[rep.Dataset.Name()] = rep
	s.UpdatePartitioning(rep)
}

func (s *Site) removeDatasetReplica(rep *DatasetReplica) {
	delete(s.datasetReplicas, rep.Dataset.Name())
	for _, sp := range s.partitions {
		sp.remove(rep)
	}
}

// placeBlockReplica updates the partition membership after br was added to
// rep or one of its attributes changed.
func (s *Site) placeBlockReplica(rep *DatasetReplica, br *BlockReplica) {
	for _, sp := range s.partitions {
		sp.placeBlock(rep, br)
	}
}

// removeBlockReplica updates the membership after br left rep.
func (s *Site) removeBlockReplica(rep *DatasetReplica, br *BlockReplica) {
	for _, sp := range s.partitions {
		sp.removeBlock(rep, br)
	}
}

func (s *Site) Clone() *Site {
	c := NewSite(s.Name)
	c.copyFrom(s)
	return c
}

func (s *Site) copyFrom(o *Site) {
	s.Host = o.Host
	s.StorageType = o.StorageType
	s.Status = o.Status
	s.Backend = o.Backend
}

func (s *Site) equalFields(o *Site) bool {
	return s.Host == o.Host && s.StorageType == o.StorageType && s.Status == o.Status && s.Backend == o.Backend
}

func (s *Site) EmbedInto(inv *Inventory, checkOnly bool) (Entity, bool, error) {
	existing, ok := inv.sites[s.Name]
	if !ok {
		existing = NewSite(s.Name)
		existing.copyFrom(s)
		inv.sites[s.Name] = existing
		for _, p := range inv.partitions {
			existing.partitions[p.Name] = newSitePartition(existing, p, inv.logger)
		}
		return existing, true, nil
	}
	if existing == s {
		return existing, false, nil
	}
	changed := !existing.equalFields(s)
	if checkOnly && !changed {
		return existing, false, nil
	}
	storageChanged := existing.StorageType != s.StorageType
	existing.copyFrom(s)
	if storageChanged {
		// storage type conditions may now match differently
		for _, rep := range existing.datasetReplicas {
			existing.UpdatePartitioning(rep)
		}
	}
	return existing, changed, nil
}

func (s *Site) UnlinkFrom(inv *Inventory) Entity {
	existing, ok := inv.sites[s.Name]
	if !ok {
		return nil
	}
	inv.unlinkSite(existing)
	return existing
}

func (s *Site) WriteInto(ctx context.Context, store Store) error {
	return store.SaveSite(ctx, s)
}

func (s *Site) DeleteFrom(ctx context.Context, store Store) error {
	return store.DeleteSite(ctx, s)
}
