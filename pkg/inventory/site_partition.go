package inventory

import (
	"context"
	"math"
	"sort"

	"go.uber.org/zap"
)

// UnlimitedQuota marks a site partition that is never over capacity. Any
// negative quota is treated the same way. A zero quota means "not set" and
// reports the site partition as full.
const UnlimitedQuota int64 = -1

// SitePartition is the quota and membership bookkeeping of one partition at
// one site. A member dataset replica is either fully contained (no block
// set recorded) or partially contained (the matching block replicas).
type SitePartition struct {
	Site      Ref[Site]
	Partition Ref[Partition]
	Quota     int64

	replicas map[string]*membership
	logger   *zap.Logger
}

type membership struct {
	replica *DatasetReplica
	blocks  map[BlockName]*BlockReplica
}

// NewSitePartition returns a detached site partition, used to set quotas.
func NewSitePartition(site, partition string, quota int64) *SitePartition {
	return &SitePartition{
		Site:      Unresolved[Site](site),
		Partition: Unresolved[Partition](partition),
		Quota:     quota,
		replicas:  make(map[string]*membership),
	}
}

func newSitePartition(site *Site, p *Partition, logger *zap.Logger) *SitePartition {
	return &SitePartition{
		Site:      Resolved(site),
		Partition: Resolved(p),
		replicas:  make(map[string]*membership),
		logger:    logger,
	}
}

func (sp *SitePartition) Key() string  { return sp.Site.Name() + "/" + sp.Partition.Name() }
func (sp *SitePartition) Kind() string { return KindSitePartition }

func (sp *SitePartition) IsUnlimited() bool { return sp.Quota < 0 }

// SetQuota changes the quota and adds the difference to the parent site
// partition. Subpartitions cannot be unlimited.
func (sp *SitePartition) SetQuota(quota int64) error {
	p := sp.Partition.Get()
	if quota < 0 && p != nil && p.parent != nil {
		return integrityErrorf("unlimited quota requested for subpartition %s", sp.Key())
	}
	if p != nil && p.parent != nil {
		if site := sp.Site.Get(); site != nil {
			if parent := site.partitions[p.parent.Name]; parent != nil {
				parent.adjustQuota(quota - sp.Quota)
			}
		}
	}
	sp.Quota = quota
	return nil
}

// adjustQuota adds the quota change of a subpartition. An unlimited parent
// stays unlimited and a parent set below the sum of its subpartitions
// stops at zero; both are logged since the parent no longer tracks the sum.
func (sp *SitePartition) adjustQuota(delta int64) {
	if delta == 0 {
		return
	}
	if sp.Quota < 0 {
		sp.log().Warn("Ignoring subpartition quota change on unlimited parent",
			zap.String("site_partition", sp.Key()),
			zap.Int64("delta", delta))
		return
	}
	quota := sp.Quota + delta
	if quota < 0 {
		sp.log().Warn("Parent quota below the sum of its subpartitions, clamping at zero",
			zap.String("site_partition", sp.Key()),
			zap.Int64("quota", sp.Quota),
			zap.Int64("delta", delta))
		quota = 0
	}
	// SetQuota cannot fail here: quota is not negative
	_ = sp.SetQuota(quota)
}

func (sp *SitePartition) log() *zap.Logger {
	if sp.logger == nil {
		return zap.NewNop()
	}
	return sp.logger
}

// Used sums the member block replicas: their physical bytes, or the full
// block sizes when physical is false.
func (sp *SitePartition) Used(physical bool) int64 {
	var used int64
	add := func(br *BlockReplica) {
		if physical {
			used += br.Size
		} else {
			used += br.BlockSize()
		}
	}
	for _, m := range sp.replicas {
		if m.blocks == nil {
			for _, br := range m.replica.blockReplicas {
				add(br)
			}
			continue
		}
		for _, br := range m.blocks {
			add(br)
		}
	}
	return used
}

// OccupancyFraction is Used divided by the quota. An unset quota reports the
// largest float so that threshold checks treat the site as full; an
// unlimited quota reports zero.
func (sp *SitePartition) OccupancyFraction(physical bool) float64 {
	switch {
	case sp.Quota < 0:
		return 0
	case sp.Quota == 0:
		return math.MaxFloat64
	}
	return float64(sp.Used(physical)) / float64(sp.Quota)
}

func (sp *SitePartition) Contains(rep *DatasetReplica) bool {
	_, ok := sp.replicas[rep.Dataset.Name()]
	return ok
}

// BlockReplicas returns the member block replicas of rep and whether rep is
// fully contained. It returns nil for a replica that is not a member.
func (sp *SitePartition) BlockReplicas(rep *DatasetReplica) ([]*BlockReplica, bool) {
	m, ok := sp.replicas[rep.Dataset.Name()]
	if !ok {
		return nil, false
	}
	if m.blocks == nil {
		return m.replica.BlockReplicas(), true
	}
	out := make([]*BlockReplica, 0, len(m.blocks))
	for _, br := range m.blocks {
		out = append(out, br)
	}
	sortBlockReplicas(out)
	return out, false
}

func (sp *SitePartition) NumReplicas() int { return len(sp.replicas) }

// Replicas returns the member dataset replicas ordered by dataset name.
func (sp *SitePartition) Replicas() []*DatasetReplica {
	out := make([]*DatasetReplica, 0, len(sp.replicas))
	for _, m := range sp.replicas {
		out = append(out, m.replica)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dataset.Name() < out[j].Dataset.Name() })
	return out
}

func (sp *SitePartition) refresh(rep *DatasetReplica) {
	key := rep.Dataset.Name()
	p := sp.Partition.Get()
	matched := make(map[BlockName]*BlockReplica)
	for name, br := range rep.blockReplicas {
		if p.Contains(br) {
			matched[name] = br
		}
	}
	switch {
	case len(matched) == 0:
		delete(sp.replicas, key)
	case len(matched) == len(rep.blockReplicas):
		sp.replicas[key] = &membership{replica: rep}
	default:
		sp.replicas[key] = &membership{replica: rep, blocks: matched}
	}
}

// placeBlock handles a block replica that was just linked into rep or whose
// attributes changed.
func (sp *SitePartition) placeBlock(rep *DatasetReplica, br *BlockReplica) {
	key := rep.Dataset.Name()
	name := br.BlockName()
	m, member := sp.replicas[key]

	if sp.Partition.Get().Contains(br) {
		switch {
		case !member:
			if len(rep.blockReplicas) == 1 {
				sp.replicas[key] = &membership{replica: rep}
			} else {
				sp.replicas[key] = &membership{replica: rep, blocks: map[BlockName]*BlockReplica{name: br}}
			}
		case m.blocks != nil:
			m.blocks[name] = br
			if len(m.blocks) == len(rep.blockReplicas) {
				m.blocks = nil
			}
		}
		return
	}

	if !member {
		return
	}
	if m.blocks == nil {
		m.blocks = make(map[BlockName]*BlockReplica, len(rep.blockReplicas))
		for other, obr := range rep.blockReplicas {
			if other != name {
				m.blocks[other] = obr
			}
		}
	} else {
		delete(m.blocks, name)
	}
	if len(m.blocks) == 0 {
		delete(sp.replicas, key)
	}
}

// removeBlock handles a block replica that was just removed from rep.
func (sp *SitePartition) removeBlock(rep *DatasetReplica, br *BlockReplica) {
	key := rep.Dataset.Name()
	m, member := sp.replicas[key]
	if !member {
		return
	}
	if m.blocks == nil {
		if len(rep.blockReplicas) == 0 {
			delete(sp.replicas, key)
		}
		return
	}
	delete(m.blocks, br.BlockName())
	switch {
	case len(m.blocks) == 0:
		delete(sp.replicas, key)
	case len(m.blocks) == len(rep.blockReplicas):
		m.blocks = nil
	}
}

func (sp *SitePartition) remove(rep *DatasetReplica) {
	delete(sp.replicas, rep.Dataset.Name())
}

func (sp *SitePartition) Clone() *SitePartition {
	return NewSitePartition(sp.Site.Name(), sp.Partition.Name(), sp.Quota)
}

func (sp *SitePartition) EmbedInto(inv *Inventory, checkOnly bool) (Entity, bool, error) {
	site, ok := inv.sites[sp.Site.Name()]
	if !ok {
		return nil, false, unknownReference(KindSite, sp.Site.Name(), sp.Key())
	}
	p, ok := inv.partitions[sp.Partition.Name()]
	if !ok {
		return nil, false, unknownReference(KindPartition, sp.Partition.Name(), sp.Key())
	}
	existing, ok := site.partitions[p.Name]
	if !ok {
		existing = newSitePartition(site, p, inv.logger)
		site.partitions[p.Name] = existing
	}
	if existing == sp {
		return existing, false, nil
	}
	changed := existing.Quota != sp.Quota
	if !changed {
		return existing, false, nil
	}
	if err := existing.SetQuota(sp.Quota); err != nil {
		return nil, false, err
	}
	return existing, true, nil
}

// UnlinkFrom resets the quota. The bookkeeping itself lives as long as the
// site and the partition.
func (sp *SitePartition) UnlinkFrom(inv *Inventory) Entity {
	site, ok := inv.sites[sp.Site.Name()]
	if !ok {
		return nil
	}
	existing, ok := site.partitions[sp.Partition.Name()]
	if !ok {
		return nil
	}
	if err := existing.SetQuota(0); err != nil {
		return nil
	}
	return existing
}

func (sp *SitePartition) WriteInto(ctx context.Context, store Store) error {
	return store.SaveSitePartition(ctx, sp)
}

func (sp *SitePartition) DeleteFrom(ctx context.Context, store Store) error {
	return store.DeleteSitePartition(ctx, sp)
}
