package inventory

import (
	"context"
	"sort"
	"time"
)

const replicaSeparator = "@"

// DatasetReplica is the placement of a dataset at a site. A growing replica
// is automatically subscribed to new blocks of an open dataset under Group.
// A non-growing replica never exists without block replicas.
type DatasetReplica struct {
	Dataset Ref[Dataset]
	Site    Ref[Site]
	Growing bool
	Group   Ref[Group]

	blockReplicas map[BlockName]*BlockReplica
}

// NewDatasetReplica returns a detached dataset replica.
func NewDatasetReplica(dataset, site string) *DatasetReplica {
	return &DatasetReplica{
		Dataset:       Unresolved[Dataset](dataset),
		Site:          Unresolved[Site](site),
		Group:         Unresolved[Group](""),
		blockReplicas: make(map[BlockName]*BlockReplica),
	}
}

func (r *DatasetReplica) Key() string  { return r.Dataset.Name() + replicaSeparator + r.Site.Name() }
func (r *DatasetReplica) Kind() string { return KindDatasetReplica }

func (r *DatasetReplica) FindBlockReplica(name BlockName) *BlockReplica {
	return r.blockReplicas[name]
}

func (r *DatasetReplica) NumBlockReplicas() int { return len(r.blockReplicas) }

// BlockReplicas returns the block replicas ordered by block name.
func (r *DatasetReplica) BlockReplicas() []*BlockReplica {
	out := make([]*BlockReplica, 0, len(r.blockReplicas))
	for _, br := range r.blockReplicas {
		out = append(out, br)
	}
	sortBlockReplicas(out)
	return out
}

// AddBlockReplica attaches a detached block replica to a detached dataset
// replica so that both are embedded together.
func (r *DatasetReplica) AddBlockReplica(br *BlockReplica) {
	r.blockReplicas[br.BlockName()] = br
}

// Size is the physical size of all block replicas.
func (r *DatasetReplica) Size() int64 {
	var size int64
	for _, br := range r.blockReplicas {
		size += br.Size
	}
	return size
}

// IsFull reports whether every block of the dataset has a replica here.
func (r *DatasetReplica) IsFull() bool {
	ds := r.Dataset.Get()
	return ds != nil && len(r.blockReplicas) == ds.NumBlocks()
}

// IsComplete reports whether the replica is full and every block replica
// holds all of its bytes.
func (r *DatasetReplica) IsComplete() bool {
	if !r.IsFull() {
		return false
	}
	for _, br := range r.blockReplicas {
		if !br.IsComplete() {
			return false
		}
	}
	return true
}

func (r *DatasetReplica) LastBlockUpdate() time.Time {
	var last time.Time
	for _, br := range r.blockReplicas {
		if br.LastUpdate.After(last) {
			last = br.LastUpdate
		}
	}
	return last
}

// Clone returns a detached copy without block replicas.
func (r *DatasetReplica) Clone() *DatasetReplica {
	c := NewDatasetReplica(r.Dataset.Name(), r.Site.Name())
	c.Growing = r.Growing
	c.Group = r.Group.Detach()
	return c
}

// CloneWithBlocks returns a detached copy carrying detached copies of the
// block replicas.
func (r *DatasetReplica) CloneWithBlocks() *DatasetReplica {
	c := r.Clone()
	for name, br := range r.blockReplicas {
		c.blockReplicas[name] = br.Clone()
	}
	return c
}

func (r *DatasetReplica) EmbedInto(inv *Inventory, checkOnly bool) (Entity, bool, error) {
	dataset, ok := inv.datasets[r.Dataset.Name()]
	if !ok {
		return nil, false, unknownReference(KindDataset, r.Dataset.Name(), r.Key())
	}
	site, ok := inv.sites[r.Site.Name()]
	if !ok {
		return nil, false, unknownReference(KindSite, r.Site.Name(), r.Key())
	}
	group, err := inv.resolveGroup(r.Group.Name(), r.Key())
	if err != nil {
		return nil, false, err
	}

	existing, ok := dataset.replicas[site.Name]
	created := false
	if !ok {
		if !r.Growing && len(r.blockReplicas) == 0 {
			return nil, false, integrityErrorf("dataset replica %s is not growing and has no block replicas", r.Key())
		}
		existing = &DatasetReplica{
			Dataset:       Resolved(dataset),
			Site:          Resolved(site),
			Group:         Resolved(group),
			blockReplicas: make(map[BlockName]*BlockReplica),
		}
		dataset.replicas[site.Name] = existing
		site.addDatasetReplica(existing)
		created = true
	} else if existing == r {
		return existing, false, nil
	}

	changed := created || existing.Growing != r.Growing || existing.Group.Name() != group.Name
	if !checkOnly || changed {
		existing.Growing = r.Growing
		existing.Group = Resolved(group)
	}

	for _, br := range r.BlockReplicas() {
		_, brChanged, err := br.EmbedInto(inv, checkOnly)
		if err != nil {
			if created && !existing.Growing && len(existing.blockReplicas) == 0 {
				inv.unlinkDatasetReplica(existing, false)
			} else {
				inv.pruneDatasetReplica(existing)
			}
			return nil, false, err
		}
		changed = changed || brChanged
	}

	inv.pruneDatasetReplica(existing)
	return existing, changed, nil
}

func (r *DatasetReplica) UnlinkFrom(inv *Inventory) Entity {
	dataset, ok := inv.datasets[r.Dataset.Name()]
	if !ok {
		return nil
	}
	existing, ok := dataset.replicas[r.Site.Name()]
	if !ok {
		return nil
	}
	inv.unlinkDatasetReplica(existing, true)
	return existing
}

func (r *DatasetReplica) WriteInto(ctx context.Context, store Store) error {
	return store.SaveDatasetReplica(ctx, r)
}

func (r *DatasetReplica) DeleteFrom(ctx context.Context, store Store) error {
	return store.DeleteDatasetReplica(ctx, r)
}

// BlockReplica is the placement of a block at a site. Size may be below the
// block size while the transfer is incomplete. FileIDs lists the files
// present for a partial replica; nil means all of them.
type BlockReplica struct {
	Block       Ref[Block]
	Site        Ref[Site]
	Group       Ref[Group]
	IsCustodial bool
	Size        int64
	LastUpdate  time.Time
	FileIDs     []int64

	replica *DatasetReplica
}

// NewBlockReplica returns a detached block replica owned by the null group.
func NewBlockReplica(dataset string, block BlockName, site string) *BlockReplica {
	return &BlockReplica{
		Block: Unresolved[Block](FullBlockName(dataset, block)),
		Site:  Unresolved[Site](site),
		Group: Unresolved[Group](""),
	}
}

func (r *BlockReplica) Key() string  { return r.Block.Name() + replicaSeparator + r.Site.Name() }
func (r *BlockReplica) Kind() string { return KindBlockReplica }

// DatasetName returns the name of the dataset the block belongs to.
func (r *BlockReplica) DatasetName() string {
	if b := r.Block.Get(); b != nil {
		return b.Dataset.Name()
	}
	ds, _, _ := SplitBlockName(r.Block.Name())
	return ds
}

func (r *BlockReplica) BlockName() BlockName {
	if b := r.Block.Get(); b != nil {
		return b.Name
	}
	_, name, _ := SplitBlockName(r.Block.Name())
	return name
}

// Replica returns the owning dataset replica of a canonical block replica.
func (r *BlockReplica) Replica() *DatasetReplica { return r.replica }

// IsComplete reports whether the replica holds all bytes of the block.
func (r *BlockReplica) IsComplete() bool {
	b := r.Block.Get()
	return b != nil && r.Size == b.Size
}

// BlockSize is the logical size of the replicated block.
func (r *BlockReplica) BlockSize() int64 {
	if b := r.Block.Get(); b != nil {
		return b.Size
	}
	return r.Size
}

func (r *BlockReplica) Clone() *BlockReplica {
	c := &BlockReplica{
		Block:       r.Block.Detach(),
		Site:        r.Site.Detach(),
		Group:       r.Group.Detach(),
		IsCustodial: r.IsCustodial,
		Size:        r.Size,
		LastUpdate:  r.LastUpdate,
	}
	if r.FileIDs != nil {
		c.FileIDs = append([]int64{}, r.FileIDs...)
	}
	return c
}

func (r *BlockReplica) copyFrom(o *BlockReplica, group *Group) {
	r.Group = Resolved(group)
	r.IsCustodial = o.IsCustodial
	r.Size = o.Size
	r.LastUpdate = o.LastUpdate
	r.FileIDs = nil
	if o.FileIDs != nil {
		r.FileIDs = append([]int64{}, o.FileIDs...)
	}
}

func (r *BlockReplica) equalFields(o *BlockReplica, group *Group) bool {
	if r.Group.Name() != group.Name || r.IsCustodial != o.IsCustodial || r.Size != o.Size ||
		!r.LastUpdate.Equal(o.LastUpdate) {
		return false
	}
	if (r.FileIDs == nil) != (o.FileIDs == nil) || len(r.FileIDs) != len(o.FileIDs) {
		return false
	}
	for i := range r.FileIDs {
		if r.FileIDs[i] != o.FileIDs[i] {
			return false
		}
	}
	return true
}

func (r *BlockReplica) EmbedInto(inv *Inventory, checkOnly bool) (Entity, bool, error) {
	block, err := inv.resolveBlock(r.Block.Name(), r.Key())
	if err != nil {
		return nil, false, err
	}
	site, ok := inv.sites[r.Site.Name()]
	if !ok {
		return nil, false, unknownReference(KindSite, r.Site.Name(), r.Key())
	}
	group, err := inv.resolveGroup(r.Group.Name(), r.Key())
	if err != nil {
		return nil, false, err
	}

	existing, ok := block.replicas[site.Name]
	if !ok {
		dataset := block.Dataset.Get()
		rep, ok := dataset.replicas[site.Name]
		if !ok {
			rep = &DatasetReplica{
				Dataset:       Resolved(dataset),
				Site:          Resolved(site),
				Group:         Resolved(inv.nullGroup),
				blockReplicas: make(map[BlockName]*BlockReplica),
			}
			dataset.replicas[site.Name] = rep
			site.addDatasetReplica(rep)
		}
		existing = &BlockReplica{Block: Resolved(block), Site: Resolved(site)}
		existing.copyFrom(r, group)
		inv.linkBlockReplica(rep, existing)
		return existing, true, nil
	}
	if existing == r {
		return existing, false, nil
	}

	changed := !existing.equalFields(r, group)
	if checkOnly && !changed {
		return existing, false, nil
	}
	groupChanged := existing.Group.Name() != group.Name
	existing.copyFrom(r, group)
	if groupChanged {
		site.placeBlockReplica(existing.replica, existing)
	}
	return existing, changed, nil
}

func (r *BlockReplica) UnlinkFrom(inv *Inventory) Entity {
	block, err := inv.resolveBlock(r.Block.Name(), r.Key())
	if err != nil {
		return nil
	}
	existing, ok := block.replicas[r.Site.Name()]
	if !ok {
		return nil
	}
	inv.unlinkBlockReplica(existing, true)
	return existing
}

func (r *BlockReplica) WriteInto(ctx context.Context, store Store) error {
	return store.SaveBlockReplica(ctx, r)
}

func (r *BlockReplica) DeleteFrom(ctx context.Context, store Store) error {
	return store.DeleteBlockReplica(ctx, r)
}

func sortBlockReplicas(brs []*BlockReplica) {
	sort.Slice(brs, func(i, j int) bool { return brs[i].Key() < brs[j].Key() })
}
