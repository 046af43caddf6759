package inventory

import (
	"context"
	"sort"
	"time"
)

type Block struct {
	Name       BlockName
	Dataset    Ref[Dataset]
	Size       int64
	NumFiles   int
	IsOpen     bool
	LastUpdate time.Time

	replicas map[string]*BlockReplica
}

// NewBlock returns a detached block of the named dataset.
func NewBlock(dataset string, name BlockName) *Block {
	return &Block{
		Name:     name,
		Dataset:  Unresolved[Dataset](dataset),
		replicas: make(map[string]*BlockReplica),
	}
}

func (b *Block) Key() string  { return FullBlockName(b.Dataset.Name(), b.Name) }
func (b *Block) Kind() string { return KindBlock }

func (b *Block) FindReplica(site string) *BlockReplica { return b.replicas[site] }

func (b *Block) NumReplicas() int { return len(b.replicas) }

// Replicas returns the block replicas ordered by site name.
func (b *Block) Replicas() []*BlockReplica {
	out := make([]*BlockReplica, 0, len(b.replicas))
	for _, r := range b.replicas {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Site.Name() < out[j].Site.Name() })
	return out
}

func (b *Block) Clone() *Block {
	c := NewBlock(b.Dataset.Name(), b.Name)
	c.copyFrom(b)
	return c
}

func (b *Block) copyFrom(o *Block) {
	b.Size = o.Size
	b.NumFiles = o.NumFiles
	b.IsOpen = o.IsOpen
	b.LastUpdate = o.LastUpdate
}

func (b *Block) equalFields(o *Block) bool {
	return b.Size == o.Size && b.NumFiles == o.NumFiles && b.IsOpen == o.IsOpen && b.LastUpdate.Equal(o.LastUpdate)
}

func (b *Block) EmbedInto(inv *Inventory, checkOnly bool) (Entity, bool, error) {
	dataset, ok := inv.datasets[b.Dataset.Name()]
	if !ok {
		return nil, false, unknownReference(KindDataset, b.Dataset.Name(), b.Key())
	}

	existing, ok := dataset.blocks[b.Name]
	if !ok {
		existing = NewBlock(dataset.Name, b.Name)
		existing.Dataset = Resolved(dataset)
		existing.copyFrom(b)
		dataset.blocks[b.Name] = existing
		inv.subscribeGrowing(dataset, existing)
		return existing, true, nil
	}
	if existing == b {
		return existing, false, nil
	}
	changed := !existing.equalFields(b)
	if checkOnly && !changed {
		return existing, false, nil
	}
	existing.copyFrom(b)
	if changed {
		inv.files.Remove(existing.Key())
	}
	return existing, changed, nil
}

func (b *Block) UnlinkFrom(inv *Inventory) Entity {
	dataset, ok := inv.datasets[b.Dataset.Name()]
	if !ok {
		return nil
	}
	existing, ok := dataset.blocks[b.Name]
	if !ok {
		return nil
	}
	inv.unlinkBlock(existing)
	return existing
}

func (b *Block) WriteInto(ctx context.Context, store Store) error {
	return store.SaveBlock(ctx, b)
}

func (b *Block) DeleteFrom(ctx context.Context, store Store) error {
	return store.DeleteBlock(ctx, b)
}
