package inventory

import "context"

// ClearMode selects what a snapshot wipes from the live store once the copy
// is taken.
type ClearMode int

const (
	ClearNone ClearMode = iota
	ClearReplicas
	ClearAll
)

// LoadFilter restricts what Load returns. Empty lists mean everything.
type LoadFilter struct {
	Sites    []string
	Groups   []string
	Datasets []string
}

// LoadResult holds detached entities in an order that can be embedded
// directly.
type LoadResult struct {
	Groups          []*Group
	Partitions      []*Partition
	Sites           []*Site
	SitePartitions  []*SitePartition
	Datasets        []*Dataset
	Blocks          []*Block
	BlockReplicas   []*BlockReplica
	DatasetReplicas []*DatasetReplica
}

// Entities flattens the result in embedding order.
func (r *LoadResult) Entities() []Entity {
	var out []Entity
	for _, g := range r.Groups {
		out = append(out, g)
	}
	for _, p := range orderPartitions(r.Partitions) {
		out = append(out, p)
	}
	for _, s := range r.Sites {
		out = append(out, s)
	}
	for _, sp := range r.SitePartitions {
		out = append(out, sp)
	}
	for _, d := range r.Datasets {
		out = append(out, d)
	}
	for _, b := range r.Blocks {
		out = append(out, b)
	}
	for _, br := range r.BlockReplicas {
		out = append(out, br)
	}
	for _, dr := range r.DatasetReplicas {
		out = append(out, dr)
	}
	return out
}

// Store is the persistence collaborator. Save and delete operations must
// reproduce the in-memory cascades so that replaying them rebuilds the same
// graph.
type Store interface {
	Load(ctx context.Context, filter LoadFilter) (*LoadResult, error)
	LoadFiles(ctx context.Context, block string) ([]*File, error)

	SaveDataset(ctx context.Context, d *Dataset) error
	DeleteDataset(ctx context.Context, d *Dataset) error
	SaveBlock(ctx context.Context, b *Block) error
	DeleteBlock(ctx context.Context, b *Block) error
	SaveFile(ctx context.Context, f *File) error
	DeleteFile(ctx context.Context, f *File) error
	SaveSite(ctx context.Context, s *Site) error
	DeleteSite(ctx context.Context, s *Site) error
	SaveGroup(ctx context.Context, g *Group) error
	DeleteGroup(ctx context.Context, g *Group) error
	SavePartition(ctx context.Context, p *Partition) error
	DeletePartition(ctx context.Context, p *Partition) error
	SaveSitePartition(ctx context.Context, sp *SitePartition) error
	DeleteSitePartition(ctx context.Context, sp *SitePartition) error
	SaveDatasetReplica(ctx context.Context, r *DatasetReplica) error
	DeleteDatasetReplica(ctx context.Context, r *DatasetReplica) error
	SaveBlockReplica(ctx context.Context, r *BlockReplica) error
	DeleteBlockReplica(ctx context.Context, r *BlockReplica) error

	Snapshot(ctx context.Context, mode ClearMode) (string, error)
	ListSnapshots(ctx context.Context) ([]string, error)
	Restore(ctx context.Context, tag string) error

	AcquireLock(ctx context.Context) error
	ReleaseLock(ctx context.Context) error
}
