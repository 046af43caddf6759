package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Options configures a new Inventory.
type Options struct {
	// Store receives write-through mutations. Nil keeps the inventory purely
	// in memory.
	Store Store
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
	// FileCacheSize bounds the number of cached block file lists.
	FileCacheSize int
	// CheckFiles cross-checks loaded file lists against the block totals.
	CheckFiles bool
}

// Inventory is the memory-resident replica graph. Every mutation holds the
// inventory lock for its full extent.
type Inventory struct {
	lock *ReentrantLock

	datasets   map[string]*Dataset
	sites      map[string]*Site
	groups     map[string]*Group
	partitions map[string]*Partition
	nullGroup  *Group

	store      Store
	files      *FileCache
	checkFiles bool
	logger     *zap.Logger
}

// BatchResult summarizes a bulk merge or delete.
type BatchResult struct {
	Changed   int
	Unchanged int
	Skipped   int
	// Errors aggregates the per-item failures that were skipped.
	Errors error
}

func New(opts Options) *Inventory {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	inv := &Inventory{
		datasets:   make(map[string]*Dataset),
		sites:      make(map[string]*Site),
		groups:     make(map[string]*Group),
		partitions: make(map[string]*Partition),
		nullGroup:  NewGroup(""),
		store:      opts.Store,
		files:      NewFileCache(opts.FileCacheSize),
		checkFiles: opts.CheckFiles,
		logger:     logger,
	}
	if opts.Store != nil {
		inv.lock = NewReentrantLock(opts.Store.AcquireLock, opts.Store.ReleaseLock)
	} else {
		inv.lock = NewReentrantLock(nil, nil)
	}
	return inv
}

// Lock acquires the inventory lock. Pass the returned context to nested
// calls and to Unlock.
func (inv *Inventory) Lock(ctx context.Context) (context.Context, error) {
	return inv.lock.Lock(ctx)
}

func (inv *Inventory) Unlock(ctx context.Context) error {
	return inv.lock.Unlock(ctx)
}

func (inv *Inventory) withLock(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	ctx, err = inv.lock.Lock(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if uerr := inv.lock.Unlock(ctx); uerr != nil {
			err = multierr.Append(err, uerr)
		}
	}()
	return fn(ctx)
}

func (inv *Inventory) Store() Store { return inv.store }

func (inv *Inventory) Dataset(name string) *Dataset { return inv.datasets[name] }

func (inv *Inventory) Site(name string) *Site { return inv.sites[name] }

func (inv *Inventory) Partition(name string) *Partition { return inv.partitions[name] }

// Group returns the named group; the empty name returns the null group.
func (inv *Inventory) Group(name string) *Group {
	if name == "" {
		return inv.nullGroup
	}
	return inv.groups[name]
}

func (inv *Inventory) NullGroup() *Group { return inv.nullGroup }

func (inv *Inventory) NumDatasets() int { return len(inv.datasets) }

// Datasets returns all datasets ordered by name.
func (inv *Inventory) Datasets() []*Dataset {
	out := make([]*Dataset, 0, len(inv.datasets))
	for _, d := range inv.datasets {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Sites returns all sites ordered by name.
func (inv *Inventory) Sites() []*Site {
	out := make([]*Site, 0, len(inv.sites))
	for _, s := range inv.sites {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Groups returns all named groups ordered by name.
func (inv *Inventory) Groups() []*Group {
	out := make([]*Group, 0, len(inv.groups))
	for _, g := range inv.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Partitions returns all partitions ordered by name.
func (inv *Inventory) Partitions() []*Partition {
	out := make([]*Partition, 0, len(inv.partitions))
	for _, p := range inv.partitions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Embed merges e into the graph without touching the store.
func (inv *Inventory) Embed(ctx context.Context, e Entity, checkOnly bool) (canonical Entity, changed bool, err error) {
	err = inv.withLock(ctx, func(ctx context.Context) error {
		canonical, changed, err = e.EmbedInto(inv, checkOnly)
		return err
	})
	return canonical, changed, err
}

// Unlink removes e from the graph without touching the store. A missing
// entity is logged and reported as nil.
func (inv *Inventory) Unlink(ctx context.Context, e Entity) (removed Entity, err error) {
	err = inv.withLock(ctx, func(ctx context.Context) error {
		removed = e.UnlinkFrom(inv)
		if removed == nil {
			inv.logger.Warn("Entity to unlink not found", zap.String("kind", e.Kind()), zap.String("key", e.Key()))
		}
		return nil
	})
	return removed, err
}

// Update merges e and writes the canonical instance through to the store
// when something changed.
func (inv *Inventory) Update(ctx context.Context, e Entity) (canonical Entity, changed bool, err error) {
	err = inv.withLock(ctx, func(ctx context.Context) error {
		canonical, changed, err = e.EmbedInto(inv, true)
		if err != nil || !changed || inv.store == nil {
			return err
		}
		return canonical.WriteInto(ctx, inv.store)
	})
	return canonical, changed, err
}

// Delete unlinks e and deletes it from the store.
func (inv *Inventory) Delete(ctx context.Context, e Entity) (removed Entity, err error) {
	err = inv.withLock(ctx, func(ctx context.Context) error {
		removed = e.UnlinkFrom(inv)
		if removed == nil {
			inv.logger.Warn("Entity to delete not found", zap.String("kind", e.Kind()), zap.String("key", e.Key()))
			return nil
		}
		if inv.store == nil {
			return nil
		}
		return removed.DeleteFrom(ctx, inv.store)
	})
	return removed, err
}

// UpdateBatch merges entities in order with write-through. Entities
// referencing missing parents or violating an invariant are logged and
// skipped; a store failure aborts the batch.
func (inv *Inventory) UpdateBatch(ctx context.Context, entities []Entity) (*BatchResult, error) {
	return inv.embedBatch(ctx, entities, true)
}

// DeleteBatch unlinks entities in order with write-through.
func (inv *Inventory) DeleteBatch(ctx context.Context, entities []Entity) (*BatchResult, error) {
	res := &BatchResult{}
	err := inv.withLock(ctx, func(ctx context.Context) error {
		for _, e := range entities {
			removed := e.UnlinkFrom(inv)
			if removed == nil {
				inv.logger.Warn("Entity to delete not found", zap.String("kind", e.Kind()), zap.String("key", e.Key()))
				res.Skipped++
				continue
			}
			res.Changed++
			if inv.store == nil {
				continue
			}
			if err := removed.DeleteFrom(ctx, inv.store); err != nil {
				return fmt.Errorf("delete %s %s: %w", e.Kind(), e.Key(), err)
			}
		}
		return nil
	})
	return res, err
}

// Load reads the store and embeds everything it returns.
func (inv *Inventory) Load(ctx context.Context, filter LoadFilter) (*BatchResult, error) {
	if inv.store == nil {
		return nil, errors.New("inventory has no store")
	}
	loaded, err := inv.store.Load(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to load inventory: %w", err)
	}
	res, err := inv.embedBatch(ctx, loaded.Entities(), false)
	if err != nil {
		return res, err
	}
	inv.logger.Info("Inventory loaded",
		zap.Int("datasets", len(inv.datasets)),
		zap.Int("sites", len(inv.sites)),
		zap.Int("groups", len(inv.groups)),
		zap.Int("skipped", res.Skipped))
	return res, nil
}

func (inv *Inventory) embedBatch(ctx context.Context, entities []Entity, writeThrough bool) (*BatchResult, error) {
	res := &BatchResult{}
	err := inv.withLock(ctx, func(ctx context.Context) error {
		for _, e := range entities {
			canonical, changed, err := e.EmbedInto(inv, true)
			if err != nil {
				if errors.Is(err, ErrUnknownReference) || errors.Is(err, ErrIntegrity) {
					inv.logger.Warn("Skipping entity",
						zap.String("kind", e.Kind()),
						zap.String("key", e.Key()),
						zap.Error(err))
					res.Skipped++
					res.Errors = multierr.Append(res.Errors, err)
					continue
				}
				return err
			}
			if !changed {
				res.Unchanged++
				continue
			}
			res.Changed++
			if !writeThrough || inv.store == nil {
				continue
			}
			if err := canonical.WriteInto(ctx, inv.store); err != nil {
				return fmt.Errorf("write %s %s: %w", e.Kind(), e.Key(), err)
			}
		}
		return nil
	})
	return res, err
}

// Files returns the file list of a block, loading it through the store on a
// cache miss.
func (inv *Inventory) Files(ctx context.Context, block *Block) ([]*File, error) {
	key := block.Key()
	if files, ok := inv.files.Get(key); ok {
		return files, nil
	}
	if inv.store == nil {
		return nil, nil
	}
	files, err := inv.store.LoadFiles(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load files of %s: %w", key, err)
	}
	var size int64
	for _, f := range files {
		f.Block = Resolved(block)
		size += f.Size
	}
	if inv.checkFiles && (size != block.Size || len(files) != block.NumFiles) {
		inv.logger.Warn("File list does not match block totals",
			zap.String("block", key),
			zap.Int64("files_size", size),
			zap.Int64("block_size", block.Size),
			zap.Int("files", len(files)),
			zap.Int("block_files", block.NumFiles))
		return nil, integrityErrorf("file list of %s does not match the block totals", key)
	}
	inv.files.Put(key, files)
	return files, nil
}

func (inv *Inventory) resolveBlock(full, from string) (*Block, error) {
	dsName, name, err := SplitBlockName(full)
	if err != nil {
		return nil, integrityErrorf("%s: %v", from, err)
	}
	dataset, ok := inv.datasets[dsName]
	if !ok {
		return nil, unknownReference(KindDataset, dsName, from)
	}
	block, ok := dataset.blocks[name]
	if !ok {
		return nil, unknownReference(KindBlock, full, from)
	}
	return block, nil
}

func (inv *Inventory) resolveGroup(name, from string) (*Group, error) {
	if name == "" {
		return inv.nullGroup, nil
	}
	group, ok := inv.groups[name]
	if !ok {
		return nil, unknownReference(KindGroup, name, from)
	}
	return group, nil
}

func (inv *Inventory) linkBlockReplica(rep *DatasetReplica, br *BlockReplica) {
	block := br.Block.Get()
	site := rep.Site.Get()
	block.replicas[site.Name] = br
	rep.blockReplicas[block.Name] = br
	br.replica = rep
	site.placeBlockReplica(rep, br)
}

// subscribeGrowing creates block replicas of a new block at every growing
// replica of an open dataset, owned by the replica's group. A growing
// replica without a group does not get the block.
func (inv *Inventory) subscribeGrowing(dataset *Dataset, block *Block) {
	if !dataset.IsOpen {
		return
	}
	for _, rep := range dataset.Replicas() {
		if !rep.Growing {
			continue
		}
		group := rep.Group.Get()
		if group == nil || group.IsNull() {
			inv.logger.Warn("Growing replica has no owning group, not subscribing new block",
				zap.String("replica", rep.Key()),
				zap.String("block", block.Key()))
			continue
		}
		br := &BlockReplica{
			Block:      Resolved(block),
			Site:       rep.Site,
			Group:      Resolved(group),
			LastUpdate: block.LastUpdate,
		}
		inv.linkBlockReplica(rep, br)
	}
}

func (inv *Inventory) pruneDatasetReplica(rep *DatasetReplica) {
	if rep.Growing || len(rep.blockReplicas) > 0 {
		return
	}
	if ds := rep.Dataset.Get(); ds != nil && ds.replicas[rep.Site.Name()] == rep {
		inv.unlinkDatasetReplica(rep, true)
	}
}

func (inv *Inventory) unlinkBlockReplica(br *BlockReplica, prune bool) {
	block := br.Block.Get()
	site := br.Site.Get()
	delete(block.replicas, site.Name)

	rep := br.replica
	if rep == nil {
		return
	}
	delete(rep.blockReplicas, block.Name)
	site.removeBlockReplica(rep, br)
	if prune {
		inv.pruneDatasetReplica(rep)
	}
}

func (inv *Inventory) unlinkDatasetReplica(rep *DatasetReplica, pruneDataset bool) {
	site := rep.Site.Get()
	dataset := rep.Dataset.Get()
	for _, br := range rep.blockReplicas {
		if block := br.Block.Get(); block != nil && block.replicas[site.Name] == br {
			delete(block.replicas, site.Name)
		}
	}
	site.removeDatasetReplica(rep)
	delete(dataset.replicas, site.Name)

	if pruneDataset && len(dataset.replicas) == 0 && inv.datasets[dataset.Name] == dataset {
		inv.logger.Debug("Dataset lost its last replica", zap.String("dataset", dataset.Name))
		inv.unlinkDataset(dataset)
	}
}

func (inv *Inventory) unlinkDataset(dataset *Dataset) {
	for _, rep := range dataset.Replicas() {
		inv.unlinkDatasetReplica(rep, false)
	}
	for _, block := range dataset.blocks {
		inv.files.Remove(block.Key())
	}
	delete(inv.datasets, dataset.Name)
}

func (inv *Inventory) unlinkBlock(block *Block) {
	dataset := block.Dataset.Get()
	for _, br := range block.Replicas() {
		inv.unlinkBlockReplica(br, true)
	}
	delete(dataset.blocks, block.Name)
	inv.files.Remove(block.Key())
}

func (inv *Inventory) unlinkSite(site *Site) {
	for _, rep := range site.DatasetReplicas() {
		inv.unlinkDatasetReplica(rep, true)
	}
	delete(inv.sites, site.Name)
}

// unlinkGroup hands everything the group owned to the null group.
func (inv *Inventory) unlinkGroup(group *Group) {
	for _, site := range inv.sites {
		for _, rep := range site.datasetReplicas {
			if rep.Group.Get() == group {
				rep.Group = Resolved(inv.nullGroup)
			}
			for _, br := range rep.blockReplicas {
				if br.Group.Get() == group {
					br.Group = Resolved(inv.nullGroup)
					site.placeBlockReplica(rep, br)
				}
			}
		}
	}
	delete(inv.groups, group.Name)
}

func (inv *Inventory) unlinkPartition(p *Partition) {
	if parent := p.parent; parent != nil {
		subs := parent.Subpartitions[:0]
		for _, ref := range parent.Subpartitions {
			if ref.Name() != p.Name {
				subs = append(subs, ref)
			}
		}
		parent.Subpartitions = subs
		inv.moveSubpartitionQuota(parent, p, -1)
		p.parent = nil
		for _, site := range inv.sites {
			sp := site.partitions[parent.Name]
			for _, rep := range site.datasetReplicas {
				sp.refresh(rep)
			}
		}
	}
	for _, ref := range p.Subpartitions {
		if sub := ref.Get(); sub != nil && sub.parent == p {
			sub.parent = nil
		}
	}
	for _, site := range inv.sites {
		delete(site.partitions, p.Name)
	}
	delete(inv.partitions, p.Name)
}

// moveSubpartitionQuota adds (sign > 0) or removes the site quotas of sub
// to or from the parent's site partitions.
func (inv *Inventory) moveSubpartitionQuota(parent, sub *Partition, sign int64) {
	for _, site := range inv.sites {
		subSP, parentSP := site.partitions[sub.Name], site.partitions[parent.Name]
		if subSP == nil || parentSP == nil || subSP.Quota <= 0 {
			continue
		}
		parentSP.adjustQuota(sign * subSP.Quota)
	}
}
