package inventory

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestDatasetSizeIsDerivedFromBlocks(t *testing.T) {
	inv := newTestInventory(t)
	ds := inv.Dataset(testDataset)
	require.NotNil(t, ds)

	assert.Equal(t, int64(30), ds.Size())
	assert.Equal(t, 3, ds.NumFiles())

	mustEmbed(t, inv, testBlock(block2, 25, 4))
	assert.Equal(t, int64(35), ds.Size())
	assert.Equal(t, 5, ds.NumFiles())

	_, err := inv.Unlink(context.Background(), NewBlock(testDataset, block1))
	require.NoError(t, err)
	assert.Equal(t, int64(25), ds.Size())
	assert.Equal(t, 4, ds.NumFiles())
	assert.Nil(t, ds.FindBlock(block1))
}

func TestBlockReplicaCreatesDatasetReplica(t *testing.T) {
	inv := newTestInventory(t)
	mustEmbed(t, inv, testBlockReplica(block1, "A", "analysis", 10))

	site := inv.Site("A")
	rep := site.FindDatasetReplica(testDataset)
	require.NotNil(t, rep)
	assert.False(t, rep.Growing)
	assert.True(t, rep.Group.Get().IsNull())
	assert.Same(t, rep, inv.Dataset(testDataset).FindReplica("A"))

	br := rep.FindBlockReplica(block1)
	require.NotNil(t, br)
	assert.Same(t, rep, br.Replica())
	assert.Same(t, br, inv.Dataset(testDataset).FindBlock(block1).FindReplica("A"))
	assert.True(t, br.IsComplete())
	assert.False(t, rep.IsFull())
}

func TestPartitionMembership(t *testing.T) {
	inv := newTestInventory(t)
	mustEmbed(t, inv,
		testBlockReplica(block1, "A", "analysis", 10),
		testBlockReplica(block2, "A", "production", 5),
	)
	site := inv.Site("A")
	rep := site.FindDatasetReplica(testDataset)

	brs, full := site.Partition("Physics").BlockReplicas(rep)
	assert.False(t, full)
	require.Len(t, brs, 1)
	assert.Equal(t, block1, brs[0].BlockName())

	brs, full = site.Partition("Prod").BlockReplicas(rep)
	assert.False(t, full)
	require.Len(t, brs, 1)
	assert.Equal(t, block2, brs[0].BlockName())

	_, full = site.Partition("All").BlockReplicas(rep)
	assert.True(t, full)

	// moving block2 to analysis empties Prod and completes Physics
	mustEmbed(t, inv, testBlockReplica(block2, "A", "analysis", 5))
	_, full = site.Partition("Physics").BlockReplicas(rep)
	assert.True(t, full)
	assert.False(t, site.Partition("Prod").Contains(rep))
	assert.Equal(t, 0, site.Partition("Prod").NumReplicas())
	assert.True(t, site.Partition("All").Contains(rep))
}

func TestMembershipNeverHoldsEmptySets(t *testing.T) {
	inv := newTestInventory(t)
	mustEmbed(t, inv,
		testBlockReplica(block1, "A", "analysis", 10),
		testBlockReplica(block2, "A", "production", 20),
	)
	ctx := context.Background()
	_, err := inv.Unlink(ctx, NewBlockReplica(testDataset, block2, "A"))
	require.NoError(t, err)

	for _, sp := range inv.Site("A").Partitions() {
		for _, m := range sp.replicas {
			if m.blocks != nil {
				assert.NotEmpty(t, m.blocks, sp.Key())
			}
		}
	}
	assert.False(t, inv.Site("A").Partition("Prod").Contains(inv.Site("A").FindDatasetReplica(testDataset)))
}

func TestEmbedCheckOnlyIsIdempotent(t *testing.T) {
	inv := newTestInventory(t)
	ctx := context.Background()

	entities := []Entity{
		testBlockReplica(block1, "A", "analysis", 10),
		testBlock(block1, 10, 1),
		NewGroup("analysis"),
		&Partition{Name: "Physics", Groups: []string{"analysis"}},
		NewSitePartition("A", "Physics", 100),
	}
	for _, e := range entities {
		_, _, err := inv.Embed(ctx, e, true)
		require.NoError(t, err)
		_, changed, err := inv.Embed(ctx, e, true)
		require.NoError(t, err)
		assert.False(t, changed, "second embed of %s %s", e.Kind(), e.Key())
	}

	ds := inv.Dataset(testDataset).Clone()
	_, changed, err := inv.Embed(ctx, ds, true)
	require.NoError(t, err)
	assert.False(t, changed)

	ds.Status = DatasetProduction
	canonical, changed, err := inv.Embed(ctx, ds, true)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Same(t, inv.Dataset(testDataset), canonical)
	assert.Equal(t, DatasetProduction, inv.Dataset(testDataset).Status)

	// the canonical instance itself never reports a change
	_, changed, err = inv.Embed(ctx, canonical, true)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestUnlinkDatasetRemovesEverything(t *testing.T) {
	inv := newTestInventory(t)
	mustEmbed(t, inv,
		testBlockReplica(block1, "A", "analysis", 10),
		testBlockReplica(block2, "A", "production", 20),
		testBlockReplica(block1, "B", "analysis", 10),
	)
	ctx := context.Background()

	removed, err := inv.Unlink(ctx, NewDataset(testDataset))
	require.NoError(t, err)
	require.NotNil(t, removed)
	assert.Nil(t, inv.Dataset(testDataset))

	for _, site := range inv.Sites() {
		assert.Nil(t, site.FindDatasetReplica(testDataset), site.Name)
		for _, sp := range site.Partitions() {
			assert.Equal(t, 0, sp.NumReplicas(), sp.Key())
			assert.Equal(t, int64(0), sp.Used(true), sp.Key())
		}
	}

	removed, err = inv.Unlink(ctx, NewDataset(testDataset))
	require.NoError(t, err)
	assert.Nil(t, removed)
}

func TestOrphanPruning(t *testing.T) {
	inv := newTestInventory(t)
	mustEmbed(t, inv,
		testBlockReplica(block1, "A", "analysis", 10),
		testBlockReplica(block2, "A", "analysis", 20),
	)
	ctx := context.Background()

	_, err := inv.Unlink(ctx, NewBlockReplica(testDataset, block1, "A"))
	require.NoError(t, err)
	require.NotNil(t, inv.Site("A").FindDatasetReplica(testDataset))

	_, err = inv.Unlink(ctx, NewBlockReplica(testDataset, block2, "A"))
	require.NoError(t, err)
	assert.Nil(t, inv.Site("A").FindDatasetReplica(testDataset))
	assert.Nil(t, inv.Dataset(testDataset), "dataset without replicas is pruned")
}

func TestNonGrowingReplicaNeedsBlocks(t *testing.T) {
	inv := newTestInventory(t)
	_, _, err := inv.Embed(context.Background(), NewDatasetReplica(testDataset, "A"), false)
	assert.ErrorIs(t, err, ErrIntegrity)
	assert.Nil(t, inv.Site("A").FindDatasetReplica(testDataset))
	assert.NotNil(t, inv.Dataset(testDataset))

	rep := NewDatasetReplica(testDataset, "A")
	rep.AddBlockReplica(testBlockReplica(block1, "A", "analysis", 10))
	rep.AddBlockReplica(testBlockReplica(block2, "A", "analysis", 20))
	mustEmbed(t, inv, rep)
	canonical := inv.Site("A").FindDatasetReplica(testDataset)
	require.NotNil(t, canonical)
	assert.True(t, canonical.IsComplete())
	assert.Equal(t, int64(30), canonical.Size())
}

func TestGrowingReplicaSubscribesNewBlocks(t *testing.T) {
	inv := newTestInventory(t)
	rep := NewDatasetReplica(testDataset, "A")
	rep.Growing = true
	rep.Group = Unresolved[Group]("analysis")
	mustEmbed(t, inv, rep)

	mustEmbed(t, inv, testBlock(block3, 7, 1))
	canonical := inv.Site("A").FindDatasetReplica(testDataset)
	br := canonical.FindBlockReplica(block3)
	require.NotNil(t, br)
	assert.Equal(t, "analysis", br.Group.Name())
	assert.Equal(t, int64(0), br.Size)
	assert.False(t, br.IsComplete())
	assert.True(t, inv.Site("A").Partition("Physics").Contains(canonical))
}

func TestGrowingReplicaWithoutGroupFailsClosed(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	inv := newTestInventory(t)
	inv.logger = zap.New(core)

	rep := NewDatasetReplica(testDataset, "B")
	rep.Growing = true
	mustEmbed(t, inv, rep)
	mustEmbed(t, inv, testBlock(block3, 7, 1))

	canonical := inv.Site("B").FindDatasetReplica(testDataset)
	require.NotNil(t, canonical)
	assert.Nil(t, canonical.FindBlockReplica(block3))
	assert.Equal(t, 1, logs.FilterMessage("Growing replica has no owning group, not subscribing new block").Len())
}

func TestUnknownReference(t *testing.T) {
	inv := newTestInventory(t)
	ctx := context.Background()

	_, _, err := inv.Embed(ctx, NewBlock("/No/Such/DATASET", block1), false)
	assert.ErrorIs(t, err, ErrUnknownReference)
	var ure *UnknownReferenceError
	require.ErrorAs(t, err, &ure)
	assert.Equal(t, KindDataset, ure.Kind)

	_, _, err = inv.Embed(ctx, testBlockReplica(block1, "Nowhere", "analysis", 1), false)
	assert.ErrorIs(t, err, ErrUnknownReference)

	_, _, err = inv.Embed(ctx, testBlockReplica(block1, "A", "nobody", 1), false)
	assert.ErrorIs(t, err, ErrUnknownReference)
}

func TestUpdateBatchSkipsBadRecords(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	inv := newTestInventory(t)
	inv.logger = zap.New(core)

	res, err := inv.UpdateBatch(context.Background(), []Entity{
		testBlockReplica(block1, "A", "analysis", 10),
		NewBlock("/No/Such/DATASET", block1),
		testBlockReplica(block1, "A", "analysis", 10),
		NewDatasetReplica(testDataset, "B"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Changed)
	assert.Equal(t, 1, res.Unchanged)
	assert.Equal(t, 2, res.Skipped)
	assert.ErrorIs(t, res.Errors, ErrUnknownReference)
	assert.ErrorIs(t, res.Errors, ErrIntegrity)
	assert.Equal(t, 2, logs.FilterMessage("Skipping entity").Len())
}

func TestUnlinkGroupHandsReplicasToNullGroup(t *testing.T) {
	inv := newTestInventory(t)
	mustEmbed(t, inv, testBlockReplica(block1, "A", "analysis", 10))
	rep := inv.Site("A").FindDatasetReplica(testDataset)
	require.True(t, inv.Site("A").Partition("Physics").Contains(rep))

	_, err := inv.Unlink(context.Background(), NewGroup("analysis"))
	require.NoError(t, err)
	assert.Nil(t, inv.Group("analysis"))
	br := rep.FindBlockReplica(block1)
	assert.Same(t, inv.NullGroup(), br.Group.Get())
	assert.False(t, inv.Site("A").Partition("Physics").Contains(rep))
}

func TestNewSiteGetsSitePartitions(t *testing.T) {
	inv := newTestInventory(t)
	mustEmbed(t, inv, NewSite("C"))
	site := inv.Site("C")
	require.Len(t, site.Partitions(), 3)
	for _, name := range []string{"All", "Physics", "Prod"} {
		sp := site.Partition(name)
		require.NotNil(t, sp, name)
		assert.Same(t, inv.Partition(name), sp.Partition.Get())
	}

	mustEmbed(t, inv, &Partition{Name: "Tape"})
	assert.NotNil(t, site.Partition("Tape"))
	assert.NotNil(t, inv.Site("A").Partition("Tape"))
}

func TestStorageTypeCondition(t *testing.T) {
	inv := newTestInventory(t)
	mustEmbed(t, inv,
		&Partition{Name: "Tape", StorageTypes: []StorageType{StorageMSS}},
		testBlockReplica(block1, "A", "analysis", 10),
		testBlockReplica(block1, "T", "analysis", 10),
	)
	assert.False(t, inv.Site("A").Partition("Tape").Contains(inv.Site("A").FindDatasetReplica(testDataset)))
	assert.True(t, inv.Site("T").Partition("Tape").Contains(inv.Site("T").FindDatasetReplica(testDataset)))

	disk := NewSite("T")
	disk.StorageType = StorageDisk
	mustEmbed(t, inv, disk)
	assert.False(t, inv.Site("T").Partition("Tape").Contains(inv.Site("T").FindDatasetReplica(testDataset)))
}

func TestQuotaPropagation(t *testing.T) {
	inv := newTestInventory(t)
	site := inv.Site("A")
	parent := site.Partition("All")
	require.Equal(t, int64(0), parent.Quota)

	mustEmbed(t, inv, NewSitePartition("A", "Physics", 100))
	assert.Equal(t, int64(100), parent.Quota)

	mustEmbed(t, inv, NewSitePartition("A", "Physics", 40))
	assert.Equal(t, int64(40), parent.Quota)

	require.NoError(t, site.Partition("Prod").SetQuota(50))
	assert.Equal(t, int64(90), parent.Quota)

	before := parent.Quota
	require.NoError(t, site.Partition("Prod").SetQuota(70))
	assert.Equal(t, before+70-50, parent.Quota)
}

func TestParentQuotaOverrideIsClampedAndLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	inv := New(Options{Logger: zap.New(core)})
	mustEmbed(t, inv,
		NewGroup("analysis"),
		&Partition{Name: "Physics", Groups: []string{"analysis"}},
		&Partition{Name: "All", Subpartitions: []Ref[Partition]{Unresolved[Partition]("Physics")}},
		NewSite("A"),
		NewSitePartition("A", "Physics", 100),
	)
	site := inv.Site("A")
	parent := site.Partition("All")
	require.Equal(t, int64(100), parent.Quota)

	require.NoError(t, parent.SetQuota(50))
	require.NoError(t, site.Partition("Physics").SetQuota(0))
	assert.Equal(t, int64(0), parent.Quota)
	assert.Equal(t, 1, logs.FilterMessage("Parent quota below the sum of its subpartitions, clamping at zero").Len())

	require.NoError(t, parent.SetQuota(UnlimitedQuota))
	require.NoError(t, site.Partition("Physics").SetQuota(30))
	assert.True(t, parent.IsUnlimited())
	assert.Equal(t, 1, logs.FilterMessage("Ignoring subpartition quota change on unlimited parent").Len())
}

func TestQuotaCarriedWhenLinkingSubpartition(t *testing.T) {
	inv := newTestInventory(t)
	mustEmbed(t, inv,
		&Partition{Name: "Scratch"},
		NewSitePartition("A", "Scratch", 30),
		&Partition{Name: "Extra", Subpartitions: []Ref[Partition]{Unresolved[Partition]("Scratch")}},
	)
	assert.Equal(t, int64(30), inv.Site("A").Partition("Extra").Quota)

	_, err := inv.Unlink(context.Background(), NewPartition("Scratch"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), inv.Site("A").Partition("Extra").Quota)
	assert.Empty(t, inv.Partition("Extra").Subpartitions)
	assert.Nil(t, inv.Site("A").Partition("Scratch"))
}

func TestUnlimitedSubpartitionIsRejected(t *testing.T) {
	inv := newTestInventory(t)
	ctx := context.Background()

	err := inv.Site("A").Partition("Physics").SetQuota(UnlimitedQuota)
	assert.ErrorIs(t, err, ErrIntegrity)

	_, _, err = inv.Embed(ctx, NewSitePartition("A", "Physics", UnlimitedQuota), false)
	assert.ErrorIs(t, err, ErrIntegrity)

	mustEmbed(t, inv, &Partition{Name: "Scratch"}, NewSitePartition("B", "Scratch", UnlimitedQuota))
	_, _, err = inv.Embed(ctx, &Partition{Name: "Extra", Subpartitions: []Ref[Partition]{Unresolved[Partition]("Scratch")}}, false)
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestPartitionCannotBeItsOwnAncestor(t *testing.T) {
	inv := newTestInventory(t)
	ctx := context.Background()

	_, _, err := inv.Embed(ctx, &Partition{Name: "Physics", Subpartitions: []Ref[Partition]{Unresolved[Partition]("All")}}, false)
	assert.ErrorIs(t, err, ErrIntegrity)

	_, _, err = inv.Embed(ctx, &Partition{Name: "Loop", Subpartitions: []Ref[Partition]{Unresolved[Partition]("Loop")}}, false)
	assert.ErrorIs(t, err, ErrIntegrity)

	_, _, err = inv.Embed(ctx, &Partition{Name: "Other", Subpartitions: []Ref[Partition]{Unresolved[Partition]("Physics")}}, false)
	assert.ErrorIs(t, err, ErrIntegrity, "Physics already belongs to All")
}

func TestOccupancyFraction(t *testing.T) {
	inv := newTestInventory(t)
	mustEmbed(t, inv,
		testBlockReplica(block1, "A", "analysis", 10),
		testBlockReplica(block2, "A", "analysis", 5),
	)
	sp := inv.Site("A").Partition("Physics")

	assert.Equal(t, math.MaxFloat64, sp.OccupancyFraction(true), "unset quota reads as full")

	require.NoError(t, sp.SetQuota(100))
	assert.InDelta(t, 0.15, sp.OccupancyFraction(true), 1e-9)
	assert.InDelta(t, 0.30, sp.OccupancyFraction(false), 1e-9)

	mustEmbed(t, inv, &Partition{Name: "Scratch", Groups: []string{"analysis"}})
	scratch := inv.Site("A").Partition("Scratch")
	require.NoError(t, scratch.SetQuota(UnlimitedQuota))
	assert.True(t, scratch.IsUnlimited())
	assert.Equal(t, 0.0, scratch.OccupancyFraction(true))
}

func TestUpdateAndDeleteWriteThrough(t *testing.T) {
	store := &fakeStore{}
	inv := New(Options{Store: store})
	ctx := context.Background()

	ds := NewDataset(testDataset)
	_, changed, err := inv.Update(ctx, ds)
	require.NoError(t, err)
	assert.True(t, changed)

	_, changed, err = inv.Update(ctx, ds)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, []string{testDataset}, store.saved)

	removed, err := inv.Delete(ctx, NewDataset(testDataset))
	require.NoError(t, err)
	require.NotNil(t, removed)
	assert.Equal(t, []string{testDataset}, store.deleted)

	removed, err = inv.Delete(ctx, NewDataset(testDataset))
	require.NoError(t, err)
	assert.Nil(t, removed)
	assert.Len(t, store.deleted, 1)

	assert.Equal(t, 4, store.acquired)
	assert.Equal(t, 4, store.released)
}

func TestFilesAreCached(t *testing.T) {
	ds := NewDataset(testDataset)
	block := testBlock(block1, 30, 2)
	full := FullBlockName(testDataset, block1)
	store := &fakeStore{files: map[string][]*File{
		full: {
			NewFile(full, "/store/a.root", 10),
			NewFile(full, "/store/b.root", 20),
		},
	}}
	inv := New(Options{Store: store, FileCacheSize: 2, CheckFiles: true})
	ctx := context.Background()
	mustEmbed(t, inv, ds, block)
	canonical := inv.Dataset(testDataset).FindBlock(block1)

	files, err := inv.Files(ctx, canonical)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Same(t, canonical, files[0].Block.Get())

	_, err = inv.Files(ctx, canonical)
	require.NoError(t, err)
	assert.Equal(t, 1, store.loads)

	// a changed block drops its cached list and fails the cross-check
	mustEmbed(t, inv, testBlock(block1, 31, 2))
	_, err = inv.Files(ctx, canonical)
	assert.ErrorIs(t, err, ErrIntegrity)
	assert.Equal(t, 2, store.loads)
}

func TestFileEmbedUpdatesCachedList(t *testing.T) {
	full := FullBlockName(testDataset, block1)
	store := &fakeStore{files: map[string][]*File{
		full: {NewFile(full, "/store/a.root", 10)},
	}}
	inv := New(Options{Store: store})
	ctx := context.Background()
	mustEmbed(t, inv, NewDataset(testDataset), testBlock(block1, 10, 1))
	block := inv.Dataset(testDataset).FindBlock(block1)

	_, err := inv.Files(ctx, block)
	require.NoError(t, err)

	mustEmbed(t, inv, NewFile(full, "/store/b.root", 5))
	files, err := inv.Files(ctx, block)
	require.NoError(t, err)
	assert.Len(t, files, 2)

	removed, err := inv.Unlink(ctx, NewFile(full, "/store/a.root", 0))
	require.NoError(t, err)
	require.NotNil(t, removed)
	files, err = inv.Files(ctx, block)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "/store/b.root", files[0].LFN)
	assert.Equal(t, 1, store.loads)
}

func TestFileUpdateAppliesChangedSize(t *testing.T) {
	full := FullBlockName(testDataset, block1)
	store := &fakeStore{files: map[string][]*File{
		full: {NewFile(full, "/store/a.root", 10)},
	}}
	inv := New(Options{Store: store})
	ctx := context.Background()
	mustEmbed(t, inv, NewDataset(testDataset), testBlock(block1, 10, 1))
	block := inv.Dataset(testDataset).FindBlock(block1)

	_, err := inv.Files(ctx, block)
	require.NoError(t, err)

	canonical, changed, err := inv.Update(ctx, NewFile(full, "/store/a.root", 99))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, int64(99), canonical.(*File).Size)

	files, err := inv.Files(ctx, block)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, int64(99), files[0].Size)
	assert.Equal(t, int64(99), store.written["/store/a.root"])
	assert.Equal(t, 1, store.loads)
}

func TestFileEmbedIsIdempotentWithoutCachedList(t *testing.T) {
	full := FullBlockName(testDataset, block1)
	store := &fakeStore{}
	inv := New(Options{Store: store})
	ctx := context.Background()
	mustEmbed(t, inv, NewDataset(testDataset), testBlock(block1, 10, 1))

	_, changed, err := inv.Update(ctx, NewFile(full, "/store/a.root", 10))
	require.NoError(t, err)
	assert.True(t, changed)

	_, changed, err = inv.Update(ctx, NewFile(full, "/store/a.root", 10))
	require.NoError(t, err)
	assert.False(t, changed)

	_, changed, err = inv.Update(ctx, NewFile(full, "/store/a.root", 12))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, int64(12), store.written["/store/a.root"])

	_, err = inv.Unlink(ctx, NewFile(full, "/store/a.root", 0))
	require.NoError(t, err)
	_, changed, err = inv.Embed(ctx, NewFile(full, "/store/a.root", 12), true)
	require.NoError(t, err)
	assert.True(t, changed)
}
