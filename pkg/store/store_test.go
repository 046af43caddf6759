package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap/zaptest"

	"dynamo/pkg/inventory"
)

const testDataset = "/Primary/Processed-v1/AOD"

var (
	block1 = inventory.MustParseBlockName("00000000-0000-0000-0000-000000000001")
	block2 = inventory.MustParseBlockName("00000000-0000-0000-0000-000000000002")
	block3 = inventory.MustParseBlockName("00000000-0000-0000-0000-000000000003")
)

func openStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(dir, Options{Logger: zaptest.NewLogger(t), LockTimeout: 200 * time.Millisecond})
	require.NoError(t, err)
	return s
}

func newInventory(t *testing.T, s *Store) *inventory.Inventory {
	return inventory.New(inventory.Options{Store: s, Logger: zaptest.NewLogger(t)})
}

func update(t *testing.T, inv *inventory.Inventory, entities ...inventory.Entity) {
	t.Helper()
	res, err := inv.UpdateBatch(context.Background(), entities)
	require.NoError(t, err)
	require.NoError(t, res.Errors)
}

func blockReplica(block inventory.BlockName, site, group string, size int64) *inventory.BlockReplica {
	br := inventory.NewBlockReplica(testDataset, block, site)
	br.Group = inventory.Unresolved[inventory.Group](group)
	br.Size = size
	return br
}

// populate writes two groups, partitions Physics and Prod under All, disk
// sites A and B, and an open dataset of two blocks replicated at A and
// growing at B.
func populate(t *testing.T, inv *inventory.Inventory) {
	t.Helper()
	siteA := inventory.NewSite("A")
	siteA.StorageType = inventory.StorageDisk
	siteA.Host = "se.a.example.org"
	siteB := inventory.NewSite("B")
	siteB.StorageType = inventory.StorageDisk

	ds := inventory.NewDataset(testDataset)
	ds.Status = inventory.DatasetValid
	ds.IsOpen = true
	ds.SoftwareVersion = inventory.SoftwareVersion{Cycle: 10, Major: 2, Minor: 3}
	ds.Attr[inventory.AttrUsageRank] = 3.0
	ds.Attr[inventory.AttrLockedBlocks] = map[string][]string{"A": {block1.String()}}

	b1 := inventory.NewBlock(testDataset, block1)
	b1.Size = 10
	b1.NumFiles = 2
	b2 := inventory.NewBlock(testDataset, block2)
	b2.Size = 20
	b2.NumFiles = 1

	growing := inventory.NewDatasetReplica(testDataset, "B")
	growing.Growing = true
	growing.Group = inventory.Unresolved[inventory.Group]("production")

	update(t, inv,
		inventory.NewGroup("analysis"),
		inventory.NewGroup("production"),
		&inventory.Partition{Name: "Physics", Groups: []string{"analysis"}},
		&inventory.Partition{Name: "Prod", Groups: []string{"production"}},
		&inventory.Partition{Name: "All", Subpartitions: []inventory.Ref[inventory.Partition]{
			inventory.Unresolved[inventory.Partition]("Physics"),
			inventory.Unresolved[inventory.Partition]("Prod"),
		}},
		siteA, siteB,
		inventory.NewSitePartition("A", "Physics", 100),
		inventory.NewSitePartition("A", "Prod", 50),
		ds,
		growing,
		b1, b2,
		blockReplica(block1, "A", "analysis", 10),
		blockReplica(block2, "A", "production", 20),
	)
}

func reload(t *testing.T, s *Store) *inventory.Inventory {
	t.Helper()
	inv := newInventory(t, s)
	res, err := inv.Load(context.Background(), inventory.LoadFilter{})
	require.NoError(t, err)
	require.NoError(t, res.Errors)
	return inv
}

func TestLoadRebuildsGraph(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()
	populate(t, newInventory(t, s))

	inv := reload(t, s)
	ds := inv.Dataset(testDataset)
	require.NotNil(t, ds)
	assert.Equal(t, int64(30), ds.Size())
	assert.Equal(t, 3, ds.NumFiles())
	assert.Equal(t, "CMSSW_10_2_3", ds.SoftwareVersion.String())
	rank, ok := ds.AttrFloat(inventory.AttrUsageRank)
	assert.True(t, ok)
	assert.Equal(t, 3.0, rank)
	all, locked := ds.LockedBlocks("A")
	assert.False(t, all)
	assert.True(t, locked[block1])

	assert.Equal(t, "se.a.example.org", inv.Site("A").Host)
	repA := inv.Site("A").FindDatasetReplica(testDataset)
	require.NotNil(t, repA)
	assert.Equal(t, 2, repA.NumBlockReplicas())
	assert.Equal(t, "analysis", repA.FindBlockReplica(block1).Group.Name())

	repB := inv.Site("B").FindDatasetReplica(testDataset)
	require.NotNil(t, repB)
	assert.True(t, repB.Growing)
	assert.Equal(t, "production", repB.Group.Name())
	assert.Equal(t, 2, repB.NumBlockReplicas(), "subscribed block replicas are stored")

	assert.Equal(t, "All(Physics|Prod)", inv.Partition("All").String())
}

func TestSubpartitionQuotasSurviveReload(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()
	populate(t, newInventory(t, s))

	inv := reload(t, s)
	site := inv.Site("A")
	assert.Equal(t, int64(100), site.Partition("Physics").Quota)
	assert.Equal(t, int64(50), site.Partition("Prod").Quota)
	assert.Equal(t, int64(150), site.Partition("All").Quota)
	assert.Equal(t, int64(0), inv.Site("B").Partition("All").Quota)
}

func TestDeleteReplicaPrunesDataset(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()
	inv := newInventory(t, s)
	populate(t, inv)
	ctx := context.Background()

	_, err := inv.Delete(ctx, inventory.NewDatasetReplica(testDataset, "B"))
	require.NoError(t, err)
	assert.NotNil(t, reload(t, s).Dataset(testDataset))

	_, err = inv.Delete(ctx, inventory.NewBlockReplica(testDataset, block1, "A"))
	require.NoError(t, err)
	loaded := reload(t, s)
	require.NotNil(t, loaded.Dataset(testDataset))
	assert.Equal(t, 1, loaded.Site("A").FindDatasetReplica(testDataset).NumBlockReplicas())

	_, err = inv.Delete(ctx, inventory.NewBlockReplica(testDataset, block2, "A"))
	require.NoError(t, err)
	assert.Nil(t, inv.Dataset(testDataset))

	loaded = reload(t, s)
	assert.Nil(t, loaded.Dataset(testDataset))
	assert.Zero(t, loaded.Site("A").NumDatasetReplicas())
	files, err := s.LoadFiles(ctx, inventory.FullBlockName(testDataset, block1))
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestDeleteBlockCascades(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()
	inv := newInventory(t, s)
	populate(t, inv)

	_, err := inv.Delete(context.Background(), inventory.NewBlock(testDataset, block2))
	require.NoError(t, err)

	loaded := reload(t, s)
	ds := loaded.Dataset(testDataset)
	require.NotNil(t, ds)
	assert.Equal(t, 1, ds.NumBlocks())
	assert.Equal(t, 1, loaded.Site("A").FindDatasetReplica(testDataset).NumBlockReplicas())
	assert.Equal(t, 1, loaded.Site("B").FindDatasetReplica(testDataset).NumBlockReplicas())
}

func TestDeleteSiteAndGroup(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()
	inv := newInventory(t, s)
	populate(t, inv)
	ctx := context.Background()

	_, err := inv.Delete(ctx, inventory.NewGroup("production"))
	require.NoError(t, err)
	loaded := reload(t, s)
	assert.Nil(t, loaded.Group("production"))
	repB := loaded.Site("B").FindDatasetReplica(testDataset)
	require.NotNil(t, repB)
	assert.True(t, repB.Group.Get().IsNull())
	assert.True(t, loaded.Site("A").FindDatasetReplica(testDataset).FindBlockReplica(block2).Group.Get().IsNull())

	_, err = inv.Delete(ctx, inventory.NewSite("B"))
	require.NoError(t, err)
	loaded = reload(t, s)
	assert.Nil(t, loaded.Site("B"))
	assert.NotNil(t, loaded.Dataset(testDataset))
}

func TestDeletePartitionGivesBackQuota(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()
	inv := newInventory(t, s)
	populate(t, inv)

	_, err := inv.Delete(context.Background(), inventory.NewPartition("Prod"))
	require.NoError(t, err)

	loaded := reload(t, s)
	assert.Nil(t, loaded.Partition("Prod"))
	assert.Equal(t, "All(Physics)", loaded.Partition("All").String())
	assert.Equal(t, int64(100), loaded.Site("A").Partition("All").Quota)
}

func TestLoadFilter(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()
	populate(t, newInventory(t, s))

	res, err := s.Load(context.Background(), inventory.LoadFilter{Sites: []string{"A"}})
	require.NoError(t, err)
	require.Len(t, res.Sites, 1)
	assert.Len(t, res.BlockReplicas, 2)
	require.Len(t, res.DatasetReplicas, 1)
	require.Len(t, res.SitePartitions, 3)
	for _, sp := range res.SitePartitions {
		assert.Equal(t, "A", sp.Site.Name())
	}
	assert.Equal(t, "All", res.SitePartitions[2].Partition.Name(), "parents come last")

	res, err = s.Load(context.Background(), inventory.LoadFilter{Groups: []string{"production"}})
	require.NoError(t, err)
	require.Len(t, res.Groups, 1)
	assert.Len(t, res.BlockReplicas, 3)
	require.Len(t, res.DatasetReplicas, 1)
	assert.True(t, res.DatasetReplicas[0].Growing)
}

func TestFilesThroughInventory(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()
	inv := newInventory(t, s)
	populate(t, inv)
	full := inventory.FullBlockName(testDataset, block1)

	update(t, inv,
		inventory.NewFile(full, "/store/data/a.root", 4),
		inventory.NewFile(full, "/store/data/b.root", 6),
	)
	files, err := inv.Files(context.Background(), inv.Dataset(testDataset).FindBlock(block1))
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "/store/data/a.root", files[0].LFN)

	other, err := s.LoadFiles(context.Background(), inventory.FullBlockName(testDataset, block2))
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestSnapshotAndRestore(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()
	populate(t, newInventory(t, s))
	ctx := context.Background()

	tag, err := s.Snapshot(ctx, inventory.ClearReplicas)
	require.NoError(t, err)
	tags, err := s.ListSnapshots(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{tag}, tags)

	cleared := reload(t, s)
	require.NotNil(t, cleared.Dataset(testDataset))
	assert.Zero(t, cleared.Site("A").NumDatasetReplicas())

	require.NoError(t, s.AcquireLock(ctx))
	require.NoError(t, s.Restore(ctx, tag))
	assert.NoError(t, s.ReleaseLock(ctx), "lock survives the restore")
	restored := reload(t, s)
	assert.Equal(t, 1, restored.Site("A").NumDatasetReplicas())

	assert.ErrorIs(t, s.Restore(ctx, "19700101T000000.000000000"), ErrNotFound)
}

func TestAdvisoryLock(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.AcquireLock(ctx))
	require.NoError(t, s.AcquireLock(ctx), "owner may renew")
	require.NoError(t, s.ReleaseLock(ctx))
	assert.ErrorIs(t, s.ReleaseLock(ctx), inventory.ErrLock)

	setLock := func(owner string, expires time.Time) {
		require.NoError(t, s.update(func(tx *bolt.Tx) error {
			return putJSON(tx.Bucket(bucketMeta), keyLock, lockRecord{Owner: owner, Expires: expires})
		}))
	}

	setLock("other:1", time.Now().Add(time.Hour))
	err := s.AcquireLock(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, inventory.ErrLock)
	assert.Contains(t, err.Error(), "other:1")

	setLock("other:1", time.Now().Add(-time.Minute))
	require.NoError(t, s.AcquireLock(ctx))
	require.NoError(t, s.ReleaseLock(ctx))
}

func TestInventoryLockUsesStore(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()
	inv := newInventory(t, s)

	ctx, err := inv.Lock(context.Background())
	require.NoError(t, err)
	_, err = inv.Lock(ctx)
	require.NoError(t, err)
	require.NoError(t, inv.Unlock(ctx))

	var held bool
	require.NoError(t, s.view(func(tx *bolt.Tx) error {
		held = tx.Bucket(bucketMeta).Get(keyLock) != nil
		return nil
	}))
	assert.True(t, held)

	require.NoError(t, inv.Unlock(ctx))
	require.NoError(t, s.view(func(tx *bolt.Tx) error {
		held = tx.Bucket(bucketMeta).Get(keyLock) != nil
		return nil
	}))
	assert.False(t, held)
}

func TestHistory(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.SaveRun(ctx, "run-1", []byte(`{"n":1}`)))
	require.NoError(t, s.SaveRun(ctx, "run-2", []byte(`{"n":2}`)))
	require.NoError(t, s.SaveRun(ctx, "run-1", []byte(`{"n":3}`)))

	runs, err := s.Runs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID)
	assert.Equal(t, "run-1", runs[1].ID)
	assert.JSONEq(t, `{"n":3}`, string(runs[1].Data))

	runs, err = s.Runs(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	_, err = s.Run(ctx, "run-3")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	populate(t, newInventory(t, s))
	require.NoError(t, s.Close())

	s = openStore(t, dir)
	defer s.Close()
	assert.NotNil(t, reload(t, s).Dataset(testDataset))
}
