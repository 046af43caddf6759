package detox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dynamo/pkg/deletion"
	"dynamo/pkg/inventory"
	"dynamo/pkg/policy"
	"dynamo/pkg/shared"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func blockName(n int) inventory.BlockName {
	return inventory.MustParseBlockName(fmt.Sprintf("%08x-0000-0000-0000-000000000000", n))
}

type fixture struct {
	inv      *inventory.Inventory
	store    *recordingStore
	executor *deletion.Local
	history  *memHistory
	blocks   int
}

// newFixture creates disk sites with the given quotas in partition All.
func newFixture(t *testing.T, quotas map[string]int64) *fixture {
	f := &fixture{
		store:    &recordingStore{},
		executor: deletion.NewLocal(nil),
		history:  &memHistory{runs: make(map[string][]byte)},
	}
	f.inv = inventory.New(inventory.Options{Store: f.store})
	f.embed(t, inventory.NewGroup("analysis"), &inventory.Partition{Name: "All"})
	for name, quota := range quotas {
		site := inventory.NewSite(name)
		site.StorageType = inventory.StorageDisk
		site.Status = inventory.SiteReady
		f.embed(t, site, inventory.NewSitePartition(name, "All", quota))
	}
	return f
}

func (f *fixture) embed(t *testing.T, entities ...inventory.Entity) {
	t.Helper()
	for _, e := range entities {
		_, _, err := f.inv.Embed(context.Background(), e, false)
		require.NoError(t, err, "embed %s", e.Key())
	}
}

// dataset creates a dataset with one block per size and replicates it in
// full at the sites.
func (f *fixture) dataset(t *testing.T, name string, sizes []int64, sites ...string) []inventory.BlockName {
	t.Helper()
	ds := inventory.NewDataset(name)
	ds.Status = inventory.DatasetValid
	ds.LastUpdate = testNow.Add(-30 * 24 * time.Hour)
	f.embed(t, ds)

	var names []inventory.BlockName
	for _, size := range sizes {
		f.blocks++
		bn := blockName(f.blocks)
		b := inventory.NewBlock(name, bn)
		b.Size = size
		b.NumFiles = 1
		f.embed(t, b)
		names = append(names, bn)
	}
	for _, site := range sites {
		for i, bn := range names {
			br := inventory.NewBlockReplica(name, bn, site)
			br.Group = inventory.Unresolved[inventory.Group]("analysis")
			br.Size = sizes[i]
			br.LastUpdate = testNow.Add(-24 * time.Hour)
			f.embed(t, br)
		}
	}
	return names
}

func (f *fixture) engine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := NewEngine(cfg, Options{
		Inventory: f.inv,
		Executor:  f.executor,
		History:   f.history,
		Retry:     shared.RetryConfig{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
		Now:       func() time.Time { return testNow },
	})
	require.NoError(t, err)
	return e
}

func parsePolicy(t *testing.T, lines ...string) *policy.Policy {
	t.Helper()
	pol, err := policy.Parse(strings.Join(lines, "\n"), policy.WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)
	return pol
}

func siteReplicas(inv *inventory.Inventory, site string) []string {
	var out []string
	for _, rep := range inv.Site(site).DatasetReplicas() {
		out = append(out, rep.Dataset.Name())
	}
	return out
}

type memHistory struct {
	mu   sync.Mutex
	runs map[string][]byte
}

func (h *memHistory) SaveRun(ctx context.Context, id string, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs[id] = data
	return nil
}

// recordingStore records deletions and leaves every other call to the nil
// embedded interface.
type recordingStore struct {
	inventory.Store
	mu      sync.Mutex
	deleted []string
}

func (s *recordingStore) AcquireLock(ctx context.Context) error { return nil }
func (s *recordingStore) ReleaseLock(ctx context.Context) error { return nil }

func (s *recordingStore) DeleteDatasetReplica(ctx context.Context, r *inventory.DatasetReplica) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, r.Key())
	return nil
}

func (s *recordingStore) DeleteBlockReplica(ctx context.Context, r *inventory.BlockReplica) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, r.Key())
	return nil
}

type failingExecutor struct {
	calls int
}

func (e *failingExecutor) Schedule(ctx context.Context, requests []deletion.Request) (map[string]*deletion.Status, error) {
	e.calls++
	return nil, errors.New("deletion service unavailable")
}

func (e *failingExecutor) Poll(ctx context.Context, id string) (*deletion.Status, error) {
	return nil, deletion.ErrUnknownOperation
}
