package inventory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testDataset = "/Primary/Processed-v1/RAW"

var (
	block1 = MustParseBlockName("00000000-0000-0000-0000-000000000001")
	block2 = MustParseBlockName("00000000-0000-0000-0000-000000000002")
	block3 = MustParseBlockName("00000000-0000-0000-0000-000000000003")
)

func mustEmbed(t *testing.T, inv *Inventory, entities ...Entity) {
	t.Helper()
	for _, e := range entities {
		_, _, err := inv.Embed(context.Background(), e, false)
		require.NoError(t, err, "embed %s %s", e.Kind(), e.Key())
	}
}

func testBlock(name BlockName, size int64, files int) *Block {
	b := NewBlock(testDataset, name)
	b.Size = size
	b.NumFiles = files
	return b
}

func testBlockReplica(name BlockName, site, group string, size int64) *BlockReplica {
	br := NewBlockReplica(testDataset, name, site)
	br.Group = Unresolved[Group](group)
	br.Size = size
	return br
}

// newTestInventory builds two groups, a parent partition "All" over
// "Physics" (analysis) and "Prod" (production), two disk sites and one
// tape site, and a dataset with blocks of 10 and 20 bytes.
func newTestInventory(t *testing.T) *Inventory {
	t.Helper()
	inv := New(Options{Logger: zaptest.NewLogger(t)})

	siteA := NewSite("A")
	siteA.StorageType = StorageDisk
	siteB := NewSite("B")
	siteB.StorageType = StorageDisk
	tape := NewSite("T")
	tape.StorageType = StorageMSS

	ds := NewDataset(testDataset)
	ds.Status = DatasetValid
	ds.IsOpen = true

	mustEmbed(t, inv,
		NewGroup("analysis"),
		NewGroup("production"),
		&Partition{Name: "Physics", Groups: []string{"analysis"}},
		&Partition{Name: "Prod", Groups: []string{"production"}},
		&Partition{Name: "All", Subpartitions: []Ref[Partition]{
			Unresolved[Partition]("Physics"),
			Unresolved[Partition]("Prod"),
		}},
		siteA, siteB, tape,
		ds,
		testBlock(block1, 10, 1),
		testBlock(block2, 20, 2),
	)
	return inv
}

// fakeStore records calls; methods a test does not override panic through
// the nil embedded interface.
type fakeStore struct {
	Store

	mu       sync.Mutex
	acquired int
	released int
	saved    []string
	deleted  []string
	files    map[string][]*File
	loads    int
	written  map[string]int64
}

func (s *fakeStore) AcquireLock(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acquired++
	return nil
}

func (s *fakeStore) ReleaseLock(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released++
	return nil
}

func (s *fakeStore) LoadFiles(ctx context.Context, block string) ([]*File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	var out []*File
	for _, f := range s.files[block] {
		out = append(out, f.Clone())
	}
	return out, nil
}

func (s *fakeStore) SaveFile(ctx context.Context, f *File) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.written == nil {
		s.written = make(map[string]int64)
	}
	s.written[f.LFN] = f.Size
	return nil
}

func (s *fakeStore) record(list *[]string, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	*list = append(*list, key)
	return nil
}

func (s *fakeStore) SaveDataset(ctx context.Context, d *Dataset) error {
	return s.record(&s.saved, d.Key())
}

func (s *fakeStore) DeleteDataset(ctx context.Context, d *Dataset) error {
	return s.record(&s.deleted, d.Key())
}

func (s *fakeStore) SaveBlock(ctx context.Context, b *Block) error {
	return s.record(&s.saved, b.Key())
}

func (s *fakeStore) SaveBlockReplica(ctx context.Context, r *BlockReplica) error {
	return s.record(&s.saved, r.Key())
}

func (s *fakeStore) DeleteBlockReplica(ctx context.Context, r *BlockReplica) error {
	return s.record(&s.deleted, r.Key())
}
