package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"dynamo/pkg/inventory"
)

var (
	bucketDatasets        = []byte("datasets")
	bucketBlocks          = []byte("blocks")
	bucketFiles           = []byte("files")
	bucketSites           = []byte("sites")
	bucketGroups          = []byte("groups")
	bucketPartitions      = []byte("partitions")
	bucketSitePartitions  = []byte("site_partitions")
	bucketDatasetReplicas = []byte("dataset_replicas")
	bucketBlockReplicas   = []byte("block_replicas")
	bucketMeta            = []byte("meta")
	bucketHistory         = []byte("history")
	bucketHistoryOrder    = []byte("history_order")

	keyLock    = []byte("lock")
	keyVersion = []byte("version")

	entityBuckets = [][]byte{
		bucketDatasets, bucketBlocks, bucketFiles, bucketSites, bucketGroups,
		bucketPartitions, bucketSitePartitions, bucketDatasetReplicas, bucketBlockReplicas,
	}
	replicaBuckets = [][]byte{bucketDatasetReplicas, bucketBlockReplicas}
)

const (
	dbFile      = "inventory.db"
	snapshotDir = "snapshots"
	version     = 1

	// keySep joins the parts of composite keys.
	keySep = "\x00"
)

// ErrNotFound is returned for unknown history runs and snapshots.
var ErrNotFound = errors.New("not found")

type Options struct {
	// LockTimeout bounds how long AcquireLock waits for another owner.
	LockTimeout time.Duration
	// LockTTL is how long an advisory lock stays valid without renewal.
	LockTTL time.Duration
	// SnapshotDir holds snapshot files. Defaults to "snapshots" under the
	// store directory.
	SnapshotDir string
	Logger      *zap.Logger
}

func DefaultOptions() Options {
	return Options{
		LockTimeout: 30 * time.Second,
		LockTTL:     time.Hour,
	}
}

// Store persists the inventory in a bbolt database. Entity records are JSON
// values in one bucket per kind. Deletions cascade the same way unlinking
// does in memory so that loading the store rebuilds the same graph.
type Store struct {
	mu        sync.RWMutex
	dir       string
	snapshots string
	db        *bolt.DB
	owner     string
	options   Options
	logger    *zap.Logger
}

var _ inventory.Store = (*Store)(nil)

// Open opens or creates the store under dir.
func Open(dir string, opts Options) (*Store, error) {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultOptions().LockTimeout
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultOptions().LockTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.SnapshotDir == "" {
		opts.SnapshotDir = filepath.Join(dir, snapshotDir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory %q: %w", dir, err)
	}
	if err := os.MkdirAll(opts.SnapshotDir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot directory %q: %w", opts.SnapshotDir, err)
	}

	hostname, _ := os.Hostname()
	s := &Store{
		dir:       dir,
		snapshots: opts.SnapshotDir,
		owner:     fmt.Sprintf("%s:%d:%s", hostname, os.Getpid(), uuid.NewString()[:8]),
		options:   opts,
		logger:    logger.With(zap.String("component", "store")),
	}
	db, err := openDB(s.path())
	if err != nil {
		return nil, err
	}
	s.db = db
	s.logger.Debug("Opened inventory store", zap.String("path", s.path()))
	return s, nil
}

func openDB(path string) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range append(append([][]byte{}, entityBuckets...), bucketMeta, bucketHistory, bucketHistoryOrder) {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		meta := tx.Bucket(bucketMeta)
		if data := meta.Get(keyVersion); data != nil {
			var v int
			if err := json.Unmarshal(data, &v); err != nil {
				return fmt.Errorf("read store version: %w", err)
			}
			if v > version {
				return fmt.Errorf("store version %d higher than %d", v, version)
			}
			return nil
		}
		return putJSON(meta, keyVersion, version)
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (s *Store) path() string { return filepath.Join(s.dir, dbFile) }

// Owner identifies this store handle in the advisory lock.
func (s *Store) Owner() string { return s.owner }

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func (s *Store) view(fn func(tx *bolt.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.View(fn)
}

func (s *Store) update(fn func(tx *bolt.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.Update(fn)
}

func putJSON(b *bolt.Bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return b.Put(key, data)
}

func getJSON(b *bolt.Bucket, key []byte, v interface{}) (bool, error) {
	data := b.Get(key)
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

func join(parts ...string) []byte {
	n := 0
	for i, p := range parts {
		if i > 0 {
			n += len(keySep)
		}
		n += len(p)
	}
	out := make([]byte, 0, n)
	for i, p := range parts {
		if i > 0 {
			out = append(out, keySep...)
		}
		out = append(out, p...)
	}
	return out
}

// forEachPrefix calls fn for every key of b starting with prefix. fn must
// not modify b; collect keys and delete afterwards.
func forEachPrefix(b *bolt.Bucket, prefix []byte, fn func(k, v []byte) error) error {
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

func deleteKeys(b *bolt.Bucket, keys [][]byte) error {
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func copyKey(k []byte) []byte { return append([]byte(nil), k...) }
