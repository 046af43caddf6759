package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"dynamo/pkg/inventory"
)

const (
	snapshotSuffix = ".db"
	snapshotLayout = "20060102T150405.000000000"
)

func (s *Store) snapshotPath(tag string) string {
	return filepath.Join(s.snapshots, tag+snapshotSuffix)
}

// Snapshot copies the database to a tagged file and then clears the live
// records mode names. History and the lock survive a clear.
func (s *Store) Snapshot(ctx context.Context, mode inventory.ClearMode) (string, error) {
	tag := time.Now().UTC().Format(snapshotLayout)
	path := s.snapshotPath(tag)

	err := s.view(func(tx *bolt.Tx) error {
		return tx.CopyFile(path, 0o600)
	})
	if err != nil {
		return "", fmt.Errorf("snapshot to %s: %w", path, err)
	}

	var clear [][]byte
	switch mode {
	case inventory.ClearReplicas:
		clear = replicaBuckets
	case inventory.ClearAll:
		clear = entityBuckets
	}
	if len(clear) > 0 {
		err = s.update(func(tx *bolt.Tx) error {
			for _, name := range clear {
				if err := tx.DeleteBucket(name); err != nil {
					return err
				}
				if _, err := tx.CreateBucket(name); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return tag, fmt.Errorf("clear after snapshot %s: %w", tag, err)
		}
	}
	s.logger.Info("Created inventory snapshot", zap.String("tag", tag), zap.Int("mode", int(mode)))
	return tag, nil
}

// ListSnapshots returns the snapshot tags, oldest first.
func (s *Store) ListSnapshots(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.snapshots)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	var tags []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), snapshotSuffix) {
			continue
		}
		tags = append(tags, strings.TrimSuffix(e.Name(), snapshotSuffix))
	}
	sort.Strings(tags)
	return tags, nil
}

// Restore replaces the live database with a snapshot. An advisory lock held
// at the time of the restore is carried over.
func (s *Store) Restore(ctx context.Context, tag string) error {
	src := s.snapshotPath(tag)
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("snapshot %s: %w", tag, ErrNotFound)
		}
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var lock []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketMeta).Get(keyLock); v != nil {
			lock = copyKey(v)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close store for restore: %w", err)
	}
	copyErr := copyFile(src, s.path())

	db, err := openDB(s.path())
	if err != nil {
		return fmt.Errorf("reopen store after restore: %w", err)
	}
	s.db = db
	if copyErr != nil {
		return fmt.Errorf("restore snapshot %s: %w", tag, copyErr)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if lock == nil {
			return meta.Delete(keyLock)
		}
		return meta.Put(keyLock, lock)
	})
	if err != nil {
		return err
	}
	s.logger.Info("Restored inventory snapshot", zap.String("tag", tag))
	return nil
}

// copyFile writes src to a temporary file next to dst and renames it over
// dst.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".restore"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
