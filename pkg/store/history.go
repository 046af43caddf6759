package store

import (
	"context"
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// Run is a stored detox run record.
type Run struct {
	ID   string
	Data []byte
}

// SaveRun stores the record of a run. Saving an existing id replaces the
// record and keeps its position.
func (s *Store) SaveRun(ctx context.Context, id string, data []byte) error {
	return s.update(func(tx *bolt.Tx) error {
		history := tx.Bucket(bucketHistory)
		if history.Get([]byte(id)) == nil {
			order := tx.Bucket(bucketHistoryOrder)
			seq, err := order.NextSequence()
			if err != nil {
				return err
			}
			key := make([]byte, 8)
			binary.BigEndian.PutUint64(key, seq)
			if err := order.Put(key, []byte(id)); err != nil {
				return err
			}
		}
		return history.Put([]byte(id), data)
	})
}

// Runs returns up to limit records, newest first. A limit of zero returns
// all of them.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	var runs []Run
	err := s.view(func(tx *bolt.Tx) error {
		history := tx.Bucket(bucketHistory)
		c := tx.Bucket(bucketHistoryOrder).Cursor()
		for k, id := c.Last(); k != nil; k, id = c.Prev() {
			if limit > 0 && len(runs) >= limit {
				break
			}
			data := history.Get(id)
			if data == nil {
				continue
			}
			runs = append(runs, Run{ID: string(id), Data: append([]byte(nil), data...)})
		}
		return nil
	})
	return runs, err
}

func (s *Store) Run(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	err := s.view(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketHistory).Get([]byte(id)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return data, nil
}
