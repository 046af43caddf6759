package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"dynamo/pkg/inventory"
)

var errLockHeld = errors.New("store lock held")

// AcquireLock takes the advisory lock row, waiting up to LockTimeout while
// another owner holds an unexpired lock.
func (s *Store) AcquireLock(ctx context.Context) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 50 * time.Millisecond
	eb.MaxInterval = time.Second
	eb.MaxElapsedTime = s.options.LockTimeout

	var holder string
	err := backoff.Retry(func() error {
		var err error
		holder, err = s.tryLock()
		if err != nil && !errors.Is(err, errLockHeld) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(eb, ctx))
	if err != nil {
		if errors.Is(err, errLockHeld) {
			return fmt.Errorf("%w: store lock held by %s", inventory.ErrLock, holder)
		}
		return fmt.Errorf("acquire store lock: %w", err)
	}
	s.logger.Debug("Acquired store lock", zap.String("owner", s.owner))
	return nil
}

func (s *Store) tryLock() (string, error) {
	var holder string
	err := s.update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		var rec lockRecord
		found, err := getJSON(meta, keyLock, &rec)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		if found && rec.Owner != s.owner && now.Before(rec.Expires) {
			holder = rec.Owner
			return errLockHeld
		}
		if found && rec.Owner != s.owner {
			s.logger.Warn("Taking over expired store lock", zap.String("previous_owner", rec.Owner))
		}
		return putJSON(meta, keyLock, lockRecord{Owner: s.owner, Acquired: now, Expires: now.Add(s.options.LockTTL)})
	})
	return holder, err
}

// ReleaseLock drops the lock row. Releasing a lock this handle does not
// hold is an error.
func (s *Store) ReleaseLock(ctx context.Context) error {
	err := s.update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		var rec lockRecord
		found, err := getJSON(meta, keyLock, &rec)
		if err != nil {
			return err
		}
		if !found || rec.Owner != s.owner {
			return fmt.Errorf("%w: store lock not held by %s", inventory.ErrLock, s.owner)
		}
		return meta.Delete(keyLock)
	})
	if err != nil {
		return err
	}
	s.logger.Debug("Released store lock", zap.String("owner", s.owner))
	return nil
}
