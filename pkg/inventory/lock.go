package inventory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// ReentrantLock guards the inventory. The holder passes the context returned
// by Lock down its call chain; nested Lock calls with that context only bump
// a depth counter. The underlying resource (the advisory store lock) is
// taken and released on the 0 <-> 1 depth transitions only.
type ReentrantLock struct {
	mu sync.Mutex

	state sync.Mutex
	owner uint64
	depth int

	next uint64

	acquire func(ctx context.Context) error
	release func(ctx context.Context) error
}

type lockKey struct {
	l *ReentrantLock
}

// NewReentrantLock returns a lock calling acquire and release on the outermost
// Lock and Unlock. Both may be nil.
func NewReentrantLock(acquire, release func(ctx context.Context) error) *ReentrantLock {
	return &ReentrantLock{acquire: acquire, release: release}
}

// Lock acquires the lock, or re-enters it when ctx already carries it.
func (l *ReentrantLock) Lock(ctx context.Context) (context.Context, error) {
	if id, ok := ctx.Value(lockKey{l}).(uint64); ok {
		l.state.Lock()
		if l.depth > 0 && l.owner == id {
			l.depth++
			l.state.Unlock()
			return ctx, nil
		}
		l.state.Unlock()
	}

	l.mu.Lock()
	if l.acquire != nil {
		if err := l.acquire(ctx); err != nil {
			l.mu.Unlock()
			return ctx, err
		}
	}

	id := atomic.AddUint64(&l.next, 1)
	l.state.Lock()
	l.owner = id
	l.depth = 1
	l.state.Unlock()
	return context.WithValue(ctx, lockKey{l}, id), nil
}

// Unlock leaves one level. A failure to release the underlying resource is
// reported as ErrLock.
func (l *ReentrantLock) Unlock(ctx context.Context) error {
	id, ok := ctx.Value(lockKey{l}).(uint64)

	l.state.Lock()
	if !ok || l.depth == 0 || l.owner != id {
		l.state.Unlock()
		return fmt.Errorf("%w: unlock of a lock that is not held", ErrLock)
	}
	l.depth--
	if l.depth > 0 {
		l.state.Unlock()
		return nil
	}
	l.owner = 0
	l.state.Unlock()

	var err error
	if l.release != nil {
		if rerr := l.release(ctx); rerr != nil {
			err = fmt.Errorf("%w: %v", ErrLock, rerr)
		}
	}
	l.mu.Unlock()
	return err
}

// Depth returns the current nesting level; zero when the lock is free.
func (l *ReentrantLock) Depth() int {
	l.state.Lock()
	defer l.state.Unlock()
	return l.depth
}
