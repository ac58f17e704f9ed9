// Package cyclelock keeps periodic jobs from overlapping. The local locker
// guards a single process; the Redis locker extends the guarantee across
// every instance sharing the same Redis.
package cyclelock

import (
	"context"
	"errors"
	"sync"
)

// ErrNotAcquired is returned when another holder owns the lock.
var ErrNotAcquired = errors.New("cyclelock: lock held elsewhere")

// Release gives a lock back.
type Release func(ctx context.Context) error

// Locker acquires named, non-blocking locks. Acquire returns ErrNotAcquired
// when the lock is already held instead of waiting for it.
type Locker interface {
	Acquire(ctx context.Context, name string) (Release, error)
}

// Local is an in-process Locker.
type Local struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLocal returns an in-process Locker.
func NewLocal() *Local {
	return &Local{held: make(map[string]bool)}
}

// Acquire takes the named lock if it is free.
func (l *Local) Acquire(_ context.Context, name string) (Release, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held[name] {
		return nil, ErrNotAcquired
	}
	l.held[name] = true

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, name)
			l.mu.Unlock()
		})
		return nil
	}, nil
}
