// Package wlock serializes writers to a working copy across processes.
package wlock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// RetryDelay is how often a blocked Acquire retries the lock.
const RetryDelay = 50 * time.Millisecond

// Unlocker releases a held lock.
type Unlocker func() error

// Lock guards one lock file. The mutex keeps goroutines of this process from
// sharing a single flock.
type Lock struct {
	path string
	mu   sync.Mutex
	fl   *flock.Flock
}

func New(path string) *Lock {
	return &Lock{path: path, fl: flock.New(path)}
}

// Acquire blocks until the lock is held or ctx is done.
func (l *Lock) Acquire(ctx context.Context) (Unlocker, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}

	l.mu.Lock()
	locked, err := l.fl.TryLockContext(ctx, RetryDelay)
	if err != nil {
		l.mu.Unlock()
		return nil, fmt.Errorf("acquiring working copy lock %s: %w", l.path, err)
	}
	if !locked {
		l.mu.Unlock()
		return nil, fmt.Errorf("working copy lock %s is held by another process", l.path)
	}

	var once sync.Once
	return func() error {
		var err error
		once.Do(func() {
			err = l.fl.Unlock()
			l.mu.Unlock()
		})
		return err
	}, nil
}
