package lock

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryLocker is an in-process Locker for single-node deployments and tests.
// Leases live until released.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]string
	opts Options
}

// NewMemoryLocker creates an in-process locker
func NewMemoryLocker(opts Options) *MemoryLocker {
	return &MemoryLocker{
		held: make(map[string]string),
		opts: opts.withDefaults(),
	}
}

// Acquire takes the lock or returns ErrNotAcquired
func (l *MemoryLocker) Acquire(ctx context.Context, key string) (Lease, error) {
	token := uuid.NewString()
	err := retry(ctx, l.opts.Wait, func() (bool, error) {
		l.mu.Lock()
		defer l.mu.Unlock()
		if _, ok := l.held[key]; ok {
			return false, nil
		}
		l.held[key] = token
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return &memoryLease{locker: l, key: key, token: token}, nil
}

type memoryLease struct {
	locker *MemoryLocker
	key    string
	token  string
}

// Release frees the key only if this lease still owns it
func (l *memoryLease) Release(ctx context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	if l.locker.held[l.key] == l.token {
		delete(l.locker.held, l.key)
	}
	return nil
}
