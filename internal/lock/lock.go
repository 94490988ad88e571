// Package lock provides per-key exclusive leases used to serialize
// mutations of a single order.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotAcquired is returned when the key is held by someone else
var ErrNotAcquired = errors.New("lock not acquired")

// Locker hands out exclusive leases per key
type Locker interface {
	Acquire(ctx context.Context, key string) (Lease, error)
}

// Lease is a held lock; Release is idempotent
type Lease interface {
	Release(ctx context.Context) error
}

// OrderKey returns the lock key of an order
func OrderKey(orderID int) string {
	return fmt.Sprintf("order:%d", orderID)
}

// Options 锁参数
type Options struct {
	TTL  time.Duration // lease lifetime, refreshed while held
	Wait time.Duration // how long Acquire retries before giving up
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 30 * time.Second
	}
	return o
}

// retry calls try until it succeeds, fails hard, or the wait budget runs out
func retry(ctx context.Context, wait time.Duration, try func() (bool, error)) error {
	deadline := time.Now().Add(wait)
	for {
		ok, err := try()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if !time.Now().Before(deadline) {
			return ErrNotAcquired
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
}
