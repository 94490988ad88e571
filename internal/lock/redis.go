package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const keyPrefix = "dbchange:lock:"

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// RedisLocker implements Locker with SET NX PX and a random token per lease
type RedisLocker struct {
	client redis.UniversalClient
	opts   Options
	logger *logrus.Entry
}

// NewRedisLocker creates a Redis backed locker
func NewRedisLocker(client redis.UniversalClient, opts Options, logger *logrus.Entry) *RedisLocker {
	return &RedisLocker{
		client: client,
		opts:   opts.withDefaults(),
		logger: logger.WithField("component", "redis-lock"),
	}
}

// Acquire takes the lock or returns ErrNotAcquired
func (l *RedisLocker) Acquire(ctx context.Context, key string) (Lease, error) {
	token := uuid.NewString()
	fullKey := keyPrefix + key

	err := retry(ctx, l.opts.Wait, func() (bool, error) {
		ok, err := l.client.SetNX(ctx, fullKey, token, l.opts.TTL).Result()
		if err != nil {
			return false, fmt.Errorf("redis setnx %s: %w", key, err)
		}
		return ok, nil
	})
	if err != nil {
		return nil, err
	}

	lease := &redisLease{
		locker: l,
		key:    fullKey,
		token:  token,
		stop:   make(chan struct{}),
	}
	go lease.keepAlive()
	return lease, nil
}

type redisLease struct {
	locker *RedisLocker
	key    string
	token  string
	stop   chan struct{}
	once   sync.Once
}

func (l *redisLease) keepAlive() {
	ticker := time.NewTicker(l.locker.opts.TTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.locker.opts.TTL/3)
			held, err := l.refresh(ctx)
			cancel()
			if err != nil {
				l.locker.logger.WithError(err).WithField("key", l.key).Warn("Failed to refresh lock")
				continue
			}
			if !held {
				l.locker.logger.WithField("key", l.key).Warn("Lock lost before release")
				return
			}
		}
	}
}

func (l *redisLease) refresh(ctx context.Context) (bool, error) {
	n, err := refreshScript.Run(ctx, l.locker.client, []string{l.key}, l.token, l.locker.opts.TTL.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release deletes the key only if this lease still owns it
func (l *redisLease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		close(l.stop)
		err = releaseScript.Run(ctx, l.locker.client, []string{l.key}, l.token).Err()
	})
	return err
}
