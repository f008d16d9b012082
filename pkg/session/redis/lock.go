package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	backend "github.com/redis/go-redis/v9"

	"github.com/papercomputeco/flowchat/pkg/session"
)

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

const refreshScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`

// Locker implements session.DistributedLocker with SET NX PX and a
// compare-and-delete release. A held lock is extended every third of its
// TTL until released, so a flow call slower than the TTL keeps it.
type Locker struct {
	client   *backend.Client
	prefix   string
	interval time.Duration
}

// NewLocker creates a Locker whose keys start with prefix.
func NewLocker(client *backend.Client, prefix string) *Locker {
	return &Locker{
		client:   client,
		prefix:   prefix,
		interval: 100 * time.Millisecond,
	}
}

// Lock polls until the lock for key is acquired or ctx is done.
func (l *Locker) Lock(ctx context.Context, key string, ttl time.Duration) (session.UnlockFunc, error) {
	lockKey := l.prefix + "lock:" + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, lockKey, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis error acquiring lock: %w", err)
		}
		if ok {
			return l.hold(ctx, lockKey, token, ttl), nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// hold keeps lockKey alive until the returned UnlockFunc runs.
func (l *Locker) hold(ctx context.Context, lockKey, token string, ttl time.Duration) session.UnlockFunc {
	refreshCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	go func() {
		defer close(done)
		if ttl <= 0 {
			<-refreshCtx.Done()
			return
		}
		l.refresh(refreshCtx, lockKey, token, ttl)
	}()

	return func(ctx context.Context) error {
		stop()
		<-done
		return l.client.Eval(ctx, releaseScript, []string{lockKey}, token).Err()
	}
}

func (l *Locker) refresh(ctx context.Context, lockKey, token string, ttl time.Duration) {
	ticker := time.NewTicker(max(ttl/3, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		held, err := l.client.Eval(ctx, refreshScript, []string{lockKey}, token, ttl.Milliseconds()).Int()
		if err == nil && held == 0 {
			// expired and possibly taken by another replica
			return
		}
	}
}
