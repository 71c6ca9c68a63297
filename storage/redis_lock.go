package storage

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only if this holder still owns it
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// extendScript resets the TTL only if this holder still owns the lock
const extendScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

// RedisLocker is a single-holder lock with a TTL so a crashed holder
// cannot block runs forever. While held, the TTL is extended every ttl/3,
// so a run longer than the TTL keeps the lock.
type RedisLocker struct {
	rdb     *redis.Client
	key     string
	ttl     time.Duration
	token   string
	release *redis.Script
	extend  *redis.Script

	mu   sync.Mutex
	stop chan struct{}
}

func NewRedisLocker(rdb *redis.Client, key string, ttl time.Duration) *RedisLocker {
	if key == "" {
		key = "catalog_sync:lock:price_cache"
	}
	return &RedisLocker{
		rdb:     rdb,
		key:     key,
		ttl:     ttl,
		token:   uuid.NewString(),
		release: redis.NewScript(releaseScript),
		extend:  redis.NewScript(extendScript),
	}
}

func (l *RedisLocker) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil || !ok || l.ttl <= 0 {
		return ok, err
	}

	l.mu.Lock()
	if l.stop == nil {
		l.stop = make(chan struct{})
		go l.keepAlive(context.WithoutCancel(ctx), l.stop)
	}
	l.mu.Unlock()
	return true, nil
}

// Extend resets the TTL. It returns false when the lock is no longer ours.
func (l *RedisLocker) Extend(ctx context.Context) (bool, error) {
	n, err := l.extend.Run(ctx, l.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *RedisLocker) Release(ctx context.Context) error {
	l.mu.Lock()
	if l.stop != nil {
		close(l.stop)
		l.stop = nil
	}
	l.mu.Unlock()
	return l.release.Run(ctx, l.rdb, []string{l.key}, l.token).Err()
}

func (l *RedisLocker) keepAlive(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ok, err := l.Extend(ctx)
			if err != nil {
				log.Printf("Lock %s: extend failed: %v", l.key, err)
				continue
			}
			if !ok {
				log.Printf("Warning: lock %s was lost, another run may start", l.key)
				return
			}
		}
	}
}
