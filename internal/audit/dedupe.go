package audit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper reports whether a key is seen for the first time.
type Deduper interface {
	First(ctx context.Context, key string) (bool, error)
}

// MemoryDeduper remembers keys in process for ttl.
type MemoryDeduper struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	max  int
	now  func() time.Time
}

// NewMemoryDeduper constructs an in-process deduper holding at most max keys.
func NewMemoryDeduper(ttl time.Duration, max int) *MemoryDeduper {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if max <= 0 {
		max = 10000
	}
	return &MemoryDeduper{seen: make(map[string]time.Time), ttl: ttl, max: max, now: time.Now}
}

// First implements Deduper.
func (d *MemoryDeduper) First(ctx context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if at, ok := d.seen[key]; ok && now.Sub(at) < d.ttl {
		return false, nil
	}
	if len(d.seen) >= d.max {
		for k, at := range d.seen {
			if now.Sub(at) >= d.ttl {
				delete(d.seen, k)
			}
		}
		if len(d.seen) >= d.max {
			var oldestKey string
			var oldest time.Time
			for k, at := range d.seen {
				if oldestKey == "" || at.Before(oldest) {
					oldestKey, oldest = k, at
				}
			}
			delete(d.seen, oldestKey)
		}
	}
	d.seen[key] = now
	return true, nil
}

const dedupeKeyPrefix = "labkeeper:audit:notified:"

// RedisDeduper shares first-seen state across instances with SETNX.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper constructs a Redis-backed deduper.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisDeduper{client: client, ttl: ttl}
}

// First implements Deduper.
func (d *RedisDeduper) First(ctx context.Context, key string) (bool, error) {
	return d.client.SetNX(ctx, dedupeKeyPrefix+key, 1, d.ttl).Result()
}
