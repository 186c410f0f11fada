package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/ai-gateway/orchestrator/internal/fingerprint"
	"github.com/ai-gateway/orchestrator/internal/gwerr"
	"github.com/ai-gateway/orchestrator/internal/obs"
)

// RedisCache is the optional distributed backing for the response cache,
// selected by cache.backend=redis. It is a performance enrichment only:
// Job state itself is never stored here, preserving the no-durable-state
// constraint on process-local Jobs.
type RedisCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string

	group singleflight.Group

	inflightMu sync.Mutex
	inflight   map[string]*inflight
}

func NewRedis(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl, prefix: "aigw:cache:", inflight: make(map[string]*inflight)}
}

func (c *RedisCache) joinInflight(key string) *inflight {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	fl, ok := c.inflight[key]
	if !ok {
		fl = &inflight{}
		c.inflight[key] = fl
	}
	fl.mu.Lock()
	fl.waiters++
	fl.mu.Unlock()
	return fl
}

func (c *RedisCache) leaveInflight(key string, fl *inflight) {
	fl.mu.Lock()
	fl.waiters--
	remaining := fl.waiters
	cancel := fl.cancel
	fl.mu.Unlock()

	if remaining > 0 {
		return
	}
	c.inflightMu.Lock()
	if c.inflight[key] == fl {
		delete(c.inflight, key)
	}
	c.inflightMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *RedisCache) key(fp fingerprint.Fingerprint) string {
	return c.prefix + fp.String()
}

func (c *RedisCache) Lookup(ctx context.Context, fp fingerprint.Fingerprint) (json.RawMessage, bool) {
	val, err := c.rdb.Get(ctx, c.key(fp)).Bytes()
	if err != nil {
		return nil, false
	}
	obs.CacheHits.Inc()
	return json.RawMessage(val), true
}

// Purge deletes every key under this cache's prefix, for the admin
// cache-purge endpoint. Uses SCAN rather than KEYS to avoid blocking a
// shared Redis instance.
func (c *RedisCache) Purge(ctx context.Context) (int, error) {
	var cursor uint64
	var deleted int
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, c.prefix+"*", 100).Result()
		if err != nil {
			return deleted, err
		}
		if len(keys) > 0 {
			n, err := c.rdb.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, err
			}
			deleted += int(n)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return deleted, nil
}

// Load mirrors Cache.Load's waiter-independent single-flight call: the
// shared Redis-backed fetch runs on its own deadline-bounded context, not
// any one caller's ctx, so cancelling the origin does not abort it for
// other callers still joined to the same key.
func (c *RedisCache) Load(ctx context.Context, fp fingerprint.Fingerprint, deadline time.Time, ttl time.Duration, fn func(context.Context) (json.RawMessage, *gwerr.Error)) (json.RawMessage, *gwerr.Error, bool) {
	if v, ok := c.Lookup(ctx, fp); ok {
		return v, nil, true
	}
	obs.CacheMisses.Inc()

	key := c.key(fp)
	fl := c.joinInflight(key)
	var leaveOnce sync.Once
	leave := func() { leaveOnce.Do(func() { c.leaveInflight(key, fl) }) }
	defer leave()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			leave()
		case <-stop:
		}
	}()

	v, err, shared := c.group.Do(key, func() (interface{}, error) {
		callCtx := context.Background()
		var cancel context.CancelFunc
		if !deadline.IsZero() {
			callCtx, cancel = context.WithDeadline(callCtx, deadline)
		} else {
			callCtx, cancel = context.WithCancel(callCtx)
		}
		fl.mu.Lock()
		fl.cancel = cancel
		fl.mu.Unlock()
		defer cancel()

		val, gerr := fn(callCtx)
		if gerr != nil {
			return nil, gerr
		}
		effectiveTTL := ttl
		if effectiveTTL == 0 {
			effectiveTTL = c.ttl
		}
		if effectiveTTL > 0 {
			_ = c.rdb.Set(callCtx, key, []byte(val), effectiveTTL).Err()
		}
		return val, nil
	})
	if shared {
		obs.SingleFlightJoins.Inc()
	}
	if err != nil {
		gerr, _ := gwerr.As(err)
		return nil, gerr, shared
	}
	return v.(json.RawMessage), nil, shared
}
