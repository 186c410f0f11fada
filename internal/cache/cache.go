// Package cache implements the fingerprint-keyed response cache with
// single-flight in-flight joining, TTL expiry, and bounded-size LRU
// eviction that skips entries still referenced.
package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ai-gateway/orchestrator/internal/fingerprint"
	"github.com/ai-gateway/orchestrator/internal/gwerr"
	"github.com/ai-gateway/orchestrator/internal/obs"
)

type entry struct {
	fp         fingerprint.Fingerprint
	result     json.RawMessage
	insertedAt time.Time
	ttl        time.Duration
	refcount   int32
	elem       *list.Element
}

func (e *entry) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.insertedAt) >= e.ttl
}

// Cache is a fingerprint→result map guarded by a single mutex (the map is
// not striped). Single-flight joining across
// concurrent lookups for the same fingerprint is delegated to
// golang.org/x/sync/singleflight so that only the origin caller executes
// the backend call; every other caller blocks on the shared result.
type Cache struct {
	mu      sync.Mutex
	entries map[fingerprint.Fingerprint]*entry
	lru     *list.List
	maxKeys int
	ttl     time.Duration

	group singleflight.Group

	inflightMu sync.Mutex
	inflight   map[string]*inflight
}

// inflight counts the waiters currently joined to one in-progress Load call
// for a key. The shared call runs on its own context, detached from any one
// waiter, so that a cancelled origin does not abort it for the others still
// attached — the next waiter is effectively promoted to keep it alive. Only
// once every joined waiter has left is the call actually cancelled.
type inflight struct {
	mu      sync.Mutex
	waiters int
	cancel  context.CancelFunc
}

func New(ttl time.Duration, maxKeys int) *Cache {
	return &Cache{
		entries:  make(map[fingerprint.Fingerprint]*entry),
		lru:      list.New(),
		maxKeys:  maxKeys,
		ttl:      ttl,
		inflight: make(map[string]*inflight),
	}
}

// Result is returned by Lookup on a hit, and by Load after a miss resolves.
type Result struct {
	Value json.RawMessage
	Err   *gwerr.Error
}

// Lookup returns (result, true) on a cache hit, or (_, false) on a miss.
func (c *Cache) Lookup(fp fingerprint.Fingerprint) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[fp]
	if !ok {
		return nil, false
	}
	if e.expired(time.Now()) {
		c.evictLocked(e)
		return nil, false
	}
	c.lru.MoveToFront(e.elem)
	obs.CacheHits.Inc()
	return e.result, true
}

// Load performs single-flight de-duplicated load: the first caller for a
// given fingerprint executes fn; every concurrent caller for the same
// fingerprint blocks and receives the same Result without calling fn.
// Ttl of zero uses the cache's default TTL; a negative ttl disables
// caching the result (still de-duplicates in-flight callers).
//
// ctx is this caller's own per-Job context, used only to detect that
// caller's cancellation; the shared backend call itself runs on a context
// bounded by deadline but independent of ctx, so cancelling one waiter
// (including the origin) never aborts the call for the others still
// joined to it.
func (c *Cache) Load(ctx context.Context, fp fingerprint.Fingerprint, deadline time.Time, ttl time.Duration, fn func(context.Context) (json.RawMessage, *gwerr.Error)) (json.RawMessage, *gwerr.Error, bool) {
	if v, ok := c.Lookup(fp); ok {
		return v, nil, true
	}
	obs.CacheMisses.Inc()

	key := fp.String()
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
			c.publish(fp, val, effectiveTTL)
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

// joinInflight registers the calling goroutine as a waiter on key's shared
// call, creating the bookkeeping entry if this is the first (origin) caller.
func (c *Cache) joinInflight(key string) *inflight {
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

// leaveInflight drops one waiter; once none remain attached to the shared
// call, it is cancelled rather than left running for nobody.
func (c *Cache) leaveInflight(key string, fl *inflight) {
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

func (c *Cache) publish(fp fingerprint.Fingerprint, result json.RawMessage, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lru.Len() >= c.maxKeys {
		c.evictOneLocked()
	}
	e := &entry{fp: fp, result: result, insertedAt: time.Now(), ttl: ttl}
	e.elem = c.lru.PushFront(e)
	c.entries[fp] = e
}

// evictOneLocked drops the least-recently-used entry with refcount==0,
// scanning from the back; entries still referenced are skipped and remain.
func (c *Cache) evictOneLocked() {
	for e := c.lru.Back(); e != nil; e = e.Prev() {
		ent := e.Value.(*entry)
		if ent.refcount == 0 {
			c.evictLocked(ent)
			return
		}
	}
}

func (c *Cache) evictLocked(e *entry) {
	c.lru.Remove(e.elem)
	delete(c.entries, e.fp)
}

// Purge drops every cached entry regardless of TTL or refcount, for the
// admin cache-purge endpoint. In-flight single-flight joins are unaffected.
func (c *Cache) Purge(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	c.entries = make(map[fingerprint.Fingerprint]*entry)
	c.lru = list.New()
	return n, nil
}

// Pin/Unpin bump the refcount so an entry backing an in-flight waiter
// cannot be evicted out from under it.
func (c *Cache) Pin(fp fingerprint.Fingerprint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[fp]; ok {
		e.refcount++
	}
}

func (c *Cache) Unpin(fp fingerprint.Fingerprint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[fp]; ok && e.refcount > 0 {
		e.refcount--
	}
}
