// Package admission gates outbound concurrency: a per-backend semaphore
// sized to the backend's effective cap (halved while Degraded), plus a
// global pending-queue bound that sheds load outright rather than
// buffering without limit.
package admission

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ai-gateway/orchestrator/internal/gwerr"
	"github.com/ai-gateway/orchestrator/internal/registry"
)

// Token represents one held concurrency permit; Release must be called
// exactly once, on success, failure, or cancellation.
type Token struct {
	backend *registry.Backend
	gate    *gate
}

func (t *Token) Release() {
	t.backend.Release()
	t.gate.mu.Lock()
	t.gate.cond.Broadcast()
	t.gate.mu.Unlock()
}

type gate struct {
	mu   sync.Mutex
	cond *sync.Cond
}

func newGate() *gate {
	g := &gate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Controller owns the global pending-Job counter and one waiter gate per
// backend.
type Controller struct {
	globalCap     int64
	globalPending int64

	mu    sync.Mutex
	gates map[*registry.Backend]*gate
}

func New(globalCap int) *Controller {
	return &Controller{globalCap: int64(globalCap), gates: make(map[*registry.Backend]*gate)}
}

func (c *Controller) gateFor(b *registry.Backend) *gate {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.gates[b]
	if !ok {
		g = newGate()
		c.gates[b] = g
	}
	return g
}

// EnterQueue admits a new submission into the global pending count,
// returning Overloaded immediately (shedding load, never buffering) if the
// cap is already reached. Callers must call LeaveQueue once the Job
// reaches a terminal state or is admitted.
func (c *Controller) EnterQueue() *gwerr.Error {
	for {
		cur := atomic.LoadInt64(&c.globalPending)
		if cur >= c.globalCap {
			return gwerr.New(gwerr.Overloaded, "global pending queue is full")
		}
		if atomic.CompareAndSwapInt64(&c.globalPending, cur, cur+1) {
			return nil
		}
	}
}

func (c *Controller) LeaveQueue() {
	atomic.AddInt64(&c.globalPending, -1)
}

// Acquire blocks until a slot is free under the backend's current effective
// cap, ctx is cancelled, or ctx's deadline elapses. Waiters are woken
// together by a broadcast; the order in which they obtain a freed slot is
// not defined (no FIFO).
func (c *Controller) Acquire(ctx context.Context, b *registry.Backend) (*Token, *gwerr.Error) {
	g := c.gateFor(b)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			g.mu.Lock()
			g.cond.Broadcast()
			g.mu.Unlock()
		case <-done:
		}
	}()

	g.mu.Lock()
	for {
		if ctx.Err() != nil {
			g.mu.Unlock()
			if ctx.Err() == context.Canceled {
				return nil, gwerr.New(gwerr.Cancelled, "admission wait cancelled")
			}
			return nil, gwerr.New(gwerr.Timeout, "admission wait deadline elapsed")
		}
		if b.InFlight() < int64(b.EffectiveCap()) {
			b.Acquire()
			g.mu.Unlock()
			return &Token{backend: b, gate: g}, nil
		}
		g.cond.Wait()
	}
}
