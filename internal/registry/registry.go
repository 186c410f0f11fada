// Package registry holds the static set of backends and their capability
// tags, and resolves a capability to a concrete backend by health status
// and least-outstanding-requests with weighted round-robin tie-break.
package registry

import (
	"sync"
	"sync/atomic"

	"github.com/ai-gateway/orchestrator/internal/breaker"
	"github.com/ai-gateway/orchestrator/internal/capability"
	"github.com/ai-gateway/orchestrator/internal/config"
	"github.com/ai-gateway/orchestrator/internal/gwerr"
)

type Status string

const (
	Healthy   Status = "Healthy"
	Degraded  Status = "Degraded"
	Unhealthy Status = "Unhealthy"
)

// Backend is a routable unit: one base address advertising one capability.
// Ownership: created at startup from config, mutated only by the health
// aggregator and the admin reset (status, breaker) and in-flight
// bookkeeping (inFlight).
type Backend struct {
	ID          string
	Capability  capability.Capability
	BaseAddress string
	MaxInFlight int

	breaker *breaker.CircuitBreaker

	mu       sync.RWMutex
	status   Status
	inFlight int64

	rrWeight int64 // monotonically increasing, used as the round-robin tie-break
}

func (b *Backend) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

func (b *Backend) setStatus(s Status) {
	b.mu.Lock()
	b.status = s
	b.mu.Unlock()
}

func (b *Backend) Breaker() *breaker.CircuitBreaker { return b.breaker }

func (b *Backend) InFlight() int64 { return atomic.LoadInt64(&b.inFlight) }

func (b *Backend) EffectiveCap() int {
	b.mu.RLock()
	st := b.status
	b.mu.RUnlock()
	if st == Degraded {
		if c := b.MaxInFlight / 2; c > 0 {
			return c
		}
		return 1
	}
	return b.MaxInFlight
}

// Acquire/Release track in-flight count for router tie-breaking; the
// admission controller separately gates concurrency via semaphores.
func (b *Backend) Acquire() { atomic.AddInt64(&b.inFlight, 1) }
func (b *Backend) Release() { atomic.AddInt64(&b.inFlight, -1) }

// Registry is a read-mostly table of backends, grouped by capability.
type Registry struct {
	mu       sync.RWMutex
	byID     map[string]*Backend
	byCap    map[capability.Capability][]*Backend
}

func New(cfg *config.Config) *Registry {
	r := &Registry{
		byID:  make(map[string]*Backend),
		byCap: make(map[capability.Capability][]*Backend),
	}
	for _, bc := range cfg.Backends {
		b := &Backend{
			ID:          bc.ID,
			Capability:  capability.Capability(bc.Capability),
			BaseAddress: bc.BaseAddress,
			MaxInFlight: bc.MaxInFlight,
			status:      Healthy,
			breaker: breaker.New(
				cfg.CircuitBreaker.FailureThreshold,
				cfg.CircuitBreaker.CooldownPeriod,
			),
		}
		key := b.ID + "/" + string(b.Capability)
		r.byID[key] = b
		r.byCap[b.Capability] = append(r.byCap[b.Capability], b)
	}
	return r
}

// BackendsFor enumerates eligible backends for a capability, used by probes
// and the health/admin surface.
func (r *Registry) BackendsFor(cap capability.Capability) []*Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Backend, len(r.byCap[cap]))
	copy(out, r.byCap[cap])
	return out
}

// All returns every registered backend, for the health aggregator's probe loop.
func (r *Registry) All() []*Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Backend, 0, len(r.byID))
	for _, b := range r.byID {
		out = append(out, b)
	}
	return out
}

// Resolve picks a Healthy (preferred) or Degraded backend for the
// capability using least-outstanding-requests with weighted round-robin
// tie-break. Backends whose circuit is Open are skipped.
func (r *Registry) Resolve(cap capability.Capability) (*Backend, *gwerr.Error) {
	candidates := r.BackendsFor(cap)
	var best *Backend
	bestDegraded := false

	for _, b := range candidates {
		if b.breaker.State() == breaker.Open {
			continue
		}
		degraded := b.Status() == Degraded
		if best == nil {
			best, bestDegraded = b, degraded
			continue
		}
		if bestDegraded && !degraded {
			best, bestDegraded = b, degraded
			continue
		}
		if degraded && !bestDegraded {
			continue
		}
		if b.InFlight() < best.InFlight() {
			best, bestDegraded = b, degraded
			continue
		}
		if b.InFlight() == best.InFlight() {
			if atomic.AddInt64(&b.rrWeight, 1) > atomic.LoadInt64(&best.rrWeight) {
				best, bestDegraded = b, degraded
			}
		}
	}
	if best == nil {
		return nil, gwerr.New(gwerr.NoBackendAvailable, "no healthy backend for capability").
			WithDetail("capability", string(cap))
	}
	return best, nil
}

// Find looks up a backend by its configured ID alone (not the internal
// ID/Capability composite key), for the admin reset endpoint.
func (r *Registry) Find(id string) (*Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.byID {
		if b.ID == id {
			return b, true
		}
	}
	return nil, false
}

// Reset forces a backend's circuit breaker closed and restores it to
// Healthy, for manual operator intervention via the admin surface.
func (b *Backend) Reset() {
	b.breaker.Reset()
	b.setStatus(Healthy)
}

// ReportProbe feeds a health-probe outcome into a backend's circuit breaker
// and updates its status, called by internal/health on each probe tick.
func (r *Registry) ReportProbe(b *Backend, ok bool) {
	// An Open circuit only takes a probe outcome once Allow has moved it to
	// Half-Open after the cooldown; until then the probe is not recorded.
	if b.breaker.State() != breaker.Open || b.breaker.Allow() {
		b.breaker.Record(ok)
	}
	switch b.breaker.State() {
	case breaker.Open:
		b.setStatus(Unhealthy)
	case breaker.HalfOpen:
		b.setStatus(Degraded)
	default:
		b.setStatus(Healthy)
	}
}
