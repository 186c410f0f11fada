package dispatcher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ai-gateway/orchestrator/internal/batcher"
	"github.com/ai-gateway/orchestrator/internal/breaker"
	"github.com/ai-gateway/orchestrator/internal/capability"
	"github.com/ai-gateway/orchestrator/internal/gwerr"
	"github.com/ai-gateway/orchestrator/internal/jobmanager"
	"github.com/ai-gateway/orchestrator/internal/obs"
	"github.com/ai-gateway/orchestrator/internal/registry"
)

type attemptFn func(ctx context.Context, backend *registry.Backend) (json.RawMessage, *gwerr.Error)

// retryLoop resolves a backend via the router, acquires an admission token,
// and invokes call; on a Timeout/UpstreamServer/Transport failure it backs
// off and reselects a backend (never the same one twice in a row when a
// healthy alternative exists), up to the configured attempt ceiling.
func (d *Dispatcher) retryLoop(ctx context.Context, cap capability.Capability, onAdmitted func(backend *registry.Backend), call attemptFn) (json.RawMessage, *gwerr.Error) {
	bo := d.jobs.RetryBackoff()
	var lastErr *gwerr.Error
	lastBackendID := ""

	for attempt := 0; attempt < d.jobs.MaxAttempts(); attempt++ {
		backend, gerr := d.registry.Resolve(cap)
		if gerr != nil {
			return nil, gerr
		}
		if backend.ID == lastBackendID {
			if alt := d.resolveAlternate(cap, lastBackendID); alt != nil {
				backend = alt
			}
		}

		tok, gerr := d.admission.Acquire(ctx, backend)
		if gerr != nil {
			return nil, gerr
		}
		if onAdmitted != nil {
			onAdmitted(backend)
		}

		raw, callErr := call(ctx, backend)
		tok.Release()
		lastBackendID = backend.ID

		if callErr == nil {
			obs.ModelInferenceTotal.WithLabelValues(string(cap), "success").Inc()
			return raw, nil
		}
		obs.ModelInferenceTotal.WithLabelValues(string(cap), "error").Inc()
		lastErr = callErr
		if !callErr.Retryable() {
			return nil, callErr
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		select {
		case <-ctx.Done():
			if ctx.Err() == context.Canceled {
				return nil, gwerr.New(gwerr.Cancelled, "cancelled during retry backoff")
			}
			return nil, gwerr.New(gwerr.Timeout, "deadline elapsed during retry backoff")
		case <-time.After(wait):
		}
	}
	return nil, lastErr
}

func (d *Dispatcher) resolveAlternate(cap capability.Capability, excludeID string) *registry.Backend {
	var best *registry.Backend
	for _, b := range d.registry.BackendsFor(cap) {
		if b.ID == excludeID || b.Breaker().State() == breaker.Open {
			continue
		}
		if best == nil || b.InFlight() < best.InFlight() {
			best = b
		}
	}
	return best
}

// executeSingle runs the non-batched dispatch path for one Job.
func (d *Dispatcher) executeSingle(ctx context.Context, job *jobmanager.Job, req capability.Request) (json.RawMessage, *gwerr.Error) {
	return d.retryLoop(ctx, job.Capability(), func(backend *registry.Backend) {
		d.jobs.MarkAdmitted(job)
		d.jobs.MarkRunning(job)
	}, func(ctx context.Context, backend *registry.Backend) (json.RawMessage, *gwerr.Error) {
		return d.pool.Call(ctx, backend.BaseAddress, backend.MaxInFlight, job.Capability(), req.Raw)
	})
}

// onSeal is the batcher's seal callback: it claims the pending Jobs backing
// the seal, issues a single aggregated backend call, and distributes
// results in submission order.
func (d *Dispatcher) onSeal(seal batcher.Seal) {
	entries := make([]pendingEntry, 0, len(seal.Entries))
	for _, e := range seal.Entries {
		d.pendingMu.Lock()
		pe, ok := d.pending[e.JobID]
		if ok {
			delete(d.pending, e.JobID)
		}
		d.pendingMu.Unlock()
		if ok {
			entries = append(entries, pe)
		}
	}
	if len(entries) == 0 {
		return
	}

	bodies := make([]json.RawMessage, len(seal.Entries))
	for i, e := range seal.Entries {
		bodies[i] = e.Body
	}
	combined, err := json.Marshal(bodies)
	if err != nil {
		for _, pe := range entries {
			d.settle(pe.job, nil, gwerr.New(gwerr.Internal, "failed to encode batch body"))
			pe.cleanup.run()
		}
		return
	}

	ctx := context.Background()
	if dl := earliestDeadline(entries); !dl.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, dl)
		defer cancel()
	}

	raw, gerr := d.retryLoop(ctx, seal.Capability, func(backend *registry.Backend) {
		for _, pe := range entries {
			d.jobs.MarkAdmitted(pe.job)
			d.jobs.MarkRunning(pe.job)
		}
	}, func(ctx context.Context, backend *registry.Backend) (json.RawMessage, *gwerr.Error) {
		return d.pool.Call(ctx, backend.BaseAddress, backend.MaxInFlight, seal.Capability, combined)
	})

	if gerr != nil {
		obs.BatchSeals.WithLabelValues(string(seal.Capability), seal.Reason+"_error").Inc()
		for _, pe := range entries {
			d.settle(pe.job, nil, gerr)
			pe.cleanup.run()
		}
		return
	}
	obs.BatchSeals.WithLabelValues(string(seal.Capability), seal.Reason).Inc()

	var results []json.RawMessage
	if err := json.Unmarshal(raw, &results); err != nil {
		for _, pe := range entries {
			d.settle(pe.job, nil, gwerr.New(gwerr.MalformedResponse, "batch response was not a JSON array"))
			pe.cleanup.run()
		}
		return
	}

	for i, pe := range entries {
		if i >= len(results) {
			d.settle(pe.job, nil, gwerr.New(gwerr.BatchShortResponse, "backend returned fewer results than batch members"))
		} else {
			d.settle(pe.job, results[i], nil)
		}
		pe.cleanup.run()
	}
}

func earliestDeadline(entries []pendingEntry) time.Time {
	var earliest time.Time
	for _, pe := range entries {
		dl := pe.job.Deadline()
		if earliest.IsZero() || dl.Before(earliest) {
			earliest = dl
		}
	}
	return earliest
}
