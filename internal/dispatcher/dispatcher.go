// Package dispatcher ties the registry, pool, job manager, batcher, cache,
// and admission controller together behind the public Submit/Get/List/Health
// entry points.
package dispatcher

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ai-gateway/orchestrator/internal/admission"
	"github.com/ai-gateway/orchestrator/internal/batcher"
	"github.com/ai-gateway/orchestrator/internal/capability"
	"github.com/ai-gateway/orchestrator/internal/config"
	"github.com/ai-gateway/orchestrator/internal/fingerprint"
	"github.com/ai-gateway/orchestrator/internal/gwerr"
	"github.com/ai-gateway/orchestrator/internal/health"
	"github.com/ai-gateway/orchestrator/internal/jobmanager"
	"github.com/ai-gateway/orchestrator/internal/obs"
	"github.com/ai-gateway/orchestrator/internal/pool"
	"github.com/ai-gateway/orchestrator/internal/registry"
)

// ResponseCache abstracts over internal/cache's in-process and Redis-backed
// implementations so the dispatcher does not care which one is wired in.
type ResponseCache interface {
	Load(ctx context.Context, fp fingerprint.Fingerprint, deadline time.Time, ttl time.Duration, fn func(context.Context) (json.RawMessage, *gwerr.Error)) (json.RawMessage, *gwerr.Error, bool)
}

// purgeableCache is implemented by both cache.Cache and cache.RedisCache;
// it is checked via a type assertion since ResponseCache itself stays
// minimal for the common dispatch path.
type purgeableCache interface {
	Purge(ctx context.Context) (int, error)
}

type Dispatcher struct {
	cfg       *config.Config
	registry  *registry.Registry
	pool      *pool.Pool
	jobs      *jobmanager.Manager
	batcher   *batcher.Batcher
	cache     ResponseCache
	admission *admission.Controller
	health    *health.Aggregator
	logger    *zap.Logger

	pendingMu sync.Mutex
	pending   map[string]pendingEntry
}

type pendingEntry struct {
	job     *jobmanager.Job
	req     capability.Request
	cleanup *cleanup
}

// cleanup releases a Job's admission-queue slot and cancels its per-job
// context exactly once, whichever path settles it first: straight-line
// execution, a batch seal, or a pre-seal cancellation.
type cleanup struct {
	once sync.Once
	fn   func()
}

func (c *cleanup) run() { c.once.Do(c.fn) }

func New(cfg *config.Config, reg *registry.Registry, p *pool.Pool, jobs *jobmanager.Manager, c ResponseCache, adm *admission.Controller, hAgg *health.Aggregator, logger *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		cfg:       cfg,
		registry:  reg,
		pool:      p,
		jobs:      jobs,
		cache:     c,
		admission: adm,
		health:    hAgg,
		logger:    logger,
		pending:   make(map[string]pendingEntry),
	}
	d.batcher = batcher.New(cfg.Batch.MaxSize, cfg.Batch.MaxWait, d.onSeal)
	return d
}

// JobHandle is returned by Submit: a caller-facing handle over a Job.
type JobHandle struct {
	job *jobmanager.Job
}

func (h *JobHandle) ID() string                  { return h.job.ID() }
func (h *JobHandle) Cancel()                     { h.job.Cancel() }
func (h *JobHandle) Await() jobmanager.Snapshot   { return h.job.Await() }
func (h *JobHandle) Snapshot() jobmanager.Snapshot { return h.job.Snapshot() }

// Submit enqueues one request for dispatch per the algorithm in §4.7:
// global admission, Job creation, cache/batch routing, and asynchronous
// execution. It sheds load immediately (Overloaded) rather than buffering
// past the global queue cap.
func (d *Dispatcher) Submit(ctx context.Context, cap capability.Capability, req capability.Request, timeout time.Duration) (*JobHandle, *gwerr.Error) {
	if !capability.Valid(cap) {
		return nil, gwerr.New(gwerr.InvalidRequest, "unknown capability").WithDetail("capability", string(cap))
	}
	if gerr := d.admission.EnterQueue(); gerr != nil {
		return nil, gerr
	}

	fp := fingerprint.Compute(cap, req.Params)
	deadline := time.Now().Add(timeout)
	job := d.jobs.Create(cap, fp, deadline)

	runCtx, cancel := context.WithDeadline(context.Background(), deadline)
	job.SetCancelFunc(cancel)

	go d.run(runCtx, cancel, job, req, fp)

	return &JobHandle{job: job}, nil
}

func (d *Dispatcher) run(ctx context.Context, cancel context.CancelFunc, job *jobmanager.Job, req capability.Request, fp fingerprint.Fingerprint) {
	cl := &cleanup{fn: func() {
		cancel()
		d.admission.LeaveQueue()
	}}

	cacheable := req.Pure()

	execute := func(ctx context.Context) (json.RawMessage, *gwerr.Error) {
		return d.executeSingle(ctx, job, req)
	}

	if cacheable {
		defer cl.run()
		val, gerr, _ := d.cache.Load(ctx, fp, job.Deadline(), d.cfg.Cache.TTL, execute)
		d.settle(job, val, gerr)
		return
	}

	if capability.Batchable(job.Capability()) {
		d.pendingMu.Lock()
		d.pending[job.ID()] = pendingEntry{job: job, req: req, cleanup: cl}
		d.pendingMu.Unlock()

		// Override the plain context-cancel func installed by Submit: while
		// the Job is still queued in its BatchGroup, cancellation must pull
		// it out of the group and settle it directly (§4.3/§5), not just
		// cancel a context nothing reads yet. Once the group has sealed,
		// removal is no longer possible and this only cancels the Job's own
		// context, which the sealed batch call does not use: the call goes on
		// and the Job is settled with the batch's outcome.
		job.SetCancelFunc(func() {
			if d.batcher.Remove(job.Capability(), req.BucketKey, job.ID()) {
				d.pendingMu.Lock()
				delete(d.pending, job.ID())
				d.pendingMu.Unlock()
				cl.run()
				d.settle(job, nil, gwerr.New(gwerr.Cancelled, "cancelled before batch seal"))
				return
			}
			cancel()
		})

		d.batcher.Submit(job.Capability(), req.BucketKey, job.ID(), req.Raw)
		return
	}

	defer cl.run()
	val, gerr := execute(ctx)
	d.settle(job, val, gerr)
}

func (d *Dispatcher) settle(job *jobmanager.Job, val json.RawMessage, gerr *gwerr.Error) {
	if gerr != nil {
		state := jobmanager.Failed
		if gerr.Kind == gwerr.Cancelled {
			state = jobmanager.Cancelled
		} else if gerr.Kind == gwerr.Timeout && job.Deadline().Before(time.Now()) {
			state = jobmanager.TimedOut
		}
		switch state {
		case jobmanager.Cancelled:
			d.jobs.MarkCancelled(job)
		case jobmanager.TimedOut:
			d.jobs.MarkTimedOut(job)
		default:
			d.jobs.MarkFailed(job, gerr)
		}
		obs.ErrorsTotal.WithLabelValues(string(job.Capability()), string(gerr.Kind)).Inc()
		return
	}
	d.jobs.MarkSucceeded(job, val)
}

func (d *Dispatcher) Get(id string) (jobmanager.Snapshot, bool) {
	return d.jobs.Get(id)
}

// Cancel requests cooperative cancellation of a Job by id; idempotent, and
// a no-op for unknown or already-terminal ids.
func (d *Dispatcher) Cancel(id string) bool {
	return d.jobs.Cancel(id)
}

func (d *Dispatcher) List(filter jobmanager.ListFilter) []jobmanager.Snapshot {
	return d.jobs.List(filter)
}

// BackendHealthReport is one row of the Health() aggregate response.
type BackendHealthReport struct {
	ID         string
	Capability string
	Status     string
	InFlight   int64
}

type HealthReport struct {
	Backends []BackendHealthReport
}

func (d *Dispatcher) Health() HealthReport {
	var report HealthReport
	for _, b := range d.registry.All() {
		report.Backends = append(report.Backends, BackendHealthReport{
			ID:         b.ID,
			Capability: string(b.Capability),
			Status:     string(b.Status()),
			InFlight:   b.InFlight(),
		})
	}
	return report
}

// PurgeCache drops every cached response, for the admin cache-purge action.
// Returns an error if the wired cache does not support purging.
func (d *Dispatcher) PurgeCache(ctx context.Context) (int, error) {
	p, ok := d.cache.(purgeableCache)
	if !ok {
		return 0, gwerr.New(gwerr.Internal, "cache backend does not support purge")
	}
	return p.Purge(ctx)
}

// ResetBackend forces a backend's circuit breaker closed and restores it to
// Healthy, for the admin backend-reset action.
func (d *Dispatcher) ResetBackend(id string) bool {
	b, ok := d.registry.Find(id)
	if !ok {
		return false
	}
	b.Reset()
	return true
}

// Shutdown flushes any open BatchGroups and stops the health aggregator and
// retention janitor; it does not wait for in-flight Jobs.
func (d *Dispatcher) Shutdown() {
	d.batcher.Flush()
	d.health.Stop()
	d.jobs.StopJanitor()
}
