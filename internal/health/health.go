// Package health runs independently of request traffic, periodically
// probing each backend and feeding the outcome into the registry's
// per-backend circuit breaker.
package health

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ai-gateway/orchestrator/internal/obs"
	"github.com/ai-gateway/orchestrator/internal/pool"
	"github.com/ai-gateway/orchestrator/internal/registry"
)

// Aggregator owns the cron schedule driving periodic backend probes.
type Aggregator struct {
	reg      *registry.Registry
	pool     *pool.Pool
	interval time.Duration
	logger   *zap.Logger

	cron *cron.Cron
}

func New(reg *registry.Registry, p *pool.Pool, interval time.Duration, logger *zap.Logger) *Aggregator {
	return &Aggregator{reg: reg, pool: p, interval: interval, logger: logger}
}

// Start schedules the probe loop via an "@every" cron spec and returns
// immediately; call Stop to halt it.
func (a *Aggregator) Start() {
	a.cron = cron.New()
	spec := "@every " + a.interval.String()
	_, _ = a.cron.AddFunc(spec, a.probeAll)
	a.cron.Start()
}

func (a *Aggregator) Stop() {
	if a.cron != nil {
		ctx := a.cron.Stop()
		<-ctx.Done()
	}
}

func (a *Aggregator) probeAll() {
	for _, b := range a.reg.All() {
		b := b
		go a.probeOne(b)
	}
}

func (a *Aggregator) probeOne(b *registry.Backend) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	before := b.Status()
	err := a.pool.Probe(ctx, b.BaseAddress)
	a.reg.ReportProbe(b, err == nil)
	after := b.Status()

	obs.BackendHealth.WithLabelValues(b.ID).Set(statusValue(after))
	if before != after {
		a.logger.Info("backend health changed",
			zap.String("backend", b.ID),
			zap.String("capability", string(b.Capability)),
			zap.String("from", string(before)),
			zap.String("to", string(after)),
		)
		if after == registry.Unhealthy {
			obs.CircuitBreakerTrips.WithLabelValues(b.ID).Inc()
		}
	}
	obs.CircuitBreakerState.WithLabelValues(b.ID).Set(breakerStateValue(b))
}

func statusValue(s registry.Status) float64 {
	switch s {
	case registry.Healthy:
		return 1
	case registry.Degraded:
		return 0.5
	default:
		return 0
	}
}

func breakerStateValue(b *registry.Backend) float64 {
	return float64(b.Breaker().State())
}
