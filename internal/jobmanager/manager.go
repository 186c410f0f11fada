package jobmanager

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ai-gateway/orchestrator/internal/capability"
	"github.com/ai-gateway/orchestrator/internal/fingerprint"
	"github.com/ai-gateway/orchestrator/internal/gwerr"
	"github.com/ai-gateway/orchestrator/internal/obs"
)

// Manager is the table-level read-mostly structure holding every Job known
// to this process, plus the retention janitor. Individual Job mutation
// goes through each Job's own lock; Manager's lock only guards the map.
type Manager struct {
	mu    sync.RWMutex
	jobs  map[string]*Job

	retentionWindow time.Duration
	maxAttempts     int
	logger          *zap.Logger

	cron *cron.Cron
}

func New(retentionWindow time.Duration, maxAttempts int, logger *zap.Logger) *Manager {
	return &Manager{
		jobs:            make(map[string]*Job),
		retentionWindow: retentionWindow,
		maxAttempts:     maxAttempts,
		logger:          logger,
	}
}

// Create records a new Job in Queued and returns it. Retention keeps no
// refcount: Get/List only ever return a copied Snapshot, and Sweep drops a
// Job once it is terminal and past its retention time.
func (m *Manager) Create(cap capability.Capability, fp fingerprint.Fingerprint, deadline time.Time) *Job {
	j := newJob(uuid.NewString(), cap, fp, deadline)
	m.mu.Lock()
	m.jobs[j.id] = j
	m.mu.Unlock()
	obs.JobsQueued.Inc()
	return j
}

func (m *Manager) Get(id string) (Snapshot, bool) {
	m.mu.RLock()
	j, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return j.Snapshot(), true
}

// Cancel requests cooperative cancellation of the Job with this id; it is
// a no-op if the id is unknown or already terminal.
func (m *Manager) Cancel(id string) bool {
	m.mu.RLock()
	j, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	j.Cancel()
	return true
}

type ListFilter struct {
	Status     string
	Capability capability.Capability
	Since      time.Time
	Until      time.Time
	Limit      int
	Offset     int
}

func (m *Manager) List(filter ListFilter) []Snapshot {
	m.mu.RLock()
	all := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		all = append(all, j)
	}
	m.mu.RUnlock()

	matched := make([]Snapshot, 0, len(all))
	for _, j := range all {
		s := j.Snapshot()
		if filter.Status != "" && s.ExternalStatus != filter.Status {
			continue
		}
		if filter.Capability != "" && s.Capability != filter.Capability {
			continue
		}
		if !filter.Since.IsZero() && s.SubmitTS.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && s.SubmitTS.After(filter.Until) {
			continue
		}
		matched = append(matched, s)
	}

	offset := filter.Offset
	if offset > len(matched) {
		offset = len(matched)
	}
	matched = matched[offset:]
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched
}

// MarkAdmitted / MarkRunning / MarkSucceeded / MarkFailed / MarkCancelled /
// MarkTimedOut drive the transition table from §4.3; callers are the
// dispatcher's per-attempt loop.
func (m *Manager) MarkAdmitted(j *Job)  { j.transition(Admitted) }
func (m *Manager) MarkRunning(j *Job)   { obs.JobsQueued.Dec(); obs.JobsRunning.Inc(); j.transition(Running) }
func (m *Manager) MarkSucceeded(j *Job, result []byte) {
	obs.JobsRunning.Dec()
	j.setResult(result, m.retentionWindow)
}
func (m *Manager) MarkFailed(j *Job, err *gwerr.Error) {
	obs.JobsRunning.Dec()
	j.setError(err, Failed, m.retentionWindow)
}
func (m *Manager) MarkCancelled(j *Job) {
	if j.State() == Running {
		obs.JobsRunning.Dec()
	} else {
		obs.JobsQueued.Dec()
	}
	j.transition(Cancelled)
	j.setRetention(m.retentionWindow)
}
func (m *Manager) MarkTimedOut(j *Job) {
	if j.State() == Running {
		obs.JobsRunning.Dec()
	} else {
		obs.JobsQueued.Dec()
	}
	j.transition(TimedOut)
	j.setRetention(m.retentionWindow)
}

// RetryBackoff returns a fresh exponential-backoff policy per the retry
// defaults: base 50ms, full jitter, max 2s, capped at manager.maxAttempts
// total attempts. The caller additionally honors the Job's own deadline.
func (m *Manager) RetryBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 2 * time.Second
	b.RandomizationFactor = 1.0 // full jitter
	return backoff.WithMaxRetries(b, uint64(m.maxAttempts-1))
}

func (m *Manager) MaxAttempts() int { return m.maxAttempts }

// Sweep removes terminal Jobs past retention_until; no Job is freed while a
// Get/List snapshot holds a copy already, since Snapshot is a value type.
func (m *Manager) Sweep() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, j := range m.jobs {
		s := j.Snapshot()
		if s.State.Terminal() && !s.RetentionUntil.IsZero() && now.After(s.RetentionUntil) {
			delete(m.jobs, id)
		}
	}
}

// StartJanitor schedules Sweep on a fixed cron cadence.
func (m *Manager) StartJanitor(interval time.Duration) {
	m.cron = cron.New()
	_, _ = m.cron.AddFunc("@every "+interval.String(), m.Sweep)
	m.cron.Start()
}

func (m *Manager) StopJanitor() {
	if m.cron != nil {
		ctx := m.cron.Stop()
		<-ctx.Done()
	}
}
