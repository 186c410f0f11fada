// Package jobmanager owns Job identity, the dispatch state machine,
// cancellation, and terminal-state retention.
package jobmanager

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/ai-gateway/orchestrator/internal/capability"
	"github.com/ai-gateway/orchestrator/internal/fingerprint"
	"github.com/ai-gateway/orchestrator/internal/gwerr"
)

type State string

const (
	Queued    State = "queued"
	Admitted  State = "admitted"
	Running   State = "running"
	Succeeded State = "succeeded"
	Failed    State = "failed"
	Cancelled State = "cancelled"
	TimedOut  State = "timed_out"
)

func (s State) Terminal() bool {
	switch s {
	case Succeeded, Failed, Cancelled, TimedOut:
		return true
	default:
		return false
	}
}

// externalStatus collapses the internal state machine to the three-way
// status the northbound response envelope exposes.
func (s State) externalStatus() string {
	switch s {
	case Queued, Admitted:
		return "queued"
	case Running:
		return "running"
	case Succeeded:
		return "completed"
	default:
		return "failed"
	}
}

// Job is the unit of tracked work. Every field mutation happens under mu and
// state only moves forward, so successive snapshots are monotonic. Settling
// a Job writes its result or error, its terminal state, and its retention
// time in separate locked steps, so a snapshot taken between them can show
// one without the others.
type Job struct {
	mu sync.RWMutex

	id          string
	capability  capability.Capability
	fingerprint fingerprint.Fingerprint
	state       State
	submitTS    time.Time
	startTS     time.Time
	finishTS    time.Time
	progress    float64
	result      json.RawMessage
	err         *gwerr.Error
	deadline    time.Time
	retentionUntil time.Time

	cancelFunc func()
	done       chan struct{}
}

func newJob(id string, cap capability.Capability, fp fingerprint.Fingerprint, deadline time.Time) *Job {
	return &Job{
		id:          id,
		capability:  cap,
		fingerprint: fp,
		state:       Queued,
		submitTS:    time.Now(),
		deadline:    deadline,
		done:        make(chan struct{}),
	}
}

func (j *Job) ID() string                          { return j.id }
func (j *Job) Capability() capability.Capability    { return j.capability }
func (j *Job) Fingerprint() fingerprint.Fingerprint { return j.fingerprint }
func (j *Job) Deadline() time.Time                  { return j.deadline }

func (j *Job) State() State {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state
}

// Snapshot is the immutable view returned by GetJob and List.
type Snapshot struct {
	ID             string
	Capability     capability.Capability
	State          State
	ExternalStatus string
	SubmitTS       time.Time
	StartTS        time.Time
	FinishTS       time.Time
	Progress       float64
	Result         json.RawMessage
	Err            *gwerr.Error
	Deadline       time.Time
	RetentionUntil time.Time
}

func (j *Job) Snapshot() Snapshot {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return Snapshot{
		ID:             j.id,
		Capability:     j.capability,
		State:          j.state,
		ExternalStatus: j.state.externalStatus(),
		SubmitTS:       j.submitTS,
		StartTS:        j.startTS,
		FinishTS:       j.finishTS,
		Progress:       j.progress,
		Result:         j.result,
		Err:            j.err,
		Deadline:       j.deadline,
		RetentionUntil: j.retentionUntil,
	}
}

// Await blocks until the Job reaches a terminal state.
func (j *Job) Await() Snapshot {
	<-j.done
	return j.Snapshot()
}

// SetCancelFunc wires the context cancellation used to abort an in-flight
// outbound call; called by the dispatcher right after Job creation, and
// again by the batched path to install its batch-aware cancel.
func (j *Job) SetCancelFunc(f func()) {
	j.mu.Lock()
	j.cancelFunc = f
	j.mu.Unlock()
}

// transition moves the Job to `to`, invoked only by the manager under the
// per-job lock discipline documented on Manager.
func (j *Job) transition(to State) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return
	}
	j.state = to
	now := time.Now()
	switch to {
	case Running:
		j.startTS = now
	case Succeeded, Failed, Cancelled, TimedOut:
		j.finishTS = now
		if j.startTS.IsZero() {
			j.startTS = now
		}
		close(j.done)
	}
}

func (j *Job) setResult(result json.RawMessage, retentionWindow time.Duration) {
	j.mu.Lock()
	j.result = result
	j.progress = 1
	j.mu.Unlock()
	j.transition(Succeeded)
	j.setRetention(retentionWindow)
}

func (j *Job) setError(e *gwerr.Error, to State, retentionWindow time.Duration) {
	j.mu.Lock()
	j.err = e
	j.mu.Unlock()
	j.transition(to)
	j.setRetention(retentionWindow)
}

func (j *Job) setRetention(window time.Duration) {
	j.mu.Lock()
	j.retentionUntil = j.finishTS.Add(window)
	j.mu.Unlock()
}

// Cancel requests cooperative cancellation: it is idempotent and a no-op on
// an already-terminal Job.
func (j *Job) Cancel() {
	j.mu.Lock()
	cancel := j.cancelFunc
	alreadyTerminal := j.state.Terminal()
	j.mu.Unlock()
	if alreadyTerminal {
		return
	}
	if cancel != nil {
		cancel()
	}
}
