package task

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/velos-ai/gpupool/common/statemachine"
)

// Task lifecycle states.
const (
	StateQueued    = statemachine.State("QUEUED")
	StateRunning   = statemachine.State("RUNNING")
	StateCompleted = statemachine.State("COMPLETED")
	StateFailed    = statemachine.State("FAILED")
	StateCancelled = statemachine.State("CANCELLED")
)

// IsTerminal reports whether the state is a terminal state.
func IsTerminal(s statemachine.State) bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Spec is the caller-supplied description of work to run.
type Spec struct {
	Name              string
	Kind              string
	Priority          Priority
	MemoryBytes       uint64
	EstimatedDuration time.Duration
	Metadata          map[string]string
}

// Task wraps a submitted spec with its state machine and runtime record.
// The scheduler owns tasks; readers take snapshots through the accessors.
type Task struct {
	mu sync.RWMutex

	id     string
	spec   Spec
	weight int

	stateMachine statemachine.StateMachine

	deviceID       string
	submittedAt    time.Time
	startedAt      time.Time
	endedAt        time.Time
	actualDuration time.Duration
	failureReason  string
}

// New creates a queued task from a spec. The weight is the policy's weight
// for the spec's priority tier and fixes the task's queue level.
func New(id string, spec Spec, weight int) (*Task, error) {
	t := &Task{
		id:          id,
		spec:        spec,
		weight:      weight,
		submittedAt: time.Now(),
	}

	sm, err := statemachine.NewBuilder().
		WithName(id).
		WithCurrentState(StateQueued).
		WithTransitionCallback(t.transitionCallBack).
		AddRule(
			&statemachine.Rule{
				From: StateQueued,
				To:   []statemachine.State{StateRunning, StateCancelled},
			}).
		AddRule(
			&statemachine.Rule{
				From: StateRunning,
				To: []statemachine.State{
					StateCompleted,
					StateFailed,
					StateCancelled,
				},
			}).
		Build()
	if err != nil {
		return nil, err
	}
	t.stateMachine = sm
	return t, nil
}

// transitionCallBack traces every state change of the task.
func (t *Task) transitionCallBack(tr *statemachine.Transition) error {
	log.WithFields(log.Fields{
		"task_id": t.id,
		"from":    tr.From,
		"to":      tr.To,
		"reason":  tr.Reason,
	}).Debug("task state transition")
	return nil
}

// TransitTo transitions the task to the target state.
func (t *Task) TransitTo(to statemachine.State, reason string) error {
	return t.stateMachine.TransitTo(to, reason)
}

// CurrentState returns the current lifecycle state.
func (t *Task) CurrentState() statemachine.State {
	return t.stateMachine.GetCurrentState()
}

// ID returns the task id.
func (t *Task) ID() string {
	return t.id
}

// Name returns the caller-supplied task name.
func (t *Task) Name() string {
	return t.spec.Name
}

// Kind returns the capability class the task requires.
func (t *Task) Kind() string {
	return t.spec.Kind
}

// Priority returns the priority tier.
func (t *Task) Priority() Priority {
	return t.spec.Priority
}

// Weight returns the queue level derived from the priority tier.
func (t *Task) Weight() int {
	return t.weight
}

// MemoryBytes returns the contiguous device memory the task needs.
func (t *Task) MemoryBytes() uint64 {
	return t.spec.MemoryBytes
}

// EstimatedDuration returns the caller's runtime estimate. Used for queue
// ordering and metrics only, never for enforcement.
func (t *Task) EstimatedDuration() time.Duration {
	return t.spec.EstimatedDuration
}

// Metadata returns a copy of the caller-supplied metadata.
func (t *Task) Metadata() map[string]string {
	if t.spec.Metadata == nil {
		return nil
	}
	out := make(map[string]string, len(t.spec.Metadata))
	for k, v := range t.spec.Metadata {
		out[k] = v
	}
	return out
}

// SubmittedAt returns the submission time.
func (t *Task) SubmittedAt() time.Time {
	return t.submittedAt
}

// MarkStarted records the dispatch of the task to a device.
func (t *Task) MarkStarted(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deviceID = deviceID
	t.startedAt = time.Now()
}

// MarkEnded records the terminal bookkeeping of the task.
func (t *Task) MarkEnded(actualDuration time.Duration, failureReason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.endedAt = time.Now()
	t.actualDuration = actualDuration
	t.failureReason = failureReason
}

// DeviceID returns the assigned device, or empty before dispatch.
func (t *Task) DeviceID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.deviceID
}

// StartedAt returns the dispatch time, zero before dispatch.
func (t *Task) StartedAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.startedAt
}

// EndedAt returns the terminal time, zero while non-terminal.
func (t *Task) EndedAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.endedAt
}

// ActualDuration returns the caller-reported run time.
func (t *Task) ActualDuration() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.actualDuration
}

// FailureReason returns why the task failed or was cancelled, if it was.
func (t *Task) FailureReason() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.failureReason
}
