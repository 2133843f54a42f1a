package scheduler

import (
	"sync"
	"time"

	"github.com/pborman/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/uber-go/tally"
	"go.uber.org/atomic"

	"github.com/velos-ai/gpupool/device"
	"github.com/velos-ai/gpupool/monitor"
	"github.com/velos-ai/gpupool/queue"
	"github.com/velos-ai/gpupool/task"
)

const (
	reasonDispatched        = "dispatched"
	reasonExecutionFinished = "execution finished"
	reasonCancelledByCaller = "cancelled by caller"
	reasonDeviceUnavailable = "device unavailable"
	reasonEmergencyCleanup  = "emergency memory reclamation"
)

// ErrTaskNotFound is returned when an operation references an unknown or
// already terminal task id.
var ErrTaskNotFound = errors.New("task not found")

// Outcome is the caller-reported result of an externally executed task.
type Outcome struct {
	Success        bool
	ActualDuration time.Duration
	// Message carries the execution error on failure.
	Message string
}

// Manager is the public surface of the scheduling core. Task execution is
// external and asynchronous: the manager dispatches work onto device pools
// and is signalled through ReportCompletion.
type Manager interface {
	// SubmitTask enqueues a task and triggers dispatch.
	SubmitTask(spec task.Spec) (string, error)

	// ReportCompletion drives the lifecycle transition of a running
	// task and retriggers dispatch.
	ReportCompletion(taskID string, outcome Outcome) error

	// CancelTask cancels a queued or running task.
	CancelTask(taskID string) error

	// GetStatusReport returns a read-only snapshot for dashboards.
	GetStatusReport() StatusReport

	// Tick runs one threshold monitor pass. The core does not own a
	// timer; an external scheduler invokes this.
	Tick() error

	// SetDeviceAvailability applies an external health signal. Marking
	// a device unavailable fails its running tasks.
	SetDeviceAvailability(deviceID string, available bool) error
}

// manager implements Manager. The lock serializes all scheduler state
// (queue, tracker, dispatch accounting); per-device fragment tables
// additionally serialize on their own pool locks.
type manager struct {
	lock sync.Mutex

	policy   Policy
	registry device.Registry
	tracker  task.Tracker
	queue    *queue.PriorityQueue
	monitor  *monitor.Monitor
	metrics  *Metrics

	// draining/pending coalesce concurrent dispatch triggers into one
	// in-flight drain pass
	draining *atomic.Bool
	pending  *atomic.Bool
}

// NewManager creates the scheduling core over the given device registry.
// provider may be nil when no telemetry collaborator is wired in.
func NewManager(
	policy Policy,
	registry device.Registry,
	provider device.TelemetryProvider,
	scope tally.Scope) Manager {
	policy.Normalize()

	m := &manager{
		policy:   policy,
		registry: registry,
		tracker:  task.NewTracker(scope),
		queue:    queue.NewPriorityQueue(policy.QueueLimit),
		metrics:  NewMetrics(scope.SubScope("scheduler")),
		draining: atomic.NewBool(false),
		pending:  atomic.NewBool(false),
	}
	m.monitor = monitor.New(
		monitor.Config{
			Thresholds:          policy.MemoryThresholds,
			CompactionThreshold: policy.CompactionThreshold,
		},
		registry,
		provider,
		m,
		scope,
	)
	return m
}

func (m *manager) SubmitTask(spec task.Spec) (string, error) {
	m.metrics.APISubmit.Inc(1)

	if spec.MemoryBytes == 0 {
		m.metrics.SubmitFail.Inc(1)
		return "", errors.New("task must request memory")
	}

	id := uuid.New()
	t, err := task.New(id, spec, m.policy.Weight(spec.Priority))
	if err != nil {
		m.metrics.SubmitFail.Inc(1)
		return "", errors.Wrap(err, "creating task")
	}

	m.lock.Lock()
	if err := m.queue.Enqueue(t); err != nil {
		m.lock.Unlock()
		m.metrics.SubmitFail.Inc(1)
		return "", errors.Wrap(err, "enqueueing task")
	}
	if err := m.tracker.Add(t); err != nil {
		m.queue.Remove(t)
		m.lock.Unlock()
		m.metrics.SubmitFail.Inc(1)
		return "", err
	}
	m.updateGauges()
	m.lock.Unlock()

	log.WithFields(log.Fields{
		"task_id":      id,
		"name":         spec.Name,
		"priority":     spec.Priority,
		"memory_bytes": spec.MemoryBytes,
	}).Info("task submitted")
	m.metrics.SubmitSuccess.Inc(1)

	m.drain()
	return id, nil
}

func (m *manager) ReportCompletion(taskID string, outcome Outcome) error {
	m.metrics.APIComplete.Inc(1)

	m.lock.Lock()
	t := m.tracker.Get(taskID)
	if t == nil {
		m.lock.Unlock()
		return errors.Wrap(ErrTaskNotFound, taskID)
	}
	if t.CurrentState() != task.StateRunning {
		m.lock.Unlock()
		return errors.Errorf("task %s is not running", taskID)
	}

	m.freeTaskMemory(t)

	to := task.StateCompleted
	reason := reasonExecutionFinished
	if !outcome.Success {
		to = task.StateFailed
		reason = outcome.Message
		if reason == "" {
			reason = "execution error"
		}
	}
	if err := t.TransitTo(to, reason); err != nil {
		m.lock.Unlock()
		return err
	}
	t.MarkEnded(outcome.ActualDuration, reason)
	m.tracker.MarkTerminal(t)
	m.updateGauges()
	m.lock.Unlock()

	m.drain()
	return nil
}

func (m *manager) CancelTask(taskID string) error {
	m.metrics.APICancel.Inc(1)

	m.lock.Lock()
	t := m.tracker.Get(taskID)
	if t == nil {
		m.lock.Unlock()
		return errors.Wrap(ErrTaskNotFound, taskID)
	}

	switch t.CurrentState() {
	case task.StateQueued:
		if err := m.queue.Remove(t); err != nil {
			m.lock.Unlock()
			return err
		}
	case task.StateRunning:
		m.freeTaskMemory(t)
	default:
		m.lock.Unlock()
		return errors.Wrap(ErrTaskNotFound, taskID)
	}

	if err := t.TransitTo(task.StateCancelled, reasonCancelledByCaller); err != nil {
		m.lock.Unlock()
		return err
	}
	t.MarkEnded(0, reasonCancelledByCaller)
	m.tracker.MarkTerminal(t)
	m.updateGauges()
	m.lock.Unlock()

	m.drain()
	return nil
}

func (m *manager) Tick() error {
	return m.monitor.RunOnce()
}

func (m *manager) SetDeviceAvailability(deviceID string, available bool) error {
	if err := m.registry.SetAvailable(deviceID, available); err != nil {
		return err
	}
	if available {
		// the device may have capacity for queued work now
		m.drain()
		return nil
	}

	m.lock.Lock()
	for _, t := range m.tracker.RunningOnDevice(deviceID) {
		m.freeTaskMemory(t)
		if err := t.TransitTo(task.StateFailed, reasonDeviceUnavailable); err != nil {
			log.WithError(err).WithField("task_id", t.ID()).
				Error("failing task on unavailable device")
			continue
		}
		t.MarkEnded(0, reasonDeviceUnavailable)
		m.tracker.MarkTerminal(t)
		m.metrics.DeviceFailures.Inc(1)
	}
	m.updateGauges()
	m.lock.Unlock()

	m.drain()
	return nil
}

// EvictLowestPriorityTier cancels all running tasks on the device that
// belong to the lowest priority tier present. Called by the threshold
// monitor under memory pressure.
func (m *manager) EvictLowestPriorityTier(deviceID string) (int, uint64) {
	m.lock.Lock()
	defer m.lock.Unlock()

	running := m.tracker.RunningOnDevice(deviceID)
	if len(running) == 0 {
		return 0, 0
	}

	lowest := running[0].Priority()
	for _, t := range running[1:] {
		if t.Priority() < lowest {
			lowest = t.Priority()
		}
	}

	cancelled := 0
	var freed uint64
	for _, t := range running {
		if t.Priority() != lowest {
			continue
		}
		m.freeTaskMemory(t)
		if err := t.TransitTo(task.StateCancelled, reasonEmergencyCleanup); err != nil {
			log.WithError(err).WithField("task_id", t.ID()).
				Error("cancelling task during emergency cleanup")
			continue
		}
		t.MarkEnded(0, reasonEmergencyCleanup)
		m.tracker.MarkTerminal(t)
		cancelled++
		freed += t.MemoryBytes()

		log.WithFields(log.Fields{
			"task_id":  t.ID(),
			"device":   deviceID,
			"priority": t.Priority(),
		}).Warn("task evicted by emergency cleanup")
	}
	m.metrics.EvictedTasks.Inc(int64(cancelled))
	m.updateGauges()
	return cancelled, freed
}

// TriggerDispatch re-runs the dispatch loop on behalf of the monitor.
func (m *manager) TriggerDispatch() {
	m.drain()
}

// freeTaskMemory returns the task's fragment to its device pool. Callers
// hold m.lock.
func (m *manager) freeTaskMemory(t *task.Task) {
	p, err := m.registry.Pool(t.DeviceID())
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"task_id": t.ID(),
			"device":  t.DeviceID(),
		}).Error("pool lookup while freeing task memory")
		return
	}
	p.Free(t.ID())
}

// drain runs the dispatch loop. Concurrent triggers coalesce: every trigger
// publishes the pending marker before contending for the draining guard, and
// the guard holder re-checks the marker after releasing it. A trigger that
// loses the guard is therefore always observed, either by the holder's
// re-check or by whoever acquires the guard next.
func (m *manager) drain() {
	m.pending.Store(true)
	if !m.draining.CompareAndSwap(false, true) {
		// the in-flight pass re-checks the marker after releasing
		return
	}
	m.drainLoop()
}

// drainLoop serves pending triggers until the marker stays clear across a
// release of the guard. The caller holds the draining guard.
func (m *manager) drainLoop() {
	for {
		for m.pending.CompareAndSwap(true, false) {
			m.drainOnce()
		}
		m.draining.Store(false)
		if !m.pending.Load() {
			return
		}
		// a trigger published its marker between the inner loop and
		// the release; serve it unless another trigger already holds
		// the guard
		if !m.draining.CompareAndSwap(false, true) {
			return
		}
	}
}

// drainOnce assigns queued tasks to devices while the concurrency budget
// and capacity allow. The queue is processed strictly in priority order: if
// the head task cannot be placed the loop stops rather than skipping it, so
// high-priority work is never starved behind capacity.
func (m *manager) drainOnce() {
	m.lock.Lock()
	defer m.lock.Unlock()

	for m.tracker.RunningCount() < m.policy.MaxConcurrentTasks {
		t, err := m.queue.Peek()
		if err != nil {
			return
		}

		req := device.Requirement{
			Kind:        t.Kind(),
			MemoryBytes: t.MemoryBytes(),
		}
		eligible := m.registry.Eligible(req)
		if len(eligible) == 0 {
			m.metrics.DispatchNoDevice.Inc(1)
			log.WithField("task_id", t.ID()).
				Debug("no eligible device, leaving queue as is")
			return
		}

		deviceID, err := m.registry.Select(m.policy.LoadBalancing, eligible, req)
		if err != nil {
			m.metrics.DispatchNoDevice.Inc(1)
			return
		}

		p, err := m.registry.Pool(deviceID)
		if err != nil {
			m.metrics.DispatchNoDevice.Inc(1)
			return
		}
		frag, err := p.Allocate(t.MemoryBytes(), t.ID())
		if err != nil {
			// fragmentation can defeat the eligibility estimate;
			// the task stays at the head and retries on the next
			// trigger
			m.metrics.DispatchAllocFail.Inc(1)
			log.WithError(err).WithFields(log.Fields{
				"task_id": t.ID(),
				"device":  deviceID,
			}).Debug("allocation failed, leaving task queued")
			return
		}

		// the queue only mutates under m.lock, so this pops the task
		// just peeked
		if _, err := m.queue.Dequeue(); err != nil {
			p.Free(t.ID())
			return
		}
		if err := t.TransitTo(task.StateRunning, reasonDispatched); err != nil {
			p.Free(t.ID())
			log.WithError(err).WithField("task_id", t.ID()).
				Error("dispatch transition failed")
			continue
		}
		t.MarkStarted(deviceID)
		m.metrics.DispatchSuccess.Inc(1)
		m.updateGauges()

		log.WithFields(log.Fields{
			"task_id":      t.ID(),
			"device":       deviceID,
			"offset":       frag.Offset,
			"memory_bytes": frag.Size,
		}).Info("task dispatched")
	}
}

// updateGauges refreshes queue/running gauges. Callers hold m.lock.
func (m *manager) updateGauges() {
	m.metrics.QueueDepth.Update(float64(m.queue.Size()))
	m.metrics.RunningTasks.Update(float64(m.tracker.RunningCount()))
}
