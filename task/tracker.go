package task

import (
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/uber-go/tally"
)

// terminal tasks retained for reporting
const defaultHistoryLimit = 1000

// Tracker is the interface for the scheduler to track all live tasks.
type Tracker interface {
	// Add adds the task to the tracker.
	Add(t *Task) error

	// Get returns the task for the id, nil if unknown.
	Get(id string) *Task

	// RunningOnDevice returns all running tasks assigned to the device.
	RunningOnDevice(deviceID string) []*Task

	// RunningCount returns the number of running tasks.
	RunningCount() int

	// MarkTerminal removes the task from live tracking and retains it
	// in the bounded history.
	MarkTerminal(t *Task)

	// History returns the retained terminal tasks, oldest first.
	History() []*Task

	// Size returns the number of live tasks in the tracker.
	Size() int64

	// Clear removes all tasks.
	Clear()
}

// tracker is the task tracker: map[taskid]*Task plus terminal history.
type tracker struct {
	sync.Mutex

	tasks        map[string]*Task
	history      []*Task
	historyLimit int
	metrics      *Metrics
}

// NewTracker initializes a task tracker.
func NewTracker(parent tally.Scope) Tracker {
	return &tracker{
		tasks:        make(map[string]*Task),
		historyLimit: defaultHistoryLimit,
		metrics:      NewMetrics(parent.SubScope("tracker")),
	}
}

func (tr *tracker) Add(t *Task) error {
	tr.Lock()
	defer tr.Unlock()
	tr.tasks[t.ID()] = t
	tr.metrics.TasksTracked.Update(float64(len(tr.tasks)))
	return nil
}

func (tr *tracker) Get(id string) *Task {
	tr.Lock()
	defer tr.Unlock()
	return tr.tasks[id]
}

func (tr *tracker) RunningOnDevice(deviceID string) []*Task {
	tr.Lock()
	defer tr.Unlock()
	var out []*Task
	for _, t := range tr.tasks {
		if t.CurrentState() == StateRunning && t.DeviceID() == deviceID {
			out = append(out, t)
		}
	}
	return out
}

func (tr *tracker) RunningCount() int {
	tr.Lock()
	defer tr.Unlock()
	n := 0
	for _, t := range tr.tasks {
		if t.CurrentState() == StateRunning {
			n++
		}
	}
	return n
}

func (tr *tracker) MarkTerminal(t *Task) {
	tr.Lock()
	defer tr.Unlock()

	state := t.CurrentState()
	if !IsTerminal(state) {
		log.WithFields(log.Fields{
			"task_id": t.ID(),
			"state":   state,
		}).Warn("marking non-terminal task terminal, keeping it tracked")
		return
	}

	delete(tr.tasks, t.ID())
	tr.history = append(tr.history, t)
	if len(tr.history) > tr.historyLimit {
		tr.history = tr.history[len(tr.history)-tr.historyLimit:]
	}

	switch state {
	case StateCompleted:
		tr.metrics.TasksCompleted.Inc(1)
		tr.metrics.RunDuration.Record(t.ActualDuration())
	case StateFailed:
		tr.metrics.TasksFailed.Inc(1)
	case StateCancelled:
		tr.metrics.TasksCancelled.Inc(1)
	}
	tr.metrics.TasksTracked.Update(float64(len(tr.tasks)))

	log.WithFields(log.Fields{
		"task_id": t.ID(),
		"state":   state,
	}).Info("task reached terminal state")
}

func (tr *tracker) History() []*Task {
	tr.Lock()
	defer tr.Unlock()
	out := make([]*Task, len(tr.history))
	copy(out, tr.history)
	return out
}

func (tr *tracker) Size() int64 {
	tr.Lock()
	defer tr.Unlock()
	return int64(len(tr.tasks))
}

func (tr *tracker) Clear() {
	tr.Lock()
	defer tr.Unlock()
	for k := range tr.tasks {
		delete(tr.tasks, k)
	}
	tr.history = nil
	tr.metrics.TasksTracked.Update(0)
}
