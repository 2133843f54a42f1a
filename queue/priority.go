package queue

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/velos-ai/gpupool/task"
)

// ErrQueueEmpty is returned by Peek and Dequeue on an empty queue.
var ErrQueueEmpty = errors.New("task queue is empty")

// PriorityQueue dispenses queued tasks highest priority weight first, and
// within a weight by estimated duration ascending with stable ties.
type PriorityQueue struct {
	sync.RWMutex
	list *LevelList
	// limit caps the number of queued tasks
	limit int64
	// count is the running count of queued tasks
	count int64
}

// NewPriorityQueue initializes the priority queue.
func NewPriorityQueue(limit int64) *PriorityQueue {
	return &PriorityQueue{
		list:  NewLevelList(),
		limit: limit,
	}
}

// Enqueue queues a task under its priority weight.
func (f *PriorityQueue) Enqueue(t *task.Task) error {
	f.Lock()
	defer f.Unlock()

	if f.count >= f.limit {
		return errors.New("queue limit is reached")
	}
	if t == nil {
		return errors.New("enqueue of nil task")
	}
	f.list.Push(t.Weight(), t)
	f.count++
	return nil
}

// Dequeue removes and returns the task at the head of the queue.
func (f *PriorityQueue) Dequeue() (*task.Task, error) {
	f.Lock()
	defer f.Unlock()

	if f.count == 0 {
		return nil, ErrQueueEmpty
	}
	t, err := f.list.Pop(f.list.GetHighestLevel())
	if err != nil {
		return nil, err
	}
	f.count--
	return t, nil
}

// Peek returns the task at the head of the queue without removing it.
func (f *PriorityQueue) Peek() (*task.Task, error) {
	f.RLock()
	defer f.RUnlock()

	if f.count == 0 {
		return nil, ErrQueueEmpty
	}
	return f.list.Peek(f.list.GetHighestLevel())
}

// Remove removes the given task from the queue.
func (f *PriorityQueue) Remove(t *task.Task) error {
	f.Lock()
	defer f.Unlock()

	if t == nil {
		return errors.New("removal of nil task")
	}
	if err := f.list.Remove(t.Weight(), t.ID()); err != nil {
		return err
	}
	f.count--
	return nil
}

// Size returns the number of tasks in the queue.
func (f *PriorityQueue) Size() int {
	f.RLock()
	defer f.RUnlock()
	return int(f.count)
}
