package queue

import (
	"container/list"
	"math"
	"sync"

	"github.com/pkg/errors"

	"github.com/velos-ai/gpupool/task"
)

// LevelList holds one list per level (level = priority weight). Within a
// level, tasks are kept ordered by estimated duration ascending; ties keep
// insertion order, so draining the highest level front-first yields the
// stable (weight desc, duration asc, submission order) dispatch sequence.
type LevelList struct {
	sync.RWMutex
	levels       map[int]*list.List
	highestLevel int
}

// NewLevelList initializes the multi level list.
func NewLevelList() *LevelList {
	return &LevelList{
		levels:       make(map[int]*list.List),
		highestLevel: math.MinInt32,
	}
}

// Push inserts the task into the given level, before the first task with a
// strictly longer estimated duration.
func (p *LevelList) Push(level int, t *task.Task) {
	p.Lock()
	defer p.Unlock()

	l, ok := p.levels[level]
	if !ok {
		l = list.New()
		p.levels[level] = l
	}

	inserted := false
	for e := l.Front(); e != nil; e = e.Next() {
		if e.Value.(*task.Task).EstimatedDuration() > t.EstimatedDuration() {
			l.InsertBefore(t, e)
			inserted = true
			break
		}
	}
	if !inserted {
		l.PushBack(t)
	}

	if level > p.highestLevel {
		p.highestLevel = level
	}
}

// Pop removes and returns the front task of the given level.
func (p *LevelList) Pop(level int) (*task.Task, error) {
	p.Lock()
	defer p.Unlock()

	l, ok := p.levels[level]
	if !ok {
		return nil, errors.Errorf("no tasks queued at level %d", level)
	}
	t := l.Remove(l.Front()).(*task.Task)
	if l.Len() == 0 {
		delete(p.levels, level)
		p.highestLevel = p.calculateHighestLevel()
	}
	return t, nil
}

// Peek returns the front task of the given level without removing it.
func (p *LevelList) Peek(level int) (*task.Task, error) {
	p.RLock()
	defer p.RUnlock()

	l, ok := p.levels[level]
	if !ok {
		return nil, errors.Errorf("no tasks queued at level %d", level)
	}
	return l.Front().Value.(*task.Task), nil
}

// Remove deletes the task with the given id from the specified level.
func (p *LevelList) Remove(level int, taskID string) error {
	p.Lock()
	defer p.Unlock()

	l, ok := p.levels[level]
	if !ok {
		return errors.Errorf("task %s not queued at level %d", taskID, level)
	}
	for e := l.Front(); e != nil; e = e.Next() {
		if e.Value.(*task.Task).ID() == taskID {
			l.Remove(e)
			if l.Len() == 0 {
				delete(p.levels, level)
				p.highestLevel = p.calculateHighestLevel()
			}
			return nil
		}
	}
	return errors.Errorf("task %s not queued at level %d", taskID, level)
}

// IsEmpty checks if the list for the specified level is empty.
func (p *LevelList) IsEmpty(level int) bool {
	p.RLock()
	defer p.RUnlock()
	l, ok := p.levels[level]
	return !ok || l.Len() == 0
}

// Len returns the number of tasks at the specified level.
func (p *LevelList) Len(level int) int {
	p.RLock()
	defer p.RUnlock()
	if l, ok := p.levels[level]; ok {
		return l.Len()
	}
	return 0
}

// Size returns the number of tasks across all levels.
func (p *LevelList) Size() int {
	p.RLock()
	defer p.RUnlock()
	n := 0
	for _, l := range p.levels {
		n += l.Len()
	}
	return n
}

// GetHighestLevel returns the highest non-empty level.
func (p *LevelList) GetHighestLevel() int {
	p.RLock()
	defer p.RUnlock()
	return p.highestLevel
}

func (p *LevelList) calculateHighestLevel() int {
	level := math.MinInt32
	for key := range p.levels {
		if key > level {
			level = key
		}
	}
	return level
}
