package lifecycle

import (
	"sync"
)

// LifeCycle coordinates the start and stop of a background loop with its
// owner. Typical use:
//
//	lc := NewLifeCycle()
//	lc.Start()
//	go func() {
//		defer lc.StopComplete()
//		for {
//			select {
//			case <-lc.StopCh():
//				return
//			case <-ticker.C:
//				...
//			}
//		}
//	}()
//	lc.Stop()
//	lc.Wait() // blocks until the goroutine has exited
type LifeCycle interface {
	// Start is idempotent; returns false if already started.
	Start() bool

	// Stop broadcasts on StopCh; idempotent, returns false if already
	// stopped.
	Stop() bool

	// StopComplete is called by the background loop when it has finished
	// cleaning up. It unblocks Wait.
	StopComplete()

	// StopCh is closed when Stop is called.
	StopCh() <-chan struct{}

	// Wait blocks until StopComplete is called.
	Wait()
}

type lifeCycle struct {
	sync.RWMutex
	// stopCh is non-nil between Start and Stop
	stopCh         chan struct{}
	stopCompleteCh chan struct{}
}

// NewLifeCycle creates a new LifeCycle instance.
func NewLifeCycle() LifeCycle {
	return &lifeCycle{
		stopCompleteCh: make(chan struct{}, 1),
	}
}

func (l *lifeCycle) Start() bool {
	l.Lock()
	defer l.Unlock()

	if l.stopCh != nil {
		return false
	}

	l.stopCh = make(chan struct{})
	return true
}

func (l *lifeCycle) Stop() bool {
	l.Lock()
	defer l.Unlock()

	if l.stopCh == nil {
		return false
	}

	close(l.stopCh)
	l.stopCh = nil
	return true
}

func (l *lifeCycle) StopCh() <-chan struct{} {
	l.RLock()
	defer l.RUnlock()

	// Stop may race ahead of the goroutine calling StopCh; hand back a
	// closed channel so the select falls through immediately.
	if l.stopCh == nil {
		closedCh := make(chan struct{})
		close(closedCh)
		return closedCh
	}

	return l.stopCh
}

func (l *lifeCycle) StopComplete() {
	l.RLock()
	defer l.RUnlock()

	select {
	case l.stopCompleteCh <- struct{}{}:
	default:
		// already signalled
	}
}

func (l *lifeCycle) Wait() {
	<-l.stopCompleteCh
}
