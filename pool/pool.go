package pool

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/uber-go/tally"
)

var (
	// ErrInsufficientMemory is returned when no free fragment is large
	// enough for the request, even if the total free size would cover it.
	ErrInsufficientMemory = errors.New("no contiguous fragment large enough")

	// ErrInvariantViolation indicates the fragment accounting no longer
	// partitions the pool. The pool halts on detection.
	ErrInvariantViolation = errors.New("fragment accounting invariant violated")

	// ErrPoolHalted is returned by mutating operations after an invariant
	// violation was detected on the pool.
	ErrPoolHalted = errors.New("pool halted after invariant violation")
)

// Pool is the per-device memory pool: an offset-ordered ledger of fragments
// serviced by a fit strategy. All operations serialize on the pool's own
// lock, which doubles as the per-device lock for scheduler and monitor.
type Pool interface {
	// DeviceID returns the id of the owning device.
	DeviceID() string

	// TotalSize returns the pool size in bytes.
	TotalSize() uint64

	// AllocatedSize returns the bytes held by non-free fragments.
	AllocatedSize() uint64

	// FreeSize returns the bytes held by free fragments.
	FreeSize() uint64

	// Strategy returns the fit strategy the pool allocates with.
	Strategy() FitStrategy

	// Allocate carves a fragment of exactly size bytes owned by taskID,
	// splitting the chosen candidate when it is larger than the request.
	Allocate(size uint64, taskID string) (Fragment, error)

	// Free releases the fragment owned by taskID. Unknown owners are a
	// logged no-op.
	Free(taskID string)

	// Coalesce merges adjacent free fragments and returns the number of
	// merges performed. It is idempotent.
	Coalesce() int

	// Compact reduces fragmentation. Used fragments are not relocated;
	// compaction is coalescing of adjacent free fragments.
	Compact()

	// FragmentationRatio returns 1 - largestFree/totalFree, or 0 with at
	// most one free fragment or no free memory.
	FragmentationRatio() float64

	// LargestFreeBlock returns the size of the largest free fragment.
	LargestFreeBlock() uint64

	// Halted reports whether the pool refused further allocation after
	// an invariant violation.
	Halted() bool

	// Fragments returns a snapshot copy of the fragment ledger.
	Fragments() []Fragment
}

// memPool implements Pool.
type memPool struct {
	sync.Mutex

	deviceID  string
	totalSize uint64
	allocated uint64
	free      uint64
	strategy  FitStrategy

	// fragments are kept sorted by offset and partition [0, totalSize)
	fragments []*Fragment

	halted  bool
	metrics *Metrics
}

// NewPool creates a pool for the given device with a single free fragment
// spanning the whole address space.
func NewPool(
	deviceID string,
	totalSize uint64,
	strategy FitStrategy,
	scope tally.Scope) Pool {
	p := &memPool{
		deviceID:  deviceID,
		totalSize: totalSize,
		free:      totalSize,
		strategy:  strategy,
		fragments: []*Fragment{
			{
				Offset:       0,
				Size:         totalSize,
				Free:         true,
				LastAccessed: time.Now(),
			},
		},
		metrics: NewMetrics(scope.Tagged(map[string]string{"device": deviceID})),
	}
	p.metrics.FreeBytes.Update(float64(totalSize))
	return p
}

func (p *memPool) DeviceID() string {
	return p.deviceID
}

func (p *memPool) TotalSize() uint64 {
	return p.totalSize
}

func (p *memPool) AllocatedSize() uint64 {
	p.Lock()
	defer p.Unlock()
	return p.allocated
}

func (p *memPool) FreeSize() uint64 {
	p.Lock()
	defer p.Unlock()
	return p.free
}

func (p *memPool) Strategy() FitStrategy {
	return p.strategy
}

// findCandidate returns the index of the free fragment chosen by the pool's
// fit strategy, or -1 when no free fragment is large enough. Ties go to the
// lowest offset, which the offset-ordered scan gives for free.
func (p *memPool) findCandidate(size uint64) int {
	best := -1
	for i, f := range p.fragments {
		if !f.Free || f.Size < size {
			continue
		}
		switch p.strategy {
		case FirstFit:
			return i
		case BestFit:
			if best == -1 || f.Size < p.fragments[best].Size {
				best = i
			}
		case WorstFit:
			if best == -1 || f.Size > p.fragments[best].Size {
				best = i
			}
		}
	}
	return best
}

func (p *memPool) Allocate(size uint64, taskID string) (Fragment, error) {
	p.Lock()
	defer p.Unlock()

	if p.halted {
		p.metrics.AllocateFail.Inc(1)
		return Fragment{}, ErrPoolHalted
	}
	if size == 0 {
		p.metrics.AllocateFail.Inc(1)
		return Fragment{}, errors.New("zero-size allocation")
	}

	i := p.findCandidate(size)
	if i < 0 {
		p.metrics.AllocateFail.Inc(1)
		return Fragment{}, errors.Wrapf(ErrInsufficientMemory,
			"device %s: requested %d, free %d, largest block %d",
			p.deviceID, size, p.free, p.largestFreeBlock())
	}

	now := time.Now()
	candidate := p.fragments[i]
	if candidate.Size > size {
		// split: used fragment at the candidate's offset, remainder
		// stays free after it
		remainder := &Fragment{
			Offset:       candidate.Offset + size,
			Size:         candidate.Size - size,
			Free:         true,
			LastAccessed: now,
		}
		candidate.Size = size
		p.fragments = append(p.fragments, nil)
		copy(p.fragments[i+2:], p.fragments[i+1:])
		p.fragments[i+1] = remainder
	}
	candidate.Free = false
	candidate.Owner = taskID
	candidate.LastAccessed = now

	p.allocated += size
	p.free -= size

	if err := p.checkInvariant(); err != nil {
		p.metrics.AllocateFail.Inc(1)
		return Fragment{}, err
	}

	p.metrics.AllocateSuccess.Inc(1)
	p.updateGauges()

	log.WithFields(log.Fields{
		"device":  p.deviceID,
		"task_id": taskID,
		"offset":  candidate.Offset,
		"size":    size,
	}).Debug("allocated fragment")
	return *candidate, nil
}

func (p *memPool) Free(taskID string) {
	p.Lock()
	defer p.Unlock()

	for _, f := range p.fragments {
		if f.Free || f.Owner != taskID {
			continue
		}
		f.Free = true
		f.Owner = ""
		f.LastAccessed = time.Now()
		p.allocated -= f.Size
		p.free += f.Size

		if err := p.checkInvariant(); err != nil {
			return
		}
		p.metrics.FreeOps.Inc(1)
		p.updateGauges()

		log.WithFields(log.Fields{
			"device":  p.deviceID,
			"task_id": taskID,
			"offset":  f.Offset,
			"size":    f.Size,
		}).Debug("freed fragment")
		return
	}

	log.WithFields(log.Fields{
		"device":  p.deviceID,
		"task_id": taskID,
	}).Warn("free for unknown task, ignoring")
}

func (p *memPool) Coalesce() int {
	p.Lock()
	defer p.Unlock()
	return p.coalesceLocked()
}

func (p *memPool) coalesceLocked() int {
	merges := 0
	out := p.fragments[:0]
	for _, f := range p.fragments {
		if len(out) > 0 {
			last := out[len(out)-1]
			if last.Free && f.Free {
				last.Size += f.Size
				merges++
				continue
			}
		}
		out = append(out, f)
	}
	p.fragments = out
	if merges > 0 {
		p.metrics.CoalesceMerges.Inc(int64(merges))
		p.updateGauges()
	}
	return merges
}

func (p *memPool) Compact() {
	merges := p.Coalesce()
	if merges > 0 {
		log.WithFields(log.Fields{
			"device": p.deviceID,
			"merges": merges,
		}).Info("compacted pool")
	}
}

func (p *memPool) FragmentationRatio() float64 {
	p.Lock()
	defer p.Unlock()
	return p.fragmentationRatioLocked()
}

func (p *memPool) fragmentationRatioLocked() float64 {
	if p.free == 0 {
		return 0
	}
	var largest uint64
	freeCount := 0
	for _, f := range p.fragments {
		if !f.Free {
			continue
		}
		freeCount++
		if f.Size > largest {
			largest = f.Size
		}
	}
	if freeCount <= 1 {
		return 0
	}
	return 1 - float64(largest)/float64(p.free)
}

func (p *memPool) LargestFreeBlock() uint64 {
	p.Lock()
	defer p.Unlock()
	return p.largestFreeBlock()
}

func (p *memPool) largestFreeBlock() uint64 {
	var largest uint64
	for _, f := range p.fragments {
		if f.Free && f.Size > largest {
			largest = f.Size
		}
	}
	return largest
}

func (p *memPool) Halted() bool {
	p.Lock()
	defer p.Unlock()
	return p.halted
}

func (p *memPool) Fragments() []Fragment {
	p.Lock()
	defer p.Unlock()
	out := make([]Fragment, len(p.fragments))
	for i, f := range p.fragments {
		out[i] = *f
	}
	return out
}

// checkInvariant verifies the partition and conservation invariants after a
// mutation. On violation the pool halts: further allocation is refused while
// other devices keep operating.
func (p *memPool) checkInvariant() error {
	var next uint64
	var used, free uint64
	for _, f := range p.fragments {
		if f.Offset != next {
			return p.halt(errors.Wrapf(ErrInvariantViolation,
				"device %s: fragment at offset %d, expected %d",
				p.deviceID, f.Offset, next))
		}
		next = f.end()
		if f.Free {
			free += f.Size
		} else {
			used += f.Size
		}
	}
	if next != p.totalSize {
		return p.halt(errors.Wrapf(ErrInvariantViolation,
			"device %s: fragments cover %d of %d bytes",
			p.deviceID, next, p.totalSize))
	}
	if used != p.allocated || free != p.free || used+free != p.totalSize {
		return p.halt(errors.Wrapf(ErrInvariantViolation,
			"device %s: counters allocated=%d free=%d, ledger used=%d free=%d",
			p.deviceID, p.allocated, p.free, used, free))
	}
	return nil
}

func (p *memPool) halt(err error) error {
	p.halted = true
	p.metrics.InvariantViolations.Inc(1)
	log.WithError(err).WithField("device", p.deviceID).
		Error("halting pool, allocation disabled")
	return err
}

func (p *memPool) updateGauges() {
	p.metrics.AllocatedBytes.Update(float64(p.allocated))
	p.metrics.FreeBytes.Update(float64(p.free))
	p.metrics.Fragmentation.Update(p.fragmentationRatioLocked())
	p.metrics.FragmentCount.Update(float64(len(p.fragments)))
}
