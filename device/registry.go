package device

import (
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/uber-go/tally"

	"github.com/velos-ai/gpupool/pool"
)

// round-robin skips devices whose memory usage is above this ratio
const rrCapacitySkipRatio = 0.9

var (
	// ErrNotFound is returned when a device id is unknown.
	ErrNotFound = errors.New("device not found")

	// ErrAlreadyRegistered is returned when registering a duplicate id.
	ErrAlreadyRegistered = errors.New("device already registered")

	// ErrNoEligibleDevice is returned when no device satisfies the
	// selection constraints.
	ErrNoEligibleDevice = errors.New("no eligible device")
)

// Registry tracks the devices visible to the controller: capacity,
// availability, telemetry, and their memory pools. Devices are never
// removed during a run; offline devices are marked unavailable so in-flight
// fragment accounting stays valid.
type Registry interface {
	// Register adds a device and initializes its memory pool.
	Register(cfg Config) error

	// Get returns a snapshot of the device.
	Get(id string) (Info, error)

	// Pool returns the device's memory pool.
	Pool(id string) (pool.Pool, error)

	// List returns snapshots of all devices in registration order.
	List() []Info

	// SetAvailable flips the device availability flag on an external
	// health signal.
	SetAvailable(id string, available bool) error

	// Refresh applies a telemetry sample to the device.
	Refresh(sample Sample) error

	// Eligible returns ids of devices, in registration order, that can
	// admit the requirement: available, capability match, and a free
	// fragment large enough (the fragmentation-aware check; the final
	// word stays with the allocator at dispatch time).
	Eligible(req Requirement) []string

	// Select picks one device out of the eligible set per the strategy.
	Select(strategy Strategy, eligible []string, req Requirement) (string, error)
}

// registry implements Registry.
type registry struct {
	sync.RWMutex

	devices map[string]*device
	// order preserves registration order for round-robin and listings
	order []string
	// rrLast is the id of the last round-robin pick; rotation resumes
	// after it in registration order, so the cursor stays meaningful
	// when the eligible set changes between calls
	rrLast string

	fitStrategy pool.FitStrategy
	scope       tally.Scope
	metrics     *Metrics
}

// NewRegistry creates an empty device registry whose pools allocate with
// the given fit strategy.
func NewRegistry(fitStrategy pool.FitStrategy, scope tally.Scope) Registry {
	return &registry{
		devices:     make(map[string]*device),
		fitStrategy: fitStrategy,
		scope:       scope,
		metrics:     NewMetrics(scope.SubScope("registry")),
	}
}

func (r *registry) Register(cfg Config) error {
	r.Lock()
	defer r.Unlock()

	if _, ok := r.devices[cfg.ID]; ok {
		return errors.Wrap(ErrAlreadyRegistered, cfg.ID)
	}

	caps := make(map[string]struct{}, len(cfg.Capabilities))
	for _, c := range cfg.Capabilities {
		caps[c] = struct{}{}
	}
	d := &device{
		id:           cfg.ID,
		index:        len(r.order),
		totalMemory:  cfg.MemoryBytes,
		capabilities: caps,
		available:    true,
		pool:         pool.NewPool(cfg.ID, cfg.MemoryBytes, r.fitStrategy, r.scope),
	}
	r.devices[cfg.ID] = d
	r.order = append(r.order, cfg.ID)

	r.metrics.Registered.Inc(1)
	r.metrics.Available.Update(float64(r.availableCount()))
	log.WithFields(log.Fields{
		"device":       cfg.ID,
		"memory_bytes": cfg.MemoryBytes,
		"capabilities": cfg.Capabilities,
	}).Info("registered device")
	return nil
}

func (r *registry) Get(id string) (Info, error) {
	r.RLock()
	defer r.RUnlock()
	d, ok := r.devices[id]
	if !ok {
		return Info{}, errors.Wrap(ErrNotFound, id)
	}
	return d.info(), nil
}

func (r *registry) Pool(id string) (pool.Pool, error) {
	r.RLock()
	defer r.RUnlock()
	d, ok := r.devices[id]
	if !ok {
		return nil, errors.Wrap(ErrNotFound, id)
	}
	return d.pool, nil
}

func (r *registry) List() []Info {
	r.RLock()
	defer r.RUnlock()
	out := make([]Info, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.devices[id].info())
	}
	return out
}

func (r *registry) SetAvailable(id string, available bool) error {
	r.Lock()
	defer r.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return errors.Wrap(ErrNotFound, id)
	}
	if d.available == available {
		return nil
	}
	d.available = available
	r.metrics.Available.Update(float64(r.availableCount()))
	log.WithFields(log.Fields{
		"device":    id,
		"available": available,
	}).Info("device availability changed")
	return nil
}

func (r *registry) Refresh(sample Sample) error {
	r.Lock()
	defer r.Unlock()
	d, ok := r.devices[sample.DeviceID]
	if !ok {
		return errors.Wrap(ErrNotFound, sample.DeviceID)
	}
	d.utilization = sample.Utilization
	d.temperature = sample.Temperature

	// the ledger is authoritative for memory; disagreement is only
	// worth a trace
	if sample.UsedMemoryBytes != d.pool.AllocatedSize() {
		log.WithFields(log.Fields{
			"device":         sample.DeviceID,
			"telemetry_used": sample.UsedMemoryBytes,
			"ledger_used":    d.pool.AllocatedSize(),
		}).Debug("telemetry memory disagrees with allocator ledger")
	}
	return nil
}

func (r *registry) Eligible(req Requirement) []string {
	r.RLock()
	defer r.RUnlock()
	var out []string
	for _, id := range r.order {
		d := r.devices[id]
		if !d.available || d.pool.Halted() {
			continue
		}
		if !d.supports(req.Kind) {
			continue
		}
		if d.pool.LargestFreeBlock() < req.MemoryBytes {
			continue
		}
		out = append(out, id)
	}
	return out
}

func (r *registry) Select(
	strategy Strategy,
	eligible []string,
	req Requirement) (string, error) {
	r.Lock()
	defer r.Unlock()

	if len(eligible) == 0 {
		return "", ErrNoEligibleDevice
	}

	switch strategy {
	case RoundRobin:
		return r.selectRoundRobin(eligible)
	case LeastLoaded:
		return r.selectLeastLoaded(eligible)
	case BestFit:
		return r.selectBestFit(eligible, req)
	case Predictive:
		return r.selectPredictive(eligible)
	}
	return "", errors.Errorf("unknown strategy %v", strategy)
}

// selectRoundRobin resumes after the last pick in registration order.
// eligible arrives in registration order from Eligible.
func (r *registry) selectRoundRobin(eligible []string) (string, error) {
	start := 0
	if last, ok := r.devices[r.rrLast]; ok {
		for i, id := range eligible {
			if r.devices[id].index > last.index {
				start = i
				break
			}
		}
	}
	for i := 0; i < len(eligible); i++ {
		id := eligible[(start+i)%len(eligible)]
		if r.devices[id].usageRatio() > rrCapacitySkipRatio {
			continue
		}
		r.rrLast = id
		return id, nil
	}
	return "", errors.Wrap(ErrNoEligibleDevice,
		"all eligible devices above capacity skip threshold")
}

func (r *registry) selectLeastLoaded(eligible []string) (string, error) {
	best := eligible[0]
	for _, id := range eligible[1:] {
		if r.devices[id].utilization < r.devices[best].utilization {
			best = id
		}
	}
	return best, nil
}

func (r *registry) selectBestFit(eligible []string, req Requirement) (string, error) {
	best := ""
	var bestFree uint64
	for _, id := range eligible {
		free := r.devices[id].pool.FreeSize()
		if free < req.MemoryBytes {
			continue
		}
		if best == "" || free < bestFree {
			best = id
			bestFree = free
		}
	}
	if best == "" {
		return "", ErrNoEligibleDevice
	}
	return best, nil
}

func (r *registry) selectPredictive(eligible []string) (string, error) {
	best := eligible[0]
	bestScore := r.predictiveScore(best)
	for _, id := range eligible[1:] {
		if score := r.predictiveScore(id); score > bestScore {
			best = id
			bestScore = score
		}
	}
	return best, nil
}

func (r *registry) predictiveScore(id string) float64 {
	d := r.devices[id]
	free := float64(d.totalMemory-d.pool.AllocatedSize()) / float64(d.totalMemory)
	return (100 - d.utilization) + free*50
}

func (r *registry) availableCount() int {
	n := 0
	for _, d := range r.devices {
		if d.available {
			n++
		}
	}
	return n
}
