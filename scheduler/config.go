package scheduler

import (
	"github.com/velos-ai/gpupool/device"
	"github.com/velos-ai/gpupool/monitor"
	"github.com/velos-ai/gpupool/pool"
	"github.com/velos-ai/gpupool/task"
)

const (
	defaultMaxConcurrentTasks  = 8
	defaultQueueLimit          = 10000
	defaultCompactionThreshold = 0.3

	defaultWarningThreshold   = 0.70
	defaultCriticalThreshold  = 0.85
	defaultEmergencyThreshold = 0.95
)

// default weights per priority tier
var defaultPriorityWeights = map[string]int{
	task.PriorityLow.String():      1,
	task.PriorityMedium.String():   5,
	task.PriorityHigh.String():     10,
	task.PriorityCritical.String(): 20,
}

// Policy is the immutable scheduling configuration.
type Policy struct {
	// MaxConcurrentTasks caps tasks in RUNNING across all devices.
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks" validate:"min=1"`

	// PriorityWeights maps priority tier names to queue weights.
	PriorityWeights map[string]int `yaml:"priority_weights"`

	// MemoryThresholds are the monitor's warning/critical/emergency
	// usage ratios.
	MemoryThresholds monitor.Thresholds `yaml:"memory_thresholds"`

	// LoadBalancing is the device selection strategy.
	LoadBalancing device.Strategy `yaml:"load_balancing"`

	// FitStrategy is the fragment fit strategy of every device pool.
	FitStrategy pool.FitStrategy `yaml:"fit_strategy"`

	// CompactionThreshold is the fragmentation ratio above which the
	// monitor compacts a pool.
	CompactionThreshold float64 `yaml:"compaction_threshold"`

	// QueueLimit caps the number of queued tasks.
	QueueLimit int64 `yaml:"queue_limit"`
}

// DefaultPolicy returns the policy used when fields are left unset.
func DefaultPolicy() Policy {
	return Policy{
		MaxConcurrentTasks: defaultMaxConcurrentTasks,
		PriorityWeights:    defaultPriorityWeights,
		MemoryThresholds: monitor.Thresholds{
			Warning:   defaultWarningThreshold,
			Critical:  defaultCriticalThreshold,
			Emergency: defaultEmergencyThreshold,
		},
		LoadBalancing:       device.RoundRobin,
		FitStrategy:         pool.BestFit,
		CompactionThreshold: defaultCompactionThreshold,
		QueueLimit:          defaultQueueLimit,
	}
}

// Normalize fills unset fields with defaults. NewManager applies it to its
// own copy; callers that build a registry from the same policy should apply
// it first so the pools get the defaulted fit strategy.
func (p *Policy) Normalize() {
	def := DefaultPolicy()
	if p.MaxConcurrentTasks == 0 {
		p.MaxConcurrentTasks = def.MaxConcurrentTasks
	}
	if p.PriorityWeights == nil {
		p.PriorityWeights = def.PriorityWeights
	}
	if p.MemoryThresholds == (monitor.Thresholds{}) {
		p.MemoryThresholds = def.MemoryThresholds
	}
	if p.LoadBalancing == device.StrategyUnspecified {
		p.LoadBalancing = def.LoadBalancing
	}
	if p.FitStrategy == pool.FitStrategyUnspecified {
		p.FitStrategy = def.FitStrategy
	}
	if p.CompactionThreshold == 0 {
		p.CompactionThreshold = def.CompactionThreshold
	}
	if p.QueueLimit == 0 {
		p.QueueLimit = def.QueueLimit
	}
}

// Weight returns the queue weight of a priority tier.
func (p *Policy) Weight(tier task.Priority) int {
	if w, ok := p.PriorityWeights[tier.String()]; ok {
		return w
	}
	return defaultPriorityWeights[tier.String()]
}
