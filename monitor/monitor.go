package monitor

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/uber-go/tally"

	"github.com/velos-ai/gpupool/device"
)

// Thresholds are memory usage ratios, as fractions of device capacity, at
// which the monitor reacts.
type Thresholds struct {
	Warning   float64 `yaml:"warning" validate:"min=0,max=1"`
	Critical  float64 `yaml:"critical" validate:"min=0,max=1"`
	Emergency float64 `yaml:"emergency" validate:"min=0,max=1"`
}

// Config is the threshold monitor configuration.
type Config struct {
	Thresholds Thresholds `yaml:"memory_thresholds"`
	// CompactionThreshold is the fragmentation ratio above which the
	// monitor compacts a device pool.
	CompactionThreshold float64 `yaml:"compaction_threshold" validate:"min=0,max=1"`
}

// Evictor is the monitor's hook back into the scheduler for emergency
// reclamation. Injected to keep the monitor free of scheduler internals.
type Evictor interface {
	// EvictLowestPriorityTier cancels all running tasks on the device
	// that belong to the lowest priority tier present, freeing their
	// memory. Returns the number of cancelled tasks and freed bytes.
	EvictLowestPriorityTier(deviceID string) (int, uint64)

	// TriggerDispatch re-runs the dispatch loop; freed capacity may
	// unblock queued tasks.
	TriggerDispatch()
}

// Monitor inspects every device on each tick: refreshes telemetry, walks
// the memory threshold ladder, and compacts fragmented pools. It does not
// own a timer; the caller drives RunOnce.
type Monitor struct {
	cfg      Config
	registry device.Registry
	provider device.TelemetryProvider
	evictor  Evictor
	metrics  *Metrics
}

// New creates a threshold monitor. provider may be nil when no telemetry
// collaborator is wired in.
func New(
	cfg Config,
	registry device.Registry,
	provider device.TelemetryProvider,
	evictor Evictor,
	scope tally.Scope) *Monitor {
	return &Monitor{
		cfg:      cfg,
		registry: registry,
		provider: provider,
		evictor:  evictor,
		metrics:  NewMetrics(scope.SubScope("monitor")),
	}
}

// RunOnce performs one monitor pass over all devices. Per-device failures
// are collected; one bad device does not stop the pass.
func (m *Monitor) RunOnce() error {
	m.metrics.Ticks.Inc(1)

	var result *multierror.Error
	m.refreshTelemetry(&result)

	for _, info := range m.registry.List() {
		if !info.Available {
			continue
		}
		if err := m.checkDevice(info); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (m *Monitor) refreshTelemetry(result **multierror.Error) {
	if m.provider == nil {
		return
	}
	samples, err := m.provider.Poll()
	if err != nil {
		*result = multierror.Append(*result,
			errors.Wrap(err, "telemetry poll failed"))
		return
	}
	for _, sample := range samples {
		if err := m.registry.Refresh(sample); err != nil {
			*result = multierror.Append(*result,
				errors.Wrapf(err, "telemetry refresh for %s", sample.DeviceID))
		}
	}
}

func (m *Monitor) checkDevice(info device.Info) error {
	usage := 0.0
	if info.TotalMemory > 0 {
		usage = float64(info.UsedMemory) / float64(info.TotalMemory)
	}

	switch {
	case usage >= m.cfg.Thresholds.Emergency:
		m.metrics.EmergencyTriggers.Inc(1)
		log.WithFields(log.Fields{
			"device":      info.ID,
			"usage_ratio": usage,
			"threshold":   m.cfg.Thresholds.Emergency,
		}).Error("emergency memory threshold crossed, evicting lowest priority tier")

		cancelled, freed := m.evictor.EvictLowestPriorityTier(info.ID)
		log.WithFields(log.Fields{
			"device":      info.ID,
			"cancelled":   cancelled,
			"freed_bytes": freed,
		}).Warn("emergency cleanup finished")
		if cancelled > 0 {
			m.metrics.EvictedTasks.Inc(int64(cancelled))
			m.evictor.TriggerDispatch()
		}
	case usage >= m.cfg.Thresholds.Critical:
		m.metrics.CriticalAlerts.Inc(1)
		log.WithFields(log.Fields{
			"device":      info.ID,
			"usage_ratio": usage,
		}).Error("critical memory threshold crossed")
	case usage >= m.cfg.Thresholds.Warning:
		m.metrics.WarningAlerts.Inc(1)
		log.WithFields(log.Fields{
			"device":      info.ID,
			"usage_ratio": usage,
		}).Warn("warning memory threshold crossed")
	}

	p, err := m.registry.Pool(info.ID)
	if err != nil {
		return errors.Wrapf(err, "pool lookup for %s", info.ID)
	}
	if ratio := p.FragmentationRatio(); ratio > m.cfg.CompactionThreshold {
		log.WithFields(log.Fields{
			"device":        info.ID,
			"fragmentation": ratio,
		}).Info("fragmentation above threshold, compacting")
		p.Compact()
		m.metrics.Compactions.Inc(1)
	}
	return nil
}
