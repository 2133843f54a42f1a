package device

import (
	"github.com/velos-ai/gpupool/pool"
)

// Config describes one device to register.
type Config struct {
	ID          string `yaml:"id" validate:"nonzero"`
	MemoryBytes uint64 `yaml:"memory_bytes" validate:"min=1"`
	// Capabilities are the task kinds the device can run. Empty means
	// the device runs any kind.
	Capabilities []string `yaml:"capabilities"`
}

// Requirement is the device-facing view of a task: what it needs to be
// admitted.
type Requirement struct {
	Kind        string
	MemoryBytes uint64
}

// Info is a read-only snapshot of a device for reports and selection.
type Info struct {
	ID            string
	TotalMemory   uint64
	UsedMemory    uint64
	FreeMemory    uint64
	Utilization   float64
	Temperature   float64
	Available     bool
	Capabilities  []string
	Fragmentation float64
}

// device is the registry's record of one device. Memory accounting lives in
// the pool ledger, which stays authoritative for allocation decisions;
// utilization and temperature come from telemetry.
type device struct {
	id string
	// index is the registration position, fixed for the lifetime of the
	// registry
	index        int
	totalMemory  uint64
	capabilities map[string]struct{}
	available    bool
	utilization  float64
	temperature  float64
	pool         pool.Pool
}

func (d *device) supports(kind string) bool {
	if len(d.capabilities) == 0 || kind == "" {
		return true
	}
	_, ok := d.capabilities[kind]
	return ok
}

func (d *device) usageRatio() float64 {
	if d.totalMemory == 0 {
		return 0
	}
	return float64(d.pool.AllocatedSize()) / float64(d.totalMemory)
}

func (d *device) info() Info {
	caps := make([]string, 0, len(d.capabilities))
	for c := range d.capabilities {
		caps = append(caps, c)
	}
	used := d.pool.AllocatedSize()
	return Info{
		ID:            d.id,
		TotalMemory:   d.totalMemory,
		UsedMemory:    used,
		FreeMemory:    d.totalMemory - used,
		Utilization:   d.utilization,
		Temperature:   d.temperature,
		Available:     d.available,
		Capabilities:  caps,
		Fragmentation: d.pool.FragmentationRatio(),
	}
}
