package main

import (
	"math/rand"

	"github.com/velos-ai/gpupool/device"
)

// simulatedTelemetry synthesizes plausible utilization and temperature
// readings from the allocator's own ledger, for standalone runs without
// vendor tooling. A production deployment swaps in a provider backed by
// nvidia-smi/NVML or an exporter.
type simulatedTelemetry struct {
	registry device.Registry
}

func newSimulatedTelemetry(registry device.Registry) device.TelemetryProvider {
	return &simulatedTelemetry{registry: registry}
}

func (s *simulatedTelemetry) Poll() ([]device.Sample, error) {
	infos := s.registry.List()
	samples := make([]device.Sample, 0, len(infos))
	for _, info := range infos {
		usage := 0.0
		if info.TotalMemory > 0 {
			usage = float64(info.UsedMemory) / float64(info.TotalMemory)
		}
		samples = append(samples, device.Sample{
			DeviceID:        info.ID,
			Utilization:     clamp(usage*100+rand.Float64()*10, 0, 100),
			Temperature:     40 + usage*45 + rand.Float64()*5,
			UsedMemoryBytes: info.UsedMemory,
			FreeMemoryBytes: info.FreeMemory,
		})
	}
	return samples, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
