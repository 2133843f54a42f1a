package scheduler

import (
	"github.com/velos-ai/gpupool/device"
	"github.com/velos-ai/gpupool/pool"
)

// DeviceStatus is the per-device slice of a status report.
type DeviceStatus struct {
	device.Info
	Fragments []pool.Fragment
}

// StatusReport is a read-only snapshot of the scheduling core for external
// dashboards and report generators.
type StatusReport struct {
	Devices                []DeviceStatus
	QueueDepth             int
	RunningCount           int
	PerDeviceFragmentation map[string]float64
}

func (m *manager) GetStatusReport() StatusReport {
	m.lock.Lock()
	defer m.lock.Unlock()

	infos := m.registry.List()
	report := StatusReport{
		Devices:                make([]DeviceStatus, 0, len(infos)),
		QueueDepth:             m.queue.Size(),
		RunningCount:           m.tracker.RunningCount(),
		PerDeviceFragmentation: make(map[string]float64, len(infos)),
	}
	for _, info := range infos {
		status := DeviceStatus{Info: info}
		if p, err := m.registry.Pool(info.ID); err == nil {
			status.Fragments = p.Fragments()
		}
		report.Devices = append(report.Devices, status)
		report.PerDeviceFragmentation[info.ID] = info.Fragmentation
	}
	return report
}
