package device

// Sample is one telemetry reading for a device, supplied by an external
// collaborator. Utilization and temperature are taken as ground truth;
// the memory figures are informational only, since the allocator ledger
// stays authoritative for allocation decisions.
type Sample struct {
	DeviceID        string
	Utilization     float64
	Temperature     float64
	UsedMemoryBytes uint64
	FreeMemoryBytes uint64
}

// TelemetryProvider supplies telemetry samples on demand. The core never
// polls hardware itself; implementations may shell out to vendor tooling,
// scrape an exporter, or synthesize values.
type TelemetryProvider interface {
	// Poll returns the latest sample per device.
	Poll() ([]Sample, error)
}
