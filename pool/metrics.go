package pool

import (
	"github.com/uber-go/tally"
)

// Metrics is a placeholder for all metrics in pool.
type Metrics struct {
	AllocateSuccess tally.Counter
	AllocateFail    tally.Counter
	FreeOps         tally.Counter
	CoalesceMerges  tally.Counter

	InvariantViolations tally.Counter

	AllocatedBytes tally.Gauge
	FreeBytes      tally.Gauge
	Fragmentation  tally.Gauge
	FragmentCount  tally.Gauge
}

// NewMetrics returns a new instance of pool.Metrics.
func NewMetrics(scope tally.Scope) *Metrics {
	successScope := scope.Tagged(map[string]string{"type": "success"})
	failScope := scope.Tagged(map[string]string{"type": "fail"})
	poolScope := scope.SubScope("pool")

	return &Metrics{
		AllocateSuccess: successScope.Counter("allocate"),
		AllocateFail:    failScope.Counter("allocate"),
		FreeOps:         poolScope.Counter("free"),
		CoalesceMerges:  poolScope.Counter("coalesce_merges"),

		InvariantViolations: poolScope.Counter("invariant_violations"),

		AllocatedBytes: poolScope.Gauge("allocated_bytes"),
		FreeBytes:      poolScope.Gauge("free_bytes"),
		Fragmentation:  poolScope.Gauge("fragmentation_ratio"),
		FragmentCount:  poolScope.Gauge("fragment_count"),
	}
}
