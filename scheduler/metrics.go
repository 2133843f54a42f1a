package scheduler

import (
	"github.com/uber-go/tally"
)

// Metrics is a placeholder for all metrics in scheduler.
type Metrics struct {
	APISubmit   tally.Counter
	APIComplete tally.Counter
	APICancel   tally.Counter

	SubmitSuccess tally.Counter
	SubmitFail    tally.Counter

	DispatchSuccess   tally.Counter
	DispatchNoDevice  tally.Counter
	DispatchAllocFail tally.Counter

	EvictedTasks   tally.Counter
	DeviceFailures tally.Counter

	QueueDepth   tally.Gauge
	RunningTasks tally.Gauge
}

// NewMetrics returns a new instance of scheduler.Metrics.
func NewMetrics(scope tally.Scope) *Metrics {
	apiScope := scope.SubScope("api")
	successScope := scope.Tagged(map[string]string{"type": "success"})
	failScope := scope.Tagged(map[string]string{"type": "fail"})
	dispatchScope := scope.SubScope("dispatch")

	return &Metrics{
		APISubmit:   apiScope.Counter("submit_task"),
		APIComplete: apiScope.Counter("report_completion"),
		APICancel:   apiScope.Counter("cancel_task"),

		SubmitSuccess: successScope.Counter("submit_task"),
		SubmitFail:    failScope.Counter("submit_task"),

		DispatchSuccess:   dispatchScope.Counter("success"),
		DispatchNoDevice:  dispatchScope.Counter("no_eligible_device"),
		DispatchAllocFail: dispatchScope.Counter("allocation_failed"),

		EvictedTasks:   scope.Counter("evicted_tasks"),
		DeviceFailures: scope.Counter("device_failures"),

		QueueDepth:   scope.Gauge("queue_depth"),
		RunningTasks: scope.Gauge("running_tasks"),
	}
}
