package task

import (
	"github.com/pkg/errors"
)

// Priority is the submission priority tier of a task. The scheduling policy
// maps each tier to a numeric weight; dispatch order is weight-descending.
type Priority int

const (
	// PriorityLow tasks are the first candidates for emergency cleanup.
	PriorityLow Priority = iota
	// PriorityMedium is the default tier.
	PriorityMedium
	// PriorityHigh tasks dispatch ahead of medium and low.
	PriorityHigh
	// PriorityCritical tasks dispatch ahead of everything else.
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return "unknown"
}

// ParsePriority parses a priority tier from its config representation.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "medium":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	}
	return PriorityLow, errors.Errorf("unknown priority %q", s)
}

// Priorities lists all tiers in ascending order.
func Priorities() []Priority {
	return []Priority{
		PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical,
	}
}
