package device

import (
	"github.com/pkg/errors"
)

// Strategy is the load-balancing rule for picking one device out of the
// eligible set.
type Strategy int

const (
	// StrategyUnspecified is the zero value, left by a config that omits
	// the field. Policy defaulting replaces it.
	StrategyUnspecified Strategy = iota
	// RoundRobin cycles through eligible devices in registration order,
	// skipping devices above 90% memory capacity.
	RoundRobin
	// LeastLoaded picks the device with the minimum utilization.
	LeastLoaded
	// BestFit picks the device whose pool has the smallest free size
	// that still satisfies the request.
	BestFit
	// Predictive scores devices by headroom: (100 - utilization) +
	// freeMemory/totalMemory * 50; the highest score wins.
	Predictive
)

func (s Strategy) String() string {
	switch s {
	case RoundRobin:
		return "round_robin"
	case LeastLoaded:
		return "least_loaded"
	case BestFit:
		return "best_fit"
	case Predictive:
		return "predictive"
	}
	return "unknown"
}

// ParseStrategy parses a load-balancing strategy from its config
// representation.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "round_robin":
		return RoundRobin, nil
	case "least_loaded":
		return LeastLoaded, nil
	case "best_fit":
		return BestFit, nil
	case "predictive":
		return Predictive, nil
	}
	return StrategyUnspecified, errors.Errorf("unknown load-balancing strategy %q", s)
}

// UnmarshalYAML implements yaml.Unmarshaler for config files.
func (s *Strategy) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := ParseStrategy(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
