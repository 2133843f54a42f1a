package pool

import (
	"github.com/pkg/errors"
)

// FitStrategy is the rule for choosing which free fragment satisfies an
// allocation request.
type FitStrategy int

const (
	// FitStrategyUnspecified is the zero value, left by a config that
	// omits the field. Policy defaulting replaces it.
	FitStrategyUnspecified FitStrategy = iota
	// FirstFit picks the first free fragment in offset order that is
	// large enough.
	FirstFit
	// BestFit picks the smallest free fragment that is still large
	// enough, lowest offset on ties.
	BestFit
	// WorstFit picks the largest free fragment, lowest offset on ties.
	WorstFit
)

func (s FitStrategy) String() string {
	switch s {
	case FirstFit:
		return "first_fit"
	case BestFit:
		return "best_fit"
	case WorstFit:
		return "worst_fit"
	}
	return "unknown"
}

// ParseFitStrategy parses a fit strategy from its config representation.
func ParseFitStrategy(s string) (FitStrategy, error) {
	switch s {
	case "first_fit":
		return FirstFit, nil
	case "best_fit":
		return BestFit, nil
	case "worst_fit":
		return WorstFit, nil
	}
	return FitStrategyUnspecified, errors.Errorf("unknown fit strategy %q", s)
}

// UnmarshalYAML implements yaml.Unmarshaler for config files.
func (s *FitStrategy) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := ParseFitStrategy(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
