package statemachine

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const createStateReason = "object created"

// State represents a state of the state machine.
type State string

// Rule defines the allowed transitions out of one source state. A rule maps
// a single source state to the set of destination states reachable from it,
// with an optional callback invoked after leaving the source state.
type Rule struct {
	// From is the source state
	From State
	// To is the set of reachable destination states
	To []State
	// Callback is invoked after a transition out of From succeeds
	Callback func(*Transition) error
}

// Callback is the type for transition callback functions.
type Callback func(*Transition) error

// Transition carries the context of one state change into callbacks.
type Transition struct {
	StateMachine StateMachine
	From         State
	To           State
	Reason       string
	Params       []interface{}
}

// StateMachine is the interface wrapping the state machine object,
// used to not expose the full object.
type StateMachine interface {
	// TransitTo transits the object to the desired state
	TransitTo(to State, reason string, args ...interface{}) error

	// GetCurrentState returns the current state
	GetCurrentState() State

	// GetReason returns the reason for the last transition
	GetReason() string

	// GetName returns the name of the state machine object
	GetName() string

	// GetLastUpdateTime returns the time of the last transition
	GetLastUpdateTime() time.Time
}

// statemachine moves an object between states according to its rules and
// invokes the per-rule and global callbacks on each transition.
type statemachine struct {
	sync.RWMutex

	// name of the object the state machine is associated with, used by
	// clients to identify the object inside callbacks
	name string

	// current state of the object
	current State

	// rules keyed by source state
	rules map[State]*Rule

	// global callback applied to every transition
	transitionCallback Callback

	// lastUpdatedTime records when the last transition happened
	lastUpdatedTime time.Time

	// reason records the reason for the last transition
	reason string
}

// NewStateMachine creates a new state machine which clients can use to do
// transitions on the object.
func NewStateMachine(
	name string,
	current State,
	rules map[State]*Rule,
	transitionCallback Callback,
) (StateMachine, error) {

	sm := &statemachine{
		name:               name,
		current:            current,
		rules:              make(map[State]*Rule),
		transitionCallback: transitionCallback,
		lastUpdatedTime:    time.Now(),
		reason:             createStateReason,
	}

	if err := sm.addRules(rules); err != nil {
		return nil, err
	}
	return sm, nil
}

// addRules validates and installs the transition rules.
func (sm *statemachine) addRules(rules map[State]*Rule) error {
	for _, r := range rules {
		if err := validateRule(r); err != nil {
			return err
		}
	}
	sm.rules = rules
	return nil
}

// validateRule rejects rules with duplicate destination states.
func validateRule(rule *Rule) error {
	dests := make(map[State]bool)
	for _, s := range rule.To {
		if dests[s] {
			return errors.Errorf(
				"invalid rule from %s: duplicate destination %s", rule.From, s)
		}
		dests[s] = true
	}
	return nil
}

// TransitTo is called by clients to move from one state to another. The
// per-rule callback and the global transition callback run after a valid
// transition, in that order.
func (sm *statemachine) TransitTo(to State, reason string, args ...interface{}) error {
	sm.Lock()
	defer sm.Unlock()

	if err := sm.isValidTransition(to); err != nil {
		return err
	}

	from := sm.current

	t := &Transition{
		StateMachine: sm,
		From:         from,
		To:           to,
		Reason:       reason,
		Params:       args,
	}

	sm.current = to
	sm.lastUpdatedTime = time.Now()
	sm.reason = reason

	if sm.rules[from].Callback != nil {
		if err := sm.rules[from].Callback(t); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"name": sm.name,
				"from": from,
				"to":   to,
			}).Error("transition callback failed")
			return err
		}
	}

	if sm.transitionCallback != nil {
		if err := sm.transitionCallback(t); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"name": sm.name,
				"from": from,
				"to":   to,
			}).Error("global transition callback failed")
			return err
		}
	}
	return nil
}

// isValidTransition checks whether the rules allow moving from the current
// state to the destination state.
func (sm *statemachine) isValidTransition(to State) error {
	if sm.current == to {
		return errors.Errorf("%s is already in state %s", sm.name, to)
	}
	if rule, ok := sm.rules[sm.current]; ok {
		for _, dest := range rule.To {
			if dest == to {
				return nil
			}
		}
	}
	return errors.Errorf("invalid transition for %s [from %s to %s]",
		sm.name, sm.current, to)
}

// GetCurrentState returns the current state of the state machine.
func (sm *statemachine) GetCurrentState() State {
	sm.RLock()
	defer sm.RUnlock()
	return sm.current
}

func (sm *statemachine) GetReason() string {
	sm.RLock()
	defer sm.RUnlock()
	return sm.reason
}

func (sm *statemachine) GetLastUpdateTime() time.Time {
	sm.RLock()
	defer sm.RUnlock()
	return sm.lastUpdatedTime
}

// GetName returns the name of the state machine object.
func (sm *statemachine) GetName() string {
	return sm.name
}
