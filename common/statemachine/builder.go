package statemachine

import (
	"github.com/pkg/errors"
)

// Builder is the state machine builder.
type Builder struct {
	rules              map[State]*Rule
	current            State
	name               string
	transitionCallback Callback
}

// NewBuilder creates a new state machine builder.
func NewBuilder() *Builder {
	return &Builder{
		rules: make(map[State]*Rule),
	}
}

// WithName adds the name to the state machine.
func (b *Builder) WithName(name string) *Builder {
	b.name = name
	return b
}

// WithCurrentState adds the initial state.
func (b *Builder) WithCurrentState(current State) *Builder {
	b.current = current
	return b
}

// AddRule adds a transition rule for the state machine.
func (b *Builder) AddRule(rule *Rule) *Builder {
	b.rules[rule.From] = rule
	return b
}

// WithTransitionCallback adds the global transition callback.
func (b *Builder) WithTransitionCallback(callback Callback) *Builder {
	b.transitionCallback = callback
	return b
}

// Build builds the state machine.
func (b *Builder) Build() (StateMachine, error) {
	sm, err := NewStateMachine(
		b.name,
		b.current,
		b.rules,
		b.transitionCallback,
	)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return sm, nil
}
