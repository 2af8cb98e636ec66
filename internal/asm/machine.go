// Package asm defines the audit state machines and applies their events against storage.
package asm

import (
	"errors"
	"fmt"
	"sort"
)

type State string

type Event string

// ErrIllegalTransition is wrapped by every IllegalTransitionError.
var ErrIllegalTransition = errors.New("illegal transition")

type IllegalTransitionError struct {
	Machine string
	State   State
	Event   Event
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("%s: event %s is not allowed in state %s", e.Machine, e.Event, e.State)
}

func (e *IllegalTransitionError) Unwrap() error {
	return ErrIllegalTransition
}

// Definition is a closed state machine: every state, every event and the partial
// transition function between them.
type Definition struct {
	Name        string
	Initial     State
	States      []State
	Events      []Event
	Transitions map[State]map[Event]State
	// Terminal lists the states no event leaves.
	Terminal []State
}

// Apply returns the state reached by event from current.
func (d *Definition) Apply(current State, event Event) (State, error) {
	next, ok := d.Transitions[current][event]
	if !ok {
		return current, &IllegalTransitionError{Machine: d.Name, State: current, Event: event}
	}
	return next, nil
}

func (d *Definition) HasState(s State) bool {
	_, ok := d.Transitions[s]
	return ok
}

func (d *Definition) HasEvent(e Event) bool {
	for _, ev := range d.Events {
		if ev == e {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is one of the terminal states.
func (d *Definition) IsTerminal(s State) bool {
	for _, t := range d.Terminal {
		if t == s {
			return true
		}
	}
	return false
}

// Sources is the set of states in which event is accepted.
func (d *Definition) Sources(event Event) map[State]bool {
	sources := make(map[State]bool)
	for from, events := range d.Transitions {
		if _, ok := events[event]; ok {
			sources[from] = true
		}
	}
	return sources
}

// Validate checks that the table only mentions declared states and events.
func (d *Definition) Validate() error {
	if !d.HasState(d.Initial) {
		return fmt.Errorf("%s: initial state %s is not declared", d.Name, d.Initial)
	}
	for _, s := range d.Terminal {
		if len(d.Transitions[s]) != 0 {
			return fmt.Errorf("%s: terminal state %s has outgoing transitions", d.Name, s)
		}
	}
	if len(d.States) != len(d.Transitions) {
		return fmt.Errorf("%s: %d states declared but %d have transition entries", d.Name, len(d.States), len(d.Transitions))
	}
	events := make(map[Event]bool, len(d.Events))
	for _, e := range d.Events {
		events[e] = true
	}
	for from, row := range d.Transitions {
		for e, to := range row {
			if !events[e] {
				return fmt.Errorf("%s: transition from %s uses undeclared event %s", d.Name, from, e)
			}
			if !d.HasState(to) {
				return fmt.Errorf("%s: transition %s --%s--> %s targets an undeclared state", d.Name, from, e, to)
			}
		}
	}
	return nil
}

// newDefinition fills States and Events from the table in a stable order.
func newDefinition(name string, initial State, transitions map[State]map[Event]State) *Definition {
	d := &Definition{Name: name, Initial: initial, Transitions: transitions}
	events := make(map[Event]bool)
	for s, row := range transitions {
		d.States = append(d.States, s)
		if len(row) == 0 {
			d.Terminal = append(d.Terminal, s)
		}
		for e := range row {
			events[e] = true
		}
	}
	for e := range events {
		d.Events = append(d.Events, e)
	}
	sort.Slice(d.States, func(i, j int) bool { return d.States[i] < d.States[j] })
	sort.Slice(d.Events, func(i, j int) bool { return d.Events[i] < d.Events[j] })
	sort.Slice(d.Terminal, func(i, j int) bool { return d.Terminal[i] < d.Terminal[j] })
	return d
}

var registry = map[string]*Definition{}

func register(d *Definition) *Definition {
	if err := d.Validate(); err != nil {
		panic(err)
	}
	registry[d.Name] = d
	return d
}

// Lookup returns the machine registered under name.
func Lookup(name string) (*Definition, bool) {
	d, ok := registry[name]
	return d, ok
}
