package statemachine

import (
	"context"
	"fmt"
	"sync"
)

// Guard reports whether a transition may proceed.
type Guard[S, E comparable] func(ctx context.Context, from S, event E) bool

// Action runs while a transition is applied. Returning an error keeps the
// machine in its current state.
type Action[S, E comparable] func(ctx context.Context, from, to S, event E) error

// Listener observes completed transitions.
type Listener[S, E comparable] func(from, to S, event E)

// Transition is a state change triggered by an event.
type Transition[S, E comparable] struct {
	From    S
	To      S
	Event   E
	Guards  []Guard[S, E]  // all must pass
	Actions []Action[S, E] // run in order before the state changes
}

// Machine is a thread-safe in-memory finite state machine over typed states
// and events. Transitions are looked up by [from][event]; when several share
// the same pair, the first one whose guards pass wins.
type Machine[S, E comparable] struct {
	mu          sync.RWMutex
	initial     S
	current     S
	transitions map[S]map[E][]Transition[S, E]
	listeners   []Listener[S, E]
}

func newMachine[S, E comparable](initial S) *Machine[S, E] {
	return &Machine[S, E]{
		initial:     initial,
		current:     initial,
		transitions: make(map[S]map[E][]Transition[S, E]),
	}
}

// Current returns the current state.
func (m *Machine[S, E]) Current() S {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Is reports whether the machine is in state s.
func (m *Machine[S, E]) Is(s S) bool {
	return m.Current() == s
}

// AddTransition registers a transition. Transitions sharing a state and event
// are tried in the order they were added.
func (m *Machine[S, E]) AddTransition(t Transition[S, E]) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.transitions[t.From]; !ok {
		m.transitions[t.From] = make(map[E][]Transition[S, E])
	}
	for _, prev := range m.transitions[t.From][t.Event] {
		if len(prev.Guards) == 0 {
			return fmt.Errorf("%w: %v on %v", ErrUnreachableTransition, t.From, t.Event)
		}
	}
	m.transitions[t.From][t.Event] = append(m.transitions[t.From][t.Event], t)
	return nil
}

// Fire applies the first transition from the current state on event whose
// guards pass. Actions run under the machine lock, so they must not call back
// into the machine.
func (m *Machine[S, E]) Fire(ctx context.Context, event E) error {
	m.mu.Lock()

	from := m.current
	t, err := m.match(ctx, from, event)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	for _, action := range t.Actions {
		if err := action(ctx, from, t.To, event); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("action failed: %w", err)
		}
	}

	m.current = t.To
	listeners := m.listeners
	m.mu.Unlock()

	for _, l := range listeners {
		l(from, t.To, event)
	}
	return nil
}

// CanFire reports whether Fire would find a transition for event.
func (m *Machine[S, E]) CanFire(ctx context.Context, event E) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, err := m.match(ctx, m.current, event)
	return err == nil
}

// Events lists the events that have a transition out of the current state,
// guards not evaluated.
func (m *Machine[S, E]) Events() []E {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]E, 0, len(m.transitions[m.current]))
	for e := range m.transitions[m.current] {
		events = append(events, e)
	}
	return events
}

// Reset returns the machine to its initial state without running actions.
func (m *Machine[S, E]) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = m.initial
}

// match must be called with the lock held.
func (m *Machine[S, E]) match(ctx context.Context, from S, event E) (*Transition[S, E], error) {
	candidates := m.transitions[from][event]
	if len(candidates) == 0 {
		return nil, NewErrNoTransitionAvailable(from, event)
	}

	for i := range candidates {
		if passes(ctx, candidates[i].Guards, from, event) {
			return &candidates[i], nil
		}
	}
	return nil, NewErrTransitionRejected(from, event)
}

func passes[S, E comparable](ctx context.Context, guards []Guard[S, E], from S, event E) bool {
	for _, g := range guards {
		if g != nil && !g(ctx, from, event) {
			return false
		}
	}
	return true
}
