package statemachine

import (
	"context"
	"fmt"
	"sync"
)

// Table is a transition table shared across many aggregate instances.
// Unlike a classic FSM that owns its current state, the table is stateless:
// callers pass the aggregate's current state to every Fire call and persist
// the returned state themselves. This lets one table validate transitions for
// any number of concurrently-processed aggregates.
//
// Uses a nested map structure for O(1) lookups: [fromState][event][]Transition.
type Table struct {
	transitions map[string]map[string][]Transition
	mu          sync.RWMutex
}

// New creates a transition table and applies the given options.
func New(opts ...Option) (*Table, error) {
	t := &Table{
		transitions: make(map[string]map[string][]Transition),
	}

	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, err
		}
	}

	return t, nil
}

// MustNew creates a transition table and panics if any option fails to apply.
// Transition tables are wired at startup, so misconfiguration should prevent
// the service from starting.
func MustNew(opts ...Option) *Table {
	t, err := New(opts...)
	if err != nil {
		panic(fmt.Sprintf("failed to build transition table: %v", err))
	}
	return t
}

// AddTransition registers a transition in the table.
func (t *Table) AddTransition(from, to State, event Event, guards []Guard, actions []Action) error {
	if from == nil || to == nil || event == nil {
		return ErrInvalidTransition
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	fromStateName := from.Name()
	eventName := event.Name()

	if _, ok := t.transitions[fromStateName]; !ok {
		t.transitions[fromStateName] = make(map[string][]Transition)
	}

	// Multiple transitions allowed for same from/event to support guard-based branching
	t.transitions[fromStateName][eventName] = append(t.transitions[fromStateName][eventName], Transition{
		From:    from,
		To:      to,
		Event:   event,
		Guards:  guards,
		Actions: actions,
	})
	return nil
}

// Fire evaluates the event against the given current state and returns the
// resulting state. Guards are evaluated first; the first transition whose
// guards all pass wins, which enables priority ordering. Actions run before
// the new state is returned and any action failure aborts the transition.
func (t *Table) Fire(ctx context.Context, from State, event Event, data any) (State, error) {
	if from == nil {
		return nil, ErrInvalidState
	}
	if event == nil {
		return nil, ErrInvalidEvent
	}

	t.mu.RLock()
	transitions, ok := t.lookup(from, event)
	t.mu.RUnlock()

	if !ok {
		return nil, NewErrNoTransitionAvailable(from.Name(), event.Name())
	}

	var validTransition *Transition
	for i, tr := range transitions {
		if guardsPass(ctx, tr.Guards, from, event, data) {
			validTransition = &transitions[i]
			break
		}
	}

	if validTransition == nil {
		return nil, NewErrTransitionRejected(from.Name(), event.Name())
	}

	for _, action := range validTransition.Actions {
		if action != nil {
			if err := action(ctx, from, validTransition.To, event, data); err != nil {
				return nil, fmt.Errorf("action failed: %w", err)
			}
		}
	}

	return validTransition.To, nil
}

// CanFire reports whether the event would be accepted from the given state.
func (t *Table) CanFire(ctx context.Context, from State, event Event, data any) bool {
	if from == nil || event == nil {
		return false
	}

	t.mu.RLock()
	transitions, ok := t.lookup(from, event)
	t.mu.RUnlock()

	if !ok {
		return false
	}

	for _, tr := range transitions {
		if guardsPass(ctx, tr.Guards, from, event, data) {
			return true
		}
	}
	return false
}

// lookup must be called with at least a read lock held.
func (t *Table) lookup(from State, event Event) ([]Transition, bool) {
	byEvent, ok := t.transitions[from.Name()]
	if !ok {
		return nil, false
	}
	transitions, ok := byEvent[event.Name()]
	if !ok || len(transitions) == 0 {
		return nil, false
	}
	return transitions, true
}

func guardsPass(ctx context.Context, guards []Guard, from State, event Event, data any) bool {
	for _, guard := range guards {
		if guard != nil && !guard(ctx, from, event, data) {
			return false
		}
	}
	return true
}
