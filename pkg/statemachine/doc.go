// Package statemachine provides a small, type-safe finite state machine.
//
// States and events are any comparable types, usually string-based enums:
//
//	type Door string
//	type Push string
//
//	const (
//	    Closed Door = "closed"
//	    Open   Door = "open"
//	    Toggle Push = "toggle"
//	)
//
//	door := statemachine.MustNew(Closed,
//	    statemachine.WithTransition(Closed, Open, Toggle),
//	    statemachine.WithTransition(Open, Closed, Toggle),
//	)
//	_ = door.Fire(ctx, Toggle)
//
// # Guards and Actions
//
// Several transitions may share a state and event; they are tried in the
// order they were added and the first one whose guards all pass is taken.
// Adding a transition behind an unguarded one for the same pair fails with
// ErrUnreachableTransition.
//
// Actions run after the guards and before the state changes. An action
// error aborts the transition. Actions and guards run under the machine lock
// and must not call back into the machine; listeners registered with
// OnTransition run after the lock is released.
//
// # Error Handling
//
//	if statemachine.IsNoTransitionAvailableError(err) { /* ... */ }
//	if statemachine.IsTransitionRejectedError(err)   { /* ... */ }
package statemachine
