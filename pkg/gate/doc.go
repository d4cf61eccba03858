// Package gate wraps a protected piece of UI and decides what the user sees.
//
// A Gate is bound to one user and one feature and moves between three states:
//
//	unlocked       the children render
//	locked         a lock overlay, or the upgrade modal after RequestUpgrade
//	trial_offered  a trial offer modal
//
// Refresh re-evaluates the feature. AcceptTrial spends a trial session and
// unlocks one invocation. Invoke spends a credit when the current decision
// costs one, and re-evaluates once credits run out or the trial is used.
//
//	g, err := gate.New(engine, userID, entitlement.DeepStudyMode,
//	    gate.WithDescription("Advanced AI tutoring with context memory"),
//	)
//	if err := g.Refresh(ctx); err != nil { ... }
//
//	// in a templ template
//	@g.Component(studyPanel())
//
// The default views emit plain HTML with data-action="upgrade" and
// data-action="accept-trial" buttons; WithViews replaces them.
package gate
