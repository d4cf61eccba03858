package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dmitrymomot/quotakit/pkg/consumption"
	"github.com/dmitrymomot/quotakit/pkg/entitlement"
	"github.com/dmitrymomot/quotakit/pkg/logger"
	"github.com/dmitrymomot/quotakit/pkg/statemachine"
)

// Engine is what a Gate needs from the entitlement engine.
// *quotakit.Engine satisfies it.
type Engine interface {
	Evaluate(ctx context.Context, userID string, feature entitlement.Feature) (entitlement.Decision, error)
	Consume(ctx context.Context, userID string, feature entitlement.Feature) (*consumption.Consumption, error)
	UseTrial(ctx context.Context, userID string, feature entitlement.Feature) (bool, error)
}

// State is the gate's position.
type State string

const (
	StateUnlocked     State = "unlocked"
	StateLocked       State = "locked"
	StateTrialOffered State = "trial_offered"
)

// Event moves the gate between states.
type Event string

const (
	EventAllowed          Event = "allowed"
	EventTrialAvailable   Event = "trial_available"
	EventDenied           Event = "denied"
	EventTrialAccepted    Event = "trial_accepted"
	EventCreditSpent      Event = "credit_spent"
	EventUpgradeRequested Event = "upgrade_requested"
)

// View is what the gate renders.
type View string

const (
	ViewChildren        View = "children"
	ViewLockOverlay     View = "lock_overlay"
	ViewUpgradeModal    View = "upgrade_modal"
	ViewTrialOfferModal View = "trial_offer_modal"
)

// Option configures a Gate.
type Option func(*Gate)

// WithDescription sets the feature text shown in overlays and modals.
func WithDescription(d string) Option {
	return func(g *Gate) {
		g.description = d
	}
}

// WithViews replaces the default HTML for overlays and modals. Nil fields
// keep the defaults.
func WithViews(v Views) Option {
	return func(g *Gate) {
		if v.LockOverlay != nil {
			g.views.LockOverlay = v.LockOverlay
		}
		if v.UpgradeModal != nil {
			g.views.UpgradeModal = v.UpgradeModal
		}
		if v.TrialOfferModal != nil {
			g.views.TrialOfferModal = v.TrialOfferModal
		}
	}
}

// WithLogger sets the logger. Nil is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.log = l
		}
	}
}

// Gate guards one feature for one user. It starts locked and moves only in
// response to its methods. One accepted trial session covers one Invoke.
type Gate struct {
	engine      Engine
	userID      string
	feature     entitlement.Feature
	description string
	views       Views
	log         *slog.Logger

	mu       sync.Mutex
	fsm      *statemachine.Machine[State, Event]
	decision entitlement.Decision
	modal    bool
	// trial is set while an accepted trial session has not been invoked yet.
	trial bool
}

// New returns a locked gate. Call Refresh to evaluate it.
func New(engine Engine, userID string, feature entitlement.Feature, opts ...Option) (*Gate, error) {
	if engine == nil {
		return nil, ErrMissingEngine
	}
	if feature == "" {
		return nil, ErrMissingFeature
	}

	g := &Gate{
		engine:   engine,
		userID:   userID,
		feature:  feature,
		views:    DefaultViews(),
		log:      slog.Default(),
		decision: entitlement.DeniedShowUpgrade,
	}
	for _, opt := range opts {
		opt(g)
	}

	fsm, err := statemachine.New(StateLocked, g.transitions()...)
	if err != nil {
		return nil, err
	}
	g.fsm = fsm
	return g, nil
}

func (g *Gate) transitions() []statemachine.Option[State, Event] {
	opts := make([]statemachine.Option[State, Event], 0, 12)
	for _, from := range []State{StateUnlocked, StateLocked, StateTrialOffered} {
		opts = append(opts,
			statemachine.WithTransition(from, StateUnlocked, EventAllowed),
			statemachine.WithTransition(from, StateTrialOffered, EventTrialAvailable),
			statemachine.WithTransition(from, StateLocked, EventDenied),
		)
	}

	var openModal statemachine.Action[State, Event] = func(context.Context, State, State, Event) error {
		g.modal = true
		return nil
	}
	opts = append(opts,
		statemachine.WithTransition(StateTrialOffered, StateUnlocked, EventTrialAccepted),
		statemachine.WithTransition(StateUnlocked, StateUnlocked, EventCreditSpent),
		statemachine.WithTransition(StateLocked, StateLocked, EventUpgradeRequested,
			statemachine.WithAction(openModal),
		),
		statemachine.OnTransition[State, Event](g.onTransition),
	)
	return opts
}

func (g *Gate) onTransition(from, to State, event Event) {
	if event != EventUpgradeRequested {
		g.modal = false
	}
	g.log.Debug("gate transition",
		logger.Component("gate"),
		logger.UserID(g.userID),
		logger.Feature(g.feature),
		logger.Event(string(event)),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
}

// Feature returns the gated feature.
func (g *Gate) Feature() entitlement.Feature { return g.feature }

// State returns the current state.
func (g *Gate) State() State {
	return g.fsm.Current()
}

// Decision reports the gate's current decision. A pending trial offer reads
// as DeniedShowTrialOffer until it is accepted.
func (g *Gate) Decision() entitlement.Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.fsm.Current() {
	case StateTrialOffered:
		return entitlement.DeniedShowTrialOffer
	case StateLocked:
		return entitlement.DeniedShowUpgrade
	}
	return g.decision
}

// View reports what the gate renders now.
func (g *Gate) View() View {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.view()
}

func (g *Gate) view() View {
	switch g.fsm.Current() {
	case StateUnlocked:
		return ViewChildren
	case StateTrialOffered:
		return ViewTrialOfferModal
	}
	if g.modal {
		return ViewUpgradeModal
	}
	return ViewLockOverlay
}

// Refresh re-evaluates the feature and moves the gate accordingly. An
// unauthenticated user locks the gate and the error is returned.
func (g *Gate) Refresh(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.refresh(ctx)
}

func (g *Gate) refresh(ctx context.Context) error {
	d, err := g.engine.Evaluate(ctx, g.userID, g.feature)
	if err != nil && !errors.Is(err, entitlement.ErrUnauthenticated) {
		return err
	}

	var event Event
	switch d {
	case entitlement.Allowed, entitlement.AllowedConsumeCredit:
		event = EventAllowed
	case entitlement.AllowedConsumeTrial:
		event = EventTrialAvailable
	case entitlement.DeniedShowUpgrade, entitlement.DeniedShowTrialOffer:
		event = EventDenied
	default:
		return fmt.Errorf("%w: %v", ErrUnknownDecision, d)
	}

	if ferr := g.fsm.Fire(ctx, event); ferr != nil {
		return ferr
	}
	g.decision = d
	g.trial = false
	return err
}

// AcceptTrial spends one trial session and unlocks the feature for a single
// invocation. When the service refuses, the gate is re-evaluated and
// ErrTrialRefused returned.
func (g *Gate) AcceptTrial(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.fsm.Is(StateTrialOffered) {
		return ErrNoTrialOffer
	}

	ok, err := g.engine.UseTrial(ctx, g.userID, g.feature)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Join(ErrTrialRefused, g.refresh(ctx))
	}

	if err := g.fsm.Fire(ctx, EventTrialAccepted); err != nil {
		return err
	}
	g.decision = entitlement.Allowed
	g.trial = true
	return nil
}

// Invoke runs the gated action's accounting. When the current decision costs
// a credit, one is spent optimistically and the pending consumption returned;
// it is nil when the invocation is free. An exhausted counter re-evaluates
// the gate and returns ErrQuotaExhausted. The invocation covered by an
// accepted trial re-evaluates the gate afterwards, so the next one needs a
// credit or another trial session.
func (g *Gate) Invoke(ctx context.Context) (*consumption.Consumption, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.fsm.Is(StateUnlocked) {
		return nil, ErrNotUnlocked
	}
	if g.trial {
		return nil, g.refresh(ctx)
	}
	if g.decision != entitlement.AllowedConsumeCredit {
		return nil, nil
	}

	c, err := g.engine.Consume(ctx, g.userID, g.feature)
	if err != nil {
		return nil, err
	}
	if !c.Snapshot().Applied {
		return c, errors.Join(ErrQuotaExhausted, g.refresh(ctx))
	}
	if err := g.fsm.Fire(ctx, EventCreditSpent); err != nil {
		return c, err
	}
	return c, nil
}

// RequestUpgrade turns the lock overlay into the upgrade modal.
func (g *Gate) RequestUpgrade() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.fsm.Is(StateLocked) {
		return ErrNotLocked
	}
	return g.fsm.Fire(context.Background(), EventUpgradeRequested)
}
