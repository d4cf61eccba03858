package consumption

import (
	"context"
	"sync"
	"time"

	"github.com/dmitrymomot/quotakit/pkg/entitlement"
)

// State is the lifecycle position of a consumption.
type State int

const (
	StatePending State = iota
	StateConfirmed
	StateRolledBack
	StateNotApplied
	// StateWaived marks an invocation the user's plan covers; nothing is spent.
	StateWaived
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConfirmed:
		return "confirmed"
	case StateRolledBack:
		return "rolled_back"
	case StateNotApplied:
		return "not_applied"
	case StateWaived:
		return "waived"
	}
	return "unknown"
}

// Pending describes one in-flight paid action.
type Pending struct {
	ID      string
	UserID  string
	Feature entitlement.Feature
	Amount  int
	Applied bool

	// window is the quota window the spend was applied to. A rollback after
	// the window reset leaves the fresh counter alone.
	window time.Time
}

// Result is what the UI renders for a consumption.
type Result struct {
	Applied   bool
	Remaining int
	State     State
}

// Consumption is the handle of one Consume call. It settles exactly once.
type Consumption struct {
	pending    Pending
	optimistic Result

	once   sync.Once
	done   chan struct{}
	result Result
	err    error
}

func newConsumption(p Pending, optimistic Result) *Consumption {
	return &Consumption{
		pending:    p,
		optimistic: optimistic,
		done:       make(chan struct{}),
	}
}

func settled(p Pending, r Result) *Consumption {
	c := newConsumption(p, r)
	c.settle(r, nil)
	return c
}

// Waived returns a settled consumption for an invocation that costs nothing,
// such as a pro feature used by a pro user. remaining is reported unchanged.
func Waived(userID string, feature entitlement.Feature, remaining int) *Consumption {
	return settled(Pending{UserID: userID, Feature: feature}, Result{
		Remaining: remaining,
		State:     StateWaived,
	})
}

// Pending returns the pending consumption this handle tracks.
func (c *Consumption) Pending() Pending { return c.pending }

// Snapshot returns the optimistic result available right after Consume.
func (c *Consumption) Snapshot() Result { return c.optimistic }

// Done is closed once the consumption settles.
func (c *Consumption) Done() <-chan struct{} { return c.done }

// Settled reports whether the consumption has settled, without blocking.
func (c *Consumption) Settled() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Await blocks until the consumption settles or ctx is done.
// A rolled back consumption returns the cause as the error.
func (c *Consumption) Await(ctx context.Context) (Result, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		return c.optimistic, ctx.Err()
	}
}

// AwaitWithTimeout is Await bounded by d. ErrAwaitTimeout is returned while
// the consumption is still pending.
func (c *Consumption) AwaitWithTimeout(d time.Duration) (Result, error) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.done:
		return c.result, c.err
	case <-t.C:
		return c.optimistic, ErrAwaitTimeout
	}
}

// settle records the outcome. Only the first call has any effect.
func (c *Consumption) settle(r Result, err error) bool {
	first := false
	c.once.Do(func() {
		c.result = r
		c.err = err
		close(c.done)
		first = true
	})
	return first
}
