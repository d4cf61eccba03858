package consumption

import "errors"

var (
	// ErrRejected means the entitlement service refused the spend.
	ErrRejected = errors.New("consumption: rejected by entitlement service")
	// ErrConfirmTimeout means the confirm call did not settle in time.
	ErrConfirmTimeout = errors.New("consumption: confirm timed out")
	// ErrAwaitTimeout is returned by AwaitWithTimeout when the consumption is still pending.
	ErrAwaitTimeout = errors.New("consumption: timed out waiting for settlement")
	// ErrCacheWrite means the settled value could not be persisted locally.
	ErrCacheWrite = errors.New("consumption: failed to persist settlement")
)

// errNotApplied aborts the cache update when the precondition fails.
var errNotApplied = errors.New("consumption: quota exhausted")
