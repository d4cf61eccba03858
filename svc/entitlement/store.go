package entitlement

import (
	"context"
	"time"
)

// Store persists credit counters, usage logs and subscriptions.
//
// SpendCredit and SpendTrial must be atomic per user: the check against the
// limit and the increment happen in one step. Both deduplicate by SessionID
// when it is set, so a replayed spend reports the original outcome without
// spending again.
type Store interface {
	// Credits returns the counter of userID for day, creating it with limit
	// when it does not exist yet.
	Credits(ctx context.Context, userID string, day time.Time, limit int) (Credits, error)
	SpendCredit(ctx context.Context, p SpendParams) (SpendResult, error)
	// ResetCredits zeroes every used counter dated before day and returns
	// how many were reset.
	ResetCredits(ctx context.Context, before time.Time) (int, error)

	TrialsUsed(ctx context.Context, userID string, day time.Time) (int, error)
	SpendTrial(ctx context.Context, p TrialParams) (TrialResult, error)

	// Subscription returns ErrSubscriptionNotFound for users without one.
	Subscription(ctx context.Context, userID string) (Subscription, error)
	SaveSubscription(ctx context.Context, s Subscription) error

	Ping(ctx context.Context) error
}
