package entitlement

import (
	"time"

	ent "github.com/dmitrymomot/quotakit/pkg/entitlement"
)

// Credits is one user's credit counter for one calendar day (UTC).
type Credits struct {
	UserID string
	Day    time.Time
	Used   int
	Limit  int
}

// Remaining returns the credits left for the day.
func (c Credits) Remaining() int {
	return max(c.Limit-c.Used, 0)
}

// Subscription is the stored subscription of one user.
type Subscription struct {
	UserID    string
	Status    ent.Status
	Tier      ent.Tier
	StartedAt time.Time
	ExpiresAt *time.Time
	UpdatedAt time.Time
}

// SpendParams describes one credit spend.
type SpendParams struct {
	UserID    string
	Feature   string
	SessionID string
	Day       time.Time
	Limit     int
	// Unmetered logs the use without decrementing, for pro users and free features.
	Unmetered bool
}

// SpendResult is the counter after a spend.
type SpendResult struct {
	Credits  Credits
	Spent    bool
	Replayed bool
}

// TrialParams describes one trial session spend.
type TrialParams struct {
	UserID    string
	Feature   string
	SessionID string
	Day       time.Time
	Limit     int
}

// TrialResult is the day's trial usage after a spend.
type TrialResult struct {
	Used     int
	Granted  bool
	Replayed bool
}

// Day truncates t to the start of its UTC calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
