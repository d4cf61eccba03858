package entitlement

import (
	"slices"
	"time"

	"github.com/dmitrymomot/quotakit/pkg/quotaclock"
)

// Feature identifies a gated capability.
type Feature string

const (
	DeepStudyMode      Feature = "deep_study_mode"
	StudyPlanGenerator Feature = "study_plan_generator"
	ProblemGenerator   Feature = "problem_generator"
	ProAIChat          Feature = "pro_ai_chat"

	SyllabusBrowser Feature = "syllabus_browser"
	QuickHelp       Feature = "quick_help"
	StandardChat    Feature = "standard_chat"
	ResourceBrowser Feature = "resource_browser"
)

// ProFeatures are granted by every paid tier.
var ProFeatures = []Feature{DeepStudyMode, StudyPlanGenerator, ProblemGenerator, ProAIChat}

// FreeFeatures never require credits.
var FreeFeatures = []Feature{SyllabusBrowser, QuickHelp, StandardChat, ResourceBrowser}

// Tier is the purchased plan.
type Tier string

const (
	TierFree        Tier = "free"
	TierProMonthly  Tier = "pro_monthly"
	TierProYearly   Tier = "pro_yearly"
	TierProLifetime Tier = "pro_lifetime"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierProMonthly, TierProYearly, TierProLifetime:
		return true
	}
	return false
}

// Paid reports whether t grants the pro allow-list.
func (t Tier) Paid() bool {
	return t == TierProMonthly || t == TierProYearly || t == TierProLifetime
}

// Term returns how long one purchase of t lasts. Zero means it never expires.
func (t Tier) Term() time.Duration {
	switch t {
	case TierProMonthly:
		return 30 * 24 * time.Hour
	case TierProYearly:
		return 365 * 24 * time.Hour
	}
	return 0
}

// ParseTier converts s into a Tier.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", ErrUnknownTier
	}
	return t, nil
}

// Status is the lifecycle state of a subscription.
type Status string

const (
	StatusFree      Status = "free"
	StatusTrial     Status = "trial"
	StatusPro       Status = "pro"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusFree, StatusTrial, StatusPro, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// ParseStatus converts s into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", ErrUnknownStatus
	}
	return st, nil
}

// Record is the subscription entitlement of one user.
type Record struct {
	UserID    string     `json:"user_id"`
	Tier      Tier       `json:"tier"`
	Status    Status     `json:"status"`
	Features  []Feature  `json:"features"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// FreeRecord is the record assumed for a user the backend knows nothing about.
func FreeRecord(userID string) Record {
	return Record{UserID: userID, Tier: TierFree, Status: StatusFree}
}

// HasFeature reports whether f is on the record's allow-list.
func (r Record) HasFeature(f Feature) bool {
	return slices.Contains(r.Features, f)
}

// Normalize returns r as it stands at now. A pro record past its expiry is
// reported as expired and loses its allow-list.
func (r Record) Normalize(now time.Time) Record {
	if r.Status == StatusPro && r.ExpiresAt != nil && !r.ExpiresAt.After(now) {
		r.Status = StatusExpired
		r.Features = nil
	}
	return r
}

// IsPro reports whether r grants unmetered access at now.
func (r Record) IsPro(now time.Time) bool {
	return r.Normalize(now).Status == StatusPro
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	r.Features = slices.Clone(r.Features)
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		r.ExpiresAt = &t
	}
	return r
}

// QuotaCounter tracks daily credit usage.
// Count stays within [0, Limit].
type QuotaCounter struct {
	Count       int       `json:"count"`
	Limit       int       `json:"limit"`
	LastResetAt time.Time `json:"resetTime"`
	LastUsedAt  time.Time `json:"lastUsedAt"`
}

// NewQuotaCounter returns an unused counter.
func NewQuotaCounter(limit int, now time.Time) QuotaCounter {
	if limit <= 0 {
		limit = DefaultDailyCredits
	}
	return QuotaCounter{Limit: limit, LastResetAt: now}
}

// Remaining returns how many credits are left.
func (q QuotaCounter) Remaining() int {
	return clamp(q.Limit-q.Count, 0, q.Limit)
}

// Exhausted reports whether no credit is left.
func (q QuotaCounter) Exhausted() bool {
	return q.Count >= q.Limit
}

// Renew applies the daily reset if one is due at now. It reports whether it did.
func (q *QuotaCounter) Renew(now time.Time) bool {
	if !quotaclock.ShouldReset(q.LastResetAt, now) {
		return false
	}
	q.Count = 0
	q.LastResetAt = now
	return true
}

// SetRemaining overwrites the counter from an authoritative remaining value.
func (q *QuotaCounter) SetRemaining(remaining int) {
	q.Count = clamp(q.Limit-remaining, 0, q.Limit)
}

// TrialEntry tracks trial sessions used today across all pro features.
type TrialEntry struct {
	Used        int       `json:"used"`
	DailyLimit  int       `json:"limit"`
	LastResetAt time.Time `json:"resetTime"`
}

// NewTrialEntry returns an unused ledger entry.
func NewTrialEntry(limit int, now time.Time) TrialEntry {
	if limit <= 0 {
		limit = DefaultDailyTrials
	}
	return TrialEntry{DailyLimit: limit, LastResetAt: now}
}

// Remaining returns how many trial sessions are left.
func (t TrialEntry) Remaining() int {
	return clamp(t.DailyLimit-t.Used, 0, t.DailyLimit)
}

// Exhausted reports whether no trial session is left.
func (t TrialEntry) Exhausted() bool {
	return t.Used >= t.DailyLimit
}

// Renew applies the daily reset if one is due at now.
func (t *TrialEntry) Renew(now time.Time) bool {
	if !quotaclock.ShouldReset(t.LastResetAt, now) {
		return false
	}
	t.Used = 0
	t.LastResetAt = now
	return true
}

// SetRemaining overwrites the entry from an authoritative remaining value.
func (t *TrialEntry) SetRemaining(remaining int) {
	t.Used = clamp(t.DailyLimit-remaining, 0, t.DailyLimit)
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
