package entitlement

import (
	"slices"

	"github.com/dmitrymomot/quotakit/pkg/quotaclock"
)

const (
	// DefaultDailyCredits is the free daily credit budget.
	DefaultDailyCredits = 5
	// DefaultDailyTrials is the number of trial sessions a free user gets per day.
	DefaultDailyTrials = 5
)

// Evaluator decides whether a feature invocation is allowed and how it is paid for.
// It is pure: it reads the inputs it is given and never mutates them.
type Evaluator struct {
	free  []Feature
	clock quotaclock.Clock
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithFreeFeatures replaces the free allow-list.
func WithFreeFeatures(features ...Feature) EvaluatorOption {
	return func(e *Evaluator) {
		e.free = slices.Clone(features)
	}
}

// WithClock sets the time source used for expiry and reset checks.
func WithClock(clock quotaclock.Clock) EvaluatorOption {
	return func(e *Evaluator) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// NewEvaluator returns an Evaluator with FreeFeatures as the free allow-list.
func NewEvaluator(opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		free:  slices.Clone(FreeFeatures),
		clock: quotaclock.System,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// IsFree reports whether f is on the free allow-list.
func (e *Evaluator) IsFree(f Feature) bool {
	return slices.Contains(e.free, f)
}

// Evaluate applies the entitlement rules in order:
//  1. pro status with f on the allow-list
//  2. f on the free allow-list
//  3. a daily credit left
//  4. a trial session left
//  5. otherwise deny
func (e *Evaluator) Evaluate(rec Record, quota QuotaCounter, trial TrialEntry, f Feature) Decision {
	now := e.clock()
	rec = rec.Normalize(now)

	if rec.Status == StatusPro && rec.HasFeature(f) {
		return Allowed
	}
	if e.IsFree(f) {
		return Allowed
	}

	quota.Renew(now)
	if quota.Count < quota.Limit {
		return AllowedConsumeCredit
	}

	trial.Renew(now)
	if trial.Used < trial.DailyLimit {
		return AllowedConsumeTrial
	}

	return DeniedShowUpgrade
}
