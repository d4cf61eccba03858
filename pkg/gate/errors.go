package gate

import "errors"

var (
	ErrNotUnlocked     = errors.New("gate: feature is not unlocked")
	ErrNoTrialOffer    = errors.New("gate: no trial is on offer")
	ErrNotLocked       = errors.New("gate: feature is not locked")
	ErrTrialRefused    = errors.New("gate: trial session refused")
	ErrQuotaExhausted  = errors.New("gate: daily credits exhausted")
	ErrMissingEngine   = errors.New("gate: engine is required")
	ErrMissingFeature  = errors.New("gate: feature is required")
	ErrUnknownDecision = errors.New("gate: unknown decision")
)
