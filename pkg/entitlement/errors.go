package entitlement

import "errors"

var (
	ErrUnauthenticated = errors.New("entitlement: no authenticated user")
	ErrUnknownTier     = errors.New("entitlement: unknown subscription tier")
	ErrUnknownStatus   = errors.New("entitlement: unknown subscription status")
	ErrUnknownDecision = errors.New("entitlement: unknown decision")
)
