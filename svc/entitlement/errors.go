package entitlement

import "errors"

var (
	ErrMissingStore         = errors.New("entitlement service: store is required")
	ErrUnknownFeature       = errors.New("entitlement service: unknown feature")
	ErrSubscriptionNotFound = errors.New("entitlement service: subscription not found")
	ErrNotUpgradable        = errors.New("entitlement service: tier is not a paid tier")
	ErrInvalidRequest       = errors.New("entitlement service: invalid request")
	ErrStore                = errors.New("entitlement service: store operation failed")
)
