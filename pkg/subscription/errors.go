package subscription

import "errors"

var (
	ErrPlanNotFound             = errors.New("subscription plan not found")
	ErrInvalidPlanConfiguration = errors.New("invalid subscription plan configuration")
	ErrFailedToLoadCatalog      = errors.New("failed to load subscription catalog")

	ErrNotUpgradable   = errors.New("subscription tier is not a paid tier")
	ErrUpgradeRejected = errors.New("subscription upgrade rejected")
	ErrCancelRejected  = errors.New("subscription cancellation rejected")
	ErrMissingUserID   = errors.New("user ID is required")
	ErrFailedToPersist = errors.New("failed to store subscription state")
)
