package quotakit

import (
	"errors"

	"github.com/dmitrymomot/quotakit/pkg/entitlement"
)

// ErrUnauthenticated is returned for calls without a user. It is the same
// value as entitlement.ErrUnauthenticated.
var ErrUnauthenticated = entitlement.ErrUnauthenticated

var (
	ErrMissingBackend = errors.New("quotakit: backend is required")
	ErrMissingCache   = errors.New("quotakit: usage cache is required")
	ErrSyncFailed     = errors.New("quotakit: failed to sync credit status")
)
