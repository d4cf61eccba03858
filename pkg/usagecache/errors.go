package usagecache

import "errors"

var (
	ErrNotFound        = errors.New("usagecache: key not found")
	ErrSchemaVersion   = errors.New("usagecache: unsupported snapshot schema version")
	ErrMalformed       = errors.New("usagecache: malformed snapshot")
	ErrEmptyUserID     = errors.New("usagecache: empty user id")
	ErrStoreClosed     = errors.New("usagecache: store closed")
	ErrFailedToPersist = errors.New("usagecache: failed to persist snapshot")
)
