package quotakit

import (
	"context"
)

// ContextKey is a key for context values.
// It should be created as a package-level variable.
type ContextKey struct{ name string }

// NewContextKey creates a new context key.
func NewContextKey(name string) *ContextKey {
	return &ContextKey{name}
}

func (k *ContextKey) String() string { return "quotakit context value " + k.name }

// UserIDKey holds the signed-in user's ID. Pass it to
// logger.WithContextValue to tag log records with the user.
var UserIDKey = NewContextKey("user_id")

// ContextValue retrieves a typed value from the context.
// Returns the zero value of T if the key is not present or has a different type.
func ContextValue[T any](ctx context.Context, key any) T {
	val, _ := ctx.Value(key).(T)
	return val
}

// WithUserID returns a copy of ctx carrying the signed-in user's ID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// UserIDFromContext returns the user ID stored by WithUserID, or "" for an
// anonymous caller.
func UserIDFromContext(ctx context.Context) string {
	return ContextValue[string](ctx, UserIDKey)
}
