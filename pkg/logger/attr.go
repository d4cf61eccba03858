package logger

import (
	"fmt"
	"log/slog"
	"time"
)

// Error records err under "error". Nil yields an empty Attr.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// UserID records the user identifier under "user_id". Empty yields an empty Attr.
func UserID(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("user_id", id)
}

// Feature records the gated feature under "feature".
func Feature[T ~string](f T) slog.Attr {
	return slog.String("feature", string(f))
}

// Tier records the subscription tier under "tier".
func Tier[T ~string](t T) slog.Attr {
	return slog.String("tier", string(t))
}

// Decision records an entitlement decision under "decision".
func Decision(d fmt.Stringer) slog.Attr {
	if d == nil {
		return slog.Attr{}
	}
	return slog.String("decision", d.String())
}

// Remaining records a remaining credit or trial balance.
func Remaining(n int) slog.Attr {
	return slog.Int("remaining", n)
}

// PendingID records the id of an in-flight consumption.
func PendingID(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("pending_id", id)
}

// Endpoint records a remote endpoint path.
func Endpoint(path string) slog.Attr {
	return slog.String("endpoint", path)
}

// StatusCode records an HTTP status.
func StatusCode(code int) slog.Attr {
	return slog.Int("status_code", code)
}

// Attempt records the retry attempt number.
func Attempt(n int) slog.Attr {
	return slog.Int("attempt", n)
}

// Duration records d under "duration".
func Duration(d time.Duration) slog.Attr {
	return slog.Duration("duration", d)
}

// Component records the component name under "component".
func Component(name string) slog.Attr {
	return slog.String("component", name)
}

// Event records the event name under "event".
func Event(name string) slog.Attr {
	return slog.String("event", name)
}
