package quotaclock

import "time"

// Window is the length of one quota period.
const Window = 24 * time.Hour

// Clock returns the current time. Components take a Clock so tests can move time.
type Clock func() time.Time

// System is the wall clock.
func System() time.Time { return time.Now() }

// ShouldReset reports whether a counter last reset at lastResetAt is due for reset at now.
// A zero lastResetAt means the counter was never used and is always due.
func ShouldReset(lastResetAt, now time.Time) bool {
	if lastResetAt.IsZero() {
		return true
	}
	return now.Sub(lastResetAt) >= Window
}

// TimeUntilReset returns how long until the quota renews, counted from the last use.
// The result never goes below zero. Intended for display.
func TimeUntilReset(lastUsedAt, now time.Time) time.Duration {
	if lastUsedAt.IsZero() {
		return 0
	}
	return max(lastUsedAt.Add(Window).Sub(now), 0)
}

// NextReset returns the instant at which a counter reset at lastResetAt becomes due.
func NextReset(lastResetAt time.Time) time.Time {
	if lastResetAt.IsZero() {
		return time.Time{}
	}
	return lastResetAt.Add(Window)
}
