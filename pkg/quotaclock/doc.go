// Package quotaclock holds the time arithmetic behind daily quota renewal.
//
// A quota counter resets once a full Window has elapsed since it last reset.
// Reset is lazy: callers check ShouldReset when they load a counter instead of
// running a timer, so a process that sleeps through several windows still
// applies exactly one reset when it wakes up.
//
//	if quotaclock.ShouldReset(counter.LastResetAt, now) {
//		counter.Count = 0
//		counter.LastResetAt = now
//	}
//
// TimeUntilReset is display-only and is anchored on the last use, matching what
// users see in the "credits renew in" banner.
package quotaclock
