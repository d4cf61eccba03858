// Package remote is the HTTP client for the entitlement service.
//
// Every call returns one of three error classes that callers switch on:
// ErrUnavailable for network trouble (the engine falls back to cached or
// default state), ErrRejected for a refusal (the engine rolls back), and
// ErrMalformedResponse for a reply it cannot trust (handled like an outage).
//
// Outages are retried with backoff. A Breaker short-circuits calls after
// repeated failures. POST requests carry an Idempotency-Key header; for credit
// consumption it is the pending consumption id, so a retried confirm is never
// charged twice.
package remote
