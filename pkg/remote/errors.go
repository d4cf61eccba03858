package remote

import "errors"

// Error classes of the entitlement backend. Transport detail is joined onto
// these, so callers classify with errors.Is.
var (
	// ErrUnavailable covers network failures, timeouts, 5xx responses and an open circuit.
	ErrUnavailable = errors.New("remote: entitlement service unavailable")
	// ErrRejected means the service understood the request and refused it.
	ErrRejected = errors.New("remote: request rejected by entitlement service")
	// ErrMalformedResponse means the response could not be parsed or lacked required fields.
	ErrMalformedResponse = errors.New("remote: malformed response from entitlement service")
	// ErrCircuitOpen is returned without a request while the breaker is open.
	ErrCircuitOpen = errors.New("remote: circuit breaker is open")

	ErrInvalidBaseURL = errors.New("remote: invalid base URL")
	ErrEmptyUserID    = errors.New("remote: empty user id")
)

// IsUnavailable reports whether err should be handled as a network outage.
// Malformed responses count as outages.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrMalformedResponse)
}
