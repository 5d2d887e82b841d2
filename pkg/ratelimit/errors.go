package ratelimit

import "errors"

// Common errors.
var (
	// ErrQuotaExceeded is returned when an identity has exhausted its
	// per-window quota.
	ErrQuotaExceeded = errors.New("rate limit exceeded")

	// ErrInvalidIdentity is returned when an identity is empty.
	ErrInvalidIdentity = errors.New("invalid identity")
)

// QuotaError carries the full decision alongside the sentinel.
type QuotaError struct {
	Decision *Decision
}

// Error returns the error message.
func (e *QuotaError) Error() string {
	return "rate limit exceeded"
}

// Unwrap returns the underlying sentinel.
func (e *QuotaError) Unwrap() error {
	return ErrQuotaExceeded
}

// DecisionFromError extracts the Decision from a quota error, or nil.
func DecisionFromError(err error) *Decision {
	var qe *QuotaError
	if errors.As(err, &qe) {
		return qe.Decision
	}
	return nil
}
