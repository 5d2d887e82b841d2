package auth

import "errors"

// Common authentication errors.
var (
	// ErrInvalidToken is returned when a token cannot be validated.
	ErrInvalidToken = errors.New("invalid token")

	// ErrMissingSubject is returned when a valid token carries no sub claim.
	ErrMissingSubject = errors.New("token has no subject")
)
