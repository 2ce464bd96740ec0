package internal

import (
	"errors"
)

var (
	// ErrAuthExpired means the provider credential could not be refreshed.
	ErrAuthExpired = errors.New("external calendar authorization expired")
	// ErrProviderUnavailable covers network failures, timeouts and rate
	// limiting on the external provider.
	ErrProviderUnavailable = errors.New("external calendar unavailable")
	ErrNotFound            = errors.New("event not found")
	ErrNotConnected        = errors.New("no external calendar connected")
)

// ValidationError rejects malformed input before any I/O happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid event: " + e.Reason
	}
	return "invalid event: " + e.Field + " " + e.Reason
}

func IsValidation(err error) bool {
	var vErr *ValidationError
	return errors.As(err, &vErr)
}
