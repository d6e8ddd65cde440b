package appstore

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedCredential is returned when a credential fails shape
	// validation before any signing is attempted.
	ErrMalformedCredential = errors.New("malformed credential")

	// ErrSigningFailed is returned when the ECDSA operation itself errors.
	ErrSigningFailed = errors.New("token signing failed")

	// ErrMalformedResponse is returned when a 2xx response body does not
	// decode as the expected resource shape.
	ErrMalformedResponse = errors.New("malformed API response")
)

// RemoteError carries the detail text reported by the API in a structured
// error body.
type RemoteError struct {
	Status int
	Detail string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("App Store Connect: %s (status %d)", e.Detail, e.Status)
}

// StatusError is returned for non-2xx responses whose body could not be
// decoded as a structured error.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("App Store Connect: HTTP %d", e.Code)
}
