package tfs

import "errors"

// Sentinel errors for remote build service failures.
var (
	ErrUnauthorized = errors.New("remote service rejected credentials")
	ErrNotFound     = errors.New("remote resource not found")
	ErrServiceError = errors.New("remote service error")
	ErrUnreachable  = errors.New("remote service unreachable")
	ErrTimeout      = errors.New("remote service timeout")
	ErrInvalidURL   = errors.New("invalid server URL")
)

// IsServiceError reports whether err came from talking to the remote service,
// as opposed to a local argument or lookup failure.
func IsServiceError(err error) bool {
	return errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrServiceError) ||
		errors.Is(err, ErrUnreachable) ||
		errors.Is(err, ErrTimeout)
}
