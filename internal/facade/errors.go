package facade

import "errors"

var (
	// ErrInvalidArgument is returned when a required input is missing.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrLookup is returned when a named project, definition or build cannot
	// be found on the remote service.
	ErrLookup = errors.New("not found on remote service")
)
