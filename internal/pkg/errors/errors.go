package errors

import "errors"

var (
	// ErrNotFound is a generic sentinel for missing resources.
	ErrNotFound = errors.New("not found")
	// ErrInvalidArgument is a generic sentinel for invalid input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrStaleTransition is returned when an optimistic stage transition loses the race.
	ErrStaleTransition = errors.New("stale stage transition")
)
