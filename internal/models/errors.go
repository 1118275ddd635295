package models

import "errors"

// Configuration and relay error kinds. Rendering them for users is the bot's job.
var (
	// ErrConflict is returned when a base chat is already claimed by another user.
	ErrConflict = errors.New("base chat already used by another user")

	// ErrDuplicate is returned when a user adds a destination they already have.
	ErrDuplicate = errors.New("destination already configured")

	// ErrEdgeConflict is returned when another user already relays the same base to the same destination.
	ErrEdgeConflict = errors.New("base to destination route owned by another user")

	// ErrSelfReference is returned when a destination would equal the user's own base.
	ErrSelfReference = errors.New("destination equals base chat")

	// ErrNotResolvable is returned when no concrete chat can be identified from a forwarded message.
	ErrNotResolvable = errors.New("chat not resolvable")

	// ErrRelayFailure wraps a single failed relay attempt.
	ErrRelayFailure = errors.New("relay failed")

	// ErrNoBaseGroup is returned when a destination is requested before a base is set.
	ErrNoBaseGroup = errors.New("no base group configured")

	// ErrNotAwaiting is returned when an answer arrives for a question that is no
	// longer open, usually because a concurrent event already answered it.
	ErrNotAwaiting = errors.New("no matching question open")
)

// IsRejection reports whether err is a configuration rule violation, as opposed
// to a store or transport failure.
func IsRejection(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrDuplicate) ||
		errors.Is(err, ErrEdgeConflict) ||
		errors.Is(err, ErrSelfReference) ||
		errors.Is(err, ErrNoBaseGroup)
}
