package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the requested session does not exist.
	ErrNotFound = errors.New("session: not found")

	// ErrPartyFull is returned by the repository when a conditional roster
	// insert would exceed capacity. It closes the read-decide-write race
	// between concurrent joins.
	ErrPartyFull = errors.New("session: party full")
)

// ValidationError rejects an operation before any side effect. Reason is
// safe to surface to the requesting user verbatim.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "session: " + e.Reason }

// Validationf builds a ValidationError with a formatted reason.
func Validationf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a user-facing rejection, and returns
// its reason.
func IsValidation(err error) (string, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Reason, true
	}
	return "", false
}
