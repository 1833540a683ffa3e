package session

import (
	"errors"
	"fmt"

	"voicepoints/internal/resilience"
)

// ErrNoSession is returned when an operation needs a tracked session and the
// user has none.
var ErrNoSession = errors.New("no tracked session")

// ConflictError rejects a session start for a user who is already tracked.
// It matches resilience.ErrConflict.
type ConflictError struct {
	UserID    string
	State     string
	SessionID int64
	Err       error
}

func (e *ConflictError) Error() string {
	msg := fmt.Sprintf("user %s already has a %s session", e.UserID, e.State)
	if e.SessionID != 0 {
		msg += fmt.Sprintf(" (id %d)", e.SessionID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConflictError) Is(target error) bool {
	return target == resilience.ErrConflict
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}
