package call

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyRoomID is returned by StartCall for a blank room id.
	ErrEmptyRoomID = errors.New("room id is required")
	// ErrSuperseded is returned when the call was left or rejoined while a
	// join was still setting up.
	ErrSuperseded = errors.New("call left during setup")
)

// Error reports the failed step of a call operation.
type Error struct {
	Op      string
	Err     error
	Details string
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("call: %s: %v", e.Op, e.Err)
	if e.Details != "" {
		msg += " (" + e.Details + ")"
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}
