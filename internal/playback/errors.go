package playback

import (
	"errors"
	"fmt"

	"github.com/dshills/macroreplay/internal/macro"
)

var (
	// ErrAlreadyPlaying is returned when Play is called during a playback.
	ErrAlreadyPlaying = errors.New("playback already in progress")

	// ErrNotPlaying is returned by controls when no playback is active.
	ErrNotPlaying = errors.New("not playing")

	// ErrInvalidSpeed is returned for a non-positive speed multiplier.
	ErrInvalidSpeed = errors.New("invalid speed multiplier")

	// ErrTooManyErrors is returned when failed events exceed the threshold.
	ErrTooManyErrors = errors.New("too many event errors")

	// ErrValidation is returned when a sequence fails validation.
	ErrValidation = errors.New("sequence failed validation")

	// ErrNoDevices is returned when the player has no injection device source.
	ErrNoDevices = errors.New("no injection device source")
)

// EventError records a failure executing one event.
type EventError struct {
	Index int
	Event macro.Event
	Err   error
}

func (e *EventError) Error() string {
	return fmt.Sprintf("event %d (%s): %v", e.Index, e.Event.Type, e.Err)
}

func (e *EventError) Unwrap() error {
	return e.Err
}
