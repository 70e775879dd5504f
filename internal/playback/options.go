package playback

import (
	"fmt"
	"math"
	"time"
)

// Options controls one playback.
type Options struct {
	// Speed scales every delay; 2.0 plays twice as fast. Must be > 0.
	Speed float64

	// Loop repeats the sequence until cancelled when RepeatCount is 0.
	Loop bool

	// RepeatCount is the exact number of iterations when positive. Zero
	// plays once, or forever when Loop is set.
	RepeatCount int

	// RepeatDelayMs is inserted between iterations. Values below the
	// player's minimum repeat delay are raised to it.
	RepeatDelayMs int64
}

// DefaultOptions plays once at normal speed.
func DefaultOptions() Options {
	return Options{Speed: 1, RepeatCount: 1}
}

// Validate checks the options.
func (o Options) Validate() error {
	if o.Speed <= 0 || math.IsNaN(o.Speed) || math.IsInf(o.Speed, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidSpeed, o.Speed)
	}
	if o.RepeatCount < 0 {
		return fmt.Errorf("repeat count must not be negative, got %d", o.RepeatCount)
	}
	if o.RepeatDelayMs < 0 {
		return fmt.Errorf("repeat delay must not be negative, got %d", o.RepeatDelayMs)
	}
	return nil
}

// Iterations returns the number of iterations to play, 0 meaning unbounded.
// A non-looping playback with no count plays once.
func (o Options) Iterations() int {
	switch {
	case o.RepeatCount > 0:
		return o.RepeatCount
	case o.Loop:
		return 0
	default:
		return 1
	}
}

// Scale converts a recorded delay to wall-clock time at this speed.
func (o Options) Scale(ms int64) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(float64(ms) * float64(time.Millisecond) / o.Speed)
}

// InterIterationDelay returns the pause between two iterations: the
// sequence's trailing delay at this speed plus the repeat delay, which is
// never shorter than minRepeat.
func (o Options) InterIterationDelay(trailingMs int64, minRepeat time.Duration) time.Duration {
	repeat := time.Duration(o.RepeatDelayMs) * time.Millisecond
	return o.Scale(trailingMs) + max(repeat, minRepeat)
}
