package macro

import (
	"fmt"
	"strings"
	"time"
)

// Limits bounds what Validate considers reasonable.
type Limits struct {
	// MaxDelayMs flags individual delays longer than this.
	MaxDelayMs int64
	// MaxEvents flags sequences with more events than this.
	MaxEvents int
	// MaxDurationMs flags sequences running longer than this.
	MaxDurationMs int64
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxDelayMs:    int64(time.Minute / time.Millisecond),
		MaxEvents:     100_000,
		MaxDurationMs: int64(time.Hour / time.Millisecond),
	}
}

// ValidationResult collects blocking errors and informational warnings.
type ValidationResult struct {
	Errors   []string
	Warnings []string
}

// OK reports whether the sequence may be played.
func (r ValidationResult) OK() bool {
	return len(r.Errors) == 0
}

// Err returns the aggregated errors, or nil when there are none.
func (r ValidationResult) Err() error {
	if r.OK() {
		return nil
	}
	return &ValidationError{Errors: r.Errors}
}

// Warn appends a warning.
func (r *ValidationResult) Warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) fail(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// ValidationError aggregates every blocking validation problem.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return "invalid macro: " + e.Errors[0]
	}
	return fmt.Sprintf("invalid macro (%d problems): %s", len(e.Errors), strings.Join(e.Errors, "; "))
}

// Validate checks a sequence before playback.
func Validate(seq *Sequence, limits Limits) ValidationResult {
	var res ValidationResult

	if seq == nil {
		res.fail("sequence is nil")
		return res
	}
	if seq.Len() == 0 {
		res.fail("sequence %q has no events", seq.Name)
		return res
	}

	var prev int64
	for i, ev := range seq.events {
		if !ev.Type.IsValid() {
			res.fail("event %d has undefined type %d", i, ev.Type)
		}
		if ev.DelayMs < 0 {
			res.fail("event %d has negative delay %dms", i, ev.DelayMs)
		}
		if i > 0 {
			if ev.TimestampMs < prev {
				res.fail("event %d timestamp %dms precedes previous %dms", i, ev.TimestampMs, prev)
			} else if ev.DelayMs != ev.TimestampMs-prev {
				res.fail("event %d delay %dms does not match timestamps", i, ev.DelayMs)
			}
		} else if ev.DelayMs != 0 {
			res.fail("first event has non-zero delay %dms", ev.DelayMs)
		}
		switch ev.Type {
		case EventClick, EventButtonPress, EventButtonRelease:
			if ev.Button == ButtonNone {
				res.fail("event %d (%s) has no button", i, ev.Type)
			}
			if ev.Type != EventClick && ev.Button.IsScroll() {
				res.fail("event %d presses scroll pseudo-button %s", i, ev.Button)
			}
		case EventKeyPress, EventKeyRelease:
			if ev.KeyCode == 0 {
				res.fail("event %d (%s) has no key code", i, ev.Type)
			}
		}
		if limits.MaxDelayMs > 0 && ev.DelayMs > limits.MaxDelayMs {
			res.Warn("event %d waits %s", i, time.Duration(ev.DelayMs)*time.Millisecond)
		}
		prev = ev.TimestampMs
	}

	if limits.MaxEvents > 0 && seq.Len() > limits.MaxEvents {
		res.Warn("sequence has %d events (more than %d)", seq.Len(), limits.MaxEvents)
	}
	duration := seq.TotalDurationMs()
	if duration == 0 {
		duration = prev + seq.TrailingDelayMs()
	}
	if limits.MaxDurationMs > 0 && duration > limits.MaxDurationMs {
		res.Warn("sequence runs for %s", time.Duration(duration)*time.Millisecond)
	}

	return res
}
