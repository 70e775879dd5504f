package macro

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrFinalized is returned when appending to a frozen sequence.
	ErrFinalized = errors.New("sequence is finalized")

	// ErrOutOfOrder is returned when an event's timestamp precedes the previous event.
	ErrOutOfOrder = errors.New("event timestamp out of order")
)

// Stats holds aggregate statistics computed at finalization.
type Stats struct {
	EventCount      int
	MoveCount       int
	ClickCount      int
	KeyCount        int
	EventsPerSecond float64
}

// Sequence is an ordered list of events plus session metadata.
// Sequences are not safe for concurrent mutation; once finalized they are
// read-only and may be shared freely.
type Sequence struct {
	// Name is the user-facing macro name.
	Name string

	// CreatedAt is when recording started (or the file's recorded creation time).
	CreatedAt time.Time

	// IsAbsolute selects absolute pixel coordinates over relative deltas.
	IsAbsolute bool

	// SkipInitialOriginReset disables the corner reset before replay.
	SkipInitialOriginReset bool

	events          []Event
	totalDurationMs int64
	trailingDelayMs int64
	stats           Stats
	finalized       bool
}

// NewSequence creates an empty, appendable sequence.
func NewSequence(name string, absolute, skipOriginReset bool) *Sequence {
	return &Sequence{
		Name:                   name,
		CreatedAt:              time.Now(),
		IsAbsolute:             absolute,
		SkipInitialOriginReset: skipOriginReset,
	}
}

// Append adds an event. The event's TimestampMs must not precede the last
// event; DelayMs is derived from the timestamps and any value set by the
// caller is overwritten.
func (s *Sequence) Append(ev Event) error {
	if s.finalized {
		return ErrFinalized
	}
	if ev.TimestampMs < 0 {
		return fmt.Errorf("negative timestamp %d: %w", ev.TimestampMs, ErrOutOfOrder)
	}

	if n := len(s.events); n > 0 {
		prev := s.events[n-1].TimestampMs
		if ev.TimestampMs < prev {
			return fmt.Errorf("timestamp %d after %d: %w", ev.TimestampMs, prev, ErrOutOfOrder)
		}
		ev.DelayMs = ev.TimestampMs - prev
	} else {
		ev.DelayMs = 0
	}

	s.events = append(s.events, ev)
	return nil
}

// Finalize freezes the sequence, records the delay after the last event and
// computes statistics. Calling Finalize twice is a no-op.
func (s *Sequence) Finalize(trailingDelayMs int64) {
	if s.finalized {
		return
	}
	if trailingDelayMs < 0 {
		trailingDelayMs = 0
	}
	s.trailingDelayMs = trailingDelayMs

	var last int64
	if n := len(s.events); n > 0 {
		last = s.events[n-1].TimestampMs
	}
	s.totalDurationMs = last + trailingDelayMs
	s.stats = computeStats(s.events, s.totalDurationMs)
	s.finalized = true
}

// IsFinalized reports whether the sequence is frozen.
func (s *Sequence) IsFinalized() bool {
	return s.finalized
}

// Len returns the number of events.
func (s *Sequence) Len() int {
	return len(s.events)
}

// At returns the event at index i.
func (s *Sequence) At(i int) Event {
	return s.events[i]
}

// Events returns a copy of the events.
func (s *Sequence) Events() []Event {
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// TotalDurationMs returns the last timestamp plus the trailing delay.
// Valid after Finalize.
func (s *Sequence) TotalDurationMs() int64 {
	return s.totalDurationMs
}

// TrailingDelayMs returns the delay preserved after the last event.
func (s *Sequence) TrailingDelayMs() int64 {
	return s.trailingDelayMs
}

// Stats returns the statistics computed at finalization.
func (s *Sequence) Stats() Stats {
	if !s.finalized {
		return computeStats(s.events, 0)
	}
	return s.stats
}

// Clone returns an unfinalized deep copy that can be appended to.
func (s *Sequence) Clone() *Sequence {
	return &Sequence{
		Name:                   s.Name,
		CreatedAt:              s.CreatedAt,
		IsAbsolute:             s.IsAbsolute,
		SkipInitialOriginReset: s.SkipInitialOriginReset,
		events:                 s.Events(),
		trailingDelayMs:        s.trailingDelayMs,
	}
}

func computeStats(events []Event, durationMs int64) Stats {
	st := Stats{EventCount: len(events)}
	for _, ev := range events {
		switch ev.Type {
		case EventMouseMove:
			st.MoveCount++
		case EventClick, EventButtonPress:
			st.ClickCount++
		case EventKeyPress:
			st.KeyCount++
		}
	}
	if durationMs > 0 {
		st.EventsPerSecond = float64(len(events)) / (float64(durationMs) / 1000)
	}
	return st
}
