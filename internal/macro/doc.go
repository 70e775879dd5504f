// Package macro provides the timeline data model for recorded input.
//
// A macro is a flat, ordered list of timed input events. Events carry the
// time since recording started and the delay since the previous event;
// ordering is the only replay contract, no event carries wall-clock time.
//
// # Sequences
//
// A Sequence is built by appending events while recording (or while a file
// is being loaded) and is frozen by Finalize. Once finalized it is read-only
// and safe to share between goroutines.
//
//	seq := macro.NewSequence("login", true, false)
//	seq.Append(macro.Event{Type: macro.EventMouseMove, TimestampMs: 0, X: 10, Y: 20})
//	seq.Append(macro.Event{Type: macro.EventButtonPress, TimestampMs: 40, Button: macro.ButtonLeft})
//	seq.Finalize(0)
//
// # Coordinates
//
// Whether X and Y are absolute screen pixels or relative deltas is decided by
// the owning sequence's IsAbsolute flag, never by the event itself.
//
// # Validation
//
// Validate inspects a sequence before playback. Errors block playback;
// warnings are informational.
package macro
