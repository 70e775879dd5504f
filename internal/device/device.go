// Package device defines the narrow capability interfaces the recording and
// playback engine consumes from platform backends.
//
// Three capabilities exist:
//
//   - CaptureSource: a stream of raw input events from one physical device
//   - PositionSource: authoritative cursor position and screen resolution
//   - Injector: synthetic input injection
//
// Backends opt into extra behavior through small optional interfaces
// (DirectWarper, AuthoritativePosition) discovered with type assertions once
// per session by Resolve.
package device

import (
	"context"
	"errors"
	"time"

	"github.com/dshills/macroreplay/internal/evcode"
)

var (
	// ErrNoDevices is returned when no matching physical devices exist.
	ErrNoDevices = errors.New("no matching input devices found")

	// ErrUnavailable is returned when a backend cannot be used on this system.
	ErrUnavailable = errors.New("backend unavailable")
)

// Kind is the class of a raw event.
type Kind uint8

const (
	// KindSync marks the end of one hardware report.
	KindSync Kind = iota
	// KindKey is a key or button state change.
	KindKey
	// KindRelative is a relative axis motion.
	KindRelative
	// KindAbsolute is an absolute axis report.
	KindAbsolute
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindSync:
		return "sync"
	case KindKey:
		return "key"
	case KindRelative:
		return "rel"
	case KindAbsolute:
		return "abs"
	default:
		return "unknown"
	}
}

// KindFromType maps an input event type to a Kind.
func KindFromType(typ uint16) (Kind, bool) {
	switch typ {
	case evcode.EvSyn:
		return KindSync, true
	case evcode.EvKey:
		return KindKey, true
	case evcode.EvRel:
		return KindRelative, true
	case evcode.EvAbs:
		return KindAbsolute, true
	default:
		return 0, false
	}
}

// RawEvent is one hardware report delivered by a CaptureSource.
type RawEvent struct {
	// Device names the source that produced the event.
	Device string
	Kind   Kind
	Code   uint16
	Value  int32
	// Time is when the event was read; zero means "now" to consumers.
	Time time.Time
}

// CaptureSource streams raw events from one device.
type CaptureSource interface {
	// Name identifies the device in logs and RawEvent.Device.
	Name() string

	// Configure selects which event classes the source should deliver.
	Configure(captureMouse, captureKeyboard bool) error

	// Run delivers events to out until ctx is cancelled or the device fails.
	// It returns nil on cancellation.
	Run(ctx context.Context, out chan<- RawEvent) error

	// Close releases the device handle.
	Close() error
}

// CaptureProvider opens the capture sources for one recording session.
// On error, any source it opened must already be closed.
type CaptureProvider interface {
	Open(ctx context.Context, captureMouse, captureKeyboard bool) ([]CaptureSource, error)
}

// CaptureProviderFunc adapts a function to CaptureProvider.
type CaptureProviderFunc func(ctx context.Context, captureMouse, captureKeyboard bool) ([]CaptureSource, error)

// Open calls f.
func (f CaptureProviderFunc) Open(ctx context.Context, captureMouse, captureKeyboard bool) ([]CaptureSource, error) {
	return f(ctx, captureMouse, captureKeyboard)
}

// PositionSource answers cursor position and resolution queries.
// Both may report "unavailable" (ok == false) rather than failing.
type PositionSource interface {
	AbsolutePosition(ctx context.Context) (x, y int, ok bool)
	ScreenResolution(ctx context.Context) (width, height int, ok bool)
}

// Injector emits synthetic input. Width and height of zero request a
// relative-only device.
type Injector interface {
	Initialize(width, height int) error
	MoveAbsolute(x, y int) error
	MoveRelative(dx, dy int) error
	SetButton(code uint16, pressed bool) error
	Scroll(delta int, horizontal bool) error
	SetKey(code uint16, pressed bool) error
	Sync() error
	Close() error
}

// InjectorFactory creates an uninitialized injector.
type InjectorFactory func(ctx context.Context) (Injector, error)

// DirectWarper is implemented by position backends that can place the
// cursor directly without going through an injector.
type DirectWarper interface {
	WarpCursor(x, y int) error
}

// AuthoritativePosition is implemented by capture sources whose motion
// events already carry authoritative absolute positions, making background
// drift correction unnecessary.
type AuthoritativePosition interface {
	ReportsAbsolutePosition() bool
}

// IsAuthoritative reports whether src delivers authoritative positions.
func IsAuthoritative(src CaptureSource) bool {
	ap, ok := src.(AuthoritativePosition)
	return ok && ap.ReportsAbsolutePosition()
}
