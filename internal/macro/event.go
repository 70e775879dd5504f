package macro

import (
	"fmt"

	"github.com/dshills/macroreplay/internal/evcode"
)

// EventType identifies the kind of a recorded action.
type EventType uint8

const (
	// EventNone is an undefined event; sequences containing it fail validation.
	EventNone EventType = iota
	// EventMouseMove moves the pointer.
	EventMouseMove
	// EventClick is a full press+release, or a scroll notch for scroll buttons.
	EventClick
	// EventButtonPress presses a mouse button.
	EventButtonPress
	// EventButtonRelease releases a mouse button.
	EventButtonRelease
	// EventKeyPress presses a keyboard key.
	EventKeyPress
	// EventKeyRelease releases a keyboard key.
	EventKeyRelease
)

// String returns a string representation of the event type.
func (t EventType) String() string {
	switch t {
	case EventMouseMove:
		return "mouse-move"
	case EventClick:
		return "click"
	case EventButtonPress:
		return "button-press"
	case EventButtonRelease:
		return "button-release"
	case EventKeyPress:
		return "key-press"
	case EventKeyRelease:
		return "key-release"
	default:
		return "none"
	}
}

// IsValid reports whether t is a defined, replayable event type.
func (t EventType) IsValid() bool {
	return t >= EventMouseMove && t <= EventKeyRelease
}

// IsMouse reports whether t is a pointer event.
func (t EventType) IsMouse() bool {
	return t == EventMouseMove || t == EventClick || t == EventButtonPress || t == EventButtonRelease
}

// IsKey reports whether t is a keyboard event.
func (t EventType) IsKey() bool {
	return t == EventKeyPress || t == EventKeyRelease
}

// Button represents a mouse button. Scroll directions are pseudo-buttons
// carried on EventClick.
type Button uint8

const (
	// ButtonNone indicates no button (keyboard events, moves).
	ButtonNone Button = iota
	// ButtonLeft is the primary (left) mouse button.
	ButtonLeft
	// ButtonMiddle is the middle mouse button (scroll wheel click).
	ButtonMiddle
	// ButtonRight is the secondary (right) mouse button.
	ButtonRight
	// ButtonScrollUp indicates scroll wheel up.
	ButtonScrollUp
	// ButtonScrollDown indicates scroll wheel down.
	ButtonScrollDown
	// ButtonScrollLeft indicates horizontal scroll left.
	ButtonScrollLeft
	// ButtonScrollRight indicates horizontal scroll right.
	ButtonScrollRight
	// ButtonBack is the back navigation button (side button).
	ButtonBack
	// ButtonForward is the forward navigation button (extra button).
	ButtonForward
)

var buttonNames = [...]string{
	ButtonNone:        "none",
	ButtonLeft:        "left",
	ButtonMiddle:      "middle",
	ButtonRight:       "right",
	ButtonScrollUp:    "scroll-up",
	ButtonScrollDown:  "scroll-down",
	ButtonScrollLeft:  "scroll-left",
	ButtonScrollRight: "scroll-right",
	ButtonBack:        "back",
	ButtonForward:     "forward",
}

// String returns a string representation of the button.
func (b Button) String() string {
	if int(b) < len(buttonNames) {
		return buttonNames[b]
	}
	return "none"
}

// IsScroll returns true if this is a scroll pseudo-button.
func (b Button) IsScroll() bool {
	return b == ButtonScrollUp || b == ButtonScrollDown ||
		b == ButtonScrollLeft || b == ButtonScrollRight
}

// ScrollDelta returns the wheel delta and axis for a scroll pseudo-button.
// Up and right scroll positive, matching REL_WHEEL and REL_HWHEEL.
func (b Button) ScrollDelta() (delta int, horizontal bool) {
	switch b {
	case ButtonScrollUp:
		return 1, false
	case ButtonScrollDown:
		return -1, false
	case ButtonScrollRight:
		return 1, true
	case ButtonScrollLeft:
		return -1, true
	default:
		return 0, false
	}
}

// Code returns the input event code injected for a physical button.
// Scroll pseudo-buttons and ButtonNone return 0.
func (b Button) Code() uint16 {
	switch b {
	case ButtonLeft:
		return evcode.BtnLeft
	case ButtonMiddle:
		return evcode.BtnMiddle
	case ButtonRight:
		return evcode.BtnRight
	case ButtonBack:
		return evcode.BtnSide
	case ButtonForward:
		return evcode.BtnExtra
	default:
		return 0
	}
}

// ButtonFromCode maps an input event button code to a Button.
func ButtonFromCode(code uint16) Button {
	switch code {
	case evcode.BtnLeft:
		return ButtonLeft
	case evcode.BtnMiddle:
		return ButtonMiddle
	case evcode.BtnRight:
		return ButtonRight
	case evcode.BtnSide, evcode.BtnBack:
		return ButtonBack
	case evcode.BtnExtra, evcode.BtnForward:
		return ButtonForward
	default:
		return ButtonNone
	}
}

// ScrollButton returns the pseudo-button for one wheel notch.
func ScrollButton(delta int, horizontal bool) Button {
	switch {
	case horizontal && delta > 0:
		return ButtonScrollRight
	case horizontal:
		return ButtonScrollLeft
	case delta > 0:
		return ButtonScrollUp
	default:
		return ButtonScrollDown
	}
}

// ParseButton parses a button name as produced by String.
func ParseButton(s string) (Button, error) {
	for i, name := range buttonNames {
		if name == s {
			return Button(i), nil
		}
	}
	return ButtonNone, fmt.Errorf("unknown button %q", s)
}

// Event is one discrete recorded or replayed action.
type Event struct {
	// Type is the kind of action.
	Type EventType

	// TimestampMs is the elapsed time since recording start.
	TimestampMs int64

	// DelayMs is the time since the previous event (0 for the first).
	DelayMs int64

	// X and Y are absolute pixels or relative deltas, per the sequence.
	X int
	Y int

	// Button is the mouse button, ButtonNone for keyboard events.
	Button Button

	// KeyCode is the key identifier for keyboard events.
	KeyCode uint16
}

// String returns a compact description for logs.
func (e Event) String() string {
	switch {
	case e.Type.IsKey():
		return fmt.Sprintf("%s %s @%dms", e.Type, evcode.KeyName(e.KeyCode), e.TimestampMs)
	case e.Type == EventMouseMove:
		return fmt.Sprintf("%s (%d,%d) @%dms", e.Type, e.X, e.Y, e.TimestampMs)
	default:
		return fmt.Sprintf("%s %s (%d,%d) @%dms", e.Type, e.Button, e.X, e.Y, e.TimestampMs)
	}
}
