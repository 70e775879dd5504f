package capture

import (
	"github.com/dshills/macroreplay/internal/coord"
	"github.com/dshills/macroreplay/internal/device"
	"github.com/dshills/macroreplay/internal/evcode"
	"github.com/dshills/macroreplay/internal/macro"
)

// Filter selects which raw events a Coalescer turns into macro events.
type Filter struct {
	CaptureMouse    bool
	CaptureKeyboard bool

	// Ignored lists key and button codes that are never recorded.
	Ignored map[uint16]struct{}
}

// NewFilter builds a filter from a list of ignored codes.
func NewFilter(mouse, keyboard bool, ignored []uint16) Filter {
	f := Filter{CaptureMouse: mouse, CaptureKeyboard: keyboard}
	if len(ignored) > 0 {
		f.Ignored = make(map[uint16]struct{}, len(ignored))
		for _, code := range ignored {
			f.Ignored[code] = struct{}{}
		}
	}
	return f
}

func (f Filter) ignores(code uint16) bool {
	_, ok := f.Ignored[code]
	return ok
}

// Coalescer turns the raw event stream of one device into macro events.
//
// Relative motion on X and Y accumulates until a sync report or any
// non-motion event arrives; the accumulated delta is then emitted as one
// MouseMove ahead of whatever triggered the flush. Absolute axis reports are
// coalesced the same way. Key repeats are dropped.
//
// Returned events carry coordinates from the shared coord.Tracker but no
// timestamps; the caller stamps them. A Coalescer is not safe for
// concurrent use.
type Coalescer struct {
	filter  Filter
	tracker *coord.Tracker

	pendingDX, pendingDY int
	hasRelative          bool

	absX, absY  int
	absKnownX   bool
	absKnownY   bool
	hasAbsolute bool
}

// NewCoalescer creates a coalescer feeding tracker.
func NewCoalescer(tracker *coord.Tracker, filter Filter) *Coalescer {
	return &Coalescer{filter: filter, tracker: tracker}
}

// Pending reports whether motion is waiting for a flush.
func (c *Coalescer) Pending() bool {
	return c.hasRelative || c.hasAbsolute
}

// Feed processes one raw event and returns the macro events it completes,
// in emission order.
func (c *Coalescer) Feed(ev device.RawEvent) []macro.Event {
	switch ev.Kind {
	case device.KindSync:
		if ev.Code == evcode.SynReport {
			return c.Flush()
		}
		return nil

	case device.KindRelative:
		if !c.filter.CaptureMouse {
			return nil
		}
		switch ev.Code {
		case evcode.RelX:
			c.pendingDX += int(ev.Value)
			c.hasRelative = true
		case evcode.RelY:
			c.pendingDY += int(ev.Value)
			c.hasRelative = true
		case evcode.RelWheel:
			return c.scroll(int(ev.Value), false)
		case evcode.RelHWheel:
			return c.scroll(int(ev.Value), true)
		}
		return nil

	case device.KindAbsolute:
		if !c.filter.CaptureMouse {
			return nil
		}
		switch ev.Code {
		case evcode.AbsX:
			c.absX, c.absKnownX = int(ev.Value), true
			c.hasAbsolute = true
		case evcode.AbsY:
			c.absY, c.absKnownY = int(ev.Value), true
			c.hasAbsolute = true
		}
		return nil

	case device.KindKey:
		return c.key(ev.Code, ev.Value)
	}
	return nil
}

// Flush emits any pending motion.
func (c *Coalescer) Flush() []macro.Event {
	var out []macro.Event

	if c.hasAbsolute {
		c.hasAbsolute = false
		ax, ay := c.absX, c.absY
		if !c.absKnownX || !c.absKnownY {
			tx, ty := c.tracker.Position()
			if !c.absKnownX {
				ax = tx
			}
			if !c.absKnownY {
				ay = ty
			}
		}
		if x, y, ok := c.tracker.TrackAbsolute(ax, ay); ok {
			out = append(out, macro.Event{Type: macro.EventMouseMove, X: x, Y: y})
		}
	}

	if c.hasRelative {
		dx, dy := c.pendingDX, c.pendingDY
		c.pendingDX, c.pendingDY = 0, 0
		c.hasRelative = false
		if dx != 0 || dy != 0 {
			x, y := c.tracker.TrackDelta(dx, dy)
			out = append(out, macro.Event{Type: macro.EventMouseMove, X: x, Y: y})
		}
	}

	return out
}

func (c *Coalescer) scroll(value int, horizontal bool) []macro.Event {
	if value == 0 {
		return nil
	}
	btn := macro.ScrollButton(value, horizontal)
	out := c.Flush()
	x, y := c.tracker.Position()
	notches := value
	if notches < 0 {
		notches = -notches
	}
	for i := 0; i < notches; i++ {
		out = append(out, macro.Event{Type: macro.EventClick, X: x, Y: y, Button: btn})
	}
	return out
}

func (c *Coalescer) key(code uint16, value int32) []macro.Event {
	if value == evcode.ValueRepeat || c.filter.ignores(code) {
		return nil
	}
	pressed := value != evcode.ValueRelease

	switch {
	case evcode.IsMouseButton(code):
		if !c.filter.CaptureMouse {
			return nil
		}
		btn := macro.ButtonFromCode(code)
		if btn == macro.ButtonNone {
			return nil
		}
		out := c.Flush()
		x, y := c.tracker.Position()
		typ := macro.EventButtonRelease
		if pressed {
			typ = macro.EventButtonPress
		}
		return append(out, macro.Event{Type: typ, X: x, Y: y, Button: btn})

	case evcode.IsKeyboardKey(code):
		if !c.filter.CaptureKeyboard {
			return nil
		}
		out := c.Flush()
		typ := macro.EventKeyRelease
		if pressed {
			typ = macro.EventKeyPress
		}
		return append(out, macro.Event{Type: typ, KeyCode: code})
	}
	return nil
}
