// Package inputstate tracks which buttons and keys are held during playback
// so they can be force-released on stop, pause, error and disposal.
package inputstate

import (
	"errors"
	"slices"
	"sync"

	"github.com/dshills/macroreplay/internal/evcode"
)

// Setter changes the state of one code on an injection device.
// device.Injector's SetButton and SetKey both satisfy it.
type Setter func(code uint16, pressed bool) error

// FailsafeButtons are released on every ReleaseAll, tracked or not.
var FailsafeButtons = []uint16{evcode.BtnLeft, evcode.BtnRight, evcode.BtnMiddle}

// Tracker is a concurrency-safe set of currently pressed codes.
type Tracker struct {
	mu       sync.Mutex
	pressed  map[uint16]struct{}
	failsafe []uint16
}

// NewButtonTracker creates a tracker whose ReleaseAll also releases the
// primary mouse buttons.
func NewButtonTracker() *Tracker {
	return &Tracker{
		pressed:  make(map[uint16]struct{}),
		failsafe: FailsafeButtons,
	}
}

// NewKeyTracker creates a tracker for keyboard keys.
func NewKeyTracker() *Tracker {
	return &Tracker{pressed: make(map[uint16]struct{})}
}

// Press marks code as held.
func (t *Tracker) Press(code uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pressed[code] = struct{}{}
}

// Release marks code as no longer held.
func (t *Tracker) Release(code uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pressed, code)
}

// IsPressed reports whether code is held.
func (t *Tracker) IsPressed(code uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pressed[code]
	return ok
}

// Len returns the number of held codes.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pressed)
}

// Snapshot returns the held codes in ascending order.
func (t *Tracker) Snapshot() []uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sortedLocked()
}

// ReleaseAll releases every held code through set, clears the set, then
// issues the failsafe releases. Every release is attempted; errors are joined.
// It returns the codes that were held.
func (t *Tracker) ReleaseAll(set Setter) ([]uint16, error) {
	t.mu.Lock()
	held := t.sortedLocked()
	clear(t.pressed)
	t.mu.Unlock()

	var errs []error
	for _, code := range held {
		if err := set(code, false); err != nil {
			errs = append(errs, err)
		}
	}
	for _, code := range t.failsafe {
		if slices.Contains(held, code) {
			continue
		}
		if err := set(code, false); err != nil {
			errs = append(errs, err)
		}
	}
	return held, errors.Join(errs...)
}

// RestoreAll presses codes through set and tracks them. It stops at the
// first failure so the tracked set matches what the device actually holds.
func (t *Tracker) RestoreAll(set Setter, codes []uint16) error {
	for _, code := range codes {
		if err := set(code, true); err != nil {
			return err
		}
		t.Press(code)
	}
	return nil
}

func (t *Tracker) sortedLocked() []uint16 {
	out := make([]uint16, 0, len(t.pressed))
	for code := range t.pressed {
		out = append(out, code)
	}
	slices.Sort(out)
	return out
}
