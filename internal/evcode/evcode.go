// Package evcode holds the Linux input event codes macroreplay uses as its
// platform-neutral key and button identifiers, plus name lookup tables.
package evcode

import (
	"fmt"
	"strconv"
	"strings"
)

// Event types.
const (
	EvSyn uint16 = 0x00
	EvKey uint16 = 0x01
	EvRel uint16 = 0x02
	EvAbs uint16 = 0x03
)

// Synchronization codes.
const (
	SynReport uint16 = 0x00
)

// Relative axes.
const (
	RelX      uint16 = 0x00
	RelY      uint16 = 0x01
	RelHWheel uint16 = 0x06
	RelWheel  uint16 = 0x08
)

// Absolute axes.
const (
	AbsX uint16 = 0x00
	AbsY uint16 = 0x01
)

// Mouse buttons.
const (
	BtnMouse   uint16 = 0x110
	BtnLeft    uint16 = 0x110
	BtnRight   uint16 = 0x111
	BtnMiddle  uint16 = 0x112
	BtnSide    uint16 = 0x113
	BtnExtra   uint16 = 0x114
	BtnForward uint16 = 0x115
	BtnBack    uint16 = 0x116
	BtnTask    uint16 = 0x117

	// btnMouseEnd is one past the last code in the mouse button block.
	btnMouseEnd uint16 = 0x120
)

// Key values reported with EvKey events.
const (
	ValueRelease int32 = 0
	ValuePress   int32 = 1
	ValueRepeat  int32 = 2
)

// KeyMax is the highest keyboard key code injected devices advertise.
const KeyMax uint16 = 0xff

// IsMouseButton reports whether code falls in the mouse button block.
func IsMouseButton(code uint16) bool {
	return code >= BtnMouse && code < btnMouseEnd
}

// IsKeyboardKey reports whether code is a keyboard key (KEY_ESC..KEY_MICMUTE range).
func IsKeyboardKey(code uint16) bool {
	return code > 0 && code <= KeyMax
}

var keyNames = map[uint16]string{
	1: "ESC", 2: "1", 3: "2", 4: "3", 5: "4", 6: "5", 7: "6", 8: "7", 9: "8", 10: "9", 11: "0",
	12: "MINUS", 13: "EQUAL", 14: "BACKSPACE", 15: "TAB",
	16: "Q", 17: "W", 18: "E", 19: "R", 20: "T", 21: "Y", 22: "U", 23: "I", 24: "O", 25: "P",
	26: "LEFTBRACE", 27: "RIGHTBRACE", 28: "ENTER", 29: "LEFTCTRL",
	30: "A", 31: "S", 32: "D", 33: "F", 34: "G", 35: "H", 36: "J", 37: "K", 38: "L",
	39: "SEMICOLON", 40: "APOSTROPHE", 41: "GRAVE", 42: "LEFTSHIFT", 43: "BACKSLASH",
	44: "Z", 45: "X", 46: "C", 47: "V", 48: "B", 49: "N", 50: "M",
	51: "COMMA", 52: "DOT", 53: "SLASH", 54: "RIGHTSHIFT", 55: "KPASTERISK",
	56: "LEFTALT", 57: "SPACE", 58: "CAPSLOCK",
	59: "F1", 60: "F2", 61: "F3", 62: "F4", 63: "F5", 64: "F6", 65: "F7", 66: "F8", 67: "F9", 68: "F10",
	69: "NUMLOCK", 70: "SCROLLLOCK", 87: "F11", 88: "F12",
	96: "KPENTER", 97: "RIGHTCTRL", 99: "SYSRQ", 100: "RIGHTALT",
	102: "HOME", 103: "UP", 104: "PAGEUP", 105: "LEFT", 106: "RIGHT",
	107: "END", 108: "DOWN", 109: "PAGEDOWN", 110: "INSERT", 111: "DELETE",
	119: "PAUSE", 125: "LEFTMETA", 126: "RIGHTMETA", 127: "COMPOSE",
}

var keyCodes = func() map[string]uint16 {
	m := make(map[string]uint16, len(keyNames))
	for code, name := range keyNames {
		m[name] = code
	}
	return m
}()

// KeyName returns the KEY_* name for code, or KEY_<n> for unnamed codes.
func KeyName(code uint16) string {
	if name, ok := keyNames[code]; ok {
		return "KEY_" + name
	}
	return fmt.Sprintf("KEY_%d", code)
}

// ParseKey resolves a key name ("KEY_A", "a", "esc") or decimal code.
func ParseKey(s string) (uint16, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	name = strings.TrimPrefix(name, "KEY_")
	if name == "" {
		return 0, fmt.Errorf("empty key name")
	}
	if code, ok := keyCodes[name]; ok {
		return code, nil
	}
	n, err := strconv.ParseUint(name, 10, 16)
	if err != nil || n == 0 || n > uint64(KeyMax) {
		return 0, fmt.Errorf("unknown key %q", s)
	}
	return uint16(n), nil
}
