package term

import (
	"fmt"
	"unicode"

	"github.com/gdamore/tcell/v2"

	"github.com/dshills/macroreplay/internal/evcode"
)

func mustKey(name string) uint16 {
	code, err := evcode.ParseKey(name)
	if err != nil {
		panic(fmt.Sprintf("term: %v", err))
	}
	return code
}

var (
	keyLeftShift = mustKey("LEFTSHIFT")
	keyLeftCtrl  = mustKey("LEFTCTRL")
	keyLeftAlt   = mustKey("LEFTALT")
	keyLeftMeta  = mustKey("LEFTMETA")
)

var specialKeys = map[tcell.Key]uint16{
	tcell.KeyEnter:     mustKey("ENTER"),
	tcell.KeyTab:       mustKey("TAB"),
	tcell.KeyBacktab:   mustKey("TAB"),
	tcell.KeyBackspace: mustKey("BACKSPACE"),
	tcell.KeyEscape:    mustKey("ESC"),
	tcell.KeyDelete:    mustKey("DELETE"),
	tcell.KeyInsert:    mustKey("INSERT"),
	tcell.KeyHome:      mustKey("HOME"),
	tcell.KeyEnd:       mustKey("END"),
	tcell.KeyPgUp:      mustKey("PAGEUP"),
	tcell.KeyPgDn:      mustKey("PAGEDOWN"),
	tcell.KeyUp:        mustKey("UP"),
	tcell.KeyDown:      mustKey("DOWN"),
	tcell.KeyLeft:      mustKey("LEFT"),
	tcell.KeyRight:     mustKey("RIGHT"),
	tcell.KeyF1:        mustKey("F1"),
	tcell.KeyF2:        mustKey("F2"),
	tcell.KeyF3:        mustKey("F3"),
	tcell.KeyF4:        mustKey("F4"),
	tcell.KeyF5:        mustKey("F5"),
	tcell.KeyF6:        mustKey("F6"),
	tcell.KeyF7:        mustKey("F7"),
	tcell.KeyF8:        mustKey("F8"),
	tcell.KeyF9:        mustKey("F9"),
	tcell.KeyF10:       mustKey("F10"),
	tcell.KeyF11:       mustKey("F11"),
	tcell.KeyF12:       mustKey("F12"),
}

var runeKeys = func() map[rune]uint16 {
	m := map[rune]uint16{
		' ':  mustKey("SPACE"),
		'-':  mustKey("MINUS"),
		'=':  mustKey("EQUAL"),
		'[':  mustKey("LEFTBRACE"),
		']':  mustKey("RIGHTBRACE"),
		';':  mustKey("SEMICOLON"),
		'\'': mustKey("APOSTROPHE"),
		'`':  mustKey("GRAVE"),
		'\\': mustKey("BACKSLASH"),
		',':  mustKey("COMMA"),
		'.':  mustKey("DOT"),
		'/':  mustKey("SLASH"),
	}
	for r := 'a'; r <= 'z'; r++ {
		m[r] = mustKey(string(unicode.ToUpper(r)))
	}
	for r := '0'; r <= '9'; r++ {
		m[r] = mustKey(string(r))
	}
	return m
}()

// shiftedRunes maps US-layout shifted characters to their unshifted key.
var shiftedRunes = map[rune]rune{
	'!': '1', '@': '2', '#': '3', '$': '4', '%': '5',
	'^': '6', '&': '7', '*': '8', '(': '9', ')': '0',
	'_': '-', '+': '=', '{': '[', '}': ']', ':': ';',
	'"': '\'', '~': '`', '|': '\\', '<': ',', '>': '.', '?': '/',
}

// Keystroke is a terminal key translated to input codes: the modifiers to
// hold and the key to tap.
type Keystroke struct {
	Modifiers []uint16
	Code      uint16
}

// Translate maps a tcell key event to a keystroke on a US layout. Keys with
// no input code report ok == false.
func Translate(ev *tcell.EventKey) (Keystroke, bool) {
	var ks Keystroke
	mods := ev.Modifiers()

	switch k := ev.Key(); {
	case k == tcell.KeyRune:
		r := ev.Rune()
		if unicode.IsUpper(r) {
			r = unicode.ToLower(r)
			mods |= tcell.ModShift
		} else if base, ok := shiftedRunes[r]; ok {
			r = base
			mods |= tcell.ModShift
		}
		code, ok := runeKeys[r]
		if !ok {
			return ks, false
		}
		ks.Code = code
	case specialKeys[k] != 0:
		ks.Code = specialKeys[k]
		if k == tcell.KeyBacktab {
			mods |= tcell.ModShift
		}
	case k >= tcell.KeyCtrlA && k <= tcell.KeyCtrlZ:
		ks.Code = runeKeys['a'+rune(k-tcell.KeyCtrlA)]
		mods |= tcell.ModCtrl
	default:
		return ks, false
	}

	if mods&tcell.ModCtrl != 0 {
		ks.Modifiers = append(ks.Modifiers, keyLeftCtrl)
	}
	if mods&tcell.ModAlt != 0 {
		ks.Modifiers = append(ks.Modifiers, keyLeftAlt)
	}
	if mods&tcell.ModMeta != 0 {
		ks.Modifiers = append(ks.Modifiers, keyLeftMeta)
	}
	if mods&tcell.ModShift != 0 {
		ks.Modifiers = append(ks.Modifiers, keyLeftShift)
	}
	return ks, true
}
