package evdev

import "github.com/dshills/macroreplay/internal/evcode"

// ioctl request encoding (Linux _IOC macro).
const (
	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocNone  = 0
	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, typ, nr, size uint32) uint {
	return uint(dir<<iocDirShift | typ<<iocTypeShift | nr<<iocNRShift | size<<iocSizeShift)
}

// Struct sizes passed to uinput.
const (
	uinputSetupSize    = 92 // struct uinput_setup
	uinputAbsSetupSize = 28 // struct uinput_abs_setup
	uinputMaxNameSize  = 80
)

// evdev requests.
var (
	eviocGrab = ioc(iocWrite, 'E', 0x90, 4)
)

func eviocGName(n int) uint {
	return ioc(iocRead, 'E', 0x06, uint32(n))
}

func eviocGBit(ev uint16, n int) uint {
	return ioc(iocRead, 'E', 0x20+uint32(ev), uint32(n))
}

// uinput requests.
var (
	uiDevCreate  = ioc(iocNone, 'U', 1, 0)
	uiDevDestroy = ioc(iocNone, 'U', 2, 0)
	uiDevSetup   = ioc(iocWrite, 'U', 3, uinputSetupSize)
	uiAbsSetup   = ioc(iocWrite, 'U', 4, uinputAbsSetupSize)
	uiSetEvBit   = ioc(iocWrite, 'U', 100, 4)
	uiSetKeyBit  = ioc(iocWrite, 'U', 101, 4)
	uiSetRelBit  = ioc(iocWrite, 'U', 102, 4)
	uiSetAbsBit  = ioc(iocWrite, 'U', 103, 4)
)

// Capability bitmap sizes in bytes.
const (
	evBitsLen  = 4  // EV_MAX 0x1f
	keyBitsLen = 96 // KEY_MAX 0x2ff
	relBitsLen = 2  // REL_MAX 0x0f
	absBitsLen = 8  // ABS_MAX 0x3f
)

func testBit(bits []byte, n uint16) bool {
	i := int(n / 8)
	return i < len(bits) && bits[i]&(1<<(n%8)) != 0
}

// Class describes what an input node can produce.
type Class struct {
	Mouse    bool
	Keyboard bool
}

// Bits is the set of capability bitmaps read from a device node.
type Bits struct {
	Ev, Key, Rel, Abs []byte
}

// keyboardProbe are keys every real keyboard has.
var keyboardProbe = []uint16{1, 28, 30, 44, 57} // ESC, ENTER, A, Z, SPACE

// Classify decides whether a node is a pointer, a keyboard, both, or
// neither. Pointers report a left button plus relative or absolute X/Y
// motion; keyboards report the probe keys.
func Classify(b Bits) Class {
	var c Class
	if !testBit(b.Ev, evcode.EvKey) {
		return c
	}
	if testBit(b.Key, evcode.BtnLeft) {
		rel := testBit(b.Ev, evcode.EvRel) && testBit(b.Rel, evcode.RelX) && testBit(b.Rel, evcode.RelY)
		abs := testBit(b.Ev, evcode.EvAbs) && testBit(b.Abs, evcode.AbsX) && testBit(b.Abs, evcode.AbsY)
		c.Mouse = rel || abs
	}
	c.Keyboard = true
	for _, k := range keyboardProbe {
		if !testBit(b.Key, k) {
			c.Keyboard = false
			break
		}
	}
	return c
}

// Wanted reports whether a node of class c serves a session capturing the
// given classes.
func (c Class) Wanted(mouse, keyboard bool) bool {
	return (mouse && c.Mouse) || (keyboard && c.Keyboard)
}
