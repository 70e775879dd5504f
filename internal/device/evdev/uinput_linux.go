//go:build linux

package evdev

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/dshills/macroreplay/internal/device"
	"github.com/dshills/macroreplay/internal/evcode"
)

// nativeEventSize is sizeof(struct input_event) on this platform.
const nativeEventSize = int(unsafe.Sizeof(unix.Timeval{})) + 8

// Virtual device identity.
const (
	busUSB        = 0x03
	vendorID      = 0x1209
	productID     = 0x4d52
	deviceVersion = 1
)

// Injector emits input through a uinput virtual device. Initialize creates
// the device; width and height of zero create a relative-only device.
type Injector struct {
	opts options

	mu       sync.Mutex
	fd       int
	absolute bool
	width    int
	height   int
	buf      []byte
}

// NewInjector returns an uninitialized injector.
func NewInjector(opts ...Option) *Injector {
	return &Injector{opts: newOptions(opts), fd: -1}
}

// Factory returns a device.InjectorFactory producing uinput injectors.
func Factory(opts ...Option) device.InjectorFactory {
	return func(ctx context.Context) (device.Injector, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return NewInjector(opts...), nil
	}
}

// Initialize creates the virtual device.
func (inj *Injector) Initialize(width, height int) error {
	inj.mu.Lock()
	defer inj.mu.Unlock()

	if inj.fd >= 0 {
		return errors.New("uinput device already initialized")
	}
	fd, err := unix.Open(inj.opts.uinputPath, unix.O_WRONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return fmt.Errorf("open %s: %w", inj.opts.uinputPath, device.ErrUnavailable)
		}
		return fmt.Errorf("open %s: %w", inj.opts.uinputPath, err)
	}

	absolute := width > 0 && height > 0
	if err := setupDevice(fd, inj.opts.name, absolute, width, height); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("create uinput device: %w", err)
	}

	inj.fd = fd
	inj.absolute = absolute
	inj.width, inj.height = width, height
	inj.opts.logger.Debug("uinput device created", "name", inj.opts.name, "absolute", absolute, "width", width, "height", height)
	return nil
}

func setupDevice(fd int, name string, absolute bool, width, height int) error {
	evBits := []uint16{evcode.EvSyn, evcode.EvKey, evcode.EvRel}
	if absolute {
		evBits = append(evBits, evcode.EvAbs)
	}
	for _, ev := range evBits {
		if err := unix.IoctlSetInt(fd, uiSetEvBit, int(ev)); err != nil {
			return fmt.Errorf("UI_SET_EVBIT %d: %w", ev, err)
		}
	}

	for code := uint16(1); code <= evcode.KeyMax; code++ {
		if err := unix.IoctlSetInt(fd, uiSetKeyBit, int(code)); err != nil {
			return fmt.Errorf("UI_SET_KEYBIT %d: %w", code, err)
		}
	}
	for code := evcode.BtnLeft; code <= evcode.BtnTask; code++ {
		if err := unix.IoctlSetInt(fd, uiSetKeyBit, int(code)); err != nil {
			return fmt.Errorf("UI_SET_KEYBIT %#x: %w", code, err)
		}
	}

	for _, rel := range []uint16{evcode.RelX, evcode.RelY, evcode.RelWheel, evcode.RelHWheel} {
		if err := unix.IoctlSetInt(fd, uiSetRelBit, int(rel)); err != nil {
			return fmt.Errorf("UI_SET_RELBIT %d: %w", rel, err)
		}
	}

	if absolute {
		axes := []struct {
			code uint16
			max  int
		}{{evcode.AbsX, width - 1}, {evcode.AbsY, height - 1}}
		for _, a := range axes {
			if err := unix.IoctlSetInt(fd, uiSetAbsBit, int(a.code)); err != nil {
				return fmt.Errorf("UI_SET_ABSBIT %d: %w", a.code, err)
			}
			setup := absSetup(a.code, 0, int32(a.max))
			if err := ioctlBuf(fd, uiAbsSetup, setup); err != nil {
				return fmt.Errorf("UI_ABS_SETUP %d: %w", a.code, err)
			}
		}
	}

	if err := ioctlBuf(fd, uiDevSetup, devSetup(name)); err != nil {
		return fmt.Errorf("UI_DEV_SETUP: %w", err)
	}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(uiDevCreate), 0); errno != 0 {
		return fmt.Errorf("UI_DEV_CREATE: %w", errno)
	}
	return nil
}

// devSetup lays out struct uinput_setup.
func devSetup(name string) []byte {
	b := make([]byte, uinputSetupSize)
	binary.NativeEndian.PutUint16(b[0:2], busUSB)
	binary.NativeEndian.PutUint16(b[2:4], vendorID)
	binary.NativeEndian.PutUint16(b[4:6], productID)
	binary.NativeEndian.PutUint16(b[6:8], deviceVersion)
	copy(b[8:8+uinputMaxNameSize-1], name)
	return b
}

// absSetup lays out struct uinput_abs_setup.
func absSetup(code uint16, minimum, maximum int32) []byte {
	b := make([]byte, uinputAbsSetupSize)
	binary.NativeEndian.PutUint16(b[0:2], code)
	// b[4:28] is struct input_absinfo: value, min, max, fuzz, flat, resolution.
	binary.NativeEndian.PutUint32(b[8:12], uint32(minimum))
	binary.NativeEndian.PutUint32(b[12:16], uint32(maximum))
	return b
}

func (inj *Injector) write(events ...Event) error {
	inj.mu.Lock()
	defer inj.mu.Unlock()

	if inj.fd < 0 {
		return errors.New("uinput device not initialized")
	}
	inj.buf = inj.buf[:0]
	for _, e := range events {
		inj.buf = Encode(inj.buf, e, nativeEventSize)
	}
	for len(inj.buf) > 0 {
		n, err := unix.Write(inj.fd, inj.buf)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("write uinput: %w", err)
		}
		inj.buf = inj.buf[n:]
	}
	return nil
}

// MoveAbsolute positions the pointer. Coordinates are clamped to the
// device range.
func (inj *Injector) MoveAbsolute(x, y int) error {
	inj.mu.Lock()
	absolute, w, h := inj.absolute, inj.width, inj.height
	inj.mu.Unlock()
	if !absolute {
		return ErrRelativeOnly
	}
	x = min(max(x, 0), w-1)
	y = min(max(y, 0), h-1)
	return inj.write(
		Event{Type: evcode.EvAbs, Code: evcode.AbsX, Value: int32(x)},
		Event{Type: evcode.EvAbs, Code: evcode.AbsY, Value: int32(y)},
	)
}

// MoveRelative moves the pointer by a delta.
func (inj *Injector) MoveRelative(dx, dy int) error {
	var events []Event
	if dx != 0 {
		events = append(events, Event{Type: evcode.EvRel, Code: evcode.RelX, Value: int32(dx)})
	}
	if dy != 0 {
		events = append(events, Event{Type: evcode.EvRel, Code: evcode.RelY, Value: int32(dy)})
	}
	if len(events) == 0 {
		return nil
	}
	return inj.write(events...)
}

// SetButton presses or releases a mouse button.
func (inj *Injector) SetButton(code uint16, pressed bool) error {
	return inj.write(Event{Type: evcode.EvKey, Code: code, Value: keyValue(pressed)})
}

// Scroll emits wheel notches.
func (inj *Injector) Scroll(delta int, horizontal bool) error {
	code := evcode.RelWheel
	if horizontal {
		code = evcode.RelHWheel
	}
	return inj.write(Event{Type: evcode.EvRel, Code: code, Value: int32(delta)})
}

// SetKey presses or releases a keyboard key.
func (inj *Injector) SetKey(code uint16, pressed bool) error {
	return inj.write(Event{Type: evcode.EvKey, Code: code, Value: keyValue(pressed)})
}

// Sync ends the current report.
func (inj *Injector) Sync() error {
	return inj.write(Event{Type: evcode.EvSyn, Code: evcode.SynReport})
}

// Close destroys the virtual device.
func (inj *Injector) Close() error {
	inj.mu.Lock()
	defer inj.mu.Unlock()

	if inj.fd < 0 {
		return nil
	}
	var errs []error
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(inj.fd), uintptr(uiDevDestroy), 0); errno != 0 {
		errs = append(errs, fmt.Errorf("UI_DEV_DESTROY: %w", errno))
	}
	if err := unix.Close(inj.fd); err != nil {
		errs = append(errs, err)
	}
	inj.fd = -1
	return errors.Join(errs...)
}

func keyValue(pressed bool) int32 {
	if pressed {
		return evcode.ValuePress
	}
	return evcode.ValueRelease
}
