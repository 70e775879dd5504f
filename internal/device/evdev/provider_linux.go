//go:build linux

package evdev

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/dshills/macroreplay/internal/device"
	"github.com/dshills/macroreplay/internal/evcode"
)

// readPoll bounds how long a read blocks before cancellation is checked.
const readPoll = 100 * time.Millisecond

// Provider opens event nodes for a recording session.
type Provider struct {
	opts options
}

// NewProvider creates a capture provider.
func NewProvider(opts ...Option) *Provider {
	return &Provider{opts: newOptions(opts)}
}

// Open enumerates event nodes and opens those serving the requested classes.
// Nodes that cannot be opened (usually permissions) are skipped. If any
// later step fails, every node opened so far is closed.
func (p *Provider) Open(ctx context.Context, captureMouse, captureKeyboard bool) ([]device.CaptureSource, error) {
	paths, err := filepath.Glob(p.opts.glob)
	if err != nil {
		return nil, fmt.Errorf("enumerate %s: %w", p.opts.glob, err)
	}
	sort.Strings(paths)

	var (
		sources []device.CaptureSource
		denied  int
	)
	cleanup := func() {
		for _, s := range sources {
			_ = s.Close()
		}
	}

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			cleanup()
			return nil, err
		}
		src, err := openSource(path, captureMouse, captureKeyboard, p.opts)
		switch {
		case err == nil && src == nil:
			continue
		case errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM):
			denied++
			continue
		case err != nil:
			cleanup()
			return nil, err
		}
		sources = append(sources, src)
		p.opts.logger.Debug("input device opened", "path", path, "name", src.name, "mouse", src.class.Mouse, "keyboard", src.class.Keyboard)
	}

	if len(sources) == 0 {
		if denied > 0 {
			return nil, fmt.Errorf("%w: %d event nodes not readable (add the user to the input group)", device.ErrNoDevices, denied)
		}
		return nil, device.ErrNoDevices
	}
	return sources, nil
}

// source is one opened event node.
type source struct {
	path   string
	name   string
	class  Class
	fd     int
	file   *os.File
	grab   bool
	logger *slog.Logger

	mouse    atomic.Bool
	keyboard atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

// openSource opens path and returns nil, nil when the node is not wanted.
func openSource(path string, mouse, keyboard bool, o options) (*source, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	bits, err := readBits(fd)
	if err != nil {
		_ = unix.Close(fd)
		o.logger.Debug("skipping node without capabilities", "path", path, "error", err)
		return nil, nil
	}
	class := Classify(bits)
	if !class.Wanted(mouse, keyboard) {
		_ = unix.Close(fd)
		return nil, nil
	}

	s := &source{
		path:   path,
		name:   readName(fd, path),
		class:  class,
		fd:     fd,
		logger: o.logger,
	}
	if o.grab {
		if err := unix.IoctlSetInt(fd, eviocGrab, 1); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("grab %s: %w", path, err)
		}
		s.grab = true
	}
	// A non-blocking descriptor gives a pollable file with read deadlines.
	s.file = os.NewFile(uintptr(fd), path)
	s.mouse.Store(mouse)
	s.keyboard.Store(keyboard)
	return s, nil
}

func readBits(fd int) (Bits, error) {
	b := Bits{
		Ev:  make([]byte, evBitsLen),
		Key: make([]byte, keyBitsLen),
		Rel: make([]byte, relBitsLen),
		Abs: make([]byte, absBitsLen),
	}
	if err := ioctlBuf(fd, eviocGBit(0, len(b.Ev)), b.Ev); err != nil {
		return b, err
	}
	// Missing classes leave their bitmaps zeroed.
	_ = ioctlBuf(fd, eviocGBit(evcode.EvKey, len(b.Key)), b.Key)
	_ = ioctlBuf(fd, eviocGBit(evcode.EvRel, len(b.Rel)), b.Rel)
	_ = ioctlBuf(fd, eviocGBit(evcode.EvAbs, len(b.Abs)), b.Abs)
	return b, nil
}

func readName(fd int, fallback string) string {
	buf := make([]byte, 256)
	if err := ioctlBuf(fd, eviocGName(len(buf)), buf); err != nil {
		return filepath.Base(fallback)
	}
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	if len(buf) == 0 {
		return filepath.Base(fallback)
	}
	return string(buf)
}

func ioctlBuf(fd int, req uint, buf []byte) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(unsafe.Pointer(&buf[0])))
	if errno != 0 {
		return errno
	}
	return nil
}

func (s *source) Name() string {
	return fmt.Sprintf("%s (%s)", s.name, s.path)
}

func (s *source) Configure(captureMouse, captureKeyboard bool) error {
	if !captureMouse && !captureKeyboard {
		return errors.New("nothing to capture")
	}
	s.mouse.Store(captureMouse)
	s.keyboard.Store(captureKeyboard)
	return nil
}

// Run reads the node until ctx is cancelled or the node fails.
func (s *source) Run(ctx context.Context, out chan<- device.RawEvent) error {
	parser := NewParser(nativeEventSize)
	buf := make([]byte, nativeEventSize*64)
	name := s.Name()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := s.file.SetReadDeadline(time.Now().Add(readPoll)); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		n, err := s.file.Read(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read %s: %w", name, err)
		}

		at := time.Now()
		mouse, keyboard := s.mouse.Load(), s.keyboard.Load()
		var batch []device.RawEvent
		parser.Feed(buf[:n], func(e Event) {
			if !accepts(e, mouse, keyboard) {
				return
			}
			if raw, ok := e.Raw(name, at); ok {
				batch = append(batch, raw)
			}
		})
		for _, raw := range batch {
			select {
			case out <- raw:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (s *source) Close() error {
	s.closeOnce.Do(func() {
		if s.grab {
			if err := unix.IoctlSetInt(s.fd, eviocGrab, 0); err != nil {
				s.logger.Debug("release grab failed", "path", s.path, "error", err)
			}
		}
		s.closeErr = s.file.Close()
	})
	return s.closeErr
}
