// Package term implements a terminal backend on tcell. The terminal is both
// a capture source and a position source: mouse reports carry the cell
// position, and the screen size is the resolution. Positions are measured
// in character cells.
package term

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gdamore/tcell/v2"

	"github.com/dshills/macroreplay/internal/device"
	"github.com/dshills/macroreplay/internal/evcode"
	"github.com/dshills/macroreplay/internal/logging"
)

// buttonCodes maps tcell buttons to input button codes.
var buttonCodes = []struct {
	mask tcell.ButtonMask
	code uint16
}{
	{tcell.ButtonPrimary, evcode.BtnLeft},
	{tcell.ButtonSecondary, evcode.BtnRight},
	{tcell.ButtonMiddle, evcode.BtnMiddle},
	{tcell.Button4, evcode.BtnExtra},
	{tcell.Button5, evcode.BtnSide},
}

var wheelCodes = []struct {
	mask  tcell.ButtonMask
	code  uint16
	value int32
}{
	{tcell.WheelUp, evcode.RelWheel, 1},
	{tcell.WheelDown, evcode.RelWheel, -1},
	{tcell.WheelLeft, evcode.RelHWheel, -1},
	{tcell.WheelRight, evcode.RelHWheel, 1},
}

// Source captures input from a tcell screen.
type Source struct {
	screen      tcell.Screen
	logger      *slog.Logger
	onInterrupt func()

	mouse    atomic.Bool
	keyboard atomic.Bool

	mu      sync.Mutex
	x, y    int
	known   bool
	buttons tcell.ButtonMask

	initOnce    sync.Once
	initErr     error
	initialized atomic.Bool
	closeOnce   sync.Once
}

// Option configures a Source.
type Option func(*Source)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) {
		s.logger = l
	}
}

// WithInterrupt sets the function called when Ctrl+C is pressed. The
// keystroke itself is not captured.
func WithInterrupt(fn func()) Option {
	return func(s *Source) {
		s.onInterrupt = fn
	}
}

// New opens the controlling terminal.
func New(opts ...Option) (*Source, error) {
	screen, err := tcell.NewScreen()
	if err != nil {
		return nil, fmt.Errorf("open terminal: %w", err)
	}
	return NewSource(screen, opts...), nil
}

// NewSource wraps an existing screen.
func NewSource(screen tcell.Screen, opts ...Option) *Source {
	s := &Source{screen: screen}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.Component(s.logger, "term")
	s.mouse.Store(true)
	s.keyboard.Store(true)
	return s
}

// Init initializes the screen and enables mouse motion reporting. It is
// safe to call more than once.
func (s *Source) Init() error {
	s.initOnce.Do(func() {
		if err := s.screen.Init(); err != nil {
			s.initErr = fmt.Errorf("initialize terminal: %w", err)
			return
		}
		s.initialized.Store(true)
		s.screen.EnableMouse(tcell.MouseMotionEvents)
		s.screen.Clear()
		s.screen.Show()
	})
	return s.initErr
}

// Status draws msg on the first line of the screen.
func (s *Source) Status(msg string) {
	if s.Init() != nil {
		return
	}
	w, _ := s.screen.Size()
	style := tcell.StyleDefault.Reverse(true)
	col := 0
	for _, r := range msg {
		if col >= w {
			break
		}
		s.screen.SetContent(col, 0, r, nil, style)
		col++
	}
	for ; col < w; col++ {
		s.screen.SetContent(col, 0, ' ', nil, style)
	}
	s.screen.Show()
}

// Open returns the source as the only capture source, making Source a
// device.CaptureProvider.
func (s *Source) Open(ctx context.Context, captureMouse, captureKeyboard bool) ([]device.CaptureSource, error) {
	if err := s.Init(); err != nil {
		return nil, err
	}
	return []device.CaptureSource{s}, nil
}

func (s *Source) Name() string {
	return "terminal"
}

func (s *Source) Configure(captureMouse, captureKeyboard bool) error {
	if !captureMouse && !captureKeyboard {
		return errors.New("nothing to capture")
	}
	s.mouse.Store(captureMouse)
	s.keyboard.Store(captureKeyboard)
	return nil
}

// ReportsAbsolutePosition is true: every mouse report carries the position.
func (s *Source) ReportsAbsolutePosition() bool {
	return true
}

// AbsolutePosition returns the last reported mouse cell. It is unavailable
// until the first mouse report.
func (s *Source) AbsolutePosition(ctx context.Context) (int, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.x, s.y, s.known
}

// ScreenResolution returns the terminal size in cells.
func (s *Source) ScreenResolution(ctx context.Context) (int, int, bool) {
	if s.Init() != nil {
		return 0, 0, false
	}
	w, h := s.screen.Size()
	return w, h, w > 0 && h > 0
}

// ErrInterrupted is returned by AwaitPointer when Ctrl+C is pressed.
var ErrInterrupted = errors.New("interrupted")

// AwaitPointer blocks until the terminal reports the mouse, so the
// position is known before a session resolves its origin. Other input is
// discarded. It must not run concurrently with Run.
func (s *Source) AwaitPointer(ctx context.Context) error {
	if err := s.Init(); err != nil {
		return err
	}
	if _, _, ok := s.AbsolutePosition(ctx); ok {
		return nil
	}
	stop := context.AfterFunc(ctx, func() {
		_ = s.screen.PostEvent(tcell.NewEventInterrupt(nil))
	})
	defer stop()

	for {
		switch e := s.screen.PollEvent().(type) {
		case nil:
			return ErrInterrupted
		case *tcell.EventInterrupt:
			if err := ctx.Err(); err != nil {
				return err
			}
		case *tcell.EventKey:
			if e.Key() == tcell.KeyCtrlC {
				return ErrInterrupted
			}
		case *tcell.EventMouse:
			x, y := e.Position()
			s.mu.Lock()
			s.x, s.y, s.known = x, y, true
			s.mu.Unlock()
			return nil
		}
	}
}

// Run polls the screen until ctx is cancelled or the screen is finalized.
func (s *Source) Run(ctx context.Context, out chan<- device.RawEvent) error {
	if err := s.Init(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = s.screen.PostEvent(tcell.NewEventInterrupt(nil))
	})
	defer stop()

	name := s.Name()
	for {
		ev := s.screen.PollEvent()
		if ev == nil {
			return nil
		}

		var batch []device.RawEvent
		switch e := ev.(type) {
		case *tcell.EventInterrupt:
			if ctx.Err() != nil {
				return nil
			}
		case *tcell.EventMouse:
			batch = s.mouseEvent(e)
		case *tcell.EventKey:
			batch = s.keyEvent(e)
		case *tcell.EventResize:
			s.screen.Sync()
		}

		for _, raw := range batch {
			raw.Device = name
			select {
			case out <- raw:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (s *Source) mouseEvent(e *tcell.EventMouse) []device.RawEvent {
	if !s.mouse.Load() {
		return nil
	}
	at := e.When()
	x, y := e.Position()
	btns := e.Buttons()

	s.mu.Lock()
	moved := !s.known || x != s.x || y != s.y
	prev := s.buttons
	s.x, s.y, s.known = x, y, true
	s.buttons = btns &^ (tcell.WheelUp | tcell.WheelDown | tcell.WheelLeft | tcell.WheelRight)
	s.mu.Unlock()

	var out []device.RawEvent
	if moved {
		out = append(out,
			device.RawEvent{Kind: device.KindAbsolute, Code: evcode.AbsX, Value: int32(x), Time: at},
			device.RawEvent{Kind: device.KindAbsolute, Code: evcode.AbsY, Value: int32(y), Time: at},
			device.RawEvent{Kind: device.KindSync, Code: evcode.SynReport, Time: at},
		)
	}
	changed := false
	for _, b := range buttonCodes {
		was, is := prev&b.mask != 0, btns&b.mask != 0
		if was == is {
			continue
		}
		value := evcode.ValueRelease
		if is {
			value = evcode.ValuePress
		}
		out = append(out, device.RawEvent{Kind: device.KindKey, Code: b.code, Value: value, Time: at})
		changed = true
	}
	for _, w := range wheelCodes {
		if btns&w.mask != 0 {
			out = append(out, device.RawEvent{Kind: device.KindRelative, Code: w.code, Value: w.value, Time: at})
			changed = true
		}
	}
	if changed {
		out = append(out, device.RawEvent{Kind: device.KindSync, Code: evcode.SynReport, Time: at})
	}
	return out
}

// keyEvent turns one terminal keystroke into a press and release of the
// key, wrapped in presses and releases of its modifiers. Terminals report
// neither key releases nor bare modifiers.
func (s *Source) keyEvent(e *tcell.EventKey) []device.RawEvent {
	if e.Key() == tcell.KeyCtrlC {
		if s.onInterrupt != nil {
			s.onInterrupt()
		}
		return nil
	}
	if !s.keyboard.Load() {
		return nil
	}
	ks, ok := Translate(e)
	if !ok {
		s.logger.Debug("key has no input code", "key", e.Name())
		return nil
	}

	at := e.When()
	key := func(code uint16, value int32) device.RawEvent {
		return device.RawEvent{Kind: device.KindKey, Code: code, Value: value, Time: at}
	}
	report := device.RawEvent{Kind: device.KindSync, Code: evcode.SynReport, Time: at}

	var out []device.RawEvent
	for _, m := range ks.Modifiers {
		out = append(out, key(m, evcode.ValuePress))
	}
	out = append(out, key(ks.Code, evcode.ValuePress), report, key(ks.Code, evcode.ValueRelease))
	for i := len(ks.Modifiers) - 1; i >= 0; i-- {
		out = append(out, key(ks.Modifiers[i], evcode.ValueRelease))
	}
	return append(out, report)
}

// Close finalizes the screen, restoring the terminal.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		if s.initialized.Load() {
			s.screen.Fini()
		}
	})
	return nil
}
