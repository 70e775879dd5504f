package term

import (
	"context"
	"testing"
	"time"

	"github.com/gdamore/tcell/v2"

	"github.com/dshills/macroreplay/internal/device"
	"github.com/dshills/macroreplay/internal/evcode"
)

func newSimSource(t *testing.T, opts ...Option) (*Source, tcell.SimulationScreen) {
	t.Helper()
	screen := tcell.NewSimulationScreen("")
	src := NewSource(screen, opts...)
	if err := src.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	screen.SetSize(80, 25)
	t.Cleanup(func() { _ = src.Close() })
	return src, screen
}

func run(t *testing.T, src *Source) (chan device.RawEvent, context.CancelFunc, chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan device.RawEvent, 64)
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, out) }()
	t.Cleanup(cancel)
	return out, cancel, done
}

func read(t *testing.T, out <-chan device.RawEvent, n int) []device.RawEvent {
	t.Helper()
	var got []device.RawEvent
	timeout := time.After(2 * time.Second)
	for len(got) < n {
		select {
		case ev := <-out:
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("received %d events, want %d: %+v", len(got), n, got)
		}
	}
	return got
}

type rawShape struct {
	kind  device.Kind
	code  uint16
	value int32
}

func shapes(events []device.RawEvent) []rawShape {
	out := make([]rawShape, len(events))
	for i, e := range events {
		out[i] = rawShape{e.Kind, e.Code, e.Value}
	}
	return out
}

func assertShapes(t *testing.T, got []device.RawEvent, want []rawShape) {
	t.Helper()
	g := shapes(got)
	if len(g) != len(want) {
		t.Fatalf("got %d events %+v, want %+v", len(g), g, want)
	}
	for i := range want {
		if g[i] != want[i] {
			t.Errorf("event %d = %+v, want %+v", i, g[i], want[i])
		}
	}
}

func TestPositionSource(t *testing.T) {
	src, _ := newSimSource(t)
	ctx := context.Background()

	if w, h, ok := src.ScreenResolution(ctx); !ok || w != 80 || h != 25 {
		t.Errorf("ScreenResolution() = (%d, %d, %v), want (80, 25, true)", w, h, ok)
	}
	if _, _, ok := src.AbsolutePosition(ctx); ok {
		t.Error("AbsolutePosition() available before any mouse report")
	}
	if !device.IsAuthoritative(src) {
		t.Error("terminal source should report authoritative positions")
	}
	if c := device.Resolve(src, true); !c.IsAbsolute() {
		t.Error("terminal source should resolve to absolute capability")
	}
}

func TestAwaitPointer(t *testing.T) {
	src, screen := newSimSource(t)

	screen.InjectKey(tcell.KeyRune, 'q', tcell.ModNone)
	screen.InjectMouse(12, 7, tcell.ButtonPrimary, tcell.ModNone)
	if err := src.AwaitPointer(context.Background()); err != nil {
		t.Fatalf("AwaitPointer() error = %v", err)
	}
	if x, y, ok := src.AbsolutePosition(context.Background()); !ok || x != 12 || y != 7 {
		t.Errorf("AbsolutePosition() = (%d, %d, %v), want (12, 7, true)", x, y, ok)
	}

	// The button held while pointing is not replayed as a press later.
	out, _, _ := run(t, src)
	screen.InjectMouse(12, 7, tcell.ButtonNone, tcell.ModNone)
	screen.InjectMouse(13, 7, tcell.ButtonNone, tcell.ModNone)
	got := read(t, out, 3)
	if got[0].Code != evcode.AbsX || got[0].Value != 13 {
		t.Errorf("first event = %+v, want AbsX 13", got[0])
	}
}

func TestAwaitPointerInterrupted(t *testing.T) {
	src, screen := newSimSource(t)
	screen.InjectKey(tcell.KeyCtrlC, 0, tcell.ModCtrl)
	if err := src.AwaitPointer(context.Background()); err != ErrInterrupted {
		t.Errorf("AwaitPointer() = %v, want ErrInterrupted", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := src.AwaitPointer(ctx); err != context.Canceled {
		t.Errorf("AwaitPointer() = %v, want context.Canceled", err)
	}
}

func TestMouseReports(t *testing.T) {
	src, screen := newSimSource(t)
	out, cancel, done := run(t, src)

	screen.InjectMouse(5, 3, tcell.ButtonPrimary, tcell.ModNone)
	assertShapes(t, read(t, out, 5), []rawShape{
		{device.KindAbsolute, evcode.AbsX, 5},
		{device.KindAbsolute, evcode.AbsY, 3},
		{device.KindSync, evcode.SynReport, 0},
		{device.KindKey, evcode.BtnLeft, evcode.ValuePress},
		{device.KindSync, evcode.SynReport, 0},
	})

	screen.InjectMouse(5, 3, tcell.ButtonNone, tcell.ModNone)
	assertShapes(t, read(t, out, 2), []rawShape{
		{device.KindKey, evcode.BtnLeft, evcode.ValueRelease},
		{device.KindSync, evcode.SynReport, 0},
	})

	screen.InjectMouse(6, 3, tcell.WheelDown, tcell.ModNone)
	got := read(t, out, 5)
	assertShapes(t, got, []rawShape{
		{device.KindAbsolute, evcode.AbsX, 6},
		{device.KindAbsolute, evcode.AbsY, 3},
		{device.KindSync, evcode.SynReport, 0},
		{device.KindRelative, evcode.RelWheel, -1},
		{device.KindSync, evcode.SynReport, 0},
	})
	if got[0].Device != "terminal" {
		t.Errorf("Device = %q, want terminal", got[0].Device)
	}

	if x, y, ok := src.AbsolutePosition(context.Background()); !ok || x != 6 || y != 3 {
		t.Errorf("AbsolutePosition() = (%d, %d, %v), want (6, 3, true)", x, y, ok)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil on cancellation", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancellation")
	}
}

func TestKeyReports(t *testing.T) {
	src, screen := newSimSource(t)
	out, _, _ := run(t, src)

	shift, a := mustKey("LEFTSHIFT"), mustKey("A")
	screen.InjectKey(tcell.KeyRune, 'A', tcell.ModNone)
	assertShapes(t, read(t, out, 6), []rawShape{
		{device.KindKey, shift, evcode.ValuePress},
		{device.KindKey, a, evcode.ValuePress},
		{device.KindSync, evcode.SynReport, 0},
		{device.KindKey, a, evcode.ValueRelease},
		{device.KindKey, shift, evcode.ValueRelease},
		{device.KindSync, evcode.SynReport, 0},
	})
}

func TestInterruptAndFilters(t *testing.T) {
	interrupted := make(chan struct{}, 1)
	src, screen := newSimSource(t, WithInterrupt(func() { interrupted <- struct{}{} }))
	if err := src.Configure(true, false); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	out, _, _ := run(t, src)

	screen.InjectKey(tcell.KeyCtrlC, 0, tcell.ModCtrl)
	select {
	case <-interrupted:
	case <-time.After(2 * time.Second):
		t.Fatal("Ctrl+C did not invoke the interrupt callback")
	}

	// Keyboard capture is off, so only the mouse report arrives.
	screen.InjectKey(tcell.KeyRune, 'x', tcell.ModNone)
	screen.InjectMouse(1, 1, tcell.ButtonNone, tcell.ModNone)
	got := read(t, out, 3)
	if got[0].Kind != device.KindAbsolute {
		t.Errorf("first event = %+v, want the mouse report", got[0])
	}

	if err := src.Configure(false, false); err == nil {
		t.Error("Configure(false, false) should fail")
	}
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		name string
		key  tcell.Key
		r    rune
		mod  tcell.ModMask
		mods []string
		code string
		ok   bool
	}{
		{"lower", tcell.KeyRune, 'q', tcell.ModNone, nil, "Q", true},
		{"upper", tcell.KeyRune, 'Q', tcell.ModNone, []string{"LEFTSHIFT"}, "Q", true},
		{"digit", tcell.KeyRune, '7', tcell.ModNone, nil, "7", true},
		{"shifted punct", tcell.KeyRune, '?', tcell.ModNone, []string{"LEFTSHIFT"}, "SLASH", true},
		{"alt rune", tcell.KeyRune, 'f', tcell.ModAlt, []string{"LEFTALT"}, "F", true},
		{"enter", tcell.KeyEnter, 0, tcell.ModNone, nil, "ENTER", true},
		{"arrow with ctrl", tcell.KeyLeft, 0, tcell.ModCtrl, []string{"LEFTCTRL"}, "LEFT", true},
		{"ctrl letter", tcell.KeyCtrlS, 0, tcell.ModCtrl, []string{"LEFTCTRL"}, "S", true},
		{"f11", tcell.KeyF11, 0, tcell.ModNone, nil, "F11", true},
		{"unmapped rune", tcell.KeyRune, 'é', tcell.ModNone, nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ks, ok := Translate(tcell.NewEventKey(tt.key, tt.r, tt.mod))
			if ok != tt.ok {
				t.Fatalf("Translate() ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if want := mustKey(tt.code); ks.Code != want {
				t.Errorf("Code = %s, want %s", evcode.KeyName(ks.Code), evcode.KeyName(want))
			}
			if len(ks.Modifiers) != len(tt.mods) {
				t.Fatalf("Modifiers = %v, want %v", ks.Modifiers, tt.mods)
			}
			for i, m := range tt.mods {
				if ks.Modifiers[i] != mustKey(m) {
					t.Errorf("Modifiers[%d] = %s, want %s", i, evcode.KeyName(ks.Modifiers[i]), m)
				}
			}
		})
	}
}
