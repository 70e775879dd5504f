package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dshills/macroreplay/internal/coord"
	"github.com/dshills/macroreplay/internal/device"
	"github.com/dshills/macroreplay/internal/evcode"
	"github.com/dshills/macroreplay/internal/logging"
	"github.com/dshills/macroreplay/internal/macro"
	"github.com/dshills/macroreplay/internal/notify"
)

func rel(code uint16, v int32) device.RawEvent {
	return device.RawEvent{Kind: device.KindRelative, Code: code, Value: v}
}

func abs(code uint16, v int32) device.RawEvent {
	return device.RawEvent{Kind: device.KindAbsolute, Code: code, Value: v}
}

func key(code uint16, v int32) device.RawEvent {
	return device.RawEvent{Kind: device.KindKey, Code: code, Value: v}
}

func syn() device.RawEvent {
	return device.RawEvent{Kind: device.KindSync, Code: evcode.SynReport}
}

func relativeTracker() *coord.Tracker {
	return coord.NewTracker(device.Resolve(nil, false))
}

func feedAll(c *Coalescer, raw ...device.RawEvent) []macro.Event {
	var out []macro.Event
	for _, ev := range raw {
		out = append(out, c.Feed(ev)...)
	}
	return out
}

func TestCoalescerMergesMotionOnSync(t *testing.T) {
	c := NewCoalescer(relativeTracker(), NewFilter(true, true, nil))

	out := feedAll(c, rel(evcode.RelX, 3), rel(evcode.RelX, 2), syn())

	if len(out) != 1 {
		t.Fatalf("got %d events, want exactly 1: %v", len(out), out)
	}
	if out[0].Type != macro.EventMouseMove || out[0].X != 5 || out[0].Y != 0 {
		t.Errorf("event = %v, want MouseMove (5,0)", out[0])
	}
	if c.Pending() {
		t.Error("Pending() = true after sync")
	}
}

func TestCoalescerBothAxes(t *testing.T) {
	c := NewCoalescer(relativeTracker(), NewFilter(true, false, nil))

	out := feedAll(c, rel(evcode.RelX, -1), rel(evcode.RelY, 7), rel(evcode.RelY, 1), syn(), syn())
	if len(out) != 1 || out[0].X != -1 || out[0].Y != 8 {
		t.Errorf("events = %v, want one MouseMove (-1,8)", out)
	}
}

func TestCoalescerFlushesBeforeButton(t *testing.T) {
	c := NewCoalescer(relativeTracker(), NewFilter(true, true, nil))

	out := feedAll(c,
		rel(evcode.RelX, 4),
		key(evcode.BtnLeft, evcode.ValuePress),
		syn(),
		key(evcode.BtnLeft, evcode.ValueRelease),
	)

	want := []macro.EventType{macro.EventMouseMove, macro.EventButtonPress, macro.EventButtonRelease}
	if len(out) != len(want) {
		t.Fatalf("got %v, want types %v", out, want)
	}
	for i, typ := range want {
		if out[i].Type != typ {
			t.Errorf("event[%d].Type = %v, want %v", i, out[i].Type, typ)
		}
	}
	if out[1].Button != macro.ButtonLeft {
		t.Errorf("button = %v, want left", out[1].Button)
	}
	// Buttons carry the virtual position in relative mode.
	if out[1].X != 4 {
		t.Errorf("press X = %d, want 4", out[1].X)
	}
}

func TestCoalescerIgnoresRepeat(t *testing.T) {
	c := NewCoalescer(relativeTracker(), NewFilter(false, true, nil))

	out := feedAll(c,
		key(30, evcode.ValuePress),
		key(30, evcode.ValueRepeat),
		key(30, evcode.ValueRepeat),
		key(30, evcode.ValueRelease),
	)
	if len(out) != 2 {
		t.Fatalf("got %d events, want press and release only", len(out))
	}
	if out[0].Type != macro.EventKeyPress || out[1].Type != macro.EventKeyRelease || out[0].KeyCode != 30 {
		t.Errorf("events = %v", out)
	}
}

func TestCoalescerFilters(t *testing.T) {
	tests := []struct {
		name     string
		filter   Filter
		raw      []device.RawEvent
		wantType []macro.EventType
	}{
		{
			name:     "ignored key",
			filter:   NewFilter(true, true, []uint16{66}),
			raw:      []device.RawEvent{key(66, 1), key(66, 0), key(30, 1)},
			wantType: []macro.EventType{macro.EventKeyPress},
		},
		{
			name:     "keyboard only drops mouse",
			filter:   NewFilter(false, true, nil),
			raw:      []device.RawEvent{rel(evcode.RelX, 5), syn(), key(evcode.BtnLeft, 1), key(30, 1)},
			wantType: []macro.EventType{macro.EventKeyPress},
		},
		{
			name:     "mouse only drops keys",
			filter:   NewFilter(true, false, nil),
			raw:      []device.RawEvent{key(30, 1), key(evcode.BtnRight, 1)},
			wantType: []macro.EventType{macro.EventButtonPress},
		},
		{
			name:     "unknown button code",
			filter:   NewFilter(true, true, nil),
			raw:      []device.RawEvent{key(evcode.BtnTask, 1)},
			wantType: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := feedAll(NewCoalescer(relativeTracker(), tt.filter), tt.raw...)
			if len(out) != len(tt.wantType) {
				t.Fatalf("got %v, want types %v", out, tt.wantType)
			}
			for i, typ := range tt.wantType {
				if out[i].Type != typ {
					t.Errorf("event[%d].Type = %v, want %v", i, out[i].Type, typ)
				}
			}
		})
	}
}

func TestCoalescerScroll(t *testing.T) {
	c := NewCoalescer(relativeTracker(), NewFilter(true, false, nil))

	out := feedAll(c, rel(evcode.RelX, 1), rel(evcode.RelWheel, -2), rel(evcode.RelHWheel, 1))
	if len(out) != 4 {
		t.Fatalf("got %d events, want move + 3 scroll clicks: %v", len(out), out)
	}
	if out[0].Type != macro.EventMouseMove {
		t.Errorf("event[0] = %v, want pending move flushed first", out[0])
	}
	for i, want := range []macro.Button{macro.ButtonScrollDown, macro.ButtonScrollDown, macro.ButtonScrollRight} {
		ev := out[i+1]
		if ev.Type != macro.EventClick || ev.Button != want {
			t.Errorf("event[%d] = %v, want click %v", i+1, ev, want)
		}
	}
}

type staticPosition struct {
	x, y int
	ok   bool
}

func (s staticPosition) AbsolutePosition(context.Context) (int, int, bool) { return s.x, s.y, s.ok }
func (s staticPosition) ScreenResolution(context.Context) (int, int, bool) { return 800, 600, s.ok }

func TestCoalescerAbsoluteReports(t *testing.T) {
	tr := coord.NewTracker(device.Resolve(staticPosition{x: 10, y: 20, ok: true}, true))
	if err := tr.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	c := NewCoalescer(tr, NewFilter(true, false, nil))

	out := feedAll(c, abs(evcode.AbsX, 100), syn(), abs(evcode.AbsY, 50), abs(evcode.AbsX, 120), syn())
	if len(out) != 2 {
		t.Fatalf("got %v, want two moves", out)
	}
	// Y is unknown on the first report and taken from the tracker.
	if out[0].X != 100 || out[0].Y != 20 {
		t.Errorf("first move = (%d,%d), want (100,20)", out[0].X, out[0].Y)
	}
	if out[1].X != 120 || out[1].Y != 50 {
		t.Errorf("second move = (%d,%d), want (120,50)", out[1].X, out[1].Y)
	}
}

// fakeSource replays a fixed list of events and then idles until cancelled.
type fakeSource struct {
	name          string
	events        []device.RawEvent
	authoritative bool
	configureErr  error
	runErr        error

	sent   chan struct{}
	closed atomic.Bool
}

func newFakeSource(name string, events ...device.RawEvent) *fakeSource {
	return &fakeSource{name: name, events: events, sent: make(chan struct{})}
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Configure(mouse, keyboard bool) error { return f.configureErr }

func (f *fakeSource) Run(ctx context.Context, out chan<- device.RawEvent) error {
	for _, ev := range f.events {
		ev.Device = f.name
		ev.Time = time.Now()
		select {
		case out <- ev:
		case <-ctx.Done():
			return nil
		}
	}
	close(f.sent)
	if f.runErr != nil {
		return f.runErr
	}
	<-ctx.Done()
	return nil
}

func (f *fakeSource) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *fakeSource) ReportsAbsolutePosition() bool { return f.authoritative }

func providerOf(sources ...*fakeSource) device.CaptureProvider {
	return device.CaptureProviderFunc(func(context.Context, bool, bool) ([]device.CaptureSource, error) {
		out := make([]device.CaptureSource, len(sources))
		for i, s := range sources {
			out[i] = s
		}
		return out, nil
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRecorderConfigurationErrors(t *testing.T) {
	r := NewRecorder(nil)
	if err := r.StartRecording(context.Background(), RecordOptions{CaptureMouse: true}); !errors.Is(err, ErrNoCaptureProvider) {
		t.Errorf("nil provider error = %v, want ErrNoCaptureProvider", err)
	}

	r = NewRecorder(providerOf(newFakeSource("m")))
	if err := r.StartRecording(context.Background(), RecordOptions{}); !errors.Is(err, ErrNoRecordingType) {
		t.Errorf("no type error = %v, want ErrNoRecordingType", err)
	}
	if _, err := r.StopRecording(); !errors.Is(err, ErrNotRecording) {
		t.Errorf("StopRecording error = %v, want ErrNotRecording", err)
	}

	empty := device.CaptureProviderFunc(func(context.Context, bool, bool) ([]device.CaptureSource, error) {
		return nil, nil
	})
	r = NewRecorder(empty)
	if err := r.StartRecording(context.Background(), RecordOptions{CaptureKeyboard: true}); !errors.Is(err, device.ErrNoDevices) {
		t.Errorf("empty provider error = %v, want ErrNoDevices", err)
	}
	if r.IsRecording() {
		t.Error("IsRecording() = true after failed start")
	}
}

func TestRecorderRelativeSession(t *testing.T) {
	src := newFakeSource("mouse0",
		rel(evcode.RelX, 3), rel(evcode.RelX, 2), syn(),
		key(evcode.BtnLeft, 1), syn(),
		key(evcode.BtnLeft, 0), syn(),
	)
	inj := device.NewLogInjector(logging.Nop())
	r := NewRecorder(providerOf(src),
		WithInjectorFactory(func(context.Context) (device.Injector, error) { return inj, nil }),
	)

	if err := r.StartRecording(context.Background(), RecordOptions{Name: "demo", CaptureMouse: true}); err != nil {
		t.Fatalf("StartRecording failed: %v", err)
	}
	if err := r.StartRecording(context.Background(), RecordOptions{CaptureMouse: true}); !errors.Is(err, ErrAlreadyRecording) {
		t.Errorf("second StartRecording error = %v, want ErrAlreadyRecording", err)
	}

	<-src.sent
	waitFor(t, func() bool { return r.CurrentRecordingLength() == 4 })

	seq, err := r.StopRecording()
	if err != nil {
		t.Fatalf("StopRecording failed: %v", err)
	}
	if !src.closed.Load() {
		t.Error("capture source not closed on stop")
	}
	if inj.Calls() == 0 {
		t.Error("corner reset was not injected")
	}
	if !seq.IsFinalized() || seq.IsAbsolute || seq.Name != "demo" {
		t.Errorf("sequence metadata = finalized %v absolute %v name %q", seq.IsFinalized(), seq.IsAbsolute, seq.Name)
	}

	events := seq.Events()
	want := []macro.Event{
		{Type: macro.EventMouseMove, X: 0, Y: 0},
		{Type: macro.EventMouseMove, X: 5, Y: 0},
		{Type: macro.EventButtonPress, X: 5, Button: macro.ButtonLeft},
		{Type: macro.EventButtonRelease, X: 5, Button: macro.ButtonLeft},
	}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %d events", events, len(want))
	}
	for i, w := range want {
		got := events[i]
		if got.Type != w.Type || got.X != w.X || got.Y != w.Y || got.Button != w.Button {
			t.Errorf("event[%d] = %v, want %v", i, got, w)
		}
		if i > 0 && got.DelayMs != got.TimestampMs-events[i-1].TimestampMs {
			t.Errorf("event[%d] breaks delay invariant", i)
		}
	}
	if events[0].TimestampMs != 0 || events[0].DelayMs != 0 {
		t.Errorf("origin marker = %v, want t=0", events[0])
	}
	if r.IsRecording() {
		t.Error("IsRecording() = true after stop")
	}
}

func TestRecorderCornerResetDeterminism(t *testing.T) {
	// Different physical starting points do not change the first recorded event.
	var firsts []macro.Event
	for _, start := range []int32{0, 250} {
		src := newFakeSource("tablet", abs(evcode.AbsX, start), abs(evcode.AbsY, start), syn())
		r := NewRecorder(providerOf(src))
		if err := r.StartRecording(context.Background(), RecordOptions{CaptureMouse: true}); err != nil {
			t.Fatalf("StartRecording failed: %v", err)
		}
		<-src.sent
		seq, err := r.StopRecording()
		if err != nil {
			t.Fatalf("StopRecording failed: %v", err)
		}
		firsts = append(firsts, seq.At(0))
	}
	if firsts[0].X != 0 || firsts[0].Y != 0 || firsts[0] != firsts[1] {
		t.Errorf("first events = %v, want identical (0,0)", firsts)
	}
}

func TestRecorderSkipOriginResetHasNoMarker(t *testing.T) {
	src := newFakeSource("kbd", key(30, 1), key(30, 0))
	r := NewRecorder(providerOf(src))
	if err := r.StartRecording(context.Background(), RecordOptions{CaptureKeyboard: true, SkipOriginReset: true}); err != nil {
		t.Fatalf("StartRecording failed: %v", err)
	}
	<-src.sent
	waitFor(t, func() bool { return r.CurrentRecordingLength() == 2 })
	seq, _ := r.StopRecording()

	if !seq.SkipInitialOriginReset {
		t.Error("SkipInitialOriginReset not stored")
	}
	if seq.At(0).Type != macro.EventKeyPress {
		t.Errorf("first event = %v, want key press", seq.At(0))
	}
}

func TestRecorderAbsoluteSession(t *testing.T) {
	src := newFakeSource("term", abs(evcode.AbsX, 30), abs(evcode.AbsY, 40), syn())
	src.authoritative = true

	n := notify.New()
	defer n.Close()
	var mu sync.Mutex
	topics := map[string]int{}
	n.Subscribe("recording.*", func(note notify.Notification) {
		mu.Lock()
		topics[note.Topic]++
		mu.Unlock()
	})

	r := NewRecorder(providerOf(src),
		WithPositionSource(staticPosition{x: 7, y: 9, ok: true}),
		WithNotifier(n),
	)
	if err := r.StartRecording(context.Background(), RecordOptions{CaptureMouse: true, PreferAbsolute: true}); err != nil {
		t.Fatalf("StartRecording failed: %v", err)
	}
	<-src.sent
	waitFor(t, func() bool { return r.CurrentRecordingLength() == 2 })
	time.Sleep(20 * time.Millisecond)
	seq, err := r.StopRecording()
	if err != nil {
		t.Fatalf("StopRecording failed: %v", err)
	}

	if !seq.IsAbsolute {
		t.Error("IsAbsolute = false")
	}
	if e := seq.At(0); e.X != 7 || e.Y != 9 {
		t.Errorf("origin marker = (%d,%d), want (7,9)", e.X, e.Y)
	}
	if e := seq.At(1); e.X != 30 || e.Y != 40 {
		t.Errorf("move = (%d,%d), want (30,40)", e.X, e.Y)
	}
	if seq.TrailingDelayMs() < 10 {
		t.Errorf("TrailingDelayMs() = %d, want >= 10", seq.TrailingDelayMs())
	}

	mu.Lock()
	defer mu.Unlock()
	if topics[notify.RecordingStarted] != 1 || topics[notify.RecordingStopped] != 1 || topics[notify.RecordingEvent] != 1 {
		t.Errorf("notifications = %v", topics)
	}
}

func TestRecorderAbsoluteUnavailableFailsClosed(t *testing.T) {
	src := newFakeSource("term")
	r := NewRecorder(providerOf(src),
		WithPositionSource(staticPosition{ok: false}),
		WithPositionRetry(2, time.Millisecond, 50*time.Millisecond),
	)

	err := r.StartRecording(context.Background(), RecordOptions{CaptureMouse: true, PreferAbsolute: true})
	if !errors.Is(err, coord.ErrPositionUnavailable) {
		t.Fatalf("StartRecording error = %v, want ErrPositionUnavailable", err)
	}
	if !src.closed.Load() {
		t.Error("opened source must be closed when start fails")
	}
	if r.IsRecording() {
		t.Error("IsRecording() = true after failed start")
	}
}

func TestRecorderConfigureFailureClosesAll(t *testing.T) {
	a := newFakeSource("a")
	b := newFakeSource("b")
	b.configureErr = errors.New("permission denied")

	r := NewRecorder(providerOf(a, b))
	if err := r.StartRecording(context.Background(), RecordOptions{CaptureMouse: true}); err == nil {
		t.Fatal("StartRecording should fail")
	}
	if !a.closed.Load() || !b.closed.Load() {
		t.Error("all opened sources must be closed on failure")
	}
}

func TestRecorderMultipleDevices(t *testing.T) {
	mouse := newFakeSource("mouse", rel(evcode.RelX, 1), syn(), rel(evcode.RelX, 1), syn())
	kbd := newFakeSource("kbd", key(30, 1), key(30, 0), key(31, 1), key(31, 0))

	r := NewRecorder(providerOf(mouse, kbd))
	opts := RecordOptions{CaptureMouse: true, CaptureKeyboard: true, SkipOriginReset: true}
	if err := r.StartRecording(context.Background(), opts); err != nil {
		t.Fatalf("StartRecording failed: %v", err)
	}
	<-mouse.sent
	<-kbd.sent
	waitFor(t, func() bool { return r.CurrentRecordingLength() == 6 })

	seq, err := r.StopRecording()
	if err != nil {
		t.Fatalf("StopRecording failed: %v", err)
	}
	st := seq.Stats()
	if st.MoveCount != 2 || st.KeyCount != 2 {
		t.Errorf("Stats() = %+v, want 2 moves and 2 key presses", st)
	}
	res := macro.Validate(seq, macro.DefaultLimits())
	if !res.OK() {
		t.Errorf("recorded sequence fails validation: %v", res.Errors)
	}
}

func TestRecorderCoalescesPerDevice(t *testing.T) {
	r := NewRecorder(nil)
	sess := &session{
		start:      time.Now(),
		tracker:    relativeTracker(),
		filter:     NewFilter(true, true, nil),
		seq:        macro.NewSequence("per-device", false, true),
		coalescers: make(map[string]*Coalescer),
	}
	from := func(dev string, ev device.RawEvent) device.RawEvent {
		ev.Device = dev
		return ev
	}

	// The key lands inside the mouse's report; the report still ends at
	// the mouse's own SYN.
	r.handle(sess, from("mouse", rel(evcode.RelX, 3)))
	r.handle(sess, from("kbd", key(30, 1)))
	r.handle(sess, from("mouse", rel(evcode.RelY, 2)))
	r.handle(sess, from("mouse", syn()))

	events := sess.seq.Events()
	if len(events) != 2 {
		t.Fatalf("recorded %d events, want 2: %v", len(events), events)
	}
	if events[0].Type != macro.EventKeyPress || events[0].KeyCode != 30 {
		t.Errorf("events[0] = %v, want key-press 30", events[0])
	}
	if events[1].Type != macro.EventMouseMove || events[1].X != 3 || events[1].Y != 2 {
		t.Errorf("events[1] = %v, want one mouse-move (3,2)", events[1])
	}
}

func TestRecorderDeviceFailureKeepsSession(t *testing.T) {
	src := newFakeSource("flaky", key(30, 1))
	src.runErr = errors.New("device unplugged")

	n := notify.New()
	defer n.Close()
	failed := make(chan error, 1)
	n.Subscribe(notify.RecordingError, func(note notify.Notification) { failed <- note.Err })

	r := NewRecorder(providerOf(src), WithNotifier(n))
	if err := r.StartRecording(context.Background(), RecordOptions{CaptureKeyboard: true, SkipOriginReset: true}); err != nil {
		t.Fatalf("StartRecording failed: %v", err)
	}

	select {
	case err := <-failed:
		if err == nil {
			t.Error("error notification without error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no error notification")
	}

	seq, err := r.StopRecording()
	if err != nil {
		t.Fatalf("StopRecording failed: %v", err)
	}
	if seq.Len() != 1 {
		t.Errorf("Len() = %d, want the event captured before the failure", seq.Len())
	}
}

func TestRecorderClose(t *testing.T) {
	src := newFakeSource("m")
	r := NewRecorder(providerOf(src))
	if err := r.Close(); err != nil {
		t.Errorf("Close() without session = %v", err)
	}
	if err := r.StartRecording(context.Background(), RecordOptions{CaptureMouse: true, SkipOriginReset: true}); err != nil {
		t.Fatalf("StartRecording failed: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
	if !src.closed.Load() || r.IsRecording() {
		t.Error("Close should stop the session and release devices")
	}
}
