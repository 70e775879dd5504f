// Package playback replays macro sequences through an injection device.
//
// A Player runs one playback at a time:
//
//	Idle -> Playing -> {Paused <-> Playing} -> Idle
//
// Stop, cancellation and fatal errors return to Idle from any active state.
// Every exit path force-releases whatever buttons and keys the playback
// pressed, plus the primary mouse buttons.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/macroreplay/internal/coord"
	"github.com/dshills/macroreplay/internal/device"
	"github.com/dshills/macroreplay/internal/inputstate"
	"github.com/dshills/macroreplay/internal/logging"
	"github.com/dshills/macroreplay/internal/macro"
	"github.com/dshills/macroreplay/internal/notify"
)

// Defaults for player tuning.
const (
	DefaultMinRepeatDelay = 10 * time.Millisecond
	DefaultMaxErrors      = 10
	DefaultStopGrace      = time.Second
	DefaultQueryTimeout   = 2 * time.Second
)

// State is the playback state.
type State int32

const (
	StateIdle State = iota
	StatePlaying
	StatePaused
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	default:
		return "unknown"
	}
}

// DeviceSource hands out injection devices. pool.Pool implements it.
type DeviceSource interface {
	// Acquire returns an initialized device; zero width or height requests
	// a relative-only device.
	Acquire(ctx context.Context, width, height int) (device.Injector, error)

	// Release disposes a device obtained from Acquire.
	Release(inj device.Injector)
}

// Metrics describes the current or last playback.
type Metrics struct {
	Session        string
	Macro          string
	Started        time.Time
	Iterations     int
	EventsExecuted int
	EventErrors    int

	// MaxLateness is the largest overshoot of a completed wait.
	MaxLateness time.Duration
}

// Player replays sequences. It is safe for concurrent use; control methods
// may be called from any goroutine while Play runs.
type Player struct {
	devices  DeviceSource
	position device.PositionSource
	warper   device.DirectWarper
	notifier *notify.Notifier
	logger   *slog.Logger

	limits         macro.Limits
	spinThreshold  time.Duration
	minRepeatDelay time.Duration
	maxErrors      int
	stopGrace      time.Duration
	queryTimeout   time.Duration

	mu      sync.Mutex
	state   State
	cancel  context.CancelFunc
	done    chan struct{}
	gate    *gate
	inj     device.Injector
	metrics Metrics

	// injMu serializes injection with the releases issued by Pause.
	injMu       sync.Mutex
	buttons     *inputstate.Tracker
	keys        *inputstate.Tracker
	cursorX     int
	cursorY     int
	cursorKnown bool
}

// Option configures a Player.
type Option func(*Player)

// WithPositionSource lets the player verify the start position of
// absolute macros and size absolute devices.
func WithPositionSource(pos device.PositionSource) Option {
	return func(p *Player) {
		p.position = pos
	}
}

// WithNotifier publishes playback notifications.
func WithNotifier(n *notify.Notifier) Option {
	return func(p *Player) {
		p.notifier = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Player) {
		p.logger = l
	}
}

// WithLimits sets the validation limits.
func WithLimits(l macro.Limits) Option {
	return func(p *Player) {
		p.limits = l
	}
}

// WithSpinThreshold sets the longest delay realized by spinning.
func WithSpinThreshold(d time.Duration) Option {
	return func(p *Player) {
		if d >= 0 {
			p.spinThreshold = d
		}
	}
}

// WithMinRepeatDelay sets the floor for the delay between iterations.
func WithMinRepeatDelay(d time.Duration) Option {
	return func(p *Player) {
		if d > 0 {
			p.minRepeatDelay = d
		}
	}
}

// WithMaxErrors sets how many failed events a playback tolerates.
func WithMaxErrors(n int) Option {
	return func(p *Player) {
		if n >= 0 {
			p.maxErrors = n
		}
	}
}

// WithStopGrace bounds how long Close waits for a playback to finish.
func WithStopGrace(d time.Duration) Option {
	return func(p *Player) {
		if d > 0 {
			p.stopGrace = d
		}
	}
}

// WithQueryTimeout bounds position and resolution queries.
func WithQueryTimeout(d time.Duration) Option {
	return func(p *Player) {
		if d > 0 {
			p.queryTimeout = d
		}
	}
}

// NewPlayer creates a player drawing devices from devices.
func NewPlayer(devices DeviceSource, opts ...Option) *Player {
	p := &Player{
		devices:        devices,
		limits:         macro.DefaultLimits(),
		spinThreshold:  DefaultSpinThreshold,
		minRepeatDelay: DefaultMinRepeatDelay,
		maxErrors:      DefaultMaxErrors,
		stopGrace:      DefaultStopGrace,
		queryTimeout:   DefaultQueryTimeout,
		buttons:        inputstate.NewButtonTracker(),
		keys:           inputstate.NewKeyTracker(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.position != nil {
		p.warper = device.Resolve(p.position, true).Warper
	}
	p.logger = logging.Component(p.logger, "player")
	return p
}

type run struct {
	ctx     context.Context
	cancel  context.CancelFunc
	seq     *macro.Sequence
	opts    Options
	inj     device.Injector
	session string
	gate    *gate
	done    chan struct{}
}

// Play replays seq and blocks until it completes, fails, or is stopped.
// Stop and cancellation of ctx make Play return context.Canceled (or the
// context's error). A second Play while one is active fails with
// ErrAlreadyPlaying and leaves the active playback untouched.
func (p *Player) Play(ctx context.Context, seq *macro.Sequence, opts Options) error {
	r, err := p.begin(ctx, seq, opts)
	if err != nil {
		return err
	}
	return p.execute(r)
}

// PlayAsync starts playback in a goroutine. Setup errors are returned
// immediately; the playback result is sent on done (if non-nil), which is
// then closed. done should be buffered.
func (p *Player) PlayAsync(ctx context.Context, seq *macro.Sequence, opts Options, done chan<- error) error {
	r, err := p.begin(ctx, seq, opts)
	if err != nil {
		return err
	}
	go func() {
		err := p.execute(r)
		if done != nil {
			done <- err
			close(done)
		}
	}()
	return nil
}

func (p *Player) begin(ctx context.Context, seq *macro.Sequence, opts Options) (*run, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if seq == nil {
		return nil, fmt.Errorf("%w: nil sequence", ErrValidation)
	}
	if p.devices == nil {
		return nil, ErrNoDevices
	}

	p.mu.Lock()
	if p.state != StateIdle {
		p.mu.Unlock()
		return nil, ErrAlreadyPlaying
	}
	runCtx, cancel := context.WithCancel(ctx)
	r := &run{
		ctx:     runCtx,
		cancel:  cancel,
		seq:     seq,
		opts:    opts,
		session: uuid.NewString(),
		gate:    newGate(),
		done:    make(chan struct{}),
	}
	p.state = StatePlaying
	p.cancel = cancel
	p.done = r.done
	p.gate = r.gate
	p.metrics = Metrics{Session: r.session, Macro: seq.Name, Started: time.Now()}
	p.mu.Unlock()

	fail := func(err error) (*run, error) {
		cancel()
		p.mu.Lock()
		p.state = StateIdle
		p.cancel = nil
		p.mu.Unlock()
		close(r.done)
		p.publish(notify.Notification{Topic: notify.PlaybackError, Session: r.session, Macro: seq.Name, Err: err})
		return nil, err
	}

	res := macro.Validate(seq, p.limits)
	if !res.OK() {
		return fail(fmt.Errorf("%w: %w", ErrValidation, res.Err()))
	}
	if seq.IsAbsolute && p.position == nil {
		res.Warn("absolute macro played without a position source; start position cannot be verified")
	}
	for _, w := range res.Warnings {
		p.logger.Warn("validation warning", "session", r.session, "warning", w)
		p.publish(notify.Notification{Topic: notify.PlaybackWarning, Session: r.session, Macro: seq.Name, Message: w})
	}

	var width, height int
	if seq.IsAbsolute {
		width, height = p.resolution(runCtx, seq)
	}
	inj, err := p.devices.Acquire(runCtx, width, height)
	if err != nil {
		return fail(fmt.Errorf("acquire injection device: %w", err))
	}
	r.inj = inj

	p.mu.Lock()
	p.inj = inj
	p.mu.Unlock()

	return r, nil
}

// resolution returns the screen size for an absolute device, falling back
// to the extent of the macro when no resolution is available.
func (p *Player) resolution(ctx context.Context, seq *macro.Sequence) (int, int) {
	if p.position != nil {
		if w, h, ok := device.QueryResolution(ctx, p.position, p.queryTimeout); ok && w > 0 && h > 0 {
			return w, h
		}
	}
	w, h := 1, 1
	for i := 0; i < seq.Len(); i++ {
		ev := seq.At(i)
		w = max(w, ev.X+1)
		h = max(h, ev.Y+1)
	}
	return w, h
}

func (p *Player) execute(r *run) (err error) {
	defer func() { p.finish(r, err) }()

	p.logger.Info("playback started",
		"session", r.session,
		"name", r.seq.Name,
		"events", r.seq.Len(),
		"absolute", r.seq.IsAbsolute,
		"speed", r.opts.Speed,
		"iterations", r.opts.Iterations(),
	)
	p.publish(notify.Notification{Topic: notify.PlaybackStarted, Session: r.session, Macro: r.seq.Name})

	return p.loop(r)
}

func (p *Player) loop(r *run) error {
	iterations := r.opts.Iterations()
	seq := r.seq

	for iter := 1; iterations == 0 || iter <= iterations; iter++ {
		if err := r.gate.Wait(r.ctx); err != nil {
			return err
		}
		if err := p.resolveStart(r); err != nil {
			return fmt.Errorf("resolve start position: %w", err)
		}

		p.mu.Lock()
		p.metrics.Iterations = iter
		p.mu.Unlock()
		p.publish(notify.Notification{Topic: notify.PlaybackIteration, Session: r.session, Macro: seq.Name, Iteration: iter})

		for i := 0; i < seq.Len(); i++ {
			ev := seq.At(i)
			if i > 0 {
				if err := p.sleep(r, r.opts.Scale(ev.DelayMs)); err != nil {
					return err
				}
			}
			if err := p.step(r, i, ev); err != nil {
				return err
			}
		}

		if iterations != 0 && iter == iterations {
			break
		}
		if err := p.sleep(r, r.opts.InterIterationDelay(seq.TrailingDelayMs(), p.minRepeatDelay)); err != nil {
			return err
		}
	}
	return nil
}

// sleep waits d of wall-clock time not counting time spent paused.
func (p *Player) sleep(r *run, d time.Duration) error {
	remaining := d
	for remaining > 0 {
		if err := r.gate.Wait(r.ctx); err != nil {
			return err
		}
		start := time.Now()
		interrupted, err := hybridWait(r.ctx, remaining, p.spinThreshold, r.gate.Paused())
		elapsed := time.Since(start)
		if err != nil {
			return err
		}
		if !interrupted {
			p.mu.Lock()
			p.metrics.MaxLateness = max(p.metrics.MaxLateness, elapsed-remaining)
			p.mu.Unlock()
			return nil
		}
		remaining -= elapsed
	}
	return r.ctx.Err()
}

// step executes one event, retrying after a pause that raced with it.
func (p *Player) step(r *run, index int, ev macro.Event) error {
	for {
		if err := r.gate.Wait(r.ctx); err != nil {
			return err
		}
		if err := r.ctx.Err(); err != nil {
			return err
		}

		executed, err := p.inject(r, ev)
		if !executed {
			continue
		}

		p.mu.Lock()
		if err == nil {
			p.metrics.EventsExecuted++
			p.mu.Unlock()
			return nil
		}
		p.metrics.EventErrors++
		count := p.metrics.EventErrors
		p.mu.Unlock()

		evErr := &EventError{Index: index, Event: ev, Err: err}
		p.logger.Warn("event failed", "session", r.session, "index", index, "event", ev, "error", err, "errors", count)
		p.publish(notify.Notification{Topic: notify.PlaybackError, Session: r.session, Macro: r.seq.Name, Event: &evErr.Event, Err: evErr})

		if count > p.maxErrors {
			return fmt.Errorf("%w: %d failed events, last: %w", ErrTooManyErrors, count, evErr)
		}
		return nil
	}
}

// inject performs one event on the device. It reports executed == false,
// without touching the device, when a pause won the race for injMu.
func (p *Player) inject(r *run, ev macro.Event) (executed bool, err error) {
	p.injMu.Lock()
	defer p.injMu.Unlock()

	if r.gate.IsPaused() {
		return false, nil
	}

	inj := r.inj
	switch ev.Type {
	case macro.EventMouseMove:
		if r.seq.IsAbsolute {
			err = p.moveLocked(inj, ev.X, ev.Y)
		} else {
			err = inj.MoveRelative(ev.X, ev.Y)
		}

	case macro.EventButtonPress, macro.EventButtonRelease:
		code := ev.Button.Code()
		if code == 0 {
			return true, fmt.Errorf("button %s cannot be pressed", ev.Button)
		}
		if err = p.moveToEventLocked(r, ev); err != nil {
			break
		}
		pressed := ev.Type == macro.EventButtonPress
		if err = inj.SetButton(code, pressed); err != nil {
			break
		}
		if pressed {
			p.buttons.Press(code)
		} else {
			p.buttons.Release(code)
		}

	case macro.EventClick:
		if err = p.moveToEventLocked(r, ev); err != nil {
			break
		}
		if ev.Button.IsScroll() {
			delta, horizontal := ev.Button.ScrollDelta()
			err = inj.Scroll(delta, horizontal)
			break
		}
		code := ev.Button.Code()
		if code == 0 {
			return true, fmt.Errorf("cannot click button %s", ev.Button)
		}
		if err = inj.SetButton(code, true); err != nil {
			break
		}
		p.buttons.Press(code)
		if err = inj.Sync(); err != nil {
			break
		}
		if err = inj.SetButton(code, false); err == nil {
			p.buttons.Release(code)
		}

	case macro.EventKeyPress, macro.EventKeyRelease:
		pressed := ev.Type == macro.EventKeyPress
		if err = inj.SetKey(ev.KeyCode, pressed); err != nil {
			break
		}
		if pressed {
			p.keys.Press(ev.KeyCode)
		} else {
			p.keys.Release(ev.KeyCode)
		}

	default:
		return true, fmt.Errorf("unsupported event type %s", ev.Type)
	}

	if err != nil {
		return true, err
	}
	return true, inj.Sync()
}

// moveToEventLocked moves an absolute pointer to a button event's position
// unless it is already there.
func (p *Player) moveToEventLocked(r *run, ev macro.Event) error {
	if !r.seq.IsAbsolute {
		return nil
	}
	if p.cursorKnown && p.cursorX == ev.X && p.cursorY == ev.Y {
		return nil
	}
	return p.moveLocked(r.inj, ev.X, ev.Y)
}

func (p *Player) moveLocked(inj device.Injector, x, y int) error {
	if err := inj.MoveAbsolute(x, y); err != nil {
		p.cursorKnown = false
		return err
	}
	p.cursorX, p.cursorY, p.cursorKnown = x, y, true
	return nil
}

// resolveStart brings the pointer to where the macro expects to start.
// Relative macros get a corner reset unless the macro opts out. Absolute
// macros whose first positioned event is not a leading move are moved to
// that event's position when the actual position differs or is unknown.
func (p *Player) resolveStart(r *run) error {
	seq := r.seq

	if !seq.IsAbsolute {
		p.injMu.Lock()
		defer p.injMu.Unlock()
		if seq.SkipInitialOriginReset {
			return nil
		}
		return coord.CornerReset(r.inj)
	}

	p.injMu.Lock()
	p.cursorKnown = false
	p.injMu.Unlock()

	idx, target := firstPositioned(seq)
	if idx < 0 || (idx == 0 && target.Type == macro.EventMouseMove) {
		return nil
	}

	if p.position != nil {
		if x, y, ok := device.QueryPosition(r.ctx, p.position, p.queryTimeout); ok {
			p.injMu.Lock()
			p.cursorX, p.cursorY, p.cursorKnown = x, y, true
			p.injMu.Unlock()
			if x == target.X && y == target.Y {
				return nil
			}
		}
	}

	p.injMu.Lock()
	defer p.injMu.Unlock()

	if p.warper != nil {
		err := p.warper.WarpCursor(target.X, target.Y)
		if err == nil {
			p.cursorX, p.cursorY, p.cursorKnown = target.X, target.Y, true
			return nil
		}
		p.logger.Debug("cursor warp failed, using injected move", "error", err)
	}
	if err := p.moveLocked(r.inj, target.X, target.Y); err != nil {
		return err
	}
	return r.inj.Sync()
}

// firstPositioned returns the first MouseMove, or failing that the first
// mouse event carrying a position.
func firstPositioned(seq *macro.Sequence) (int, macro.Event) {
	fallback := -1
	for i := 0; i < seq.Len(); i++ {
		ev := seq.At(i)
		if ev.Type == macro.EventMouseMove {
			return i, ev
		}
		if fallback < 0 && ev.Type.IsMouse() {
			fallback = i
		}
	}
	if fallback >= 0 {
		return fallback, seq.At(fallback)
	}
	return -1, macro.Event{}
}

func (p *Player) finish(r *run, err error) {
	// Detach the device first so a concurrent Pause cannot reach it once
	// it has been handed back.
	p.mu.Lock()
	p.inj = nil
	p.mu.Unlock()

	p.injMu.Lock()
	releaseErr := p.releaseAllLocked(r.inj)
	p.cursorKnown = false
	p.injMu.Unlock()
	if releaseErr != nil {
		p.logger.Warn("releasing held input failed", "session", r.session, "error", releaseErr)
	}

	p.devices.Release(r.inj)

	r.cancel()

	p.mu.Lock()
	p.state = StateIdle
	p.cancel = nil
	m := p.metrics
	p.mu.Unlock()
	close(r.done)

	attrs := []any{
		"session", r.session,
		"iterations", m.Iterations,
		"events", m.EventsExecuted,
		"event_errors", m.EventErrors,
		"max_lateness", m.MaxLateness,
		"elapsed", time.Since(m.Started).Round(time.Millisecond),
	}
	switch {
	case err == nil:
		p.logger.Info("playback completed", attrs...)
		p.publish(notify.Notification{Topic: notify.PlaybackCompleted, Session: r.session, Macro: r.seq.Name, Iteration: m.Iterations})
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		p.logger.Info("playback stopped", append(attrs, "reason", err)...)
		p.publish(notify.Notification{Topic: notify.PlaybackCompleted, Session: r.session, Macro: r.seq.Name, Iteration: m.Iterations, Message: "stopped", Err: err})
	default:
		p.logger.Error("playback failed", append(attrs, "error", err)...)
		p.publish(notify.Notification{Topic: notify.PlaybackError, Session: r.session, Macro: r.seq.Name, Iteration: m.Iterations, Err: err})
	}
}

// releaseAllLocked force-releases tracked buttons and keys plus the
// failsafe buttons.
func (p *Player) releaseAllLocked(inj device.Injector) error {
	if inj == nil {
		return nil
	}
	_, errButtons := p.buttons.ReleaseAll(inj.SetButton)
	_, errKeys := p.keys.ReleaseAll(inj.SetKey)
	return errors.Join(errButtons, errKeys, inj.Sync())
}

// Pause releases every held button and key, then holds the playback at
// the next wait or event boundary. Pausing a paused playback is a no-op.
func (p *Player) Pause() error {
	p.mu.Lock()
	switch p.state {
	case StateIdle:
		p.mu.Unlock()
		return ErrNotPlaying
	case StatePaused:
		p.mu.Unlock()
		return nil
	}
	p.state = StatePaused
	g, session, name := p.gate, p.metrics.Session, p.metrics.Macro
	p.mu.Unlock()

	p.injMu.Lock()
	g.Pause()
	p.mu.Lock()
	inj := p.inj
	p.mu.Unlock()
	held := append(p.buttons.Snapshot(), p.keys.Snapshot()...)
	err := p.releaseAllLocked(inj)
	p.injMu.Unlock()

	p.logger.Info("playback paused", "session", session, "released", len(held))
	p.publish(notify.Notification{Topic: notify.PlaybackPaused, Session: session, Macro: name})
	return err
}

// Resume continues a paused playback. Inputs released by Pause are not
// pressed again; the macro's own next press does that.
func (p *Player) Resume() error {
	p.mu.Lock()
	switch p.state {
	case StateIdle:
		p.mu.Unlock()
		return ErrNotPlaying
	case StatePlaying:
		p.mu.Unlock()
		return nil
	}
	p.state = StatePlaying
	g, session, name := p.gate, p.metrics.Session, p.metrics.Macro
	p.mu.Unlock()

	g.Resume()

	p.logger.Info("playback resumed", "session", session)
	p.publish(notify.Notification{Topic: notify.PlaybackResumed, Session: session, Macro: name})
	return nil
}

// Stop cancels the active playback. It does not wait for Play to return.
func (p *Player) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateIdle || p.cancel == nil {
		return ErrNotPlaying
	}
	p.cancel()
	return nil
}

// State returns the playback state.
func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// IsPlaying reports whether a playback is active, paused or not.
func (p *Player) IsPlaying() bool {
	return p.State() != StateIdle
}

// Metrics returns a snapshot of the current or last playback's metrics.
func (p *Player) Metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics
}

// Close stops any active playback and waits, up to the stop grace period,
// for it to release its device.
func (p *Player) Close() error {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()

	if p.Stop() != nil || done == nil {
		return nil
	}

	timer := time.NewTimer(p.stopGrace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		p.logger.Warn("playback did not stop within grace period", "grace", p.stopGrace)
	}
	return nil
}

func (p *Player) publish(n notify.Notification) {
	p.notifier.Publish(n)
}
