// Package capture records macro sequences from live input devices.
//
// A Recorder opens every capture source for a session, runs one reader
// goroutine per source and merges their raw events through a single bounded
// channel into one consumer. The consumer feeds a per-device Coalescer and
// appends the resulting events to the session's sequence under one lock,
// which also serializes drift corrections.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/macroreplay/internal/coord"
	"github.com/dshills/macroreplay/internal/device"
	"github.com/dshills/macroreplay/internal/logging"
	"github.com/dshills/macroreplay/internal/macro"
	"github.com/dshills/macroreplay/internal/notify"
)

var (
	// ErrAlreadyRecording is returned by StartRecording during a session.
	ErrAlreadyRecording = errors.New("recording already in progress")

	// ErrNotRecording is returned by StopRecording without a session.
	ErrNotRecording = errors.New("not recording")

	// ErrNoRecordingType is returned when neither mouse nor keyboard is selected.
	ErrNoRecordingType = errors.New("no recording type enabled")

	// ErrNoCaptureProvider is returned when the recorder has no capture provider.
	ErrNoCaptureProvider = errors.New("no capture provider available")
)

// DefaultBufferSize is the capacity of the raw event channel.
const DefaultBufferSize = 256

// RecordOptions configures one recording session.
type RecordOptions struct {
	// Name is stored in the resulting sequence.
	Name string

	CaptureMouse    bool
	CaptureKeyboard bool

	// PreferAbsolute requests absolute coordinates when a position source exists.
	PreferAbsolute bool

	// SkipOriginReset disables the corner reset in relative mode and is
	// stored in the sequence so playback skips it too.
	SkipOriginReset bool

	// IgnoredKeys are key or button codes never recorded.
	IgnoredKeys []uint16
}

type state int32

const (
	stateIdle state = iota
	stateStarting
	stateRecording
	stateStopping
)

// Recorder runs recording sessions. One session may be active at a time.
type Recorder struct {
	provider  device.CaptureProvider
	position  device.PositionSource
	injectors device.InjectorFactory
	notifier  *notify.Notifier
	logger    *slog.Logger

	bufferSize   int
	stopGrace    time.Duration
	retries      int
	retryBackoff time.Duration
	queryTimeout time.Duration
	driftOpts    []coord.DriftOption

	mu      sync.Mutex
	state   state
	session *session
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithPositionSource enables absolute recording.
func WithPositionSource(pos device.PositionSource) Option {
	return func(r *Recorder) {
		r.position = pos
	}
}

// WithInjectorFactory supplies the device used for the corner reset.
func WithInjectorFactory(f device.InjectorFactory) Option {
	return func(r *Recorder) {
		r.injectors = f
	}
}

// WithNotifier publishes session notifications.
func WithNotifier(n *notify.Notifier) Option {
	return func(r *Recorder) {
		r.notifier = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) {
		r.logger = l
	}
}

// WithBufferSize sets the raw event channel capacity.
func WithBufferSize(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.bufferSize = n
		}
	}
}

// WithStopGrace bounds how long StopRecording waits for background work.
func WithStopGrace(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.stopGrace = d
		}
	}
}

// WithPositionRetry configures the initial absolute position query.
func WithPositionRetry(attempts int, initialBackoff, queryTimeout time.Duration) Option {
	return func(r *Recorder) {
		r.retries = attempts
		r.retryBackoff = initialBackoff
		r.queryTimeout = queryTimeout
	}
}

// WithDriftOptions configures the drift corrector.
func WithDriftOptions(opts ...coord.DriftOption) Option {
	return func(r *Recorder) {
		r.driftOpts = append(r.driftOpts, opts...)
	}
}

// NewRecorder creates a recorder over provider.
func NewRecorder(provider device.CaptureProvider, opts ...Option) *Recorder {
	r := &Recorder{
		provider:     provider,
		bufferSize:   DefaultBufferSize,
		stopGrace:    coord.DefaultStopGrace,
		retries:      coord.DefaultRetryAttempts,
		retryBackoff: coord.DefaultInitialBackoff,
		queryTimeout: coord.DefaultQueryTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.Component(r.logger, "recorder")
	return r
}

type session struct {
	id      string
	start   time.Time
	sources []device.CaptureSource
	inj     device.Injector
	tracker *coord.Tracker
	drift   *coord.DriftCorrector
	filter  Filter

	cancel   context.CancelFunc
	consumed chan struct{}
	count    atomic.Int64

	// mu is the single critical section for sequence mutation.
	mu         sync.Mutex
	seq        *macro.Sequence
	coalescers map[string]*Coalescer
	lastTs     int64
	readErr    error
}

// StartRecording opens the capture sources, establishes the coordinate
// origin and begins recording. ctx bounds the whole session: cancelling it
// ends capture, after which StopRecording still returns what was recorded.
func (r *Recorder) StartRecording(ctx context.Context, opts RecordOptions) error {
	if !opts.CaptureMouse && !opts.CaptureKeyboard {
		return ErrNoRecordingType
	}
	if r.provider == nil {
		return ErrNoCaptureProvider
	}

	r.mu.Lock()
	if r.state != stateIdle {
		r.mu.Unlock()
		return ErrAlreadyRecording
	}
	r.state = stateStarting
	r.mu.Unlock()

	sess, err := r.open(ctx, opts)

	r.mu.Lock()
	if err != nil {
		r.state = stateIdle
		r.mu.Unlock()
		r.publish(notify.Notification{Topic: notify.RecordingError, Macro: opts.Name, Err: err})
		return err
	}
	r.session = sess
	r.state = stateRecording
	r.mu.Unlock()

	r.logger.Info("recording started",
		"session", sess.id,
		"name", opts.Name,
		"absolute", sess.tracker.IsAbsolute(),
		"devices", len(sess.sources),
		"drift_correction", sess.drift != nil,
	)
	r.publish(notify.Notification{Topic: notify.RecordingStarted, Session: sess.id, Macro: opts.Name})
	return nil
}

func (r *Recorder) open(ctx context.Context, opts RecordOptions) (*session, error) {
	sources, err := r.provider.Open(ctx, opts.CaptureMouse, opts.CaptureKeyboard)
	if err != nil {
		return nil, fmt.Errorf("open capture sources: %w", err)
	}
	if len(sources) == 0 {
		return nil, device.ErrNoDevices
	}

	sess := &session{
		id:         uuid.NewString(),
		sources:    sources,
		filter:     NewFilter(opts.CaptureMouse, opts.CaptureKeyboard, opts.IgnoredKeys),
		coalescers: make(map[string]*Coalescer, len(sources)),
		consumed:   make(chan struct{}),
	}

	ok := false
	defer func() {
		if !ok {
			r.release(sess)
		}
	}()

	for _, src := range sources {
		if err := src.Configure(opts.CaptureMouse, opts.CaptureKeyboard); err != nil {
			return nil, fmt.Errorf("configure %s: %w", src.Name(), err)
		}
	}

	capability := device.Resolve(r.position, opts.PreferAbsolute)

	trackerOpts := []coord.Option{
		coord.WithSkipOriginReset(opts.SkipOriginReset),
		coord.WithRetry(r.retries, r.retryBackoff),
		coord.WithQueryTimeout(r.queryTimeout),
		coord.WithLogger(r.logger),
	}
	if !capability.IsAbsolute() && !opts.SkipOriginReset {
		if r.injectors == nil {
			r.logger.Warn("no injection device for corner reset, origin is the current cursor position")
		} else {
			inj, err := r.injectors(ctx)
			if err != nil {
				return nil, fmt.Errorf("create corner reset device: %w", err)
			}
			sess.inj = inj
			if err := inj.Initialize(0, 0); err != nil {
				return nil, fmt.Errorf("initialize corner reset device: %w", err)
			}
			trackerOpts = append(trackerOpts, coord.WithInjector(inj))
		}
	}

	sess.tracker = coord.NewTracker(capability, trackerOpts...)
	if err := sess.tracker.Initialize(ctx); err != nil {
		return nil, err
	}

	sess.seq = macro.NewSequence(opts.Name, capability.IsAbsolute(), opts.SkipOriginReset)
	sess.start = time.Now()
	sess.seq.CreatedAt = sess.start

	// Origin marker so playback knows where the first delta starts from.
	if capability.IsAbsolute() || !opts.SkipOriginReset {
		x, y := sess.tracker.Position()
		if !capability.IsAbsolute() {
			x, y = 0, 0
		}
		r.appendLocked(sess, []macro.Event{{Type: macro.EventMouseMove, X: x, Y: y}}, 0)
	}

	if capability.IsAbsolute() && !allAuthoritative(sources) {
		sess.drift = coord.NewDriftCorrector(sess.tracker, capability.Position,
			func(x, y int) { r.record(sess, []macro.Event{{Type: macro.EventMouseMove, X: x, Y: y}}, time.Now()) },
			append([]coord.DriftOption{coord.WithDriftLogger(r.logger)}, r.driftOpts...)...,
		)
	}

	runCtx, cancel := context.WithCancel(ctx)
	sess.cancel = cancel
	r.run(runCtx, sess)
	if sess.drift != nil {
		sess.drift.Start(runCtx)
	}

	ok = true
	return sess, nil
}

func allAuthoritative(sources []device.CaptureSource) bool {
	for _, src := range sources {
		if !device.IsAuthoritative(src) {
			return false
		}
	}
	return true
}

// run starts one reader per source and the single consumer.
func (r *Recorder) run(ctx context.Context, sess *session) {
	events := make(chan device.RawEvent, r.bufferSize)
	g, gctx := errgroup.WithContext(ctx)

	for _, src := range sess.sources {
		src := src
		g.Go(func() error {
			if err := src.Run(gctx, events); err != nil {
				return fmt.Errorf("%s: %w", src.Name(), err)
			}
			return nil
		})
	}

	go func() {
		err := g.Wait()
		close(events)
		if err != nil && !errors.Is(err, context.Canceled) {
			sess.mu.Lock()
			sess.readErr = err
			sess.mu.Unlock()
			r.logger.Error("capture device failed", "session", sess.id, "error", err)
			r.publish(notify.Notification{Topic: notify.RecordingError, Session: sess.id, Macro: sess.seq.Name, Err: err})
		}
	}()

	go func() {
		defer close(sess.consumed)
		for ev := range events {
			r.handle(sess, ev)
		}
	}()
}

func (r *Recorder) handle(sess *session, ev device.RawEvent) {
	at := ev.Time
	if at.IsZero() {
		at = time.Now()
	}

	sess.mu.Lock()
	if sess.seq.IsFinalized() {
		sess.mu.Unlock()
		return
	}
	// Pending motion is per device: a device's report ends at its own SYN.
	c := sess.coalescers[ev.Device]
	if c == nil {
		c = NewCoalescer(sess.tracker, sess.filter)
		sess.coalescers[ev.Device] = c
	}
	out := c.Feed(ev)
	if len(out) == 0 {
		sess.mu.Unlock()
		return
	}
	out = r.appendLocked(sess, out, sess.elapsed(at))
	sess.mu.Unlock()

	r.publishEvents(sess, out)
}

// record appends events produced outside the consumer.
func (r *Recorder) record(sess *session, events []macro.Event, at time.Time) {
	sess.mu.Lock()
	if sess.seq.IsFinalized() {
		sess.mu.Unlock()
		return
	}
	out := r.appendLocked(sess, events, sess.elapsed(at))
	sess.mu.Unlock()

	r.publishEvents(sess, out)
}

// appendLocked stamps and appends events, keeping timestamps monotonic
// across devices. It returns the appended events.
func (r *Recorder) appendLocked(sess *session, events []macro.Event, ts int64) []macro.Event {
	ts = max(ts, sess.lastTs)
	appended := events[:0]
	for _, ev := range events {
		ev.TimestampMs = ts
		if err := sess.seq.Append(ev); err != nil {
			r.logger.Warn("dropping event", "event", ev, "error", err)
			continue
		}
		appended = append(appended, sess.seq.At(sess.seq.Len()-1))
	}
	sess.lastTs = ts
	sess.count.Store(int64(sess.seq.Len()))
	return appended
}

func (r *Recorder) publishEvents(sess *session, events []macro.Event) {
	if r.notifier == nil {
		return
	}
	for i := range events {
		ev := events[i]
		r.publish(notify.Notification{Topic: notify.RecordingEvent, Session: sess.id, Macro: sess.seq.Name, Event: &ev})
	}
}

func (s *session) elapsed(at time.Time) int64 {
	d := at.Sub(s.start)
	if d < 0 {
		return 0
	}
	return d.Milliseconds()
}

// StopRecording ends the session and returns the finalized sequence. The
// delay between the last event and the stop is kept as the trailing delay.
func (r *Recorder) StopRecording() (*macro.Sequence, error) {
	stopAt := time.Now()

	r.mu.Lock()
	if r.state != stateRecording {
		r.mu.Unlock()
		return nil, ErrNotRecording
	}
	r.state = stateStopping
	sess := r.session
	r.mu.Unlock()

	if sess.drift != nil {
		sess.drift.Stop()
	}
	sess.cancel()

	timer := time.NewTimer(r.stopGrace)
	select {
	case <-sess.consumed:
	case <-timer.C:
		r.logger.Warn("capture readers did not stop within grace period", "session", sess.id, "grace", r.stopGrace)
	}
	timer.Stop()

	r.release(sess)

	sess.mu.Lock()
	ts := sess.elapsed(stopAt)
	trailing := max(ts-sess.lastTs, 0)
	sess.seq.Finalize(trailing)
	seq := sess.seq
	readErr := sess.readErr
	sess.mu.Unlock()

	r.mu.Lock()
	r.session = nil
	r.state = stateIdle
	r.mu.Unlock()

	stats := seq.Stats()
	r.logger.Info("recording stopped",
		"session", sess.id,
		"events", stats.EventCount,
		"duration_ms", seq.TotalDurationMs(),
		"trailing_ms", trailing,
	)
	r.publish(notify.Notification{Topic: notify.RecordingStopped, Session: sess.id, Macro: seq.Name, Err: readErr})
	return seq, nil
}

// IsRecording reports whether a session is active.
func (r *Recorder) IsRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == stateRecording
}

// CurrentRecordingLength returns the number of events recorded so far.
func (r *Recorder) CurrentRecordingLength() int {
	r.mu.Lock()
	sess := r.session
	r.mu.Unlock()
	if sess == nil {
		return 0
	}
	return int(sess.count.Load())
}

// Close stops any active session, discarding its recording.
func (r *Recorder) Close() error {
	if _, err := r.StopRecording(); err != nil && !errors.Is(err, ErrNotRecording) {
		return err
	}
	return nil
}

// release closes every device handle the session owns.
func (r *Recorder) release(sess *session) {
	for _, src := range sess.sources {
		if err := src.Close(); err != nil {
			r.logger.Warn("close capture source", "device", src.Name(), "error", err)
		}
	}
	if sess.inj != nil {
		if err := sess.inj.Close(); err != nil {
			r.logger.Warn("close corner reset device", "error", err)
		}
	}
}

func (r *Recorder) publish(n notify.Notification) {
	r.notifier.Publish(n)
}
