package coord

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dshills/macroreplay/internal/device"
	"github.com/dshills/macroreplay/internal/logging"
)

// Drift corrector defaults.
const (
	DefaultDriftThreshold = 3
	DefaultMinInterval    = time.Millisecond
	DefaultMaxInterval    = 500 * time.Millisecond
	DefaultSlowThreshold  = 50 * time.Millisecond
	DefaultIntervalStep   = 10 * time.Millisecond
	DefaultStopGrace      = time.Second
)

// CadenceConfig bounds the adaptive polling interval.
type CadenceConfig struct {
	Min           time.Duration
	Max           time.Duration
	SlowThreshold time.Duration
	Step          time.Duration
}

// DefaultCadenceConfig returns the default polling bounds.
func DefaultCadenceConfig() CadenceConfig {
	return CadenceConfig{
		Min:           DefaultMinInterval,
		Max:           DefaultMaxInterval,
		SlowThreshold: DefaultSlowThreshold,
		Step:          DefaultIntervalStep,
	}
}

// Cadence is the adaptive polling interval of the drift corrector.
// It is not safe for concurrent use.
type Cadence struct {
	cfg      CadenceConfig
	interval time.Duration
	failures int
}

// NewCadence creates a cadence starting at the minimum interval.
func NewCadence(cfg CadenceConfig) *Cadence {
	if cfg.Min <= 0 {
		cfg.Min = DefaultMinInterval
	}
	if cfg.Max < cfg.Min {
		cfg.Max = cfg.Min
	}
	if cfg.Step <= 0 {
		cfg.Step = DefaultIntervalStep
	}
	if cfg.SlowThreshold <= 0 {
		cfg.SlowThreshold = DefaultSlowThreshold
	}
	return &Cadence{cfg: cfg, interval: cfg.Min}
}

// Interval returns the current polling interval.
func (c *Cadence) Interval() time.Duration {
	return c.interval
}

// Failures returns the number of consecutive failed queries.
func (c *Cadence) Failures() int {
	return c.failures
}

// Observe adjusts the interval after one query and returns the new value.
//
// A failed query doubles the interval. A query slower than the slow
// threshold raises it by one step. A fast query lowers a raised interval by
// one millisecond. The interval always stays within [Min, Max].
func (c *Cadence) Observe(latency time.Duration, ok bool) time.Duration {
	switch {
	case !ok:
		c.failures++
		c.interval = min(c.interval*2, c.cfg.Max)
	case latency > c.cfg.SlowThreshold:
		c.failures = 0
		c.interval = min(c.interval+c.cfg.Step, c.cfg.Max)
	default:
		c.failures = 0
		if c.interval > c.cfg.Min {
			c.interval = max(c.interval-time.Millisecond, c.cfg.Min)
		}
	}
	return c.interval
}

// CorrectionFunc receives the corrected absolute position.
type CorrectionFunc func(x, y int)

// DriftCorrector periodically reconciles a Tracker with the authoritative
// cursor position and reports corrections.
type DriftCorrector struct {
	tracker   *Tracker
	pos       device.PositionSource
	onCorrect CorrectionFunc

	threshold    int
	cadence      CadenceConfig
	queryTimeout time.Duration
	grace        time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
	ticks   int
	fixes   int
}

// DriftOption configures a DriftCorrector.
type DriftOption func(*DriftCorrector)

// WithThreshold sets the tolerated drift in pixels.
func WithThreshold(px int) DriftOption {
	return func(d *DriftCorrector) {
		if px >= 0 {
			d.threshold = px
		}
	}
}

// WithCadence sets the polling bounds.
func WithCadence(cfg CadenceConfig) DriftOption {
	return func(d *DriftCorrector) {
		d.cadence = cfg
	}
}

// WithStopGrace sets how long Stop waits for the loop to exit.
func WithStopGrace(grace time.Duration) DriftOption {
	return func(d *DriftCorrector) {
		if grace > 0 {
			d.grace = grace
		}
	}
}

// WithDriftQueryTimeout bounds each position query.
func WithDriftQueryTimeout(timeout time.Duration) DriftOption {
	return func(d *DriftCorrector) {
		d.queryTimeout = timeout
	}
}

// WithDriftLogger sets the logger.
func WithDriftLogger(l *slog.Logger) DriftOption {
	return func(d *DriftCorrector) {
		d.logger = l
	}
}

// NewDriftCorrector creates a corrector for tracker. onCorrect is called
// from the corrector's goroutine after the tracker has been updated.
func NewDriftCorrector(tracker *Tracker, pos device.PositionSource, onCorrect CorrectionFunc, opts ...DriftOption) *DriftCorrector {
	d := &DriftCorrector{
		tracker:      tracker,
		pos:          pos,
		onCorrect:    onCorrect,
		threshold:    DefaultDriftThreshold,
		cadence:      DefaultCadenceConfig(),
		queryTimeout: DefaultSlowThreshold * 4,
		grace:        DefaultStopGrace,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = logging.Component(d.logger, "drift")
	return d
}

// Start launches the polling loop. Starting a running corrector is a no-op.
func (d *DriftCorrector) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.running = true

	go d.run(ctx, d.done)
}

// Stop signals the loop and waits up to the grace period for it to exit.
// It reports whether the loop exited in time.
func (d *DriftCorrector) Stop() bool {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return true
	}
	d.running = false
	cancel, done := d.cancel, d.done
	d.mu.Unlock()

	cancel()

	timer := time.NewTimer(d.grace)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		d.logger.Warn("drift corrector did not stop within grace period", "grace", d.grace)
		return false
	}
}

// Stats returns the number of polls made and corrections emitted.
func (d *DriftCorrector) Stats() (ticks, corrections int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ticks, d.fixes
}

func (d *DriftCorrector) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	cadence := NewCadence(d.cadence)
	timer := time.NewTimer(cadence.Interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		start := time.Now()
		x, y, ok := device.QueryPosition(ctx, d.pos, d.queryTimeout)
		latency := time.Since(start)
		if ctx.Err() != nil {
			return
		}

		corrected := ok && d.tracker.CorrectIfDrifted(x, y, d.threshold)

		d.mu.Lock()
		d.ticks++
		if corrected {
			d.fixes++
		}
		d.mu.Unlock()

		if corrected {
			d.logger.Debug("drift corrected", "x", x, "y", y)
			if d.onCorrect != nil {
				d.onCorrect(x, y)
			}
		}

		prev := cadence.Interval()
		next := cadence.Observe(latency, ok)
		if !ok && cadence.Failures() == 1 {
			d.logger.Debug("position unavailable, backing off", "interval", next)
		} else if next != prev && latency > d.cadence.SlowThreshold {
			d.logger.Debug("slow position query", "latency", latency, "interval", next)
		}

		timer.Reset(next)
	}
}

// Check applies one correction step synchronously, without scheduling.
// It reports whether a correction was made.
func (d *DriftCorrector) Check(ctx context.Context) bool {
	x, y, ok := device.QueryPosition(ctx, d.pos, d.queryTimeout)
	if !ok || !d.tracker.CorrectIfDrifted(x, y, d.threshold) {
		return false
	}
	if d.onCorrect != nil {
		d.onCorrect(x, y)
	}
	return true
}
