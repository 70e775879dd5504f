// Package coord answers "where is the cursor" consistently for one
// recording or playback session.
//
// A Tracker runs in one of two modes resolved once at session start. In
// absolute mode the initial position comes from an authoritative position
// source, retried with exponential backoff, and a DriftCorrector keeps the
// tracked position aligned with it afterwards. In relative (blind) mode the
// tracker pins the real cursor into the top-left corner with a large
// relative move and counts deltas from that virtual origin.
package coord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/dshills/macroreplay/internal/device"
	"github.com/dshills/macroreplay/internal/logging"
)

// ErrPositionUnavailable is returned when absolute mode cannot establish the
// initial cursor position.
var ErrPositionUnavailable = errors.New("initial cursor position unavailable")

// CornerResetDelta is injected on both axes to pin the cursor at the origin.
const CornerResetDelta = -20000

// Defaults for position resolution.
const (
	DefaultRetryAttempts  = 5
	DefaultInitialBackoff = 20 * time.Millisecond
	DefaultQueryTimeout   = 2 * time.Second
)

// Tracker holds the per-session cursor state. It is safe for concurrent use
// by the coalescer and the drift corrector.
type Tracker struct {
	mu sync.Mutex

	capability device.Capability
	injector   device.Injector
	skipReset  bool

	attempts       int
	initialBackoff time.Duration
	queryTimeout   time.Duration
	logger         *slog.Logger

	x, y          int
	width, height int

	// absolute reports seen while in relative mode
	haveBaseline bool
	baseX, baseY int

	queryAttempts int
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithInjector sets the device used for the corner reset in relative mode.
func WithInjector(inj device.Injector) Option {
	return func(t *Tracker) {
		t.injector = inj
	}
}

// WithSkipOriginReset disables the corner reset.
func WithSkipOriginReset(skip bool) Option {
	return func(t *Tracker) {
		t.skipReset = skip
	}
}

// WithRetry sets the total number of position queries made at start and
// the delay before the first retry.
func WithRetry(attempts int, initialBackoff time.Duration) Option {
	return func(t *Tracker) {
		if attempts > 0 {
			t.attempts = attempts
		}
		if initialBackoff > 0 {
			t.initialBackoff = initialBackoff
		}
	}
}

// WithQueryTimeout bounds each position or resolution query.
func WithQueryTimeout(d time.Duration) Option {
	return func(t *Tracker) {
		t.queryTimeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		t.logger = l
	}
}

// NewTracker creates a tracker for the given capability.
func NewTracker(c device.Capability, opts ...Option) *Tracker {
	t := &Tracker{
		capability:     c,
		attempts:       DefaultRetryAttempts,
		initialBackoff: DefaultInitialBackoff,
		queryTimeout:   DefaultQueryTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = logging.Component(t.logger, "coord")
	return t
}

// IsAbsolute reports whether the tracker records absolute coordinates.
func (t *Tracker) IsAbsolute() bool {
	return t.capability.IsAbsolute()
}

// Capability returns the capability the tracker was created with.
func (t *Tracker) Capability() device.Capability {
	return t.capability
}

// Initialize establishes the session origin.
//
// In absolute mode the position is queried up to the configured number of
// attempts with exponential backoff between them; if every attempt reports
// unavailable, Initialize fails with ErrPositionUnavailable and the session
// must not continue. In relative mode the corner reset is injected unless
// skipped, and the virtual position becomes (0, 0).
func (t *Tracker) Initialize(ctx context.Context) error {
	if t.capability.IsAbsolute() {
		return t.initAbsolute(ctx)
	}
	return t.initRelative()
}

func (t *Tracker) initAbsolute(ctx context.Context) error {
	pos := t.capability.Position

	if w, h, ok := device.QueryResolution(ctx, pos, t.queryTimeout); ok {
		t.mu.Lock()
		t.width, t.height = w, h
		t.mu.Unlock()
	}

	var x, y int
	attempts := 0
	op := func() error {
		attempts++
		px, py, ok := device.QueryPosition(ctx, pos, t.queryTimeout)
		if !ok {
			t.logger.Debug("position query failed", "attempt", attempts)
			return ErrPositionUnavailable
		}
		x, y = px, py
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(t.retryPolicy(), ctx))

	t.mu.Lock()
	t.queryAttempts = attempts
	t.mu.Unlock()

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("after %d attempts: %w", attempts, ErrPositionUnavailable)
	}

	t.mu.Lock()
	t.x, t.y = t.clampLocked(x, y)
	t.mu.Unlock()

	t.logger.Debug("absolute origin resolved", "x", x, "y", y, "attempts", attempts)
	return nil
}

// retryPolicy allows attempts-1 retries after the first query.
func (t *Tracker) retryPolicy() backoff.BackOff {
	if t.attempts <= 1 {
		return &backoff.StopBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.initialBackoff
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, uint64(t.attempts-1))
}

func (t *Tracker) initRelative() error {
	if !t.skipReset {
		if err := CornerReset(t.injector); err != nil {
			return err
		}
		t.logger.Debug("corner reset performed")
	}

	t.mu.Lock()
	t.x, t.y = 0, 0
	t.haveBaseline = false
	t.mu.Unlock()
	return nil
}

// CornerReset pins the injected pointer against the top-left corner.
// A nil injector is a no-op.
func CornerReset(inj device.Injector) error {
	if inj == nil {
		return nil
	}
	if err := inj.MoveRelative(CornerResetDelta, CornerResetDelta); err != nil {
		return fmt.Errorf("corner reset: %w", err)
	}
	if err := inj.Sync(); err != nil {
		return fmt.Errorf("corner reset sync: %w", err)
	}
	return nil
}

// QueryAttempts returns how many position queries the last Initialize made.
func (t *Tracker) QueryAttempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queryAttempts
}

// Position returns the tracked cursor position. In relative mode this is the
// virtual position relative to the origin.
func (t *Tracker) Position() (x, y int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.x, t.y
}

// Bounds returns the screen resolution known to the tracker, or zeros.
func (t *Tracker) Bounds() (width, height int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.width, t.height
}

// TrackDelta applies a coalesced relative motion and returns the event
// coordinates in the session's coordinate space: the delta itself in
// relative mode, the updated position in absolute mode.
func (t *Tracker) TrackDelta(dx, dy int) (x, y int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.capability.IsAbsolute() {
		t.x += dx
		t.y += dy
		return dx, dy
	}

	t.x, t.y = t.clampLocked(t.x+dx, t.y+dy)
	return t.x, t.y
}

// TrackAbsolute applies an absolute report from a device. In absolute mode
// the position is taken as is. In relative mode the first report only sets
// a baseline (ok is false) and later reports yield deltas from it.
func (t *Tracker) TrackAbsolute(ax, ay int) (x, y int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.capability.IsAbsolute() {
		t.x, t.y = t.clampLocked(ax, ay)
		return t.x, t.y, true
	}

	if !t.haveBaseline {
		t.baseX, t.baseY = ax, ay
		t.haveBaseline = true
		return 0, 0, false
	}

	dx, dy := ax-t.baseX, ay-t.baseY
	t.baseX, t.baseY = ax, ay
	if dx == 0 && dy == 0 {
		return 0, 0, false
	}
	t.x += dx
	t.y += dy
	return dx, dy, true
}

// CorrectIfDrifted compares the tracked position with an authoritative one.
// When the Chebyshev distance exceeds threshold the tracked position is
// replaced and true is returned. A distance equal to threshold is tolerated.
func (t *Tracker) CorrectIfDrifted(actualX, actualY, threshold int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if Drift(t.x, t.y, actualX, actualY) <= threshold {
		return false
	}
	t.x, t.y = actualX, actualY
	return true
}

// Drift returns max(|ax-bx|, |ay-by|).
func Drift(ax, ay, bx, by int) int {
	return max(abs(ax-bx), abs(ay-by))
}

func (t *Tracker) clampLocked(x, y int) (int, int) {
	if t.width <= 0 || t.height <= 0 {
		return x, y
	}
	return min(max(x, 0), t.width-1), min(max(y, 0), t.height-1)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
