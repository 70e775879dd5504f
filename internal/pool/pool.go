// Package pool keeps injection devices warm so playback does not pay the
// device creation latency on the critical path.
//
// The pool holds at most two idle devices: one relative-only device and one
// absolute device bound to the most recently requested resolution. Devices
// are not reused after release; releasing one disposes it and starts warming
// its replacement in the background.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/macroreplay/internal/device"
	"github.com/dshills/macroreplay/internal/logging"
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("device pool closed")

// DefaultCloseTimeout bounds how long Close waits for warm-ups.
const DefaultCloseTimeout = time.Second

// size identifies a slot: zero width or height is the relative slot.
type size struct {
	w, h int
}

func (s size) relative() bool {
	return s.w <= 0 || s.h <= 0
}

// Stats counts pool activity.
type Stats struct {
	Hits    uint64
	Misses  uint64
	Warmups uint64
	Failed  uint64
}

// Pool hands out initialized injectors. It implements playback.DeviceSource.
type Pool struct {
	factory      device.InjectorFactory
	logger       *slog.Logger
	closeTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	closed     bool
	rel        device.Injector
	abs        device.Injector
	absSize    size
	warmingRel bool
	warmingAbs bool
	leased     map[device.Injector]size

	hits    atomic.Uint64
	misses  atomic.Uint64
	warmups atomic.Uint64
	failed  atomic.Uint64
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		p.logger = l
	}
}

// WithCloseTimeout sets how long Close waits for in-flight warm-ups.
func WithCloseTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.closeTimeout = d
		}
	}
}

// New creates a pool that builds devices with factory. No device is created
// until Warm or Acquire is called.
func New(factory device.InjectorFactory, opts ...Option) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		factory:      factory,
		closeTimeout: DefaultCloseTimeout,
		ctx:          ctx,
		cancel:       cancel,
		leased:       make(map[device.Injector]size),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logging.Component(p.logger, "pool")
	return p
}

// Warm starts warming the relative slot and, when width and height are
// positive, the absolute slot for that resolution.
func (p *Pool) Warm(width, height int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.warmLocked(size{})
	if width > 0 && height > 0 {
		p.bindLocked(size{width, height})
		p.warmLocked(size{width, height})
	}
}

// Acquire returns an initialized device. Zero width or height requests a
// relative-only device. A warm device is returned when one matches, and its
// replacement starts warming immediately; otherwise the device is created
// synchronously.
func (p *Pool) Acquire(ctx context.Context, width, height int) (device.Injector, error) {
	want := size{width, height}
	if want.relative() {
		want = size{}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	var stale device.Injector
	if !want.relative() {
		stale = p.bindLocked(want)
	}
	inj := p.takeLocked(want)
	if inj != nil {
		p.leased[inj] = want
		p.warmLocked(want)
	}
	p.mu.Unlock()

	closeQuietly(p.logger, stale)

	if inj != nil {
		p.hits.Add(1)
		p.logger.Debug("warm device acquired", "width", want.w, "height", want.h)
		return inj, nil
	}

	p.misses.Add(1)
	p.logger.Debug("no warm device, creating", "width", want.w, "height", want.h)
	inj, err := p.create(ctx, want)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		closeQuietly(p.logger, inj)
		return nil, ErrClosed
	}
	p.leased[inj] = want
	p.mu.Unlock()
	return inj, nil
}

// Release disposes a device obtained from Acquire and warms a replacement.
func (p *Pool) Release(inj device.Injector) {
	if inj == nil {
		return
	}

	p.mu.Lock()
	slot, ok := p.leased[inj]
	delete(p.leased, inj)
	if ok && !p.closed {
		p.warmLocked(slot)
	}
	p.mu.Unlock()

	closeQuietly(p.logger, inj)
}

// Close disposes the warm devices and waits, up to the close timeout, for
// in-flight warm-ups to finish. Devices still leased are left to their
// holders. Close is idempotent.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := []device.Injector{p.rel, p.abs}
	p.rel, p.abs = nil, nil
	p.mu.Unlock()

	p.cancel()
	for _, inj := range idle {
		closeQuietly(p.logger, inj)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(p.closeTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return fmt.Errorf("device warm-up still running after %s", p.closeTimeout)
	}
}

// Stats returns activity counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Hits:    p.hits.Load(),
		Misses:  p.misses.Load(),
		Warmups: p.warmups.Load(),
		Failed:  p.failed.Load(),
	}
}

// Idle reports which slots currently hold a warm device.
func (p *Pool) Idle() (relative, absolute bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rel != nil, p.abs != nil
}

// bindLocked binds the absolute slot to s, returning a warm device bound to
// a different resolution for the caller to close.
func (p *Pool) bindLocked(s size) device.Injector {
	if p.absSize == s {
		return nil
	}
	p.absSize = s
	stale := p.abs
	p.abs = nil
	return stale
}

func (p *Pool) takeLocked(s size) device.Injector {
	var inj device.Injector
	if s.relative() {
		inj, p.rel = p.rel, nil
	} else if p.absSize == s {
		inj, p.abs = p.abs, nil
	}
	return inj
}

// warmLocked starts a detached warm-up for slot s unless the slot is full
// or already warming.
func (p *Pool) warmLocked(s size) {
	if s.relative() {
		if p.rel != nil || p.warmingRel {
			return
		}
		p.warmingRel = true
	} else {
		if s != p.absSize || p.abs != nil || p.warmingAbs {
			return
		}
		p.warmingAbs = true
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.warmups.Add(1)

		inj, err := p.create(p.ctx, s)

		p.mu.Lock()
		if s.relative() {
			p.warmingRel = false
		} else {
			p.warmingAbs = false
			// The slot was rebound while this warm-up ran; warm for the
			// current resolution instead.
			if !p.closed && p.absSize != s && !p.absSize.relative() {
				p.warmLocked(p.absSize)
			}
		}
		if err != nil {
			p.mu.Unlock()
			if !errors.Is(err, context.Canceled) {
				p.logger.Warn("device warm-up failed", "width", s.w, "height", s.h, "error", err)
			}
			return
		}
		keep := !p.closed
		if keep && s.relative() {
			p.rel = inj
		} else if keep && p.absSize == s && p.abs == nil {
			p.abs = inj
		} else {
			keep = false
		}
		p.mu.Unlock()

		if !keep {
			closeQuietly(p.logger, inj)
			return
		}
		p.logger.Debug("device warmed", "width", s.w, "height", s.h)
	}()
}

func (p *Pool) create(ctx context.Context, s size) (device.Injector, error) {
	if p.factory == nil {
		p.failed.Add(1)
		return nil, fmt.Errorf("create injector: %w", device.ErrUnavailable)
	}
	inj, err := p.factory(ctx)
	if err != nil {
		p.failed.Add(1)
		return nil, fmt.Errorf("create injector: %w", err)
	}
	if err := inj.Initialize(s.w, s.h); err != nil {
		p.failed.Add(1)
		closeQuietly(p.logger, inj)
		return nil, fmt.Errorf("initialize injector %dx%d: %w", s.w, s.h, err)
	}
	return inj, nil
}

func closeQuietly(l *slog.Logger, inj device.Injector) {
	if inj == nil {
		return
	}
	if err := inj.Close(); err != nil {
		l.Debug("closing device failed", "error", err)
	}
}
