package playback

import (
	"context"
	"runtime"
	"sync"
	"time"
)

// DefaultSpinThreshold is the longest delay realized by spinning.
const DefaultSpinThreshold = 15 * time.Millisecond

// hybridWait blocks for d. Delays above spinThreshold use a timer; shorter
// ones spin, yielding the processor between checks, because timers are not
// reliable at that granularity. Either path returns early when interrupt
// fires (interrupted == true) or ctx is done.
func hybridWait(ctx context.Context, d, spinThreshold time.Duration, interrupt <-chan struct{}) (interrupted bool, err error) {
	if d <= 0 {
		return false, ctx.Err()
	}

	if d > spinThreshold {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			return false, nil
		case <-interrupt:
			return true, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		select {
		case <-interrupt:
			return true, nil
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}
		runtime.Gosched()
	}
	return false, nil
}

// gate is a resettable pause barrier. While open, Wait returns immediately;
// while paused, Wait blocks until Resume and the paused channel is closed
// so in-flight waits can be interrupted.
type gate struct {
	mu       sync.Mutex
	paused   bool
	openCh   chan struct{}
	pausedCh chan struct{}
}

func newGate() *gate {
	open := make(chan struct{})
	close(open)
	return &gate{openCh: open, pausedCh: make(chan struct{})}
}

// Pause closes the gate. It reports whether the state changed.
func (g *gate) Pause() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		return false
	}
	g.paused = true
	g.openCh = make(chan struct{})
	close(g.pausedCh)
	return true
}

// Resume opens the gate. It reports whether the state changed.
func (g *gate) Resume() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return false
	}
	g.paused = false
	g.pausedCh = make(chan struct{})
	close(g.openCh)
	return true
}

// IsPaused reports whether the gate is closed.
func (g *gate) IsPaused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Paused returns a channel closed when the gate is next paused, or already
// closed if it is paused now.
func (g *gate) Paused() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pausedCh
}

// Wait blocks while the gate is paused.
func (g *gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	open := g.openCh
	g.mu.Unlock()

	select {
	case <-open:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
