package device

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dshills/macroreplay/internal/evcode"
	"github.com/dshills/macroreplay/internal/logging"
)

// LogInjector is a dry-run Injector that logs every call instead of
// touching the system. It tracks the virtual pointer so logs show where
// the cursor would be.
type LogInjector struct {
	mu     sync.Mutex
	logger *slog.Logger
	start  time.Time
	width  int
	height int
	x, y   int
	calls  int
}

// NewLogInjector creates a dry-run injector.
func NewLogInjector(logger *slog.Logger) *LogInjector {
	return &LogInjector{logger: logging.Component(logger, "dry-run")}
}

// Initialize records the bound resolution.
func (l *LogInjector) Initialize(width, height int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.width, l.height = width, height
	l.start = time.Now()
	l.logger.Info("device initialized", "width", width, "height", height)
	return nil
}

// MoveAbsolute logs an absolute move.
func (l *LogInjector) MoveAbsolute(x, y int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.x, l.y = x, y
	l.log("move-abs", "x", x, "y", y)
	return nil
}

// MoveRelative logs a relative move.
func (l *LogInjector) MoveRelative(dx, dy int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.x += dx
	l.y += dy
	if l.width > 0 {
		l.x = clamp(l.x, 0, l.width-1)
		l.y = clamp(l.y, 0, l.height-1)
	}
	l.log("move-rel", "dx", dx, "dy", dy)
	return nil
}

// SetButton logs a button change.
func (l *LogInjector) SetButton(code uint16, pressed bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.log("button", "code", code, "pressed", pressed)
	return nil
}

// Scroll logs a wheel notch.
func (l *LogInjector) Scroll(delta int, horizontal bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.log("scroll", "delta", delta, "horizontal", horizontal)
	return nil
}

// SetKey logs a key change.
func (l *LogInjector) SetKey(code uint16, pressed bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.log("key", "key", evcode.KeyName(code), "pressed", pressed)
	return nil
}

// Sync is a no-op.
func (l *LogInjector) Sync() error {
	return nil
}

// Close logs the number of injected calls.
func (l *LogInjector) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger.Debug("device closed", "calls", l.calls)
	return nil
}

// Calls returns the number of injected operations.
func (l *LogInjector) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func (l *LogInjector) log(op string, args ...any) {
	l.calls++
	args = append(args, "at", time.Since(l.start).Round(time.Millisecond), "cursor_x", l.x, "cursor_y", l.y)
	l.logger.Info(op, args...)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
