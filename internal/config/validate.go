package config

import (
	"fmt"
	"math"
	"strings"

	"github.com/dshills/macroreplay/internal/evcode"
)

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid config: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid config (%d problems):\n  - %s", len(e.Problems), strings.Join(e.Problems, "\n  - "))
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		add("logging.format %q is not one of text, json", c.Logging.Format)
	}

	r := c.Recording
	switch r.Backend {
	case "term", "evdev":
	default:
		add("recording.backend %q is not one of term, evdev", r.Backend)
	}
	if !r.CaptureMouse && !r.CaptureKeyboard {
		add("recording must capture the mouse, the keyboard or both")
	}
	if _, err := r.IgnoredCodes(); err != nil {
		add("recording.ignored_keys: %v", err)
	}
	if r.BufferSize <= 0 {
		add("recording.buffer_size must be positive, got %d", r.BufferSize)
	}
	if r.PositionRetries <= 0 {
		add("recording.position_retries must be positive, got %d", r.PositionRetries)
	}
	if r.PositionBackoffMs < 0 || r.PositionTimeoutMs <= 0 || r.StopGraceMs <= 0 {
		add("recording durations must be positive")
	}

	d := c.Drift
	if d.ThresholdPx < 0 {
		add("drift.threshold_px must not be negative, got %d", d.ThresholdPx)
	}
	if d.MinIntervalMs <= 0 || d.MaxIntervalMs <= 0 || d.StepMs <= 0 || d.SlowQueryMs <= 0 || d.QueryTimeoutMs <= 0 {
		add("drift intervals must be positive")
	} else if d.MinIntervalMs > d.MaxIntervalMs {
		add("drift.min_interval_ms %d exceeds drift.max_interval_ms %d", d.MinIntervalMs, d.MaxIntervalMs)
	}

	p := c.Playback
	if p.Speed <= 0 || math.IsNaN(p.Speed) || math.IsInf(p.Speed, 0) {
		add("playback.speed must be a positive number, got %v", p.Speed)
	}
	if p.RepeatCount < 0 {
		add("playback.repeat_count must not be negative, got %d", p.RepeatCount)
	}
	if p.RepeatDelayMs < 0 || p.MinRepeatDelayMs < 0 || p.SpinThresholdMs < 0 {
		add("playback delays must not be negative")
	}
	if p.MaxErrors < 0 {
		add("playback.max_errors must not be negative, got %d", p.MaxErrors)
	}
	if p.StopGraceMs <= 0 {
		add("playback.stop_grace_ms must be positive, got %d", p.StopGraceMs)
	}
	switch p.Sink {
	case "log", "uinput":
	default:
		add("playback.sink %q is not one of log, uinput", p.Sink)
	}

	v := c.Validation
	if v.MaxDelayMs <= 0 || v.MaxEvents <= 0 || v.MaxDurationMs <= 0 {
		add("validation limits must be positive")
	}

	if c.Pool.CloseTimeoutMs <= 0 {
		add("pool.close_timeout_ms must be positive, got %d", c.Pool.CloseTimeoutMs)
	}
	if c.Library.Path == "" {
		add("library.path must be set")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// IgnoredCodes resolves IgnoredKeys to input event codes.
func (r RecordingConfig) IgnoredCodes() ([]uint16, error) {
	codes := make([]uint16, 0, len(r.IgnoredKeys))
	for _, name := range r.IgnoredKeys {
		code, err := evcode.ParseKey(name)
		if err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, nil
}
