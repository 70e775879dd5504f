package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/macroreplay/internal/config/loader"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.Drift.ThresholdPx)
	assert.Equal(t, 15, cfg.Playback.SpinThresholdMs)
	assert.Equal(t, 10, cfg.Playback.MaxErrors)
	assert.Equal(t, 256, cfg.Recording.BufferSize)
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.toml")

	cfg, err := LoadFrom(path, nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = LoadFrom("", nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "config.toml", `
[logging]
level = "debug"

[recording]
backend = "evdev"
ignored_keys = ["KEY_F8", "esc"]

[drift]
threshold_px = 5

[playback]
speed = 2.0
loop = true
`)

	cfg, err := LoadFrom(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "evdev", cfg.Recording.Backend)
	assert.Equal(t, 5, cfg.Drift.ThresholdPx)
	assert.Equal(t, 2.0, cfg.Playback.Speed)
	assert.True(t, cfg.Playback.Loop)

	// Untouched keys keep their defaults.
	assert.True(t, cfg.Recording.CaptureMouse)
	assert.Equal(t, 500, cfg.Drift.MaxIntervalMs)
	assert.Equal(t, "log", cfg.Playback.Sink)

	codes, err := cfg.Recording.IgnoredCodes()
	require.NoError(t, err)
	assert.Equal(t, []uint16{66, 1}, codes)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
playback:
  speed: 3
  repeat_count: 4
  repeat_delay_ms: 250
pool:
  enabled: false
library:
  path: /tmp/macros.db
`)

	cfg, err := LoadFrom(path, nil)
	require.NoError(t, err)

	assert.Equal(t, 3.0, cfg.Playback.Speed)
	assert.Equal(t, 4, cfg.Playback.RepeatCount)
	assert.Equal(t, 250*time.Millisecond, Ms(cfg.Playback.RepeatDelayMs))
	assert.False(t, cfg.Pool.Enabled)
	assert.Equal(t, "/tmp/macros.db", cfg.Library.Path)
}

func TestLoadUnsupportedFormat(t *testing.T) {
	path := writeFile(t, "config.ini", "speed=2")

	_, err := LoadFrom(path, nil)
	assert.ErrorIs(t, err, loader.ErrUnsupportedFormat)
}

func TestLoadParseError(t *testing.T) {
	path := writeFile(t, "config.toml", "[playback]\nspeed = \n")

	_, err := LoadFrom(path, nil)
	require.Error(t, err)

	var perr *loader.ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, path, perr.Path)
	assert.Positive(t, perr.Line)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "config.toml", "[playback]\nspeed = 2.0\nmax_errors = 4\n")

	t.Setenv("MACROREPLAY_PLAYBACK_SPEED", "1.5")
	t.Setenv("MACROREPLAY_LOG_LEVEL", "warn")
	t.Setenv("MACROREPLAY_RECORDING_IGNORED_KEYS", "KEY_F8,KEY_ESC")
	t.Setenv("MACROREPLAY_POOL_ENABLED", "off")
	t.Setenv("MACROREPLAY_DRIFT_THRESHOLD_PX", "7")
	t.Setenv(EnvConfigPath, path)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 1.5, cfg.Playback.Speed)
	assert.Equal(t, 4, cfg.Playback.MaxErrors)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, []string{"KEY_F8", "KEY_ESC"}, cfg.Recording.IgnoredKeys)
	assert.False(t, cfg.Pool.Enabled)
	assert.Equal(t, 7, cfg.Drift.ThresholdPx)
}

func TestDefaultPathFromEnv(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/macroreplay.yaml")
	assert.Equal(t, "/etc/macroreplay.yaml", DefaultPath())
}

func TestValidateAggregatesProblems(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "loud"
	cfg.Recording.Backend = "x11"
	cfg.Recording.CaptureMouse = false
	cfg.Recording.CaptureKeyboard = false
	cfg.Recording.IgnoredKeys = []string{"KEY_NOPE"}
	cfg.Drift.MinIntervalMs = 600
	cfg.Playback.Speed = 0
	cfg.Playback.Sink = "xdo"

	err := cfg.Validate()
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Problems, 7)
	assert.Contains(t, err.Error(), "playback.speed")
	assert.Contains(t, err.Error(), "drift.min_interval_ms 600")
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := writeFile(t, "config.toml", "[playback]\nspeed = -1.0\n")

	_, err := LoadFrom(path, nil)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestLogConfig(t *testing.T) {
	lc := LoggingConfig{Level: "debug", Format: "json"}.LogConfig(os.Stdout)
	assert.Equal(t, "debug", lc.Level)
	assert.Equal(t, "json", string(lc.Format))
	assert.Equal(t, os.Stdout, lc.Output)
}

func TestWatchReloads(t *testing.T) {
	path := writeFile(t, "config.toml", "[playback]\nspeed = 1.0\n")

	reloaded := make(chan *Config, 4)
	w, err := Watch(path, nil, 20*time.Millisecond, func(cfg *Config) {
		reloaded <- cfg
	})
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("[playback]\nspeed = 4.0\n"), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 4.0, cfg.Playback.Speed)
	case <-time.After(3 * time.Second):
		t.Fatal("config was not reloaded")
	}
}

func TestWatchSkipsInvalidEdit(t *testing.T) {
	path := writeFile(t, "config.toml", "[playback]\nspeed = 1.0\n")

	reloaded := make(chan *Config, 4)
	w, err := Watch(path, nil, 20*time.Millisecond, func(cfg *Config) {
		reloaded <- cfg
	})
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("[playback]\nspeed = 0.0\n"), 0o644))

	select {
	case cfg := <-reloaded:
		t.Fatalf("invalid config delivered: %+v", cfg.Playback)
	case <-time.After(300 * time.Millisecond):
	}
}
