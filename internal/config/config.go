// Package config loads macroreplay settings.
//
// Settings come from three layers, later layers overriding earlier ones:
// built-in defaults, an optional TOML or YAML file, and MACROREPLAY_*
// environment variables. Durations are integer milliseconds in every layer.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dshills/macroreplay/internal/config/loader"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MACROREPLAY_"

// EnvConfigPath names the config file; it is not itself a setting.
const EnvConfigPath = EnvPrefix + "CONFIG"

// Config is the complete configuration.
type Config struct {
	Logging    LoggingConfig    `toml:"logging" yaml:"logging"`
	Recording  RecordingConfig  `toml:"recording" yaml:"recording"`
	Drift      DriftConfig      `toml:"drift" yaml:"drift"`
	Playback   PlaybackConfig   `toml:"playback" yaml:"playback"`
	Validation ValidationConfig `toml:"validation" yaml:"validation"`
	Pool       PoolConfig       `toml:"pool" yaml:"pool"`
	Library    LibraryConfig    `toml:"library" yaml:"library"`
}

// LoggingConfig selects log verbosity and encoding.
type LoggingConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// RecordingConfig controls capture sessions.
type RecordingConfig struct {
	// Backend is "term" or "evdev".
	Backend         string   `toml:"backend" yaml:"backend"`
	CaptureMouse    bool     `toml:"capture_mouse" yaml:"capture_mouse"`
	CaptureKeyboard bool     `toml:"capture_keyboard" yaml:"capture_keyboard"`
	PreferAbsolute  bool     `toml:"prefer_absolute" yaml:"prefer_absolute"`
	SkipOriginReset bool     `toml:"skip_origin_reset" yaml:"skip_origin_reset"`
	IgnoredKeys     []string `toml:"ignored_keys" yaml:"ignored_keys"`
	// Grab takes exclusive access to evdev devices while recording.
	Grab              bool `toml:"grab" yaml:"grab"`
	BufferSize        int  `toml:"buffer_size" yaml:"buffer_size"`
	PositionRetries   int  `toml:"position_retries" yaml:"position_retries"`
	PositionBackoffMs int  `toml:"position_backoff_ms" yaml:"position_backoff_ms"`
	PositionTimeoutMs int  `toml:"position_timeout_ms" yaml:"position_timeout_ms"`
	StopGraceMs       int  `toml:"stop_grace_ms" yaml:"stop_grace_ms"`
}

// DriftConfig tunes the position drift corrector.
type DriftConfig struct {
	ThresholdPx    int `toml:"threshold_px" yaml:"threshold_px"`
	MinIntervalMs  int `toml:"min_interval_ms" yaml:"min_interval_ms"`
	MaxIntervalMs  int `toml:"max_interval_ms" yaml:"max_interval_ms"`
	SlowQueryMs    int `toml:"slow_query_ms" yaml:"slow_query_ms"`
	StepMs         int `toml:"step_ms" yaml:"step_ms"`
	QueryTimeoutMs int `toml:"query_timeout_ms" yaml:"query_timeout_ms"`
}

// PlaybackConfig holds playback defaults; command-line flags override them.
type PlaybackConfig struct {
	Speed            float64 `toml:"speed" yaml:"speed"`
	Loop             bool    `toml:"loop" yaml:"loop"`
	// RepeatCount is the exact number of iterations when positive; zero
	// plays once, or forever with Loop.
	RepeatCount      int     `toml:"repeat_count" yaml:"repeat_count"`
	RepeatDelayMs    int     `toml:"repeat_delay_ms" yaml:"repeat_delay_ms"`
	MinRepeatDelayMs int     `toml:"min_repeat_delay_ms" yaml:"min_repeat_delay_ms"`
	SpinThresholdMs  int     `toml:"spin_threshold_ms" yaml:"spin_threshold_ms"`
	MaxErrors        int     `toml:"max_errors" yaml:"max_errors"`
	StopGraceMs      int     `toml:"stop_grace_ms" yaml:"stop_grace_ms"`
	// Sink is "log" (dry run) or "uinput".
	Sink string `toml:"sink" yaml:"sink"`
}

// ValidationConfig sets the thresholds for validation warnings.
type ValidationConfig struct {
	MaxDelayMs    int64 `toml:"max_delay_ms" yaml:"max_delay_ms"`
	MaxEvents     int   `toml:"max_events" yaml:"max_events"`
	MaxDurationMs int64 `toml:"max_duration_ms" yaml:"max_duration_ms"`
}

// PoolConfig controls the warm device pool.
type PoolConfig struct {
	Enabled bool `toml:"enabled" yaml:"enabled"`
	// Warm pre-creates devices at startup rather than on first use.
	Warm           bool `toml:"warm" yaml:"warm"`
	CloseTimeoutMs int  `toml:"close_timeout_ms" yaml:"close_timeout_ms"`
}

// LibraryConfig locates the macro library database.
type LibraryConfig struct {
	Path string `toml:"path" yaml:"path"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Recording: RecordingConfig{
			Backend:           "term",
			CaptureMouse:      true,
			CaptureKeyboard:   true,
			PreferAbsolute:    true,
			BufferSize:        256,
			PositionRetries:   5,
			PositionBackoffMs: 20,
			PositionTimeoutMs: 2000,
			StopGraceMs:       1000,
		},
		Drift: DriftConfig{
			ThresholdPx:    3,
			MinIntervalMs:  1,
			MaxIntervalMs:  500,
			SlowQueryMs:    50,
			StepMs:         10,
			QueryTimeoutMs: 2000,
		},
		Playback: PlaybackConfig{
			Speed:            1,
			MinRepeatDelayMs: 10,
			SpinThresholdMs:  15,
			MaxErrors:        10,
			StopGraceMs:      1000,
			Sink:             "log",
		},
		Validation: ValidationConfig{
			MaxDelayMs:    int64(time.Minute / time.Millisecond),
			MaxEvents:     100_000,
			MaxDurationMs: int64(time.Hour / time.Millisecond),
		},
		Pool: PoolConfig{
			Enabled:        true,
			Warm:           true,
			CloseTimeoutMs: 1000,
		},
		Library: LibraryConfig{
			Path: DefaultLibraryPath(),
		},
	}
}

// DefaultLibraryPath returns the library location under the user data
// directory, falling back to the working directory.
func DefaultLibraryPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "macroreplay", "library.db")
	}
	return "macroreplay.db"
}

// DefaultPath returns the config file used when none is given:
// $MACROREPLAY_CONFIG, else <user config dir>/macroreplay/config.toml.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "macroreplay", "config.toml")
	}
	return ""
}

// Load reads the file at path over the defaults and applies environment
// overrides. A missing file, or an empty path, yields the defaults.
func Load(path string) (*Config, error) {
	env := loader.NewEnvLoader(EnvPrefix)
	env.Skip(EnvConfigPath)
	return LoadFrom(path, env)
}

// LoadFrom is Load with an explicit environment loader; a nil env skips
// environment overrides.
func LoadFrom(path string, env loader.Loader) (*Config, error) {
	var merged map[string]any

	if path != "" {
		fl, err := loader.ForPath(path)
		if err != nil {
			return nil, err
		}
		file, err := fl.Load()
		if err != nil {
			return nil, err
		}
		merged = loader.DeepMerge(merged, file)
	}

	if env != nil {
		vars, err := env.Load()
		if err != nil {
			return nil, fmt.Errorf("loading environment: %w", err)
		}
		merged = loader.DeepMerge(merged, vars)
	}

	cfg := Default()
	if err := cfg.apply(merged); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// apply decodes the merged map over c. Keys absent from the map keep their
// current values.
func (c *Config) apply(values map[string]any) error {
	if len(values) == 0 {
		return nil
	}
	data, err := yaml.Marshal(values)
	if err != nil {
		return fmt.Errorf("encoding merged config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("decoding config: %w", err)
	}
	return nil
}

// Ms converts a millisecond setting to a duration.
func Ms[T int | int64](v T) time.Duration {
	return time.Duration(v) * time.Millisecond
}
