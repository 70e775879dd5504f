package cli

import (
	"github.com/dshills/macroreplay/internal/capture"
	"github.com/dshills/macroreplay/internal/config"
	"github.com/dshills/macroreplay/internal/coord"
	"github.com/dshills/macroreplay/internal/macro"
	"github.com/dshills/macroreplay/internal/notify"
	"github.com/dshills/macroreplay/internal/playback"
)

func driftOptions(d config.DriftConfig) []coord.DriftOption {
	return []coord.DriftOption{
		coord.WithThreshold(d.ThresholdPx),
		coord.WithCadence(coord.CadenceConfig{
			Min:           config.Ms(d.MinIntervalMs),
			Max:           config.Ms(d.MaxIntervalMs),
			SlowThreshold: config.Ms(d.SlowQueryMs),
			Step:          config.Ms(d.StepMs),
		}),
		coord.WithDriftQueryTimeout(config.Ms(d.QueryTimeoutMs)),
	}
}

func (a *app) recorderOptions(n *notify.Notifier) []capture.Option {
	r := a.cfg.Recording
	return []capture.Option{
		capture.WithNotifier(n),
		capture.WithLogger(a.logger),
		capture.WithBufferSize(r.BufferSize),
		capture.WithStopGrace(config.Ms(r.StopGraceMs)),
		capture.WithPositionRetry(r.PositionRetries, config.Ms(r.PositionBackoffMs), config.Ms(r.PositionTimeoutMs)),
		capture.WithDriftOptions(driftOptions(a.cfg.Drift)...),
	}
}

func (a *app) recordOptions(name string) (capture.RecordOptions, error) {
	r := a.cfg.Recording
	ignored, err := r.IgnoredCodes()
	if err != nil {
		return capture.RecordOptions{}, err
	}
	return capture.RecordOptions{
		Name:            name,
		CaptureMouse:    r.CaptureMouse,
		CaptureKeyboard: r.CaptureKeyboard,
		PreferAbsolute:  r.PreferAbsolute,
		SkipOriginReset: r.SkipOriginReset,
		IgnoredKeys:     ignored,
	}, nil
}

func (a *app) limits() macro.Limits {
	v := a.cfg.Validation
	return macro.Limits{
		MaxDelayMs:    v.MaxDelayMs,
		MaxEvents:     v.MaxEvents,
		MaxDurationMs: v.MaxDurationMs,
	}
}

func (a *app) playerOptions(n *notify.Notifier) []playback.Option {
	p := a.cfg.Playback
	return []playback.Option{
		playback.WithNotifier(n),
		playback.WithLogger(a.logger),
		playback.WithLimits(a.limits()),
		playback.WithSpinThreshold(config.Ms(p.SpinThresholdMs)),
		playback.WithMinRepeatDelay(config.Ms(p.MinRepeatDelayMs)),
		playback.WithMaxErrors(p.MaxErrors),
		playback.WithStopGrace(config.Ms(p.StopGraceMs)),
	}
}

func (a *app) playOptions() playback.Options {
	p := a.cfg.Playback
	return playback.Options{
		Speed:         p.Speed,
		Loop:          p.Loop,
		RepeatCount:   p.RepeatCount,
		RepeatDelayMs: int64(p.RepeatDelayMs),
	}
}
