package cli

import (
	"context"
	"fmt"

	"github.com/dshills/macroreplay/internal/config"
	"github.com/dshills/macroreplay/internal/device"
	"github.com/dshills/macroreplay/internal/device/evdev"
	"github.com/dshills/macroreplay/internal/playback"
	"github.com/dshills/macroreplay/internal/pool"
)

// injectorFactory returns the factory for the named sink: "log" prints
// what would be injected, "uinput" drives a virtual device.
func (a *app) injectorFactory(sink string) (device.InjectorFactory, error) {
	switch sink {
	case "log":
		logger := a.logger
		return func(ctx context.Context) (device.Injector, error) {
			return device.NewLogInjector(logger), nil
		}, nil
	case "uinput":
		return evdev.Factory(evdev.WithLogger(a.logger)), nil
	default:
		return nil, fmt.Errorf("unknown sink %q (want log or uinput)", sink)
	}
}

// directDevices creates a device per playback and disposes it afterwards.
type directDevices struct {
	factory device.InjectorFactory
}

func (d directDevices) Acquire(ctx context.Context, width, height int) (device.Injector, error) {
	inj, err := d.factory(ctx)
	if err != nil {
		return nil, err
	}
	if err := inj.Initialize(width, height); err != nil {
		_ = inj.Close()
		return nil, err
	}
	return inj, nil
}

func (d directDevices) Release(inj device.Injector) {
	_ = inj.Close()
}

// deviceSource returns the player's device source: the warm pool when
// enabled, otherwise one device per playback.
func (a *app) deviceSource(factory device.InjectorFactory, cfg config.PoolConfig) playback.DeviceSource {
	if !cfg.Enabled {
		return directDevices{factory: factory}
	}
	p := pool.New(factory,
		pool.WithLogger(a.logger),
		pool.WithCloseTimeout(config.Ms(cfg.CloseTimeoutMs)),
	)
	a.closers = append(a.closers, func() error {
		stats := p.Stats()
		a.logger.Debug("device pool closing",
			"hits", stats.Hits, "misses", stats.Misses,
			"warmups", stats.Warmups, "failed", stats.Failed)
		return p.Close()
	})
	if cfg.Warm {
		p.Warm(0, 0)
	}
	return p
}
