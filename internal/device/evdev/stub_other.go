//go:build !linux

package evdev

import (
	"context"

	"github.com/dshills/macroreplay/internal/device"
)

// Provider is unavailable off Linux.
type Provider struct {
	opts options
}

// NewProvider creates a provider whose Open always fails.
func NewProvider(opts ...Option) *Provider {
	return &Provider{opts: newOptions(opts)}
}

// Open reports device.ErrUnavailable.
func (p *Provider) Open(ctx context.Context, captureMouse, captureKeyboard bool) ([]device.CaptureSource, error) {
	return nil, device.ErrUnavailable
}

// Injector is unavailable off Linux.
type Injector struct {
	opts options
}

// NewInjector returns an injector whose methods fail.
func NewInjector(opts ...Option) *Injector {
	return &Injector{opts: newOptions(opts)}
}

// Factory returns a factory producing unavailable injectors.
func Factory(opts ...Option) device.InjectorFactory {
	return func(ctx context.Context) (device.Injector, error) {
		return nil, device.ErrUnavailable
	}
}

func (inj *Injector) Initialize(width, height int) error { return device.ErrUnavailable }
func (inj *Injector) MoveAbsolute(x, y int) error { return device.ErrUnavailable }
func (inj *Injector) MoveRelative(dx, dy int) error { return device.ErrUnavailable }
func (inj *Injector) SetButton(code uint16, pressed bool) error { return device.ErrUnavailable }
func (inj *Injector) Scroll(delta int, horizontal bool) error { return device.ErrUnavailable }
func (inj *Injector) SetKey(code uint16, pressed bool) error { return device.ErrUnavailable }
func (inj *Injector) Sync() error { return device.ErrUnavailable }
func (inj *Injector) Close() error { return nil }
