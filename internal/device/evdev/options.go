package evdev

import (
	"errors"
	"log/slog"

	"github.com/dshills/macroreplay/internal/logging"
)

// Default device paths.
const (
	DefaultGlob       = "/dev/input/event*"
	DefaultUinputPath = "/dev/uinput"
	DefaultDeviceName = "macroreplay virtual input"
)

type options struct {
	glob       string
	grab       bool
	uinputPath string
	name       string
	logger     *slog.Logger
}

func newOptions(opts []Option) options {
	o := options{
		glob:       DefaultGlob,
		uinputPath: DefaultUinputPath,
		name:       DefaultDeviceName,
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = logging.Component(o.logger, "evdev")
	return o
}

// Option configures the provider or injector.
type Option func(*options)

// WithGlob sets the pattern used to enumerate event nodes.
func WithGlob(pattern string) Option {
	return func(o *options) {
		if pattern != "" {
			o.glob = pattern
		}
	}
}

// WithGrab takes exclusive access to captured devices (EVIOCGRAB) so their
// input does not also reach other consumers while recording.
func WithGrab(grab bool) Option {
	return func(o *options) {
		o.grab = grab
	}
}

// WithUinputPath sets the uinput control node.
func WithUinputPath(path string) Option {
	return func(o *options) {
		if path != "" {
			o.uinputPath = path
		}
	}
}

// WithDeviceName sets the name of created virtual devices.
func WithDeviceName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.name = name
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// ErrRelativeOnly is returned by MoveAbsolute on a relative-only device.
var ErrRelativeOnly = errors.New("device has no absolute axes")
