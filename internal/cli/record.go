package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/macroreplay/internal/capture"
	"github.com/dshills/macroreplay/internal/device"
	"github.com/dshills/macroreplay/internal/device/evdev"
	"github.com/dshills/macroreplay/internal/device/term"
	"github.com/dshills/macroreplay/internal/macro"
	"github.com/dshills/macroreplay/internal/macro/format"
	"github.com/dshills/macroreplay/internal/notify"
)

type recordFlags struct {
	backend    string
	output     string
	save       string
	force      bool
	duration   time.Duration
	grab       bool
	relative   bool
	noReset    bool
	mouseOnly  bool
	keysOnly   bool
	ignoreKeys []string
}

func newRecordCommand(a *app) *cobra.Command {
	var f recordFlags

	cmd := &cobra.Command{
		Use:   "record [name]",
		Short: "Record a macro",
		Long: `Record mouse and keyboard input until Ctrl+C, SIGINT or --duration.

The term backend captures input aimed at this terminal with absolute cell
coordinates. The evdev backend reads /dev/input devices directly and
records relative motion from a corner-reset origin; it needs read access
to the devices and, for the origin reset, write access to /dev/uinput.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			return a.record(cmd, name, f)
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.backend, "backend", "b", "", "capture backend: term or evdev (default from config)")
	fl.StringVarP(&f.output, "output", "o", "", "write the macro to this file")
	fl.StringVar(&f.save, "save", "", "store the macro in the library under this name")
	fl.BoolVarP(&f.force, "force", "f", false, "replace an existing library entry")
	fl.DurationVarP(&f.duration, "duration", "d", 0, "stop recording after this long")
	fl.BoolVar(&f.grab, "grab", false, "grab evdev devices exclusively (requires --duration)")
	fl.BoolVar(&f.relative, "relative", false, "record relative motion even when positions are available")
	fl.BoolVar(&f.noReset, "no-origin-reset", false, "skip the corner reset in relative mode")
	fl.BoolVar(&f.mouseOnly, "mouse-only", false, "record only the mouse")
	fl.BoolVar(&f.keysOnly, "keys-only", false, "record only the keyboard")
	fl.StringSliceVar(&f.ignoreKeys, "ignore-key", nil, "key to leave out of the recording (repeatable)")
	cmd.MarkFlagsMutuallyExclusive("mouse-only", "keys-only")
	return cmd
}

func (a *app) record(cmd *cobra.Command, name string, f recordFlags) error {
	cfg := a.cfg.Recording
	if f.backend != "" {
		cfg.Backend = f.backend
	}
	if cmd.Flags().Changed("grab") {
		cfg.Grab = f.grab
	}
	if f.relative {
		cfg.PreferAbsolute = false
	}
	if f.noReset {
		cfg.SkipOriginReset = true
	}
	if f.mouseOnly {
		cfg.CaptureKeyboard = false
	}
	if f.keysOnly {
		cfg.CaptureMouse = false
	}
	cfg.IgnoredKeys = append(cfg.IgnoredKeys, f.ignoreKeys...)
	a.cfg.Recording = cfg

	if f.output == "" && f.save == "" {
		return errors.New("nothing to write: give --output, --save or both")
	}
	if cfg.Grab && f.duration == 0 {
		return errors.New("--grab swallows Ctrl+C; give --duration")
	}
	if name == "" {
		name = f.save
	}
	if f.save != "" {
		if err := libraryName(f.save); err != nil {
			return err
		}
	}

	opts, err := a.recordOptions(name)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()
	if f.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.duration)
		defer cancel()
	}

	a.watchConfig(cmd)

	notifier := notify.New()
	defer notifier.Close()
	sub := notifier.Subscribe("recording.error", func(n notify.Notification) {
		a.logger.Error("recording error", "session", n.Session, "error", n.Err)
	})
	defer sub.Unsubscribe()

	var seq *macro.Sequence
	switch cfg.Backend {
	case "term":
		seq, err = a.recordTerminal(ctx, stop, notifier, opts)
	case "evdev":
		seq, err = a.recordDevices(ctx, notifier, opts)
	default:
		err = fmt.Errorf("unknown backend %q (want term or evdev)", cfg.Backend)
	}
	if err != nil {
		return err
	}

	return a.storeRecording(seq, f)
}

// recordTerminal records from the controlling terminal. Logs are held while
// the screen is in use so they do not corrupt it.
func (a *app) recordTerminal(ctx context.Context, stop context.CancelFunc, n *notify.Notifier, opts capture.RecordOptions) (*macro.Sequence, error) {
	if !stdinIsTerminal() {
		return nil, errors.New("the term backend needs an interactive terminal")
	}
	if writesToTerminal(a.logOut) {
		a.logOut.hold()
		defer a.logOut.release()
	}

	src, err := term.New(term.WithLogger(a.logger), term.WithInterrupt(stop))
	if err != nil {
		return nil, err
	}
	defer src.Close()
	if err := src.Init(); err != nil {
		return nil, err
	}

	if opts.PreferAbsolute && opts.CaptureMouse {
		src.Status("Move the mouse over this terminal to start recording. Ctrl+C cancels.")
		if err := src.AwaitPointer(ctx); err != nil {
			if errors.Is(err, term.ErrInterrupted) {
				err = context.Canceled
			}
			return nil, fmt.Errorf("waiting for the pointer: %w", err)
		}
	}

	sub := n.Subscribe("recording.event", func(note notify.Notification) {
		src.Status(fmt.Sprintf("Recording %q: %s. Ctrl+C stops.", opts.Name, note.Event))
	})
	defer sub.Unsubscribe()

	rec := capture.NewRecorder(src, append(a.recorderOptions(n), capture.WithPositionSource(src))...)
	return a.runRecorder(ctx, rec, opts, func() {
		src.Status(fmt.Sprintf("Recording %q. Ctrl+C stops.", opts.Name))
	})
}

// recordDevices records straight from the input devices.
func (a *app) recordDevices(ctx context.Context, n *notify.Notifier, opts capture.RecordOptions) (*macro.Sequence, error) {
	provider := evdev.NewProvider(
		evdev.WithGrab(a.cfg.Recording.Grab),
		evdev.WithLogger(a.logger),
	)
	rec := capture.NewRecorder(provider, append(a.recorderOptions(n),
		capture.WithInjectorFactory(evdev.Factory(evdev.WithLogger(a.logger))),
	)...)
	return a.runRecorder(ctx, rec, opts, func() {
		fmt.Fprintln(a.stderr, dimColor.Sprint("Recording. Press Ctrl+C to stop."))
	})
}

// runRecorder records until ctx is done and returns the finished sequence.
func (a *app) runRecorder(ctx context.Context, rec *capture.Recorder, opts capture.RecordOptions, started func()) (*macro.Sequence, error) {
	defer rec.Close()

	if err := rec.StartRecording(ctx, opts); err != nil {
		if errors.Is(err, device.ErrNoDevices) {
			return nil, fmt.Errorf("%w: check permissions on /dev/input (input group) or use --backend term", err)
		}
		return nil, err
	}
	started()

	<-ctx.Done()
	return rec.StopRecording()
}

func (a *app) storeRecording(seq *macro.Sequence, f recordFlags) error {
	stats := seq.Stats()
	if stats.EventCount == 0 {
		fmt.Fprintln(a.stderr, warnColor.Sprint("warning: nothing was recorded"))
	}

	if f.output != "" {
		if err := format.Save(f.output, seq); err != nil {
			return err
		}
		fmt.Fprintf(a.stdout, "saved %d events (%s) to %s\n", stats.EventCount, durationOf(seq), f.output)
	}

	if f.save != "" {
		lib, err := a.openLibrary(false)
		if err != nil {
			return err
		}
		defer lib.Close()
		seq.Name = f.save
		if lib.Has(seq.Name) && !f.force {
			return fmt.Errorf("macro %q already exists in the library; use --force to replace it", seq.Name)
		}
		if err := lib.Put(seq); err != nil {
			return err
		}
		fmt.Fprintf(a.stdout, "stored %d events as %q in %s\n", stats.EventCount, seq.Name, lib.Path())
	}
	return nil
}

func durationOf(seq *macro.Sequence) time.Duration {
	return time.Duration(seq.TotalDurationMs()) * time.Millisecond
}
