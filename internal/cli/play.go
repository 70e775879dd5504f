package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dshills/macroreplay/internal/macro"
	"github.com/dshills/macroreplay/internal/macro/format"
	"github.com/dshills/macroreplay/internal/notify"
	"github.com/dshills/macroreplay/internal/playback"
)

type playFlags struct {
	fromLibrary bool
	speed       float64
	loop        bool
	repeat      int
	repeatDelay int64
	sink        string
	quiet       bool
}

func newPlayCommand(a *app) *cobra.Command {
	var f playFlags

	cmd := &cobra.Command{
		Use:   "play <file|name>",
		Short: "Replay a macro",
		Long: `Replay a macro file, or a library entry with --library.

The log sink prints every injected action without touching the system;
the uinput sink injects through a virtual device and needs write access
to /dev/uinput. Ctrl+C stops playback and releases any held input. On
Unix, SIGUSR1 toggles pause.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.play(cmd, args[0], f)
		},
	}

	fl := cmd.Flags()
	fl.BoolVarP(&f.fromLibrary, "library", "l", false, "treat the argument as a library name")
	fl.Float64VarP(&f.speed, "speed", "s", 0, "speed multiplier; 2 plays twice as fast (default from config)")
	fl.BoolVar(&f.loop, "loop", false, "repeat until interrupted")
	fl.IntVarP(&f.repeat, "repeat", "r", 0, "number of iterations (default from config)")
	fl.Int64Var(&f.repeatDelay, "repeat-delay-ms", 0, "pause between iterations in milliseconds")
	fl.StringVar(&f.sink, "sink", "", "injection sink: log or uinput (default from config)")
	fl.BoolVarP(&f.quiet, "quiet", "q", false, "do not print progress")
	return cmd
}

func (a *app) play(cmd *cobra.Command, ref string, f playFlags) error {
	seq, err := a.loadMacro(ref, f.fromLibrary)
	if err != nil {
		return err
	}

	opts := a.playOptions()
	changed := cmd.Flags().Changed
	if changed("speed") {
		opts.Speed = f.speed
	}
	if changed("loop") {
		opts.Loop = f.loop
	}
	if changed("repeat") {
		opts.RepeatCount = f.repeat
	}
	if changed("repeat-delay-ms") {
		opts.RepeatDelayMs = f.repeatDelay
	}
	if err := opts.Validate(); err != nil {
		return err
	}

	sink := a.cfg.Playback.Sink
	if f.sink != "" {
		sink = f.sink
	}
	factory, err := a.injectorFactory(sink)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()
	a.watchConfig(cmd)

	notifier := notify.New()
	defer notifier.Close()
	if !f.quiet {
		sub := notifier.Subscribe("playback.*", func(n notify.Notification) {
			a.printProgress(n, opts)
		})
		defer sub.Unsubscribe()
	}

	player := playback.NewPlayer(a.deviceSource(factory, a.cfg.Pool), a.playerOptions(notifier)...)
	defer player.Close()

	onPauseToggle(ctx, func() {
		if player.State() == playback.StatePaused {
			_ = player.Resume()
			return
		}
		_ = player.Pause()
	})

	err = player.Play(ctx, seq, opts)
	m := player.Metrics()
	if !f.quiet {
		fmt.Fprintf(a.stderr, "%s: %d events in %d iterations, %d errors, max lateness %s\n",
			m.Macro, m.EventsExecuted, m.Iterations, m.EventErrors, m.MaxLateness)
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(a.stderr, dimColor.Sprint("stopped"))
		return nil
	default:
		return err
	}
}

func (a *app) printProgress(n notify.Notification, opts playback.Options) {
	switch n.Topic {
	case notify.PlaybackStarted:
		fmt.Fprintf(a.stderr, "playing %q at %gx\n", n.Macro, opts.Speed)
	case notify.PlaybackIteration:
		if iterations := opts.Iterations(); iterations != 1 {
			total := "∞"
			if iterations > 0 {
				total = fmt.Sprint(iterations)
			}
			fmt.Fprintln(a.stderr, dimColor.Sprintf("iteration %d/%s", n.Iteration, total))
		}
	case notify.PlaybackPaused:
		fmt.Fprintln(a.stderr, warnColor.Sprint("paused"))
	case notify.PlaybackResumed:
		fmt.Fprintln(a.stderr, okColor.Sprint("resumed"))
	case notify.PlaybackWarning:
		fmt.Fprintln(a.stderr, warnColor.Sprint("warning: "+n.Message))
	case notify.PlaybackError:
		fmt.Fprintln(a.stderr, errColor.Sprintf("error: %v", n.Err))
	}
}

// loadMacro reads a macro from a file or, with fromLibrary, the library.
func (a *app) loadMacro(ref string, fromLibrary bool) (*macro.Sequence, error) {
	if !fromLibrary {
		if _, err := os.Stat(ref); err != nil {
			return nil, fmt.Errorf("macro file: %w", err)
		}
		return format.Load(ref)
	}
	lib, err := a.openLibrary(true)
	if err != nil {
		return nil, err
	}
	defer lib.Close()
	return lib.Get(ref)
}
