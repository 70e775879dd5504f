package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/macroreplay/internal/evcode"
	"github.com/dshills/macroreplay/internal/macro"
)

func newValidateCommand(a *app) *cobra.Command {
	var fromLibrary bool
	cmd := &cobra.Command{
		Use:   "validate <file|name>...",
		Short: "Check macros for problems before playing them",
		Long: `Check macros for problems that would stop playback (errors) and for
suspicious content such as very long delays (warnings). The command fails
if any macro has errors.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, ref := range args {
				if !a.validateOne(ref, fromLibrary) {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d macros failed validation", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&fromLibrary, "library", "l", false, "treat arguments as library names")
	return cmd
}

func (a *app) validateOne(ref string, fromLibrary bool) bool {
	seq, err := a.loadMacro(ref, fromLibrary)
	if err != nil {
		fmt.Fprintf(a.stdout, "%s: %s\n", ref, errColor.Sprint(err))
		return false
	}

	res := macro.Validate(seq, a.limits())
	for _, e := range res.Errors {
		fmt.Fprintf(a.stdout, "%s: %s\n", ref, errColor.Sprint("error: "+e))
	}
	for _, w := range res.Warnings {
		fmt.Fprintf(a.stdout, "%s: %s\n", ref, warnColor.Sprint("warning: "+w))
	}
	if res.OK() {
		fmt.Fprintf(a.stdout, "%s: %s (%d events, %s)\n", ref, okColor.Sprint("OK"), seq.Len(), durationOf(seq))
	}
	return res.OK()
}

func newInfoCommand(a *app) *cobra.Command {
	var fromLibrary, events bool
	cmd := &cobra.Command{
		Use:   "info <file|name>",
		Short: "Show a macro's metadata and statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seq, err := a.loadMacro(args[0], fromLibrary)
			if err != nil {
				return err
			}
			return a.printInfo(seq, events)
		},
	}
	cmd.Flags().BoolVarP(&fromLibrary, "library", "l", false, "treat the argument as a library name")
	cmd.Flags().BoolVarP(&events, "events", "e", false, "list every event")
	return cmd
}

func (a *app) printInfo(seq *macro.Sequence, events bool) error {
	stats := seq.Stats()
	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Name:\t%s\n", seq.Name)
	fmt.Fprintf(tw, "Created:\t%s\n", createdAt(seq.CreatedAt))
	fmt.Fprintf(tw, "Coordinates:\t%s\n", modeName(seq.IsAbsolute))
	if !seq.IsAbsolute {
		fmt.Fprintf(tw, "Origin reset:\t%t\n", !seq.SkipInitialOriginReset)
	}
	fmt.Fprintf(tw, "Events:\t%d\n", stats.EventCount)
	fmt.Fprintf(tw, "  moves:\t%d\n", stats.MoveCount)
	fmt.Fprintf(tw, "  clicks:\t%d\n", stats.ClickCount)
	fmt.Fprintf(tw, "  keys:\t%d\n", stats.KeyCount)
	fmt.Fprintf(tw, "Rate:\t%.1f events/s\n", stats.EventsPerSecond)
	fmt.Fprintf(tw, "Duration:\t%s\n", durationOf(seq))
	fmt.Fprintf(tw, "Trailing delay:\t%s\n", time.Duration(seq.TrailingDelayMs())*time.Millisecond)
	if err := tw.Flush(); err != nil {
		return err
	}

	if !events {
		return nil
	}
	fmt.Fprintln(a.stdout)
	tw = tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "#\tAT\tDELAY\tEVENT\t")
	for i, ev := range seq.Events() {
		fmt.Fprintf(tw, "%d\t%dms\t%dms\t%s\t\n", i, ev.TimestampMs, ev.DelayMs, describe(ev))
	}
	return tw.Flush()
}

// describe formats an event without its timestamp.
func describe(ev macro.Event) string {
	switch {
	case ev.Type.IsKey():
		return fmt.Sprintf("%s %s", ev.Type, evcode.KeyName(ev.KeyCode))
	case ev.Type == macro.EventMouseMove:
		return fmt.Sprintf("%s (%d,%d)", ev.Type, ev.X, ev.Y)
	default:
		return fmt.Sprintf("%s %s (%d,%d)", ev.Type, ev.Button, ev.X, ev.Y)
	}
}
