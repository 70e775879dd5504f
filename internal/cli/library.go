package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/macroreplay/internal/library"
)

var libraryName = library.ValidateName

// openLibrary opens the configured library. Read-only opens share the file
// with other readers; a library that does not exist yet is created.
func (a *app) openLibrary(readOnly bool) (*library.Library, error) {
	path := a.cfg.Library.Path
	opts := []library.Option{library.WithLogger(a.logger)}
	if readOnly {
		if _, err := os.Stat(path); err == nil {
			opts = append(opts, library.WithReadOnly())
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("library: %w", err)
		}
	}
	return library.Open(path, opts...)
}

func newLibraryCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "library",
		Aliases: []string{"lib"},
		Short:   "Manage the macro library",
		Long: `The library stores named macros in a single database file
(library.path in the config, or --library-path).`,
	}

	cmd.AddCommand(
		newLibraryListCommand(a),
		newLibraryImportCommand(a),
		newLibraryExportCommand(a),
		newLibraryDeleteCommand(a),
		newLibraryRenameCommand(a),
	)
	return cmd
}

func newLibraryListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List stored macros",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			lib, err := a.openLibrary(true)
			if err != nil {
				return err
			}
			defer lib.Close()

			entries, err := lib.List()
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(a.stdout, dimColor.Sprint("library is empty"))
				return nil
			}

			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tMODE\tEVENTS\tDURATION\tCREATED")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
					e.Name, modeName(e.Absolute), e.Events,
					time.Duration(e.DurationMs)*time.Millisecond,
					createdAt(e.CreatedAt))
			}
			return tw.Flush()
		},
	}
}

func newLibraryImportCommand(a *app) *cobra.Command {
	var name string
	var force bool
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Add a macro file to the library",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lib, err := a.openLibrary(false)
			if err != nil {
				return err
			}
			defer lib.Close()

			seq, err := lib.Import(args[0], name, force)
			if err != nil {
				if errors.Is(err, library.ErrExists) {
					return fmt.Errorf("%w; use --force to replace it", err)
				}
				return err
			}
			fmt.Fprintf(a.stdout, "imported %q (%d events)\n", seq.Name, seq.Len())
			return nil
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "library name (default: the macro's name or file name)")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "replace an existing entry")
	return cmd
}

func newLibraryExportCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "export <name> <file>",
		Short: "Write a stored macro to a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			lib, err := a.openLibrary(true)
			if err != nil {
				return err
			}
			defer lib.Close()

			if err := lib.Export(args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "exported %q to %s\n", args[0], args[1])
			return nil
		},
	}
}

func newLibraryDeleteCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <name>...",
		Aliases: []string{"rm"},
		Short:   "Remove macros from the library",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lib, err := a.openLibrary(false)
			if err != nil {
				return err
			}
			defer lib.Close()

			var errs []error
			for _, name := range args {
				if err := lib.Delete(name); err != nil {
					errs = append(errs, err)
					continue
				}
				fmt.Fprintf(a.stdout, "deleted %q\n", name)
			}
			return errors.Join(errs...)
		},
	}
}

func newLibraryRenameCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <from> <to>",
		Short: "Rename a stored macro",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			lib, err := a.openLibrary(false)
			if err != nil {
				return err
			}
			defer lib.Close()

			if err := lib.Rename(args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "renamed %q to %q\n", args[0], args[1])
			return nil
		},
	}
}

func modeName(absolute bool) string {
	if absolute {
		return "absolute"
	}
	return "relative"
}

func createdAt(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
