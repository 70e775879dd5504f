// Package cli implements the macroreplay command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/macroreplay/internal/config"
	"github.com/dshills/macroreplay/internal/logging"
)

// Version information, set by main.
var (
	Version = "dev"
	Commit  = "unknown"
)

// reloadDebounce is the quiet period before an edited config file is reloaded.
const reloadDebounce = 200 * time.Millisecond

// app holds the state shared by every command.
type app struct {
	configPath string
	logLevel   string
	logFormat  string
	logFile    string
	libPath    string

	cfg    *config.Config
	logger *slog.Logger
	level  *slog.LevelVar
	logOut *switchWriter

	stdout io.Writer
	stderr io.Writer

	closers []func() error
}

// newRootCommand builds the command tree. Resources the commands open are
// registered on a and released by a.teardown.
func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "macroreplay",
		Short: "Record and replay mouse and keyboard macros",
		Long: `macroreplay records mouse and keyboard input into timed macros and
replays them through a virtual input device.

Macros are stored as plain text files or in a named library.
Run 'macroreplay help <command>' for details on a command.`,
		Version:       fmt.Sprintf("%s (%s)", Version, Commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "configuration file (.toml, .yaml); default $MACROREPLAY_CONFIG or the user config dir")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&a.logFormat, "log-format", "", "log format: text, json")
	flags.StringVar(&a.logFile, "log-file", "", "append logs to this file instead of stderr")
	flags.StringVar(&a.libPath, "library-path", "", "macro library database (default from config)")

	root.AddCommand(
		newRecordCommand(a),
		newPlayCommand(a),
		newValidateCommand(a),
		newInfoCommand(a),
		newLibraryCommand(a),
	)
	return root
}

// Execute runs the command tree with the process arguments.
func Execute(ctx context.Context) error {
	a := &app{}
	err := newRootCommand(a).ExecuteContext(ctx)
	return errors.Join(err, a.teardown())
}

func (a *app) setup(cmd *cobra.Command) error {
	a.stdout = cmd.OutOrStdout()
	a.stderr = cmd.ErrOrStderr()

	explicit := cmd.Flags().Changed("config")
	path := a.configPath
	if !explicit {
		path = config.DefaultPath()
	}
	if explicit {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("config file: %w", err)
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Logging.Format = a.logFormat
	}
	if a.libPath != "" {
		cfg.Library.Path = a.libPath
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	a.configPath = path

	var out io.Writer = a.stderr
	if a.logFile != "" {
		f, err := os.OpenFile(a.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		a.closers = append(a.closers, f.Close)
		out = f
	}
	a.logOut = newSwitchWriter(out)
	a.logger, a.level = logging.New(cfg.Logging.LogConfig(a.logOut))
	a.logger.Debug("configuration loaded", "path", path)
	return nil
}

// watchConfig hot-applies the log level from config file edits for the
// rest of the command.
func (a *app) watchConfig(cmd *cobra.Command) {
	if a.configPath == "" {
		return
	}
	if _, err := os.Stat(a.configPath); err != nil {
		return
	}
	levelFixed := cmd.Flags().Changed("log-level")
	w, err := config.Watch(a.configPath, a.logger, reloadDebounce, func(cfg *config.Config) {
		if levelFixed {
			return
		}
		a.level.Set(logging.ParseLevel(cfg.Logging.Level))
	})
	if err != nil {
		a.logger.Warn("config hot reload unavailable", "error", err)
		return
	}
	a.closers = append(a.closers, w.Stop)
}

func (a *app) teardown() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
