package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"gro/internal/config"
	"gro/internal/filer"
	"gro/internal/imports"
	"gro/internal/logging"
	"gro/internal/metrics"
	"gro/internal/watcher"
)

type cli struct {
	dir      string
	root     string
	logLevel string
	stdout   io.Writer
	stderr   io.Writer
	registry *metrics.Registry
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	app := &cli{
		stdout:   stdout,
		stderr:   stderr,
		registry: &metrics.Registry{},
	}
	cmd := &cobra.Command{
		Use:   "gro",
		Short: "Track the import graph of a source tree",
		Long: `gro keeps a dependency graph of a JS/TS/Svelte source tree in sync
with the filesystem.

Settings are read from gro.config.toml in the project directory, then
from GRO_ROOT and GRO_LOG_LEVEL, then from the flags below.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	flags := cmd.PersistentFlags()
	flags.StringVarP(&app.dir, "dir", "C", ".", "project directory")
	flags.StringVar(&app.root, "root", "", "watched source root, relative to the project directory")
	flags.StringVar(&app.logLevel, "log-level", "", "log level (debug, info, warning, error)")

	cmd.AddCommand(
		newWatchCommand(app),
		newDepsCommand(app),
		newGraphCommand(app),
		newVersionCommand(),
	)
	return cmd
}

func (app *cli) settings() (config.Settings, error) {
	overrides := map[string]any{}
	if app.root != "" {
		overrides["filer.root"] = app.root
	}
	if app.logLevel != "" {
		overrides["log.level"] = app.logLevel
	}
	settings, err := config.Load(app.dir, overrides)
	if err != nil {
		return config.Settings{}, fmt.Errorf("load settings: %w", err)
	}
	return settings, nil
}

func (app *cli) logger(settings config.Settings) (*logging.Logger, error) {
	level, ok := logging.ParseLevel(settings.Log.Level)
	if !ok {
		return nil, fmt.Errorf("invalid log level %q", settings.Log.Level)
	}
	return logging.NewLoggerWithOutput(nil, level, app.stderr), nil
}

// newFiler wires the filer to the fsnotify watcher and the configured
// resolver and excludes. onWatcherError may be nil.
func (app *cli) newFiler(settings config.Settings, logger *logging.Logger, onWatcherError func(error)) (*filer.Filer, error) {
	root, err := filepath.Abs(settings.Filer.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	debounce := settings.Watcher.Debounce()
	if debounce == 0 {
		debounce = -1
	}
	extensions := settings.Filer.Extensions
	if len(extensions) == 0 {
		extensions = imports.DefaultExtensions
	}
	return filer.New(filer.Options{
		Root: root,
		NewWatcher: watcher.Factory(watcher.Options{
			Logger:       logger,
			Debounce:     debounce,
			MaxWatches:   int(settings.Watcher.MaxWatches),
			ErrorHandler: onWatcherError,
		}),
		Resolver:    &imports.NodeResolver{Extensions: extensions, Aliases: settings.Filer.Aliases},
		Filter:      imports.NewGitignoreFilter(root, settings.Filer.Exclude),
		Logger:      logger,
		Metrics:     app.registry,
		HistorySize: int(settings.Filer.HistorySize),
	})
}

// open loads settings and returns an initialized filer. Callers close it.
func (app *cli) open(ctx context.Context) (*filer.Filer, error) {
	settings, err := app.settings()
	if err != nil {
		return nil, err
	}
	logger, err := app.logger(settings)
	if err != nil {
		return nil, err
	}
	fl, err := app.newFiler(settings, logger, nil)
	if err != nil {
		return nil, err
	}
	if err := fl.Init(ctx); err != nil {
		return nil, fmt.Errorf("init filer: %w", err)
	}
	return fl, nil
}

// resolvePath turns a command-line path into a node id.
func (app *cli) resolvePath(path string) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(app.dir, path)
	}
	return filepath.Abs(path)
}
