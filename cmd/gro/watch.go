package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"gro/internal/config"
	"gro/internal/event"
	"gro/internal/filer"
	"gro/internal/logging"
)

const (
	eventFilerReady  = "filer_ready"
	eventFilerClosed = "filer_closed"
	eventLog         = "log"
)

var changeTypes = []filer.ChangeType{filer.ChangeAdd, filer.ChangeUpdate, filer.ChangeDelete}

type watchOptions struct {
	json       bool
	dependents bool
	logs       bool
	metrics    bool
	only       []string
}

// eventTypes lists the bus event types the printer subscribes to. Lifecycle
// events are always included.
func (options watchOptions) eventTypes() ([]string, error) {
	types := []string{eventFilerReady, eventFilerClosed}
	if options.logs {
		types = append(types, eventLog)
	}
	if len(options.only) == 0 {
		for _, changeType := range changeTypes {
			types = append(types, "file_"+string(changeType))
		}
		return types, nil
	}
	for _, name := range options.only {
		name = strings.ToLower(strings.TrimSpace(name))
		if !slices.Contains(changeTypes, filer.ChangeType(name)) {
			return nil, fmt.Errorf("unknown change type %q (want add, update or delete)", name)
		}
		if eventType := "file_" + name; !slices.Contains(types, eventType) {
			types = append(types, eventType)
		}
	}
	return types, nil
}

func newWatchCommand(app *cli) *cobra.Command {
	var options watchOptions
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Track the source root and print changes until interrupted",
		Long: `Scan the source root, print an add for every file, then print each
add, update and delete as the filesystem changes.

Example:
  gro watch --json --dependents
  gro watch --only update,delete`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := app.settings()
			if err != nil {
				return err
			}
			logger, err := app.logger(settings)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancelCause(cmd.Context())
			defer cancel(nil)
			signalCh := make(chan os.Signal, 1)
			signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(signalCh)
			stopSignals := watchShutdownSignals(logger, func() { cancel(nil) }, signalCh)
			defer stopSignals()

			return app.watch(ctx, cancel, settings, logger, options, cmd.OutOrStdout())
		},
	}
	flags := cmd.Flags()
	flags.BoolVar(&options.json, "json", false, "print one JSON object per line")
	flags.BoolVar(&options.dependents, "dependents", false, "include the transitive dependents of each changed file")
	flags.BoolVar(&options.logs, "logs", false, "interleave log entries with changes")
	flags.BoolVar(&options.metrics, "metrics", false, "print metrics in Prometheus text format on exit")
	flags.StringSliceVar(&options.only, "only", nil, "print only these change types (add, update, delete)")
	return cmd
}

// watch streams filer changes to out through an event bus until ctx is done.
// A watcher that gives up cancels ctx with its error.
func (app *cli) watch(ctx context.Context, cancel context.CancelCauseFunc, settings config.Settings, logger *logging.Logger, options watchOptions, out io.Writer) error {
	types, err := options.eventTypes()
	if err != nil {
		return err
	}
	fl, err := app.newFiler(settings, logger, func(err error) { cancel(err) })
	if err != nil {
		return err
	}

	bus := event.NewBus[event.Event](context.Background(), event.BusOptions{
		Name:                 "filer",
		SubscriberBufferSize: 256,
		BlockOnFull:          true,
		WriteTimeout:         5 * time.Second,
		Registry:             app.registry,
		Logger:               logger,
	})
	events, unsubscribe := bus.SubscribeTypes(types...)
	defer unsubscribe()
	printed := make(chan error, 1)
	go func() {
		printed <- printEvents(events, out, options.json)
	}()
	stopLogs := forwardLogs(logger, bus, options.logs)
	shutdown := func() error {
		stopLogs()
		bus.Close()
		published, dropped := bus.Stats()
		logger.Info("event output stopped", map[string]string{
			"published": strconv.FormatInt(published, 10),
			"dropped":   strconv.FormatInt(dropped, 10),
		})
		return <-printed
	}

	unwatch, err := fl.Watch(ctx, func(change filer.Change) {
		bus.Publish(fileEvent(fl, change, options.dependents))
	})
	if err != nil {
		if printErr := shutdown(); printErr != nil {
			logger.Warn("event output failed", map[string]string{"error": printErr.Error()})
		}
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	bus.Publish(event.NewFilerEvent(eventFilerReady, fl.Root(), fl.Size()))

	<-ctx.Done()

	closeErr := fl.Close()
	unwatch()
	bus.Publish(event.NewFilerEvent(eventFilerClosed, fl.Root(), 0))
	printErr := shutdown()

	if options.metrics {
		if err := app.registry.WritePrometheus(out); err != nil {
			logger.Warn("write metrics failed", map[string]string{"error": err.Error()})
		}
	}
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	if closeErr != nil {
		return closeErr
	}
	return printErr
}

// forwardLogs publishes the logger's entries on bus until the returned func
// is called. The func returns once forwarding has stopped.
func forwardLogs(logger *logging.Logger, bus *event.Bus[event.Event], enabled bool) func() {
	if !enabled {
		return func() {}
	}
	entries, unsubscribe := logger.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			bus.Publish(event.NewLogEvent(entry))
		}
	}()
	return func() {
		unsubscribe()
		<-done
	}
}

func fileEvent(fl *filer.Filer, change filer.Change, withDependents bool) event.FileEvent {
	changed := event.NewFileEvent(string(change.Type), change.ID)
	if node := change.Node; node != nil {
		changed.External = node.External
		changed.Exists = node.Exists()
		changed.Hash = node.ContentHash
	}
	if withDependents {
		changed.Dependents = sortedIDs(fl.FilterDependents(change.ID, nil))
	}
	return changed
}

// printEvents writes events until the channel closes. After a write error it
// keeps draining so publishers are never left blocked, and returns that error.
func printEvents(events <-chan event.Event, out io.Writer, asJSON bool) error {
	encoder := json.NewEncoder(out)
	var firstErr error
	for evt := range events {
		if firstErr != nil {
			continue
		}
		var err error
		if asJSON {
			err = encoder.Encode(evt)
		} else {
			_, err = io.WriteString(out, formatEvent(evt))
		}
		if err != nil {
			firstErr = fmt.Errorf("write event: %w", err)
		}
	}
	return firstErr
}

func formatEvent(evt event.Event) string {
	switch typed := evt.(type) {
	case event.FileEvent:
		var line strings.Builder
		fmt.Fprintf(&line, "%-6s %s", strings.TrimPrefix(typed.EventType, "file_"), typed.Path)
		if typed.External {
			line.WriteString(" [external]")
		}
		if !typed.Exists && typed.EventType != "file_"+string(filer.ChangeDelete) {
			line.WriteString(" (missing)")
		}
		line.WriteString("\n")
		for _, dependent := range typed.Dependents {
			fmt.Fprintf(&line, "       <- %s\n", dependent)
		}
		return line.String()
	case event.LogEvent:
		var line strings.Builder
		fmt.Fprintf(&line, "log    [%s] %s", typed.Level, typed.Message)
		keys := make([]string, 0, len(typed.Context))
		for key := range typed.Context {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			fmt.Fprintf(&line, " %s=%s", key, typed.Context[key])
		}
		line.WriteString("\n")
		return line.String()
	case event.FilerEvent:
		if typed.EventType == eventFilerReady {
			return fmt.Sprintf("ready  %s (%d files)\n", typed.Root, typed.Files)
		}
		return fmt.Sprintf("%-6s %s\n", strings.TrimPrefix(typed.EventType, "filer_"), typed.Root)
	default:
		return fmt.Sprintf("%s\n", evt.Type())
	}
}
