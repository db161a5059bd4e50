package watcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"gro/internal/filer"
)

const (
	defaultDebounce    = 50 * time.Millisecond
	defaultMaxWatches  = 8192
	maxRestartAttempts = 3
	restartBaseDelay   = 200 * time.Millisecond
)

var (
	ErrMaxWatchesExceeded = errors.New("max watches exceeded")
	ErrAlreadyStarted     = errors.New("watcher already started")
	ErrClosed             = errors.New("watcher closed")
)

// Factory adapts New to the Filer's watcher factory.
func Factory(options Options) filer.WatcherFactory {
	return func(watcherOptions filer.WatcherOptions) filer.Watcher {
		return New(watcherOptions, options)
	}
}

func New(watcherOptions filer.WatcherOptions, options Options) *Watcher {
	debounce := options.Debounce
	if debounce == 0 {
		debounce = defaultDebounce
	}
	var pending *debouncer
	if debounce > 0 {
		pending = newDebouncer(debounce)
	}

	maxWatches := options.MaxWatches
	if maxWatches <= 0 {
		maxWatches = defaultMaxWatches
	}

	onChange := watcherOptions.OnChange
	if onChange == nil {
		onChange = func(filer.WatcherChange) {}
	}

	return &Watcher{
		dir:          filepath.Clean(watcherOptions.Dir),
		filter:       watcherOptions.Filter,
		onChange:     onChange,
		logger:       options.Logger.Component("watcher"),
		dirs:         make(map[string]struct{}),
		files:        make(map[string]struct{}),
		debouncer:    pending,
		maxWatches:   maxWatches,
		done:         make(chan struct{}),
		errorHandler: options.ErrorHandler,
		errorLog:     rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// Init watches the directory tree and reports every included file as an add
// before returning.
func (watcher *Watcher) Init(ctx context.Context) error {
	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		return ErrClosed
	}
	if watcher.started {
		watcher.mutex.Unlock()
		return ErrAlreadyStarted
	}
	watcher.started = true
	watcher.mutex.Unlock()

	tree, err := scanTree(ctx, watcher.dir, watcher.allowed)
	if err != nil {
		return fmt.Errorf("scan %s: %w", watcher.dir, err)
	}
	if watcher.scanned != nil {
		watcher.scanned()
	}

	source, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		_ = source.Close()
		return ErrClosed
	}
	watcher.watcher = source
	watcher.mutex.Unlock()

	if err := watcher.addWatches(tree.dirs); err != nil {
		return err
	}
	// Anything created between the scan and the watches is only visible to
	// a second scan. Files created after this are reported by fsnotify.
	tree, err = scanTree(ctx, watcher.dir, watcher.allowed)
	if err != nil {
		return fmt.Errorf("rescan %s: %w", watcher.dir, err)
	}
	if err := watcher.addWatches(tree.dirs); err != nil {
		return err
	}

	watcher.mutex.Lock()
	for _, path := range tree.files {
		watcher.files[path] = struct{}{}
		watcher.emitLocked(filer.WatcherChange{Type: filer.ChangeAdd, Path: path})
	}
	watcher.mutex.Unlock()

	watcher.startForwarder(source)
	watcher.logger.Info("watching directory", map[string]string{
		"dir":   watcher.dir,
		"dirs":  strconv.Itoa(len(tree.dirs)),
		"files": strconv.Itoa(len(tree.files)),
	})
	return nil
}

// Close stops event processing. It is safe to call more than once.
func (watcher *Watcher) Close() error {
	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		return nil
	}
	watcher.closed = true
	if watcher.debouncer != nil {
		watcher.debouncer.stop()
	}
	source := watcher.watcher
	watcher.watcher = nil
	watcher.mutex.Unlock()

	watcher.restartMutex.Lock()
	if watcher.restartTimer != nil {
		watcher.restartTimer.Stop()
		watcher.restartTimer = nil
	}
	watcher.restartMutex.Unlock()

	close(watcher.done)
	if source == nil {
		return nil
	}
	return source.Close()
}

func (watcher *Watcher) startForwarder(source *fsnotify.Watcher) {
	go func() {
		for {
			select {
			case event, ok := <-source.Events:
				if !ok {
					return
				}
				watcher.handleEvent(event)
			case err, ok := <-source.Errors:
				if !ok {
					return
				}
				watcher.handleError(err)
			case <-watcher.done:
				return
			}
		}
	}()
}

func (watcher *Watcher) allowed(path string, isDir bool) bool {
	if path == watcher.dir {
		return true
	}
	return watcher.filter == nil || watcher.filter(path, isDir)
}

// emitLocked reports a change. OnChange runs with the mutex held so changes
// reach the Filer in the order they were observed; it must not call back
// into the watcher.
func (watcher *Watcher) emitLocked(change filer.WatcherChange) {
	atomic.AddUint64(&watcher.eventsDelivered, 1)
	watcher.onChange(change)
}

func (watcher *Watcher) addWatches(dirs []string) error {
	for _, dir := range dirs {
		if err := watcher.addWatch(dir); err != nil {
			return err
		}
	}
	return nil
}

func (watcher *Watcher) addWatch(dir string) error {
	watcher.mutex.Lock()
	if watcher.closed || watcher.watcher == nil {
		watcher.mutex.Unlock()
		return nil
	}
	if _, ok := watcher.dirs[dir]; ok {
		watcher.mutex.Unlock()
		return nil
	}
	if len(watcher.dirs) >= watcher.maxWatches {
		watcher.mutex.Unlock()
		return ErrMaxWatchesExceeded
	}
	watcher.dirs[dir] = struct{}{}
	source := watcher.watcher
	active := len(watcher.dirs)
	watcher.mutex.Unlock()

	if err := source.Add(dir); err != nil {
		watcher.mutex.Lock()
		delete(watcher.dirs, dir)
		watcher.mutex.Unlock()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	watcher.logger.Debug("watch added", map[string]string{
		"path":           dir,
		"active_watches": strconv.Itoa(active),
	})
	return nil
}

func (watcher *Watcher) logWarn(message string, fields map[string]string) {
	watcher.logger.Warn(message, fields)
}

// Metrics reports current watcher stats.
func (watcher *Watcher) Metrics() Metrics {
	if watcher == nil {
		return Metrics{}
	}
	watcher.mutex.Lock()
	active := len(watcher.dirs)
	tracked := len(watcher.files)
	watcher.mutex.Unlock()
	watcher.restartMutex.Lock()
	restartAttempts := watcher.restartAttempts
	watcher.restartMutex.Unlock()
	return Metrics{
		ActiveWatches:   active,
		TrackedFiles:    tracked,
		EventsDelivered: atomic.LoadUint64(&watcher.eventsDelivered),
		EventsCoalesced: atomic.LoadUint64(&watcher.eventsCoalesced),
		Errors:          atomic.LoadUint64(&watcher.errorCount),
		RestartAttempts: restartAttempts,
	}
}

func sortedKeys(values map[string]struct{}) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
