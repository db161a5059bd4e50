package watcher

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"gro/internal/filer"
)

func (watcher *Watcher) handleError(err error) {
	if err == nil {
		return
	}
	atomic.AddUint64(&watcher.errorCount, 1)
	if watcher.errorLog.Allow() {
		watcher.logWarn("watcher error", map[string]string{
			"error": err.Error(),
		})
	}
	watcher.scheduleRestart(err)
}

func restartDelay(attempt int) time.Duration {
	return restartBaseDelay * time.Duration(1<<attempt)
}

func (watcher *Watcher) scheduleRestart(err error) {
	if watcher.isClosed() {
		return
	}
	watcher.restartMutex.Lock()
	if watcher.restartTimer != nil {
		watcher.restartMutex.Unlock()
		return
	}
	if watcher.restartAttempts >= maxRestartAttempts {
		watcher.restartMutex.Unlock()
		watcher.notifyError(err)
		return
	}
	delay := restartDelay(watcher.restartAttempts)
	watcher.restartAttempts++
	watcher.restartTimer = time.AfterFunc(delay, watcher.performRestart)
	watcher.restartMutex.Unlock()
}

func (watcher *Watcher) performRestart() {
	restartErr := watcher.restart()

	watcher.restartMutex.Lock()
	watcher.restartTimer = nil
	if restartErr == nil {
		watcher.restartAttempts = 0
		watcher.restartMutex.Unlock()
		return
	}
	watcher.restartMutex.Unlock()

	watcher.logWarn("watcher restart failed", map[string]string{
		"error": restartErr.Error(),
	})
	watcher.scheduleRestart(restartErr)
}

func (watcher *Watcher) notifyError(err error) {
	watcher.mutex.Lock()
	handler := watcher.errorHandler
	watcher.mutex.Unlock()
	if handler == nil || err == nil {
		return
	}
	handler(fmt.Errorf("watcher %s gave up: %w", watcher.dir, err))
}

// restart replaces the fsnotify backend and rescans the tree. Events may have
// been lost, so every file found is reported again: new files as adds, known
// files as updates and vanished files as deletes. The Filer ignores updates
// whose contents did not change.
func (watcher *Watcher) restart() error {
	if watcher.isClosed() {
		return nil
	}
	found, err := scanTree(context.Background(), watcher.dir, watcher.allowed)
	if err != nil {
		return fmt.Errorf("rescan %s: %w", watcher.dir, err)
	}
	replacement, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}

	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		_ = replacement.Close()
		return nil
	}
	previous := watcher.watcher
	watcher.watcher = replacement
	watcher.dirs = make(map[string]struct{})
	watcher.mutex.Unlock()

	if previous != nil {
		_ = previous.Close()
	}
	if err := watcher.addWatches(found.dirs); err != nil {
		watcher.logWarn("watcher re-add failed", map[string]string{
			"error": err.Error(),
		})
	}
	watcher.startForwarder(replacement)
	watcher.resync(found.files)
	return nil
}

func (watcher *Watcher) resync(files []string) {
	watcher.mutex.Lock()
	defer watcher.mutex.Unlock()
	if watcher.closed {
		return
	}
	present := make(map[string]struct{}, len(files))
	for _, path := range files {
		present[path] = struct{}{}
		watcher.debouncer.cancel(path)
		if _, known := watcher.files[path]; known {
			watcher.emitUpdateLocked(path)
			continue
		}
		watcher.files[path] = struct{}{}
		watcher.emitLocked(filer.WatcherChange{Type: filer.ChangeAdd, Path: path})
	}
	for _, path := range sortedKeys(watcher.files) {
		if _, ok := present[path]; ok {
			continue
		}
		delete(watcher.files, path)
		watcher.debouncer.cancel(path)
		watcher.emitLocked(filer.WatcherChange{Type: filer.ChangeDelete, Path: path})
	}
}
