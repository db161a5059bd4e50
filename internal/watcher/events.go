package watcher

import (
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"gro/internal/filer"
)

func (watcher *Watcher) handleEvent(event fsnotify.Event) {
	path := filepath.Clean(event.Name)
	switch {
	case event.Has(fsnotify.Create):
		watcher.handleCreate(path)
	case event.Has(fsnotify.Write):
		watcher.handleWrite(path)
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		watcher.handleRemove(path)
	}
}

func (watcher *Watcher) handleCreate(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if info.IsDir() {
		if watcher.allowed(path, true) && !watcher.isClosed() {
			watcher.expandDirectory(path)
		}
		return
	}
	if !info.Mode().IsRegular() || !watcher.allowed(path, false) {
		return
	}

	watcher.mutex.Lock()
	defer watcher.mutex.Unlock()
	if watcher.closed {
		return
	}
	watcher.debouncer.cancel(path)
	if _, known := watcher.files[path]; known {
		// Replaced in place, e.g. by an editor's atomic save.
		watcher.emitUpdateLocked(path)
		return
	}
	watcher.files[path] = struct{}{}
	watcher.emitLocked(filer.WatcherChange{Type: filer.ChangeAdd, Path: path})
}

func (watcher *Watcher) handleWrite(path string) {
	watcher.mutex.Lock()
	defer watcher.mutex.Unlock()
	if watcher.closed {
		return
	}
	if _, known := watcher.files[path]; known {
		watcher.scheduleUpdateLocked(path)
		return
	}
	if _, isDir := watcher.dirs[path]; isDir || !watcher.allowed(path, false) {
		return
	}
	// Written before its create event was seen.
	watcher.files[path] = struct{}{}
	watcher.emitLocked(filer.WatcherChange{Type: filer.ChangeAdd, Path: path})
}

func (watcher *Watcher) handleRemove(path string) {
	watcher.mutex.Lock()
	defer watcher.mutex.Unlock()
	if watcher.closed {
		return
	}
	if _, isDir := watcher.dirs[path]; isDir {
		watcher.removeTreeLocked(path)
		return
	}
	if _, known := watcher.files[path]; !known {
		return
	}
	delete(watcher.files, path)
	watcher.debouncer.cancel(path)
	watcher.emitLocked(filer.WatcherChange{Type: filer.ChangeDelete, Path: path})
}

func (watcher *Watcher) emitUpdateLocked(path string) {
	watcher.emitLocked(filer.WatcherChange{Type: filer.ChangeUpdate, Path: path})
}

func (watcher *Watcher) isClosed() bool {
	watcher.mutex.Lock()
	defer watcher.mutex.Unlock()
	return watcher.closed
}
