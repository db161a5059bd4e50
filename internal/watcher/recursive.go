package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gro/internal/filer"
)

type tree struct {
	dirs  []string
	files []string
}

// scanTree collects the included directories and regular files under root.
// Excluded directories are not descended into.
func scanTree(ctx context.Context, root string, allowed func(string, bool) bool) (tree, error) {
	var result tree
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if entry.IsDir() {
			if !allowed(path, true) {
				return filepath.SkipDir
			}
			result.dirs = append(result.dirs, path)
			return nil
		}
		if !entry.Type().IsRegular() || !allowed(path, false) {
			return nil
		}
		result.files = append(result.files, path)
		return nil
	})
	return result, err
}

// expandDirectory starts watching a directory that appeared after Init and
// reports the files already inside it.
func (watcher *Watcher) expandDirectory(dir string) {
	watcher.mutex.Lock()
	watcher.emitLocked(filer.WatcherChange{Type: filer.ChangeAdd, Path: dir, IsDirectory: true})
	watcher.mutex.Unlock()

	found, err := scanTree(context.Background(), dir, watcher.allowed)
	if err != nil {
		watcher.logWarn("scan directory failed", map[string]string{
			"path":  dir,
			"error": err.Error(),
		})
		return
	}
	if err := watcher.addWatches(found.dirs); err != nil {
		watcher.logWarn("watch directory failed", map[string]string{
			"path":  dir,
			"error": err.Error(),
		})
	}

	watcher.mutex.Lock()
	defer watcher.mutex.Unlock()
	if watcher.closed {
		return
	}
	for _, path := range found.files {
		if _, known := watcher.files[path]; known {
			continue
		}
		watcher.files[path] = struct{}{}
		watcher.emitLocked(filer.WatcherChange{Type: filer.ChangeAdd, Path: path})
	}
}

// removeTreeLocked forgets a removed directory and reports a delete for every
// file that was known under it.
func (watcher *Watcher) removeTreeLocked(dir string) {
	prefix := dir + string(os.PathSeparator)
	for path := range watcher.dirs {
		if path == dir || strings.HasPrefix(path, prefix) {
			delete(watcher.dirs, path)
			if watcher.watcher != nil {
				// The kernel drops watches of deleted directories itself.
				_ = watcher.watcher.Remove(path)
			}
		}
	}
	var removed []string
	for path := range watcher.files {
		if strings.HasPrefix(path, prefix) {
			removed = append(removed, path)
		}
	}
	sort.Strings(removed)
	for _, path := range removed {
		delete(watcher.files, path)
		watcher.debouncer.cancel(path)
		watcher.emitLocked(filer.WatcherChange{Type: filer.ChangeDelete, Path: path})
	}
	watcher.emitLocked(filer.WatcherChange{Type: filer.ChangeDelete, Path: dir, IsDirectory: true})
}
