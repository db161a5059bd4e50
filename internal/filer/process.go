package filer

import (
	"errors"
	"io/fs"
	"time"

	"gro/internal/disknode"
	"gro/internal/imports"
)

func (f *Filer) process(epoch uint64, item queueItem) {
	started := time.Now()
	changeType := string(item.change.Type)
	var applied bool
	switch item.kind {
	case itemRefresh:
		changeType = "refresh"
		applied = f.refreshExternal(epoch, item.change.Path)
	default:
		switch item.change.Type {
		case ChangeAdd, ChangeUpdate:
			applied = f.updateFile(epoch, item.change)
		case ChangeDelete:
			applied = f.deleteFile(epoch, item.change.Path)
		default:
			f.logger.Warn("unknown change type", map[string]string{
				"type": changeType,
				"path": item.change.Path,
			})
		}
	}
	f.metrics.RecordChange(changeType, time.Since(started), !applied)
}

// readFile returns nil contents when the file is missing or unreadable.
func (f *Filer) readFile(id string) File {
	file, err := f.read(id)
	if err == nil {
		if file.Contents == nil {
			file.Contents = []byte{}
		}
		return file
	}
	if !errors.Is(err, fs.ErrNotExist) {
		f.logger.Warn("read file failed", map[string]string{
			"path":  id,
			"error": err.Error(),
		})
	}
	return File{}
}

func (f *Filer) updateFile(epoch uint64, change WatcherChange) bool {
	id := change.Path

	f.mu.RLock()
	if f.epoch != epoch {
		f.mu.RUnlock()
		return false
	}
	node := f.files[id]
	tracked := node != nil
	external := f.isExternal(id)
	f.mu.RUnlock()

	file := f.readFile(id)
	var unchanged bool

	f.mu.RLock()
	if tracked {
		external = node.External
		if file.Contents == nil && node.Exists() {
			// Gone before it could be read; the delete event follows.
			f.mu.RUnlock()
			return false
		}
		if external {
			unchanged = node.Exists() == (file.Contents != nil) && node.Mtime.Equal(file.Mtime)
		} else {
			unchanged = node.SameContents(file.Contents)
		}
	}
	f.mu.RUnlock()
	if unchanged {
		return false
	}

	var resolved []string
	if !external && file.Contents != nil {
		resolved = f.resolveImports(id, file.Contents)
	}

	f.mu.Lock()
	if f.epoch != epoch {
		f.mu.Unlock()
		return false
	}
	node, _ = f.getOrCreateLocked(id)
	node.SetContents(file.Contents, file.Ctime, file.Mtime)

	var created []string
	if !node.External {
		next := make(map[string]*disknode.Disknode, len(resolved))
		for _, depID := range resolved {
			dependency, isNew := f.getOrCreateLocked(depID)
			if isNew && dependency.External {
				created = append(created, depID)
			}
			next[depID] = dependency
		}
		node.SetDependencies(next)
	}

	notify, subs := f.notifyLocked(change.Type, node)
	f.mu.Unlock()

	for _, depID := range created {
		f.scheduleRefresh(epoch, depID)
	}
	f.dispatch(epoch, subs, notify)
	return true
}

// notifyLocked records the change and captures the listeners it goes to,
// together with a snapshot of node for them.
func (f *Filer) notifyLocked(changeType ChangeType, node *disknode.Disknode) (Change, []*subscription) {
	change := Change{Type: changeType, ID: node.ID}
	f.record(change)
	subs := f.snapshotLocked()
	if len(subs) > 0 {
		change.Node = node.Snapshot()
	}
	return change, subs
}

func (f *Filer) resolveImports(id string, contents []byte) []string {
	specifiers, err := f.parser.ParseSpecifiers(id, contents)
	if err != nil {
		f.logger.Debug("parse imports failed", map[string]string{
			"path":  id,
			"error": err.Error(),
		})
	}
	resolved := make([]string, 0, len(specifiers))
	seen := make(map[string]struct{}, len(specifiers))
	for _, specifier := range specifiers {
		target, err := f.resolver.Resolve(specifier, id)
		if err != nil {
			if !errors.Is(err, imports.ErrBuiltin) {
				f.logger.Debug("import not resolved", map[string]string{
					"path":      id,
					"specifier": specifier,
					"error":     err.Error(),
				})
			}
			continue
		}
		if _, ok := seen[target]; ok {
			continue
		}
		seen[target] = struct{}{}
		resolved = append(resolved, target)
	}
	return resolved
}

func (f *Filer) scheduleRefresh(epoch uint64, id string) {
	f.mu.RLock()
	queue := f.queue
	current := f.epoch
	f.mu.RUnlock()
	if queue == nil || current != epoch {
		return
	}
	queue.push(queueItem{kind: itemRefresh, change: WatcherChange{Type: ChangeUpdate, Path: id}})
}

// refreshExternal populates an external node once. A missing file leaves the
// node empty and notifies nobody.
func (f *Filer) refreshExternal(epoch uint64, id string) bool {
	f.mu.RLock()
	node := f.files[id]
	if f.epoch != epoch || node == nil || !node.External {
		f.mu.RUnlock()
		return false
	}
	f.mu.RUnlock()

	f.metrics.IncExternalReads()
	file := f.readFile(id)
	if file.Contents == nil {
		return false
	}

	f.mu.Lock()
	if f.epoch != epoch || f.files[id] != node {
		f.mu.Unlock()
		return false
	}
	if node.Exists() && node.Mtime.Equal(file.Mtime) {
		f.mu.Unlock()
		return false
	}
	changeType := ChangeUpdate
	if !node.Exists() {
		changeType = ChangeAdd
	}
	node.SetContents(file.Contents, file.Ctime, file.Mtime)
	notify, subs := f.notifyLocked(changeType, node)
	f.mu.Unlock()

	f.dispatch(epoch, subs, notify)
	return true
}

func (f *Filer) deleteFile(epoch uint64, id string) bool {
	f.mu.Lock()
	node := f.files[id]
	if f.epoch != epoch || node == nil {
		f.mu.Unlock()
		return false
	}
	node.Tombstone()
	if len(node.Dependents) == 0 {
		delete(f.files, id)
		f.metrics.SetTrackedNodes(len(f.files))
	}
	notify, subs := f.notifyLocked(ChangeDelete, node)
	f.mu.Unlock()

	f.dispatch(epoch, subs, notify)
	return true
}
