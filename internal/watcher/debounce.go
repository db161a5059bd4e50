package watcher

import (
	"sync/atomic"
	"time"
)

// debouncer holds one timer per path. It is guarded by the watcher mutex.
type debouncer struct {
	duration time.Duration
	entries  map[string]*time.Timer
}

func newDebouncer(duration time.Duration) *debouncer {
	return &debouncer{
		duration: duration,
		entries:  make(map[string]*time.Timer),
	}
}

// schedule arms or re-arms the timer for path and reports whether a pending
// flush was coalesced.
func (debouncer *debouncer) schedule(path string, flush func(string)) bool {
	if debouncer == nil {
		return false
	}
	if timer, ok := debouncer.entries[path]; ok {
		timer.Reset(debouncer.duration)
		return true
	}
	debouncer.entries[path] = time.AfterFunc(debouncer.duration, func() {
		flush(path)
	})
	return false
}

// pop reports whether a flush for path is still wanted and forgets it.
func (debouncer *debouncer) pop(path string) bool {
	if debouncer == nil {
		return false
	}
	if _, ok := debouncer.entries[path]; !ok {
		return false
	}
	delete(debouncer.entries, path)
	return true
}

func (debouncer *debouncer) cancel(path string) {
	if debouncer == nil {
		return
	}
	if timer, ok := debouncer.entries[path]; ok {
		timer.Stop()
		delete(debouncer.entries, path)
	}
}

func (debouncer *debouncer) stop() {
	if debouncer == nil {
		return
	}
	for _, timer := range debouncer.entries {
		timer.Stop()
	}
	debouncer.entries = make(map[string]*time.Timer)
}

func (debouncer *debouncer) pending() int {
	if debouncer == nil {
		return 0
	}
	return len(debouncer.entries)
}

// scheduleUpdateLocked reports a write to path, coalescing bursts.
func (watcher *Watcher) scheduleUpdateLocked(path string) {
	if watcher.debouncer == nil {
		watcher.emitUpdateLocked(path)
		return
	}
	if watcher.debouncer.schedule(path, watcher.flush) {
		atomic.AddUint64(&watcher.eventsCoalesced, 1)
	}
}

func (watcher *Watcher) flush(path string) {
	watcher.mutex.Lock()
	defer watcher.mutex.Unlock()
	if watcher.closed || !watcher.debouncer.pop(path) {
		return
	}
	if _, known := watcher.files[path]; !known {
		return
	}
	watcher.emitUpdateLocked(path)
}
