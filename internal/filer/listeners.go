package filer

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"gro/internal/disknode"
)

// subscription serializes deliveries to one listener, so a replay always
// completes before live changes reach it.
type subscription struct {
	id       uint64
	listener Listener
	mu       sync.Mutex
}

// Watch initializes the Filer, registers listener and replays an add change
// for every tracked file that exists, sorted by id. The replayed nodes are
// snapshots taken at registration. The returned func removes
// the listener; removing the last one closes the Filer.
func (f *Filer) Watch(ctx context.Context, listener Listener) (func(), error) {
	if listener == nil {
		return nil, ErrNilListener
	}
	if err := f.Init(ctx); err != nil {
		return nil, err
	}

	f.mu.Lock()
	if f.state != StateInited {
		f.mu.Unlock()
		return nil, ErrNotInited
	}
	f.nextSubID++
	sub := &subscription{id: f.nextSubID, listener: listener}
	f.subs[sub.id] = sub
	existing := make([]*disknode.Disknode, 0, len(f.files))
	for _, node := range f.files {
		if node.Exists() {
			existing = append(existing, node.Snapshot())
		}
	}
	sub.mu.Lock()
	f.mu.Unlock()

	sort.Slice(existing, func(i, j int) bool { return existing[i].ID < existing[j].ID })
	for _, node := range existing {
		f.invoke(sub, Change{Type: ChangeAdd, ID: node.ID, Node: node})
	}
	sub.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { f.unsubscribe(sub.id) })
	}, nil
}

func (f *Filer) unsubscribe(id uint64) {
	f.mu.Lock()
	if _, ok := f.subs[id]; !ok {
		f.mu.Unlock()
		return
	}
	delete(f.subs, id)
	remaining := len(f.subs)
	f.mu.Unlock()

	if remaining > 0 {
		return
	}
	if err := f.Close(); err != nil {
		f.logger.Warn("close after last listener removed", map[string]string{"error": err.Error()})
	}
}

// ListenerCount reports the registered listeners.
func (f *Filer) ListenerCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// snapshotLocked captures the listeners registered when a change is applied.
func (f *Filer) snapshotLocked() []*subscription {
	subs := make([]*subscription, 0, len(f.subs))
	for _, sub := range f.subs {
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })
	return subs
}

// dispatch delivers change to subs unless the Filer was closed meanwhile.
func (f *Filer) dispatch(epoch uint64, subs []*subscription, change Change) {
	delivered := 0
	for _, sub := range subs {
		if f.currentEpoch() != epoch {
			break
		}
		sub.mu.Lock()
		f.invoke(sub, change)
		sub.mu.Unlock()
		delivered++
	}
	f.metrics.IncNotifications(delivered)
}

func (f *Filer) invoke(sub *subscription, change Change) {
	defer func() {
		if recovered := recover(); recovered != nil {
			f.metrics.IncListenerPanics()
			f.logger.Error("listener panicked", map[string]string{
				"listener": fmt.Sprintf("%d", sub.id),
				"path":     change.ID,
				"type":     string(change.Type),
				"panic":    fmt.Sprint(recovered),
			})
		}
	}()
	sub.listener(change)
}
