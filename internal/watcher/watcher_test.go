package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"gro/internal/filer"
	"gro/internal/imports"
)

type changeLog struct {
	mu      sync.Mutex
	changes []filer.WatcherChange
	notify  chan struct{}
}

func newChangeLog() *changeLog {
	return &changeLog{notify: make(chan struct{}, 1)}
}

func (log *changeLog) record(change filer.WatcherChange) {
	log.mu.Lock()
	log.changes = append(log.changes, change)
	log.mu.Unlock()
	select {
	case log.notify <- struct{}{}:
	default:
	}
}

func (log *changeLog) list() []filer.WatcherChange {
	log.mu.Lock()
	defer log.mu.Unlock()
	return append([]filer.WatcherChange(nil), log.changes...)
}

// waitFor blocks until a recorded change matches.
func (log *changeLog) waitFor(t *testing.T, want filer.WatcherChange) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		for _, change := range log.list() {
			if change == want {
				return
			}
		}
		select {
		case <-log.notify:
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for %+v, got %+v", want, log.list())
		}
	}
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

func startWatcher(t *testing.T, dir string, options Options) (*Watcher, *changeLog) {
	t.Helper()
	changes := newChangeLog()
	watcher := New(filer.WatcherOptions{
		Dir:      dir,
		Filter:   imports.NewGitignoreFilter(dir, imports.DefaultExcludes),
		OnChange: changes.record,
	}, options)
	if err := watcher.Init(context.Background()); err != nil {
		t.Fatalf("init watcher: %v", err)
	}
	t.Cleanup(func() { _ = watcher.Close() })
	return watcher, changes
}

func TestInitReportsIncludedFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "src", "a.ts"), "export {}")
	writeFile(t, filepath.Join(dir, "src", "lib", "b.ts"), "export {}")
	writeFile(t, filepath.Join(dir, "node_modules", "pkg", "index.js"), "module.exports = {}")

	watcher, changes := startWatcher(t, dir, Options{})

	want := []filer.WatcherChange{
		{Type: filer.ChangeAdd, Path: filepath.Join(dir, "src", "a.ts")},
		{Type: filer.ChangeAdd, Path: filepath.Join(dir, "src", "lib", "b.ts")},
	}
	if got := changes.list(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
	metrics := watcher.Metrics()
	if metrics.ActiveWatches != 3 || metrics.TrackedFiles != 2 {
		t.Fatalf("unexpected metrics %+v", metrics)
	}
}

func TestInitCatchesFilesCreatedBeforeWatchesExist(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.ts"), "export {}")

	changes := newChangeLog()
	watcher := New(filer.WatcherOptions{
		Dir:      dir,
		OnChange: changes.record,
	}, Options{Debounce: 10 * time.Millisecond})
	t.Cleanup(func() { _ = watcher.Close() })
	late := filepath.Join(dir, "late.ts")
	nested := filepath.Join(dir, "fresh", "b.ts")
	watcher.scanned = func() {
		writeFile(t, late, "export {}")
		writeFile(t, nested, "export {}")
	}
	if err := watcher.Init(context.Background()); err != nil {
		t.Fatalf("init watcher: %v", err)
	}

	want := []filer.WatcherChange{
		{Type: filer.ChangeAdd, Path: filepath.Join(dir, "a.ts")},
		{Type: filer.ChangeAdd, Path: nested},
		{Type: filer.ChangeAdd, Path: late},
	}
	if got := changes.list(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %+v, got %+v", want, got)
	}

	later := filepath.Join(dir, "fresh", "c.ts")
	writeFile(t, later, "export {}")
	changes.waitFor(t, filer.WatcherChange{Type: filer.ChangeAdd, Path: later})
}

func TestWatcherReportsFileLifecycle(t *testing.T) {
	dir := t.TempDir()
	_, changes := startWatcher(t, dir, Options{Debounce: 10 * time.Millisecond})

	path := filepath.Join(dir, "a.ts")
	writeFile(t, path, "export const a = 1")
	changes.waitFor(t, filer.WatcherChange{Type: filer.ChangeAdd, Path: path})

	writeFile(t, path, "export const a = 2")
	changes.waitFor(t, filer.WatcherChange{Type: filer.ChangeUpdate, Path: path})

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	changes.waitFor(t, filer.WatcherChange{Type: filer.ChangeDelete, Path: path})
}

func TestWatcherFollowsNewDirectories(t *testing.T) {
	dir := t.TempDir()
	_, changes := startWatcher(t, dir, Options{Debounce: -1})

	sub := filepath.Join(dir, "routes")
	path := filepath.Join(sub, "page.svelte")
	writeFile(t, path, "<script>import './x'</script>")
	changes.waitFor(t, filer.WatcherChange{Type: filer.ChangeAdd, Path: sub, IsDirectory: true})
	changes.waitFor(t, filer.WatcherChange{Type: filer.ChangeAdd, Path: path})

	if err := os.RemoveAll(sub); err != nil {
		t.Fatalf("remove dir: %v", err)
	}
	changes.waitFor(t, filer.WatcherChange{Type: filer.ChangeDelete, Path: path})
	changes.waitFor(t, filer.WatcherChange{Type: filer.ChangeDelete, Path: sub, IsDirectory: true})
}

func TestWatcherIgnoresExcludedPaths(t *testing.T) {
	dir := t.TempDir()
	_, changes := startWatcher(t, dir, Options{Debounce: -1})

	writeFile(t, filepath.Join(dir, "node_modules", "pkg", "index.js"), "")
	marker := filepath.Join(dir, "marker.ts")
	writeFile(t, marker, "")
	changes.waitFor(t, filer.WatcherChange{Type: filer.ChangeAdd, Path: marker})

	for _, change := range changes.list() {
		if change.Path != marker {
			t.Fatalf("unexpected change %+v", change)
		}
	}
}

func TestInitMissingDirectoryFails(t *testing.T) {
	watcher := New(filer.WatcherOptions{Dir: filepath.Join(t.TempDir(), "missing")}, Options{})
	defer watcher.Close()
	if err := watcher.Init(context.Background()); err == nil {
		t.Fatal("expected init to fail for a missing directory")
	}
}

func TestInitTwiceAndAfterClose(t *testing.T) {
	dir := t.TempDir()
	watcher, _ := startWatcher(t, dir, Options{})
	if err := watcher.Init(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
	if err := watcher.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := watcher.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	closed := New(filer.WatcherOptions{Dir: dir}, Options{})
	_ = closed.Close()
	if err := closed.Init(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestMaxWatches(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a", "x.ts"), "")
	writeFile(t, filepath.Join(dir, "b", "y.ts"), "")

	watcher := New(filer.WatcherOptions{Dir: dir}, Options{MaxWatches: 2})
	defer watcher.Close()
	if err := watcher.Init(context.Background()); !errors.Is(err, ErrMaxWatchesExceeded) {
		t.Fatalf("expected ErrMaxWatchesExceeded, got %v", err)
	}
}

func TestFactoryBuildsWatchers(t *testing.T) {
	factory := Factory(Options{})
	built := factory(filer.WatcherOptions{Dir: t.TempDir()})
	if _, ok := built.(*Watcher); !ok {
		t.Fatalf("expected *Watcher, got %T", built)
	}
	_ = built.Close()
}
