package filer

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"

	"gro/internal/disknode"
	"gro/internal/logging"
)

func TestNewRequiresRootAndWatcher(t *testing.T) {
	if _, err := New(Options{NewWatcher: func(WatcherOptions) Watcher { return nil }}); !errors.Is(err, ErrNoRoot) {
		t.Fatalf("expected ErrNoRoot, got %v", err)
	}
	if _, err := New(Options{Root: testRoot}); !errors.Is(err, ErrNoWatcher) {
		t.Fatalf("expected ErrNoWatcher, got %v", err)
	}
}

func TestInitBuildsDependencyGraph(t *testing.T) {
	h := newHarness(t, abc())
	h.expectDefaults()
	h.init(t)

	if h.filer.State() != StateInited {
		t.Fatalf("expected inited, got %s", h.filer.State())
	}
	if size := h.filer.Size(); size != 3 {
		t.Fatalf("expected 3 files, got %d", size)
	}
	a := h.filer.GetByID("/project/a.ts")
	if a == nil || string(a.Contents) != "export const a = 1\n" {
		t.Fatalf("unexpected node a: %+v", a)
	}
	if a.ContentHash != disknode.Hash(a.Contents) || a.Mtime.IsZero() {
		t.Fatalf("expected hash and mtime on a: %+v", a)
	}
	got := h.filer.FilterDependents("/project/a.ts", nil)
	want := map[string]struct{}{"/project/b.ts": {}, "/project/c.ts": {}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected dependents %v, got %v", want, got)
	}
	assertLinks(t, h.filer)
}

func TestDeleteTombstonesNodeWithDependents(t *testing.T) {
	h := newHarness(t, abc())
	h.expectDefaults()
	h.init(t)

	h.fs.remove("/project/a.ts")
	h.emit(WatcherChange{Type: ChangeDelete, Path: "/project/a.ts"})
	h.settle(t)

	a := h.filer.GetByID("/project/a.ts")
	if a == nil {
		t.Fatal("expected a to be kept while b imports it")
	}
	if a.Exists() || a.Contents != nil || !a.Mtime.IsZero() || a.ContentHash != "" {
		t.Fatalf("expected tombstoned node, got %+v", a)
	}
	b := h.filer.GetByID("/project/b.ts")
	if _, ok := b.Dependencies["/project/a.ts"]; !ok {
		t.Fatal("expected b to keep its link to the tombstone")
	}

	h.fs.remove("/project/c.ts")
	h.emit(WatcherChange{Type: ChangeDelete, Path: "/project/c.ts"})
	h.settle(t)

	if h.filer.GetByID("/project/c.ts") != nil {
		t.Fatal("expected c to be removed")
	}
	b = h.filer.GetByID("/project/b.ts")
	if _, ok := b.Dependents["/project/c.ts"]; ok {
		t.Fatal("expected c to be unlinked from b")
	}
	assertLinks(t, h.filer)
}

func TestDeleteUntrackedPathIsNoop(t *testing.T) {
	h := newHarness(t, abc())
	h.expectDefaults()
	h.init(t)

	events := &recorder{}
	if _, err := h.filer.Watch(context.Background(), events.listen); err != nil {
		t.Fatalf("watch: %v", err)
	}
	before := len(events.list())
	h.emit(WatcherChange{Type: ChangeDelete, Path: "/project/nope.ts"})
	h.settle(t)
	if len(events.list()) != before {
		t.Fatalf("expected no notification, got %v", events.summary())
	}
}

func TestUnchangedUpdatesDoNotNotify(t *testing.T) {
	h := newHarness(t, abc())
	h.expectDefaults()

	events := &recorder{}
	if _, err := h.filer.Watch(context.Background(), events.listen); err != nil {
		t.Fatalf("watch: %v", err)
	}
	replayed := len(events.list())
	if replayed != 3 {
		t.Fatalf("expected 3 replayed adds, got %v", events.summary())
	}

	h.emit(WatcherChange{Type: ChangeUpdate, Path: "/project/b.ts"})
	h.emit(WatcherChange{Type: ChangeUpdate, Path: "/project/b.ts"})
	h.settle(t)
	if got := len(events.list()); got != replayed {
		t.Fatalf("expected no notifications for unchanged file, got %v", events.summary())
	}

	h.fs.write("/project/b.ts", "export const b = 2\n")
	h.emit(WatcherChange{Type: ChangeUpdate, Path: "/project/b.ts"})
	h.settle(t)

	changes := events.list()
	if len(changes) != replayed+1 {
		t.Fatalf("expected one update, got %v", events.summary())
	}
	last := changes[len(changes)-1]
	if last.Type != ChangeUpdate || last.ID != "/project/b.ts" {
		t.Fatalf("unexpected change %+v", last)
	}
	if len(h.filer.FilterDependents("/project/a.ts", nil)) != 0 {
		t.Fatal("expected b to stop depending on a")
	}
	assertLinks(t, h.filer)

	snapshot := h.metrics.Snapshot()
	if snapshot.Skipped < 2 {
		t.Fatalf("expected skipped changes to be counted, got %+v", snapshot)
	}
}

func TestFirstObservationNotifiesEvenWhenMissing(t *testing.T) {
	h := newHarness(t, abc())
	h.expectDefaults()

	events := &recorder{}
	if _, err := h.filer.Watch(context.Background(), events.listen); err != nil {
		t.Fatalf("watch: %v", err)
	}
	h.emit(WatcherChange{Type: ChangeAdd, Path: "/project/ghost.ts"})
	h.settle(t)

	changes := events.list()
	last := changes[len(changes)-1]
	if last.Type != ChangeAdd || last.ID != "/project/ghost.ts" {
		t.Fatalf("expected add for ghost, got %v", events.summary())
	}
	if last.Node.Exists() {
		t.Fatal("expected ghost to have no contents")
	}
}

func TestVanishedFileIsSkipped(t *testing.T) {
	h := newHarness(t, abc())
	h.expectDefaults()

	events := &recorder{}
	if _, err := h.filer.Watch(context.Background(), events.listen); err != nil {
		t.Fatalf("watch: %v", err)
	}
	before := len(events.list())
	h.fs.remove("/project/c.ts")
	h.emit(WatcherChange{Type: ChangeUpdate, Path: "/project/c.ts"})
	h.settle(t)

	if len(events.list()) != before {
		t.Fatalf("expected no notification, got %v", events.summary())
	}
	if !h.filer.GetByID("/project/c.ts").Exists() {
		t.Fatal("expected c to keep its contents until deleted")
	}
}

func TestDirectoryEventsAreIgnored(t *testing.T) {
	h := newHarness(t, abc())
	h.expectDefaults()
	h.init(t)

	h.emit(WatcherChange{Type: ChangeAdd, Path: "/project/lib", IsDirectory: true})
	h.settle(t)
	if h.filer.GetByID("/project/lib") != nil {
		t.Fatal("expected directory to be ignored")
	}
}

func TestBuiltinImportsAreNotTracked(t *testing.T) {
	h := newHarness(t, map[string]string{
		"/project/a.ts": "import fs from 'node:fs'\nimport './missing'\n",
	})
	h.expectDefaults()
	h.init(t)

	if size := h.filer.Size(); size != 1 {
		t.Fatalf("expected only a to be tracked, got %d", size)
	}
	if deps := h.filer.GetByID("/project/a.ts").Dependencies; len(deps) != 0 {
		t.Fatalf("expected no dependencies, got %v", deps)
	}
}

func TestExternalDependencyIsReadAfterResolution(t *testing.T) {
	h := newHarness(t, map[string]string{
		"/project/a.ts":     "import { lib } from '/outside/lib.ts'\n",
		"/outside/lib.ts":   "import './other'\nexport const lib = 1\n",
		"/outside/other.ts": "export const other = 1\n",
	})
	h.expectDefaults()
	h.init(t)

	lib := h.filer.GetByID("/outside/lib.ts")
	if lib == nil || !lib.External {
		t.Fatalf("expected external node, got %+v", lib)
	}
	if !lib.Exists() {
		t.Fatal("expected external contents to be read once the queue settled")
	}
	if lib.Dependents["/project/a.ts"] == nil {
		t.Fatal("expected a to depend on lib")
	}
	if len(lib.Dependencies) != 0 {
		t.Fatalf("expected external node to record no dependencies, got %v", lib.Dependencies)
	}
	if h.filer.GetByID("/outside/other.ts") != nil {
		t.Fatal("expected imports of external files to be ignored")
	}
	if reads := h.metrics.Snapshot().ExternalReads; reads != 1 {
		t.Fatalf("expected one external read, got %d", reads)
	}
}

func TestMissingExternalFileIsTrackedSilently(t *testing.T) {
	h := newHarness(t, abc())
	h.expectDefaults()

	events := &recorder{}
	if _, err := h.filer.Watch(context.Background(), events.listen); err != nil {
		t.Fatalf("watch: %v", err)
	}
	before := len(events.list())

	h.fs.write("/project/d.ts", "import '/outside/missing.ts'\n")
	h.emit(WatcherChange{Type: ChangeAdd, Path: "/project/d.ts"})
	h.settle(t)

	changes := events.list()[before:]
	if len(changes) != 1 || changes[0].ID != "/project/d.ts" {
		t.Fatalf("expected only the add of d, got %v", events.summary())
	}
	missing := h.filer.GetByID("/outside/missing.ts")
	if missing == nil || missing.Exists() || !missing.External {
		t.Fatalf("expected tracked absent external node, got %+v", missing)
	}
	if missing.Dependents["/project/d.ts"] == nil {
		t.Fatal("expected the edge to exist")
	}
}

func TestFilteredPathsAreExternal(t *testing.T) {
	h := newHarness(t, nil)
	h.filer.filter = func(path string, isDir bool) bool {
		return path != "/project/generated.ts"
	}
	if !h.filer.GetOrCreate("/project/generated.ts").External {
		t.Fatal("expected filtered path to be external")
	}
	if h.filer.GetOrCreate("/project/kept.ts").External {
		t.Fatal("expected included path to be internal")
	}
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)

	var wg sync.WaitGroup
	nodes := make([]*disknode.Disknode, 16)
	for i := range nodes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			nodes[i] = h.filer.GetOrCreate("/project/x.ts")
		}(i)
	}
	wg.Wait()

	for _, node := range nodes {
		if node != nodes[0] {
			t.Fatal("expected the same node instance")
		}
	}
	if h.filer.Size() != 1 {
		t.Fatalf("expected one node, got %d", h.filer.Size())
	}
	if nodes[0].ContentHash != "" || nodes[0].Exists() {
		t.Fatalf("expected unpopulated node, got %+v", nodes[0])
	}
}

func TestFilter(t *testing.T) {
	h := newHarness(t, abc())
	if h.filer.Filter(nil) != nil {
		t.Fatal("expected nil for an empty graph")
	}
	h.expectDefaults()
	h.init(t)

	matched := h.filer.Filter(func(node *disknode.Disknode) bool {
		return len(node.Dependencies) > 0
	})
	if len(matched) != 2 || matched[0].ID != "/project/b.ts" || matched[1].ID != "/project/c.ts" {
		t.Fatalf("unexpected filter result %v", matched)
	}
	if h.filer.Filter(func(*disknode.Disknode) bool { return false }) != nil {
		t.Fatal("expected nil when nothing matches")
	}
}

func TestConcurrentInitCreatesOneWatcher(t *testing.T) {
	h := newHarness(t, abc())
	release := make(chan struct{})
	h.watcher.On("Init", mock.Anything).Run(func(mock.Arguments) {
		<-release
		h.emitInitial()
	}).Return(nil)
	h.watcher.On("Close").Return(nil)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.filer.Init(context.Background())
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("init: %v", err)
		}
	}
	if calls := h.factories.Load(); calls != 1 {
		t.Fatalf("expected one watcher, got %d", calls)
	}
	h.watcher.AssertNumberOfCalls(t, "Init", 1)
	if h.filer.Size() != 3 {
		t.Fatalf("expected 3 files, got %d", h.filer.Size())
	}
}

func TestInitContextOnlyBoundsTheWait(t *testing.T) {
	h := newHarness(t, abc())
	release := make(chan struct{})
	h.watcher.On("Init", mock.Anything).Run(func(mock.Arguments) {
		<-release
		h.emitInitial()
	}).Return(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := h.filer.Init(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	close(release)
	h.init(t)
	if h.filer.Size() != 3 {
		t.Fatalf("expected the shared init to finish, got %d files", h.filer.Size())
	}
	h.watcher.AssertNumberOfCalls(t, "Init", 1)
}

func TestConcurrentCloseTearsDownOnce(t *testing.T) {
	h := newHarness(t, abc())
	release := make(chan struct{})
	h.watcher.On("Init", mock.Anything).Run(func(mock.Arguments) { h.emitInitial() }).Return(nil)
	h.watcher.On("Close").Run(func(mock.Arguments) { <-release }).Return(nil)
	h.init(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.filer.Close(); err != nil {
				t.Errorf("close: %v", err)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	h.watcher.AssertNumberOfCalls(t, "Close", 1)
	if h.filer.Size() != 0 || h.filer.State() != StateUninitialized {
		t.Fatalf("expected torn down filer, size=%d state=%s", h.filer.Size(), h.filer.State())
	}
}

func TestCloseWithoutInit(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.filer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := h.filer.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if h.factories.Load() != 0 {
		t.Fatal("expected no watcher to be created")
	}
}

func TestCloseDuringInitLeavesNoState(t *testing.T) {
	h := newHarness(t, abc())
	started := make(chan struct{})
	release := make(chan struct{})
	h.watcher.On("Init", mock.Anything).Run(func(mock.Arguments) {
		close(started)
		<-release
		h.emitInitial()
	}).Return(nil)
	h.watcher.On("Close").Return(nil)

	initErr := make(chan error, 1)
	go func() { initErr <- h.filer.Init(context.Background()) }()
	<-started

	closeErr := make(chan error, 1)
	go func() { closeErr <- h.filer.Close() }()
	time.Sleep(10 * time.Millisecond)
	close(release)

	if err := <-initErr; err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := <-closeErr; err != nil {
		t.Fatalf("close: %v", err)
	}
	if h.filer.Size() != 0 || h.filer.State() != StateUninitialized {
		t.Fatalf("expected no partial state, size=%d state=%s", h.filer.Size(), h.filer.State())
	}
	h.watcher.AssertNumberOfCalls(t, "Close", 1)
}

func TestCloseIssuedRightAfterInitWaitsForIt(t *testing.T) {
	h := newHarness(t, abc())
	release := make(chan struct{})
	h.watcher.On("Init", mock.Anything).Run(func(mock.Arguments) {
		<-release
		h.emitInitial()
	}).Return(nil)
	h.watcher.On("Close").Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.filer.Init(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
	if state := h.filer.State(); state != StateInitializing {
		t.Fatalf("expected initializing right after Init, got %s", state)
	}

	closeErr := make(chan error, 1)
	go func() { closeErr <- h.filer.Close() }()
	select {
	case err := <-closeErr:
		t.Fatalf("close returned before init finished: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	close(release)

	select {
	case err := <-closeErr:
		if err != nil {
			t.Fatalf("close: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("close did not finish")
	}
	if h.filer.Size() != 0 || h.filer.State() != StateUninitialized {
		t.Fatalf("expected close to win, size=%d state=%s", h.filer.Size(), h.filer.State())
	}
	h.watcher.AssertNumberOfCalls(t, "Close", 1)
}

func TestInitFailureResetsAndAllowsRetry(t *testing.T) {
	h := newHarness(t, abc())
	h.watcher.On("Init", mock.Anything).Run(func(mock.Arguments) {
		h.emit(WatcherChange{Type: ChangeAdd, Path: "/project/a.ts"})
	}).Return(errBoom).Once()
	h.watcher.On("Close").Return(errors.New("close failed")).Once()

	err := h.filer.Init(context.Background())
	if !errors.Is(err, errBoom) || !errors.Is(err, ErrWatcherStart) {
		t.Fatalf("expected original init error, got %v", err)
	}
	if h.filer.Size() != 0 || h.filer.State() != StateUninitialized {
		t.Fatalf("expected reset state, size=%d state=%s", h.filer.Size(), h.filer.State())
	}
	if messages := h.logs.Messages(logging.LevelWarning); len(messages) == 0 {
		t.Fatal("expected the cleanup failure to be logged")
	}

	h.expectDefaults()
	h.init(t)
	if h.filer.Size() != 3 {
		t.Fatalf("expected retry to populate the graph, got %d", h.filer.Size())
	}
	if calls := h.factories.Load(); calls != 2 {
		t.Fatalf("expected a fresh watcher per attempt, got %d", calls)
	}
}

func TestCloseReturnsWatcherErrorAfterReset(t *testing.T) {
	h := newHarness(t, abc())
	h.watcher.On("Init", mock.Anything).Run(func(mock.Arguments) { h.emitInitial() }).Return(nil)
	h.watcher.On("Close").Return(errBoom).Once()
	h.watcher.On("Close").Return(nil)
	h.init(t)

	if err := h.filer.Close(); !errors.Is(err, errBoom) {
		t.Fatalf("expected close error, got %v", err)
	}
	if h.filer.Size() != 0 || h.filer.State() != StateUninitialized {
		t.Fatalf("expected reset state, size=%d state=%s", h.filer.Size(), h.filer.State())
	}
	h.init(t)
	if h.filer.Size() != 3 {
		t.Fatalf("expected reinit to work, got %d files", h.filer.Size())
	}
}

func TestRecentChanges(t *testing.T) {
	h := newHarness(t, abc())
	h.expectDefaults()
	h.init(t)

	h.fs.remove("/project/c.ts")
	h.emit(WatcherChange{Type: ChangeDelete, Path: "/project/c.ts"})
	h.settle(t)

	records := h.filer.RecentChanges()
	if len(records) != 4 {
		t.Fatalf("expected 4 records, got %v", records)
	}
	last := records[len(records)-1]
	if last.Type != ChangeDelete || last.ID != "/project/c.ts" || last.At.IsZero() {
		t.Fatalf("unexpected last record %+v", last)
	}
}

func TestStaleQueueItemsAreDiscardedAfterClose(t *testing.T) {
	h := newHarness(t, abc())
	h.expectDefaults()
	h.init(t)

	h.mu.Lock()
	onChange := h.options.OnChange
	h.mu.Unlock()

	if err := h.filer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	onChange(WatcherChange{Type: ChangeAdd, Path: "/project/a.ts"})
	time.Sleep(10 * time.Millisecond)
	if h.filer.Size() != 0 {
		t.Fatalf("expected events from a closed cycle to be dropped, got %d files", h.filer.Size())
	}
}

func assertLinks(t *testing.T, f *Filer) {
	t.Helper()
	f.mu.RLock()
	defer f.mu.RUnlock()
	if err := disknode.VerifyLinks(f.files); err != nil {
		t.Fatalf("verify links: %v", err)
	}
}
