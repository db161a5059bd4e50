package filer

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"

	"gro/internal/event"
	"gro/internal/imports"
	"gro/internal/logging"
	"gro/internal/metrics"
)

const testRoot = "/project"

type memFS struct {
	mu    sync.Mutex
	files map[string]File
	tick  int64
}

func newMemFS(files map[string]string) *memFS {
	m := &memFS{files: make(map[string]File)}
	for path, contents := range files {
		m.write(path, contents)
	}
	return m
}

func (m *memFS) write(path, contents string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tick++
	stamp := time.Unix(1700000000+m.tick, 0)
	m.files[path] = File{Contents: []byte(contents), Ctime: stamp, Mtime: stamp}
}

func (m *memFS) remove(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, path)
}

func (m *memFS) read(path string) (File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	file, ok := m.files[path]
	if !ok {
		return File{}, fs.ErrNotExist
	}
	return file, nil
}

func (m *memFS) has(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[path]
	return ok
}

func (m *memFS) paths(root string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var paths []string
	for path := range m.files {
		if imports.WithinRoot(root, path) {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths
}

var specifierPattern = regexp.MustCompile(`(?:from|import)\s*\(?\s*'([^']+)'`)

type stubParser struct{}

func (stubParser) ParseSpecifiers(path string, contents []byte) ([]string, error) {
	var specifiers []string
	for _, match := range specifierPattern.FindAllStringSubmatch(string(contents), -1) {
		specifiers = append(specifiers, match[1])
	}
	return specifiers, nil
}

// stubResolver resolves relative specifiers against the in-memory files and
// accepts absolute ones as they are.
type stubResolver struct {
	fs *memFS
}

func (r stubResolver) Resolve(specifier, importer string) (string, error) {
	if strings.HasPrefix(specifier, "node:") {
		return "", imports.ErrBuiltin
	}
	if filepath.IsAbs(specifier) {
		return specifier, nil
	}
	base := filepath.Join(filepath.Dir(importer), specifier)
	for _, candidate := range []string{base, base + ".ts"} {
		if r.fs.has(candidate) {
			return candidate, nil
		}
	}
	return "", imports.ErrUnresolved
}

type mockWatcher struct {
	mock.Mock
}

func (m *mockWatcher) Init(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockWatcher) Close() error {
	return m.Called().Error(0)
}

type harness struct {
	fs        *memFS
	filer     *Filer
	watcher   *mockWatcher
	metrics   *metrics.Registry
	logs      *logging.LogBuffer
	factories atomic.Int32

	mu      sync.Mutex
	options WatcherOptions
}

func newHarness(t *testing.T, files map[string]string) *harness {
	t.Helper()
	h := &harness{
		fs:      newMemFS(files),
		watcher: &mockWatcher{},
		metrics: &metrics.Registry{},
		logs:    logging.NewLogBuffer(100),
	}
	logger := logging.NewLoggerWithOutput(h.logs, logging.LevelDebug, nil)
	f, err := New(Options{
		Root: testRoot,
		NewWatcher: func(options WatcherOptions) Watcher {
			h.factories.Add(1)
			h.mu.Lock()
			h.options = options
			h.mu.Unlock()
			return h.watcher
		},
		Read:     h.fs.read,
		Resolver: stubResolver{fs: h.fs},
		Parser:   stubParser{},
		Logger:   logger,
		Metrics:  h.metrics,
	})
	if err != nil {
		t.Fatalf("new filer: %v", err)
	}
	h.filer = f
	return h
}

// expectDefaults scripts a watcher that reports every file under the root on
// Init and closes cleanly.
func (h *harness) expectDefaults() {
	h.watcher.On("Init", mock.Anything).Run(func(mock.Arguments) { h.emitInitial() }).Return(nil)
	h.watcher.On("Close").Return(nil)
}

func (h *harness) emitInitial() {
	for _, path := range h.fs.paths(testRoot) {
		h.emit(WatcherChange{Type: ChangeAdd, Path: path})
	}
}

func (h *harness) emit(change WatcherChange) {
	h.mu.Lock()
	onChange := h.options.OnChange
	h.mu.Unlock()
	onChange(change)
}

func (h *harness) init(t *testing.T) {
	t.Helper()
	if err := h.filer.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
}

func (h *harness) settle(t *testing.T) {
	t.Helper()
	h.filer.mu.RLock()
	queue := h.filer.queue
	h.filer.mu.RUnlock()
	if queue == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := queue.wait(ctx); err != nil {
		t.Fatalf("settle queue: %v", err)
	}
}

type recorder struct {
	event.EventCollector[Change]
}

func (r *recorder) listen(change Change) {
	r.Collect(change)
}

func (r *recorder) list() []Change {
	return r.Events()
}

func (r *recorder) summary() []string {
	var lines []string
	for _, change := range r.list() {
		lines = append(lines, string(change.Type)+" "+change.ID)
	}
	return lines
}

var errBoom = errors.New("boom")

func abc() map[string]string {
	return map[string]string{
		"/project/a.ts": "export const a = 1\n",
		"/project/b.ts": "import { a } from './a'\nexport const b = a\n",
		"/project/c.ts": "import { b } from './b'\nexport const c = b\n",
	}
}
