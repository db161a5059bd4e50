// Package filer keeps an in-memory dependency graph of a source tree in sync
// with the filesystem.
//
// Watcher events are serialized through a change queue: each file is read,
// its imports are parsed and resolved, the graph is updated and listeners are
// notified before the next event is looked at. Init, Close and Watch manage
// the lifecycle. The accessors may be called from any goroutine; nodes they
// and listeners receive are snapshots, except for GetOrCreate and View.
package filer

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"gro/internal/buffer"
	"gro/internal/disknode"
	"gro/internal/graph"
	"gro/internal/imports"
	"gro/internal/logging"
	"gro/internal/metrics"
)

const defaultHistorySize = 256

type Options struct {
	// Root is the watched directory. Files outside it are external.
	Root       string
	NewWatcher WatcherFactory
	// Read defaults to OSReader.
	Read ReadFunc
	// Resolver defaults to imports.NewNodeResolver(nil).
	Resolver imports.Resolver
	// Parser defaults to imports.TreeSitterParser.
	Parser imports.Parser
	// Filter decides which paths under Root are tracked. Nil tracks all.
	Filter      imports.Filter
	Logger      *logging.Logger
	Metrics     *metrics.Registry
	HistorySize int
}

type Filer struct {
	root       string
	newWatcher WatcherFactory
	read       ReadFunc
	resolver   imports.Resolver
	parser     imports.Parser
	filter     imports.Filter
	logger     *logging.Logger
	metrics    *metrics.Registry

	flight singleflight.Group

	mu        sync.RWMutex
	state     State
	epoch     uint64
	files     map[string]*disknode.Disknode
	subs      map[uint64]*subscription
	nextSubID uint64
	watcher   Watcher
	queue     *changeQueue
	initDone  chan struct{}
	// initRunning is set while init owns initDone.
	initRunning bool
	closeDone   chan struct{}
	history     *buffer.Ring[ChangeRecord]
}

func New(options Options) (*Filer, error) {
	if options.Root == "" {
		return nil, ErrNoRoot
	}
	if options.NewWatcher == nil {
		return nil, ErrNoWatcher
	}
	root, err := filepath.Abs(options.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	read := options.Read
	if read == nil {
		read = OSReader
	}
	resolver := options.Resolver
	if resolver == nil {
		resolver = imports.NewNodeResolver(nil)
	}
	parser := options.Parser
	if parser == nil {
		parser = imports.TreeSitterParser{}
	}
	historySize := options.HistorySize
	if historySize <= 0 {
		historySize = defaultHistorySize
	}
	return &Filer{
		root:       root,
		newWatcher: options.NewWatcher,
		read:       read,
		resolver:   resolver,
		parser:     parser,
		filter:     options.Filter,
		logger:     options.Logger.Component("filer"),
		metrics:    options.Metrics,
		state:      StateUninitialized,
		files:      make(map[string]*disknode.Disknode),
		subs:       make(map[uint64]*subscription),
		history:    buffer.NewRing[ChangeRecord](historySize),
	}, nil
}

func (f *Filer) Root() string {
	return f.root
}

// Init starts the watcher and returns once every file it reported has been
// processed. Concurrent callers share one initialization. Cancelling ctx
// stops the caller waiting but not the initialization itself.
func (f *Filer) Init(ctx context.Context) error {
	// Claiming StateInitializing here makes a Close issued after Init wait
	// for the initialization instead of racing it.
	f.mu.Lock()
	if f.state == StateInited {
		f.mu.Unlock()
		return nil
	}
	if f.state == StateUninitialized {
		f.state = StateInitializing
		f.initDone = make(chan struct{})
	}
	initDone := f.initDone
	f.mu.Unlock()

	result := f.flight.DoChan("init", func() (interface{}, error) {
		return nil, f.init()
	})
	select {
	case res := <-result:
		f.releaseInit(initDone)
		return res.Err
	case <-ctx.Done():
		go func() {
			<-result
			f.releaseInit(initDone)
		}()
		return ctx.Err()
	}
}

// releaseInit undoes a claim made by Init that no init run picked up, which
// happens when Init joined a flight that was already finishing.
func (f *Filer) releaseInit(initDone chan struct{}) {
	if initDone == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initDone != initDone || f.initRunning || f.state != StateInitializing {
		return
	}
	f.state = StateUninitialized
	f.initDone = nil
	close(initDone)
}

func (f *Filer) init() error {
	f.mu.Lock()
	if f.state == StateClosing {
		closeDone := f.closeDone
		f.mu.Unlock()
		<-closeDone
		f.mu.Lock()
	}
	if f.state == StateInited {
		f.mu.Unlock()
		return nil
	}
	if f.state != StateInitializing || f.initDone == nil {
		f.state = StateInitializing
		f.initDone = make(chan struct{})
	}
	initDone := f.initDone
	f.initRunning = true
	f.epoch++
	epoch := f.epoch
	queue := newChangeQueue(func(item queueItem) {
		f.process(epoch, item)
	}, f.logger)
	f.queue = queue
	f.mu.Unlock()

	watcher := f.newWatcher(WatcherOptions{
		Dir:    f.root,
		Filter: f.filter,
		OnChange: func(change WatcherChange) {
			f.enqueue(queue, change)
		},
	})

	f.mu.Lock()
	f.watcher = watcher
	f.mu.Unlock()

	ctx := context.Background()
	if err := watcher.Init(ctx); err != nil {
		queue.stop()
		if closeErr := watcher.Close(); closeErr != nil {
			f.logger.Warn("watcher close after failed init", map[string]string{
				"error": closeErr.Error(),
			})
		}
		f.mu.Lock()
		f.epoch++
		f.files = make(map[string]*disknode.Disknode)
		f.watcher = nil
		f.queue = nil
		f.state = StateUninitialized
		f.initDone = nil
		f.initRunning = false
		close(initDone)
		f.mu.Unlock()
		f.metrics.SetTrackedNodes(0)
		return fmt.Errorf("%w: %w", ErrWatcherStart, err)
	}

	if err := queue.wait(ctx); err != nil {
		f.logger.Warn("change queue wait interrupted", map[string]string{"error": err.Error()})
	}

	f.mu.Lock()
	f.state = StateInited
	f.initDone = nil
	f.initRunning = false
	close(initDone)
	size := len(f.files)
	f.mu.Unlock()

	f.logger.Info("filer initialized", map[string]string{
		"root":  f.root,
		"files": fmt.Sprintf("%d", size),
	})
	return nil
}

// Close tears the Filer down: the graph and listener set are cleared and the
// watcher is closed. It is safe to call at any time and more than once. An
// initialization in flight is allowed to finish first. The Filer may be
// initialized again afterwards.
func (f *Filer) Close() error {
	res := <-f.flight.DoChan("close", func() (interface{}, error) {
		return nil, f.close()
	})
	return res.Err
}

func (f *Filer) close() error {
	f.mu.Lock()
	if f.state == StateInitializing {
		initDone := f.initDone
		f.mu.Unlock()
		<-initDone
		f.mu.Lock()
	}
	if f.state != StateInited {
		f.files = make(map[string]*disknode.Disknode)
		f.subs = make(map[uint64]*subscription)
		f.mu.Unlock()
		return nil
	}

	f.state = StateClosing
	f.epoch++
	closeDone := make(chan struct{})
	f.closeDone = closeDone
	queue := f.queue
	watcher := f.watcher
	f.queue = nil
	f.watcher = nil
	f.files = make(map[string]*disknode.Disknode)
	f.subs = make(map[uint64]*subscription)
	f.mu.Unlock()

	if queue != nil {
		queue.stop()
	}
	var err error
	if watcher != nil {
		err = watcher.Close()
	}

	f.mu.Lock()
	f.state = StateUninitialized
	f.closeDone = nil
	close(closeDone)
	f.mu.Unlock()
	f.metrics.SetTrackedNodes(0)

	if err != nil {
		return fmt.Errorf("close watcher: %w", err)
	}
	f.logger.Info("filer closed", map[string]string{"root": f.root})
	return nil
}

func (f *Filer) enqueue(queue *changeQueue, change WatcherChange) {
	if change.IsDirectory {
		return
	}
	change.Path = filepath.Clean(change.Path)
	if queue.push(queueItem{kind: itemChange, change: change}) {
		f.metrics.IncChangeQueued(string(change.Type))
	}
}

func (f *Filer) State() State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state
}

func (f *Filer) Size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.files)
}

// GetByID returns a snapshot of the node tracked under id, or nil. It is a
// graph.Lookup, so graph.FilterDependents can walk snapshots through it.
func (f *Filer) GetByID(id string) *disknode.Disknode {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.files[id].Snapshot()
}

// GetOrCreate returns the node for id, creating an empty one if it is not
// tracked yet. It does not read the file. The result is the live node, the
// same instance for every call; the change queue writes its fields, so read
// them through View or GetByID.
func (f *Filer) GetOrCreate(id string) *disknode.Disknode {
	f.mu.Lock()
	defer f.mu.Unlock()
	node, _ := f.getOrCreateLocked(id)
	return node
}

func (f *Filer) getOrCreateLocked(id string) (*disknode.Disknode, bool) {
	if node, ok := f.files[id]; ok {
		return node, false
	}
	node := disknode.New(id, f.isExternal(id))
	f.files[id] = node
	f.metrics.SetTrackedNodes(len(f.files))
	return node, true
}

func (f *Filer) isExternal(id string) bool {
	if !imports.WithinRoot(f.root, id) {
		return true
	}
	return f.filter != nil && !f.filter(id, false)
}

// Filter returns snapshots of the nodes accepted by predicate sorted by id, or
// nil when none are. predicate sees the live nodes under the read lock and
// must not call back into the Filer.
func (f *Filer) Filter(predicate func(*disknode.Disknode) bool) []*disknode.Disknode {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var matched []*disknode.Disknode
	for _, node := range f.files {
		if predicate == nil || predicate(node) {
			matched = append(matched, node.Snapshot())
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	return matched
}

// FilterDependents runs graph.FilterDependents from the node tracked under id.
func (f *Filer) FilterDependents(id string, predicate func(id string) bool) map[string]struct{} {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return graph.FilterDependents(f.files[id], func(id string) *disknode.Disknode {
		return f.files[id]
	}, predicate)
}

// View runs fn with a lookup of the live nodes while holding the read lock, so
// a walk such as graph.FilterDependents sees one consistent graph. fn must not
// keep the nodes or call back into the Filer.
func (f *Filer) View(fn func(lookup graph.Lookup)) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	fn(func(id string) *disknode.Disknode {
		return f.files[id]
	})
}

// RecentChanges returns the latest changes applied to the graph, oldest first.
func (f *Filer) RecentChanges() []ChangeRecord {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.history.List()
}

func (f *Filer) currentEpoch() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.epoch
}

func (f *Filer) record(change Change) {
	f.history.Add(ChangeRecord{Type: change.Type, ID: change.ID, At: time.Now()})
}
