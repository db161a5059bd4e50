package watcher

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"gro/internal/filer"
	"gro/internal/imports"
	"gro/internal/logging"
)

// Options controls watcher behavior.
type Options struct {
	Logger *logging.Logger
	// Debounce is the window over which writes to one file are coalesced.
	// Zero uses the default, a negative value reports every write.
	Debounce   time.Duration
	MaxWatches int
	// ErrorHandler is called once restarts have been exhausted.
	ErrorHandler func(error)
}

// Metrics reports watcher activity.
type Metrics struct {
	ActiveWatches   int
	TrackedFiles    int
	EventsDelivered uint64
	EventsCoalesced uint64
	Errors          uint64
	RestartAttempts int
}

// Watcher is the fsnotify-backed filer.Watcher.
type Watcher struct {
	dir      string
	filter   imports.Filter
	onChange func(filer.WatcherChange)
	logger   *logging.Logger

	mutex        sync.Mutex
	watcher      *fsnotify.Watcher
	dirs         map[string]struct{}
	files        map[string]struct{}
	debouncer    *debouncer
	maxWatches   int
	done         chan struct{}
	started      bool
	closed       bool
	errorHandler func(error)
	errorLog     *rate.Limiter
	// scanned runs between the initial scan and adding the watches.
	scanned func()

	restartMutex    sync.Mutex
	restartTimer    *time.Timer
	restartAttempts int

	eventsDelivered uint64
	eventsCoalesced uint64
	errorCount      uint64
}
