package filer

import (
	"context"
	"errors"
	"time"

	"gro/internal/disknode"
	"gro/internal/imports"
)

var (
	ErrNoRoot       = errors.New("filer root is required")
	ErrNoWatcher    = errors.New("filer watcher factory is required")
	ErrNilListener  = errors.New("listener is required")
	ErrNotInited    = errors.New("filer is not initialized")
	ErrWatcherStart = errors.New("watcher failed to start")
)

type ChangeType string

const (
	ChangeAdd    ChangeType = "add"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// Change is delivered to listeners after the graph has been updated. Node is
// a snapshot taken when the change was applied and is shared by all
// listeners, so it must be treated as read-only.
type Change struct {
	Type ChangeType
	ID   string
	Node *disknode.Disknode
}

type Listener func(Change)

// ChangeRecord is one entry of the Filer's change history.
type ChangeRecord struct {
	Type ChangeType `json:"type" yaml:"type"`
	ID   string     `json:"id" yaml:"id"`
	At   time.Time  `json:"at" yaml:"at"`
}

// WatcherChange is what a watcher reports through OnChange.
type WatcherChange struct {
	Type        ChangeType
	Path        string
	IsDirectory bool
}

type WatcherOptions struct {
	Dir      string
	Filter   imports.Filter
	OnChange func(WatcherChange)
}

// Watcher reports the files under a directory. Init may deliver the initial
// set of files through OnChange before it returns.
type Watcher interface {
	Init(ctx context.Context) error
	Close() error
}

type WatcherFactory func(WatcherOptions) Watcher

type File struct {
	Contents []byte
	Ctime    time.Time
	Mtime    time.Time
}

// ReadFunc reads a file. Missing files are reported with an error matching
// fs.ErrNotExist.
type ReadFunc func(path string) (File, error)

type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateInited        State = "inited"
	StateClosing       State = "closing"
)
