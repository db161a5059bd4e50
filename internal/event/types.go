package event

import (
	"time"

	"gro/internal/logging"
)

// Event represents a typed event with an occurrence timestamp.
type Event interface {
	Type() string
	Timestamp() time.Time
}

// FileEvent describes one change applied to the Filer's graph.
type FileEvent struct {
	EventType  string    `json:"type"`
	Path       string    `json:"path"`
	External   bool      `json:"external,omitempty"`
	Exists     bool      `json:"exists"`
	Hash       string    `json:"hash,omitempty"`
	Dependents []string  `json:"dependents,omitempty"`
	OccurredAt time.Time `json:"at"`
}

// NewFileEvent builds a FileEvent; changeType is add, update or delete.
func NewFileEvent(changeType, path string) FileEvent {
	return FileEvent{
		EventType:  "file_" + changeType,
		Path:       path,
		OccurredAt: time.Now().UTC(),
	}
}

func (e FileEvent) Type() string {
	return e.EventType
}

func (e FileEvent) Timestamp() time.Time {
	return e.OccurredAt
}

// FilerEvent captures Filer lifecycle transitions.
type FilerEvent struct {
	EventType  string    `json:"type"`
	Root       string    `json:"root"`
	Files      int       `json:"files"`
	OccurredAt time.Time `json:"at"`
}

func NewFilerEvent(eventType, root string, files int) FilerEvent {
	return FilerEvent{
		EventType:  eventType,
		Root:       root,
		Files:      files,
		OccurredAt: time.Now().UTC(),
	}
}

func (e FilerEvent) Type() string {
	return e.EventType
}

func (e FilerEvent) Timestamp() time.Time {
	return e.OccurredAt
}

// LogEvent carries a log entry on the same stream as file changes.
type LogEvent struct {
	EventType  string            `json:"type"`
	Level      logging.Level     `json:"level"`
	Message    string            `json:"message"`
	Context    map[string]string `json:"context,omitempty"`
	OccurredAt time.Time         `json:"at"`
}

func NewLogEvent(entry logging.LogEntry) LogEvent {
	return LogEvent{
		EventType:  "log",
		Level:      entry.Level,
		Message:    entry.Message,
		Context:    entry.Context,
		OccurredAt: entry.Timestamp,
	}
}

func (e LogEvent) Type() string {
	return e.EventType
}

func (e LogEvent) Timestamp() time.Time {
	return e.OccurredAt
}
