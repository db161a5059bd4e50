package logging

import (
	"sync"

	"gro/internal/buffer"
)

// LogBuffer retains the most recent entries for inspection.
type LogBuffer struct {
	mu      sync.Mutex
	entries *buffer.Ring[LogEntry]
}

func NewLogBuffer(size int) *LogBuffer {
	return &LogBuffer{
		entries: buffer.NewRing[LogEntry](size),
	}
}

func (b *LogBuffer) Add(entry LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries.Add(entry)
}

func (b *LogBuffer) List() []LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entries.List()
}

// Messages returns the message of each retained entry at or above level.
func (b *LogBuffer) Messages(level Level) []string {
	entries := b.List()
	messages := make([]string, 0, len(entries))
	for _, entry := range entries {
		if levelRank(entry.Level) >= levelRank(level) {
			messages = append(messages, entry.Message)
		}
	}
	return messages
}
