package filer

import (
	"context"
	"fmt"
	"sync"

	"github.com/emirpasic/gods/queues/linkedlistqueue"

	"gro/internal/logging"
)

type itemKind int

const (
	itemChange itemKind = iota
	// itemRefresh is the deferred first read of an external node.
	itemRefresh
)

type queueItem struct {
	kind   itemKind
	change WatcherChange
}

// changeQueue runs items one at a time in arrival order. A drain goroutine is
// started on demand and exits once the queue is empty.
type changeQueue struct {
	mu       sync.Mutex
	items    *linkedlistqueue.Queue
	draining bool
	stopped  bool
	idle     chan struct{}
	handle   func(queueItem)
	logger   *logging.Logger
}

func newChangeQueue(handle func(queueItem), logger *logging.Logger) *changeQueue {
	return &changeQueue{
		items:  linkedlistqueue.New(),
		handle: handle,
		logger: logger,
	}
}

func (q *changeQueue) push(item queueItem) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return false
	}
	q.items.Enqueue(item)
	if !q.draining {
		q.draining = true
		q.idle = make(chan struct{})
		go q.drain()
	}
	return true
}

func (q *changeQueue) drain() {
	for {
		q.mu.Lock()
		if q.stopped || q.items.Empty() {
			q.draining = false
			close(q.idle)
			q.mu.Unlock()
			return
		}
		value, _ := q.items.Dequeue()
		q.mu.Unlock()
		q.run(value.(queueItem))
	}
}

func (q *changeQueue) run(item queueItem) {
	defer func() {
		if recovered := recover(); recovered != nil {
			q.logger.Error("change handler panicked", map[string]string{
				"path":  item.change.Path,
				"type":  string(item.change.Type),
				"panic": fmt.Sprint(recovered),
			})
		}
	}()
	q.handle(item)
}

// wait blocks until the queue has been observed empty with no drain running.
func (q *changeQueue) wait(ctx context.Context) error {
	for {
		q.mu.Lock()
		if !q.draining {
			q.mu.Unlock()
			return nil
		}
		idle := q.idle
		q.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// stop drops pending items and rejects new ones. An item already running
// finishes on its own.
func (q *changeQueue) stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopped = true
	q.items.Clear()
}

func (q *changeQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Size()
}
