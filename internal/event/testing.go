package event

import (
	"sync"
	"testing"
	"time"
)

// EventCollector stores events handed to Collect. The zero value is ready
// to use, so it can be embedded in test recorders.
type EventCollector[T any] struct {
	mu     sync.Mutex
	events []T
}

func NewEventCollector[T any]() *EventCollector[T] {
	return &EventCollector[T]{}
}

func (collector *EventCollector[T]) Collect(event T) {
	if collector == nil {
		return
	}
	collector.mu.Lock()
	collector.events = append(collector.events, event)
	collector.mu.Unlock()
}

func (collector *EventCollector[T]) Events() []T {
	if collector == nil {
		return nil
	}
	collector.mu.Lock()
	defer collector.mu.Unlock()
	return append([]T(nil), collector.events...)
}

// WaitFor polls until at least count events were collected and returns them.
func (collector *EventCollector[T]) WaitFor(t testing.TB, count int, timeout time.Duration) []T {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		events := collector.Events()
		if len(events) >= count {
			return events
		}
		if time.Now().After(deadline) {
			t.Fatalf("collected %d of %d events after %s", len(events), count, timeout)
			return events
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ReceiveWithTimeout waits for a single event or fails the test.
func ReceiveWithTimeout[T any](t testing.TB, ch <-chan T, timeout time.Duration) T {
	t.Helper()
	select {
	case event, ok := <-ch:
		if !ok {
			t.Fatal("event channel closed")
		}
		return event
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for event after %s", timeout)
	}
	var zero T
	return zero
}

// ReceiveType skips events until one of eventType arrives.
func ReceiveType[T Event](t testing.TB, ch <-chan T, eventType string, timeout time.Duration) T {
	t.Helper()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case event, ok := <-ch:
			if !ok {
				t.Fatalf("event channel closed before %s", eventType)
			}
			if event.Type() == eventType {
				return event
			}
		case <-timer.C:
			t.Fatalf("timed out waiting for %s after %s", eventType, timeout)
			var zero T
			return zero
		}
	}
}
