package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Registry collects counters for the Filer's change pipeline and the event
// buses that fan changes out. All methods are safe on a nil receiver.
type Registry struct {
	notifications  atomic.Int64
	listenerPanics atomic.Int64
	externalReads  atomic.Int64
	trackedNodes   atomic.Int64
	changes        sync.Map
	buses          sync.Map
}

type changeStats struct {
	queued        atomic.Int64
	processed     atomic.Int64
	skipped       atomic.Int64
	durationNanos atomic.Int64
}

type busStats struct {
	published   atomic.Int64
	dropped     atomic.Int64
	subscribers atomic.Int64
}

var Default = &Registry{}

func (r *Registry) IncChangeQueued(changeType string) {
	if r == nil {
		return
	}
	r.changeStats(changeType).queued.Add(1)
}

// RecordChange records a handled change. skipped is true when the change left
// the graph untouched and produced no notification.
func (r *Registry) RecordChange(changeType string, duration time.Duration, skipped bool) {
	if r == nil {
		return
	}
	stats := r.changeStats(changeType)
	stats.processed.Add(1)
	stats.durationNanos.Add(duration.Nanoseconds())
	if skipped {
		stats.skipped.Add(1)
	}
}

func (r *Registry) IncNotifications(count int) {
	if r == nil {
		return
	}
	r.notifications.Add(int64(count))
}

func (r *Registry) IncListenerPanics() {
	if r == nil {
		return
	}
	r.listenerPanics.Add(1)
}

func (r *Registry) IncExternalReads() {
	if r == nil {
		return
	}
	r.externalReads.Add(1)
}

func (r *Registry) SetTrackedNodes(count int) {
	if r == nil {
		return
	}
	r.trackedNodes.Store(int64(count))
}

func (r *Registry) IncEventPublished(bus, eventType string) {
	if r == nil {
		return
	}
	r.busStats(bus).published.Add(1)
}

func (r *Registry) IncEventDropped(bus, eventType string) {
	if r == nil {
		return
	}
	r.busStats(bus).dropped.Add(1)
}

func (r *Registry) SetEventSubscriberCounts(bus string, filtered, unfiltered int) {
	if r == nil {
		return
	}
	r.busStats(bus).subscribers.Store(int64(filtered + unfiltered))
}

// Snapshot is a point-in-time copy of the headline counters.
type Snapshot struct {
	Queued         int64
	Processed      int64
	Skipped        int64
	Notifications  int64
	ListenerPanics int64
	ExternalReads  int64
	TrackedNodes   int64
}

func (r *Registry) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	snapshot := Snapshot{
		Notifications:  r.notifications.Load(),
		ListenerPanics: r.listenerPanics.Load(),
		ExternalReads:  r.externalReads.Load(),
		TrackedNodes:   r.trackedNodes.Load(),
	}
	for _, name := range keys(&r.changes) {
		stats := r.changeStats(name)
		snapshot.Queued += stats.queued.Load()
		snapshot.Processed += stats.processed.Load()
		snapshot.Skipped += stats.skipped.Load()
	}
	return snapshot
}

func (r *Registry) WritePrometheus(writer io.Writer) error {
	if r == nil {
		return nil
	}
	writeCounter(writer, "gro_filer_notifications_total", "Listener notifications delivered", r.notifications.Load())
	writeCounter(writer, "gro_filer_listener_panics_total", "Listener invocations that panicked", r.listenerPanics.Load())
	writeCounter(writer, "gro_filer_external_reads_total", "Deferred reads of external files", r.externalReads.Load())
	writeHelp(writer, "gro_filer_nodes", "Disknodes currently tracked")
	fmt.Fprintln(writer, "# TYPE gro_filer_nodes gauge")
	fmt.Fprintf(writer, "gro_filer_nodes %d\n", r.trackedNodes.Load())

	changeTypes := keys(&r.changes)
	writeHelp(writer, "gro_filer_changes_queued_total", "Watcher changes queued")
	fmt.Fprintln(writer, "# TYPE gro_filer_changes_queued_total counter")
	writeHelp(writer, "gro_filer_changes_skipped_total", "Changes that left the graph untouched")
	fmt.Fprintln(writer, "# TYPE gro_filer_changes_skipped_total counter")
	writeHelp(writer, "gro_filer_change_duration_seconds", "Time spent handling changes")
	fmt.Fprintln(writer, "# TYPE gro_filer_change_duration_seconds summary")
	for _, name := range changeTypes {
		stats := r.changeStats(name)
		label := formatLabel(name)
		durationSeconds := float64(stats.durationNanos.Load()) / float64(time.Second)
		fmt.Fprintf(writer, "gro_filer_changes_queued_total{type=%s} %d\n", label, stats.queued.Load())
		fmt.Fprintf(writer, "gro_filer_changes_skipped_total{type=%s} %d\n", label, stats.skipped.Load())
		fmt.Fprintf(writer, "gro_filer_change_duration_seconds_sum{type=%s} %.6f\n", label, durationSeconds)
		fmt.Fprintf(writer, "gro_filer_change_duration_seconds_count{type=%s} %d\n", label, stats.processed.Load())
	}

	busNames := keys(&r.buses)
	writeHelp(writer, "gro_event_published_total", "Events published per bus")
	fmt.Fprintln(writer, "# TYPE gro_event_published_total counter")
	writeHelp(writer, "gro_event_dropped_total", "Events dropped per bus")
	fmt.Fprintln(writer, "# TYPE gro_event_dropped_total counter")
	writeHelp(writer, "gro_event_subscribers", "Subscribers per bus")
	fmt.Fprintln(writer, "# TYPE gro_event_subscribers gauge")
	for _, name := range busNames {
		stats := r.busStats(name)
		label := formatLabel(name)
		fmt.Fprintf(writer, "gro_event_published_total{bus=%s} %d\n", label, stats.published.Load())
		fmt.Fprintf(writer, "gro_event_dropped_total{bus=%s} %d\n", label, stats.dropped.Load())
		fmt.Fprintf(writer, "gro_event_subscribers{bus=%s} %d\n", label, stats.subscribers.Load())
	}
	return nil
}

func (r *Registry) changeStats(name string) *changeStats {
	if strings.TrimSpace(name) == "" {
		name = "unknown"
	}
	value, _ := r.changes.LoadOrStore(name, &changeStats{})
	return value.(*changeStats)
}

func (r *Registry) busStats(name string) *busStats {
	if strings.TrimSpace(name) == "" {
		name = "event_bus"
	}
	value, _ := r.buses.LoadOrStore(name, &busStats{})
	return value.(*busStats)
}

func keys(values *sync.Map) []string {
	var names []string
	values.Range(func(key, value interface{}) bool {
		if name, ok := key.(string); ok {
			names = append(names, name)
		}
		return true
	})
	sort.Strings(names)
	return names
}

func writeHelp(writer io.Writer, metric, help string) {
	fmt.Fprintf(writer, "# HELP %s %s\n", metric, help)
}

func writeCounter(writer io.Writer, metric, help string, value int64) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s counter\n", metric)
	fmt.Fprintf(writer, "%s %d\n", metric, value)
}

func formatLabel(value string) string {
	escaped := strings.ReplaceAll(value, "\\", "\\\\")
	escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
	return fmt.Sprintf("\"%s\"", escaped)
}
