package pipeline

import (
	"io"
	"time"

	"github.com/tarshard/tarshard/internal/event"
	"github.com/tarshard/tarshard/internal/stats"
)

// progressInterval bounds how often the monitor emits Progress events.
const progressInterval = time.Second

// monitorWriter is the pass-through throughput stage on the backup path.
// Every byte is forwarded to next unchanged and in order; the only side
// effects are the atomic byte count and a throttled Progress event.
// Events are sent non-blocking so a stalled sink can never stall the
// stream.
type monitorWriter struct {
	next     io.Writer
	stats    *stats.Collector
	events   chan<- event.Event
	name     string
	lastEmit time.Time
}

func newMonitorWriter(next io.Writer, collector *stats.Collector, events chan<- event.Event, name string) *monitorWriter {
	return &monitorWriter{next: next, stats: collector, events: events, name: name}
}

func (m *monitorWriter) Write(p []byte) (int, error) {
	n, err := m.next.Write(p)
	if n > 0 {
		m.stats.AddBytesStreamed(int64(n))
		m.maybeEmit()
	}
	return n, err
}

// monitorReader is the same stage on the restore path, wrapping the
// chunk-set reader instead of the chunk writer.
type monitorReader struct {
	next     io.Reader
	stats    *stats.Collector
	events   chan<- event.Event
	name     string
	lastEmit time.Time
}

func newMonitorReader(next io.Reader, collector *stats.Collector, events chan<- event.Event, name string) *monitorReader {
	return &monitorReader{next: next, stats: collector, events: events, name: name}
}

func (m *monitorReader) Read(p []byte) (int, error) {
	n, err := m.next.Read(p)
	if n > 0 {
		m.stats.AddBytesStreamed(int64(n))
		m.maybeEmit()
	}
	return n, err
}

func (m *monitorWriter) maybeEmit() {
	if time.Since(m.lastEmit) < progressInterval {
		return
	}
	m.lastEmit = time.Now()
	emitEvent(m.events, event.Event{
		Type:  event.Progress,
		Name:  m.name,
		Bytes: m.stats.BytesStreamed(),
	})
}

func (m *monitorReader) maybeEmit() {
	if time.Since(m.lastEmit) < progressInterval {
		return
	}
	m.lastEmit = time.Now()
	emitEvent(m.events, event.Event{
		Type:  event.Progress,
		Name:  m.name,
		Bytes: m.stats.BytesStreamed(),
	})
}

// emitEvent stamps and sends an event without blocking. Dropping a
// progress line beats wedging the stream behind a slow sink.
func emitEvent(ch chan<- event.Event, e event.Event) {
	if ch == nil {
		return
	}
	e.Timestamp = time.Now()
	select {
	case ch <- e:
	default:
	}
}
