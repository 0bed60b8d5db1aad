package stats

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const ringSize = 60

// Collector tracks pipeline statistics using lock-free atomic counters.
// The archive monitor and chunk writer add to it from the stream path;
// presenters only read from it.
type Collector struct {
	entriesArchived  atomic.Int64
	bytesStreamed    atomic.Int64
	chunksWritten    atomic.Int64
	sourcesCompleted atomic.Int64
	sourcesSkipped   atomic.Int64
	sourcesFailed    atomic.Int64
	startTime        time.Time

	// Ring buffer — written only by the presenter's Tick(), not the stream path.
	mu         sync.Mutex
	throughput [ringSize]int64 // bytes delta per second
	ringIdx    int
	ringCount  int // how many samples have been written (capped at ringSize)
	lastBytes  int64
}

// NewCollector creates a Collector with startTime set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// Reader is the read-only view presenters use.
type Reader interface {
	Snapshot() Snapshot
	RollingSpeed(seconds int) float64
	Elapsed() time.Duration
}

// ReadTicker is a Reader that also advances the throughput ring buffer.
type ReadTicker interface {
	Reader
	Tick()
}

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	EntriesArchived  int64
	BytesStreamed    int64
	ChunksWritten    int64
	SourcesCompleted int64
	SourcesSkipped   int64
	SourcesFailed    int64
	Elapsed          time.Duration
}

func (c *Collector) AddEntriesArchived(n int64)  { c.entriesArchived.Add(n) }
func (c *Collector) AddBytesStreamed(n int64)    { c.bytesStreamed.Add(n) }
func (c *Collector) AddChunksWritten(n int64)    { c.chunksWritten.Add(n) }
func (c *Collector) AddSourcesCompleted(n int64) { c.sourcesCompleted.Add(n) }
func (c *Collector) AddSourcesSkipped(n int64)   { c.sourcesSkipped.Add(n) }
func (c *Collector) AddSourcesFailed(n int64)    { c.sourcesFailed.Add(n) }

// BytesStreamed returns the current byte count without a full snapshot.
func (c *Collector) BytesStreamed() int64 { return c.bytesStreamed.Load() }

// Snapshot returns a consistent point-in-time read of all counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		EntriesArchived:  c.entriesArchived.Load(),
		BytesStreamed:    c.bytesStreamed.Load(),
		ChunksWritten:    c.chunksWritten.Load(),
		SourcesCompleted: c.sourcesCompleted.Load(),
		SourcesSkipped:   c.sourcesSkipped.Load(),
		SourcesFailed:    c.sourcesFailed.Load(),
		Elapsed:          c.Elapsed(),
	}
}

// Tick snapshots the byte delta into the ring buffer. Called 1/sec by the presenter.
func (c *Collector) Tick() {
	currentBytes := c.bytesStreamed.Load()

	c.mu.Lock()
	defer c.mu.Unlock()

	bytesDelta := currentBytes - c.lastBytes
	c.lastBytes = currentBytes

	c.throughput[c.ringIdx] = bytesDelta
	c.ringIdx = (c.ringIdx + 1) % ringSize
	if c.ringCount < ringSize {
		c.ringCount++
	}
}

// RollingSpeed returns average bytes/sec over the last n seconds of samples.
func (c *Collector) RollingSpeed(seconds int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := seconds
	if count > c.ringCount {
		count = c.ringCount
	}
	if count == 0 {
		return 0
	}
	var sum int64
	for i := 0; i < count; i++ {
		idx := (c.ringIdx - 1 - i + ringSize) % ringSize
		sum += c.throughput[idx]
	}
	return float64(sum) / float64(count)
}

// Elapsed returns time since collector creation.
func (c *Collector) Elapsed() time.Duration {
	return time.Since(c.startTime)
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"entries=%d bytes=%d chunks=%d completed=%d skipped=%d failed=%d",
		s.EntriesArchived, s.BytesStreamed, s.ChunksWritten,
		s.SourcesCompleted, s.SourcesSkipped, s.SourcesFailed,
	)
}

// FormatBytes returns a human-readable byte count.
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
