package stats

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const ringSize = 60

// Reader is the read side of a Collector, used by presenters.
type Reader interface {
	Snapshot() Snapshot
	RollingSpeed(seconds int) float64
	SparklineData(n int) []float64
	ETA() time.Duration
}

// ReadTicker is a Reader that presenters also drive once per second.
type ReadTicker interface {
	Reader
	Tick()
}

// Collector tracks copy statistics using lock-free atomic counters. The
// pipeline writes; presenters only read and Tick.
type Collector struct {
	bytesCopied  atomic.Int64
	blocksCopied atomic.Int64
	bytesTotal   atomic.Int64
	blocksTotal  atomic.Int64
	shortReads   atomic.Int64
	shortWrites  atomic.Int64
	inFlight     atomic.Int64
	startTime    time.Time

	// Ring buffer, written only by Tick.
	mu         sync.Mutex
	throughput [ringSize]int64 // bytes delta per second
	ringIdx    int
	ringCount  int // samples written, capped at ringSize
	lastBytes  int64
}

// NewCollector creates a Collector with startTime set to now. Totals start
// unknown.
func NewCollector() *Collector {
	c := &Collector{startTime: time.Now()}
	c.bytesTotal.Store(-1)
	c.blocksTotal.Store(-1)
	return c
}

// SetTotals records the planned transfer. Negative values mean unknown.
func (c *Collector) SetTotals(blocks, bytes int64) {
	c.blocksTotal.Store(blocks)
	c.bytesTotal.Store(bytes)
}

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	BytesCopied  int64
	BlocksCopied int64
	BytesTotal   int64 // -1 when unknown
	BlocksTotal  int64 // -1 when unknown
	ShortReads   int64
	ShortWrites  int64
	InFlight     int64
	Elapsed      time.Duration
}

func (c *Collector) AddBytesCopied(n int64)  { c.bytesCopied.Add(n) }
func (c *Collector) AddBlocksCopied(n int64) { c.blocksCopied.Add(n) }
func (c *Collector) AddShortReads(n int64)   { c.shortReads.Add(n) }
func (c *Collector) AddShortWrites(n int64)  { c.shortWrites.Add(n) }

// SetInFlight records the number of blocks currently owned by the ring.
func (c *Collector) SetInFlight(n int64) { c.inFlight.Store(n) }

// Snapshot returns a point-in-time read of all counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		BytesCopied:  c.bytesCopied.Load(),
		BlocksCopied: c.blocksCopied.Load(),
		BytesTotal:   c.bytesTotal.Load(),
		BlocksTotal:  c.blocksTotal.Load(),
		ShortReads:   c.shortReads.Load(),
		ShortWrites:  c.shortWrites.Load(),
		InFlight:     c.inFlight.Load(),
		Elapsed:      c.Elapsed(),
	}
}

// Percent returns the fraction of planned bytes copied, in [0,1]. ok is false
// when the total is unknown or zero.
func (s Snapshot) Percent() (pct float64, ok bool) {
	if s.BytesTotal <= 0 {
		return 0, false
	}
	pct = float64(s.BytesCopied) / float64(s.BytesTotal)
	return min(pct, 1), true
}

// AvgSpeed is bytes per second since the collector was created.
func (s Snapshot) AvgSpeed() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.BytesCopied) / s.Elapsed.Seconds()
}

// Tick snapshots the byte delta into the ring buffer. Called 1/sec by the presenter.
func (c *Collector) Tick() {
	current := c.bytesCopied.Load()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.throughput[c.ringIdx] = current - c.lastBytes
	c.lastBytes = current
	c.ringIdx = (c.ringIdx + 1) % ringSize
	if c.ringCount < ringSize {
		c.ringCount++
	}
}

// RollingSpeed returns average bytes/sec over the last n seconds of samples.
func (c *Collector) RollingSpeed(seconds int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := min(seconds, c.ringCount)
	if count <= 0 {
		return 0
	}
	var sum int64
	for i := range count {
		idx := (c.ringIdx - 1 - i + ringSize) % ringSize
		sum += c.throughput[idx]
	}
	return float64(sum) / float64(count)
}

// SparklineData returns the last n bytes/sec samples, oldest first.
func (c *Collector) SparklineData(n int) []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := min(n, c.ringCount)
	if count <= 0 {
		return nil
	}

	data := make([]float64, count)
	for i := range count {
		idx := (c.ringIdx - count + i + ringSize) % ringSize
		data[i] = float64(c.throughput[idx])
	}
	return data
}

// ETA estimates remaining time from the rolling speed. Zero when the total
// is unknown or there is no speed yet.
func (c *Collector) ETA() time.Duration {
	total := c.bytesTotal.Load()
	if total < 0 {
		return 0
	}
	speed := c.RollingSpeed(10)
	if speed <= 0 {
		return 0
	}
	remaining := total - c.bytesCopied.Load()
	if remaining <= 0 {
		return 0
	}
	return time.Duration(float64(remaining)/speed) * time.Second
}

// Elapsed returns time since collector creation.
func (c *Collector) Elapsed() time.Duration {
	return time.Since(c.startTime)
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"blocks=%d/%d bytes=%d/%d short_reads=%d short_writes=%d inflight=%d",
		s.BlocksCopied, s.BlocksTotal, s.BytesCopied, s.BytesTotal,
		s.ShortReads, s.ShortWrites, s.InFlight,
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
