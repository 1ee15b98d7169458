package engine

import (
	"fmt"
	"math"

	"golang.org/x/time/rate"

	"github.com/bamsammich/ringdd/internal/platform"
	"github.com/bamsammich/ringdd/internal/ring"
	"github.com/bamsammich/ringdd/internal/stats"
)

const (
	DefaultBlockSize  = 4096
	DefaultRingSize   = 256
	DefaultNumBuffers = 128

	// MaxBlockSize keeps one request within a 32-bit SQE length.
	MaxBlockSize = 1 << 30
)

// Endpoint is one side of a copy.
type Endpoint struct {
	Name string
	FD   int
	// Size in bytes, or -1 when unknown.
	Size int64
	// Target, when set, receives OS hints such as preallocation.
	Target *platform.Target
}

// EndpointOf describes an open platform target.
func EndpointOf(t *platform.Target) Endpoint {
	return Endpoint{Name: t.Name, FD: t.FD(), Size: t.Size, Target: t}
}

// Checkpointer records the number of leading blocks known to be written.
type Checkpointer interface {
	Mark(watermark int64)
}

// Config describes one copy job. It is not modified by Run.
type Config struct {
	Input  Endpoint
	Output Endpoint

	BlockSize int
	// Count is the number of blocks to copy, or -1 for all remaining input.
	Count      int64
	InputSeek  int64
	OutputSeek int64

	RingSize   int
	NumBuffers int
	Backend    ring.Backend
	// Ring replaces the engine Run would open. Run closes it.
	Ring ring.Engine

	// Stats receives progress counters. Nil disables them.
	Stats *stats.Collector
	// Limiter throttles reads. Nil means unlimited.
	Limiter *rate.Limiter
	// NoCache drops the page cache behind each copied block.
	NoCache bool
	// Checkpoint is told about watermark progress. Nil disables it.
	Checkpoint Checkpointer
}

// Defaults fills in ring size and buffer count from whichever of the two was
// given. Zero means not given.
func Defaults(ringSize, numBuffers int) (int, int) {
	switch {
	case ringSize > 0 && numBuffers > 0:
		return ringSize, numBuffers
	case ringSize > 0:
		return ringSize, max(1, ringSize/2)
	case numBuffers > 0:
		return 2 * numBuffers, numBuffers
	default:
		return DefaultRingSize, DefaultNumBuffers
	}
}

// Validate checks the job against its endpoints.
func (c Config) Validate() error {
	switch {
	case c.BlockSize <= 0:
		return &ConfigError{Field: "bs", Reason: "must be greater than 0"}
	case c.BlockSize > MaxBlockSize:
		return &ConfigError{Field: "bs", Reason: fmt.Sprintf("must be at most %d", MaxBlockSize)}
	case c.Count < -1:
		return &ConfigError{Field: "count", Reason: "must not be negative"}
	case c.InputSeek < 0:
		return &ConfigError{Field: "is", Reason: "must not be negative"}
	case c.OutputSeek < 0:
		return &ConfigError{Field: "os", Reason: "must not be negative"}
	case c.Ring == nil && c.RingSize < 1:
		return &ConfigError{Field: "ring_size", Reason: "must be greater than 0"}
	case c.NumBuffers < 1:
		return &ConfigError{Field: "num_buffers", Reason: "must be greater than 0"}
	case c.NumBuffers > MaxBuffers:
		return &ConfigError{Field: "num_buffers", Reason: fmt.Sprintf("must be at most %d", MaxBuffers)}
	}

	limit := maxBlocks(c.BlockSize)
	switch {
	case c.InputSeek > limit:
		return &ConfigError{Field: "is", Reason: fmt.Sprintf("must be at most %d at this block size", limit)}
	case c.OutputSeek > limit:
		return &ConfigError{Field: "os", Reason: fmt.Sprintf("must be at most %d at this block size", limit)}
	}

	if c.Input.Size >= 0 && c.InputSeek*int64(c.BlockSize) > c.Input.Size {
		return &ConfigError{
			Field:  "is",
			Reason: fmt.Sprintf("seek of %d blocks is past the end of %s (%d bytes)", c.InputSeek, c.Input.Name, c.Input.Size),
		}
	}

	if n := c.plan(); n > 0 {
		if c.InputSeek > limit-n {
			return &ConfigError{Field: "count", Reason: "input range ends past the largest file offset"}
		}
		if c.OutputSeek > limit-n {
			return &ConfigError{Field: "os", Reason: "output range ends past the largest file offset"}
		}
	}
	return nil
}

// maxBlocks is the largest block count whose byte length fits in an int64.
func maxBlocks(bs int) int64 {
	return math.MaxInt64 / int64(bs)
}

// plan returns the number of blocks to start, or -1 when the input decides
// by running out.
func (c Config) plan() int64 {
	if c.Input.Size < 0 {
		return c.Count
	}
	bs := int64(c.BlockSize)
	avail := c.Input.Size - c.InputSeek*bs
	blocks := (avail + bs - 1) / bs
	if c.Count >= 0 {
		return min(c.Count, blocks)
	}
	return blocks
}

// plannedBytes is the expected transfer, or -1 when unknown.
func (c Config) plannedBytes() int64 {
	bs := int64(c.BlockSize)
	if c.Input.Size < 0 {
		if c.Count < 0 {
			return -1
		}
		return c.Count * bs
	}
	avail := c.Input.Size - c.InputSeek*bs
	if c.Count >= 0 {
		return min(c.plan()*bs, avail)
	}
	return avail
}

// readLen is the number of bytes to request for block.
func (c Config) readLen(block int64) int {
	if c.Input.Size < 0 {
		return c.BlockSize
	}
	bs := int64(c.BlockSize)
	return int(min(bs, c.Input.Size-(c.InputSeek+block)*bs))
}
