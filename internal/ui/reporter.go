package ui

import (
	"context"
	"io"
	"time"

	"github.com/bamsammich/ringdd/internal/stats"
)

// Reporter prints copy progress until its context ends.
type Reporter interface {
	Run(ctx context.Context) error
}

// Config configures a Reporter.
type Config struct {
	Writer io.Writer
	Stats  stats.ReadTicker
	// IsTTY redraws one status line in place instead of appending lines.
	IsTTY bool
	// Width is the terminal width for in-place output. Zero means 80.
	Width int
	// Interval between reports. Zero means one second.
	Interval time.Duration
}

// NewReporter creates the reporter matching cfg.
//
//nolint:ireturn // plain or tty reporter
func NewReporter(cfg Config) Reporter {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Width <= 0 {
		cfg.Width = 80
	}
	if cfg.IsTTY {
		return &ttyReporter{cfg: cfg}
	}
	return &plainReporter{cfg: cfg}
}

// status is one reading of the collector.
type status struct {
	snap    stats.Snapshot
	pct     float64
	pctOK   bool
	rate    float64
	eta     time.Duration
	history []float64
}

func readStatus(r stats.Reader, sparkWidth int) status {
	s := status{
		snap: r.Snapshot(),
		rate: r.RollingSpeed(5),
		eta:  r.ETA(),
	}
	s.pct, s.pctOK = s.snap.Percent()
	if sparkWidth > 0 {
		s.history = r.SparklineData(sparkWidth)
	}
	return s
}

// tickLoop ticks the collector every interval and calls draw after each
// tick. The first tick comes early so the rate has a sample to show.
func tickLoop(ctx context.Context, cfg Config, draw func()) {
	first := min(250*time.Millisecond, cfg.Interval)
	timer := time.NewTimer(first)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			cfg.Stats.Tick()
			draw()
			timer.Reset(cfg.Interval)
		}
	}
}
