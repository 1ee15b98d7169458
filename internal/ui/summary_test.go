package ui

import (
	"context"
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/bamsammich/ringdd/internal/engine"
	"github.com/bamsammich/ringdd/internal/ring"
)

func TestSummaryDone(t *testing.T) {
	cfg := engine.Config{Count: -1}
	res := engine.Result{
		State:         engine.Done,
		BytesCopied:   2048,
		BlocksCopied:  4,
		BlocksPlanned: 4,
		Backend:       ring.Threads,
		Elapsed:       time.Second,
	}

	s := Summary(cfg, res)
	assert.Contains(t, s, "done")
	assert.Contains(t, s, "blocks 4")
	assert.Contains(t, s, "size 2.0 KiB")
	assert.Contains(t, s, "avg 2.00 KiB/s")
	assert.Contains(t, s, "engine threads")
	assert.NotContains(t, s, "short")
	assert.NotContains(t, s, "resume")
}

func TestSummaryShort(t *testing.T) {
	cfg := engine.Config{Count: 10}
	res := engine.Result{State: engine.Done, BlocksCopied: 3, BlocksPlanned: 3, Short: true}

	s := Summary(cfg, res)
	assert.Contains(t, s, "done")
	assert.Contains(t, s, "short: input ended after 3 of 10 requested blocks")
}

func TestSummaryFailed(t *testing.T) {
	cfg := engine.Config{Count: 20, InputSeek: 1, OutputSeek: 2}
	res := engine.Result{
		State:         engine.Failed,
		BytesCopied:   7 * 512,
		BlocksCopied:  7,
		BlocksPlanned: 20,
		ResumeBlock:   7,
		Err:           &engine.IOError{Op: ring.OpRead, Block: 7, Err: syscall.EIO},
	}

	s := Summary(cfg, res)
	assert.Contains(t, s, "failed")
	assert.Contains(t, s, "size 3.5 KiB")
	assert.Contains(t, s, "resume with: --is 8 --os 9 --count 13")
}

func TestSummaryInterrupted(t *testing.T) {
	cfg := engine.Config{Count: -1}
	res := engine.Result{
		State:         engine.Failed,
		BlocksPlanned: -1,
		ResumeBlock:   3,
		Err:           fmt.Errorf("interrupted: %w", context.Canceled),
	}

	s := Summary(cfg, res)
	assert.Contains(t, s, "interrupted")
	assert.Contains(t, s, "resume with: --is 3 --os 3")
	assert.NotContains(t, s, "--count")
}

func TestSummaryConfigError(t *testing.T) {
	res := engine.Result{
		State: engine.Failed,
		Err:   &engine.ConfigError{Field: "bs", Reason: "must be greater than 0"},
	}
	s := Summary(engine.Config{Count: -1}, res)
	assert.Contains(t, s, "failed")
	assert.NotContains(t, s, "resume")
}
