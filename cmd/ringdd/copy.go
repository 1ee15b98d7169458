package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bamsammich/ringdd/internal/engine"
	"github.com/bamsammich/ringdd/internal/platform"
	"github.com/bamsammich/ringdd/internal/ring"
	"github.com/bamsammich/ringdd/internal/stats"
	"github.com/bamsammich/ringdd/internal/ui"
)

const (
	exitOK          = 0
	exitFailed      = 1
	exitUsage       = 2
	exitMismatch    = 3
	exitInterrupted = 130
)

type exitError struct {
	code int
	// err is printed by run when set.
	err error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit code %d", e.code)
}

func (e *exitError) Unwrap() error { return e.err }

// exitCode maps a copy error to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, engine.ErrConfig):
		return exitUsage
	case errors.Is(err, engine.ErrVerifyMismatch):
		return exitMismatch
	case errors.Is(err, context.Canceled):
		return exitInterrupted
	default:
		return exitFailed
	}
}

//nolint:gocyclo,revive // cyclomatic,cognitive-complexity: CLI entry point sequences the whole copy
func runCopy(cmd *cobra.Command, opts *options) error {
	stderr := cmd.ErrOrStderr()

	cfg, err := buildConfig(opts)
	if err != nil {
		return &exitError{code: exitCode(err), err: err}
	}

	in, err := platform.OpenInput(opts.input)
	if err != nil {
		return &exitError{code: exitFailed, err: err}
	}
	defer in.Close()
	out, err := platform.OpenOutput(opts.output)
	if err != nil {
		return &exitError{code: exitFailed, err: err}
	}
	defer out.Close()

	cfg.Input = engine.EndpointOf(in)
	cfg.Output = engine.EndpointOf(out)

	var cp *engine.CheckpointDB
	if opts.resume {
		cp, err = openResume(&cfg)
		if err != nil {
			return &exitError{code: exitFailed, err: err}
		}
	}

	// Set up context with signal handling.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var reporter ui.Reporter
	if opts.progress && !opts.quiet {
		collector := stats.NewCollector()
		cfg.Stats = collector
		reporter = ui.NewReporter(ui.Config{
			Writer: stderr,
			Stats:  collector,
			IsTTY:  ui.IsTerminal(os.Stderr),
			Width:  ui.TermWidth(os.Stderr),
		})
	}

	slog.Debug("starting copy",
		"input", cfg.Input.Name,
		"input_kind", in.Kind,
		"input_size", cfg.Input.Size,
		"output", cfg.Output.Name,
		"output_kind", out.Kind,
		"block_size", cfg.BlockSize,
		"count", cfg.Count,
		"engine", cfg.Backend,
	)

	var res engine.Result
	repCtx, stopReporter := context.WithCancel(ctx)
	g := new(errgroup.Group)
	if reporter != nil {
		g.Go(func() error { return reporter.Run(repCtx) })
	}
	g.Go(func() error {
		defer stopReporter()
		res = engine.Run(ctx, cfg)
		return nil
	})
	if err := g.Wait(); err != nil {
		slog.Debug("progress reporter failed", "error", err)
	}
	stop()

	if res.Err == nil && opts.fsync {
		if err := out.Sync(); err != nil {
			res.State = engine.Failed
			res.Err = err
		}
	}

	if !opts.quiet || res.Err != nil {
		fmt.Fprintln(stderr, ui.Summary(cfg, res))
	}

	if cp != nil {
		finishResume(cp, res)
	}

	if res.Err != nil {
		if errors.Is(res.Err, context.Canceled) {
			slog.Warn("copy interrupted", "bytes", res.BytesCopied)
		} else {
			slog.Error("copy failed", "error", res.Err)
		}
		return &exitError{code: exitCode(res.Err)}
	}

	if opts.verify {
		if err := verify(context.Background(), cfg, res, in, out); err != nil {
			if errors.Is(err, engine.ErrVerifyMismatch) {
				slog.Error("verify failed", "error", err)
				return &exitError{code: exitMismatch}
			}
			return &exitError{code: exitFailed, err: err}
		}
	}
	return nil
}

// buildConfig turns the flags into an engine config with no endpoints yet.
func buildConfig(opts *options) (engine.Config, error) {
	if opts.input == "" {
		return engine.Config{}, &engine.ConfigError{Field: "if", Reason: "is required"}
	}
	if opts.output == "" {
		return engine.Config{}, &engine.ConfigError{Field: "of", Reason: "is required"}
	}

	bs, err := parseSize("bs", opts.blockSize)
	if err != nil {
		return engine.Config{}, err
	}
	if bs > engine.MaxBlockSize {
		return engine.Config{}, &engine.ConfigError{Field: "bs", Reason: fmt.Sprintf("must be at most %d", engine.MaxBlockSize)}
	}

	backend, err := ring.ParseBackend(opts.engine)
	if err != nil {
		return engine.Config{}, &engine.ConfigError{Field: "engine", Reason: err.Error()}
	}

	if opts.ringSize < 0 {
		return engine.Config{}, &engine.ConfigError{Field: "ring_size", Reason: "must be greater than 0"}
	}
	if opts.numBuffers < 0 {
		return engine.Config{}, &engine.ConfigError{Field: "num_buffers", Reason: "must be greater than 0"}
	}
	ringSize, numBuffers := engine.Defaults(opts.ringSize, opts.numBuffers)

	cfg := engine.Config{
		BlockSize:  int(bs),
		Count:      opts.count,
		InputSeek:  opts.inputSeek,
		OutputSeek: opts.outputSeek,
		RingSize:   ringSize,
		NumBuffers: numBuffers,
		Backend:    backend,
		NoCache:    opts.noCache,
	}

	if opts.bwLimit != "" {
		limit, err := parseSize("bwlimit", opts.bwLimit)
		if err != nil {
			return engine.Config{}, err
		}
		cfg.Limiter = engine.NewBWLimiter(limit)
	}
	return cfg, nil
}

// parseSize parses a byte size such as 4096, 64K or 1MiB.
func parseSize(field, s string) (int64, error) {
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, &engine.ConfigError{Field: field, Reason: err.Error()}
	}
	if n <= 0 {
		return 0, &engine.ConfigError{Field: field, Reason: "must be greater than 0"}
	}
	return n, nil
}

// openResume opens the checkpoint for the job cfg describes and moves cfg
// past the blocks an earlier run already wrote.
func openResume(cfg *engine.Config) (*engine.CheckpointDB, error) {
	cp, err := engine.OpenCheckpoint(engine.Job{
		Input:      cfg.Input.Name,
		Output:     cfg.Output.Name,
		BlockSize:  cfg.BlockSize,
		Count:      cfg.Count,
		InputSeek:  cfg.InputSeek,
		OutputSeek: cfg.OutputSeek,
	})
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint: %w", err)
	}
	w, err := cp.Watermark()
	if err != nil {
		cp.Close()
		return nil, err
	}
	if w > 0 {
		slog.Info("resuming from checkpoint", "blocks", w, "path", cp.Path())
	}
	skipBlocks(cfg, w)
	cfg.Checkpoint = cp.From(w)
	return cp, nil
}

// skipBlocks advances cfg by w already written blocks. A job with nothing
// left becomes an empty copy.
func skipBlocks(cfg *engine.Config, w int64) {
	if w <= 0 {
		return
	}
	bs := int64(cfg.BlockSize)
	done := cfg.Count >= 0 && w >= cfg.Count
	if cfg.Input.Size >= 0 && (cfg.InputSeek+w)*bs >= cfg.Input.Size {
		done = true
	}
	if done {
		cfg.Count = 0
		return
	}
	cfg.InputSeek += w
	cfg.OutputSeek += w
	if cfg.Count >= 0 {
		cfg.Count -= w
	}
}

// finishResume removes the checkpoint of a finished copy and keeps it for
// anything else.
func finishResume(cp *engine.CheckpointDB, res engine.Result) {
	if err := cp.Close(); err != nil {
		slog.Warn("closing checkpoint", "error", err)
	}
	if res.Err != nil {
		slog.Info("checkpoint kept; rerun with --resume to continue", "path", cp.Path())
		return
	}
	if err := cp.Remove(); err != nil {
		slog.Warn("removing checkpoint", "path", cp.Path(), "error", err)
	}
}

// verify re-reads both copied ranges. Endpoints that cannot be re-read are
// skipped.
func verify(ctx context.Context, cfg engine.Config, res engine.Result, in, out *platform.Target) error {
	for _, t := range []*platform.Target{in, out} {
		if t.Kind != platform.Regular && t.Kind != platform.BlockDevice {
			slog.Warn("skipping verify", "path", t.Name, "kind", t.Kind)
			return nil
		}
	}
	if err := engine.Verify(ctx, engine.VerifyConfigFor(cfg, res)); err != nil {
		return err
	}
	slog.Info("verified", "bytes", res.BytesCopied)
	return nil
}
