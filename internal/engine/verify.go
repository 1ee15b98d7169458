package engine

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// VerifyConfig names the two ranges a verification pass compares.
type VerifyConfig struct {
	Input        string
	Output       string
	InputOffset  int64
	OutputOffset int64
	Length       int64
	Limiter      *rate.Limiter
}

// VerifyConfigFor describes the ranges a finished copy wrote.
func VerifyConfigFor(cfg Config, res Result) VerifyConfig {
	bs := int64(cfg.BlockSize)
	return VerifyConfig{
		Input:        cfg.Input.Name,
		Output:       cfg.Output.Name,
		InputOffset:  cfg.InputSeek * bs,
		OutputOffset: cfg.OutputSeek * bs,
		Length:       res.BytesCopied,
		Limiter:      cfg.Limiter,
	}
}

// Verify hashes both ranges with BLAKE3, in parallel, and returns an error
// wrapping ErrVerifyMismatch when they differ.
func Verify(ctx context.Context, cfg VerifyConfig) error {
	if cfg.Length <= 0 {
		return nil
	}

	var srcHash, dstHash string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		srcHash, err = HashRange(gctx, cfg.Input, cfg.InputOffset, cfg.Length, cfg.Limiter)
		return err
	})
	g.Go(func() error {
		var err error
		dstHash, err = HashRange(gctx, cfg.Output, cfg.OutputOffset, cfg.Length, cfg.Limiter)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("verify: %w", err)
	}

	slog.Debug("verify", "input_hash", srcHash, "output_hash", dstHash, "bytes", cfg.Length)
	if srcHash != dstHash {
		return fmt.Errorf("%w: %s has %s, %s has %s", ErrVerifyMismatch, cfg.Input, srcHash, cfg.Output, dstHash)
	}
	return nil
}
