package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bamsammich/ringdd/internal/engine"
)

// Summary builds the final report for a copy.
//
//	done ✓  blocks 2,560  size 10.0 MiB  avg 641 MiB/s  time 0s  engine uring
func Summary(cfg engine.Config, res engine.Result) string {
	var b strings.Builder

	avg := 0.0
	if res.Elapsed > 0 {
		avg = float64(res.BytesCopied) / res.Elapsed.Seconds()
	}

	switch {
	case res.Err == nil:
		b.WriteString("done " + styleOK.Render("✓"))
	case errors.Is(res.Err, context.Canceled):
		b.WriteString("interrupted " + styleFailed.Render("✗"))
	default:
		b.WriteString("failed " + styleFailed.Render("✗"))
	}

	fmt.Fprintf(&b, "  blocks %s  size %s  avg %s  time %s",
		FormatCount(res.BlocksCopied),
		FormatBytes(res.BytesCopied),
		FormatRate(avg),
		FormatDuration(res.Elapsed),
	)
	if res.Backend != "" {
		fmt.Fprintf(&b, "  engine %s", res.Backend)
	}

	if res.Err == nil {
		if res.Short {
			fmt.Fprintf(&b, "\nshort: input ended after %s of %s requested blocks",
				FormatCount(res.BlocksCopied), FormatCount(cfg.Count))
		}
		return b.String()
	}

	if hint := ResumeHint(cfg, res); hint != "" {
		b.WriteString("\n" + hint)
	}
	return b.String()
}

// ResumeHint names the flags that continue a failed copy from the first
// block not known to be written. Empty when nothing was planned.
func ResumeHint(cfg engine.Config, res engine.Result) string {
	if res.BlocksPlanned == 0 {
		return ""
	}
	w := res.ResumeBlock
	hint := fmt.Sprintf("resume with: --is %d --os %d", cfg.InputSeek+w, cfg.OutputSeek+w)
	if cfg.Count >= 0 {
		hint += fmt.Sprintf(" --count %d", cfg.Count-w)
	}
	return hint
}
