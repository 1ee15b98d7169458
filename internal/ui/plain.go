package ui

import (
	"context"
	"fmt"
	"strings"
)

// plainReporter appends one progress line per interval, for logs and pipes.
type plainReporter struct {
	cfg Config
}

func (p *plainReporter) Run(ctx context.Context) error {
	tickLoop(ctx, p.cfg, p.printProgress)
	return nil
}

func (p *plainReporter) printProgress() {
	fmt.Fprintln(p.cfg.Writer, plainLine(readStatus(p.cfg.Stats, 0)))
}

func plainLine(s status) string {
	var b strings.Builder
	b.WriteString("progress:")
	if s.pctOK {
		fmt.Fprintf(&b, " %.0f%% %s/%s", s.pct*100,
			FormatBytes(s.snap.BytesCopied), FormatBytes(s.snap.BytesTotal))
	} else {
		fmt.Fprintf(&b, " %s", FormatBytes(s.snap.BytesCopied))
	}
	fmt.Fprintf(&b, " elapsed %s rate %s avg %s",
		FormatDuration(s.snap.Elapsed), FormatRate(s.rate), FormatRate(s.snap.AvgSpeed()))
	if s.pctOK {
		fmt.Fprintf(&b, " eta %s", FormatETA(s.eta))
	}
	return b.String()
}
