package ui

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

const (
	sparklineWidth   = 20
	progressBarWidth = 20

	// Return to column zero and clear the line.
	clearLine = "\r\033[K"
)

// ttyReporter redraws a single status line in place on a terminal.
type ttyReporter struct {
	cfg   Config
	drawn bool
}

func (p *ttyReporter) Run(ctx context.Context) error {
	tickLoop(ctx, p.cfg, p.draw)
	p.clear()
	return nil
}

func (p *ttyReporter) draw() {
	line := ttyLine(readStatus(p.cfg.Stats, sparklineWidth), p.cfg.Width)
	fmt.Fprint(p.cfg.Writer, clearLine+line)
	p.drawn = true
}

func (p *ttyReporter) clear() {
	if !p.drawn {
		return
	}
	io.WriteString(p.cfg.Writer, clearLine) //nolint:errcheck // best effort on a terminal
	p.drawn = false
}

// ttyLine builds the status line, dropping the least useful parts until it
// fits in width columns.
func ttyLine(s status, width int) string {
	var head, bytes string
	if s.pctOK {
		head = fmt.Sprintf("%3.0f%% %s", s.pct*100, styledBar(s.pct, progressBarWidth))
		bytes = fmt.Sprintf("%s / %s", FormatBytes(s.snap.BytesCopied), FormatBytes(s.snap.BytesTotal))
	} else {
		bytes = FormatBytes(s.snap.BytesCopied)
	}
	spark := styleSparkline.Render(Sparkline(s.history, sparklineWidth))
	rate := FormatRate(s.rate)
	avg := styleMuted.Render("avg " + FormatRate(s.snap.AvgSpeed()))
	elapsed := FormatDuration(s.snap.Elapsed)
	eta := ""
	if s.pctOK {
		eta = "eta " + FormatETA(s.eta)
	}

	candidates := [][]string{
		{head, spark, rate, avg, bytes, elapsed, eta},
		{head, rate, avg, bytes, elapsed, eta},
		{head, rate, bytes, eta},
		{rate, bytes},
	}
	var line string
	for _, parts := range candidates {
		line = joinParts(parts)
		if lipgloss.Width(line) < width {
			return line
		}
	}
	return line
}

func joinParts(parts []string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "  ")
}
