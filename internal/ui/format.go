package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/bamsammich/ringdd/internal/stats"
)

// FormatRate formats a bytes-per-second rate with binary units.
func FormatRate(bytesPerSec float64) string {
	if bytesPerSec <= 0 {
		return "0 B/s"
	}
	units := []string{"B/s", "KiB/s", "MiB/s", "GiB/s", "TiB/s"}
	val := bytesPerSec
	for _, u := range units {
		if val < 1024 {
			switch {
			case u == "B/s":
				return fmt.Sprintf("%.0f %s", val, u)
			case val < 10:
				return fmt.Sprintf("%.2f %s", val, u)
			case val < 100:
				return fmt.Sprintf("%.1f %s", val, u)
			default:
				return fmt.Sprintf("%.0f %s", val, u)
			}
		}
		val /= 1024
	}
	return fmt.Sprintf("%.1f PiB/s", val)
}

// FormatETA formats a remaining duration; "--" when there is no estimate.
func FormatETA(d time.Duration) string {
	if d <= 0 {
		return "--"
	}
	return FormatDuration(d)
}

// FormatDuration formats elapsed time concisely.
func FormatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60

	if h > 0 {
		return fmt.Sprintf("%dh %02dm %02ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %02ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

// FormatCount formats an integer with comma separators.
func FormatCount(n int64) string {
	if n < 0 {
		return "-" + FormatCount(-n)
	}
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	head := len(s) % 3
	if head > 0 {
		b.WriteString(s[:head])
	}
	for i := head; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

// FormatBytes wraps stats.FormatBytes for UI use.
func FormatBytes(b int64) string {
	return stats.FormatBytes(b)
}

// ProgressBar renders a progress bar of the given width using ▪/□ characters.
func ProgressBar(pct float64, width int) string {
	filled, empty := barCells(pct, width)
	return strings.Repeat("▪", filled) + strings.Repeat("□", empty)
}

func barCells(pct float64, width int) (filled, empty int) {
	if width <= 0 {
		return 0, 0
	}
	pct = min(max(pct, 0), 1)
	filled = min(int(pct*float64(width)), width)
	return filled, width - filled
}
