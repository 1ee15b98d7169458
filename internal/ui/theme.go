package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/bamsammich/ringdd/internal/config"
)

// Catppuccin Mocha palette. ApplyTheme overrides it.
var (
	colorGreen = lipgloss.Color("#a6e3a1")
	colorRed   = lipgloss.Color("#f38ba8")
	colorTeal  = lipgloss.Color("#94e2d5")
	colorMuted = lipgloss.Color("#5a6278")
	colorDim   = lipgloss.Color("#3a4055")
)

var (
	styleBarFilled lipgloss.Style
	styleBarEmpty  lipgloss.Style
	styleSparkline lipgloss.Style
	styleMuted     lipgloss.Style
	styleOK        lipgloss.Style
	styleFailed    lipgloss.Style
)

func init() {
	rebuildStyles()
}

func rebuildStyles() {
	styleBarFilled = lipgloss.NewStyle().Foreground(colorGreen)
	styleBarEmpty = lipgloss.NewStyle().Foreground(colorDim)
	styleSparkline = lipgloss.NewStyle().Foreground(colorTeal)
	styleMuted = lipgloss.NewStyle().Foreground(colorMuted)
	styleOK = lipgloss.NewStyle().Foreground(colorGreen).Bold(true)
	styleFailed = lipgloss.NewStyle().Foreground(colorRed).Bold(true)
}

// ApplyTheme overrides palette colors with any set in the config file. Call
// it before any reporter starts.
func ApplyTheme(t config.ThemeConfig) {
	set := func(dst *lipgloss.Color, v *string) {
		if v != nil && *v != "" {
			*dst = lipgloss.Color(*v)
		}
	}
	set(&colorGreen, t.Green)
	set(&colorRed, t.Red)
	set(&colorTeal, t.Teal)
	set(&colorMuted, t.Muted)
	set(&colorDim, t.Dim)
	rebuildStyles()
}

// styledBar is ProgressBar with the filled and empty cells colored.
func styledBar(pct float64, width int) string {
	filled, empty := barCells(pct, width)
	var b strings.Builder
	if filled > 0 {
		b.WriteString(styleBarFilled.Render(strings.Repeat("▪", filled)))
	}
	if empty > 0 {
		b.WriteString(styleBarEmpty.Render(strings.Repeat("□", empty)))
	}
	return b.String()
}
