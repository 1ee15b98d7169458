package ui

import (
	"os"

	"golang.org/x/term"
)

// IsTerminal reports whether f is a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd())) //nolint:gosec // G115: fds fit in int
}

// TermWidth returns the width of the terminal on f in columns, or 80.
func TermWidth(f *os.File) int {
	w, _, err := term.GetSize(int(f.Fd())) //nolint:gosec // G115: fds fit in int
	if err != nil || w <= 0 {
		return 80
	}
	return w
}
