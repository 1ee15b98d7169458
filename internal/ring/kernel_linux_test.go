//go:build linux

package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseKernelRelease(t *testing.T) {
	tests := []struct {
		release      string
		major, minor int
		ok           bool
	}{
		{"6.1.0-18-amd64", 6, 1, true},
		{"5.6.0", 5, 6, true},
		{"5.15", 5, 15, true},
		{"4.19.0-rc1", 4, 19, true},
		{"5.10rc2", 5, 10, true},
		{"6", 0, 0, false},
		{"x.y.z", 0, 0, false},
		{"", 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.release, func(t *testing.T) {
			major, minor, ok := parseKernelRelease(tt.release)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.major, major)
			assert.Equal(t, tt.minor, minor)
		})
	}
}
