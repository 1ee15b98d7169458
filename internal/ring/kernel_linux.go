//go:build linux

package ring

import (
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// KernelSupportsIOURing reports whether the running kernel is at least 5.6,
// the first release with IORING_OP_READ and IORING_OP_WRITE.
func KernelSupportsIOURing() bool {
	var uname unix.Utsname
	if err := unix.Uname(&uname); err != nil {
		return false
	}
	major, minor, ok := parseKernelRelease(unix.ByteSliceToString(uname.Release[:]))
	if !ok {
		return false
	}
	return major > 5 || (major == 5 && minor >= 6)
}

// parseKernelRelease extracts major and minor from a release string such as
// "6.1.0-18-amd64".
func parseKernelRelease(release string) (major, minor int, ok bool) {
	parts := strings.SplitN(release, ".", 3)
	if len(parts) < 2 {
		return 0, 0, false
	}

	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, false
	}

	minorStr := parts[1]
	if idx := strings.IndexFunc(minorStr, func(r rune) bool { return r < '0' || r > '9' }); idx > 0 {
		minorStr = minorStr[:idx]
	}
	minor, err = strconv.Atoi(minorStr)
	if err != nil {
		return 0, 0, false
	}
	return major, minor, true
}
