//go:build linux

package platform

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Preallocate reserves disk space for [off, off+length) of a regular file
// without changing its size. Filesystems without fallocate are not an error.
func Preallocate(t *Target, off, length int64) error {
	if t.Kind != Regular || length <= 0 {
		return nil
	}
	err := unix.Fallocate(t.FD(), unix.FALLOC_FL_KEEP_SIZE, off, length)
	if errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.ENOSYS) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("fallocate %s: %w", t.Name, err)
	}
	return nil
}

// DropCache advises the kernel that [off, off+length) will not be reused.
func DropCache(t *Target, off, length int64) error {
	if t.Kind != Regular && t.Kind != BlockDevice {
		return nil
	}
	if err := unix.Fadvise(t.FD(), off, length, unix.FADV_DONTNEED); err != nil {
		return fmt.Errorf("fadvise %s: %w", t.Name, err)
	}
	return nil
}
