//go:build !linux

package platform

// Preallocate is a no-op on non-Linux platforms (fallocate is Linux-only).
func Preallocate(_ *Target, _, _ int64) error { return nil }

// DropCache is a no-op on non-Linux platforms.
func DropCache(_ *Target, _, _ int64) error { return nil }
