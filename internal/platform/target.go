// Package platform opens copy endpoints and wraps the OS hints applied to
// them.
package platform

import (
	"fmt"
	"io"
	"os"
)

// Kind classifies a copy endpoint.
type Kind int

const (
	Regular Kind = iota
	BlockDevice
	CharDevice
	Other // pipes, sockets
)

func (k Kind) String() string {
	switch k {
	case Regular:
		return "file"
	case BlockDevice:
		return "block device"
	case CharDevice:
		return "char device"
	default:
		return "other"
	}
}

// Target is an open copy endpoint.
type Target struct {
	Name string
	File *os.File
	Kind Kind
	// Size in bytes, or -1 when the endpoint has no size.
	Size int64
}

// OpenInput opens path read-only and detects its size.
func OpenInput(path string) (*Target, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening input: %w", err)
	}
	t, err := newTarget(path, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return t, nil
}

// OpenOutput opens path for writing, creating it if missing. Existing
// contents are never truncated.
func OpenOutput(path string) (*Target, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening output: %w", err)
	}
	t, err := newTarget(path, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return t, nil
}

func newTarget(path string, f *os.File) (*Target, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	t := &Target{Name: path, File: f, Size: -1}
	mode := info.Mode()
	switch {
	case mode.IsRegular():
		t.Kind = Regular
		t.Size = info.Size()
	case mode&os.ModeDevice != 0 && mode&os.ModeCharDevice == 0:
		t.Kind = BlockDevice
		// Block devices report zero in st_size; the end offset is the size.
		size, err := f.Seek(0, io.SeekEnd)
		if err != nil {
			return nil, fmt.Errorf("sizing %s: %w", path, err)
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("rewinding %s: %w", path, err)
		}
		t.Size = size
	case mode&os.ModeCharDevice != 0:
		t.Kind = CharDevice
	default:
		t.Kind = Other
	}
	return t, nil
}

// FD returns the raw descriptor.
func (t *Target) FD() int {
	return int(t.File.Fd()) //nolint:gosec // G115: fd values are small non-negative integers
}

// Sync flushes the endpoint to stable storage. Endpoints without storage
// are a no-op.
func (t *Target) Sync() error {
	if t.Kind != Regular && t.Kind != BlockDevice {
		return nil
	}
	if err := t.File.Sync(); err != nil {
		return fmt.Errorf("fsync %s: %w", t.Name, err)
	}
	return nil
}

func (t *Target) Close() error {
	return t.File.Close()
}
