package engine

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/ringdd/internal/platform"
	"github.com/bamsammich/ringdd/internal/ring"
)

// copyFiles runs a threads-backed copy between two real files.
func copyFiles(t *testing.T, src, dst string, mutate func(*Config)) (Config, Result) {
	t.Helper()

	in, err := platform.OpenInput(src)
	require.NoError(t, err)
	defer in.Close()
	out, err := platform.OpenOutput(dst)
	require.NoError(t, err)
	defer out.Close()

	cfg := Config{
		Input:      EndpointOf(in),
		Output:     EndpointOf(out),
		BlockSize:  DefaultBlockSize,
		Count:      -1,
		RingSize:   16,
		NumBuffers: 8,
		Backend:    ring.Threads,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	res := Run(context.Background(), cfg)
	require.NoError(t, out.Sync())
	return cfg, res
}

func TestCopyFileEndToEnd(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	data := randomData(10<<20, 100)
	require.NoError(t, os.WriteFile(src, data, 0o644))

	cfg, res := copyFiles(t, src, dst, func(c *Config) {
		c.BlockSize = 64 << 10
		c.NoCache = true
	})
	require.NoError(t, res.Err)
	assert.Equal(t, Done, res.State)
	assert.Equal(t, ring.Threads, res.Backend)
	assert.Equal(t, int64(len(data)), res.BytesCopied)
	assert.Equal(t, int64(160), res.BlocksCopied)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.NoError(t, Verify(context.Background(), VerifyConfigFor(cfg, res)))
}

// requireBackend skips the test when b cannot be opened on this machine.
func requireBackend(t *testing.T, b ring.Backend) {
	t.Helper()
	if b == ring.Threads {
		return
	}
	if !ring.KernelSupportsIOURing() {
		t.Skip("io_uring not supported by this kernel")
	}
	e, err := ring.Open(b, ring.Options{Entries: 8})
	if err != nil {
		t.Skipf("%s unavailable: %v", b, err)
	}
	require.NoError(t, e.Close())
}

func TestCopyFileBackends(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	data := randomData(10<<20, 103)
	require.NoError(t, os.WriteFile(src, data, 0o644))

	for _, b := range []ring.Backend{ring.URing, ring.IOURingGo, ring.Threads} {
		t.Run(string(b), func(t *testing.T) {
			requireBackend(t, b)
			dst := filepath.Join(dir, "dst-"+string(b))

			cfg, res := copyFiles(t, src, dst, func(c *Config) {
				c.RingSize, c.NumBuffers = Defaults(0, 0)
				c.Backend = b
			})
			require.NoError(t, res.Err)
			assert.Equal(t, Done, res.State)
			assert.Equal(t, b, res.Backend)
			assert.Equal(t, int64(len(data)), res.BytesCopied)
			assert.Equal(t, int64(10<<20/DefaultBlockSize), res.BlocksCopied)
			assert.Equal(t, res.BlocksCopied, res.ResumeBlock)

			got, err := os.ReadFile(dst)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(data, got), "output differs")
			require.NoError(t, Verify(context.Background(), VerifyConfigFor(cfg, res)))
		})
	}
}

func TestCopyFileCountBeyondInput(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	data := randomData(3*DefaultBlockSize, 101)
	require.NoError(t, os.WriteFile(src, data, 0o644))

	_, res := copyFiles(t, src, dst, func(c *Config) { c.Count = 10 })
	require.NoError(t, res.Err)
	assert.True(t, res.Short)
	assert.Equal(t, int64(3), res.BlocksCopied)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestCopyFileSeekOffsets(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	data := randomData(10*1024, 102)
	require.NoError(t, os.WriteFile(src, data, 0o644))
	prefix := bytes.Repeat([]byte{0xa5}, 5*1024)
	require.NoError(t, os.WriteFile(dst, prefix, 0o644))

	cfg, res := copyFiles(t, src, dst, func(c *Config) {
		c.BlockSize = 1024
		c.InputSeek = 2
		c.OutputSeek = 5
		c.Count = 4
	})
	require.NoError(t, res.Err)
	assert.Equal(t, int64(4*1024), res.BytesCopied)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Len(t, got, 9*1024)
	assert.Equal(t, prefix, got[:5*1024], "bytes before the output seek are untouched")
	assert.Equal(t, data[2*1024:6*1024], got[5*1024:])

	require.NoError(t, Verify(context.Background(), VerifyConfigFor(cfg, res)))
}

func TestCopyFileIntoExisting(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.WriteFile(src, []byte("new!"), 0o644))
	require.NoError(t, os.WriteFile(dst, []byte("old contents"), 0o644))

	_, res := copyFiles(t, src, dst, nil)
	require.NoError(t, res.Err)

	// The output is not truncated.
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "new!contents", string(got))
}

func TestCopyFileResume(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	data := randomData(12*1024, 103)
	require.NoError(t, os.WriteFile(src, data, 0o644))

	job := Job{Input: src, Output: dst, BlockSize: 1024, Count: -1}
	cp, err := OpenCheckpoint(job)
	require.NoError(t, err)

	// First run copies only a prefix, as an interrupted copy would.
	_, res := copyFiles(t, src, dst, func(c *Config) {
		c.BlockSize = 1024
		c.Count = 5
		c.Checkpoint = cp.From(0)
	})
	require.NoError(t, res.Err)
	require.NoError(t, cp.Flush())

	w, err := cp.Watermark()
	require.NoError(t, err)
	require.Equal(t, int64(5), w)

	_, res = copyFiles(t, src, dst, func(c *Config) {
		c.BlockSize = 1024
		c.InputSeek = w
		c.OutputSeek = w
		c.Checkpoint = cp.From(w)
	})
	require.NoError(t, res.Err)
	assert.Equal(t, int64(7), res.BlocksCopied)
	require.NoError(t, cp.Close())
	require.NoError(t, cp.Remove())

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}
