package engine

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
	"golang.org/x/time/rate"
)

// HashRange computes the BLAKE3 hash of length bytes of the file at path
// starting at off, returning the hex-encoded digest. A nil limiter reads at
// full speed.
func HashRange(ctx context.Context, path string, off, length int64, lim *rate.Limiter) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = io.NewSectionReader(f, off, length)
	if lim != nil {
		r = newRateLimitedReader(ctx, r, lim)
	}

	h := blake3.New()
	buf := make([]byte, 32*1024)
	n, err := io.CopyBuffer(h, r, buf)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	if n < length {
		return "", fmt.Errorf("hash %s: %w (got %d of %d bytes)", path, io.ErrUnexpectedEOF, n, length)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
