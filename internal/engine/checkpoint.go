package engine

import (
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	_ "modernc.org/sqlite"
)

// Job identifies a copy for checkpointing: the same paths and geometry give
// the same checkpoint.
type Job struct {
	Input      string
	Output     string
	BlockSize  int
	Count      int64
	InputSeek  int64
	OutputSeek int64
}

// CheckpointDB provides SQLite-backed resume state for interrupted copies.
// It stores the watermark: the number of leading blocks of the job known to
// be written.
type CheckpointDB struct {
	db   *sql.DB
	path string

	// Latest unflushed watermark, or -1.
	mu      sync.Mutex
	pending int64
	done    chan struct{}
	stopped bool
}

// OpenCheckpoint opens (or creates) the checkpoint database for job. The DB
// is stored at $XDG_RUNTIME_DIR/ringdd/<job-id>.db or /tmp/ringdd-<job-id>.db.
func OpenCheckpoint(job Job) (*CheckpointDB, error) {
	return openCheckpointAt(checkpointPath(checkpointJobID(job)), job)
}

func openCheckpointAt(dbPath string, job Job) (*CheckpointDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}

	c := &CheckpointDB{
		db:      db,
		path:    dbPath,
		pending: -1,
		done:    make(chan struct{}),
	}

	if err := c.init(job); err != nil {
		db.Close()
		return nil, err
	}

	go c.flushLoop()

	return c, nil
}

func (c *CheckpointDB) init(job Job) error {
	_, err := c.db.Exec(`
		CREATE TABLE IF NOT EXISTS progress (
			id        INTEGER PRIMARY KEY CHECK (id = 0),
			watermark INTEGER NOT NULL,
			updated   INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("create tables: %w", err)
	}

	var storedIn, storedOut string
	row := c.db.QueryRow("SELECT value FROM meta WHERE key = 'input'")
	if err := row.Scan(&storedIn); err == nil {
		row2 := c.db.QueryRow("SELECT value FROM meta WHERE key = 'output'")
		if err := row2.Scan(&storedOut); err == nil {
			if storedIn != job.Input || storedOut != job.Output {
				return fmt.Errorf("checkpoint mismatch: stored %s->%s, got %s->%s",
					storedIn, storedOut, job.Input, job.Output)
			}
		}
		return nil
	}

	_, err = c.db.Exec("INSERT OR REPLACE INTO meta (key, value) VALUES ('input', ?), ('output', ?)",
		job.Input, job.Output)
	if err != nil {
		return fmt.Errorf("store meta: %w", err)
	}
	return nil
}

// Watermark returns the stored watermark, or 0 for a fresh checkpoint.
func (c *CheckpointDB) Watermark() (int64, error) {
	var w int64
	err := c.db.QueryRow("SELECT watermark FROM progress WHERE id = 0").Scan(&w)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read watermark: %w", err)
	}
	return w, nil
}

// Mark records a new watermark. Writes are coalesced and flushed
// periodically; only the latest value is kept.
func (c *CheckpointDB) Mark(watermark int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if watermark > c.pending {
		c.pending = watermark
	}
}

// From returns a Checkpointer for a copy that starts base blocks into the
// job, as a resumed copy does.
func (c *CheckpointDB) From(base int64) Checkpointer {
	return offsetCheckpoint{db: c, base: base}
}

type offsetCheckpoint struct {
	db   *CheckpointDB
	base int64
}

func (o offsetCheckpoint) Mark(watermark int64) { o.db.Mark(o.base + watermark) }

// Flush writes any pending watermark to the database.
func (c *CheckpointDB) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked()
}

func (c *CheckpointDB) flushLocked() error {
	if c.pending < 0 {
		return nil
	}
	_, err := c.db.Exec(
		"INSERT OR REPLACE INTO progress (id, watermark, updated) VALUES (0, ?, ?)",
		c.pending, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("store watermark: %w", err)
	}
	c.pending = -1
	return nil
}

func (c *CheckpointDB) flushLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.Flush(); err != nil {
				slog.Debug("checkpoint flush failed", "error", err)
			}
		}
	}
}

// Close flushes any pending write and closes the database.
func (c *CheckpointDB) Close() error {
	c.mu.Lock()
	if !c.stopped {
		c.stopped = true
		close(c.done)
	}
	flushErr := c.flushLocked()
	c.mu.Unlock()
	if err := c.db.Close(); err != nil {
		return err
	}
	return flushErr
}

// Remove deletes the checkpoint database and its WAL files.
func (c *CheckpointDB) Remove() error {
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(c.path + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return os.Remove(c.path)
}

// Path returns the path to the checkpoint database file.
func (c *CheckpointDB) Path() string {
	return c.path
}

// checkpointJobID computes a deterministic job ID from the job's paths and
// geometry.
func checkpointJobID(job Job) string {
	h := blake3.New()
	h.Write([]byte(job.Input))
	h.Write([]byte{0})
	h.Write([]byte(job.Output))
	h.Write([]byte{0})
	var num [8]byte
	for _, v := range []int64{int64(job.BlockSize), job.Count, job.InputSeek, job.OutputSeek} {
		binary.LittleEndian.PutUint64(num[:], uint64(v)) //nolint:gosec // G115: hashing the bit pattern
		h.Write(num[:])
	}
	digest := h.Sum(nil)
	return hex.EncodeToString(digest[:8])
}

// checkpointPath returns the filesystem path for a checkpoint DB.
func checkpointPath(jobID string) string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "ringdd", jobID+".db")
	}
	return filepath.Join(os.TempDir(), "ringdd-"+jobID+".db")
}
