// Package ring wraps a kernel submission/completion ring behind a small
// interface: tagged read and write requests go in, unordered completions come
// out, and the number of requests in flight is bounded.
package ring

import (
	"errors"
	"fmt"
	"log/slog"
	"syscall"
)

// Op is the kind of a request.
type Op uint8

const (
	OpRead Op = iota + 1
	OpWrite
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	default:
		return "unknown"
	}
}

// Token correlates a completion with the request that produced it. The
// engine never interprets it.
type Token uint64

// Request is one positioned read or write. Buf must stay valid and untouched
// until the matching completion has been returned by Wait.
type Request struct {
	Op    Op
	FD    int
	Off   int64
	Buf   []byte
	Token Token

	// BufIndex names the registered buffer Buf lies in, or -1.
	BufIndex int
}

// Completion reports the outcome of one request: a byte count, possibly
// short, or a negative errno.
type Completion struct {
	Token  Token
	Result int64
}

// Err returns the errno carried by a failed completion, or nil.
func (c Completion) Err() error {
	if c.Result < 0 {
		return syscall.Errno(-c.Result)
	}
	return nil
}

var (
	// ErrRingFull means the request would exceed the outstanding limit.
	// Retry after a completion has been reaped.
	ErrRingFull = errors.New("ring full")
	// ErrIdle is returned by Wait when nothing is outstanding.
	ErrIdle = errors.New("no requests outstanding")
	// ErrOutstanding is returned by Close while requests are in flight.
	ErrOutstanding = errors.New("requests still outstanding")
	// ErrClosed is returned by any call after Close.
	ErrClosed = errors.New("ring closed")
	// ErrEmptyRequest rejects zero-length buffers.
	ErrEmptyRequest = errors.New("empty request buffer")
	// ErrUnsupported means the backend cannot run on this system.
	ErrUnsupported = errors.New("backend not supported on this system")
)

// Engine is a bounded asynchronous I/O ring. Implementations are driven by a
// single goroutine and are not safe for concurrent use.
type Engine interface {
	// Submit queues req. It fails with ErrRingFull when Outstanding() has
	// reached Cap().
	Submit(req Request) error
	// Wait blocks until at least one completion is available and appends
	// every available completion to cs.
	Wait(cs []Completion) ([]Completion, error)
	// Outstanding is the number of submitted requests not yet returned by
	// Wait.
	Outstanding() int
	// Cap is the outstanding limit.
	Cap() int
	// Close releases the ring. It refuses while requests are outstanding.
	Close() error
}

// Backend selects an Engine implementation.
type Backend string

const (
	Auto      Backend = "auto"
	URing     Backend = "uring"
	IOURingGo Backend = "iouring-go"
	Threads   Backend = "threads"
)

// Backends lists the accepted backend names.
var Backends = []Backend{Auto, URing, IOURingGo, Threads}

// ParseBackend validates a backend name.
func ParseBackend(s string) (Backend, error) {
	for _, b := range Backends {
		if string(b) == s {
			return b, nil
		}
	}
	return "", fmt.Errorf("unknown engine %q (want one of %v)", s, Backends)
}

// Options configures a new Engine.
type Options struct {
	// Entries is the outstanding limit.
	Entries int
	// Buffers are regions to register with the kernel, indexed the way
	// Request.BufIndex refers to them. Backends that cannot register
	// ignore them.
	Buffers [][]byte
	// Files are descriptors to register with the kernel.
	Files []int
}

// Open creates an engine for backend b. Auto prefers the raw io_uring
// backend and falls back to threads when the kernel cannot provide it.
//
//nolint:ireturn // one of several backends
func Open(b Backend, opts Options) (Engine, error) {
	if opts.Entries < 1 {
		return nil, fmt.Errorf("ring entries must be at least 1, got %d", opts.Entries)
	}

	switch b {
	case Auto, "":
		if KernelSupportsIOURing() {
			e, err := newURing(opts)
			if err == nil {
				return e, nil
			}
			slog.Debug("io_uring setup failed, using threads", "error", err)
		}
		return NewThreads(opts)
	case URing:
		e, err := newURing(opts)
		if err != nil {
			return nil, err
		}
		return e, nil
	case IOURingGo:
		e, err := newIOURingGo(opts)
		if err != nil {
			return nil, err
		}
		return e, nil
	case Threads:
		return NewThreads(opts)
	default:
		return nil, fmt.Errorf("unknown engine %q", b)
	}
}

// Name reports which backend an engine returned by Open is, or "" for
// engines from elsewhere.
func Name(e Engine) Backend {
	if n, ok := e.(interface{ backend() Backend }); ok {
		return n.backend()
	}
	return ""
}

// fixedBufferCount returns how many of n buffers of size bytes fit under a
// locked-memory limit. A pool that reaches the limit registers one buffer
// fewer than would fit, leaving headroom for the ring's own mappings.
func fixedBufferCount(n, size int, limit uint64) int {
	if limit == ^uint64(0) || size <= 0 {
		return n
	}
	if uint64(n)*uint64(size) < limit {
		return n
	}
	fit := int(limit/uint64(size)) - 1
	return max(0, min(fit, n))
}
