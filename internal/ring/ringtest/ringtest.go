// Package ringtest provides an in-memory ring.Engine for tests. Requests are
// executed against byte slices when their completion is delivered, so a
// shuffled delivery order is also a shuffled execution order.
package ringtest

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"syscall"

	"github.com/bamsammich/ringdd/internal/ring"
)

// File is an in-memory file addressed by descriptor. Writes past the end
// grow it.
type File struct {
	Data []byte
}

// Action overrides the outcome of one request.
type Action struct {
	// Errno fails the request.
	Errno syscall.Errno
	// Max caps the bytes transferred when Errno is zero.
	Max int
}

// Engine is a simulated ring.
type Engine struct {
	// Rand shuffles and batches completions. Nil delivers every pending
	// request in submission order.
	Rand *rand.Rand
	// Fault, when set, is consulted for every request as it completes.
	Fault func(ring.Request) *Action
	// WaitErr, when set, is returned once by Wait together with the
	// completions it delivers.
	WaitErr error

	mu             sync.Mutex
	files          map[int]*File
	limit          int
	pending        []ring.Request
	history        []ring.Request
	violations     []string
	maxOutstanding int
	closed         bool
}

// New returns an engine allowing limit outstanding requests over files.
func New(limit int, files map[int]*File) *Engine {
	return &Engine{files: files, limit: limit}
}

// Seeded returns an engine that shuffles completions with seed.
func Seeded(limit int, files map[int]*File, seed uint64) *Engine {
	e := New(limit, files)
	e.Rand = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return e
}

func (e *Engine) Cap() int { return e.limit }

func (e *Engine) Outstanding() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func (e *Engine) Submit(req ring.Request) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ring.ErrClosed
	}
	if len(req.Buf) == 0 {
		return ring.ErrEmptyRequest
	}
	if len(e.pending) >= e.limit {
		return ring.ErrRingFull
	}
	if req.BufIndex >= 0 {
		for _, p := range e.pending {
			if p.BufIndex == req.BufIndex {
				e.violations = append(e.violations,
					fmt.Sprintf("buffer %d submitted for %s while %s outstanding", req.BufIndex, req.Op, p.Op))
			}
		}
	}

	e.pending = append(e.pending, req)
	e.history = append(e.history, req)
	e.maxOutstanding = max(e.maxOutstanding, len(e.pending))
	return nil
}

func (e *Engine) Wait(cs []ring.Completion) ([]ring.Completion, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return cs, ring.ErrClosed
	}
	if len(e.pending) == 0 {
		return cs, ring.ErrIdle
	}

	n := len(e.pending)
	if e.Rand != nil {
		e.Rand.Shuffle(len(e.pending), func(i, j int) {
			e.pending[i], e.pending[j] = e.pending[j], e.pending[i]
		})
		n = 1 + e.Rand.IntN(len(e.pending))
	}
	for _, req := range e.pending[:n] {
		cs = append(cs, ring.Completion{Token: req.Token, Result: e.execute(req)})
	}
	e.pending = append(e.pending[:0], e.pending[n:]...)
	if err := e.WaitErr; err != nil {
		e.WaitErr = nil
		return cs, err
	}
	return cs, nil
}

func (e *Engine) execute(req ring.Request) int64 {
	want := len(req.Buf)
	if e.Fault != nil {
		if a := e.Fault(req); a != nil {
			if a.Errno != 0 {
				return -int64(a.Errno)
			}
			want = min(want, a.Max)
		}
	}

	f, ok := e.files[req.FD]
	if !ok {
		return -int64(syscall.EBADF)
	}
	switch req.Op {
	case ring.OpRead:
		if req.Off >= int64(len(f.Data)) {
			return 0
		}
		return int64(copy(req.Buf[:want], f.Data[req.Off:]))
	case ring.OpWrite:
		end := int(req.Off) + want
		if end > len(f.Data) {
			f.Data = append(f.Data, make([]byte, end-len(f.Data))...)
		}
		return int64(copy(f.Data[req.Off:end], req.Buf[:want]))
	default:
		return -int64(syscall.EINVAL)
	}
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	if len(e.pending) > 0 {
		return ring.ErrOutstanding
	}
	e.closed = true
	return nil
}

// Closed reports whether Close succeeded.
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// History returns every accepted request in submission order.
func (e *Engine) History() []ring.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ring.Request(nil), e.history...)
}

// Violations lists requests that were submitted while another request on
// the same buffer was outstanding.
func (e *Engine) Violations() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.violations...)
}

// MaxOutstanding is the high-water mark of outstanding requests.
func (e *Engine) MaxOutstanding() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxOutstanding
}
