package ring

import (
	"errors"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

const maxThreadWorkers = 32

// threads emulates a ring with a fixed set of goroutines issuing blocking
// pread/pwrite. It is the fallback where io_uring is unavailable. Workers
// only touch the request they were handed; completions flow back over a
// channel sized to the outstanding limit so workers never block on it.
type threads struct {
	reqs     chan Request
	results  chan Completion
	wg       sync.WaitGroup
	limit    int
	inflight int
	closed   bool
}

// NewThreads starts a pread/pwrite engine allowing opts.Entries requests in
// flight.
func NewThreads(opts Options) (Engine, error) { //nolint:ireturn // one of several backends
	if opts.Entries < 1 {
		return nil, errors.New("ring entries must be at least 1")
	}
	t := &threads{
		reqs:    make(chan Request, opts.Entries),
		results: make(chan Completion, opts.Entries),
		limit:   opts.Entries,
	}
	workers := min(opts.Entries, maxThreadWorkers)
	t.wg.Add(workers)
	for range workers {
		go t.work()
	}
	return t, nil
}

func (t *threads) work() {
	defer t.wg.Done()
	for req := range t.reqs {
		t.results <- Completion{Token: req.Token, Result: execute(req)}
	}
}

// execute performs req synchronously, returning the byte count or a negative
// errno.
func execute(req Request) int64 {
	for {
		var n int
		var err error
		switch req.Op {
		case OpRead:
			n, err = unix.Pread(req.FD, req.Buf, req.Off)
		case OpWrite:
			n, err = unix.Pwrite(req.FD, req.Buf, req.Off)
		default:
			return -int64(syscall.EINVAL)
		}
		if err == nil {
			return int64(n)
		}
		var errno syscall.Errno
		if !errors.As(err, &errno) {
			return -int64(syscall.EIO)
		}
		if errno != syscall.EINTR {
			return -int64(errno)
		}
	}
}

func (t *threads) backend() Backend { return Threads }

func (t *threads) Cap() int { return t.limit }

func (t *threads) Outstanding() int { return t.inflight }

func (t *threads) Submit(req Request) error {
	if t.closed {
		return ErrClosed
	}
	if len(req.Buf) == 0 {
		return ErrEmptyRequest
	}
	if t.inflight >= t.limit {
		return ErrRingFull
	}
	t.inflight++
	t.reqs <- req
	return nil
}

func (t *threads) Wait(cs []Completion) ([]Completion, error) {
	if t.closed {
		return cs, ErrClosed
	}
	if t.inflight == 0 {
		return cs, ErrIdle
	}

	cs = append(cs, <-t.results)
	t.inflight--
	for {
		select {
		case c := <-t.results:
			cs = append(cs, c)
			t.inflight--
		default:
			return cs, nil
		}
	}
}

func (t *threads) Close() error {
	if t.closed {
		return nil
	}
	if t.inflight > 0 {
		return ErrOutstanding
	}
	t.closed = true
	close(t.reqs)
	t.wg.Wait()
	return nil
}
