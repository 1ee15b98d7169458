//go:build linux

package ring

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/iceber/iouring-go"
)

// iourGo adapts github.com/iceber/iouring-go. The library reaps CQEs on its
// own goroutine and delivers them over a channel; Wait drains that channel.
type iourGo struct {
	iour     *iouring.IOURing
	results  chan iouring.Result
	limit    int
	inflight int
	closed   bool
}

func newIOURingGo(opts Options) (*iourGo, error) {
	iour, err := iouring.New(uint(opts.Entries)) //nolint:gosec // G115: validated positive by Open
	if err != nil {
		return nil, fmt.Errorf("iouring-go: %w", err)
	}
	return &iourGo{
		iour:    iour,
		results: make(chan iouring.Result, opts.Entries),
		limit:   opts.Entries,
	}, nil
}

func (e *iourGo) backend() Backend { return IOURingGo }

func (e *iourGo) Cap() int { return e.limit }

func (e *iourGo) Outstanding() int { return e.inflight }

func (e *iourGo) Submit(req Request) error {
	if e.closed {
		return ErrClosed
	}
	if len(req.Buf) == 0 {
		return ErrEmptyRequest
	}
	if e.inflight >= e.limit {
		return ErrRingFull
	}

	var prep iouring.PrepRequest
	switch req.Op {
	case OpRead:
		prep = iouring.Pread(req.FD, req.Buf, uint64(req.Off)) //nolint:gosec // G115: offsets are non-negative
	case OpWrite:
		prep = iouring.Pwrite(req.FD, req.Buf, uint64(req.Off)) //nolint:gosec // G115: offsets are non-negative
	default:
		return fmt.Errorf("iouring-go: unsupported op %s", req.Op)
	}

	if _, err := e.iour.SubmitRequest(prep.WithInfo(req.Token), e.results); err != nil {
		return fmt.Errorf("iouring-go submit: %w", err)
	}
	e.inflight++
	return nil
}

func (e *iourGo) Wait(cs []Completion) ([]Completion, error) {
	if e.closed {
		return cs, ErrClosed
	}
	if e.inflight == 0 {
		return cs, ErrIdle
	}

	cs = append(cs, e.completion(<-e.results))
	e.inflight--
	for {
		select {
		case res := <-e.results:
			cs = append(cs, e.completion(res))
			e.inflight--
		default:
			return cs, nil
		}
	}
}

func (e *iourGo) completion(res iouring.Result) Completion {
	tok, _ := res.GetRequestInfo().(Token) //nolint:errcheck // every request carries a Token
	n, err := res.ReturnInt()
	if err != nil {
		var errno syscall.Errno
		if errors.As(err, &errno) {
			return Completion{Token: tok, Result: -int64(errno)}
		}
		return Completion{Token: tok, Result: -int64(syscall.EIO)}
	}
	return Completion{Token: tok, Result: int64(n)}
}

func (e *iourGo) Close() error {
	if e.closed {
		return nil
	}
	if e.inflight > 0 {
		return ErrOutstanding
	}
	e.closed = true
	return e.iour.Close()
}
