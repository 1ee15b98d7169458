package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/eapache/queue"

	"github.com/bamsammich/ringdd/internal/bufpool"
	"github.com/bamsammich/ringdd/internal/platform"
	"github.com/bamsammich/ringdd/internal/ring"
)

// State is the phase of a copy.
type State int

const (
	Running State = iota
	Draining
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the outcome of a copy.
type Result struct {
	State        State
	BytesCopied  int64
	BlocksCopied int64
	// BlocksPlanned is the number of blocks the job set out to copy, or -1
	// when only end of input could end it.
	BlocksPlanned int64
	// Short reports that input ran out before Count blocks were copied.
	Short bool
	// ResumeBlock is the first block, counted from the job's start, that is
	// not known to be written along with every block before it.
	ResumeBlock int64
	Backend     ring.Backend
	Elapsed     time.Duration
	Err         error
}

// Run copies cfg.Input to cfg.Output, blocking until every block is written,
// the input runs out, or the copy fails. Cancelling ctx stops new work; the
// requests already in the ring are drained before Run returns.
func Run(ctx context.Context, cfg Config) Result {
	start := time.Now()
	res := run(ctx, cfg)
	res.Elapsed = time.Since(start)
	return res
}

func run(ctx context.Context, cfg Config) Result {
	if err := cfg.Validate(); err != nil {
		closeRing(cfg.Ring)
		return Result{State: Failed, Err: err}
	}

	planned := cfg.plan()
	if cfg.Stats != nil {
		cfg.Stats.SetTotals(planned, cfg.plannedBytes())
	}
	if planned == 0 {
		closeRing(cfg.Ring)
		return Result{State: Done, Short: cfg.Count > 0, Backend: ring.Name(cfg.Ring)}
	}

	pool, err := bufpool.New(cfg.NumBuffers, cfg.BlockSize)
	if err != nil {
		closeRing(cfg.Ring)
		return Result{State: Failed, BlocksPlanned: planned, Err: fmt.Errorf("buffer pool: %w", err)}
	}

	eng := cfg.Ring
	if eng == nil {
		eng, err = ring.Open(cfg.Backend, ring.Options{
			Entries: cfg.RingSize,
			Buffers: pool.Slices(),
			Files:   []int{cfg.Input.FD, cfg.Output.FD},
		})
		if err != nil {
			_ = pool.Close()
			return Result{State: Failed, BlocksPlanned: planned, Err: fmt.Errorf("opening %s ring: %w", cfg.Backend, err)}
		}
	}

	bs := int64(cfg.BlockSize)
	if n := cfg.plannedBytes(); n > 0 && cfg.Output.Target != nil {
		if err := platform.Preallocate(cfg.Output.Target, cfg.OutputSeek*bs, n); err != nil {
			slog.Debug("preallocation failed", "error", err)
		}
	}

	slog.Debug("copy starting",
		"engine", ring.Name(eng),
		"ring_size", eng.Cap(),
		"buffers", pool.Len(),
		"block_size", bs,
		"planned_blocks", planned,
	)

	p := &pipeline{
		cfg:     cfg,
		ring:    eng,
		pool:    pool,
		retry:   queue.New(),
		bs:      bs,
		planned: planned,
		keep:    math.MaxInt64,
		written: make(map[int64]struct{}),
	}
	p.loop(ctx)
	return p.finish()
}

// pipeline is the state of one run. Only the goroutine in loop touches it.
type pipeline struct {
	cfg  Config
	ring ring.Engine
	pool *bufpool.Pool
	// retry holds buffers whose next request the ring refused.
	retry *queue.Queue
	cs    []ring.Completion

	bs      int64
	planned int64
	next    int64

	eof      bool
	eofBlock int64

	state State
	err   error
	// keep is the first block abandoned while draining. Blocks below it
	// whose reads are already in the ring are still written.
	keep int64

	bytes  int64
	blocks int64

	// watermark is the first block not contiguously written; written holds
	// completed blocks beyond it.
	watermark int64
	written   map[int64]struct{}
}

func (p *pipeline) loop(ctx context.Context) {
	for {
		switch p.state {
		case Running:
			if p.finished() {
				return
			}
			if err := ctx.Err(); err != nil {
				p.abort(fmt.Errorf("interrupted: %w", err))
			} else if err := p.fill(ctx); err != nil {
				p.abort(err)
			}
		case Draining:
			if err := p.resubmit(); err != nil {
				p.abort(err)
			}
		}

		if p.ring.Outstanding() == 0 {
			if p.state == Running && !p.finished() {
				p.abort(errStalled)
			}
			p.discardRetries(0)
			return
		}
		p.report()

		var err error
		p.cs, err = p.ring.Wait(p.cs[:0])
		for _, c := range p.cs {
			p.complete(c)
		}
		if err != nil {
			p.abort(fmt.Errorf("waiting for completions: %w", err))
			return
		}
	}
}

// finished reports whether every block has been written or the input ran
// out with nothing left in flight.
func (p *pipeline) finished() bool {
	if p.pool.Busy() > 0 {
		return false
	}
	return p.eof || (p.planned >= 0 && p.next >= p.planned)
}

// fill resubmits refused requests, then starts reads while a buffer and a
// ring slot are free.
func (p *pipeline) fill(ctx context.Context) error {
	if err := p.resubmit(); err != nil || p.retry.Length() > 0 {
		return err
	}

	for !p.eof && (p.planned < 0 || p.next < p.planned) {
		if p.ring.Outstanding() >= p.ring.Cap() {
			return nil
		}
		b, ok := p.pool.Acquire()
		if !ok {
			return nil
		}
		b.Block = p.next
		b.Length = p.cfg.readLen(p.next)

		if err := p.throttle(ctx, b.Length); err != nil {
			p.pool.Release(b)
			return err
		}
		err := p.submit(b)
		if errors.Is(err, ring.ErrRingFull) {
			p.pool.Release(b)
			return nil
		}
		if err != nil {
			p.pool.Release(b)
			return err
		}
		p.next++
	}
	return nil
}

// resubmit retries refused requests in order until the ring refuses again.
func (p *pipeline) resubmit() error {
	for p.retry.Length() > 0 {
		b := p.retry.Peek().(*bufpool.Buffer) //nolint:errcheck,forcetypeassert // queue holds only buffers
		err := p.submit(b)
		if errors.Is(err, ring.ErrRingFull) {
			return nil
		}
		p.retry.Remove()
		if err != nil {
			p.drop(b)
			return err
		}
	}
	return nil
}

func (p *pipeline) throttle(ctx context.Context, n int) error {
	if p.cfg.Limiter == nil {
		return nil
	}
	if err := waitN(ctx, p.cfg.Limiter, n); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	return nil
}

// submit issues the next request for b: the rest of its read while it is
// Reading, the rest of its write while it is PendingWrite.
func (p *pipeline) submit(b *bufpool.Buffer) error {
	var req ring.Request
	switch b.State() {
	case bufpool.Reading:
		req = p.request(b, ring.OpRead, p.cfg.Input.FD, p.cfg.InputSeek)
	case bufpool.PendingWrite:
		req = p.request(b, ring.OpWrite, p.cfg.Output.FD, p.cfg.OutputSeek)
		if err := p.pool.SetState(b, bufpool.Writing); err != nil {
			return err
		}
	default:
		return fmt.Errorf("submit buffer %d in state %s", b.Index, b.State())
	}

	if err := p.ring.Submit(req); err != nil {
		if req.Op == ring.OpWrite {
			_ = p.pool.SetState(b, bufpool.PendingWrite)
		}
		if errors.Is(err, ring.ErrRingFull) {
			return err
		}
		return &IOError{Op: req.Op, Block: b.Block, Offset: req.Off, Err: err}
	}
	return nil
}

func (p *pipeline) request(b *bufpool.Buffer, op ring.Op, fd int, seek int64) ring.Request {
	return ring.Request{
		Op:       op,
		FD:       fd,
		Off:      (seek+b.Block)*p.bs + int64(b.Done),
		Buf:      b.Bytes()[b.Done:b.Length],
		Token:    packToken(op, b.Index, b.Done),
		BufIndex: b.Index,
	}
}

// submitOrQueue submits b's next request, parking b on the retry queue when
// the ring is full.
func (p *pipeline) submitOrQueue(b *bufpool.Buffer) {
	err := p.submit(b)
	if err == nil {
		return
	}
	if errors.Is(err, ring.ErrRingFull) {
		p.retry.Add(b)
		return
	}
	p.drop(b)
	p.abort(err)
}

func (p *pipeline) complete(c ring.Completion) {
	op, idx, done := unpackToken(c.Token)
	b := p.pool.Buffer(idx)
	switch op {
	case ring.OpRead:
		p.readDone(b, done, c)
	case ring.OpWrite:
		p.writeDone(b, done, c)
	default:
		panic(fmt.Sprintf("engine: completion with unknown op in token %#x", c.Token))
	}
}

func (p *pipeline) readDone(b *bufpool.Buffer, done int, c ring.Completion) {
	off := (p.cfg.InputSeek+b.Block)*p.bs + int64(done)
	if err := c.Err(); err != nil {
		p.pool.Release(b)
		p.abort(&IOError{Op: ring.OpRead, Block: b.Block, Offset: off, Err: err})
		return
	}
	if p.abandoned(b) || (p.eof && b.Block >= p.eofBlock) {
		p.pool.Release(b)
		return
	}

	n := int(c.Result)
	if n == 0 {
		if done == 0 {
			slog.Debug("end of input", "block", b.Block, "offset", off)
			p.markEOF(b.Block)
			p.pool.Release(b)
			return
		}
		// Input ended inside this block.
		b.Length = done
		p.markEOF(b.Block + 1)
	} else {
		b.Done = done + n
		if b.Done < b.Length {
			p.shortRead(b, off, n)
			return
		}
	}

	b.Done = 0
	if err := p.pool.SetState(b, bufpool.PendingWrite); err != nil {
		panic(err)
	}
	p.submitOrQueue(b)
}

func (p *pipeline) shortRead(b *bufpool.Buffer, off int64, n int) {
	slog.Debug("short read", "block", b.Block, "offset", off, "bytes", n, "want", b.Length-b.Done+n)
	if p.cfg.Stats != nil {
		p.cfg.Stats.AddShortReads(1)
	}
	p.submitOrQueue(b)
}

func (p *pipeline) writeDone(b *bufpool.Buffer, done int, c ring.Completion) {
	off := (p.cfg.OutputSeek+b.Block)*p.bs + int64(done)
	if err := c.Err(); err != nil {
		p.pool.Release(b)
		p.abort(&IOError{Op: ring.OpWrite, Block: b.Block, Offset: off, Err: err})
		return
	}

	n := int(c.Result)
	if n == 0 {
		p.pool.Release(b)
		p.abort(&IOError{Op: ring.OpWrite, Block: b.Block, Offset: off, Err: io.ErrShortWrite})
		return
	}

	b.Done = min(done+n, b.Length)
	if b.Done < b.Length {
		if p.cfg.Stats != nil {
			p.cfg.Stats.AddShortWrites(1)
		}
		if p.abandoned(b) {
			p.pool.Release(b)
			return
		}
		slog.Debug("short write", "block", b.Block, "offset", off, "bytes", n, "remaining", b.Length-b.Done)
		if err := p.pool.SetState(b, bufpool.PendingWrite); err != nil {
			panic(err)
		}
		p.submitOrQueue(b)
		return
	}

	p.commit(b)
	p.pool.Release(b)
}

// commit accounts a fully written block.
func (p *pipeline) commit(b *bufpool.Buffer) {
	n := int64(b.Length)
	p.bytes += n
	p.blocks++
	if p.cfg.Stats != nil {
		p.cfg.Stats.AddBytesCopied(n)
		p.cfg.Stats.AddBlocksCopied(1)
	}

	if p.cfg.NoCache {
		p.dropCache(b)
	}

	if b.Block != p.watermark {
		p.written[b.Block] = struct{}{}
		return
	}
	p.watermark++
	for {
		if _, ok := p.written[p.watermark]; !ok {
			break
		}
		delete(p.written, p.watermark)
		p.watermark++
	}
	if p.cfg.Checkpoint != nil {
		p.cfg.Checkpoint.Mark(p.watermark)
	}
}

func (p *pipeline) dropCache(b *bufpool.Buffer) {
	n := int64(b.Length)
	if t := p.cfg.Input.Target; t != nil {
		if err := platform.DropCache(t, (p.cfg.InputSeek+b.Block)*p.bs, n); err != nil {
			slog.Debug("dropping input cache", "block", b.Block, "error", err)
		}
	}
	if t := p.cfg.Output.Target; t != nil {
		if err := platform.DropCache(t, (p.cfg.OutputSeek+b.Block)*p.bs, n); err != nil {
			slog.Debug("dropping output cache", "block", b.Block, "error", err)
		}
	}
}

func (p *pipeline) markEOF(block int64) {
	if !p.eof || block < p.eofBlock {
		p.eofBlock = block
	}
	p.eof = true
}

// abortedAt returns the first block an error gives up on. An I/O error
// spares the blocks before it; anything else, such as an interrupt, spares
// none.
func abortedAt(err error) int64 {
	var ioErr *IOError
	if errors.As(err, &ioErr) {
		return ioErr.Block
	}
	return 0
}

// abort records err and switches to draining. Only the first error is kept,
// but every error can lower the block at which work is abandoned.
func (p *pipeline) abort(err error) {
	if p.err == nil {
		p.err = err
	} else {
		slog.Debug("additional error while draining", "error", err)
	}
	p.keep = min(p.keep, abortedAt(err))
	if p.state == Running {
		p.state = Draining
		slog.Debug("draining", "outstanding", p.ring.Outstanding(), "keep_below", p.keep, "error", err)
	}
	p.discardRetries(p.keep)
}

// abandoned reports whether b's block is no longer worth finishing.
func (p *pipeline) abandoned(b *bufpool.Buffer) bool {
	return p.state != Running && b.Block >= p.keep
}

// discardRetries frees queued buffers for blocks at or beyond from.
func (p *pipeline) discardRetries(from int64) {
	for range p.retry.Length() {
		b := p.retry.Remove().(*bufpool.Buffer) //nolint:forcetypeassert // queue holds only buffers
		if b.Block >= from {
			p.drop(b)
			continue
		}
		p.retry.Add(b)
	}
}

// drop frees a buffer that has no request in the ring.
func (p *pipeline) drop(b *bufpool.Buffer) {
	if b.State() == bufpool.PendingWrite {
		p.pool.Discard(b)
		return
	}
	p.pool.Release(b)
}

func (p *pipeline) report() {
	if p.cfg.Stats != nil {
		p.cfg.Stats.SetInFlight(int64(p.pool.Busy()))
	}
}

func (p *pipeline) finish() Result {
	res := Result{
		BytesCopied:   p.bytes,
		BlocksCopied:  p.blocks,
		BlocksPlanned: p.planned,
		ResumeBlock:   p.watermark,
		Backend:       ring.Name(p.ring),
		Err:           p.err,
	}

	if p.ring.Outstanding() == 0 {
		if err := p.ring.Close(); err != nil && res.Err == nil {
			res.Err = fmt.Errorf("closing ring: %w", err)
		}
		if err := p.pool.Close(); err != nil && res.Err == nil {
			res.Err = fmt.Errorf("releasing buffers: %w", err)
		}
	} else {
		// The kernel may still write into the arena; leave it mapped.
		slog.Warn("ring abandoned with requests outstanding", "outstanding", p.ring.Outstanding())
	}
	p.report()

	if res.Err != nil {
		res.State = Failed
	} else {
		res.State = Done
		res.Short = p.cfg.Count >= 0 && p.bytes/p.bs < p.cfg.Count
	}
	slog.Debug("copy finished",
		"state", res.State,
		"bytes", res.BytesCopied,
		"blocks", res.BlocksCopied,
		"resume_block", res.ResumeBlock,
	)
	return res
}

func closeRing(e ring.Engine) {
	if e == nil {
		return
	}
	if err := e.Close(); err != nil {
		slog.Debug("closing ring", "error", err)
	}
}
