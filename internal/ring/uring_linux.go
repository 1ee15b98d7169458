//go:build linux

package ring

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// io_uring constants.
const (
	ioringSetupClamp = 1 << 4

	ioringOpReadFixed  = 4
	ioringOpWriteFixed = 5
	ioringOpRead       = 22
	ioringOpWrite      = 23

	ioringEnterGetevents = 1 << 0

	ioringRegisterBuffers   = 0
	ioringUnregisterBuffers = 1
	ioringRegisterFiles     = 2
	ioringUnregisterFiles   = 3

	ioSQEFixedFile = 1 << 0

	ioringOffSQRing = 0
	ioringOffCQRing = 0x8000000
	ioringOffSQEs   = 0x10000000
)

// io_uring_sqe is a submission queue entry (64 bytes).
type ioUringSQE struct {
	opcode      uint8
	flags       uint8
	ioprio      uint16
	fd          int32
	off         uint64
	addr        uint64
	len         uint32
	opcodeFlags uint32
	userData    uint64
	bufIG       uint16
	personality uint16
	spliceFdIn  int32
	_pad2       [2]uint64
}

// io_uring_cqe is a completion queue entry (16 bytes).
type ioUringCQE struct {
	userData uint64
	res      int32
	flags    uint32
}

// io_uring_params holds setup parameters.
type ioUringParams struct {
	sqEntries    uint32
	cqEntries    uint32
	flags        uint32
	sqThreadCPU  uint32
	sqThreadIdle uint32
	features     uint32
	wqFd         uint32
	resv         [3]uint32
	sqOff        ioUringSQRingOffsets
	cqOff        ioUringCQRingOffsets
}

type ioUringSQRingOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	flags       uint32
	dropped     uint32
	array       uint32
	resv1       uint32
	userAddr    uint64
}

type ioUringCQRingOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	overflow    uint32
	cqes        uint32
	flags       uint32
	resv1       uint32
	userAddr    uint64
}

const (
	sqeSize = 64
	cqeSize = 16
)

// uring is an io_uring instance driven directly through the mmap'd rings.
// SQEs are queued by Submit and handed to the kernel in one io_uring_enter
// when the caller next waits.
type uring struct {
	fd        int
	sqEntries uint32
	cqEntries uint32

	// SQ ring pointers (into mmap'd memory).
	sqHead    *uint32
	sqTail    *uint32
	sqMask    uint32
	sqArray   unsafe.Pointer
	sqes      unsafe.Pointer
	sqRingMem []byte

	// CQ ring pointers.
	cqHead    *uint32
	cqTail    *uint32
	cqMask    uint32
	cqes      unsafe.Pointer
	cqRingMem []byte

	sqesMem []byte

	limit       int
	inflight    int
	unsubmitted uint32
	// submitErr is a failed flush held back until the completions reaped
	// with it have reached the caller.
	submitErr error

	fixedBufs  [][]byte
	fixedFiles map[int]int32
	closed     bool
}

func newURing(opts Options) (*uring, error) {
	if !KernelSupportsIOURing() {
		return nil, fmt.Errorf("io_uring: kernel too old: %w", ErrUnsupported)
	}

	r, err := setupRing(uint32(min(opts.Entries, 1<<15))) //nolint:gosec // G115: clamped above
	if err != nil {
		return nil, err
	}
	r.limit = min(opts.Entries, int(r.sqEntries))

	if len(opts.Buffers) > 0 {
		n, err := r.registerBuffers(opts.Buffers)
		if err != nil {
			slog.Debug("io_uring buffer registration failed, using plain reads and writes", "error", err)
		} else {
			slog.Debug("io_uring buffers registered", "registered", n, "buffers", len(opts.Buffers))
		}
	}
	if len(opts.Files) > 0 {
		if err := r.registerFiles(opts.Files); err != nil {
			slog.Debug("io_uring file registration failed", "error", err)
		}
	}

	return r, nil
}

// setupRing creates and maps an io_uring instance.
func setupRing(entries uint32) (*uring, error) {
	params := ioUringParams{flags: ioringSetupClamp}
	fd, _, errno := unix.Syscall(
		unix.SYS_IO_URING_SETUP,
		uintptr(entries),
		uintptr(unsafe.Pointer(&params)),
		0,
	)
	if errno != 0 {
		return nil, fmt.Errorf("io_uring_setup: %w", errno)
	}

	r := &uring{
		fd:        int(fd),
		sqEntries: params.sqEntries,
		cqEntries: params.cqEntries,
	}

	if err := r.mmap(&params); err != nil {
		_ = unix.Close(r.fd)
		return nil, err
	}

	return r, nil
}

func (r *uring) mmap(params *ioUringParams) error {
	// Map submission queue ring.
	sqRingSize := uintptr(params.sqOff.array) + uintptr(params.sqEntries)*4
	sqMem, err := unix.Mmap(r.fd, ioringOffSQRing, int(sqRingSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("mmap sq ring: %w", err)
	}
	r.sqRingMem = sqMem

	base := unsafe.Pointer(&sqMem[0])
	r.sqHead = (*uint32)(unsafe.Add(base, params.sqOff.head))
	r.sqTail = (*uint32)(unsafe.Add(base, params.sqOff.tail))
	r.sqMask = *(*uint32)(unsafe.Add(base, params.sqOff.ringMask))
	r.sqArray = unsafe.Add(base, params.sqOff.array)

	// Map SQEs.
	sqesMem, err := unix.Mmap(r.fd, ioringOffSQEs, int(uintptr(params.sqEntries)*sqeSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		_ = unix.Munmap(r.sqRingMem)
		return fmt.Errorf("mmap sqes: %w", err)
	}
	r.sqesMem = sqesMem
	r.sqes = unsafe.Pointer(&sqesMem[0])

	// Map completion queue ring.
	cqRingSize := uintptr(params.cqOff.cqes) + uintptr(params.cqEntries)*cqeSize
	cqMem, err := unix.Mmap(r.fd, ioringOffCQRing, int(cqRingSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		_ = unix.Munmap(r.sqesMem)
		_ = unix.Munmap(r.sqRingMem)
		return fmt.Errorf("mmap cq ring: %w", err)
	}
	r.cqRingMem = cqMem

	cqBase := unsafe.Pointer(&cqMem[0])
	r.cqHead = (*uint32)(unsafe.Add(cqBase, params.cqOff.head))
	r.cqTail = (*uint32)(unsafe.Add(cqBase, params.cqOff.tail))
	r.cqMask = *(*uint32)(unsafe.Add(cqBase, params.cqOff.ringMask))
	r.cqes = unsafe.Add(cqBase, params.cqOff.cqes)

	return nil
}

// registerBuffers pins as many of bufs as RLIMIT_MEMLOCK allows so reads and
// writes into them can use the fixed-buffer opcodes.
func (r *uring) registerBuffers(bufs [][]byte) (int, error) {
	n := len(bufs)
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rl); err != nil {
		return 0, fmt.Errorf("getrlimit memlock: %w", err)
	}
	n = fixedBufferCount(n, len(bufs[0]), rl.Cur)
	if n == 0 {
		return 0, errors.New("memlock limit below one buffer")
	}

	iovecs := make([]unix.Iovec, n)
	for i := range iovecs {
		iovecs[i].Base = &bufs[i][0]
		iovecs[i].SetLen(len(bufs[i]))
	}
	_, _, errno := unix.Syscall6(
		unix.SYS_IO_URING_REGISTER,
		uintptr(r.fd),
		ioringRegisterBuffers,
		uintptr(unsafe.Pointer(&iovecs[0])),
		uintptr(n),
		0, 0,
	)
	if errno != 0 {
		return 0, fmt.Errorf("io_uring_register buffers: %w", errno)
	}
	r.fixedBufs = bufs[:n]
	return n, nil
}

func (r *uring) registerFiles(fds []int) error {
	arr := make([]int32, len(fds))
	for i, fd := range fds {
		arr[i] = int32(fd) //nolint:gosec // G115: fd values are small non-negative integers
	}
	_, _, errno := unix.Syscall6(
		unix.SYS_IO_URING_REGISTER,
		uintptr(r.fd),
		ioringRegisterFiles,
		uintptr(unsafe.Pointer(&arr[0])),
		uintptr(len(arr)),
		0, 0,
	)
	if errno != 0 {
		return fmt.Errorf("io_uring_register files: %w", errno)
	}
	r.fixedFiles = make(map[int]int32, len(fds))
	for i, fd := range fds {
		r.fixedFiles[fd] = int32(i) //nolint:gosec // G115: index bounded by len(fds)
	}
	return nil
}

func (r *uring) backend() Backend { return URing }

func (r *uring) Cap() int { return r.limit }

func (r *uring) Outstanding() int { return r.inflight }

func (r *uring) Submit(req Request) error {
	if r.closed {
		return ErrClosed
	}
	if len(req.Buf) == 0 {
		return ErrEmptyRequest
	}
	if r.inflight >= r.limit {
		return ErrRingFull
	}

	tail := atomic.LoadUint32(r.sqTail)
	if tail-atomic.LoadUint32(r.sqHead) >= r.sqEntries {
		return ErrRingFull
	}
	idx := tail & r.sqMask

	sqe := (*ioUringSQE)(unsafe.Add(r.sqes, uintptr(idx)*sqeSize))
	*sqe = ioUringSQE{}
	r.prep(sqe, req)

	// Write SQ array entry (index into SQEs array).
	*(*uint32)(unsafe.Add(r.sqArray, uintptr(idx)*4)) = idx

	// Publish the entry to the kernel.
	atomic.StoreUint32(r.sqTail, tail+1)
	r.unsubmitted++
	r.inflight++
	return nil
}

func (r *uring) prep(sqe *ioUringSQE, req Request) {
	fixed := r.isFixed(req)
	switch {
	case req.Op == OpRead && fixed:
		sqe.opcode = ioringOpReadFixed
	case req.Op == OpRead:
		sqe.opcode = ioringOpRead
	case fixed:
		sqe.opcode = ioringOpWriteFixed
	default:
		sqe.opcode = ioringOpWrite
	}
	if fixed {
		sqe.bufIG = uint16(req.BufIndex) //nolint:gosec // G115: bounded by len(fixedBufs)
	}

	sqe.fd = int32(req.FD) //nolint:gosec // G115: fd values are small non-negative integers
	if i, ok := r.fixedFiles[req.FD]; ok {
		sqe.fd = i
		sqe.flags |= ioSQEFixedFile
	}
	sqe.off = uint64(req.Off) //nolint:gosec // G115: offsets are non-negative
	sqe.addr = uint64(uintptr(unsafe.Pointer(&req.Buf[0])))
	sqe.len = uint32(len(req.Buf)) //nolint:gosec // G115: bounded by block size
	sqe.userData = uint64(req.Token)
}

// isFixed reports whether req's buffer lies inside the registered buffer it
// names.
func (r *uring) isFixed(req Request) bool {
	if req.BufIndex < 0 || req.BufIndex >= len(r.fixedBufs) {
		return false
	}
	reg := r.fixedBufs[req.BufIndex]
	start := uintptr(unsafe.Pointer(&reg[0]))
	p := uintptr(unsafe.Pointer(&req.Buf[0]))
	return p >= start && p+uintptr(len(req.Buf)) <= start+uintptr(len(reg))
}

func (r *uring) Wait(cs []Completion) ([]Completion, error) {
	if r.closed {
		return cs, ErrClosed
	}
	if err := r.submitErr; err != nil {
		r.submitErr = nil
		return cs, err
	}
	if r.inflight == 0 {
		return cs, ErrIdle
	}
	for {
		n := len(cs)
		cs = r.reap(cs)
		if len(cs) > n {
			// Hand over anything queued before returning to the caller.
			r.submitErr = r.enter(0)
			return cs, nil
		}
		if err := r.enter(1); err != nil {
			return cs, err
		}
	}
}

// enter submits queued SQEs and, when minComplete > 0, blocks until that many
// completions are posted.
func (r *uring) enter(minComplete uint32) error {
	if r.unsubmitted == 0 && minComplete == 0 {
		return nil
	}
	var flags uintptr
	if minComplete > 0 {
		flags = ioringEnterGetevents
	}
	for {
		n, _, errno := unix.Syscall6(
			unix.SYS_IO_URING_ENTER,
			uintptr(r.fd),
			uintptr(r.unsubmitted),
			uintptr(minComplete),
			flags,
			0, 0,
		)
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return fmt.Errorf("io_uring_enter: %w", errno)
		}
		r.unsubmitted -= uint32(n) //nolint:gosec // G115: kernel never reports more than requested
		return nil
	}
}

// reap appends every posted CQE to cs and releases the slots to the kernel.
func (r *uring) reap(cs []Completion) []Completion {
	head := atomic.LoadUint32(r.cqHead)
	tail := atomic.LoadUint32(r.cqTail)
	for ; head != tail; head++ {
		cqe := (*ioUringCQE)(unsafe.Add(r.cqes, uintptr(head&r.cqMask)*cqeSize))
		cs = append(cs, Completion{Token: Token(cqe.userData), Result: int64(cqe.res)})
		r.inflight--
	}
	atomic.StoreUint32(r.cqHead, head)
	return cs
}

func (r *uring) Close() error {
	if r.closed {
		return nil
	}
	if r.inflight > 0 {
		return ErrOutstanding
	}
	r.closed = true

	var firstErr error
	if r.fixedBufs != nil {
		firstErr = r.unregister(ioringUnregisterBuffers)
	}
	if r.fixedFiles != nil {
		if err := r.unregister(ioringUnregisterFiles); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if r.cqRingMem != nil {
		if err := unix.Munmap(r.cqRingMem); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if r.sqesMem != nil {
		if err := unix.Munmap(r.sqesMem); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if r.sqRingMem != nil {
		if err := unix.Munmap(r.sqRingMem); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := unix.Close(r.fd); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (r *uring) unregister(op uintptr) error {
	_, _, errno := unix.Syscall6(unix.SYS_IO_URING_REGISTER, uintptr(r.fd), op, 0, 0, 0, 0)
	if errno != 0 {
		return fmt.Errorf("io_uring_register op %d: %w", op, errno)
	}
	return nil
}
