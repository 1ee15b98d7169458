// Package bufpool manages the fixed set of block buffers a copy cycles
// through. Slots are indexed by integer and carry a state tag; the tag is the
// only guard against handing one region to two kernel operations.
package bufpool

import (
	"errors"
	"fmt"

	"github.com/eapache/queue"
)

// State is the lifecycle position of a buffer slot.
type State uint8

const (
	Free State = iota
	Reading
	PendingWrite
	Writing
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Reading:
		return "reading"
	case PendingWrite:
		return "pending_write"
	case Writing:
		return "writing"
	default:
		return "unknown"
	}
}

// ErrInvalidTransition is returned by SetState when the move skips or
// reverses the per-slot order.
var ErrInvalidTransition = errors.New("invalid buffer state transition")

// Buffer is one slot of the pool. Block, Length and Done are owned by the
// holder of the slot and are meaningless while the slot is Free.
type Buffer struct {
	Index  int
	Block  int64 // logical block assigned to the slot
	Length int   // true length of the block once the read finishes
	Done   int   // bytes already transferred in the current phase

	state State
	data  []byte
}

// State reports the slot's current state.
func (b *Buffer) State() State { return b.state }

// Bytes returns the full backing region of the slot.
func (b *Buffer) Bytes() []byte { return b.data }

// Pool is a fixed arena of equally sized buffers. It is not safe for
// concurrent use; the copy pipeline's control loop is its only user.
type Pool struct {
	slots []Buffer
	free  *queue.Queue
	arena []byte
	size  int
	busy  int
}

// New allocates n buffers of size bytes each from a single arena.
func New(n, size int) (*Pool, error) {
	if n < 1 {
		return nil, fmt.Errorf("buffer count must be at least 1, got %d", n)
	}
	if size < 1 {
		return nil, fmt.Errorf("buffer size must be at least 1, got %d", size)
	}

	arena, err := allocArena(n * size)
	if err != nil {
		return nil, fmt.Errorf("allocate %d buffers of %d bytes: %w", n, size, err)
	}

	p := &Pool{
		slots: make([]Buffer, n),
		free:  queue.New(),
		arena: arena,
		size:  size,
	}
	for i := range p.slots {
		p.slots[i] = Buffer{
			Index: i,
			data:  arena[i*size : (i+1)*size : (i+1)*size],
		}
		p.free.Add(i)
	}
	return p, nil
}

// Acquire hands out a free buffer already moved to Reading. It reports false
// when every buffer is busy; it never blocks.
func (p *Pool) Acquire() (*Buffer, bool) {
	if p.free.Length() == 0 {
		return nil, false
	}
	idx := p.free.Remove().(int)
	b := &p.slots[idx]
	b.state = Reading
	b.Block = 0
	b.Length = 0
	b.Done = 0
	p.busy++
	return b, true
}

// SetState moves b along Reading -> PendingWrite -> Writing. A Writing slot
// may fall back to PendingWrite when the rest of a short write has to wait
// for ring space.
func (p *Pool) SetState(b *Buffer, to State) error {
	from := b.state
	ok := false
	switch to {
	case PendingWrite:
		ok = from == Reading || from == Writing
	case Writing:
		ok = from == PendingWrite
	}
	if !ok {
		return fmt.Errorf("buffer %d: %s -> %s: %w", b.Index, from, to, ErrInvalidTransition)
	}
	b.state = to
	return nil
}

// Release returns b to the free list. Only a slot whose last operation
// finished may be released: a Reading slot whose read hit end of input, or a
// Writing slot whose write completed. Anything else is a bookkeeping bug in
// the caller and panics.
func (p *Pool) Release(b *Buffer) {
	if b.state != Reading && b.state != Writing {
		panic(fmt.Sprintf("bufpool: release of buffer %d in state %s", b.Index, b.state))
	}
	b.state = Free
	p.busy--
	p.free.Add(b.Index)
}

// Discard frees a PendingWrite slot whose write will never be submitted,
// which happens when a transfer aborts while the slot waits for ring space.
func (p *Pool) Discard(b *Buffer) {
	if b.state != PendingWrite {
		panic(fmt.Sprintf("bufpool: discard of buffer %d in state %s", b.Index, b.state))
	}
	b.state = Free
	p.busy--
	p.free.Add(b.Index)
}

// Buffer returns the slot at idx.
func (p *Pool) Buffer(idx int) *Buffer {
	return &p.slots[idx]
}

// Busy is the number of slots not in the Free state.
func (p *Pool) Busy() int { return p.busy }

// Len is the total number of slots.
func (p *Pool) Len() int { return len(p.slots) }

// Size is the byte size of each slot.
func (p *Pool) Size() int { return p.size }

// Slices returns every slot's region in index order, for registering with a
// ring.
func (p *Pool) Slices() [][]byte {
	out := make([][]byte, len(p.slots))
	for i := range p.slots {
		out[i] = p.slots[i].data
	}
	return out
}

// Close frees the arena. Buffers must not be used afterwards.
func (p *Pool) Close() error {
	if p.arena == nil {
		return nil
	}
	err := freeArena(p.arena)
	p.arena = nil
	return err
}
