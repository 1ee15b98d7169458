package ringtest

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/ringdd/internal/ring"
)

func drain(t *testing.T, e ring.Engine) map[ring.Token]ring.Completion {
	t.Helper()
	got := map[ring.Token]ring.Completion{}
	var cs []ring.Completion
	for e.Outstanding() > 0 {
		var err error
		cs, err = e.Wait(cs[:0])
		require.NoError(t, err)
		for _, c := range cs {
			got[c.Token] = c
		}
	}
	return got
}

func TestReadWrite(t *testing.T) {
	in := &File{Data: []byte("hello, world")}
	out := &File{}
	e := New(4, map[int]*File{3: in, 4: out})

	buf := make([]byte, 5)
	require.NoError(t, e.Submit(ring.Request{Op: ring.OpRead, FD: 3, Off: 7, Buf: buf, Token: 1, BufIndex: 0}))
	got := drain(t, e)
	assert.EqualValues(t, 5, got[1].Result)
	assert.Equal(t, "world", string(buf))

	require.NoError(t, e.Submit(ring.Request{Op: ring.OpWrite, FD: 4, Off: 2, Buf: buf, Token: 2, BufIndex: 0}))
	drain(t, e)
	assert.Equal(t, "\x00\x00world", string(out.Data))

	require.NoError(t, e.Close())
	assert.True(t, e.Closed())
	assert.Len(t, e.History(), 2)
}

func TestReadPastEnd(t *testing.T) {
	e := New(2, map[int]*File{3: {Data: make([]byte, 10)}})
	require.NoError(t, e.Submit(ring.Request{Op: ring.OpRead, FD: 3, Off: 6, Buf: make([]byte, 8), Token: 1, BufIndex: -1}))
	require.NoError(t, e.Submit(ring.Request{Op: ring.OpRead, FD: 3, Off: 10, Buf: make([]byte, 8), Token: 2, BufIndex: -1}))
	got := drain(t, e)
	assert.EqualValues(t, 4, got[1].Result)
	assert.EqualValues(t, 0, got[2].Result)
}

func TestRingFullAndClose(t *testing.T) {
	e := New(1, map[int]*File{3: {Data: make([]byte, 10)}})
	require.NoError(t, e.Submit(ring.Request{Op: ring.OpRead, FD: 3, Buf: make([]byte, 1), BufIndex: -1}))
	require.ErrorIs(t, e.Submit(ring.Request{Op: ring.OpRead, FD: 3, Buf: make([]byte, 1), BufIndex: -1}), ring.ErrRingFull)
	require.ErrorIs(t, e.Close(), ring.ErrOutstanding)
	assert.False(t, e.Closed())

	drain(t, e)
	_, err := e.Wait(nil)
	require.ErrorIs(t, err, ring.ErrIdle)
	require.NoError(t, e.Close())
	require.ErrorIs(t, e.Submit(ring.Request{Op: ring.OpRead, FD: 3, Buf: make([]byte, 1)}), ring.ErrClosed)
}

func TestFault(t *testing.T) {
	e := New(4, map[int]*File{3: {Data: make([]byte, 100)}})
	e.Fault = func(req ring.Request) *Action {
		switch req.Token {
		case 1:
			return &Action{Errno: syscall.EIO}
		case 2:
			return &Action{Max: 3}
		}
		return nil
	}
	for tok := ring.Token(1); tok <= 3; tok++ {
		require.NoError(t, e.Submit(ring.Request{Op: ring.OpRead, FD: 3, Buf: make([]byte, 10), Token: tok, BufIndex: -1}))
	}
	got := drain(t, e)
	require.ErrorIs(t, got[1].Err(), syscall.EIO)
	assert.EqualValues(t, 3, got[2].Result)
	assert.EqualValues(t, 10, got[3].Result)
}

func TestDetectsSharedBuffer(t *testing.T) {
	e := New(4, map[int]*File{3: {Data: make([]byte, 100)}})
	require.NoError(t, e.Submit(ring.Request{Op: ring.OpRead, FD: 3, Buf: make([]byte, 10), BufIndex: 2}))
	require.NoError(t, e.Submit(ring.Request{Op: ring.OpWrite, FD: 3, Buf: make([]byte, 10), BufIndex: 2}))
	assert.Len(t, e.Violations(), 1)
	assert.Equal(t, 2, e.MaxOutstanding())
}

func TestSeededDeliversEverything(t *testing.T) {
	data := make([]byte, 64)
	for i := range data {
		data[i] = byte(i)
	}
	e := Seeded(16, map[int]*File{3: {Data: data}}, 42)
	bufs := make([][]byte, 16)
	for i := range bufs {
		bufs[i] = make([]byte, 4)
		require.NoError(t, e.Submit(ring.Request{
			Op: ring.OpRead, FD: 3, Off: int64(i * 4), Buf: bufs[i], Token: ring.Token(i), BufIndex: i,
		}))
	}
	got := drain(t, e)
	assert.Len(t, got, 16)
	for i, b := range bufs {
		assert.Equal(t, data[i*4:i*4+4], b)
	}
	assert.Empty(t, e.Violations())
}
