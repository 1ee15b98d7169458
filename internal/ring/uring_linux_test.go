package ring

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestURingFlushErrorKeepsReapedCompletions(t *testing.T) {
	if !KernelSupportsIOURing() {
		t.Skip("io_uring not supported by this kernel")
	}
	r, err := newURing(Options{Entries: 4})
	if err != nil {
		t.Skipf("io_uring unavailable: %v", err)
	}

	f := tempFile(t, make([]byte, 8192))
	fd := int(f.Fd())

	// First read is submitted and completed, so its CQE is waiting.
	require.NoError(t, r.Submit(Request{Op: OpRead, FD: fd, Buf: make([]byte, 4096), Token: 1, BufIndex: -1}))
	require.NoError(t, r.enter(1))
	// Second read is only queued.
	require.NoError(t, r.Submit(Request{Op: OpRead, FD: fd, Off: 4096, Buf: make([]byte, 4096), Token: 2, BufIndex: -1}))

	ringFD := r.fd
	r.fd = -1
	cs, err := r.Wait(nil)
	require.NoError(t, err)
	require.Len(t, cs, 1)
	assert.Equal(t, Token(1), cs[0].Token)
	assert.Equal(t, int64(4096), cs[0].Result)

	_, err = r.Wait(nil)
	require.ErrorIs(t, err, syscall.EBADF)

	r.fd = ringFD
	cs, err = r.Wait(cs[:0])
	require.NoError(t, err)
	require.Len(t, cs, 1)
	assert.Equal(t, Token(2), cs[0].Token)
	require.NoError(t, r.Close())
}
