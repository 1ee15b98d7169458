package engine

import "github.com/bamsammich/ringdd/internal/ring"

// A token packs the operation, the buffer slot and the bytes already
// transferred in the current phase into the 64-bit user data:
//
//	63..62 op | 61..40 buffer | 39..0 done
//
// The block index is not carried; it lives on the slot, which belongs to
// exactly one outstanding request.
const (
	doneBits = 40
	bufBits  = 22

	doneMask = 1<<doneBits - 1
	bufMask  = 1<<bufBits - 1

	// MaxBuffers is the largest pool a token can address.
	MaxBuffers = 1 << bufBits
)

func packToken(op ring.Op, buf, done int) ring.Token {
	return ring.Token(uint64(op)<<(doneBits+bufBits) |
		uint64(buf&bufMask)<<doneBits | //nolint:gosec // G115: buf < MaxBuffers, checked by Validate
		uint64(done)&doneMask) //nolint:gosec // G115: done <= block size
}

func unpackToken(t ring.Token) (op ring.Op, buf, done int) {
	op = ring.Op(uint64(t) >> (doneBits + bufBits))
	buf = int(uint64(t) >> doneBits & bufMask)
	done = int(uint64(t) & doneMask)
	return op, buf, done
}
