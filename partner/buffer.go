package partner

import "github.com/cyberinferno/s7partner/engine"

// BufferSize is the capacity of the shared receive buffer. Payloads must be
// strictly shorter than this, so the largest transferable block is
// BufferSize-1 bytes.
const BufferSize = engine.BufferCapacity

// recvBuffer is the single reusable slot every receive operation writes into.
// It holds at most one received-but-uncopied payload at a time; each receive
// overwrites the previous one, so callers take a sized copy before the next
// receive is issued. Access is serialized by the owning Partner.
type recvBuffer struct {
	buf []byte
}

func newRecvBuffer() *recvBuffer {
	return &recvBuffer{buf: make([]byte, BufferSize)}
}

// take returns an owned copy of the first n buffered bytes.
func (b *recvBuffer) take(n int) []byte {
	out := make([]byte, n)
	copy(out, b.buf[:n])
	return out
}
