package partner

import (
	"sync"

	"github.com/cyberinferno/s7partner/engine"
	"github.com/cyberinferno/s7partner/logger"
)

// RecvCallback is the consumer registered with SetRecvCallback. It is called
// exactly once per inbound engine event: with (CodeOK, rid, data) for a
// delivered packet, or with (code, 0, nil) when the engine reports a delivery
// failure. The data slice is an owned copy and remains valid after the call.
//
// Callbacks are invoked from an engine-owned goroutine, concurrently with the
// caller's own Partner calls, and must be safe for that.
type RecvCallback func(op engine.Code, rid uint32, data []byte)

// SendCallback is the consumer registered with SetSendCallback. It is called
// exactly once per completed asynchronous send, with the job's result code.
type SendCallback func(op engine.Code)

// recvBridge adapts engine receive notifications into consumer calls. The
// engine hands the bridge a transient payload that is only valid for the
// duration of the invocation; the bridge copies it into an owned buffer
// before the consumer sees it, so engine-owned memory never escapes the
// bridge's stack frame.
//
// The Partner keeps the bridge alive until Destroy, because the engine holds
// only the invocation function, not an owning reference.
type recvBridge struct {
	mu  sync.Mutex
	fn  RecvCallback
	log logger.Logger
}

// set replaces the registered consumer. A nil consumer unregisters.
func (b *recvBridge) set(fn RecvCallback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fn = fn
}

// invoke is the engine-facing entry point. data is transient.
func (b *recvBridge) invoke(op engine.Code, rid uint32, data []byte) {
	b.mu.Lock()
	fn := b.fn
	b.mu.Unlock()

	if fn == nil {
		return
	}

	if op != engine.CodeOK {
		b.log.Debug("recv callback delivering failure", logger.Field{Key: "code", Value: op.String()})
		fn(op, 0, nil)
		return
	}

	owned := make([]byte, len(data))
	copy(owned, data)
	fn(engine.CodeOK, rid, owned)
}

// sendBridge adapts engine send-completion notifications into consumer calls.
type sendBridge struct {
	mu sync.Mutex
	fn SendCallback
}

// set replaces the registered consumer. A nil consumer unregisters.
func (b *sendBridge) set(fn SendCallback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fn = fn
}

// invoke is the engine-facing entry point.
func (b *sendBridge) invoke(op engine.Code) {
	b.mu.Lock()
	fn := b.fn
	b.mu.Unlock()

	if fn != nil {
		fn(op)
	}
}
