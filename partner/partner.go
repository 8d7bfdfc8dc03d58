// Package partner implements a peer-to-peer session for an S7-family partner
// link. Unlike the client/server model, the two endpoints are of equal rank
// and each can send data blocks asynchronously; the only difference between
// them is which one initiates the connection (active vs. passive role).
//
// A Partner owns exactly one engine handle and one 64 KiB receive buffer.
// Inbound data can be consumed three ways: blocking (BRecv), polling
// (CheckAsBRecvCompletion), or push callbacks (SetRecvCallback). The buffer
// holds a single most-recent payload, so only one of the three styles should
// be actively used at a time; mixing them on one Partner is the caller's
// responsibility and is not arbitrated here.
package partner

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/cyberinferno/s7partner/engine"
	"github.com/cyberinferno/s7partner/logger"
	"github.com/cyberinferno/s7partner/params"
)

// Stats holds a Partner's transfer counters: bytes sent, bytes received,
// send errors and receive errors. Counters reset only when the handle is
// recreated.
type Stats = engine.Stats

// Option configures a Partner at construction time.
type Option func(*Partner)

// WithLogger sets the logger used by the Partner. The default discards all
// output.
//
// Parameters:
//   - log: The logger to use
func WithLogger(log logger.Logger) Option {
	return func(p *Partner) {
		p.log = log
	}
}

// Partner is one endpoint of a partner link. It binds the role, the endpoint
// addresses, the receive buffer and the optional notification callbacks to a
// single exclusively-owned engine handle.
//
// The timeout-bearing calls (BSend, BRecv, WaitAsBSendCompletion) block the
// calling goroutine for up to the operation's timeout; everything else
// returns immediately. A Partner is safe for concurrent use, but the shared
// receive buffer means concurrent receives serialize against each other.
type Partner struct {
	eng engine.Engine
	log logger.Logger

	mu   sync.RWMutex
	h    engine.Handle
	role engine.Role

	localIP    string
	remoteIP   string
	localTSAP  uint16
	remoteTSAP uint16

	bufMu sync.Mutex
	buf   *recvBuffer

	// The bridges stay referenced here until Destroy: the engine holds only
	// their invocation functions, not an owning reference.
	recvBridge *recvBridge
	sendBridge *sendBridge
}

// New creates a Partner and allocates its engine handle.
//
// Parameters:
//   - eng: The transport engine backing the link
//   - active: true for the connection-initiating side, false for the
//     listening side
//   - opts: Optional configuration (e.g. WithLogger)
//
// Returns:
//   - The new Partner, or an error if the engine cannot allocate a handle
func New(eng engine.Engine, active bool, opts ...Option) (*Partner, error) {
	p := &Partner{
		eng: eng,
		log: logger.NewNopLogger(),
		buf: newRecvBuffer(),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.recvBridge = &recvBridge{log: p.log}
	p.sendBridge = &sendBridge{}

	if err := p.Create(active); err != nil {
		return nil, err
	}

	return p, nil
}

// Create allocates a fresh engine handle for the given role, replacing any
// previous one. The caller is responsible for having destroyed the old
// handle first; otherwise it leaks at the engine level.
//
// Parameters:
//   - active: true for the active role, false for the passive role
//
// Returns:
//   - An error if the engine cannot allocate a handle
func (p *Partner) Create(active bool) error {
	role := engine.RolePassive
	if active {
		role = engine.RoleActive
	}

	h, err := p.eng.Create(role)
	if err != nil {
		return fmt.Errorf("partner: create: %w", err)
	}

	p.mu.Lock()
	p.h = h
	p.role = role
	p.mu.Unlock()

	p.log.Debug("partner created", logger.Field{Key: "role", Value: role.String()})
	return nil
}

// Start binds or connects using the addresses recorded by the last
// successful StartTo.
//
// Returns:
//   - An error if the Partner is destroyed or the engine rejects the start
func (p *Partner) Start() error {
	h, err := p.handle()
	if err != nil {
		return err
	}

	return engineErr("start", h.Start())
}

// StartTo validates both addresses and starts the link: the passive role
// binds at the local endpoint, the active role connects to the remote one.
// Malformed addresses fail with ErrInvalidAddress before any engine call.
//
// Parameters:
//   - localIP: Local IPv4 dotted-quad address ("0.0.0.0" for any adapter)
//   - remoteIP: Remote IPv4 dotted-quad address
//   - localTSAP: Local transport service access point
//   - remoteTSAP: Remote transport service access point
//
// Returns:
//   - An error if an address is malformed, the Partner is destroyed, or the
//     engine rejects the start
func (p *Partner) StartTo(localIP, remoteIP string, localTSAP, remoteTSAP uint16) error {
	if err := checkIPv4(localIP); err != nil {
		return err
	}
	if err := checkIPv4(remoteIP); err != nil {
		return err
	}

	h, err := p.handle()
	if err != nil {
		return err
	}

	p.log.Info("starting partner link",
		logger.Field{Key: "local", Value: localIP},
		logger.Field{Key: "remote", Value: remoteIP})

	if err := engineErr("start_to", h.StartTo(localIP, remoteIP, localTSAP, remoteTSAP)); err != nil {
		return err
	}

	p.mu.Lock()
	p.localIP, p.remoteIP = localIP, remoteIP
	p.localTSAP, p.remoteTSAP = localTSAP, remoteTSAP
	p.mu.Unlock()

	return nil
}

// Stop halts the link and disconnects the remote partner gracefully.
//
// Returns:
//   - An error if the Partner is destroyed or the engine rejects the stop
func (p *Partner) Stop() error {
	h, err := p.handle()
	if err != nil {
		return err
	}

	return engineErr("stop", h.Stop())
}

// Destroy stops the link, disconnects the peer, releases the engine handle
// and invalidates the Partner. It is idempotent: calling it again, or after
// Close already ran, is a no-op.
//
// Returns:
//   - An error if the engine fails to release the handle
func (p *Partner) Destroy() error {
	p.mu.Lock()
	h := p.h
	p.h = nil
	p.mu.Unlock()

	if h == nil {
		return nil
	}

	p.log.Debug("destroying partner")
	return engineErr("destroy", h.Destroy())
}

// Close releases the Partner for use in deferred teardown. Unlike Destroy it
// never returns a release failure: resource reclamation must not fail the
// owner's shutdown sequence, so engine errors are logged and swallowed.
// Close implements io.Closer and is idempotent.
//
// Returns:
//   - Always nil
func (p *Partner) Close() error {
	if err := p.Destroy(); err != nil {
		p.log.Warn("destroy during close failed", logger.Field{Key: "error", Value: err.Error()})
	}

	return nil
}

// GetStatus reports the link status. Only engine.StatusLinked permits data
// transfer; after Start or StartTo, callers poll this until it reaches
// StatusLinked or their own deadline policy gives up.
//
// Returns:
//   - The current status
//   - An error if the Partner is destroyed or the engine rejects the query
func (p *Partner) GetStatus() (engine.Status, error) {
	h, err := p.handle()
	if err != nil {
		return engine.StatusStopped, err
	}

	status, code := h.Status()
	return status, engineErr("get_status", code)
}

// BSend transfers a data block to the peer, blocking until the full
// send+acknowledge cycle completes or the engine's send timeout elapses.
//
// Parameters:
//   - data: The payload; its length must be below BufferSize
//   - rid: Routing id the receiver uses to distinguish message streams
//
// Returns:
//   - ErrPayloadTooLarge if the payload is too big (engine untouched),
//     ErrSendTimeout on the engine's send-timeout code, or an EngineError
//     for any other non-zero result
func (p *Partner) BSend(data []byte, rid uint32) error {
	if err := checkSize(data); err != nil {
		return err
	}

	h, err := p.handle()
	if err != nil {
		return err
	}

	code := h.BSend(rid, data)
	if code == engine.CodeSendTimeout {
		return ErrSendTimeout
	}

	return engineErr("b_send", code)
}

// BRecv blocks until a data block arrives or timeout elapses, then returns a
// sized copy of the payload out of the receive buffer.
//
// Parameters:
//   - timeout: Maximum time to wait for a packet
//
// Returns:
//   - The sender's routing id and an owned copy of the payload
//   - ErrRecvTimeout if no packet arrived in time, or an EngineError for any
//     other non-zero result
func (p *Partner) BRecv(timeout time.Duration) (uint32, []byte, error) {
	h, err := p.handle()
	if err != nil {
		return 0, nil, err
	}

	p.bufMu.Lock()
	defer p.bufMu.Unlock()

	rid, n, code := h.BRecv(p.buf.buf, timeout)
	if code == engine.CodeRecvTimeout {
		return 0, nil, ErrRecvTimeout
	}
	if code != engine.CodeOK {
		return 0, nil, engineErr("b_recv", code)
	}

	return rid, p.buf.take(n), nil
}

// AsBSend submits a send job and returns immediately. Completion must be
// observed later via CheckAsBSendCompletion, WaitAsBSendCompletion, or the
// registered send callback.
//
// Parameters:
//   - data: The payload; its length must be below BufferSize
//   - rid: Routing id the receiver uses to distinguish message streams
//
// Returns:
//   - ErrPayloadTooLarge if the payload is too big (engine untouched), or an
//     EngineError if the engine rejects the submission
func (p *Partner) AsBSend(data []byte, rid uint32) error {
	if err := checkSize(data); err != nil {
		return err
	}

	h, err := p.handle()
	if err != nil {
		return err
	}

	return engineErr("as_b_send", h.AsBSend(rid, data))
}

// CheckAsBSendCompletion polls the outstanding asynchronous send job without
// blocking.
//
// Returns:
//   - (true, nil) if the job finished cleanly; (true, EngineError) if it
//     finished with a job-level failure; (false, nil) while still running
//   - ErrInvalidState if the poll is invalid, e.g. no job was ever submitted
func (p *Partner) CheckAsBSendCompletion() (bool, error) {
	h, err := p.handle()
	if err != nil {
		return false, err
	}

	state, op := h.CheckAsBSendCompletion()
	switch state {
	case engine.JobInvalid:
		return false, ErrInvalidState
	case engine.JobDone:
		return true, engineErr("check_as_b_send_completion", op)
	default:
		return false, nil
	}
}

// WaitAsBSendCompletion blocks until the outstanding asynchronous send job
// completes or timeout elapses.
//
// Parameters:
//   - timeout: Maximum time to wait for the job
//
// Returns:
//   - ErrSendTimeout on the engine's send-timeout code, or an EngineError
//     for any other non-zero result
func (p *Partner) WaitAsBSendCompletion(timeout time.Duration) error {
	h, err := p.handle()
	if err != nil {
		return err
	}

	code := h.WaitAsBSendCompletion(timeout)
	if code == engine.CodeSendTimeout {
		return ErrSendTimeout
	}

	return engineErr("wait_as_b_send_completion", code)
}

// CheckAsBRecvCompletion polls for an inbound data block without blocking.
// It is safe to call repeatedly while idle.
//
// Returns:
//   - The routing id, an owned copy of the payload, and ok=true when a
//     packet was received; ok=false with a nil error when none has arrived
//   - ErrInvalidState if the poll is invalid, or an EngineError if the
//     receive completed with a failure
func (p *Partner) CheckAsBRecvCompletion() (uint32, []byte, bool, error) {
	h, err := p.handle()
	if err != nil {
		return 0, nil, false, err
	}

	p.bufMu.Lock()
	defer p.bufMu.Unlock()

	state, op, rid, n := h.CheckAsBRecvCompletion(p.buf.buf)
	switch state {
	case engine.JobInvalid:
		return 0, nil, false, ErrInvalidState
	case engine.JobDone:
		if op != engine.CodeOK {
			return 0, nil, false, engineErr("check_as_b_recv_completion", op)
		}

		return rid, p.buf.take(n), true, nil
	default:
		return 0, nil, false, nil
	}
}

// SetRecvCallback registers the consumer invoked once per inbound data
// block. The consumer always receives an owned copy of the payload; on a
// delivery failure it is called with (code, 0, nil) instead. Registration
// replaces any prior consumer; nil unregisters.
//
// Parameters:
//   - fn: The consumer, invoked from an engine-owned goroutine
//
// Returns:
//   - An error if the Partner is destroyed or the engine rejects the
//     registration
func (p *Partner) SetRecvCallback(fn RecvCallback) error {
	h, err := p.handle()
	if err != nil {
		return err
	}

	p.recvBridge.set(fn)
	return engineErr("set_recv_callback", h.SetRecvCallback(p.recvBridge.invoke))
}

// SetSendCallback registers the consumer invoked once per completed
// asynchronous send, with the job's result code. Registration replaces any
// prior consumer; nil unregisters.
//
// Parameters:
//   - fn: The consumer, invoked from an engine-owned goroutine
//
// Returns:
//   - An error if the Partner is destroyed or the engine rejects the
//     registration
func (p *Partner) SetSendCallback(fn SendCallback) error {
	h, err := p.handle()
	if err != nil {
		return err
	}

	p.sendBridge.set(fn)
	return engineErr("set_send_callback", h.SetSendCallback(p.sendBridge.invoke))
}

// GetParam reads an internal link parameter.
//
// Parameters:
//   - n: The parameter number
//
// Returns:
//   - The parameter value
//   - A ParameterError if the number is unknown or the engine rejects the
//     read (e.g. a parameter not valid for the partner role)
func (p *Partner) GetParam(n params.Number) (int, error) {
	if _, ok := params.Lookup(n); !ok {
		return 0, &ParameterError{Number: n, Code: engine.CodeInvalidParam}
	}

	h, err := p.handle()
	if err != nil {
		return 0, err
	}

	v, code := h.GetParam(n)
	if code != engine.CodeOK {
		return 0, paramErr(n, code)
	}

	p.log.Debug("read parameter",
		logger.Field{Key: "param", Value: n.String()},
		logger.Field{Key: "value", Value: v})
	return int(v), nil
}

// SetParam writes an internal link parameter. The value is checked against
// the parameter's declared scalar type before the engine is asked to apply
// it.
//
// Parameters:
//   - n: The parameter number
//   - v: The new value
//
// Returns:
//   - A ParameterError if the number is unknown, the value does not fit the
//     parameter's type, or the engine rejects the write
func (p *Partner) SetParam(n params.Number, v int) error {
	info, ok := params.Lookup(n)
	if !ok || !info.Kind.InRange(int64(v)) {
		return &ParameterError{Number: n, Code: engine.CodeInvalidParam}
	}

	h, err := p.handle()
	if err != nil {
		return err
	}

	p.log.Debug("writing parameter",
		logger.Field{Key: "param", Value: n.String()},
		logger.Field{Key: "value", Value: v})
	return paramErr(n, h.SetParam(n, int64(v)))
}

// GetStats reports the link's transfer counters.
//
// Returns:
//   - The four counters: bytes sent, bytes received, send errors, receive
//     errors
//   - An error if the Partner is destroyed or the engine rejects the query
func (p *Partner) GetStats() (Stats, error) {
	h, err := p.handle()
	if err != nil {
		return Stats{}, err
	}

	stats, code := h.Stats()
	return stats, engineErr("get_stats", code)
}

// GetTimes reports the execution time of the last send and receive jobs.
//
// Returns:
//   - The last send duration and the last receive duration
//   - An error if the Partner is destroyed or the engine rejects the query
func (p *Partner) GetTimes() (send, recv time.Duration, err error) {
	h, err := p.handle()
	if err != nil {
		return 0, 0, err
	}

	send, recv, code := h.Times()
	return send, recv, engineErr("get_times", code)
}

// GetLastError reports the result code of the last completed asynchronous
// job.
//
// Returns:
//   - The last job's result code
//   - An error if the Partner is destroyed or the engine rejects the query
func (p *Partner) GetLastError() (engine.Code, error) {
	h, err := p.handle()
	if err != nil {
		return engine.CodeOK, err
	}

	last, code := h.LastError()
	return last, engineErr("get_last_error", code)
}

// Endpoints returns the addresses and TSAPs recorded by the last successful
// StartTo. All values are zero before the first StartTo succeeds.
//
// Returns:
//   - The local and remote IPv4 addresses and the local and remote TSAPs
func (p *Partner) Endpoints() (localIP, remoteIP string, localTSAP, remoteTSAP uint16) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.localIP, p.remoteIP, p.localTSAP, p.remoteTSAP
}

// handle snapshots the engine handle, failing if the Partner was destroyed.
// The handle is used outside the lock so blocking transfers do not starve
// non-blocking calls.
func (p *Partner) handle() (engine.Handle, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.h == nil {
		return nil, ErrDestroyed
	}

	return p.h, nil
}

// checkSize rejects payloads that do not fit the receive buffer.
func checkSize(data []byte) error {
	if len(data) >= BufferSize {
		return fmt.Errorf("%w: %d bytes, capacity %d", ErrPayloadTooLarge, len(data), BufferSize)
	}

	return nil
}

// checkIPv4 rejects anything that is not a dotted-quad IPv4 address.
func checkIPv4(s string) error {
	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is4() {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}

	return nil
}
