// Package engine defines the operation contract a partner session drives on
// its transport engine. The engine owns the wire protocol, the ISO-on-TCP
// transport and all retry and keep-alive timers; this package only names the
// verbs, roles, statuses and result codes the session layer depends on.
//
// Engine methods report raw result codes rather than errors. Mapping codes
// to errors is the session's job, so the taxonomy lives in exactly one place.
package engine

import (
	"time"

	"github.com/cyberinferno/s7partner/params"
)

// BufferCapacity is the size of the receive buffer every engine writes
// inbound payloads into. Payload lengths are strictly below it.
const BufferCapacity = 65535

// Role selects which side of the link initiates the connection. The two
// sides are otherwise of equal rank.
type Role int

const (
	// RolePassive listens and accepts the peer's connection.
	RolePassive Role = iota
	// RoleActive initiates the connection to the peer.
	RoleActive
)

// String returns a human-readable name for the role.
func (r Role) String() string {
	switch r {
	case RolePassive:
		return "passive"
	case RoleActive:
		return "active"
	default:
		return "unknown"
	}
}

// Status is the link status reported by Handle.Status. Only StatusLinked
// permits data transfer.
type Status int32

const (
	// StatusStopped means the link is not running.
	StatusStopped Status = 0
	// StatusConnecting means an active link is trying to reach its peer.
	StatusConnecting Status = 1
	// StatusListening means a passive link is waiting for its peer.
	StatusListening Status = 2
	// StatusLinked means the peers are connected and may transfer data.
	StatusLinked Status = 3
)

// String returns a human-readable name for the status.
func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusConnecting:
		return "connecting"
	case StatusListening:
		return "listening"
	case StatusLinked:
		return "linked"
	default:
		return "unknown"
	}
}

// Stats holds a link's transfer counters. All four counters are monotonically
// non-decreasing and reset only when the link handle is recreated.
type Stats struct {
	BytesSent  uint32
	BytesRecv  uint32
	SendErrors uint32
	RecvErrors uint32
}

// RecvHandler is invoked by the engine once per inbound packet. The data
// slice is transient: it is only valid for the duration of the call and is
// reused by the engine afterwards, so implementations must copy it before
// retaining it. On a non-zero op code there is no payload and data is nil.
//
// Handlers run on an engine-owned goroutine, concurrently with any session
// call, and must be safe for that.
type RecvHandler func(op Code, rid uint32, data []byte)

// SendHandler is invoked by the engine once per completed asynchronous send,
// with the job's result code. Handlers run on an engine-owned goroutine.
type SendHandler func(op Code)

// Engine creates link handles. One Engine value represents one transport
// backend; two sessions created from the same Engine can link to each other
// when the backend is process-local.
type Engine interface {
	// Create allocates a new link handle for the given role.
	//
	// Parameters:
	//   - role: RoleActive to initiate the connection, RolePassive to accept
	//
	// Returns:
	//   - The new handle, or an error if the engine cannot allocate one
	Create(role Role) (Handle, error)
}

// Handle is one link endpoint inside the engine. A handle is exclusively
// owned by a single session and must be destroyed exactly once; every method
// reports a result Code with CodeOK meaning success.
type Handle interface {
	// Destroy stops the link, disconnects the peer, releases engine-owned
	// resources and invalidates the handle. Destroying an already destroyed
	// handle is a no-op.
	Destroy() Code

	// Start binds or connects using the addresses recorded by the last
	// successful StartTo.
	Start() Code

	// StartTo binds (passive role) or connects (active role) using the given
	// addresses and TSAPs. Addresses are dotted-quad IPv4 strings, already
	// validated by the caller.
	StartTo(localIP, remoteIP string, localTSAP, remoteTSAP uint16) Code

	// Stop halts the link and disconnects the peer gracefully.
	Stop() Code

	// Status reports the current link status.
	Status() (Status, Code)

	// BSend transfers a data block to the peer and blocks until the full
	// send+acknowledge cycle completes or the engine's send timeout elapses.
	BSend(rid uint32, data []byte) Code

	// AsBSend submits a send job and returns immediately. Completion is
	// observed through CheckAsBSendCompletion, WaitAsBSendCompletion, or the
	// registered send handler.
	AsBSend(rid uint32, data []byte) Code

	// BRecv blocks until a packet arrives or timeout elapses. The payload is
	// written into dst and its length returned.
	BRecv(dst []byte, timeout time.Duration) (rid uint32, n int, code Code)

	// CheckAsBSendCompletion polls the outstanding send job without blocking.
	// The op code is only meaningful when the state is JobDone.
	CheckAsBSendCompletion() (JobState, Code)

	// CheckAsBRecvCompletion polls for an inbound packet without blocking,
	// writing any payload into dst. The op code, rid and length are only
	// meaningful when the state is JobDone.
	CheckAsBRecvCompletion(dst []byte) (state JobState, op Code, rid uint32, n int)

	// WaitAsBSendCompletion blocks until the outstanding send job completes
	// or timeout elapses, reporting the job result or CodeSendTimeout.
	WaitAsBSendCompletion(timeout time.Duration) Code

	// GetParam reads an internal link parameter.
	GetParam(n params.Number) (int64, Code)

	// SetParam writes an internal link parameter.
	SetParam(n params.Number, v int64) Code

	// Stats reports the link's transfer counters.
	Stats() (Stats, Code)

	// Times reports the last send and receive job execution times.
	Times() (send, recv time.Duration, code Code)

	// LastError reports the result code of the last completed job.
	LastError() (last Code, code Code)

	// SetRecvCallback registers the handler invoked once per inbound packet.
	// A new registration replaces the previous one; nil unregisters.
	SetRecvCallback(h RecvHandler) Code

	// SetSendCallback registers the handler invoked once per completed
	// asynchronous send. A new registration replaces the previous one; nil
	// unregisters.
	SetSendCallback(h SendHandler) Code
}
