package partner

import (
	"errors"
	"fmt"

	"github.com/cyberinferno/s7partner/engine"
	"github.com/cyberinferno/s7partner/params"
)

// Sentinel errors returned by Partner operations. All of them support
// errors.Is; engine-reported failures additionally carry the raw result code
// through EngineError and ParameterError.
var (
	// ErrInvalidAddress is returned by StartTo when an address is not a
	// syntactically valid IPv4 dotted-quad string. The engine is not
	// contacted.
	ErrInvalidAddress = errors.New("partner: invalid IPv4 address")

	// ErrPayloadTooLarge is returned by the send operations when the payload
	// length is not below the receive buffer capacity. The engine is not
	// contacted.
	ErrPayloadTooLarge = errors.New("partner: payload exceeds buffer capacity")

	// ErrSendTimeout is returned when the engine reports its dedicated send
	// timeout code.
	ErrSendTimeout = errors.New("partner: send timeout")

	// ErrRecvTimeout is returned when the engine reports its dedicated
	// receive timeout code.
	ErrRecvTimeout = errors.New("partner: receive timeout")

	// ErrInvalidState is returned when a completion poll is invalid, e.g.
	// polling for send completion with no job outstanding.
	ErrInvalidState = errors.New("partner: invalid call")

	// ErrDestroyed is returned when an operation is attempted on a Partner
	// whose engine handle has already been released.
	ErrDestroyed = errors.New("partner: partner destroyed")
)

// EngineError wraps a non-zero engine result code that has no dedicated
// sentinel. Op names the operation that failed.
type EngineError struct {
	Op   string
	Code engine.Code
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	return fmt.Sprintf("partner: %s failed: %s", e.Op, e.Code)
}

// ParameterError reports an engine- or registry-rejected parameter access.
type ParameterError struct {
	Number params.Number
	Code   engine.Code
}

// Error implements the error interface.
func (e *ParameterError) Error() string {
	return fmt.Sprintf("partner: parameter %s rejected: %s", e.Number, e.Code)
}

// engineErr maps an engine result code to nil or an *EngineError.
func engineErr(op string, code engine.Code) error {
	if code == engine.CodeOK {
		return nil
	}

	return &EngineError{Op: op, Code: code}
}

// paramErr maps an engine result code to nil or a *ParameterError.
func paramErr(n params.Number, code engine.Code) error {
	if code == engine.CodeOK {
		return nil
	}

	return &ParameterError{Number: n, Code: code}
}
