package engine

import "fmt"

// Code is a raw engine result code. Zero means success; the non-zero space
// is partitioned so that the two timeout sentinels can be told apart from
// every other failure.
type Code int32

const (
	// CodeOK is the success result.
	CodeOK Code = 0

	// CodeSendTimeout is the dedicated sentinel for a send or send-completion
	// wait that ran out of time.
	CodeSendTimeout Code = 0x00A00000

	// CodeRecvTimeout is the dedicated sentinel for a receive that ran out
	// of time.
	CodeRecvTimeout Code = 0x00B00000

	// CodeNotLinked means a transfer was attempted while the link was not in
	// StatusLinked, or the peer went away mid-transfer.
	CodeNotLinked Code = 0x00C00000

	// CodeInvalidParam means a parameter number, parameter value, or call
	// argument was rejected by the engine.
	CodeInvalidParam Code = 0x00D00000

	// CodeJobPending means an asynchronous job is still outstanding and a new
	// one cannot be submitted.
	CodeJobPending Code = 0x00E00000
)

// String returns a short description of the code.
func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeSendTimeout:
		return "send timeout"
	case CodeRecvTimeout:
		return "recv timeout"
	case CodeNotLinked:
		return "not linked"
	case CodeInvalidParam:
		return "invalid parameter"
	case CodeJobPending:
		return "job pending"
	default:
		return fmt.Sprintf("engine code 0x%08X", uint32(c))
	}
}

// JobState is the outcome of polling an asynchronous job.
type JobState int32

const (
	// JobDone means the job finished; its result code is available.
	JobDone JobState = 0
	// JobPending means the job is still running, or no packet has arrived.
	JobPending JobState = 1
	// JobInvalid means the poll itself was invalid, e.g. no job was ever
	// submitted on this handle.
	JobInvalid JobState = -2
)
