package partner

import (
	"time"

	"github.com/cyberinferno/s7partner/engine"
	"github.com/cyberinferno/s7partner/params"
)

// fakeEngine is a recording engine used to verify which operations a Partner
// drives on its handle, and with what effect.
type fakeEngine struct {
	handle      *fakeHandle
	createErr   error
	createCalls int
	lastRole    engine.Role
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{handle: newFakeHandle()}
}

func (f *fakeEngine) Create(role engine.Role) (engine.Handle, error) {
	f.createCalls++
	f.lastRole = role
	if f.createErr != nil {
		return nil, f.createErr
	}

	return f.handle, nil
}

// fakeHandle records every call and plays back configured results.
type fakeHandle struct {
	calls []string

	destroyCode engine.Code
	startCode   engine.Code
	startToCode engine.Code
	stopCode    engine.Code

	status     engine.Status
	statusCode engine.Code

	bsendCode   engine.Code
	asbsendCode engine.Code
	lastRID     uint32
	lastData    []byte

	recvRID  uint32
	recvData []byte
	recvCode engine.Code

	checkSendState engine.JobState
	checkSendOp    engine.Code
	checkRecvState engine.JobState
	checkRecvOp    engine.Code
	waitCode       engine.Code

	paramValues  map[params.Number]int64
	getParamCode engine.Code
	setParamCode engine.Code

	stats     engine.Stats
	statsCode engine.Code
	sendTime  time.Duration
	recvTime  time.Duration
	lastErr   engine.Code

	recvHandler engine.RecvHandler
	sendHandler engine.SendHandler
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{
		checkSendState: engine.JobPending,
		checkRecvState: engine.JobPending,
		paramValues:    params.Defaults(),
	}
}

func (h *fakeHandle) record(name string) {
	h.calls = append(h.calls, name)
}

func (h *fakeHandle) Destroy() engine.Code {
	h.record("Destroy")
	return h.destroyCode
}

func (h *fakeHandle) Start() engine.Code {
	h.record("Start")
	return h.startCode
}

func (h *fakeHandle) StartTo(localIP, remoteIP string, localTSAP, remoteTSAP uint16) engine.Code {
	h.record("StartTo")
	return h.startToCode
}

func (h *fakeHandle) Stop() engine.Code {
	h.record("Stop")
	return h.stopCode
}

func (h *fakeHandle) Status() (engine.Status, engine.Code) {
	h.record("Status")
	return h.status, h.statusCode
}

func (h *fakeHandle) BSend(rid uint32, data []byte) engine.Code {
	h.record("BSend")
	h.lastRID = rid
	h.lastData = append([]byte(nil), data...)
	return h.bsendCode
}

func (h *fakeHandle) AsBSend(rid uint32, data []byte) engine.Code {
	h.record("AsBSend")
	h.lastRID = rid
	h.lastData = append([]byte(nil), data...)
	return h.asbsendCode
}

func (h *fakeHandle) BRecv(dst []byte, timeout time.Duration) (uint32, int, engine.Code) {
	h.record("BRecv")
	if h.recvCode != engine.CodeOK {
		return 0, 0, h.recvCode
	}

	n := copy(dst, h.recvData)
	return h.recvRID, n, engine.CodeOK
}

func (h *fakeHandle) CheckAsBSendCompletion() (engine.JobState, engine.Code) {
	h.record("CheckAsBSendCompletion")
	return h.checkSendState, h.checkSendOp
}

func (h *fakeHandle) CheckAsBRecvCompletion(dst []byte) (engine.JobState, engine.Code, uint32, int) {
	h.record("CheckAsBRecvCompletion")
	if h.checkRecvState == engine.JobDone && h.checkRecvOp == engine.CodeOK {
		n := copy(dst, h.recvData)
		return engine.JobDone, engine.CodeOK, h.recvRID, n
	}

	return h.checkRecvState, h.checkRecvOp, 0, 0
}

func (h *fakeHandle) WaitAsBSendCompletion(timeout time.Duration) engine.Code {
	h.record("WaitAsBSendCompletion")
	return h.waitCode
}

func (h *fakeHandle) GetParam(n params.Number) (int64, engine.Code) {
	h.record("GetParam")
	if h.getParamCode != engine.CodeOK {
		return 0, h.getParamCode
	}

	return h.paramValues[n], engine.CodeOK
}

func (h *fakeHandle) SetParam(n params.Number, v int64) engine.Code {
	h.record("SetParam")
	if h.setParamCode != engine.CodeOK {
		return h.setParamCode
	}

	h.paramValues[n] = v
	return engine.CodeOK
}

func (h *fakeHandle) Stats() (engine.Stats, engine.Code) {
	h.record("Stats")
	return h.stats, h.statsCode
}

func (h *fakeHandle) Times() (time.Duration, time.Duration, engine.Code) {
	h.record("Times")
	return h.sendTime, h.recvTime, engine.CodeOK
}

func (h *fakeHandle) LastError() (engine.Code, engine.Code) {
	h.record("LastError")
	return h.lastErr, engine.CodeOK
}

func (h *fakeHandle) SetRecvCallback(cb engine.RecvHandler) engine.Code {
	h.record("SetRecvCallback")
	h.recvHandler = cb
	return engine.CodeOK
}

func (h *fakeHandle) SetSendCallback(cb engine.SendHandler) engine.Code {
	h.record("SetSendCallback")
	h.sendHandler = cb
	return engine.CodeOK
}
