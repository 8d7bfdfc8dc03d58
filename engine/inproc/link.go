package inproc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/s7partner/engine"
	"github.com/cyberinferno/s7partner/logger"
	"github.com/cyberinferno/s7partner/params"
)

// linkPollInterval is how often a blocked sender re-checks for link-up while
// waiting inside its send timeout.
const linkPollInterval = 5 * time.Millisecond

// message is one data block in flight. A non-zero op marks an in-band
// delivery failure notification instead of a payload.
type message struct {
	op   engine.Code
	rid  uint32
	data []byte
}

// sendJob tracks one send cycle. result is written exactly once before done
// is closed and read only after done is observed closed.
type sendJob struct {
	done   chan struct{}
	result engine.Code
}

func completedJob(code engine.Code) *sendJob {
	j := &sendJob{done: make(chan struct{}), result: code}
	close(j.done)
	return j
}

// link is one endpoint handle inside the in-process engine. The inbox holds
// at most one undelivered block, matching the single-slot receive buffer of
// the session layer: a sender blocks until the receiver has taken the
// previous block or the send timeout elapses.
type link struct {
	eng  *Engine
	id   uint32
	role engine.Role
	log  logger.Logger

	inbox chan message

	mu           sync.Mutex
	status       engine.Status
	destroyed    bool
	started      bool
	localIP      string
	remoteIP     string
	localTSAP    uint16
	remoteTSAP   uint16
	peer         *link
	param        map[params.Number]int64
	job          *sendJob
	lastError    engine.Code
	recvCB       engine.RecvHandler
	sendCB       engine.SendHandler
	dispatcherOn bool

	ctx    context.Context
	cancel context.CancelFunc
	grp    *errgroup.Group

	// scratch backs the transient payload handed to the recv handler; it is
	// reused across invocations, so handlers must copy.
	scratch []byte

	bytesSent  atomic.Uint32
	bytesRecv  atomic.Uint32
	sendErrors atomic.Uint32
	recvErrors atomic.Uint32
	sendTime   atomic.Int64
	recvTime   atomic.Int64
}

func newLink(eng *Engine, id uint32, role engine.Role) *link {
	return &link{
		eng: eng,
		id:  id,
		role: role,
		log: eng.log.With(
			logger.Field{Key: "handle", Value: id},
			logger.Field{Key: "role", Value: role.String()}),
		inbox:   make(chan message, 1),
		status:  engine.StatusStopped,
		param:   params.Defaults(),
		scratch: make([]byte, engine.BufferCapacity),
	}
}

// StartTo implements engine.Handle.
func (l *link) StartTo(localIP, remoteIP string, localTSAP, remoteTSAP uint16) engine.Code {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return engine.CodeInvalidParam
	}
	if l.status != engine.StatusStopped {
		l.stopLocked()
	}

	l.localIP, l.remoteIP = localIP, remoteIP
	l.localTSAP, l.remoteTSAP = localTSAP, remoteTSAP
	l.started = true

	ctx, cancel := context.WithCancel(context.Background())
	grp, ctx := errgroup.WithContext(ctx)
	l.ctx, l.cancel, l.grp = ctx, cancel, grp

	interval := l.paramDurationLocked(params.WorkInterval)
	keepAlive := l.paramDurationLocked(params.KeepAliveTime)

	if l.role == engine.RolePassive {
		l.status = engine.StatusListening
		key := listenerKey(localTSAP)
		l.eng.listeners.Set(key, l, keepAlive)
		grp.Go(func() error {
			l.refreshListener(ctx, key, interval, keepAlive)
			return nil
		})
	} else {
		l.status = engine.StatusConnecting
		grp.Go(func() error {
			l.connectLoop(ctx, remoteIP, remoteTSAP, interval)
			return nil
		})
	}

	if l.recvCB != nil {
		l.dispatcherOn = true
		grp.Go(func() error {
			l.dispatch(ctx)
			return nil
		})
	}
	l.mu.Unlock()

	l.log.Info("link started",
		logger.Field{Key: "local", Value: localIP},
		logger.Field{Key: "remote", Value: remoteIP})
	return engine.CodeOK
}

// Start implements engine.Handle. It re-runs the last successful StartTo.
func (l *link) Start() engine.Code {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return engine.CodeInvalidParam
	}
	localIP, remoteIP := l.localIP, l.remoteIP
	localTSAP, remoteTSAP := l.localTSAP, l.remoteTSAP
	l.mu.Unlock()

	return l.StartTo(localIP, remoteIP, localTSAP, remoteTSAP)
}

// Stop implements engine.Handle.
func (l *link) Stop() engine.Code {
	l.mu.Lock()
	l.stopLocked()
	grp := l.grp
	l.mu.Unlock()

	if grp != nil {
		_ = grp.Wait()
	}

	return engine.CodeOK
}

// stopLocked halts the link. Caller holds l.mu; workers are joined by the
// caller after releasing the lock.
func (l *link) stopLocked() {
	if l.status == engine.StatusStopped {
		return
	}

	if l.cancel != nil {
		l.cancel()
	}
	if l.peer != nil {
		peer := l.peer
		l.peer = nil
		go peer.peerStopped(l)
	}

	l.status = engine.StatusStopped
	l.log.Info("link stopped")
}

// peerStopped is invoked (on its own goroutine) when the remote side stops.
// A passive link goes back to listening, an active one back to connecting;
// its background worker from the current start cycle handles the rest.
func (l *link) peerStopped(from *link) {
	l.mu.Lock()
	if l.peer != from && l.peer != nil {
		l.mu.Unlock()
		return
	}
	l.peer = nil

	notify := false
	if l.status == engine.StatusLinked {
		if l.role == engine.RolePassive {
			l.status = engine.StatusListening
			l.eng.listeners.Set(listenerKey(l.localTSAP), l, l.paramDurationLocked(params.KeepAliveTime))
		} else {
			l.status = engine.StatusConnecting
		}
		notify = l.recvCB != nil
	}
	l.mu.Unlock()

	if notify {
		select {
		case l.inbox <- message{op: engine.CodeNotLinked}:
		default:
		}
	}
}

// Destroy implements engine.Handle. It is idempotent.
func (l *link) Destroy() engine.Code {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return engine.CodeOK
	}
	l.destroyed = true
	l.stopLocked()
	grp := l.grp
	l.mu.Unlock()

	if grp != nil {
		_ = grp.Wait()
	}

	l.eng.links.Delete(l.id)
	l.log.Debug("link destroyed")
	return engine.CodeOK
}

// Status implements engine.Handle.
func (l *link) Status() (engine.Status, engine.Code) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status, engine.CodeOK
}

// refreshListener keeps the rendezvous registration of a passive link alive
// until the start cycle ends.
func (l *link) refreshListener(ctx context.Context, key string, interval, keepAlive time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.dropListener(key)
			return
		case <-ticker.C:
			l.mu.Lock()
			listening := l.status == engine.StatusListening
			l.mu.Unlock()

			if listening {
				l.eng.listeners.Set(key, l, keepAlive)
			}
		}
	}
}

// dropListener removes the link's rendezvous registration unless a newer
// start cycle is listening again under the same key.
func (l *link) dropListener(key string) {
	l.mu.Lock()
	listening := l.status == engine.StatusListening
	l.mu.Unlock()
	if listening {
		return
	}

	if v, ok := l.eng.listeners.Get(key); ok && v.(*link) == l {
		l.eng.listeners.Delete(key)
	}
}

// connectLoop polls the rendezvous for a listener until the link is stopped.
// It keeps running after link-up so the active side can reconnect if the
// peer goes away.
func (l *link) connectLoop(ctx context.Context, remoteIP string, remoteTSAP uint16, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		l.tryConnect(remoteIP, remoteTSAP)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tryConnect attempts one rendezvous lookup and pairing.
func (l *link) tryConnect(remoteIP string, remoteTSAP uint16) {
	l.mu.Lock()
	connecting := l.status == engine.StatusConnecting
	l.mu.Unlock()
	if !connecting {
		return
	}

	v, ok := l.eng.listeners.Get(listenerKey(remoteTSAP))
	if !ok {
		return
	}

	establish(l, v.(*link), remoteIP)
}

// establish links an active endpoint to a listening passive one. Both links
// are locked in id order so concurrent pairings cannot deadlock.
func establish(active, passive *link, remoteIP string) {
	first, second := active, passive
	if passive.id < active.id {
		first, second = passive, active
	}
	first.mu.Lock()
	second.mu.Lock()
	defer second.mu.Unlock()
	defer first.mu.Unlock()

	if active.status != engine.StatusConnecting || passive.status != engine.StatusListening {
		return
	}
	if passive.localIP != "0.0.0.0" && passive.localIP != remoteIP {
		return
	}

	active.peer, passive.peer = passive, active
	active.status, passive.status = engine.StatusLinked, engine.StatusLinked

	active.log.Info("link established", logger.Field{Key: "peer", Value: passive.id})
}

// send performs one blocking send+acknowledge cycle: it waits for link-up if
// necessary and delivers the block into the peer's inbox, all within the
// link's send timeout. Delivery into the inbox is the acknowledge, since the
// inbox holds at most one undelivered block.
func (l *link) send(rid uint32, data []byte) engine.Code {
	l.mu.Lock()
	if l.destroyed || !l.started || l.status == engine.StatusStopped {
		l.mu.Unlock()
		l.sendErrors.Add(1)
		return engine.CodeNotLinked
	}
	timeout := l.paramDurationLocked(params.BSendTimeout)
	ctx := l.ctx
	l.mu.Unlock()

	start := time.Now()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		l.mu.Lock()
		peer := l.peer
		linked := l.status == engine.StatusLinked
		l.mu.Unlock()

		if linked && peer != nil {
			msg := message{rid: rid, data: append([]byte(nil), data...)}
			select {
			case peer.inbox <- msg:
				l.bytesSent.Add(uint32(len(data)))
				l.sendTime.Store(int64(time.Since(start)))
				return engine.CodeOK
			case <-deadline.C:
				l.sendErrors.Add(1)
				return engine.CodeSendTimeout
			case <-ctx.Done():
				l.sendErrors.Add(1)
				return engine.CodeSendTimeout
			}
		}

		select {
		case <-deadline.C:
			l.sendErrors.Add(1)
			return engine.CodeSendTimeout
		case <-ctx.Done():
			l.sendErrors.Add(1)
			return engine.CodeSendTimeout
		case <-time.After(linkPollInterval):
		}
	}
}

// BSend implements engine.Handle. The completed cycle is recorded as the
// link's last job, so completion polls after a synchronous send report done.
func (l *link) BSend(rid uint32, data []byte) engine.Code {
	code := l.send(rid, data)

	l.mu.Lock()
	l.job = completedJob(code)
	l.lastError = code
	l.mu.Unlock()

	return code
}

// AsBSend implements engine.Handle. At most one job may be outstanding.
func (l *link) AsBSend(rid uint32, data []byte) engine.Code {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return engine.CodeInvalidParam
	}
	if l.job != nil {
		select {
		case <-l.job.done:
		default:
			l.mu.Unlock()
			return engine.CodeJobPending
		}
	}

	job := &sendJob{done: make(chan struct{})}
	l.job = job
	l.mu.Unlock()

	go func() {
		code := l.send(rid, data)
		job.result = code

		l.mu.Lock()
		l.lastError = code
		cb := l.sendCB
		l.mu.Unlock()

		close(job.done)
		if cb != nil {
			cb(code)
		}
	}()

	return engine.CodeOK
}

// CheckAsBSendCompletion implements engine.Handle.
func (l *link) CheckAsBSendCompletion() (engine.JobState, engine.Code) {
	l.mu.Lock()
	job := l.job
	l.mu.Unlock()

	if job == nil {
		return engine.JobInvalid, engine.CodeOK
	}

	select {
	case <-job.done:
		return engine.JobDone, job.result
	default:
		return engine.JobPending, engine.CodeOK
	}
}

// WaitAsBSendCompletion implements engine.Handle. With no job outstanding it
// returns immediately: nothing outstanding is trivially complete.
func (l *link) WaitAsBSendCompletion(timeout time.Duration) engine.Code {
	l.mu.Lock()
	job := l.job
	l.mu.Unlock()

	if job == nil {
		return engine.CodeOK
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-job.done:
		return job.result
	case <-timer.C:
		return engine.CodeSendTimeout
	}
}

// BRecv implements engine.Handle.
func (l *link) BRecv(dst []byte, timeout time.Duration) (uint32, int, engine.Code) {
	l.mu.Lock()
	ready := l.started && !l.destroyed
	ctx := l.ctx
	l.mu.Unlock()

	if !ready {
		l.recvErrors.Add(1)
		return 0, 0, engine.CodeNotLinked
	}

	start := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case m := <-l.inbox:
		if m.op != engine.CodeOK {
			l.recvErrors.Add(1)
			return 0, 0, m.op
		}

		n := copy(dst, m.data)
		l.bytesRecv.Add(uint32(n))
		l.recvTime.Store(int64(time.Since(start)))
		return m.rid, n, engine.CodeOK
	case <-timer.C:
		l.recvErrors.Add(1)
		return 0, 0, engine.CodeRecvTimeout
	case <-ctx.Done():
		l.recvErrors.Add(1)
		return 0, 0, engine.CodeRecvTimeout
	}
}

// CheckAsBRecvCompletion implements engine.Handle. It never blocks and is
// safe to call repeatedly while no packet is waiting.
func (l *link) CheckAsBRecvCompletion(dst []byte) (engine.JobState, engine.Code, uint32, int) {
	l.mu.Lock()
	destroyed := l.destroyed
	l.mu.Unlock()

	if destroyed {
		return engine.JobInvalid, engine.CodeOK, 0, 0
	}

	select {
	case m := <-l.inbox:
		if m.op != engine.CodeOK {
			l.recvErrors.Add(1)
			return engine.JobDone, m.op, 0, 0
		}

		n := copy(dst, m.data)
		l.bytesRecv.Add(uint32(n))
		return engine.JobDone, engine.CodeOK, m.rid, n
	default:
		return engine.JobPending, engine.CodeOK, 0, 0
	}
}

// dispatch drains the inbox into the registered recv handler for the
// duration of one start cycle. The payload handed to the handler lives in
// the reused scratch buffer and is only valid for the call.
func (l *link) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-l.inbox:
			l.mu.Lock()
			cb := l.recvCB
			l.mu.Unlock()
			if cb == nil {
				continue
			}

			if m.op != engine.CodeOK {
				l.recvErrors.Add(1)
				cb(m.op, 0, nil)
				continue
			}

			n := copy(l.scratch, m.data)
			l.bytesRecv.Add(uint32(n))
			cb(engine.CodeOK, m.rid, l.scratch[:n])
		}
	}
}

// SetRecvCallback implements engine.Handle. Registering on a running link
// starts the dispatcher for the current start cycle.
func (l *link) SetRecvCallback(h engine.RecvHandler) engine.Code {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.recvCB = h
	if h != nil && !l.dispatcherOn && l.status != engine.StatusStopped && l.grp != nil {
		l.dispatcherOn = true
		ctx := l.ctx
		l.grp.Go(func() error {
			l.dispatch(ctx)
			return nil
		})
	}

	return engine.CodeOK
}

// SetSendCallback implements engine.Handle.
func (l *link) SetSendCallback(h engine.SendHandler) engine.Code {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sendCB = h
	return engine.CodeOK
}

// GetParam implements engine.Handle.
func (l *link) GetParam(n params.Number) (int64, engine.Code) {
	info, ok := params.Lookup(n)
	if !ok || info.Access == params.Unsupported {
		return 0, engine.CodeInvalidParam
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.param[n], engine.CodeOK
}

// SetParam implements engine.Handle.
func (l *link) SetParam(n params.Number, v int64) engine.Code {
	info, ok := params.Lookup(n)
	if !ok || info.Access == params.Unsupported || !info.Kind.InRange(v) {
		return engine.CodeInvalidParam
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if info.Access == params.StoppedOnly && l.status != engine.StatusStopped {
		return engine.CodeInvalidParam
	}

	l.param[n] = v
	return engine.CodeOK
}

// Stats implements engine.Handle.
func (l *link) Stats() (engine.Stats, engine.Code) {
	return engine.Stats{
		BytesSent:  l.bytesSent.Load(),
		BytesRecv:  l.bytesRecv.Load(),
		SendErrors: l.sendErrors.Load(),
		RecvErrors: l.recvErrors.Load(),
	}, engine.CodeOK
}

// Times implements engine.Handle.
func (l *link) Times() (send, recv time.Duration, code engine.Code) {
	return time.Duration(l.sendTime.Load()), time.Duration(l.recvTime.Load()), engine.CodeOK
}

// LastError implements engine.Handle.
func (l *link) LastError() (engine.Code, engine.Code) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastError, engine.CodeOK
}

// paramDurationLocked reads a millisecond parameter as a time.Duration.
// Caller holds l.mu.
func (l *link) paramDurationLocked(n params.Number) time.Duration {
	return time.Duration(l.param[n]) * time.Millisecond
}
