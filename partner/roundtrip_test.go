package partner

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/s7partner/engine"
	"github.com/cyberinferno/s7partner/engine/inproc"
	"github.com/cyberinferno/s7partner/params"
)

const testTSAP = 4098

// startEchoPeer runs a passive partner that sends every received block back
// with the same routing id, until the test finishes.
func startEchoPeer(t *testing.T, eng *inproc.Engine) {
	t.Helper()

	passive, err := New(eng, false)
	require.NoError(t, err)
	require.NoError(t, passive.SetParam(params.WorkInterval, 5))
	require.NoError(t, passive.StartTo("0.0.0.0", "127.0.0.1", testTSAP, testTSAP))

	done := make(chan struct{})
	t.Cleanup(func() {
		close(done)
		_ = passive.Close()
	})

	go func() {
		for {
			select {
			case <-done:
				return
			default:
			}

			status, err := passive.GetStatus()
			if err != nil {
				return
			}
			if status == engine.StatusLinked {
				rid, data, ok, err := passive.CheckAsBRecvCompletion()
				if err == nil && ok {
					_ = passive.BSend(data, rid)
				}
			}

			time.Sleep(2 * time.Millisecond)
		}
	}()
}

// startActive creates an active partner linked to the echo peer.
func startActive(t *testing.T, eng *inproc.Engine) *Partner {
	t.Helper()

	active, err := New(eng, true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = active.Close() })

	require.NoError(t, active.SetParam(params.WorkInterval, 5))
	require.NoError(t, active.StartTo("0.0.0.0", "127.0.0.1", testTSAP, testTSAP))

	require.Eventually(t, func() bool {
		status, err := active.GetStatus()
		return err == nil && status == engine.StatusLinked
	}, 2*time.Second, 5*time.Millisecond, "partners never linked")

	return active
}

func TestRoundTrip_BSend(t *testing.T) {
	eng := inproc.NewEngine()
	startEchoPeer(t, eng)
	active := startActive(t, eng)

	require.NoError(t, active.BSend([]byte("test"), 1))

	rid, data, err := active.BRecv(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), rid)
	assert.Equal(t, []byte("test"), data)
}

func TestRoundTrip_BSend_largePayload(t *testing.T) {
	eng := inproc.NewEngine()
	startEchoPeer(t, eng)
	active := startActive(t, eng)

	payload := bytes.Repeat([]byte{0xA5, 0x5A}, 2048)
	require.NoError(t, active.BSend(payload, 42))

	rid, data, err := active.BRecv(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), rid)
	assert.Equal(t, payload, data)
}

func TestRoundTrip_AsBSend(t *testing.T) {
	eng := inproc.NewEngine()
	startEchoPeer(t, eng)
	active := startActive(t, eng)

	require.NoError(t, active.AsBSend([]byte("test"), 1))

	rid, data, err := active.BRecv(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), rid)
	assert.Equal(t, []byte("test"), data)

	require.NoError(t, active.WaitAsBSendCompletion(time.Second))

	done, err := active.CheckAsBSendCompletion()
	require.NoError(t, err)
	assert.True(t, done)

	last, err := active.GetLastError()
	require.NoError(t, err)
	assert.Equal(t, engine.CodeOK, last)
}

func TestRoundTrip_pollingReceive(t *testing.T) {
	eng := inproc.NewEngine()
	startEchoPeer(t, eng)
	active := startActive(t, eng)

	require.NoError(t, active.AsBSend([]byte("test"), 1))

	var rid uint32
	var data []byte
	require.Eventually(t, func() bool {
		r, d, ok, err := active.CheckAsBRecvCompletion()
		if err != nil || !ok {
			return false
		}
		rid, data = r, d
		return true
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, uint32(1), rid)
	assert.Equal(t, []byte("test"), data)
}

func TestRoundTrip_recvCallback(t *testing.T) {
	eng := inproc.NewEngine()
	startEchoPeer(t, eng)
	active := startActive(t, eng)

	type delivery struct {
		op   engine.Code
		rid  uint32
		data []byte
	}
	deliveries := make(chan delivery, 1)
	require.NoError(t, active.SetRecvCallback(func(op engine.Code, rid uint32, data []byte) {
		deliveries <- delivery{op: op, rid: rid, data: data}
	}))

	require.NoError(t, active.BSend([]byte("pushed"), 3))

	select {
	case d := <-deliveries:
		assert.Equal(t, engine.CodeOK, d.op)
		assert.Equal(t, uint32(3), d.rid)
		assert.Equal(t, []byte("pushed"), d.data)
	case <-time.After(2 * time.Second):
		t.Fatal("recv callback was never invoked")
	}
}

func TestRoundTrip_sendCallback(t *testing.T) {
	eng := inproc.NewEngine()
	startEchoPeer(t, eng)
	active := startActive(t, eng)

	codes := make(chan engine.Code, 1)
	require.NoError(t, active.SetSendCallback(func(op engine.Code) {
		codes <- op
	}))

	require.NoError(t, active.AsBSend([]byte("test"), 1))

	select {
	case code := <-codes:
		assert.Equal(t, engine.CodeOK, code)
	case <-time.After(2 * time.Second):
		t.Fatal("send callback was never invoked")
	}

	// Drain the echo so the cleanup path is quiet.
	_, _, _ = active.BRecv(time.Second)
}

func TestRoundTrip_stats(t *testing.T) {
	eng := inproc.NewEngine()
	startEchoPeer(t, eng)
	active := startActive(t, eng)

	stats, err := active.GetStats()
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats, "fresh link must report zero counters")

	require.NoError(t, active.BSend([]byte("test"), 1))
	_, _, err = active.BRecv(2 * time.Second)
	require.NoError(t, err)

	stats, err = active.GetStats()
	require.NoError(t, err)
	assert.Equal(t, uint32(4), stats.BytesSent)
	assert.Equal(t, uint32(4), stats.BytesRecv)
	assert.Zero(t, stats.SendErrors)
	assert.Zero(t, stats.RecvErrors)

	send, recv, err := active.GetTimes()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, send, time.Duration(0))
	assert.GreaterOrEqual(t, recv, time.Duration(0))
}

func TestRoundTrip_oversizedSendLeavesStatsUntouched(t *testing.T) {
	eng := inproc.NewEngine()
	startEchoPeer(t, eng)
	active := startActive(t, eng)

	require.ErrorIs(t, active.BSend(make([]byte, BufferSize), 1), ErrPayloadTooLarge)
	require.ErrorIs(t, active.AsBSend(make([]byte, BufferSize), 1), ErrPayloadTooLarge)

	stats, err := active.GetStats()
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}

func TestRoundTrip_brecvTimeout(t *testing.T) {
	eng := inproc.NewEngine()
	startEchoPeer(t, eng)
	active := startActive(t, eng)

	_, _, err := active.BRecv(50 * time.Millisecond)
	assert.ErrorIs(t, err, ErrRecvTimeout)
}

func TestNoPeer_waitTimesOut(t *testing.T) {
	eng := inproc.NewEngine()

	active, err := New(eng, true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = active.Close() })

	require.NoError(t, active.SetParam(params.WorkInterval, 5))
	// No listener exists at this TSAP, so the job cannot complete.
	require.NoError(t, active.StartTo("0.0.0.0", "127.0.0.1", 9999, 9999))
	require.NoError(t, active.AsBSend([]byte("test"), 1))

	start := time.Now()
	err = active.WaitAsBSendCompletion(100 * time.Millisecond)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrSendTimeout)
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestNoJob_checkCompletionIsInvalid(t *testing.T) {
	eng := inproc.NewEngine()

	active, err := New(eng, true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = active.Close() })

	_, err = active.CheckAsBSendCompletion()
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestMalformedAddress_statusStaysDisconnected(t *testing.T) {
	eng := inproc.NewEngine()

	active, err := New(eng, true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = active.Close() })

	require.ErrorIs(t, active.StartTo("999.1.1.1", "127.0.0.1", testTSAP, testTSAP), ErrInvalidAddress)

	status, err := active.GetStatus()
	require.NoError(t, err)
	assert.Equal(t, engine.StatusStopped, status)
}

func TestParamRoundTrip(t *testing.T) {
	eng := inproc.NewEngine()

	p, err := New(eng, true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	t.Run("defaults match the documented table", func(t *testing.T) {
		expected := map[params.Number]int{
			params.LocalPort:     0,
			params.RemotePort:    102,
			params.PingTimeout:   750,
			params.SendTimeout:   10,
			params.RecvTimeout:   3000,
			params.SrcRef:        256,
			params.DstRef:        0,
			params.PDURequest:    480,
			params.WorkInterval:  100,
			params.BSendTimeout:  3000,
			params.BRecvTimeout:  3000,
			params.RecoveryTime:  500,
			params.KeepAliveTime: 5000,
		}
		for number, want := range expected {
			got, err := p.GetParam(number)
			require.NoError(t, err, "get %s", number)
			assert.Equal(t, want, got, "default of %s", number)
		}
	})

	t.Run("every read-write parameter round-trips", func(t *testing.T) {
		values := map[params.Number]int{
			params.PingTimeout:   800,
			params.SendTimeout:   15,
			params.RecvTimeout:   3500,
			params.WorkInterval:  50,
			params.SrcRef:        128,
			params.DstRef:        128,
			params.SrcTSap:       128,
			params.PDURequest:    470,
			params.BSendTimeout:  2000,
			params.BRecvTimeout:  2000,
			params.RecoveryTime:  400,
			params.KeepAliveTime: 4000,
		}
		for number, value := range values {
			require.NoError(t, p.SetParam(number, value), "set %s", number)
			got, err := p.GetParam(number)
			require.NoError(t, err)
			assert.Equal(t, value, got, "round-trip of %s", number)
		}
	})

	t.Run("restricted parameter is rejected", func(t *testing.T) {
		_, err := p.GetParam(params.MaxClients)

		var paramErr *ParameterError
		require.ErrorAs(t, err, &paramErr)
		assert.Equal(t, params.MaxClients, paramErr.Number)
	})

	t.Run("port is not writable while running", func(t *testing.T) {
		require.NoError(t, p.StartTo("0.0.0.0", "127.0.0.1", testTSAP, testTSAP))

		err := p.SetParam(params.RemotePort, 1)

		var paramErr *ParameterError
		require.ErrorAs(t, err, &paramErr)

		require.NoError(t, p.Stop())
		assert.NoError(t, p.SetParam(params.RemotePort, 1))
	})
}
