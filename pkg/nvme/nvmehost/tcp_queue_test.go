// Copyright 2016--2022 Lightbits Labs Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// you may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package nvmehost

import (
	"errors"
	"testing"
	"time"

	"github.com/andrii-holovchenko/spdk-mellanox/pkg/nvme"
	"github.com/andrii-holovchenko/spdk-mellanox/pkg/nvme/pdu"
	"github.com/andrii-holovchenko/spdk-mellanox/pkg/sock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flushCommand() nvme.CommonCommand {
	return nvme.NewIOCommand(nvme.NvmFlush, 1, 0, 1)
}

func submit(t *testing.T, queue *Queue, req *Request) uint16 {
	require.NoError(t, queue.Submit(req))
	return req.CID()
}

func TestConnectNegotiatesDigests(t *testing.T) {
	env := newTestEnv(t, func(opts *ControllerOpts) {
		opts.HeaderDigest = true
		opts.DataDigest = true
	})
	env.prepare = func(tg *fakeTarget) {
		tg.hdgst = true
		tg.ddgst = true
		tg.maxH2CData = 8192
		tg.cntlID = 7
	}

	admin := env.ctrl.AdminQueue()
	tg := env.connect(admin)
	require.NotNil(t, tg.icreq)
	assert.Equal(t, uint16(pdu.PFV10), tg.icreq.PFV)
	assert.Equal(t, pdu.DigestHeader|pdu.DigestData, tg.icreq.Digest)
	require.NotNil(t, tg.connect)
	assert.Equal(t, nvme.FabricsConnect, tg.connect.FabricsType())

	assert.Equal(t, uint16(7), env.ctrl.ControllerID())
	assert.True(t, admin.hostHdgst)
	assert.True(t, admin.hostDdgst)
	assert.Equal(t, uint32(8192), admin.MaxH2CData())
	assert.Equal(t, tcpRunning, admin.tcpState)
	assert.Equal(t, (0x1000+pdu.DataHeaderLen+2*pdu.DigestLen)*recvBufSizeFactor, tg.sock.RecvBufSize())
	assert.Equal(t, 0, admin.Outstanding())
}

func TestInCapsuleWriteAlignedAndDigested(t *testing.T) {
	env := newTestEnv(t, nil)
	env.prepare = func(tg *fakeTarget) {
		tg.hdgst = true
		tg.ddgst = true
		tg.cpda = pdu.CPDAMax
	}
	queue := env.ioQueue(8)
	tg := env.connect(queue)

	data := pattern(512, 3)
	var r result
	cid := submit(t, queue, &Request{Cmd: nvme.NewIOCommand(nvme.NvmWrite, 1, 0, 1), Data: data, Callback: r.callback})
	poll(t, queue)

	p := tg.receivedOne()
	require.Equal(t, pdu.TypeCapsuleCmd, p.ch.Type)
	assert.Equal(t, uint8(128), p.ch.PDO, "payload aligned to (cpda+1)*4")
	assert.NotZero(t, p.ch.Flags&pdu.FlagDDGST)
	assert.Equal(t, data, p.data)
	assert.Equal(t, cid, p.hdr.(*pdu.CapsuleCmd).CCSQE.CommandID)
	assert.Equal(t, uint64(1), queue.Stats().SendDdgsts)

	tg.respondSuccess(cid, queue.ID())
	assert.Equal(t, 1, poll(t, queue))
	assert.Equal(t, 1, r.calls)
	assert.False(t, r.cpl.IsError())
}

func TestRequestsQueuedWhileConnecting(t *testing.T) {
	env := newTestEnv(t, nil)
	queue := env.ioQueue(8)
	require.NoError(t, queue.startConnect(t.Context()))

	var r result
	require.NoError(t, queue.Submit(&Request{Cmd: flushCommand(), Callback: r.callback}))
	assert.Equal(t, uint64(1), queue.Stats().QueuedRequests)
	assert.Equal(t, 0, queue.Outstanding())

	tg := env.lastTarget()
	tg.handshake(queue, func() { _, _ = queue.ProcessCompletions(0) })

	p := tg.receivedOne()
	cmd := p.hdr.(*pdu.CapsuleCmd).CCSQE
	assert.Equal(t, nvme.NvmFlush, cmd.Opcode)
	tg.respondSuccess(cmd.CommandID, queue.ID())
	poll(t, queue)
	assert.Equal(t, 1, r.calls)
}

func TestICReqTimeout(t *testing.T) {
	env := newTestEnv(t, nil)
	queue := env.ioQueue(8)
	require.NoError(t, queue.startConnect(t.Context()))
	tg := env.lastTarget()

	poll(t, queue)
	assert.Equal(t, pdu.TypeICReq, tg.receivedOne().ch.Type)

	env.clock.Advance(icreqTimeout - time.Millisecond)
	poll(t, queue)
	assert.Equal(t, QueueConnecting, queue.State())

	env.clock.Advance(2 * time.Millisecond)
	_, err := queue.ProcessCompletions(0)
	assert.ErrorIs(t, err, ErrConnectionFatal)
	assert.Equal(t, QueueDisconnecting, queue.State())
	assert.Equal(t, 1, tg.sock.CloseCount())
}

func TestFabricConnectTimeout(t *testing.T) {
	const timeout = 3 * time.Second
	env := newTestEnv(t, func(opts *ControllerOpts) { opts.ConnectTimeout = timeout })
	queue := env.ioQueue(8)
	require.NoError(t, queue.startConnect(t.Context()))
	tg := env.lastTarget()

	sent := false
	for i := 0; i < 10 && !sent; i++ {
		poll(t, queue)
		for _, p := range tg.received() {
			switch h := p.hdr.(type) {
			case *pdu.ICReq:
				tg.sendICResp()
			case *pdu.CapsuleCmd:
				require.True(t, h.CCSQE.IsFabrics())
				sent = true
			}
		}
	}
	require.True(t, sent, "fabric connect sent")
	assert.Equal(t, tcpFabricConnectPoll, queue.tcpState)

	// the connect response never comes
	env.clock.Advance(timeout - time.Millisecond)
	poll(t, queue)
	assert.Equal(t, QueueConnecting, queue.State())

	env.clock.Advance(2 * time.Millisecond)
	_, err := queue.ProcessCompletions(0)
	assert.ErrorIs(t, err, ErrConnectionFatal)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, QueueDisconnecting, queue.State())
	assert.Equal(t, 1, tg.sock.CloseCount())
}

func TestConnectSyncTimeout(t *testing.T) {
	env := newTestEnv(t, nil)
	env.clock.step = 100 * time.Millisecond
	queue := env.ioQueue(8)

	err := queue.connectSync(t.Context())
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, QueueDisconnected, queue.State())
	assert.Equal(t, 1, env.lastTarget().sock.CloseCount())
}

func TestConnectPollNotReentrant(t *testing.T) {
	env := newTestEnv(t, nil)
	queue := env.ioQueue(8)
	require.NoError(t, queue.startConnect(t.Context()))

	queue.inConnectPoll = true
	assert.Equal(t, ErrAgain, queue.connectPoll())
	queue.inConnectPoll = false
	assert.Equal(t, ErrAgain, queue.connectPoll())
}

func TestCompletionWaitsForSendAck(t *testing.T) {
	env := newTestEnv(t, nil)
	queue := env.ioQueue(8)
	tg := env.connect(queue)
	tg.sock.AutoAck = false

	t.Run("response first", func(t *testing.T) {
		var r result
		cid := submit(t, queue, &Request{Cmd: flushCommand(), Callback: r.callback})
		poll(t, queue)
		require.Equal(t, 1, tg.sock.InflightWrites())
		tg.receivedOne()

		tg.respondSuccess(cid, queue.ID())
		assert.Equal(t, 0, poll(t, queue))
		assert.Equal(t, 0, r.calls, "capsule not acknowledged yet")
		assert.Equal(t, 1, queue.Outstanding())

		tg.sock.AckWrites(1)
		assert.Equal(t, 1, poll(t, queue))
		assert.Equal(t, 1, r.calls)
		assert.Equal(t, 0, queue.Outstanding())
	})

	t.Run("ack first", func(t *testing.T) {
		var r result
		cid := submit(t, queue, &Request{Cmd: flushCommand(), Callback: r.callback})
		poll(t, queue)
		tg.receivedOne()

		tg.sock.AckWrites(1)
		poll(t, queue)
		assert.Equal(t, 0, r.calls, "no response yet")

		tg.respondSuccess(cid, queue.ID())
		assert.Equal(t, 1, poll(t, queue))
		assert.Equal(t, 1, r.calls)
	})
}

func TestR2TStashedUntilH2CAcked(t *testing.T) {
	env := newTestEnv(t, nil)
	env.prepare = func(tg *fakeTarget) { tg.maxH2CData = 4096 }
	queue := env.ioQueue(8)
	tg := env.connect(queue)
	tg.sock.AutoAck = false

	data := pattern(8192, 11)
	var r result
	cid := submit(t, queue, &Request{Cmd: nvme.NewIOCommand(nvme.NvmWrite, 1, 0, 16), Data: data, Callback: r.callback})
	poll(t, queue)
	capsule := tg.receivedOne()
	assert.Empty(t, capsule.data, "payload exceeds in-capsule size")

	tg.sock.AckWrites(1)
	tg.r2t(cid, 1, 0, 4096)
	poll(t, queue)
	first := tg.receivedOne()
	h := first.hdr.(*pdu.H2CData)
	assert.Equal(t, uint16(1), h.TTag)
	assert.Equal(t, uint32(0), h.DataO)
	assert.Equal(t, uint32(4096), h.DataL)
	assert.NotZero(t, first.ch.Flags&pdu.FlagH2CLastPDU)
	assert.Equal(t, data[:4096], first.data)

	// the second R2T arrives before the first H2C data was acknowledged
	tg.r2t(cid, 2, 4096, 4096)
	poll(t, queue)
	assert.Empty(t, tg.received())
	treq := queue.activeRequest(cid)
	require.NotNil(t, treq)
	assert.True(t, treq.ord.r2tWaitingH2CComplete)

	tg.sock.AckWrites(1)
	poll(t, queue)
	second := tg.receivedOne()
	h = second.hdr.(*pdu.H2CData)
	assert.Equal(t, uint16(2), h.TTag)
	assert.Equal(t, uint32(4096), h.DataO)
	assert.Equal(t, data[4096:], second.data)

	tg.sock.AckWrites(1)
	tg.respondSuccess(cid, queue.ID())
	poll(t, queue)
	assert.Equal(t, 1, r.calls)
	assert.False(t, r.cpl.IsError())
}

func TestR2TBeforeCapsuleAck(t *testing.T) {
	env := newTestEnv(t, nil)
	env.prepare = func(tg *fakeTarget) { tg.maxH2CData = 4096 }
	queue := env.ioQueue(8)
	tg := env.connect(queue)
	tg.sock.AutoAck = false

	data := pattern(8192, 5)
	var r result
	cid := submit(t, queue, &Request{Cmd: nvme.NewIOCommand(nvme.NvmWrite, 1, 0, 16), Data: data, Callback: r.callback})
	poll(t, queue)
	tg.receivedOne()

	tg.r2t(cid, 9, 0, 8192)
	poll(t, queue)
	assert.Empty(t, tg.received(), "h2c data waits for the capsule ack")

	tg.sock.AckWrites(1)
	poll(t, queue)
	first := tg.receivedOne()
	assert.Equal(t, uint32(4096), first.hdr.(*pdu.H2CData).DataL)
	assert.Zero(t, first.ch.Flags&pdu.FlagH2CLastPDU)

	tg.sock.AckWrites(1)
	poll(t, queue)
	second := tg.receivedOne()
	assert.Equal(t, uint32(4096), second.hdr.(*pdu.H2CData).DataO)
	assert.NotZero(t, second.ch.Flags&pdu.FlagH2CLastPDU)
	assert.Equal(t, data, append(first.data, second.data...))

	tg.sock.AckWrites(1)
	tg.respondSuccess(cid, queue.ID())
	poll(t, queue)
	assert.Equal(t, 1, r.calls)
}

func TestHeaderDigestError(t *testing.T) {
	env := newTestEnv(t, func(opts *ControllerOpts) { opts.HeaderDigest = true })
	env.prepare = func(tg *fakeTarget) { tg.hdgst = true }

	t.Run("idle queue fails", func(t *testing.T) {
		queue := env.ioQueue(8)
		tg := env.connect(queue)

		bad := tg.encode(&pdu.CapsuleResp{RCCQE: *nvme.NewCompletion(0, queue.ID(), nvme.SCSuccess)}, 0, nil)
		bad[len(bad)-1] ^= 0xff
		tg.sock.Inject(bad)

		_, err := queue.ProcessCompletions(0)
		assert.ErrorIs(t, err, ErrConnectionFatal)
		term := tg.receivedOne()
		require.Equal(t, pdu.TypeH2CTermReq, term.ch.Type)
		assert.Equal(t, pdu.FESHeaderDigestError, term.hdr.(*pdu.H2CTermReq).FES)
		assert.Equal(t, bad[:pdu.CapsuleRespLen], term.data, "offending header echoed back")
		assert.Equal(t, recvError, queue.recvState)
		assert.Equal(t, QueueDisconnecting, queue.State())
		assert.Equal(t, 1, tg.sock.CloseCount())

		poll(t, queue)
		assert.Equal(t, QueueDisconnected, queue.State())
	})

	t.Run("outstanding commands abort once the termreq is sent", func(t *testing.T) {
		queue := env.ioQueue(8)
		tg := env.connect(queue)

		var r result
		cid := submit(t, queue, &Request{Cmd: flushCommand(), Callback: r.callback})
		poll(t, queue)
		tg.receivedOne()

		bad := tg.encode(&pdu.CapsuleResp{RCCQE: *nvme.NewCompletion(cid, queue.ID(), nvme.SCSuccess)}, 0, nil)
		bad[len(bad)-2] ^= 0x01
		tg.sock.Inject(bad)
		poll(t, queue)
		assert.Equal(t, pdu.TypeH2CTermReq, tg.receivedOne().ch.Type)
		assert.Equal(t, recvQuiescing, queue.recvState)
		assert.Equal(t, 0, r.calls)

		_, err := queue.ProcessCompletions(0)
		assert.ErrorIs(t, err, ErrConnectionFatal)
		assert.Equal(t, 1, r.calls)
		assert.Equal(t, nvme.SCAbortedSQDeletion, r.cpl.SC())
		assert.Equal(t, QueueDisconnecting, queue.State())
		assert.Equal(t, ErrQueueDisconnected, queue.Submit(&Request{Cmd: flushCommand(), Callback: r.callback}))

		poll(t, queue)
		assert.Equal(t, QueueDisconnected, queue.State())
		assert.Equal(t, 1, r.calls)
	})
}

func TestDataDigest(t *testing.T) {
	env := newTestEnv(t, func(opts *ControllerOpts) { opts.DataDigest = true })
	env.prepare = func(tg *fakeTarget) { tg.ddgst = true }
	queue := env.ioQueue(8)
	tg := env.connect(queue)
	data := pattern(4096, 9)

	read := func(r *result, buf []byte) uint16 {
		cid := submit(t, queue, &Request{Cmd: nvme.NewIOCommand(nvme.NvmRead, 1, 0, 8), Data: buf, Callback: r.callback})
		poll(t, queue)
		tg.receivedOne()
		return cid
	}

	t.Run("valid", func(t *testing.T) {
		var r result
		buf := make([]byte, len(data))
		cid := read(&r, buf)
		tg.c2hData(cid, 0, data, pdu.FlagC2HLastPDU|pdu.FlagC2HSuccess)
		assert.Equal(t, 1, poll(t, queue))
		require.Equal(t, 1, r.calls)
		assert.False(t, r.cpl.IsError())
		assert.Equal(t, data, buf)
	})

	t.Run("mismatch completes with transient error", func(t *testing.T) {
		var r result
		cid := read(&r, make([]byte, len(data)))
		b := tg.encode(&pdu.C2HData{CCCID: cid, DataL: uint32(len(data))}, pdu.FlagC2HLastPDU|pdu.FlagC2HSuccess, data)
		b[len(b)-1] ^= 0xff
		tg.sock.Inject(b)
		poll(t, queue)
		require.Equal(t, 1, r.calls)
		assert.Equal(t, nvme.SCTGeneric, r.cpl.SCT())
		assert.Equal(t, nvme.SCTransientTransportError, r.cpl.SC())
		assert.False(t, r.cpl.DNR())
		assert.Equal(t, QueueConnected, queue.State())
	})

	t.Run("mismatch survives a successful response", func(t *testing.T) {
		var r result
		cid := read(&r, make([]byte, len(data)))
		b := tg.encode(&pdu.C2HData{CCCID: cid, DataL: uint32(len(data))}, pdu.FlagC2HLastPDU, data)
		b[len(b)-1] ^= 0xff
		tg.sock.Inject(b)
		poll(t, queue)
		assert.Equal(t, 0, r.calls)

		tg.respondSuccess(cid, queue.ID())
		poll(t, queue)
		require.Equal(t, 1, r.calls)
		assert.Equal(t, nvme.SCTransientTransportError, r.cpl.SC())
	})
	assert.Equal(t, uint64(3), queue.Stats().RecvDdgsts)
}

func TestC2HDataOffsetMustAdvance(t *testing.T) {
	env := newTestEnv(t, nil)
	queue := env.ioQueue(8)
	tg := env.connect(queue)

	var r result
	cid := submit(t, queue, &Request{Cmd: nvme.NewIOCommand(nvme.NvmRead, 1, 0, 16), Data: make([]byte, 8192), Callback: r.callback})
	poll(t, queue)
	tg.receivedOne()

	tg.c2hData(cid, 0, pattern(4096, 1), 0)
	poll(t, queue)
	assert.Empty(t, tg.received())

	replay := tg.encode(&pdu.C2HData{CCCID: cid, DataO: 0, DataL: 4096}, 0, pattern(4096, 2))
	tg.sock.Inject(replay)
	poll(t, queue)

	term := tg.receivedOne()
	h := term.hdr.(*pdu.H2CTermReq)
	assert.Equal(t, pdu.FESInvalidHeaderField, h.FES)
	assert.Equal(t, uint32(pdu.OffsetDataDataO), h.FEI)
	assert.Equal(t, replay[:pdu.DataHeaderLen], term.data)
	assert.Equal(t, recvQuiescing, queue.recvState)
	assert.Equal(t, 0, r.calls)

	_, err := queue.ProcessCompletions(0)
	assert.ErrorIs(t, err, ErrConnectionFatal)
	assert.Equal(t, 1, r.calls)
	assert.Equal(t, nvme.SCAbortedSQDeletion, r.cpl.SC())
}

func TestResponseForUnknownCommand(t *testing.T) {
	env := newTestEnv(t, nil)
	queue := env.ioQueue(8)
	tg := env.connect(queue)

	tg.respondSuccess(5, queue.ID())
	_, err := queue.ProcessCompletions(0)
	assert.ErrorIs(t, err, ErrConnectionFatal)

	h := tg.receivedOne().hdr.(*pdu.H2CTermReq)
	assert.Equal(t, pdu.FESInvalidHeaderField, h.FES)
	assert.Equal(t, uint32(pdu.OffsetRespCQE), h.FEI)
}

func TestControllerTermination(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name   string
		inject func(tg *fakeTarget, queue *Queue, cid uint16)
		reason FailureReason
		// the host answers with a termreq and fails once it is acknowledged
		termReq bool
	}{
		{
			name: "c2h termreq",
			inject: func(tg *fakeTarget, _ *Queue, _ uint16) {
				tg.send(&pdu.C2HTermReq{TermReq: pdu.TermReq{FES: pdu.FESInvalidHeaderField, FEI: pdu.OffsetPLen}}, 0, make([]byte, pdu.CommonHeaderLen))
			},
			reason: FailureRemote,
		},
		{
			name:   "end of stream",
			inject: func(tg *fakeTarget, _ *Queue, _ uint16) { tg.sock.InjectEOF() },
			reason: FailureRemote,
		},
		{
			name: "response for unknown command",
			inject: func(tg *fakeTarget, queue *Queue, cid uint16) {
				tg.respondSuccess(cid+1, queue.ID())
			},
			reason:  FailureUnknown,
			termReq: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name+"/idle", func(t *testing.T) {
			queue := env.ioQueue(8)
			tg := env.connect(queue)
			tc.inject(tg, queue, 0)

			_, err := queue.ProcessCompletions(0)
			assert.ErrorIs(t, err, ErrConnectionFatal)
			assert.Equal(t, tc.reason, queue.FailureReason())
			assert.Equal(t, 1, tg.sock.CloseCount())
			if tc.termReq {
				assert.Equal(t, pdu.TypeH2CTermReq, tg.receivedOne().ch.Type)
			} else {
				assert.Empty(t, tg.received(), "nothing is sent to a terminated target")
			}
		})

		t.Run(tc.name+"/outstanding read", func(t *testing.T) {
			queue := env.ioQueue(8)
			tg := env.connect(queue)

			var r result
			cid := submit(t, queue, &Request{Cmd: nvme.NewIOCommand(nvme.NvmRead, 1, 0, 8), Data: make([]byte, 4096), Callback: r.callback})
			poll(t, queue)
			tg.receivedOne()
			tc.inject(tg, queue, cid)

			_, err := queue.ProcessCompletions(0)
			if tc.termReq {
				require.NoError(t, err)
				assert.Equal(t, 0, r.calls)
				assert.Equal(t, pdu.TypeH2CTermReq, tg.receivedOne().ch.Type)
				_, err = queue.ProcessCompletions(0)
			}
			assert.ErrorIs(t, err, ErrConnectionFatal)
			assert.Equal(t, 1, r.calls)
			assert.Equal(t, cid, r.cpl.CommandID)
			assert.Equal(t, nvme.SCAbortedSQDeletion, r.cpl.SC())
			assert.Equal(t, tc.reason, queue.FailureReason())
			assert.Equal(t, QueueDisconnecting, queue.State())
			assert.Equal(t, 1, tg.sock.CloseCount())

			poll(t, queue)
			assert.Equal(t, QueueDisconnected, queue.State())
			_, err = queue.ProcessCompletions(0)
			assert.ErrorIs(t, err, ErrQueueDisconnected)
			assert.Equal(t, 1, r.calls)
		})
	}
}

func TestSlots(t *testing.T) {
	env := newTestEnv(t, nil)

	t.Run("exhaustion", func(t *testing.T) {
		queue := env.ioQueue(3)
		tg := env.connect(queue)
		require.Equal(t, 2, queue.NumEntries())

		var r0, r1, r2 result
		cid0 := submit(t, queue, &Request{Cmd: flushCommand(), Callback: r0.callback})
		submit(t, queue, &Request{Cmd: flushCommand(), Callback: r1.callback})
		req := &Request{Cmd: flushCommand(), Callback: r2.callback}
		assert.Equal(t, ErrAgain, queue.Submit(req))

		poll(t, queue)
		tg.received()
		tg.respondSuccess(cid0, queue.ID())
		poll(t, queue)
		assert.Equal(t, 1, r0.calls)
		assert.NoError(t, queue.Submit(req))
		assert.Equal(t, cid0, req.CID(), "freed slot is reused")
	})

	t.Run("double free", func(t *testing.T) {
		queue := env.ioQueue(4)
		treq, err := queue.reqGet(&Request{})
		require.NoError(t, err)
		require.NoError(t, queue.reqPut(treq))
		assert.ErrorIs(t, queue.reqPut(treq), ErrSlotDoubleFree)
	})

	t.Run("invalid size", func(t *testing.T) {
		_, err := env.ctrl.AllocIOQueue(QueueOptions{Size: 1})
		assert.ErrorIs(t, err, ErrInvalidQueueSize)
	})
}

func TestDisconnectIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	queue := env.ioQueue(8)
	tg := env.connect(queue)

	var r result
	submit(t, queue, &Request{Cmd: flushCommand(), Callback: r.callback})
	poll(t, queue)

	queue.Disconnect()
	assert.Equal(t, QueueDisconnected, queue.State())
	assert.Equal(t, FailureLocal, queue.FailureReason())
	assert.Equal(t, 1, r.calls)
	assert.Equal(t, nvme.SCAbortedSQDeletion, r.cpl.SC())
	assert.Equal(t, 1, tg.sock.CloseCount())

	queue.Disconnect()
	assert.Equal(t, 1, tg.sock.CloseCount())
	assert.Equal(t, 1, r.calls)

	assert.Equal(t, ErrQueueDisconnected, queue.Submit(&Request{Cmd: flushCommand(), Callback: r.callback}))
	_, err := queue.ProcessCompletions(0)
	assert.Equal(t, ErrQueueDisconnected, err)
}

func TestZeroCopyRead(t *testing.T) {
	env := newTestEnv(t, nil)
	env.prepare = func(tg *fakeTarget) { tg.sock.SetCaps(sock.Caps{Zcopy: true}) }

	t.Run("socket buffers", func(t *testing.T) {
		queue := env.ioQueue(2)
		tg := env.connect(queue)
		data := pattern(8192, 21)

		var r result
		req := &Request{Cmd: nvme.NewIOCommand(nvme.NvmRead, 1, 0, 16), Size: len(data), Zcopy: true, Callback: r.callback}
		cid := submit(t, queue, req)
		poll(t, queue)
		tg.receivedOne()
		tg.c2hData(cid, 0, data, pdu.FlagC2HLastPDU|pdu.FlagC2HSuccess)
		poll(t, queue)

		require.Equal(t, 1, r.calls)
		require.Len(t, req.ZcopyData, 1)
		assert.Equal(t, data, req.ZcopyData[0])
		assert.Equal(t, int64(1), tg.sock.LiveBufs(), "socket buffer held by the request")

		// the slot is held until the request is freed
		assert.Equal(t, ErrAgain, queue.Submit(&Request{Cmd: flushCommand(), Callback: r.callback}))
		require.NoError(t, queue.FreeRequest(req))
		assert.Equal(t, int64(0), tg.sock.LiveBufs())
		assert.Nil(t, req.ZcopyData)
		assert.ErrorIs(t, queue.FreeRequest(req), ErrUnknownRequest)
		assert.NoError(t, queue.Submit(&Request{Cmd: flushCommand(), Callback: r.callback}))
	})

	t.Run("too many chunks are copied", func(t *testing.T) {
		queue := env.ioQueue(2)
		tg := env.connect(queue)
		tg.sock.ChunkSize = 64
		data := pattern(8192, 33)

		var r result
		req := &Request{Cmd: nvme.NewIOCommand(nvme.NvmRead, 1, 0, 16), Size: len(data), Zcopy: true, Callback: r.callback}
		cid := submit(t, queue, req)
		poll(t, queue)
		tg.receivedOne()
		tg.c2hData(cid, 0, data, pdu.FlagC2HLastPDU|pdu.FlagC2HSuccess)
		poll(t, queue)

		require.Equal(t, 1, r.calls)
		require.Len(t, req.ZcopyData, 1)
		assert.Equal(t, data, req.ZcopyData[0])
		assert.Equal(t, int64(0), tg.sock.LiveBufs(), "socket buffers released after the copy")
		assert.Greater(t, queue.Stats().MaxDataIovsPerPDU, uint64(maxZcopyIovs))
		require.NoError(t, queue.FreeRequest(req))
	})

	t.Run("disconnect waits for held requests", func(t *testing.T) {
		queue := env.ioQueue(2)
		tg := env.connect(queue)
		data := pattern(4096, 1)

		var r result
		req := &Request{Cmd: nvme.NewIOCommand(nvme.NvmRead, 1, 0, 8), Size: len(data), Zcopy: true, Callback: r.callback}
		cid := submit(t, queue, req)
		poll(t, queue)
		tg.receivedOne()
		tg.c2hData(cid, 0, data, pdu.FlagC2HLastPDU|pdu.FlagC2HSuccess)
		poll(t, queue)
		require.Equal(t, 1, r.calls)

		queue.Disconnect()
		assert.Equal(t, 0, tg.sock.CloseCount(), "socket kept while zero copy buffers are held")
		require.NoError(t, queue.FreeRequest(req))
		assert.Equal(t, 1, tg.sock.CloseCount())
	})

	t.Run("requires zero copy socket", func(t *testing.T) {
		plain := newTestEnv(t, nil)
		queue := plain.ioQueue(2)
		plain.connect(queue)
		err := queue.Submit(&Request{Cmd: nvme.NewIOCommand(nvme.NvmRead, 1, 0, 1), Size: 512, Zcopy: true, Callback: func(*Request, *nvme.Completion) {}})
		assert.ErrorIs(t, err, ErrNotSupported)
	})
}

func TestTimeoutWalkStopsAtFirstLiveCommand(t *testing.T) {
	env := newTestEnv(t, nil)
	queue := env.ioQueue(8)
	env.connect(queue)
	env.ctrl.ready = true

	var timedOut []uint16
	env.ctrl.SetTimeoutCallback(time.Second, time.Second, func(_ *Controller, _ *Queue, req *Request) {
		timedOut = append(timedOut, req.CID())
	})

	var r result
	cid0 := submit(t, queue, &Request{Cmd: flushCommand(), Callback: r.callback})
	env.clock.Advance(500 * time.Millisecond)
	cid1 := submit(t, queue, &Request{Cmd: flushCommand(), Callback: r.callback})
	env.clock.Advance(700 * time.Millisecond)
	submit(t, queue, &Request{Cmd: flushCommand(), Callback: r.callback})

	env.clock.Advance(100 * time.Millisecond)
	poll(t, queue)
	assert.Equal(t, []uint16{cid0}, timedOut)

	env.clock.Advance(300 * time.Millisecond)
	poll(t, queue)
	assert.Equal(t, []uint16{cid0, cid1}, timedOut)

	poll(t, queue)
	assert.Equal(t, []uint16{cid0, cid1}, timedOut, "a command times out once")
	assert.Equal(t, 0, r.calls)
}

func TestTimeoutResetFailsQueue(t *testing.T) {
	env := newTestEnv(t, func(opts *ControllerOpts) { opts.TimeoutAction = TimeoutActionReset })
	queue := env.ioQueue(8)
	env.connect(queue)
	env.ctrl.ready = true

	var r0, r1 result
	submit(t, queue, &Request{Cmd: flushCommand(), Callback: r0.callback})
	submit(t, queue, &Request{Cmd: flushCommand(), Callback: r1.callback})
	poll(t, queue)

	env.clock.Advance(DefaultIOTimeout + time.Second)
	poll(t, queue)
	assert.Equal(t, QueueDisconnecting, queue.State())
	for _, r := range []result{r0, r1} {
		assert.Equal(t, 1, r.calls)
		assert.Equal(t, nvme.SCAbortedSQDeletion, r.cpl.SC())
	}

	poll(t, queue)
	assert.Equal(t, QueueDisconnected, queue.State())
}

func TestAbortAERsAndIterate(t *testing.T) {
	env := newTestEnv(t, nil)
	admin := env.ctrl.AdminQueue()
	env.connect(admin)

	var aer, ka result
	submit(t, admin, &Request{Cmd: nvme.NewAsyncEventCommand(), Callback: aer.callback})
	submit(t, admin, &Request{Cmd: nvme.NewKeepAliveCommand(), Callback: ka.callback})
	poll(t, admin)

	opcodes := func() []uint8 {
		var ops []uint8
		require.NoError(t, admin.IterateRequests(func(req *Request) error {
			ops = append(ops, req.Cmd.Opcode)
			return nil
		}))
		return ops
	}
	assert.Equal(t, []uint8{nvme.AdminAsyncEvent, nvme.AdminKeepAlive}, opcodes())

	stop := errors.New("stop")
	visited := 0
	assert.Equal(t, stop, admin.IterateRequests(func(*Request) error {
		visited++
		return stop
	}))
	assert.Equal(t, 1, visited)

	admin.AbortAERs()
	assert.Equal(t, 1, aer.calls)
	assert.Equal(t, nvme.SCAbortedSQDeletion, aer.cpl.SC())
	assert.Equal(t, 0, ka.calls)
	assert.Equal(t, []uint8{nvme.AdminKeepAlive}, opcodes())
}
