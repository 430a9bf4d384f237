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
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/andrii-holovchenko/spdk-mellanox/pkg/nvme"
	"github.com/andrii-holovchenko/spdk-mellanox/pkg/nvme/pdu"
	"github.com/andrii-holovchenko/spdk-mellanox/pkg/sock"
	"github.com/andrii-holovchenko/spdk-mellanox/pkg/sock/socktest"
	"github.com/stretchr/testify/require"
)

const (
	testSubsysNQN = "nqn.2016-01.com.lightbitslabs:uuid:0c2f6a8e-5b9c-4d3e-9a55-2c1f0a7b8d11"
	testHostNQN   = "nqn.2014-08.org.nvmexpress:uuid:6f1d7a52-3b84-4c1a-8e0f-94b2d6c3e7a0"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
	// step is added after every read
	step time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now
	c.now = c.now.Add(c.step)
	return now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// hostPDU is a PDU written by the queue under test.
type hostPDU struct {
	ch   pdu.CommonHeader
	hdr  pdu.Header
	data []byte
}

// parseHostPDUs splits b into PDUs and checks their digests. Bytes of an
// incomplete trailing PDU are returned as rest.
func parseHostPDUs(b []byte) (pdus []hostPDU, rest []byte, err error) {
	for len(b) >= pdu.CommonHeaderLen {
		ch, err := pdu.DecodeCommon(b)
		if err != nil {
			return nil, nil, err
		}
		if len(b) < int(ch.PLen) {
			break
		}
		raw := b[:ch.PLen]
		b = b[ch.PLen:]
		hlen := int(ch.HLen)
		h, err := pdu.Decode(ch, raw[pdu.CommonHeaderLen:hlen])
		if err != nil {
			return nil, nil, err
		}
		p := hostPDU{ch: ch, hdr: h}
		if ch.Flags&pdu.FlagHDGST != 0 && !pdu.DigestMatches(raw[hlen:], pdu.HeaderDigest(raw[:hlen])) {
			return nil, nil, fmt.Errorf("bad header digest on %s", ch.Type)
		}
		switch {
		case ch.Type == pdu.TypeH2CTermReq:
			p.data = append([]byte(nil), raw[hlen:]...)
		case ch.PDO > 0:
			end := len(raw)
			if ch.Flags&pdu.FlagDDGST != 0 {
				end -= pdu.DigestLen
				if !pdu.DigestMatches(raw[end:], pdu.DataDigest([][]byte{raw[ch.PDO:end]})) {
					return nil, nil, fmt.Errorf("bad data digest on %s", ch.Type)
				}
			}
			p.data = append([]byte(nil), raw[ch.PDO:end]...)
		}
		pdus = append(pdus, p)
	}
	return pdus, b, nil
}

func appendDigest(b []byte, crc uint32) []byte {
	var d [pdu.DigestLen]byte
	pdu.PutDigest(d[:], crc)
	return append(b, d[:]...)
}

// fakeTarget plays the controller side of one socket.
type fakeTarget struct {
	t    *testing.T
	sock *socktest.Sock

	hdgst      bool
	ddgst      bool
	cpda       uint8
	maxH2CData uint32
	cntlID     uint16

	icreq   *pdu.ICReq
	connect *nvme.CommonCommand
	pending []byte
	// early holds commands flushed in the poll that finished the handshake
	early []hostPDU
}

func newFakeTarget(t *testing.T) *fakeTarget {
	return &fakeTarget{
		t:          t,
		sock:       socktest.New(),
		maxH2CData: 128 * 1024,
		cntlID:     1,
	}
}

// received returns the PDUs flushed by the host since the last call.
func (tg *fakeTarget) received() []hostPDU {
	tg.pending = append(tg.pending, tg.sock.TakeWritten()...)
	pdus, rest, err := parseHostPDUs(tg.pending)
	require.NoError(tg.t, err)
	tg.pending = append([]byte(nil), rest...)
	if len(tg.early) > 0 {
		pdus = append(tg.early, pdus...)
		tg.early = nil
	}
	return pdus
}

// receivedOne returns the single PDU flushed since the last call.
func (tg *fakeTarget) receivedOne() hostPDU {
	pdus := tg.received()
	require.Len(tg.t, pdus, 1)
	return pdus[0]
}

// encode frames h the way a controller does with the negotiated digests.
func (tg *fakeTarget) encode(h pdu.Header, flags uint8, data []byte) []byte {
	typ := h.PDUType()
	hlen, ok := pdu.ExpectedHLen(typ)
	require.True(tg.t, ok)
	ch := pdu.CommonHeader{Type: typ, Flags: flags, HLen: hlen}
	plen := uint32(hlen)
	hdgst := tg.hdgst && pdu.HasHeaderDigest(typ)
	if hdgst {
		ch.Flags |= pdu.FlagHDGST
		plen += pdu.DigestLen
	}
	ddgst := false
	if len(data) > 0 {
		if typ == pdu.TypeC2HTermReq {
			plen += uint32(len(data))
		} else {
			plen += pdu.Padding(tg.cpda, plen)
			ch.PDO = uint8(plen)
			plen += uint32(len(data))
			if tg.ddgst && pdu.HasDataDigest(typ) {
				ch.Flags |= pdu.FlagDDGST
				plen += pdu.DigestLen
				ddgst = true
			}
		}
	}
	ch.PLen = plen

	b, err := pdu.Marshal(&ch, h)
	require.NoError(tg.t, err)
	if hdgst {
		b = appendDigest(b, pdu.HeaderDigest(b))
	}
	for len(b) < int(ch.PDO) {
		b = append(b, 0)
	}
	b = append(b, data...)
	if ddgst {
		b = appendDigest(b, pdu.DataDigest([][]byte{data}))
	}
	return b
}

func (tg *fakeTarget) send(h pdu.Header, flags uint8, data []byte) {
	tg.sock.Inject(tg.encode(h, flags, data))
}

func (tg *fakeTarget) sendICResp() {
	var digest uint8
	if tg.hdgst {
		digest |= pdu.DigestHeader
	}
	if tg.ddgst {
		digest |= pdu.DigestData
	}
	tg.send(&pdu.ICResp{PFV: pdu.PFV10, CPDA: tg.cpda, Digest: digest, MaxH2CData: tg.maxH2CData}, 0, nil)
}

func (tg *fakeTarget) respond(cpl *nvme.Completion) {
	tg.send(&pdu.CapsuleResp{RCCQE: *cpl}, 0, nil)
}

func (tg *fakeTarget) respondSuccess(cid, sqid uint16) {
	tg.respond(nvme.NewCompletion(cid, sqid, nvme.SCSuccess))
}

func (tg *fakeTarget) c2hData(cid uint16, datao uint32, data []byte, flags uint8) {
	tg.send(&pdu.C2HData{CCCID: cid, DataO: datao, DataL: uint32(len(data))}, flags, data)
}

func (tg *fakeTarget) r2t(cid, ttag uint16, r2to, r2tl uint32) {
	tg.send(&pdu.R2T{CCCID: cid, TTag: ttag, R2TO: r2to, R2TL: r2tl}, 0, nil)
}

// handshake answers the ICReq and the fabric CONNECT of queue, calling poll
// until the queue is connected.
func (tg *fakeTarget) handshake(queue *Queue, poll func()) {
	for i := 0; i < 20 && queue.State() == QueueConnecting; i++ {
		poll()
		for _, p := range tg.received() {
			switch h := p.hdr.(type) {
			case *pdu.ICReq:
				tg.icreq = h
				tg.sendICResp()
			case *pdu.CapsuleCmd:
				if !h.CCSQE.IsFabrics() {
					require.Equal(tg.t, QueueConnected, queue.State(), "%s sent while connecting", h.CCSQE.String())
					tg.early = append(tg.early, p)
					continue
				}
				require.Len(tg.t, p.data, nvme.ConnectDataSize)
				cmd := h.CCSQE
				tg.connect = &cmd
				cpl := nvme.NewCompletion(cmd.CommandID, queue.ID(), nvme.SCSuccess)
				cpl.Result.SetU16(tg.cntlID)
				tg.respond(cpl)
			default:
				tg.t.Fatalf("unexpected %s pdu while connecting", p.ch.Type)
			}
		}
	}
	require.Equal(tg.t, QueueConnected, queue.State())
}

// result records the completion of a request.
type result struct {
	calls int
	cpl   nvme.Completion
}

func (r *result) callback(_ *Request, cpl *nvme.Completion) {
	r.calls++
	r.cpl = *cpl
}

// testEnv is a controller whose queues dial fake targets.
type testEnv struct {
	t     *testing.T
	ctrl  *Controller
	clock *fakeClock

	// prepare configures each target before its queue connects
	prepare func(tg *fakeTarget)

	mu      sync.Mutex
	targets []*fakeTarget
}

func newTestEnv(t *testing.T, mutate func(opts *ControllerOpts)) *testEnv {
	env := &testEnv{t: t, clock: newFakeClock()}
	opts := ControllerOpts{
		Address:     "127.0.0.1:4420",
		SubsysNQN:   testSubsysNQN,
		HostNQN:     testHostNQN,
		IOQueueSize: 8,
		Dial:        env.dial,
		Now:         env.clock.Now,
	}
	if mutate != nil {
		mutate(&opts)
	}
	ctrl, err := newController(opts)
	require.NoError(t, err)
	env.ctrl = ctrl
	return env
}

func (env *testEnv) dial(_ context.Context, _ string, _ sock.Options) (sock.Sock, error) {
	tg := newFakeTarget(env.t)
	if env.prepare != nil {
		env.prepare(tg)
	}
	env.mu.Lock()
	env.targets = append(env.targets, tg)
	env.mu.Unlock()
	return tg.sock, nil
}

func (env *testEnv) lastTarget() *fakeTarget {
	env.mu.Lock()
	defer env.mu.Unlock()
	require.NotEmpty(env.t, env.targets)
	return env.targets[len(env.targets)-1]
}

func (env *testEnv) ioQueue(size int) *Queue {
	queue, err := env.ctrl.AllocIOQueue(QueueOptions{Size: size})
	require.NoError(env.t, err)
	return queue
}

// connect connects queue outside of a poll group.
func (env *testEnv) connect(queue *Queue) *fakeTarget {
	require.NoError(env.t, queue.startConnect(context.Background()))
	tg := env.lastTarget()
	tg.handshake(queue, func() { _, _ = queue.ProcessCompletions(0) })
	return tg
}

// connectInGroup adds queue to g and connects it through the group.
func (env *testEnv) connectInGroup(g *PollGroup, queue *Queue) *fakeTarget {
	require.NoError(env.t, g.Add(queue))
	require.NoError(env.t, g.ConnectQueue(context.Background(), queue))
	tg := env.lastTarget()
	tg.handshake(queue, func() { _, _ = g.ProcessCompletions(0, nil) })
	return tg
}

func poll(t *testing.T, queue *Queue) int {
	n, err := queue.ProcessCompletions(0)
	require.NoError(t, err)
	return n
}

func pollGroup(t *testing.T, g *PollGroup, times int) {
	for i := 0; i < times; i++ {
		_, err := g.ProcessCompletions(0, nil)
		require.NoError(t, err)
	}
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i*7)
	}
	return b
}
