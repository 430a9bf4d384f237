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
	"io"

	"github.com/andrii-holovchenko/spdk-mellanox/pkg/nvme"
	"github.com/andrii-holovchenko/spdk-mellanox/pkg/nvme/pdu"
	"github.com/andrii-holovchenko/spdk-mellanox/pkg/sock"
)

// recvBufSizeFactor sizes the socket receive buffer for several 4K reads.
const recvBufSizeFactor = 16

// readPDU drives the receive state machine until it stops changing state or
// max completions were reaped. Completions delivered outside of polling are
// counted first.
func (queue *Queue) readPDU(max int) (int, error) {
	reaped := queue.asyncComplete
	queue.asyncComplete = 0

	for reaped < max {
		prev := queue.recvState
		switch queue.recvState {
		case recvAwaitPDUReady:
			queue.chValid = 0
			if queue.recvPDU != nil {
				queue.recvPDU.reset()
			}
			queue.setRecvState(recvAwaitPDUCH)

		case recvAwaitPDUCH:
			if queue.chValid < pdu.CommonHeaderLen {
				n, err := queue.readData(queue.chBuf[queue.chValid:])
				if err != nil {
					queue.readFailed(err)
					break
				}
				queue.chValid += n
				if queue.chValid < pdu.CommonHeaderLen {
					return reaped, nil
				}
			}
			if queue.recvPDU == nil {
				queue.recvPDU = queue.recvPDUGet()
				if queue.recvPDU == nil {
					// every pooled PDU is in use; retry on the next poll
					if queue.group != nil && !queue.needsPoll {
						queue.group.addNeedsPoll(queue)
					}
					return reaped, nil
				}
			}
			queue.chHandle()

		case recvAwaitPDUPSH:
			p := queue.recvPDU
			start := pdu.CommonHeaderLen + p.pshValid
			n, err := queue.readData(p.raw[start : pdu.CommonHeaderLen+p.pshLen])
			if err != nil {
				queue.readFailed(err)
				break
			}
			p.pshValid += n
			if p.pshValid < p.pshLen {
				return reaped, nil
			}
			queue.pshHandle(&reaped)

		case recvAwaitPDUPayload:
			p := queue.recvPDU
			dataLen := p.dataLen
			if p.ch.Type == pdu.TypeC2HData && queue.hostDdgst {
				dataLen += pdu.DigestLen
				p.ddgstOn = true
			}
			n, err := queue.readPayload(p)
			if err != nil {
				queue.readFailed(err)
				break
			}
			p.rwOffset += n
			if p.rwOffset < dataLen {
				return reaped, nil
			}
			queue.payloadHandle(&reaped)

		case recvQuiescing:
			switch {
			case queue.outstanding.Len() == 0:
				if queue.state == QueueDisconnecting {
					queue.disconnectDone()
				}
				queue.setRecvState(recvError)
			case queue.tcpState == tcpExiting:
				// the h2c termreq went out, nothing outstanding will complete
				queue.setRecvState(recvError)
			}

		case recvError:
			return reaped, ErrConnectionFatal
		}
		if prev == queue.recvState {
			break
		}
	}
	return reaped, nil
}

// readData reads into b. A would-block read returns 0 and no error.
func (queue *Queue) readData(b []byte) (int, error) {
	if queue.sockClosed {
		return 0, sock.ErrClosed
	}
	return queue.sock.Readv([][]byte{b})
}

func (queue *Queue) readFailed(err error) {
	if errors.Is(err, io.EOF) {
		queue.log.Infof("connection closed by peer")
		if queue.failureReason == FailureNone {
			queue.failureReason = FailureRemote
		}
	} else {
		queue.log.WithError(err).Errorf("failed to read from socket")
	}
	// nothing more can arrive, outstanding requests are aborted by the caller
	queue.setRecvState(recvError)
}

// readPayload reads the rest of the payload and the data digest. Zero copy
// payloads are claimed as socket buffers and appended to the request.
func (queue *Queue) readPayload(p *recvPDU) (int, error) {
	if queue.sockClosed {
		return 0, sock.ErrClosed
	}
	var iovs [][]byte
	n := 0
	if p.rwOffset < p.dataLen {
		if p.zcopy {
			bufs, err := queue.sock.RecvBufs(p.dataLen - p.rwOffset)
			if err != nil {
				return 0, err
			}
			p.treq.sockBufs = append(p.treq.sockBufs, bufs...)
			n = sock.BufsLen(bufs)
			if p.rwOffset+n < p.dataLen || !p.ddgstOn {
				return n, nil
			}
		} else {
			rest, err := nvme.SliceBuffers(p.data, p.rwOffset, p.dataLen-p.rwOffset)
			if err != nil {
				return 0, err
			}
			iovs = rest
		}
	}
	if p.ddgstOn {
		got := p.rwOffset + n - p.dataLen
		if got < 0 {
			got = 0
		}
		iovs = append(iovs, p.ddgst[got:])
	}
	m, err := queue.sock.Readv(iovs)
	if err != nil && n == 0 {
		return 0, err
	}
	return n + m, nil
}

// recvStateValid reports whether the handshake got far enough to accept
// PDUs other than ICResp.
func (queue *Queue) recvStateValid() bool {
	switch queue.tcpState {
	case tcpFabricConnectSend, tcpFabricConnectPoll, tcpRunning:
		return true
	}
	return false
}

func (queue *Queue) chHandle() {
	p := queue.recvPDU
	copy(p.raw[:], queue.chBuf[:])
	ch, err := pdu.DecodeCommon(queue.chBuf[:])
	if err != nil {
		queue.log.WithError(err).Errorf("failed to decode common header")
		queue.sendH2CTermReq(p, pdu.FESInvalidHeaderField, 0)
		return
	}
	p.ch = ch
	queue.log.Debugf("received %s", &ch)

	switch ch.Type {
	case pdu.TypeICResp:
		if queue.tcpState != tcpInvalid {
			queue.log.Errorf("already received icresp")
			queue.sendH2CTermReq(p, pdu.FESPDUSequenceError, 0)
			return
		}
	case pdu.TypeCapsuleResp, pdu.TypeC2HData, pdu.TypeC2HTermReq, pdu.TypeR2T:
		if !queue.recvStateValid() {
			queue.log.Errorf("connection is not negotiated, got %s", ch.Type)
			queue.sendH2CTermReq(p, pdu.FESPDUSequenceError, 0)
			return
		}
	default:
		if !queue.recvStateValid() {
			queue.sendH2CTermReq(p, pdu.FESPDUSequenceError, 0)
			return
		}
		queue.log.Errorf("unexpected pdu type %s", ch.Type)
		queue.sendH2CTermReq(p, pdu.FESInvalidHeaderField, pdu.OffsetType)
		return
	}

	if ferr := pdu.ValidateHeader(ch); ferr != nil {
		queue.log.WithError(ferr).Errorf("invalid common header")
		queue.sendH2CTermReq(p, ferr.FES, ferr.Offset)
		return
	}
	p.pshLen, p.hasHdgst = pdu.PSHLen(ch, queue.hostHdgst)
	queue.setRecvState(recvAwaitPDUPSH)
}

func (queue *Queue) pshHandle(reaped *int) {
	p := queue.recvPDU
	hlen := int(p.ch.HLen)
	if p.hasHdgst {
		if !pdu.DigestMatches(p.raw[hlen:hlen+pdu.DigestLen], pdu.HeaderDigest(p.raw[:hlen])) {
			queue.log.Errorf("header digest error on %s pdu", p.ch.Type)
			queue.sendH2CTermReq(p, pdu.FESHeaderDigestError, 0)
			return
		}
	}
	h, err := pdu.Decode(p.ch, p.raw[pdu.CommonHeaderLen:hlen])
	if err != nil {
		queue.log.WithError(err).Errorf("failed to decode %s header", p.ch.Type)
		queue.sendH2CTermReq(p, pdu.FESInvalidHeaderField, 0)
		return
	}
	p.hdr = h

	switch h := h.(type) {
	case *pdu.ICResp:
		queue.icrespHandle(p, h)
	case *pdu.CapsuleResp:
		queue.capsuleRespHandle(p, h, reaped)
	case *pdu.C2HData:
		queue.c2hDataHdrHandle(p, h, reaped)
	case *pdu.C2HTermReq:
		queue.c2hTermReqHdrHandle(p, h)
	case *pdu.R2T:
		queue.r2tHandle(p, h)
	default:
		queue.log.Errorf("unexpected pdu type %s", p.ch.Type)
		queue.sendH2CTermReq(p, pdu.FESInvalidHeaderField, pdu.OffsetFlags)
	}
}

func (queue *Queue) icrespHandle(p *recvPDU, h *pdu.ICResp) {
	if h.PFV != pdu.PFV10 {
		queue.log.Errorf("expected icresp pfv %d, got %d", pdu.PFV10, h.PFV)
		queue.sendH2CTermReq(p, pdu.FESInvalidHeaderField, pdu.OffsetICRespPFV)
		return
	}
	if h.MaxH2CData < pdu.H2CDataMinSize {
		queue.log.Errorf("expected icresp maxh2cdata >= %d, got %d", pdu.H2CDataMinSize, h.MaxH2CData)
		queue.sendH2CTermReq(p, pdu.FESInvalidHeaderField, pdu.OffsetICRespMaxH2C)
		return
	}
	if h.CPDA > pdu.CPDAMax {
		queue.log.Errorf("expected icresp cpda <= %d, got %d", pdu.CPDAMax, h.CPDA)
		queue.sendH2CTermReq(p, pdu.FESInvalidHeaderField, pdu.OffsetICRespCPDA)
		return
	}
	queue.maxH2CData = h.MaxH2CData
	queue.cpda = h.CPDA
	queue.hostHdgst = h.Digest&pdu.DigestHeader != 0
	queue.hostDdgst = h.Digest&pdu.DigestData != 0
	queue.log.Debugf("negotiated hdgst %t ddgst %t cpda %d maxh2cdata %d",
		queue.hostHdgst, queue.hostDdgst, queue.cpda, queue.maxH2CData)

	recvBufSize := 0x1000 + pdu.DataHeaderLen
	if queue.hostHdgst {
		recvBufSize += pdu.DigestLen
	}
	if queue.hostDdgst {
		recvBufSize += pdu.DigestLen
	}
	if err := queue.sock.SetRecvBuf(recvBufSize * recvBufSizeFactor); err != nil {
		queue.log.WithError(err).Warnf("unable to set receive buffer size to %d", recvBufSize*recvBufSizeFactor)
	}

	queue.setRecvState(recvAwaitPDUReady)
	if !queue.icreqSendAck {
		queue.tcpState = tcpInitializing
		queue.log.Debugf("waiting for icreq ack")
		return
	}
	queue.tcpState = tcpFabricConnectSend
}

func (queue *Queue) capsuleRespHandle(p *recvPDU, h *pdu.CapsuleResp, reaped *int) {
	cid := h.RCCQE.CommandID
	treq := queue.activeRequest(cid)
	if treq == nil {
		queue.log.Errorf("no request found for capsule response cid %d", cid)
		queue.sendH2CTermReq(p, pdu.FESInvalidHeaderField, pdu.OffsetRespCQE)
		return
	}

	digestFailed := treq.rsp.SCT() == nvme.SCTGeneric && treq.rsp.SC() == nvme.SCTransientTransportError
	treq.rsp = h.RCCQE
	if digestFailed {
		treq.rsp.SetStatus(nvme.SCTGeneric, nvme.SCTransientTransportError, false)
	}
	treq.ord.dataRecv = true

	queue.setRecvState(recvAwaitPDUReady)
	if queue.completeSafe(treq) {
		*reaped++
	}
}

func (queue *Queue) c2hDataHdrHandle(p *recvPDU, h *pdu.C2HData, reaped *int) {
	flags := p.ch.Flags
	queue.log.Debugf("c2h data cid %d datao %d datal %d", h.CCCID, h.DataO, h.DataL)
	treq := queue.activeRequest(h.CCCID)
	if treq == nil {
		queue.log.Errorf("no request found for c2h data cid %d", h.CCCID)
		queue.sendH2CTermReq(p, pdu.FESInvalidHeaderField, pdu.OffsetDataCCCID)
		return
	}
	if flags&pdu.FlagC2HSuccess != 0 && flags&pdu.FlagC2HLastPDU == 0 {
		queue.log.Errorf("invalid c2h data flags %#x", flags)
		queue.sendH2CTermReq(p, pdu.FESInvalidHeaderField, 0)
		return
	}
	if h.DataL > treq.payloadSize {
		queue.log.Errorf("c2h datal %d exceeds payload size %d", h.DataL, treq.payloadSize)
		queue.sendH2CTermReq(p, pdu.FESDataTransferOutOfRange, 0)
		return
	}
	if h.DataO != treq.expectedDatao {
		queue.log.Errorf("c2h datao %d, expected %d", h.DataO, treq.expectedDatao)
		queue.sendH2CTermReq(p, pdu.FESInvalidHeaderField, pdu.OffsetDataDataO)
		return
	}
	if uint64(h.DataO)+uint64(h.DataL) > uint64(treq.payloadSize) {
		queue.log.Errorf("c2h range %d+%d exceeds payload size %d", h.DataO, h.DataL, treq.payloadSize)
		queue.sendH2CTermReq(p, pdu.FESDataTransferOutOfRange, pdu.OffsetDataDataL)
		return
	}

	p.treq = treq
	p.dataLen = int(h.DataL)
	if treq.req.Zcopy || treq.req.hasMemoryDomain() {
		p.zcopy = true
		p.bufStart = len(treq.sockBufs)
	} else {
		data, err := nvme.SliceBuffers(treq.iovs, int(h.DataO), int(h.DataL))
		if err != nil {
			queue.log.WithError(err).Errorf("failed to map c2h data")
			queue.sendH2CTermReq(p, pdu.FESDataTransferOutOfRange, pdu.OffsetDataDataL)
			return
		}
		p.data = data
	}
	if p.dataLen == 0 {
		// nothing to read and no data digest on an empty payload
		queue.setRecvState(recvAwaitPDUReady)
		queue.c2hDataPayloadHandle(treq, flags, 0, reaped)
		return
	}
	queue.setRecvState(recvAwaitPDUPayload)
}

func (queue *Queue) c2hTermReqHdrHandle(p *recvPDU, h *pdu.C2HTermReq) {
	if h.FES > pdu.FESUnsupportedParameter {
		queue.log.Errorf("unknown fatal error status %#x in c2h termreq", uint16(h.FES))
		queue.sendH2CTermReq(p, pdu.FESInvalidHeaderField, pdu.OffsetTermReqFES)
		return
	}
	hlen := int(p.ch.HLen)
	p.termData = p.raw[hlen:p.ch.PLen]
	p.data = [][]byte{p.termData}
	p.dataLen = len(p.termData)
	queue.setRecvState(recvAwaitPDUPayload)
}

func (queue *Queue) r2tHandle(p *recvPDU, h *pdu.R2T) {
	treq := queue.activeRequest(h.CCCID)
	if treq == nil {
		queue.log.Errorf("no request found for r2t cid %d", h.CCCID)
		queue.sendH2CTermReq(p, pdu.FESInvalidHeaderField, pdu.OffsetR2TCCCID)
		return
	}
	queue.log.Debugf("r2t cid %d r2to %d r2tl %d", h.CCCID, h.R2TO, h.R2TL)

	if treq.state == reqActive {
		treq.state = reqActiveR2T
	}
	if treq.datao != h.R2TO {
		queue.log.Errorf("r2to %d, expected %d", h.R2TO, treq.datao)
		queue.sendH2CTermReq(p, pdu.FESInvalidHeaderField, pdu.OffsetR2TR2TO)
		return
	}
	if uint64(h.R2TO)+uint64(h.R2TL) > uint64(treq.payloadSize) {
		queue.log.Errorf("r2t range %d+%d exceeds payload size %d", h.R2TO, h.R2TL, treq.payloadSize)
		queue.sendH2CTermReq(p, pdu.FESDataTransferOutOfRange, pdu.OffsetR2TR2TL)
		return
	}

	treq.activeR2Ts++
	if treq.activeR2Ts > queue.maxR2T {
		if treq.state == reqActiveR2T && !treq.ord.sendAck {
			// the next R2T waits for the current H2C data to be acknowledged
			queue.log.Debugf("stashing r2t for cid %d", treq.cid)
			treq.ttagR2TNext = h.TTag
			treq.r2tlRemainNext = h.R2TL
			treq.ord.r2tWaitingH2CComplete = true
			queue.setRecvState(recvAwaitPDUReady)
			return
		}
		queue.log.Errorf("r2t limit %d exceeded for cid %d", queue.maxR2T, treq.cid)
		queue.sendH2CTermReq(p, pdu.FESR2TLimitExceeded, 0)
		return
	}

	treq.ttag = h.TTag
	treq.r2tlRemain = h.R2TL
	queue.setRecvState(recvAwaitPDUReady)
	if treq.ord.sendAck {
		queue.sendH2CData(treq)
	} else {
		treq.ord.h2cSendWaitingAck = true
	}
}

func (queue *Queue) payloadHandle(reaped *int) {
	p := queue.recvPDU
	treq := p.treq
	if treq != nil {
		treq.expectedDatao += uint32(p.dataLen)
	}

	if p.ddgstOn {
		if queue.offloadRecvDigest(p, reaped) {
			return
		}
		var crc uint32
		if p.zcopy {
			crc = pdu.DataDigest(sock.BufsIovs(treq.sockBufs[p.bufStart:]))
		} else {
			crc = pdu.DataDigest(p.data)
		}
		queue.stats.RecvDdgsts++
		if !pdu.DigestMatches(p.ddgst[:], crc) {
			queue.log.Errorf("data digest error for cid %d", treq.cid)
			treq.rsp.SetStatus(nvme.SCTGeneric, nvme.SCTransientTransportError, false)
		}
	}

	switch p.ch.Type {
	case pdu.TypeC2HData:
		if treq.req.Zcopy {
			queue.zcopyPDUReceived(treq, p)
		}
		flags := p.ch.Flags
		dataLen := p.dataLen
		queue.setRecvState(recvAwaitPDUReady)
		queue.c2hDataPayloadHandle(treq, flags, dataLen, reaped)
	case pdu.TypeC2HTermReq:
		h := p.hdr.(*pdu.C2HTermReq)
		entry := queue.log.WithField("fes", h.FES.String())
		if h.FES.HasFEI() {
			entry = entry.WithField("fei", h.FEI)
		}
		entry.Errorf("received c2h termreq")
		if queue.failureReason == FailureNone {
			queue.failureReason = FailureRemote
		}
		queue.setRecvState(recvError)
	default:
		queue.log.Errorf("unexpected payload for %s pdu", p.ch.Type)
	}
}

// c2hDataPayloadHandle accounts a received data PDU and completes the
// command when the controller marked it successful.
func (queue *Queue) c2hDataPayloadHandle(treq *tcpRequest, flags uint8, dataLen int, reaped *int) {
	treq.datao += uint32(dataLen)
	if flags&pdu.FlagC2HLastPDU == 0 {
		return
	}
	treq.rsp.SetPhase(treq.datao != treq.payloadSize)
	treq.rsp.CommandID = treq.cid
	treq.rsp.SqID = queue.id
	if flags&pdu.FlagC2HSuccess != 0 {
		treq.ord.dataRecv = true
		if queue.completeSafe(treq) {
			*reaped++
		}
	}
}

// sendH2CTermReq reports a fatal error to the controller and stops
// receiving. The offending header is echoed back.
func (queue *Queue) sendH2CTermReq(p *recvPDU, fes pdu.FES, offset uint32) {
	// the shared send PDU may still be queued behind the ICReq
	tp := &sendPDU{}

	copyLen := int(p.ch.HLen)
	if copyLen < pdu.CommonHeaderLen {
		copyLen = pdu.CommonHeaderLen
	}
	if copyLen > pdu.TermReqErrorDataMax {
		copyLen = pdu.TermReqErrorDataMax
	}
	data := make([]byte, copyLen)
	copy(data, p.raw[:copyLen])

	tp.ch = pdu.CommonHeader{
		Type: pdu.TypeH2CTermReq,
		HLen: pdu.TermReqHeaderLen,
		PLen: uint32(pdu.TermReqHeaderLen + copyLen),
	}
	h := &pdu.H2CTermReq{TermReq: pdu.TermReq{FES: fes}}
	if fes.HasFEI() {
		h.FEI = offset
	}
	if err := tp.setHeader(h); err != nil {
		queue.log.WithError(err).Errorf("failed to build h2c termreq")
		queue.tcpState = tcpExiting
		queue.setRecvState(recvQuiescing)
		return
	}
	tp.setData([][]byte{data}, copyLen)

	queue.log.WithField("fes", fes.String()).Errorf("sending h2c termreq")
	queue.setRecvState(recvQuiescing)
	if queue.sockClosed {
		queue.tcpState = tcpExiting
		return
	}
	if err := queue.writePDU(tp, queue.termReqSent); err != nil {
		queue.log.WithError(err).Errorf("failed to send h2c termreq")
		queue.tcpState = tcpExiting
	}
}

// termReqSent runs once the target acknowledged the h2c termreq. The next
// read moves the queue to the error state.
func (queue *Queue) termReqSent() {
	queue.tcpState = tcpExiting
	if queue.group != nil {
		queue.group.addNeedsPoll(queue)
	}
}
