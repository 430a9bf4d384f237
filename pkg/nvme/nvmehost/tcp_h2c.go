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
	"github.com/andrii-holovchenko/spdk-mellanox/pkg/nvme"
	"github.com/andrii-holovchenko/spdk-mellanox/pkg/nvme/pdu"
)

// cmdSendComplete runs once the command capsule was written.
func (queue *Queue) cmdSendComplete(treq *tcpRequest) {
	queue.log.Debugf("capsule sent for cid %d", treq.cid)
	treq.ord.sendAck = true
	if treq.ord.h2cSendWaitingAck {
		queue.sendH2CData(treq)
		return
	}
	queue.completeSafe(treq)
}

// sendH2CData sends the next H2C data PDU of the active R2T. A PDU carries
// at most maxH2CData bytes.
func (queue *Queue) sendH2CData(treq *tcpRequest) {
	treq.ord.sendAck = false
	treq.ord.h2cSendWaitingAck = false

	p := &treq.pdu
	p.reset()
	p.treq = treq

	datal := treq.r2tlRemain
	if datal > queue.maxH2CData {
		datal = queue.maxH2CData
	}
	h := &pdu.H2CData{
		CCCID: treq.cid,
		TTag:  treq.ttag,
		DataO: treq.datao,
		DataL: datal,
	}
	treq.r2tlRemain -= datal
	var flags uint8
	if treq.r2tlRemain == 0 {
		flags |= pdu.FlagH2CLastPDU
	}
	queue.frame(p, pdu.TypeH2CData, pdu.DataHeaderLen, int(datal), flags)
	p.datao = h.DataO
	p.dataLen = int(datal)
	treq.datao += datal
	queue.log.Debugf("h2c data cid %d datao %d datal %d plen %d", treq.cid, h.DataO, h.DataL, p.ch.PLen)

	if err := p.setHeader(h); err != nil {
		queue.log.WithError(err).Errorf("failed to build h2c data")
		queue.failRequest(treq, nvme.SCInternalDeviceError, true)
		return
	}

	// a single PDU carrying the whole payload gets its digest from the
	// engine while the data is staged
	if queue.hostDdgst && h.DataO == 0 && treq.r2tlRemain == 0 && treq.req.hasMemoryDomain() && !treq.staged {
		if err := queue.stageH2C(treq); err != nil {
			queue.log.WithError(err).Errorf("failed to stage h2c data for cid %d", treq.cid)
			queue.failRequest(treq, nvme.SCInternalDeviceError, true)
		}
		return
	}

	if err := queue.writeH2CData(treq); err != nil {
		queue.log.WithError(err).Errorf("failed to send h2c data for cid %d", treq.cid)
		queue.failRequest(treq, nvme.SCInternalDeviceError, true)
	}
}

// writeH2CData maps the payload window of the framed H2C PDU and queues it.
func (queue *Queue) writeH2CData(treq *tcpRequest) error {
	p := &treq.pdu
	data, err := nvme.SliceBuffers(treq.iovs, int(p.datao), p.dataLen)
	if err != nil {
		return err
	}
	p.setData(data, p.dataLen)
	queue.stats.SubmittedRequests++
	return queue.writePDU(p, func() { queue.h2cDataSendComplete(treq) })
}

// h2cDataSendComplete continues the R2T, replays a stashed one or completes
// the command.
func (queue *Queue) h2cDataSendComplete(treq *tcpRequest) {
	treq.ord.sendAck = true
	if treq.r2tlRemain > 0 {
		queue.sendH2CData(treq)
		return
	}
	if treq.activeR2Ts > 0 {
		treq.activeR2Ts--
	}
	treq.state = reqActive

	if treq.ord.r2tWaitingH2CComplete {
		treq.ord.r2tWaitingH2CComplete = false
		queue.log.Debugf("replaying stashed r2t for cid %d", treq.cid)
		treq.ttag = treq.ttagR2TNext
		treq.r2tlRemain = treq.r2tlRemainNext
		treq.state = reqActiveR2T
		queue.sendH2CData(treq)
		return
	}
	queue.completeSafe(treq)
}

// completeSafe completes treq once its last send was acknowledged and its
// response or last data PDU arrived.
func (queue *Queue) completeSafe(treq *tcpRequest) bool {
	if !treq.ord.sendAck || !treq.ord.dataRecv {
		return false
	}
	queue.log.Debugf("completing cid %d", treq.cid)
	if !queue.inCompletionContext {
		queue.asyncComplete++
	}
	queue.complete(treq, &treq.rsp)
	return true
}

// failRequest completes treq with a generic status outside the normal
// response flow.
func (queue *Queue) failRequest(treq *tcpRequest, sc uint8, dnr bool) {
	cpl := nvme.Completion{CommandID: treq.cid, SqID: queue.id}
	cpl.SetStatus(nvme.SCTGeneric, sc, dnr)
	if !queue.inCompletionContext {
		queue.asyncComplete++
	}
	queue.complete(treq, &cpl)
}

// complete finishes treq with cpl. Reads in a memory domain first move the
// received data to the caller through the accel engine.
func (queue *Queue) complete(treq *tcpRequest, cpl *nvme.Completion) {
	req := treq.req
	if cpl.IsError() && !queue.ctrl.opts.DisableErrorLogging {
		queue.log.Warnf("command %s failed: %s", req.Cmd.String(), cpl.String())
	}
	if req.hasMemoryDomain() && len(treq.sockBufs) > 0 && !treq.ord.digestOffloaded && !cpl.IsError() {
		treq.rsp = *cpl
		err := queue.completeMemoryDomain(treq)
		if err == nil {
			return
		}
		queue.log.WithError(err).Errorf("failed to move read data for cid %d", treq.cid)
		treq.rsp.SetStatus(nvme.SCTGeneric, nvme.SCInternalDeviceError, false)
		cpl = &treq.rsp
	}
	queue.finish(treq, cpl)
}

// finish detaches treq, releases its resources and runs the callback. The
// slot of a zero copy read is kept until FreeRequest.
func (queue *Queue) finish(treq *tcpRequest, cpl *nvme.Completion) {
	req := treq.req
	rsp := *cpl
	if treq.outstanding != nil {
		queue.outstanding.Remove(treq.outstanding)
		treq.outstanding = nil
		queue.stats.OutstandingRequests--
	}
	if seq := req.accelSequence(); seq != nil && !treq.accelSeqUsed {
		seq.Abort()
	}
	queue.stats.NvmeCompletions++

	if req.Zcopy {
		if !rsp.IsError() {
			req.ZcopyData = treq.zcopyData()
		} else {
			treq.freeSockBufs()
			treq.zcopyCopy = nil
		}
		treq.zcopyHeld = true
		queue.outstandingZcopy++
		req.Callback(req, &rsp)
		return
	}

	treq.freeSockBufs()
	if err := queue.reqPut(treq); err != nil {
		queue.log.WithError(err).Errorf("failed to release cid %d", rsp.CommandID)
	}
	req.Callback(req, &rsp)
}
