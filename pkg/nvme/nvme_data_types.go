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

package nvme

import (
	"encoding/binary"
	"fmt"
	"reflect"
)

// Admin command opcodes.
const (
	AdminDeleteIOSQ   uint8 = 0x00
	AdminCreateIOSQ   uint8 = 0x01
	AdminGetLogPage   uint8 = 0x02
	AdminDeleteIOCQ   uint8 = 0x04
	AdminCreateIOCQ   uint8 = 0x05
	AdminIdentify     uint8 = 0x06
	AdminAbort        uint8 = 0x08
	AdminSetFeatures  uint8 = 0x09
	AdminGetFeatures  uint8 = 0x0a
	AdminAsyncEvent   uint8 = 0x0c
	AdminKeepAlive    uint8 = 0x18
	FabricsCommand    uint8 = 0x7f
	NvmFlush          uint8 = 0x00
	NvmWrite          uint8 = 0x01
	NvmRead           uint8 = 0x02
	NvmWriteZeroes    uint8 = 0x08
	NvmDatasetMgmt    uint8 = 0x09
	psdtSglMptrContig uint8 = 0x40
)

// DataTransfer is the direction encoded in the two low bits of an opcode.
type DataTransfer uint8

const (
	DataTransferNone DataTransfer = iota
	DataTransferHostToController
	DataTransferControllerToHost
	DataTransferBidirectional
)

func (d DataTransfer) String() string {
	switch d {
	case DataTransferNone:
		return "none"
	case DataTransferHostToController:
		return "host_to_controller"
	case DataTransferControllerToHost:
		return "controller_to_host"
	default:
		return "bidirectional"
	}
}

// Status code types.
const (
	SCTGeneric         uint8 = 0x0
	SCTCommandSpecific uint8 = 0x1
	SCTMediaError      uint8 = 0x2
	SCTPath            uint8 = 0x3
)

// Generic command status codes.
const (
	SCSuccess                 uint8 = 0x00
	SCInvalidOpcode           uint8 = 0x01
	SCInvalidField            uint8 = 0x02
	SCCommandIDConflict       uint8 = 0x03
	SCDataTransferError       uint8 = 0x04
	SCInternalDeviceError     uint8 = 0x06
	SCAbortedByRequest        uint8 = 0x07
	SCAbortedSQDeletion       uint8 = 0x08
	SCAbortedFailedFused      uint8 = 0x09
	SCTransientTransportError uint8 = 0x22
)

// Fabrics command specific status codes.
const (
	SCConnectIncompatibleFormat uint8 = 0x80
	SCConnectControllerBusy     uint8 = 0x81
	SCConnectInvalidParameters  uint8 = 0x82
	SCConnectRestartDiscovery   uint8 = 0x83
	SCConnectInvalidHost        uint8 = 0x84
)

func OpcodeName(opcode uint8) string {
	switch opcode {
	case AdminIdentify:
		return "identify"
	case AdminGetLogPage:
		return "get_log_page"
	case AdminKeepAlive:
		return "keep_alive"
	case AdminSetFeatures:
		return "set_features"
	case AdminGetFeatures:
		return "get_features"
	case AdminAsyncEvent:
		return "async_event_request"
	case AdminAbort:
		return "abort"
	case FabricsCommand:
		return "fabrics_command"
	default:
		return "UNKNOWN"
	}
}

// IOOpcodeName names opcodes of the NVM command set.
func IOOpcodeName(opcode uint8) string {
	switch opcode {
	case NvmFlush:
		return "flush"
	case NvmWrite:
		return "write"
	case NvmRead:
		return "read"
	case NvmWriteZeroes:
		return "write_zeroes"
	case NvmDatasetMgmt:
		return "dataset_management"
	default:
		return "UNKNOWN"
	}
}

//////////////////////////////////////////////////

type CompletionResult struct {
	Result [8]uint8 `struc:"[8]uint8"`
}

func (cqe *CompletionResult) SetU32(result uint32) {
	binary.LittleEndian.PutUint32(cqe.Result[:4], result)
}

func (cqe *CompletionResult) SetU16(result uint16) {
	binary.LittleEndian.PutUint16(cqe.Result[:2], result)
}

func (cqe *CompletionResult) SetU64(result uint64) {
	binary.LittleEndian.PutUint64(cqe.Result[:], result)
}

func (cqe *CompletionResult) U16() uint16 {
	return binary.LittleEndian.Uint16(cqe.Result[:2])
}

func (cqe *CompletionResult) U32() uint32 {
	return binary.LittleEndian.Uint32(cqe.Result[:4])
}

func (cqe *CompletionResult) U64() uint64 {
	return binary.LittleEndian.Uint64(cqe.Result[:])
}

////////////////////////////////////////////////////

// Completion is the 16 byte completion queue entry. Status holds the phase
// tag in bit 0, SC in bits 1-8, SCT in bits 9-11 and DNR in bit 15.
type Completion struct {
	Result    CompletionResult
	SqHead    uint16 `struc:"uint16,little"`
	SqID      uint16 `struc:"uint16,little"`
	CommandID uint16 `struc:"uint16,little"`
	Status    uint16 `struc:"uint16,little"`
}

// NewCompletion builds a completion with a generic status code.
func NewCompletion(commandID uint16, sqID uint16, sc uint8) *Completion {
	c := &Completion{
		CommandID: commandID,
		SqID:      sqID,
	}
	c.SetStatus(SCTGeneric, sc, false)
	return c
}

func (cqe *Completion) SC() uint8 {
	return uint8(cqe.Status >> 1)
}

func (cqe *Completion) SCT() uint8 {
	return uint8((cqe.Status >> 9) & 0x7)
}

func (cqe *Completion) DNR() bool {
	return cqe.Status&0x8000 != 0
}

func (cqe *Completion) Phase() bool {
	return cqe.Status&0x1 != 0
}

func (cqe *Completion) SetPhase(p bool) {
	if p {
		cqe.Status |= 0x1
	} else {
		cqe.Status &^= 0x1
	}
}

// SetStatus replaces SCT, SC and DNR and keeps the phase tag.
func (cqe *Completion) SetStatus(sct, sc uint8, dnr bool) {
	status := cqe.Status & 0x1
	status |= uint16(sc) << 1
	status |= uint16(sct&0x7) << 9
	if dnr {
		status |= 0x8000
	}
	cqe.Status = status
}

// IsError reports a non successful completion.
func (cqe *Completion) IsError() bool {
	return cqe.SC() != SCSuccess || cqe.SCT() != SCTGeneric
}

func (cqe *Completion) String() string {
	return fmt.Sprintf("cid: %#04x, sqid: %d, sct: %#x, sc: %#02x, dnr: %v, p: %v, cdw0: %#08x",
		cqe.CommandID, cqe.SqID, cqe.SCT(), cqe.SC(), cqe.DNR(), cqe.Phase(), cqe.Result.U32())
}

////////////////////////////////////////////////////

// https://nvmexpress.org/wp-content/uploads/NVM-Express-1_4-2019.06.10-Ratified.pdf
// Figure 105: Command Format – Admin and NVM Command Set
type CommonCommand struct {
	Opcode    uint8     `struc:"uint8"`
	Flags     uint8     `struc:"uint8"`
	CommandID uint16    `struc:"uint16,little"`
	NSId      uint32    `struc:"uint32,little"`
	Cdw2      [2]uint32 `struc:"[2]uint32,little"`
	Metadata  uint64    `struc:"uint64,little"`
	Dptr      DataPtr
	// CDW10 command specific Dword 10.
	Cdw10 uint32 `struc:"uint32,little"`
	// CDW11 command specific Dword 11.
	Cdw11 uint32 `struc:"uint32,little"`
	// CDW12 command specific Dword 12.
	Cdw12 uint32 `struc:"uint32,little"`
	// CDW13 command specific Dword 13.
	Cdw13 uint32 `struc:"uint32,little"`
	// CDW14 command specific Dword 14.
	Cdw14 uint32 `struc:"uint32,little"`
	// CDW15 command specific Dword 15.
	Cdw15 uint32 `struc:"uint32,little"`
}

func (cmd *CommonCommand) String() string {
	name := OpcodeName(cmd.Opcode)
	if cmd.IsFabrics() {
		name = FabricsTypeName(cmd.FabricsType())
	}
	return fmt.Sprintf("%s, id: %#04x. opcode: %s(%#02x). nsid: %d",
		reflect.TypeOf(cmd).String(), cmd.CommandID, name, cmd.Opcode, cmd.NSId)
}

// IsFabrics reports whether the command is a fabrics command capsule.
func (cmd *CommonCommand) IsFabrics() bool {
	return cmd.Opcode == FabricsCommand
}

// FabricsType returns the fctype byte of a fabrics command.
func (cmd *CommonCommand) FabricsType() uint8 {
	return uint8(cmd.NSId & 0xff)
}

// DataTransfer returns the data direction of the command. Fabrics commands
// encode it in the fctype field instead of the opcode.
func (cmd *CommonCommand) DataTransfer() DataTransfer {
	if cmd.IsFabrics() {
		return DataTransfer(cmd.FabricsType() & 0x3)
	}
	return DataTransfer(cmd.Opcode & 0x3)
}

// SetSGLMptrContig marks the command as carrying an SGL descriptor.
func (cmd *CommonCommand) SetSGLMptrContig() {
	cmd.Flags = (cmd.Flags &^ 0xc0) | psdtSglMptrContig
}

//////////////////////////////////////////////////////

const (
	sglTypeDataBlock          uint8 = 0x0
	sglTypeTransportDataBlock uint8 = 0x5
	sglSubtypeOffset          uint8 = 0x1
	sglSubtypeTransport       uint8 = 0xa
)

type DataPtr struct {
	Part1 uint64   `struc:"uint64,little"`
	Part2 [8]uint8 `struc:"[8]uint8"`
}

// SetSgHostData describes data the controller pulls with R2T or pushes with
// C2H data PDUs.
func (dataPtr *DataPtr) SetSgHostData(length uint32) {
	dataPtr.Part1 = uint64(0)
	binary.LittleEndian.PutUint32(dataPtr.Part2[:4], length)
	dataPtr.Part2[7] = (sglTypeTransportDataBlock << 4) | sglSubtypeTransport
}

// SetSgInline describes data carried inside the command capsule.
func (dataPtr *DataPtr) SetSgInline(length uint32) {
	dataPtr.Part1 = uint64(0)
	binary.LittleEndian.PutUint32(dataPtr.Part2[:4], length)
	dataPtr.Part2[7] = (sglTypeDataBlock << 4) | sglSubtypeOffset
}

// Length returns the descriptor length.
func (dataPtr *DataPtr) Length() uint32 {
	return binary.LittleEndian.Uint32(dataPtr.Part2[:4])
}

// Identifier returns the SGL descriptor type and subtype byte.
func (dataPtr *DataPtr) Identifier() uint8 {
	return dataPtr.Part2[7]
}

//////////////////////////////////////////////////////

// NewKeepAliveCommand builds an admin keep alive.
func NewKeepAliveCommand() CommonCommand {
	return CommonCommand{Opcode: AdminKeepAlive}
}

// NewAsyncEventCommand builds an asynchronous event request.
func NewAsyncEventCommand() CommonCommand {
	return CommonCommand{Opcode: AdminAsyncEvent}
}

// NewAbortCommand asks the controller to abort command cid on queue sqid.
func NewAbortCommand(sqid, cid uint16) CommonCommand {
	return CommonCommand{
		Opcode: AdminAbort,
		Cdw10:  uint32(sqid) | uint32(cid)<<16,
	}
}

// NewIOCommand builds a read or write of nlb blocks starting at slba.
func NewIOCommand(opcode uint8, nsid uint32, slba uint64, nlb uint32) CommonCommand {
	return CommonCommand{
		Opcode: opcode,
		NSId:   nsid,
		Cdw10:  uint32(slba),
		Cdw11:  uint32(slba >> 32),
		Cdw12:  (nlb - 1) & 0xffff,
	}
}
