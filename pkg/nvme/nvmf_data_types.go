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

const (
	// DiscoverySubsysName name of discovery subsystem
	DiscoverySubsysName string = "nqn.2014-08.org.nvmexpress.discovery"
	// ConnectDataSize is the size of the CONNECT command in-capsule data.
	ConnectDataSize = 1024
	// AdminControllerID requests a dynamic controller on CONNECT of the admin queue.
	AdminControllerID uint16 = 0xffff
)

// Fabrics command types.
const (
	FabricsPropertySet uint8 = 0x00
	FabricsConnect     uint8 = 0x01
	FabricsPropertyGet uint8 = 0x04
	FabricsAuthSend    uint8 = 0x05
	FabricsAuthReceive uint8 = 0x06
	FabricsDisconnect  uint8 = 0x08
)

const (
	propertySize4 uint8 = 0x0
	propertySize8 uint8 = 0x1
)

// Controller register offsets reachable through property get/set.
const (
	RegCAP   uint32 = 0x00
	RegVS    uint32 = 0x08
	RegINTMS uint32 = 0x0c
	RegINTMC uint32 = 0x10
	RegCC    uint32 = 0x14
	RegCSTS  uint32 = 0x1c
	RegNSSR  uint32 = 0x20
	RegAQA   uint32 = 0x24
	RegASQ   uint32 = 0x28
	RegACQ   uint32 = 0x30
)

type ConnectCommand struct {
	Opcode    uint8     `struc:"uint8"`
	Resv1     uint8     `struc:"uint8"`
	CommandID uint16    `struc:"uint16,little"`
	FcType    uint8     `struc:"uint8"`
	Rsvd2     [19]uint8 `struc:"[19]uint8"`
	Dptr      DataPtr
	RecFmt    uint16    `struc:"uint16,little"`
	QID       uint16    `struc:"uint16,little"`
	SqSize    uint16    `struc:"uint16,little"`
	CatTr     uint8     `struc:"uint8"`
	Resv3     uint8     `struc:"uint8"`
	Kato      uint32    `struc:"uint32,little"`
	Resv4     [12]uint8 `struc:"[12]uint8"`
}

type ConnectData struct {
	HostID    string     `struc:"[16]byte"`
	CntlID    uint16     `struc:"uint16,little"`
	Rsv4      [238]uint8 `struc:"[238]uint8"`
	SubsysNqn string     `struc:"[256]uint8"`
	HostNqn   string     `struc:"[256]uint8"`
	Rsv5      [256]uint8 `struc:"[256]uint8"`
}

type PropertySetCommand struct {
	Opcode    uint8     `struc:"uint8"`
	Resv1     uint8     `struc:"uint8"`
	CommandID uint16    `struc:"uint16,little"`
	FcType    uint8     `struc:"uint8"`
	Rsvd2     [19]uint8 `struc:"[19]uint8"`
	Dptr      DataPtr
	Attrib    uint8    `struc:"uint8"`
	Rsvd3     [3]uint8 `struc:"[3]uint8"`
	Offset    uint32   `struc:"uint32,little"`
	Value     uint64   `struc:"uint64,little"`
	Rsvd4     [8]uint8 `struc:"[8]uint8"`
}

type PropertyGetCommand struct {
	Opcode    uint8     `struc:"uint8"`
	Resv1     uint8     `struc:"uint8"`
	CommandID uint16    `struc:"uint16,little"`
	FcType    uint8     `struc:"uint8"`
	Rsvd2     [19]uint8 `struc:"[19]uint8"`
	Dptr      DataPtr
	Attrib    uint8     `struc:"uint8"`
	Rsvd3     [3]uint8  `struc:"[3]uint8"`
	Offset    uint32    `struc:"uint32,little"`
	Rsvd4     [16]uint8 `struc:"[16]uint8"`
}

func FabricsTypeName(fctype uint8) string {
	switch fctype {
	case FabricsPropertySet:
		return "property_set"
	case FabricsConnect:
		return "connect"
	case FabricsPropertyGet:
		return "property_get"
	case FabricsAuthSend:
		return "authentication_send"
	case FabricsAuthReceive:
		return "authentication_receive"
	case FabricsDisconnect:
		return "disconnect"
	default:
		return "UNKNOWN fabrics type"
	}
}

func RegisterName(reg uint32) string {
	switch reg {
	case RegCAP:
		return "ControllerCapabilities"
	case RegVS:
		return "ControllerVersion"
	case RegINTMS:
		return "Interrupt Mask Set"
	case RegINTMC:
		return "Interrupt Mask Clear"
	case RegCC:
		return "ControllerConfiguration"
	case RegCSTS:
		return "ControllerStatus"
	case RegNSSR:
		return "NVM Subsystem Reset"
	case RegAQA:
		return "Admin Queue Attributes"
	case RegASQ:
		return "Admin SQ Base Address"
	case RegACQ:
		return "Admin CQ Base Address"
	default:
		return "UNKNOWN register name"
	}
}
