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

// Package pdu implements the NVMe/TCP PDU wire format: headers, digests and
// header validation.
package pdu

import "fmt"

// Type is the pdu_type field of the common header.
type Type uint8

const (
	TypeICReq       Type = 0x00
	TypeICResp      Type = 0x01
	TypeH2CTermReq  Type = 0x02
	TypeC2HTermReq  Type = 0x03
	TypeCapsuleCmd  Type = 0x04
	TypeCapsuleResp Type = 0x05
	TypeH2CData     Type = 0x06
	TypeC2HData     Type = 0x07
	TypeR2T         Type = 0x09
)

func (t Type) String() string {
	switch t {
	case TypeICReq:
		return "ic_req"
	case TypeICResp:
		return "ic_resp"
	case TypeH2CTermReq:
		return "h2c_term_req"
	case TypeC2HTermReq:
		return "c2h_term_req"
	case TypeCapsuleCmd:
		return "capsule_cmd"
	case TypeCapsuleResp:
		return "capsule_resp"
	case TypeH2CData:
		return "h2c_data"
	case TypeC2HData:
		return "c2h_data"
	case TypeR2T:
		return "r2t"
	default:
		return fmt.Sprintf("unknown(%#02x)", uint8(t))
	}
}

// Common header flags.
const (
	FlagHDGST uint8 = 0x01
	FlagDDGST uint8 = 0x02
)

// Data PDU flags.
const (
	FlagC2HLastPDU uint8 = 0x04
	FlagC2HSuccess uint8 = 0x08
	FlagH2CLastPDU uint8 = 0x04
)

// Fixed header sizes and protocol limits.
const (
	CommonHeaderLen  = 8
	ICReqLen         = 128
	ICRespLen        = 128
	CapsuleCmdLen    = 72
	CapsuleRespLen   = 24
	DataHeaderLen    = 24
	R2TLen           = 24
	TermReqHeaderLen = 24
	DigestLen        = 4

	// TermReqErrorDataMax bounds the copy of the offending header carried in
	// a termination request.
	TermReqErrorDataMax = 152
	TermReqPDUMax       = TermReqHeaderLen + TermReqErrorDataMax

	// PFV10 is the only supported PDU format version.
	PFV10 = 0
	// CPDAMax is the largest controller PDU data alignment.
	CPDAMax = 31
	// H2CDataMinSize is the smallest maxh2cdata a controller may advertise.
	H2CDataMinSize = 4096
	// InCapsuleDataMaxSize bounds in-capsule data for admin and fabrics
	// commands.
	InCapsuleDataMaxSize = 8192
	// MaxHeaderBufferLen holds the largest header read before the payload:
	// type header, digest and padding up to pdo.
	MaxHeaderBufferLen = 256
)

// Digest bits of ICReq/ICResp dgst field.
const (
	DigestHeader uint8 = 0x01
	DigestData   uint8 = 0x02
)

// FES is the fatal error status of a termination request.
type FES uint16

const (
	FESInvalidHeaderField        FES = 0x01
	FESPDUSequenceError          FES = 0x02
	FESHeaderDigestError         FES = 0x03
	FESDataTransferOutOfRange    FES = 0x04
	FESR2TLimitExceeded          FES = 0x05
	FESDataTransferLimitExceeded FES = 0x05
	FESUnsupportedParameter      FES = 0x06
	fesMax                       FES = FESUnsupportedParameter
)

func (f FES) String() string {
	switch f {
	case FESInvalidHeaderField:
		return "invalid_header_field"
	case FESPDUSequenceError:
		return "pdu_sequence_error"
	case FESHeaderDigestError:
		return "header_digest_error"
	case FESDataTransferOutOfRange:
		return "data_transfer_out_of_range"
	case FESR2TLimitExceeded:
		return "r2t_limit_exceeded"
	case FESUnsupportedParameter:
		return "unsupported_parameter"
	default:
		return fmt.Sprintf("unknown(%#x)", uint16(f))
	}
}

// Valid reports whether f is a known status.
func (f FES) Valid() bool {
	return f >= FESInvalidHeaderField && f <= fesMax
}

// HasFEI reports whether the field error information carries a byte offset
// for this status.
func (f FES) HasFEI() bool {
	return f == FESInvalidHeaderField || f == FESUnsupportedParameter
}

// HasHeaderDigest reports whether PDUs of type t carry a header digest when
// header digest is negotiated.
func HasHeaderDigest(t Type) bool {
	switch t {
	case TypeCapsuleCmd, TypeCapsuleResp, TypeH2CData, TypeC2HData, TypeR2T:
		return true
	}
	return false
}

// HasDataDigest reports whether PDUs of type t carry a data digest when data
// digest is negotiated.
func HasDataDigest(t Type) bool {
	switch t {
	case TypeCapsuleCmd, TypeH2CData, TypeC2HData:
		return true
	}
	return false
}

// Field offsets reported in termination requests.
const (
	OffsetType         = 0
	OffsetFlags        = 1
	OffsetHLen         = 2
	OffsetPDO          = 3
	OffsetPLen         = 4
	OffsetICRespPFV    = 8
	OffsetICRespCPDA   = 10
	OffsetICRespMaxH2C = 12
	OffsetRespCQE      = 8
	OffsetDataCCCID    = 8
	OffsetDataDataO    = 12
	OffsetDataDataL    = 16
	OffsetR2TCCCID     = 8
	OffsetR2TR2TO      = 12
	OffsetR2TR2TL      = 16
	OffsetTermReqFES   = 8
)
