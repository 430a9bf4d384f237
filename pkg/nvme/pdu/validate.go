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

package pdu

import "fmt"

// FatalHeaderError is a protocol violation found in a received header. The
// receiver reports FES and Offset to the peer in a termination request.
type FatalHeaderError struct {
	FES    FES
	Offset uint32
	Reason string
}

func (e *FatalHeaderError) Error() string {
	return fmt.Sprintf("fatal pdu header error: %s at offset %d: %s", e.FES, e.Offset, e.Reason)
}

// NewFatalHeaderError builds a FatalHeaderError with a formatted reason.
func NewFatalHeaderError(fes FES, offset uint32, format string, args ...interface{}) *FatalHeaderError {
	return &FatalHeaderError{FES: fes, Offset: offset, Reason: fmt.Sprintf(format, args...)}
}

// ValidateHeader checks a received common header against the fixed layout
// of its type. It does not check whether the type is allowed in the current
// connection state.
func ValidateHeader(ch CommonHeader) *FatalHeaderError {
	expected, ok := ExpectedHLen(ch.Type)
	if !ok {
		return NewFatalHeaderError(FESInvalidHeaderField, OffsetType, "unexpected pdu type %s", ch.Type)
	}

	var hdgst uint32
	if ch.Flags&FlagHDGST != 0 {
		hdgst = DigestLen
	}

	plenError := false
	switch ch.Type {
	case TypeICResp, TypeICReq:
		plenError = ch.PLen != uint32(expected)
	case TypeCapsuleResp, TypeR2T:
		plenError = ch.PLen != uint32(expected)+hdgst
	case TypeC2HData, TypeH2CData:
		plenError = ch.PLen < uint32(ch.PDO) || ch.PLen < uint32(expected)+hdgst
	case TypeC2HTermReq, TypeH2CTermReq:
		plenError = ch.PLen <= uint32(expected) || ch.PLen > TermReqPDUMax
	case TypeCapsuleCmd:
		plenError = ch.PLen < uint32(expected)+hdgst
	}

	if ch.HLen != expected {
		return NewFatalHeaderError(FESInvalidHeaderField, OffsetHLen,
			"expected %s header length %d, got %d", ch.Type, expected, ch.HLen)
	}
	if plenError {
		return NewFatalHeaderError(FESInvalidHeaderField, OffsetPLen,
			"invalid %s pdu length %d", ch.Type, ch.PLen)
	}
	return nil
}

// PSHLen returns how many bytes follow the common header before the payload:
// the rest of the type header, a header digest when negotiated for this type,
// and padding up to pdo for data carrying PDUs.
func PSHLen(ch CommonHeader, hdgstEnabled bool) (pshLen int, hasHdgst bool) {
	pshLen = int(ch.HLen)
	if hdgstEnabled && HasHeaderDigest(ch.Type) {
		hasHdgst = true
		pshLen += DigestLen
	}
	if int(ch.PLen) > pshLen {
		switch ch.Type {
		case TypeCapsuleCmd, TypeH2CData, TypeC2HData:
			if int(ch.PDO) > pshLen {
				pshLen = int(ch.PDO)
			}
		}
	}
	return pshLen - CommonHeaderLen, hasHdgst
}

// Padding returns the bytes to insert after a header of plen bytes so data
// starts at the alignment requested by cpda.
func Padding(cpda uint8, plen uint32) uint32 {
	if cpda == 0 {
		return 0
	}
	alignment := (uint32(cpda) + 1) << 2
	if alignment > plen {
		return alignment - plen
	}
	return 0
}
