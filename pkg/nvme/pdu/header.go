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

import (
	"bytes"
	"fmt"
	"io"

	"github.com/andrii-holovchenko/spdk-mellanox/pkg/nvme"
	"github.com/lunixbochs/struc"
)

// CommonHeader is the 8 byte prefix of every PDU.
type CommonHeader struct {
	Type  Type   `struc:"uint8"`
	Flags uint8  `struc:"uint8"`
	HLen  uint8  `struc:"uint8"`
	PDO   uint8  `struc:"uint8"`
	PLen  uint32 `struc:"uint32,little"`
}

func (ch *CommonHeader) String() string {
	return fmt.Sprintf("type: %s, flags: %#02x, hlen: %d, pdo: %d, plen: %d",
		ch.Type, ch.Flags, ch.HLen, ch.PDO, ch.PLen)
}

// Header is the type specific part of a PDU. The concrete type is selected
// by the common header pdu_type.
type Header interface {
	PDUType() Type
}

type ICReq struct {
	PFV      uint16     `struc:"uint16,little"`
	HPDA     uint8      `struc:"uint8"`
	Digest   uint8      `struc:"uint8"`
	MaxR2T   uint32     `struc:"uint32,little"`
	Reserved [112]uint8 `struc:"[112]uint8"`
}

func (h *ICReq) PDUType() Type { return TypeICReq }

type ICResp struct {
	PFV        uint16     `struc:"uint16,little"`
	CPDA       uint8      `struc:"uint8"`
	Digest     uint8      `struc:"uint8"`
	MaxH2CData uint32     `struc:"uint32,little"`
	Reserved   [112]uint8 `struc:"[112]uint8"`
}

func (h *ICResp) PDUType() Type { return TypeICResp }

type CapsuleCmd struct {
	CCSQE nvme.CommonCommand
}

func (h *CapsuleCmd) PDUType() Type { return TypeCapsuleCmd }

type CapsuleResp struct {
	RCCQE nvme.Completion
}

func (h *CapsuleResp) PDUType() Type { return TypeCapsuleResp }

// H2CData and C2HData share one layout.
type H2CData struct {
	CCCID    uint16   `struc:"uint16,little"`
	TTag     uint16   `struc:"uint16,little"`
	DataO    uint32   `struc:"uint32,little"`
	DataL    uint32   `struc:"uint32,little"`
	Reserved [4]uint8 `struc:"[4]uint8"`
}

func (h *H2CData) PDUType() Type { return TypeH2CData }

type C2HData struct {
	CCCID     uint16   `struc:"uint16,little"`
	Reserved1 uint16   `struc:"uint16,little"`
	DataO     uint32   `struc:"uint32,little"`
	DataL     uint32   `struc:"uint32,little"`
	Reserved  [4]uint8 `struc:"[4]uint8"`
}

func (h *C2HData) PDUType() Type { return TypeC2HData }

type R2T struct {
	CCCID    uint16   `struc:"uint16,little"`
	TTag     uint16   `struc:"uint16,little"`
	R2TO     uint32   `struc:"uint32,little"`
	R2TL     uint32   `struc:"uint32,little"`
	Reserved [4]uint8 `struc:"[4]uint8"`
}

func (h *R2T) PDUType() Type { return TypeR2T }

// TermReq is the header layout shared by both termination request
// directions.
type TermReq struct {
	FES      FES       `struc:"uint16,little"`
	FEI      uint32    `struc:"uint32,little"`
	Reserved [10]uint8 `struc:"[10]uint8"`
}

type H2CTermReq struct {
	TermReq
}

func (h *H2CTermReq) PDUType() Type { return TypeH2CTermReq }

type C2HTermReq struct {
	TermReq
}

func (h *C2HTermReq) PDUType() Type { return TypeC2HTermReq }

// Encode writes the common header followed by h.
func Encode(w io.Writer, ch *CommonHeader, h Header) error {
	if ch.Type != h.PDUType() {
		return fmt.Errorf("common header type %s does not match %s header", ch.Type, h.PDUType())
	}
	if err := struc.Pack(w, ch); err != nil {
		return err
	}
	return struc.Pack(w, h)
}

// Marshal returns the encoded common header and type header.
func Marshal(ch *CommonHeader, h Header) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, ch, h); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeCommon parses the 8 byte common header.
func DecodeCommon(b []byte) (CommonHeader, error) {
	ch := CommonHeader{}
	if len(b) < CommonHeaderLen {
		return ch, io.ErrUnexpectedEOF
	}
	err := struc.Unpack(bytes.NewReader(b[:CommonHeaderLen]), &ch)
	return ch, err
}

// Decode parses the type specific header that follows the common header. psh
// must hold at least hlen-8 bytes.
func Decode(ch CommonHeader, psh []byte) (Header, error) {
	var h Header
	switch ch.Type {
	case TypeICReq:
		h = &ICReq{}
	case TypeICResp:
		h = &ICResp{}
	case TypeCapsuleCmd:
		h = &CapsuleCmd{}
	case TypeCapsuleResp:
		h = &CapsuleResp{}
	case TypeH2CData:
		h = &H2CData{}
	case TypeC2HData:
		h = &C2HData{}
	case TypeR2T:
		h = &R2T{}
	case TypeH2CTermReq:
		h = &H2CTermReq{}
	case TypeC2HTermReq:
		h = &C2HTermReq{}
	default:
		return nil, &FatalHeaderError{FES: FESInvalidHeaderField, Offset: OffsetType,
			Reason: fmt.Sprintf("unexpected pdu type %s", ch.Type)}
	}
	if len(psh) < int(ch.HLen)-CommonHeaderLen {
		return nil, io.ErrUnexpectedEOF
	}
	if err := struc.Unpack(bytes.NewReader(psh), h); err != nil {
		return nil, err
	}
	return h, nil
}

// ExpectedHLen returns the fixed header length of type t.
func ExpectedHLen(t Type) (uint8, bool) {
	switch t {
	case TypeICReq:
		return ICReqLen, true
	case TypeICResp:
		return ICRespLen, true
	case TypeCapsuleCmd:
		return CapsuleCmdLen, true
	case TypeCapsuleResp:
		return CapsuleRespLen, true
	case TypeH2CData, TypeC2HData:
		return DataHeaderLen, true
	case TypeR2T:
		return R2TLen, true
	case TypeH2CTermReq, TypeC2HTermReq:
		return TermReqHeaderLen, true
	}
	return 0, false
}
