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
	"bytes"
	"fmt"
	"time"

	"github.com/lunixbochs/struc"
)

// toCommonCommand re-reads a fabrics command layout as a generic 64 byte
// submission queue entry.
func toCommonCommand(v interface{}) (CommonCommand, error) {
	var buf bytes.Buffer
	cmd := CommonCommand{}
	if err := struc.Pack(&buf, v); err != nil {
		return cmd, err
	}
	if buf.Len() != 64 {
		return cmd, fmt.Errorf("fabrics command packed to %d bytes", buf.Len())
	}
	if err := struc.Unpack(&buf, &cmd); err != nil {
		return cmd, err
	}
	return cmd, nil
}

// NewConnectCommand builds the fabrics CONNECT for queue qid. sqSize is the
// number of queue entries, sent zero based.
func NewConnectCommand(qid uint16, sqSize uint16, kato time.Duration) (CommonCommand, error) {
	connect := &ConnectCommand{
		Opcode: FabricsCommand,
		Resv1:  psdtSglMptrContig,
		FcType: FabricsConnect,
		RecFmt: 0,
		QID:    qid,
		SqSize: sqSize - 1,
	}
	if qid == 0 {
		connect.Kato = uint32(kato.Milliseconds())
	}
	connect.Dptr.SetSgInline(ConnectDataSize)
	return toCommonCommand(connect)
}

// NewConnectData packs CONNECT in-capsule data. hostID is the raw 16 byte
// host identifier.
func NewConnectData(hostID [16]byte, cntlID uint16, subsysNqn, hostNqn string) ([]byte, error) {
	if len(subsysNqn) >= 256 || len(hostNqn) >= 256 {
		return nil, fmt.Errorf("nqn too long: subnqn %d bytes, hostnqn %d bytes", len(subsysNqn), len(hostNqn))
	}
	data := &ConnectData{
		HostID:    string(hostID[:]),
		CntlID:    cntlID,
		SubsysNqn: subsysNqn,
		HostNqn:   hostNqn,
	}
	sgl := NewScatterList(ConnectDataSize, ConnectDataSize)
	if err := struc.Pack(NewScatterListWriter(sgl), data); err != nil {
		return nil, err
	}
	return sgl.Buffers()[0], nil
}

// NewPropertyGetCommand reads a controller register. CAP is the only 8 byte
// property.
func NewPropertyGetCommand(offset uint32) (CommonCommand, error) {
	get := &PropertyGetCommand{
		Opcode: FabricsCommand,
		Resv1:  psdtSglMptrContig,
		FcType: FabricsPropertyGet,
		Attrib: map[bool]uint8{true: propertySize8, false: propertySize4}[offset == RegCAP],
		Offset: offset,
	}
	get.Dptr.SetSgHostData(0)
	return toCommonCommand(get)
}

// NewPropertySetCommand writes a 4 byte controller register.
func NewPropertySetCommand(offset uint32, value uint64) (CommonCommand, error) {
	set := &PropertySetCommand{
		Opcode: FabricsCommand,
		Resv1:  psdtSglMptrContig,
		FcType: FabricsPropertySet,
		Attrib: propertySize4,
		Offset: offset,
		Value:  value,
	}
	set.Dptr.SetSgHostData(0)
	return toCommonCommand(set)
}

// PropertyString renders a property get result.
func PropertyString(offset uint32, value uint64) string {
	if offset == RegVS {
		return fmt.Sprintf("%s(%#02x): %d.%d.%d", RegisterName(offset), offset,
			(value>>16)&0xffff, (value>>8)&0xff, value&0xff)
	}
	return fmt.Sprintf("%s(%#02x): %#x", RegisterName(offset), offset, value)
}
