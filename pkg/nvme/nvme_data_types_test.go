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
	"encoding/binary"
	"testing"
	"time"

	"github.com/lunixbochs/struc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWireSizes(t *testing.T) {
	size, err := struc.Sizeof(&CommonCommand{})
	require.NoError(t, err)
	assert.Equal(t, 64, size)

	size, err = struc.Sizeof(&Completion{})
	require.NoError(t, err)
	assert.Equal(t, 16, size)

	size, err = struc.Sizeof(&ConnectData{})
	require.NoError(t, err)
	assert.Equal(t, ConnectDataSize, size)
}

func TestCompletionStatus(t *testing.T) {
	cqe := NewCompletion(7, 1, SCTransientTransportError)
	assert.Equal(t, SCTransientTransportError, cqe.SC())
	assert.Equal(t, SCTGeneric, cqe.SCT())
	assert.False(t, cqe.DNR())
	assert.True(t, cqe.IsError())

	cqe.SetPhase(true)
	cqe.SetStatus(SCTCommandSpecific, SCConnectInvalidParameters, true)
	assert.True(t, cqe.Phase())
	assert.True(t, cqe.DNR())
	assert.Equal(t, SCTCommandSpecific, cqe.SCT())
	assert.Equal(t, SCConnectInvalidParameters, cqe.SC())

	ok := NewCompletion(1, 0, SCSuccess)
	assert.False(t, ok.IsError())
	ok.SetPhase(true)
	assert.False(t, ok.IsError())
}

func TestDataTransfer(t *testing.T) {
	read := NewIOCommand(NvmRead, 1, 0, 8)
	assert.Equal(t, DataTransferControllerToHost, read.DataTransfer())
	write := NewIOCommand(NvmWrite, 1, 0, 8)
	assert.Equal(t, DataTransferHostToController, write.DataTransfer())
	assert.Equal(t, uint32(7), write.Cdw12)

	connect, err := NewConnectCommand(0, 32, 10*time.Second)
	require.NoError(t, err)
	assert.True(t, connect.IsFabrics())
	assert.Equal(t, FabricsConnect, connect.FabricsType())
	assert.Equal(t, DataTransferHostToController, connect.DataTransfer())

	get, err := NewPropertyGetCommand(RegVS)
	require.NoError(t, err)
	assert.Equal(t, DataTransferNone, get.DataTransfer())
}

func TestConnectCommandLayout(t *testing.T) {
	cmd, err := NewConnectCommand(3, 128, 10*time.Second)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, struc.Pack(&buf, &cmd))
	raw := buf.Bytes()
	require.Len(t, raw, 64)

	assert.Equal(t, FabricsCommand, raw[0])
	assert.Equal(t, uint8(0x40), raw[1])
	assert.Equal(t, FabricsConnect, raw[4])
	assert.Equal(t, uint8(0x01), raw[39], "in-capsule data block descriptor")
	assert.Equal(t, uint32(ConnectDataSize), binary.LittleEndian.Uint32(raw[32:36]))
	assert.Equal(t, uint16(3), binary.LittleEndian.Uint16(raw[42:44]))
	assert.Equal(t, uint16(127), binary.LittleEndian.Uint16(raw[44:46]))
	// kato is only sent on the admin queue
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(raw[48:52]))

	admin, err := NewConnectCommand(0, 32, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint32(10000), admin.Cdw12)
}

func TestConnectData(t *testing.T) {
	var hostID [16]byte
	for i := range hostID {
		hostID[i] = byte(i + 1)
	}
	data, err := NewConnectData(hostID, AdminControllerID, "nqn.sub", "nqn.host")
	require.NoError(t, err)
	require.Len(t, data, ConnectDataSize)
	assert.Equal(t, hostID[:], data[:16])
	assert.Equal(t, AdminControllerID, binary.LittleEndian.Uint16(data[16:18]))
	assert.Equal(t, "nqn.sub", string(bytes.TrimRight(data[256:512], "\x00")))
	assert.Equal(t, "nqn.host", string(bytes.TrimRight(data[512:768], "\x00")))

	long := make([]byte, 300)
	_, err = NewConnectData(hostID, 1, string(long), "h")
	assert.Error(t, err)
}

func TestSGLDescriptors(t *testing.T) {
	var dptr DataPtr
	dptr.SetSgHostData(4096)
	assert.Equal(t, uint8(0x5a), dptr.Identifier())
	assert.Equal(t, uint32(4096), dptr.Length())

	dptr.SetSgInline(512)
	assert.Equal(t, uint8(0x01), dptr.Identifier())
	assert.Equal(t, uint32(512), dptr.Length())
}

func TestAbortCommand(t *testing.T) {
	cmd := NewAbortCommand(2, 0x1234)
	assert.Equal(t, AdminAbort, cmd.Opcode)
	assert.Equal(t, uint32(2)|uint32(0x1234)<<16, cmd.Cdw10)
}

func TestPropertyString(t *testing.T) {
	assert.Equal(t, "ControllerVersion(0x8): 1.4.0", PropertyString(RegVS, 0x10400))
}
