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
	"time"

	"github.com/andrii-holovchenko/spdk-mellanox/pkg/accel"
	"github.com/andrii-holovchenko/spdk-mellanox/pkg/nvme"
	"github.com/andrii-holovchenko/spdk-mellanox/pkg/registry"
)

// PayloadOpts selects the accelerated data path. The payload then lives in
// MemoryDomain and moves through AccelSequence, which may already hold
// caller tasks such as encryption.
type PayloadOpts struct {
	MemoryDomain  *registry.MemoryDomain
	AccelSequence *accel.Sequence
}

// Request is one command submitted to a Queue. Exactly one of Data and SGL
// describes the payload; a zero copy read may carry neither and set Size.
type Request struct {
	Cmd  nvme.CommonCommand
	Data []byte
	SGL  *nvme.ScatterList
	// Size is the transfer length of a zero copy read.
	Size int
	// Zcopy asks for read data to be handed over as socket buffers. The
	// request is held after its callback until Queue.FreeRequest.
	Zcopy bool
	Opts  *PayloadOpts
	// Callback runs exactly once on the polling goroutine.
	Callback func(req *Request, cpl *nvme.Completion)

	// ZcopyData holds the received payload of a zero copy read while the
	// request is held.
	ZcopyData [][]byte

	queue      *Queue
	treq       *tcpRequest
	submitTime time.Time
	timedOut   bool
}

// PayloadSize returns the number of bytes the command transfers.
func (r *Request) PayloadSize() int {
	switch {
	case r.Data != nil:
		return len(r.Data)
	case r.SGL != nil:
		return r.SGL.Size()
	default:
		return r.Size
	}
}

func (r *Request) buffers() [][]byte {
	switch {
	case r.Data != nil:
		return [][]byte{r.Data}
	case r.SGL != nil:
		return r.SGL.Buffers()
	default:
		return nil
	}
}

// CID returns the command identifier while the request is outstanding.
func (r *Request) CID() uint16 {
	return r.Cmd.CommandID
}

// Queue returns the queue the request was submitted to.
func (r *Request) Queue() *Queue {
	return r.queue
}

func (r *Request) hasMemoryDomain() bool {
	return r.Opts != nil && r.Opts.MemoryDomain != nil
}

func (r *Request) accelSequence() *accel.Sequence {
	if r.Opts == nil {
		return nil
	}
	return r.Opts.AccelSequence
}
