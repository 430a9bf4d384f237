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
	"fmt"

	"github.com/andrii-holovchenko/spdk-mellanox/pkg/nvme"
)

var (
	// ErrAgain reports a temporary shortage of request slots, receive PDUs or
	// staging buffers. The caller retries on a later poll.
	ErrAgain = errors.New("resource temporarily unavailable")
	// ErrConnectionFatal is returned by polling once the connection reached
	// its terminal error state.
	ErrConnectionFatal = errors.New("nvme/tcp connection failed")
	ErrBusy            = errors.New("poll group still has queues")
	ErrNotSupported    = errors.New("operation not supported")
	// ErrQueueDisconnected rejects submissions on a queue that is not
	// connected or connecting.
	ErrQueueDisconnected = errors.New("queue is disconnected")
	ErrSlotDoubleFree    = errors.New("request slot freed twice")
	ErrTimeout           = errors.New("timed out")
	ErrInvalidQueueSize  = errors.New("invalid queue size")
	ErrUnknownRequest    = errors.New("request is not owned by this queue")
)

// StatusError carries a failed NVMe completion.
type StatusError struct {
	Command    string
	Completion nvme.Completion
}

func newStatusError(cmd *nvme.CommonCommand, cpl *nvme.Completion) *StatusError {
	return &StatusError{Command: cmd.String(), Completion: *cpl}
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("command %s failed: %s", e.Command, e.Completion.String())
}

// Transient reports a status the upper layer may retry.
func (e *StatusError) Transient() bool {
	return e.Completion.SCT() == nvme.SCTGeneric && e.Completion.SC() == nvme.SCTransientTransportError
}

// Aborted reports completions produced by queue teardown or abort.
func (e *StatusError) Aborted() bool {
	sc := e.Completion.SC()
	return e.Completion.SCT() == nvme.SCTGeneric &&
		(sc == nvme.SCAbortedSQDeletion || sc == nvme.SCAbortedByRequest)
}

// CompletionError returns nil for a successful completion and a
// *StatusError otherwise.
func CompletionError(cmd *nvme.CommonCommand, cpl *nvme.Completion) error {
	if cpl == nil || !cpl.IsError() {
		return nil
	}
	return newStatusError(cmd, cpl)
}
