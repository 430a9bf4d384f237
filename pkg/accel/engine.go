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

package accel

import (
	"context"
	"crypto/cipher"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/klauspost/crc32"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// EngineOptions configures the software engine.
type EngineOptions struct {
	// Workers bounds the sequences executing concurrently.
	Workers int64
	// Inline runs sequences inside Finish. Callbacks still wait for Poll.
	Inline bool
}

type completion struct {
	cb  func(err error)
	err error
}

// SoftwareEngine runs sequences on goroutines.
type SoftwareEngine struct {
	opts        EngineOptions
	sem         *semaphore.Weighted
	mu          sync.Mutex
	done        []completion
	outstanding atomic.Int64
	executed    atomic.Uint64
	failed      atomic.Uint64
}

func NewSoftwareEngine(opts EngineOptions) *SoftwareEngine {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	return &SoftwareEngine{
		opts: opts,
		sem:  semaphore.NewWeighted(opts.Workers),
	}
}

func (e *SoftwareEngine) Finish(seq *Sequence, cb func(err error)) {
	e.outstanding.Add(1)
	if e.opts.Inline {
		e.complete(cb, seq.execute())
		return
	}
	go func() {
		if err := e.sem.Acquire(context.Background(), 1); err != nil {
			e.complete(cb, err)
			return
		}
		err := seq.execute()
		e.sem.Release(1)
		e.complete(cb, err)
	}()
}

func (e *SoftwareEngine) complete(cb func(err error), err error) {
	e.executed.Add(1)
	if err != nil {
		e.failed.Add(1)
		logrus.WithError(err).Debugf("accel sequence failed")
	}
	e.mu.Lock()
	e.done = append(e.done, completion{cb: cb, err: err})
	e.mu.Unlock()
}

func (e *SoftwareEngine) Poll() int {
	e.mu.Lock()
	done := e.done
	e.done = nil
	e.mu.Unlock()
	for _, c := range done {
		e.outstanding.Add(-1)
		c.cb(c.err)
	}
	return len(done)
}

func (e *SoftwareEngine) Outstanding() int {
	return int(e.outstanding.Load())
}

// Stats returns executed and failed sequence counts.
func (e *SoftwareEngine) Stats() (executed, failed uint64) {
	return e.executed.Load(), e.failed.Load()
}

func (seq *Sequence) execute() error {
	if seq.aborted {
		return ErrSequenceAborted
	}
	for i, task := range seq.tasks {
		if err := task.execute(); err != nil {
			return fmt.Errorf("task %d (%s): %w", i, task.Op, err)
		}
	}
	return nil
}

func (task *Task) execute() error {
	switch task.Op {
	case OpCopy:
		return copyIovs(task.Dst, task.Src)
	case OpCopyCRC32C:
		if err := copyIovs(task.Dst, task.Src); err != nil {
			return err
		}
		*task.CRC = Checksum(task.Src)
	case OpCRC32C:
		*task.CRC = Checksum(task.Src)
	case OpCheckCRC32C:
		if crc := Checksum(task.Src); crc != task.Expected {
			return fmt.Errorf("%w: got %#08x, expected %#08x", ErrCRCMismatch, crc, task.Expected)
		}
	case OpEncrypt, OpDecrypt:
		if task.Key == nil {
			return ErrNoKey
		}
		if iovsLen(task.Dst) != iovsLen(task.Src) {
			return ErrLengthMismatch
		}
		stream := cipher.NewCTR(task.Key.Block, task.Key.IV)
		return transformIovs(task.Dst, task.Src, stream)
	default:
		return fmt.Errorf("unsupported opcode %s", task.Op)
	}
	return nil
}

// Checksum returns the CRC32C of the concatenated iovs.
func Checksum(iovs [][]byte) uint32 {
	var crc uint32
	for _, iov := range iovs {
		crc = crc32.Update(crc, castagnoli, iov)
	}
	return crc
}

func iovsLen(iovs [][]byte) int {
	n := 0
	for _, iov := range iovs {
		n += len(iov)
	}
	return n
}

func copyIovs(dst, src [][]byte) error {
	if iovsLen(dst) < iovsLen(src) {
		return ErrLengthMismatch
	}
	di, doff := 0, 0
	for _, s := range src {
		for len(s) > 0 {
			for doff == len(dst[di]) {
				di++
				doff = 0
			}
			n := copy(dst[di][doff:], s)
			doff += n
			s = s[n:]
		}
	}
	return nil
}

// transformIovs xors src with the key stream into dst. Buffers may be split
// at different offsets on each side.
func transformIovs(dst, src [][]byte, stream cipher.Stream) error {
	di, doff := 0, 0
	for _, s := range src {
		for len(s) > 0 {
			for doff == len(dst[di]) {
				di++
				doff = 0
			}
			n := len(dst[di]) - doff
			if n > len(s) {
				n = len(s)
			}
			stream.XORKeyStream(dst[di][doff:doff+n], s[:n])
			doff += n
			s = s[n:]
		}
	}
	return nil
}
