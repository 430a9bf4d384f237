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

// Package accel expresses payload movement as ordered task sequences that an
// engine executes asynchronously. Completion callbacks are delivered from the
// engine's Poll so they always run on the polling goroutine.
package accel

import (
	"crypto/cipher"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrCRCMismatch     = errors.New("crc32c mismatch")
	ErrSequenceAborted = errors.New("accel sequence aborted")
	ErrLengthMismatch  = errors.New("source and destination lengths differ")
	ErrNoKey           = errors.New("crypto task without key")
)

type Opcode int

const (
	OpCopy Opcode = iota
	OpCopyCRC32C
	OpCRC32C
	OpCheckCRC32C
	OpEncrypt
	OpDecrypt
)

func (op Opcode) String() string {
	switch op {
	case OpCopy:
		return "copy"
	case OpCopyCRC32C:
		return "copy_crc32c"
	case OpCRC32C:
		return "crc32c"
	case OpCheckCRC32C:
		return "check_crc32c"
	case OpEncrypt:
		return "encrypt"
	case OpDecrypt:
		return "decrypt"
	default:
		return fmt.Sprintf("unknown(%d)", int(op))
	}
}

// Key is the block cipher and initial counter used by crypto tasks.
type Key struct {
	Block cipher.Block
	IV    []byte
}

// Task is one step of a sequence. Src and Dst are scatter lists; Dst is
// unused by the CRC tasks.
type Task struct {
	Op  Opcode
	Dst [][]byte
	Src [][]byte
	// CRC receives the computed digest of OpCRC32C and OpCopyCRC32C.
	CRC *uint32
	// Expected is compared against the digest of Src by OpCheckCRC32C.
	Expected uint32
	Key      *Key
}

// Sequence is an ordered list of tasks executed as one unit.
type Sequence struct {
	tasks   []*Task
	aborted bool
}

func NewSequence() *Sequence {
	return &Sequence{}
}

func (seq *Sequence) append(task *Task) *Sequence {
	seq.tasks = append(seq.tasks, task)
	return seq
}

func (seq *Sequence) AppendCopy(dst, src [][]byte) *Sequence {
	return seq.append(&Task{Op: OpCopy, Dst: dst, Src: src})
}

func (seq *Sequence) AppendCopyCRC32C(dst, src [][]byte, crc *uint32) *Sequence {
	return seq.append(&Task{Op: OpCopyCRC32C, Dst: dst, Src: src, CRC: crc})
}

func (seq *Sequence) AppendCRC32C(src [][]byte, crc *uint32) *Sequence {
	return seq.append(&Task{Op: OpCRC32C, Src: src, CRC: crc})
}

func (seq *Sequence) AppendCheckCRC32C(src [][]byte, expected uint32) *Sequence {
	return seq.append(&Task{Op: OpCheckCRC32C, Src: src, Expected: expected})
}

func (seq *Sequence) AppendEncrypt(dst, src [][]byte, key *Key) *Sequence {
	return seq.append(&Task{Op: OpEncrypt, Dst: dst, Src: src, Key: key})
}

func (seq *Sequence) AppendDecrypt(dst, src [][]byte, key *Key) *Sequence {
	return seq.append(&Task{Op: OpDecrypt, Dst: dst, Src: src, Key: key})
}

func (seq *Sequence) Len() int {
	return len(seq.tasks)
}

// First returns the first task or nil.
func (seq *Sequence) First() *Task {
	if len(seq.tasks) == 0 {
		return nil
	}
	return seq.tasks[0]
}

// Tasks returns the tasks in execution order.
func (seq *Sequence) Tasks() []*Task {
	return seq.tasks
}

// Ops returns the opcodes in execution order.
func (seq *Sequence) Ops() []Opcode {
	ops := make([]Opcode, 0, len(seq.tasks))
	for _, t := range seq.tasks {
		ops = append(ops, t.Op)
	}
	return ops
}

// Reverse flips the execution order. Receive paths build sequences from the
// caller's buffer backwards to the wire and reverse them before Finish.
func (seq *Sequence) Reverse() {
	for i, j := 0, len(seq.tasks)-1; i < j; i, j = i+1, j-1 {
		seq.tasks[i], seq.tasks[j] = seq.tasks[j], seq.tasks[i]
	}
}

// Abort marks the sequence so an engine fails it without running tasks.
func (seq *Sequence) Abort() {
	seq.aborted = true
}

func (seq *Sequence) String() string {
	names := make([]string, 0, len(seq.tasks))
	for _, op := range seq.Ops() {
		names = append(names, op.String())
	}
	return "[" + strings.Join(names, ", ") + "]"
}

// Engine executes sequences.
type Engine interface {
	// Finish starts seq. cb runs exactly once from a later Poll.
	Finish(seq *Sequence, cb func(err error))
	// Poll delivers finished sequences and returns how many completed.
	Poll() int
	// Outstanding returns the sequences not yet delivered.
	Outstanding() int
}
