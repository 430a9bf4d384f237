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

// Package socktest provides an in memory sock.Sock for transport tests. The
// test plays the peer: it injects received bytes and decides when queued
// writes are acknowledged.
package socktest

import (
	"bytes"
	"io"
	"sync"
	"sync/atomic"

	"github.com/andrii-holovchenko/spdk-mellanox/pkg/sock"
)

type ackResult struct {
	req *sock.WriteRequest
	err error
}

type Sock struct {
	// ChunkSize splits injected data into packets of at most this many
	// bytes. Zero keeps each Inject in one packet.
	ChunkSize int
	// AutoAck acknowledges writes as soon as they are flushed.
	AutoAck bool
	// FlushErr is returned by Flush when set.
	FlushErr error

	rx   *sock.RecvQueue
	caps sock.Caps

	mu         sync.Mutex
	queued     []*sock.WriteRequest
	inflight   []*sock.WriteRequest
	acked      []ackResult
	written    bytes.Buffer
	notify     func()
	closed     bool
	closeCount int
	recvBuf    int
	live       atomic.Int64
}

// New returns a socket that acknowledges writes on flush.
func New() *Sock {
	return &Sock{
		AutoAck: true,
		rx:      sock.NewRecvQueue(0),
	}
}

// SetCaps sets what Caps reports.
func (s *Sock) SetCaps(caps sock.Caps) {
	s.caps = caps
}

func (s *Sock) wake() {
	s.mu.Lock()
	notify := s.notify
	s.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// Inject queues data as received from the peer.
func (s *Sock) Inject(data []byte) {
	chunk := s.ChunkSize
	if chunk <= 0 {
		chunk = len(data)
	}
	for len(data) > 0 {
		n := chunk
		if n > len(data) {
			n = len(data)
		}
		pkt := append([]byte(nil), data[:n]...)
		s.live.Add(1)
		s.rx.Push(sock.NewBuf(pkt, func([]byte) { s.live.Add(-1) }))
		data = data[n:]
	}
	s.wake()
}

// InjectEOF makes reads return io.EOF once buffered data is consumed.
func (s *Sock) InjectEOF() {
	s.rx.SetError(io.EOF)
	s.wake()
}

// LiveBufs returns the number of received packets not yet released.
func (s *Sock) LiveBufs() int64 {
	return s.live.Load()
}

// Written returns every byte flushed so far.
func (s *Sock) Written() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.written.Bytes()...)
}

// TakeWritten returns the bytes flushed since the last call.
func (s *Sock) TakeWritten() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := append([]byte(nil), s.written.Bytes()...)
	s.written.Reset()
	return b
}

// InflightWrites returns flushed writes not yet acknowledged.
func (s *Sock) InflightWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// AckWrites acknowledges up to n in flight writes in order. Their callbacks
// run on the next CompleteWrites.
func (s *Sock) AckWrites(n int) int {
	s.mu.Lock()
	if n > len(s.inflight) {
		n = len(s.inflight)
	}
	for _, req := range s.inflight[:n] {
		s.acked = append(s.acked, ackResult{req: req})
	}
	s.inflight = s.inflight[n:]
	s.mu.Unlock()
	s.wake()
	return n
}

// FailWrites completes every in flight write with err.
func (s *Sock) FailWrites(err error) {
	s.mu.Lock()
	for _, req := range s.inflight {
		s.acked = append(s.acked, ackResult{req: req, err: err})
	}
	s.inflight = nil
	s.mu.Unlock()
	s.wake()
}

// CloseCount returns how many times Close was called.
func (s *Sock) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

// RecvBufSize returns the last SetRecvBuf value.
func (s *Sock) RecvBufSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recvBuf
}

func (s *Sock) Readv(iovs [][]byte) (int, error) {
	return s.rx.Readv(iovs)
}

func (s *Sock) RecvBufs(max int) ([]*sock.Buf, error) {
	if !s.caps.Zcopy {
		return nil, sock.ErrNotSupported
	}
	return s.rx.RecvBufs(max)
}

func (s *Sock) WritevAsync(req *sock.WriteRequest) {
	s.mu.Lock()
	s.queued = append(s.queued, req)
	s.mu.Unlock()
}

func (s *Sock) Flush() error {
	if s.FlushErr != nil {
		return s.FlushErr
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return sock.ErrClosed
	}
	for _, req := range s.queued {
		for _, iov := range req.Iovs {
			s.written.Write(iov)
		}
		if s.AutoAck {
			s.acked = append(s.acked, ackResult{req: req})
		} else {
			s.inflight = append(s.inflight, req)
		}
	}
	s.queued = nil
	s.mu.Unlock()
	return nil
}

func (s *Sock) CompleteWrites() int {
	s.mu.Lock()
	acked := s.acked
	s.acked = nil
	s.mu.Unlock()
	for _, r := range acked {
		if r.req.Done != nil {
			r.req.Done(r.err)
		}
	}
	return len(acked)
}

func (s *Sock) Readable() bool {
	return s.rx.Readable()
}

func (s *Sock) SetNotify(fn func()) {
	s.mu.Lock()
	s.notify = fn
	s.mu.Unlock()
}

func (s *Sock) SetRecvBuf(size int) error {
	s.mu.Lock()
	s.recvBuf = size
	s.mu.Unlock()
	return nil
}

func (s *Sock) Caps() sock.Caps {
	return s.caps
}

func (s *Sock) LocalAddr() string {
	return "127.0.0.1:40000"
}

func (s *Sock) RemoteAddr() string {
	return "127.0.0.1:4420"
}

func (s *Sock) Close() error {
	s.mu.Lock()
	s.closeCount++
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.queued = nil
	s.inflight = nil
	s.acked = nil
	s.notify = nil
	s.mu.Unlock()
	s.rx.Close()
	return nil
}
