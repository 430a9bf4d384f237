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

// Package sock is the byte stream socket consumed by the NVMe/TCP transport.
// Reads never block: they return whatever is buffered. Writes are queued,
// pushed by Flush and acknowledged through per write callbacks that run on
// the polling goroutine.
package sock

import (
	"errors"
	"sync/atomic"
	"time"
)

var (
	ErrClosed        = errors.New("socket closed")
	ErrNotSupported  = errors.New("operation not supported by socket")
	ErrAlreadyMember = errors.New("socket already belongs to a group")
	ErrNotMember     = errors.New("socket does not belong to this group")
)

// WriteRequest is one vectored write. Done is invoked once the bytes are
// handed to the kernel or the write failed.
type WriteRequest struct {
	Iovs [][]byte
	// MKeys holds the memory key of each iov when the socket runs over a
	// protection domain.
	MKeys []uint32
	Done  func(err error)
}

// Len returns the number of bytes described by the request.
func (req *WriteRequest) Len() int {
	n := 0
	for _, iov := range req.Iovs {
		n += len(iov)
	}
	return n
}

// Caps describes optional socket features.
type Caps struct {
	// Zcopy is set when received data can be claimed as Bufs without a copy.
	Zcopy bool
	// ProtectionDomain names the device that owns the socket memory. Empty
	// when buffers are plain host memory.
	ProtectionDomain string
}

// Options applied when the socket is created.
type Options struct {
	// Priority sets SO_PRIORITY when non zero.
	Priority int
	// AckTimeout sets TCP_USER_TIMEOUT when non zero.
	AckTimeout time.Duration
	// RecvBufSize bounds the bytes read ahead of the consumer.
	RecvBufSize int
	// ZeroCopy enables RecvBufs.
	ZeroCopy bool
	// ProtectionDomain is reported through Caps.
	ProtectionDomain string
	// ConnectTimeout bounds the dial.
	ConnectTimeout time.Duration
}

// Sock is the socket seen by the transport. Except for the notify callback,
// every method is called from the single goroutine that polls the socket.
type Sock interface {
	// Readv copies buffered bytes into iovs. It returns 0 and a nil error
	// when nothing is buffered and io.EOF once the peer closed.
	Readv(iovs [][]byte) (int, error)
	// RecvBufs claims up to max buffered bytes without copying. The caller
	// owns the returned buffers and must Free each one exactly once.
	RecvBufs(max int) ([]*Buf, error)
	// WritevAsync queues a write. It is sent on the next Flush.
	WritevAsync(req *WriteRequest)
	// Flush pushes queued writes.
	Flush() error
	// CompleteWrites runs the callbacks of finished writes and returns how
	// many ran.
	CompleteWrites() int
	// Readable reports buffered data or a pending end of stream.
	Readable() bool
	// SetNotify registers fn to be called from any goroutine when the socket
	// becomes readable or a write finishes.
	SetNotify(fn func())
	SetRecvBuf(size int) error
	Caps() Caps
	LocalAddr() string
	RemoteAddr() string
	// Close drops queued writes without running their callbacks.
	Close() error
}

type packet struct {
	refs    atomic.Int32
	data    []byte
	release func(data []byte)
}

func newPacket(data []byte, release func([]byte)) *packet {
	pkt := &packet{data: data, release: release}
	pkt.refs.Store(1)
	return pkt
}

func (pkt *packet) put() {
	if pkt.refs.Add(-1) == 0 && pkt.release != nil {
		pkt.release(pkt.data)
	}
}

// Buf is a window into a received packet. A packet may be split into many
// Bufs and is released when the last one is freed.
type Buf struct {
	pkt  *packet
	data []byte
}

// NewBuf wraps data in a single reference Buf. release runs when the Buf and
// every Buf split from it are freed.
func NewBuf(data []byte, release func([]byte)) *Buf {
	return &Buf{pkt: newPacket(data, release), data: data}
}

func (b *Buf) Bytes() []byte {
	return b.data
}

func (b *Buf) Len() int {
	return len(b.data)
}

// Split returns a Buf holding the first n bytes and keeps the rest in b.
// Both share the packet.
func (b *Buf) Split(n int) *Buf {
	b.pkt.refs.Add(1)
	head := &Buf{pkt: b.pkt, data: b.data[:n:n]}
	b.data = b.data[n:]
	return head
}

// Free drops the reference. Calling Free twice is a no-op.
func (b *Buf) Free() {
	if b == nil || b.pkt == nil {
		return
	}
	pkt := b.pkt
	b.pkt = nil
	b.data = nil
	pkt.put()
}

// FreeBufs frees every Buf in bufs.
func FreeBufs(bufs []*Buf) {
	for _, b := range bufs {
		b.Free()
	}
}

// BufsLen returns the bytes held by bufs.
func BufsLen(bufs []*Buf) int {
	n := 0
	for _, b := range bufs {
		n += b.Len()
	}
	return n
}

// BufsIovs returns the byte slices of bufs.
func BufsIovs(bufs []*Buf) [][]byte {
	iovs := make([][]byte, 0, len(bufs))
	for _, b := range bufs {
		iovs = append(iovs, b.data)
	}
	return iovs
}
