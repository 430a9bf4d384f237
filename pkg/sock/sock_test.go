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

package sock

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufSplitRefcount(t *testing.T) {
	released := 0
	b := NewBuf([]byte("0123456789"), func([]byte) { released++ })
	head := b.Split(4)
	assert.Equal(t, []byte("0123"), head.Bytes())
	assert.Equal(t, []byte("456789"), b.Bytes())

	head.Free()
	assert.Equal(t, 0, released)
	head.Free()
	assert.Equal(t, 0, released, "double free must not drop another reference")
	b.Free()
	assert.Equal(t, 1, released)
}

func TestRecvQueueReadv(t *testing.T) {
	q := NewRecvQueue(0)
	q.Push(NewBuf([]byte("abc"), nil))
	q.Push(NewBuf([]byte("defgh"), nil))
	assert.Equal(t, 8, q.Len())

	a := make([]byte, 2)
	b := make([]byte, 4)
	n, err := q.Readv([][]byte{a, b})
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, "ab", string(a))
	assert.Equal(t, "cdef", string(b))

	// nothing buffered after draining: would block
	rest := make([]byte, 10)
	n, err = q.Readv([][]byte{rest})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = q.Readv([][]byte{rest})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	q.SetError(io.EOF)
	assert.True(t, q.Readable())
	_, err = q.Readv([][]byte{rest})
	assert.Equal(t, io.EOF, err)
}

func TestRecvQueueRecvBufs(t *testing.T) {
	released := 0
	release := func([]byte) { released++ }
	q := NewRecvQueue(0)
	q.Push(NewBuf([]byte("abcd"), release))
	q.Push(NewBuf([]byte("efgh"), release))

	bufs, err := q.RecvBufs(6)
	require.NoError(t, err)
	require.Len(t, bufs, 2)
	assert.Equal(t, 6, BufsLen(bufs))
	assert.Equal(t, [][]byte{[]byte("abcd"), []byte("ef")}, BufsIovs(bufs))
	assert.Equal(t, 2, q.Len())

	FreeBufs(bufs)
	assert.Equal(t, 1, released, "second packet still referenced by the queue")
	q.Close()
	assert.Equal(t, 2, released)
}

func TestRecvQueueBackpressure(t *testing.T) {
	q := NewRecvQueue(4)
	q.Push(NewBuf([]byte("abcd"), nil))

	unblocked := make(chan bool)
	go func() {
		unblocked <- q.WaitRoom()
	}()
	select {
	case <-unblocked:
		t.Fatal("WaitRoom returned while the queue is full")
	case <-time.After(50 * time.Millisecond):
	}
	_, err := q.Readv([][]byte{make([]byte, 1)})
	require.NoError(t, err)
	assert.True(t, <-unblocked)

	q.Close()
	assert.False(t, q.WaitRoom())
}

func listen(t *testing.T) (net.Listener, <-chan net.Conn) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := l.Accept()
		if err == nil {
			accepted <- c
		}
	}()
	return l, accepted
}

func pollUntil(t *testing.T, g *Group, cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		require.True(t, time.Now().Before(deadline), "timed out")
		g.Poll(32)
		g.Wait(context.Background(), 10*time.Millisecond)
	}
}

func TestTCPSockLoopback(t *testing.T) {
	l, accepted := listen(t)
	defer l.Close()

	s, err := Dial(context.Background(), "tcp", l.Addr().String(),
		Options{ZeroCopy: true, ConnectTimeout: time.Second, RecvBufSize: 1 << 16})
	require.NoError(t, err)
	defer s.Close()
	peer := <-accepted
	defer peer.Close()
	assert.True(t, s.Caps().Zcopy)

	g := NewGroup()
	readable := 0
	require.NoError(t, g.Add(s, func() { readable++ }))
	assert.Equal(t, ErrAlreadyMember, g.Add(s, func() {}))

	var writeErr error
	acked := false
	s.WritevAsync(&WriteRequest{
		Iovs: [][]byte{[]byte("hello "), []byte("world")},
		Done: func(err error) { acked = true; writeErr = err },
	})
	require.NoError(t, s.Flush())
	pollUntil(t, g, func() bool { return acked })
	assert.NoError(t, writeErr)

	got := make([]byte, 11)
	_, err = io.ReadFull(peer, got)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))

	_, err = peer.Write([]byte("response"))
	require.NoError(t, err)
	pollUntil(t, g, func() bool { return readable > 0 })

	var bufs []*Buf
	pollUntil(t, g, func() bool {
		b, err := s.RecvBufs(8 - BufsLen(bufs))
		require.NoError(t, err)
		bufs = append(bufs, b...)
		return BufsLen(bufs) == 8
	})
	data := []byte{}
	for _, iov := range BufsIovs(bufs) {
		data = append(data, iov...)
	}
	assert.Equal(t, "response", string(data))
	FreeBufs(bufs)

	peer.Close()
	pollUntil(t, g, func() bool {
		_, err := s.Readv([][]byte{make([]byte, 4)})
		return err == io.EOF
	})
	require.NoError(t, g.Remove(s))
	assert.Equal(t, ErrNotMember, g.Remove(s))
	assert.Equal(t, 0, g.Len())
}

func TestTCPSockCloseDropsWrites(t *testing.T) {
	l, accepted := listen(t)
	defer l.Close()

	s, err := Dial(context.Background(), "tcp", l.Addr().String(), Options{})
	require.NoError(t, err)
	peer := <-accepted
	defer peer.Close()

	called := false
	s.WritevAsync(&WriteRequest{Iovs: [][]byte{[]byte("x")}, Done: func(error) { called = true }})
	require.NoError(t, s.Close())
	assert.Equal(t, 0, s.CompleteWrites())
	assert.False(t, called)
	assert.Equal(t, ErrClosed, s.Flush())
	assert.NoError(t, s.Close())

	_, err = s.RecvBufs(1)
	assert.Equal(t, ErrNotSupported, err)
}
