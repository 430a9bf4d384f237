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
	"fmt"
	"net"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
)

const (
	readChunkSize      = 64 * 1024
	defaultRecvBufSize = 2 * 1024 * 1024
	writeBacklog       = 1024
)

type writeResult struct {
	req *WriteRequest
	err error
}

type tcpSock struct {
	conn net.Conn
	opts Options
	log  *logrus.Entry
	rx   *RecvQueue

	// pending is only touched by the polling goroutine.
	pending []*WriteRequest
	writeCh chan []*WriteRequest

	mu      sync.Mutex
	done    []writeResult
	notify  func()
	closed  bool
	wg      sync.WaitGroup
	closeMu sync.Once
}

// Dial connects to addr and starts the socket reader and writer.
func Dial(ctx context.Context, network, addr string, opts Options) (Sock, error) {
	dialer := net.Dialer{
		Timeout: opts.ConnectTimeout,
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = applyOptions(int(fd), &opts)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return NewTCPSock(conn, opts), nil
}

// NewTCPSock wraps an established connection.
func NewTCPSock(conn net.Conn, opts Options) Sock {
	if opts.RecvBufSize <= 0 {
		opts.RecvBufSize = defaultRecvBufSize
	}
	s := &tcpSock{
		conn:    conn,
		opts:    opts,
		rx:      NewRecvQueue(opts.RecvBufSize),
		writeCh: make(chan []*WriteRequest, writeBacklog),
		log: logrus.WithFields(logrus.Fields{
			"local_addr":  conn.LocalAddr().String(),
			"remote_addr": conn.RemoteAddr().String(),
		}),
	}
	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
	return s
}

func (s *tcpSock) wake() {
	s.mu.Lock()
	notify := s.notify
	s.mu.Unlock()
	if notify != nil {
		notify()
	}
}

func (s *tcpSock) readLoop() {
	defer s.wg.Done()
	for s.rx.WaitRoom() {
		buf := make([]byte, readChunkSize)
		n, err := s.conn.Read(buf)
		if n > 0 {
			s.rx.Push(NewBuf(buf[:n], nil))
		}
		if err != nil {
			s.rx.SetError(err)
			s.wake()
			return
		}
		s.wake()
	}
}

func (s *tcpSock) writeLoop() {
	defer s.wg.Done()
	var failed error
	for batch := range s.writeCh {
		for _, req := range batch {
			if failed == nil {
				bufs := net.Buffers(append([][]byte(nil), req.Iovs...))
				_, failed = bufs.WriteTo(s.conn)
			}
			s.mu.Lock()
			s.done = append(s.done, writeResult{req: req, err: failed})
			s.mu.Unlock()
		}
		s.wake()
	}
}

func (s *tcpSock) Readv(iovs [][]byte) (int, error) {
	return s.rx.Readv(iovs)
}

func (s *tcpSock) RecvBufs(max int) ([]*Buf, error) {
	if !s.opts.ZeroCopy {
		return nil, ErrNotSupported
	}
	return s.rx.RecvBufs(max)
}

func (s *tcpSock) WritevAsync(req *WriteRequest) {
	s.pending = append(s.pending, req)
}

func (s *tcpSock) Flush() error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if len(s.pending) == 0 {
		return nil
	}
	select {
	case s.writeCh <- s.pending:
		s.pending = nil
	default:
		// writer is behind, retry on the next flush
	}
	return nil
}

func (s *tcpSock) CompleteWrites() int {
	s.mu.Lock()
	done := s.done
	s.done = nil
	s.mu.Unlock()
	for _, r := range done {
		if r.req.Done != nil {
			r.req.Done(r.err)
		}
	}
	return len(done)
}

func (s *tcpSock) Readable() bool {
	return s.rx.Readable()
}

func (s *tcpSock) SetNotify(fn func()) {
	s.mu.Lock()
	s.notify = fn
	s.mu.Unlock()
}

func (s *tcpSock) SetRecvBuf(size int) error {
	s.rx.SetLimit(size)
	tcpConn, ok := s.conn.(*net.TCPConn)
	if !ok {
		return ErrNotSupported
	}
	return tcpConn.SetReadBuffer(size)
}

func (s *tcpSock) Caps() Caps {
	return Caps{Zcopy: s.opts.ZeroCopy, ProtectionDomain: s.opts.ProtectionDomain}
}

func (s *tcpSock) LocalAddr() string {
	return s.conn.LocalAddr().String()
}

func (s *tcpSock) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

func (s *tcpSock) Close() error {
	var err error
	s.closeMu.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.notify = nil
		s.mu.Unlock()

		err = s.conn.Close()
		close(s.writeCh)
		s.rx.Close()
		s.wg.Wait()

		s.mu.Lock()
		s.done = nil
		s.mu.Unlock()
		s.pending = nil
		s.log.Debugf("socket closed")
	})
	return err
}
