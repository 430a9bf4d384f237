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
	"errors"
	"fmt"
)

const DefaultIOBufSize = 128 * 1024

var ErrIOBufTooLarge = errors.New("requested staging buffer exceeds pool buffer size")

// IOBufWaiter is a queued request for a staging buffer.
type IOBufWaiter struct {
	pool   *IOBufPool
	size   int
	fn     func(buf []byte)
	queued bool
}

// Cancel removes the waiter from the pool queue. It returns false when the
// waiter already received a buffer.
func (w *IOBufWaiter) Cancel() bool {
	if !w.queued {
		return false
	}
	p := w.pool
	for i, other := range p.waiters {
		if other == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	w.queued = false
	return true
}

// IOBufPool is a fixed set of staging buffers owned by one poller. It is not
// safe for concurrent use.
type IOBufPool struct {
	bufSize   int
	count     int
	allocated int
	free      [][]byte
	waiters   []*IOBufWaiter
}

func NewIOBufPool(count, bufSize int) *IOBufPool {
	if bufSize <= 0 {
		bufSize = DefaultIOBufSize
	}
	return &IOBufPool{count: count, bufSize: bufSize}
}

func (p *IOBufPool) BufSize() int {
	return p.bufSize
}

// Available returns the buffers that can be handed out without waiting.
func (p *IOBufPool) Available() int {
	return len(p.free) + p.count - p.allocated
}

// Waiters returns the number of queued waiters.
func (p *IOBufPool) Waiters() int {
	return len(p.waiters)
}

// Get returns a buffer of size bytes. When the pool is empty it queues fn
// and returns the waiter instead; fn runs from a later Put.
func (p *IOBufPool) Get(size int, fn func(buf []byte)) ([]byte, *IOBufWaiter, error) {
	if size > p.bufSize {
		return nil, nil, fmt.Errorf("%w: %d > %d", ErrIOBufTooLarge, size, p.bufSize)
	}
	if n := len(p.free); n > 0 {
		buf := p.free[n-1]
		p.free = p.free[:n-1]
		return buf[:size], nil, nil
	}
	if p.allocated < p.count {
		p.allocated++
		return make([]byte, size, p.bufSize), nil, nil
	}
	w := &IOBufWaiter{pool: p, size: size, fn: fn, queued: true}
	p.waiters = append(p.waiters, w)
	return nil, w, nil
}

// Put returns buf to the pool, handing it to the oldest waiter if any.
func (p *IOBufPool) Put(buf []byte) {
	buf = buf[:cap(buf)]
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		w.queued = false
		w.fn(buf[:w.size])
		return
	}
	p.free = append(p.free, buf)
}
