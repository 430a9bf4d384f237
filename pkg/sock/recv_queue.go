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

import "sync"

// RecvQueue holds received packets until the consumer reads or claims them.
// Producers call Push from their own goroutine; WaitRoom blocks them while
// the queue is over its limit.
type RecvQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	bufs   []*Buf
	size   int
	limit  int
	err    error
	closed bool
}

func NewRecvQueue(limit int) *RecvQueue {
	q := &RecvQueue{limit: limit}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// SetLimit changes the read ahead limit. Zero means unlimited.
func (q *RecvQueue) SetLimit(limit int) {
	q.mu.Lock()
	q.limit = limit
	q.mu.Unlock()
	q.cond.Broadcast()
}

// WaitRoom blocks until the queue is below its limit. It returns false once
// the queue is closed.
func (q *RecvQueue) WaitRoom() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.closed && q.limit > 0 && q.size >= q.limit {
		q.cond.Wait()
	}
	return !q.closed
}

// Push appends b. Empty buffers are freed immediately.
func (q *RecvQueue) Push(b *Buf) {
	if b.Len() == 0 {
		b.Free()
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		b.Free()
		return
	}
	q.bufs = append(q.bufs, b)
	q.size += b.Len()
	q.mu.Unlock()
}

// SetError records the error returned once buffered data is drained.
func (q *RecvQueue) SetError(err error) {
	q.mu.Lock()
	if q.err == nil {
		q.err = err
	}
	q.mu.Unlock()
}

// Readable reports buffered data or a recorded error.
func (q *RecvQueue) Readable() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.bufs) > 0 || q.err != nil
}

// Len returns the buffered bytes.
func (q *RecvQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *RecvQueue) Readv(iovs [][]byte) (int, error) {
	q.mu.Lock()
	n := 0
	iovIdx, iovOff := 0, 0
	for len(q.bufs) > 0 && iovIdx < len(iovs) {
		head := q.bufs[0]
		c := copy(iovs[iovIdx][iovOff:], head.data)
		head.data = head.data[c:]
		n += c
		iovOff += c
		if iovOff == len(iovs[iovIdx]) {
			iovIdx++
			iovOff = 0
		}
		if len(head.data) == 0 {
			head.Free()
			q.bufs[0] = nil
			q.bufs = q.bufs[1:]
		}
	}
	q.size -= n
	err := q.err
	empty := len(q.bufs) == 0
	q.mu.Unlock()

	if n > 0 {
		q.cond.Broadcast()
		return n, nil
	}
	if empty && err != nil {
		return 0, err
	}
	return 0, nil
}

func (q *RecvQueue) RecvBufs(max int) ([]*Buf, error) {
	q.mu.Lock()
	var out []*Buf
	taken := 0
	for len(q.bufs) > 0 && taken < max {
		head := q.bufs[0]
		if head.Len() <= max-taken {
			out = append(out, head)
			taken += head.Len()
			q.bufs[0] = nil
			q.bufs = q.bufs[1:]
		} else {
			out = append(out, head.Split(max-taken))
			taken = max
		}
	}
	q.size -= taken
	err := q.err
	empty := len(q.bufs) == 0
	q.mu.Unlock()

	if taken > 0 {
		q.cond.Broadcast()
		return out, nil
	}
	if empty && err != nil {
		return nil, err
	}
	return nil, nil
}

// Close frees buffered packets and releases producers blocked in WaitRoom.
func (q *RecvQueue) Close() {
	q.mu.Lock()
	bufs := q.bufs
	q.bufs = nil
	q.size = 0
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
	FreeBufs(bufs)
}
