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
	"time"
)

type member struct {
	s  Sock
	cb func()
}

// Group polls many sockets from one goroutine.
type Group struct {
	members []*member
	wakeCh  chan struct{}
}

func NewGroup() *Group {
	return &Group{wakeCh: make(chan struct{}, 1)}
}

func (g *Group) wake() {
	select {
	case g.wakeCh <- struct{}{}:
	default:
	}
}

func (g *Group) find(s Sock) int {
	for i, m := range g.members {
		if m.s == s {
			return i
		}
	}
	return -1
}

// Add registers s. cb runs from Poll whenever s is readable.
func (g *Group) Add(s Sock, cb func()) error {
	if g.find(s) >= 0 {
		return ErrAlreadyMember
	}
	g.members = append(g.members, &member{s: s, cb: cb})
	s.SetNotify(g.wake)
	g.wake()
	return nil
}

func (g *Group) Remove(s Sock) error {
	i := g.find(s)
	if i < 0 {
		return ErrNotMember
	}
	s.SetNotify(nil)
	g.members = append(g.members[:i], g.members[i+1:]...)
	return nil
}

func (g *Group) Len() int {
	return len(g.members)
}

// Poll delivers write completions and runs the callback of up to max
// readable sockets. It returns the number of events handled.
func (g *Group) Poll(max int) int {
	members := append([]*member(nil), g.members...)
	events := 0
	for _, m := range members {
		if g.find(m.s) < 0 {
			// removed by an earlier callback
			continue
		}
		events += m.s.CompleteWrites()
		if events < max && m.s.Readable() {
			m.cb()
			events++
		}
	}
	return events
}

// Wait blocks until a member socket signals activity, timeout passes or ctx
// is done.
func (g *Group) Wait(ctx context.Context, timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-g.wakeCh:
	case <-timer.C:
	case <-ctx.Done():
	}
}
