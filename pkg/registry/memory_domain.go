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

package registry

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	ErrEmptyTranslation = errors.New("cannot translate an empty buffer")
	ErrDomainReleased   = errors.New("memory domain released")
)

// Translation is the key pair a NIC uses to reach a buffer.
type Translation struct {
	LKey uint32
	RKey uint32
}

// MemoryDomain represents memory reachable through one protection domain
// device.
type MemoryDomain struct {
	device   string
	key      uint32
	released atomic.Bool
}

func (d *MemoryDomain) Device() string {
	return d.device
}

// Translation returns the keys of the domain itself.
func (d *MemoryDomain) Translation() Translation {
	return Translation{LKey: d.key, RKey: d.key}
}

// TranslateData maps buf, owned by d, into dst.
func (d *MemoryDomain) TranslateData(dst *MemoryDomain, buf []byte) (Translation, error) {
	if len(buf) == 0 {
		return Translation{}, ErrEmptyTranslation
	}
	if d.released.Load() || dst.released.Load() {
		return Translation{}, ErrDomainReleased
	}
	return dst.Translation(), nil
}

// MemoryMap translates host buffers registered with a domain.
type MemoryMap struct {
	domain *MemoryDomain
}

func NewMemoryMap(domain *MemoryDomain) *MemoryMap {
	return &MemoryMap{domain: domain}
}

func (m *MemoryMap) Translate(buf []byte) (Translation, error) {
	if len(buf) == 0 {
		return Translation{}, ErrEmptyTranslation
	}
	if m.domain.released.Load() {
		return Translation{}, fmt.Errorf("%w: %s", ErrDomainReleased, m.domain.device)
	}
	return m.domain.Translation(), nil
}

// Domains is the table of memory domains keyed by protection domain device.
type Domains struct {
	reg     *Registry[string, *MemoryDomain]
	nextKey atomic.Uint32
}

func NewDomains() *Domains {
	d := &Domains{}
	d.reg = New(d.create, func(_ string, dom *MemoryDomain) {
		dom.released.Store(true)
	})
	return d
}

func (d *Domains) create(device string) (*MemoryDomain, error) {
	if device == "" {
		return nil, errors.New("empty protection domain device")
	}
	return &MemoryDomain{device: device, key: d.nextKey.Add(1)}, nil
}

// Get returns the domain of device and takes a reference.
func (d *Domains) Get(device string) (*MemoryDomain, error) {
	return d.reg.Get(device)
}

func (d *Domains) Lookup(device string) (*MemoryDomain, bool) {
	return d.reg.Lookup(device)
}

// Put releases a reference taken by Get.
func (d *Domains) Put(dom *MemoryDomain) error {
	return d.reg.Release(dom.device)
}

func (d *Domains) Refs(device string) int {
	return d.reg.Refs(device)
}
