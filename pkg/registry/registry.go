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

// Package registry holds process wide objects shared by reference count,
// such as memory domains keyed by protection domain device.
package registry

import (
	"errors"
	"fmt"
	"sync"
)

var ErrNotFound = errors.New("registry entry not found")

type entry[V any] struct {
	value V
	refs  int
}

// Registry is a mutex protected table of reference counted values. Values
// are created on the first Get of a key and destroyed by the Release that
// drops the last reference.
type Registry[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*entry[V]
	create  func(K) (V, error)
	destroy func(K, V)
}

func New[K comparable, V any](create func(K) (V, error), destroy func(K, V)) *Registry[K, V] {
	return &Registry[K, V]{
		entries: make(map[K]*entry[V]),
		create:  create,
		destroy: destroy,
	}
}

// Get returns the value for key, creating it when absent, and takes a
// reference.
func (r *Registry[K, V]) Get(key K) (V, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		e.refs++
		return e.value, nil
	}
	value, err := r.create(key)
	if err != nil {
		var zero V
		return zero, fmt.Errorf("failed to create registry entry %v: %w", key, err)
	}
	r.entries[key] = &entry[V]{value: value, refs: 1}
	return value, nil
}

// Lookup returns the value for key without taking a reference.
func (r *Registry[K, V]) Lookup(key K) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Release drops a reference taken by Get.
func (r *Registry[K, V]) Release(key K) error {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrNotFound, key)
	}
	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return nil
	}
	delete(r.entries, key)
	r.mu.Unlock()
	if r.destroy != nil {
		r.destroy(key, e.value)
	}
	return nil
}

// Refs returns the reference count of key.
func (r *Registry[K, V]) Refs(key K) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		return e.refs
	}
	return 0
}

func (r *Registry[K, V]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
