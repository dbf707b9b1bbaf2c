// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package locking

import (
	"sync"
)

// Mutex is sync.Mutex with the ordering validator.
type Mutex struct {
	mu    sync.Mutex
	class *MutexClass
}

// NewMutex returns a Mutex of class c.
func NewMutex(c *MutexClass) *Mutex {
	return &Mutex{class: c}
}

// Init sets the class of a zero Mutex.
func (m *Mutex) Init(c *MutexClass) {
	m.class = c
}

// Class returns the class of m.
func (m *Mutex) Class() *MutexClass {
	return m.class
}

// Lock locks m.
// +checklocksignore
func (m *Mutex) Lock(h *Held) {
	h.acquire(m.class)
	m.mu.Lock()
}

// TryLock tries to lock m and reports whether it succeeded.
// +checklocksignore
func (m *Mutex) TryLock(h *Held) bool {
	if !m.mu.TryLock() {
		return false
	}
	h.acquire(m.class)
	return true
}

// Unlock unlocks m.
// +checklocksignore
func (m *Mutex) Unlock(h *Held) {
	h.release(m.class)
	m.mu.Unlock()
}

// RWMutex is sync.RWMutex with the ordering validator.
type RWMutex struct {
	mu    sync.RWMutex
	class *MutexClass
}

// Init sets the class of a zero RWMutex.
func (m *RWMutex) Init(c *MutexClass) {
	m.class = c
}

// Class returns the class of m.
func (m *RWMutex) Class() *MutexClass {
	return m.class
}

// Lock locks m for writing.
// +checklocksignore
func (m *RWMutex) Lock(h *Held) {
	h.acquire(m.class)
	m.mu.Lock()
}

// Unlock unlocks m for writing.
// +checklocksignore
func (m *RWMutex) Unlock(h *Held) {
	h.release(m.class)
	m.mu.Unlock()
}

// RLock locks m for reading.
// +checklocksignore
func (m *RWMutex) RLock(h *Held) {
	h.acquire(m.class)
	m.mu.RLock()
}

// RUnlock undoes a single RLock call.
// +checklocksignore
func (m *RWMutex) RUnlock(h *Held) {
	h.release(m.class)
	m.mu.RUnlock()
}
