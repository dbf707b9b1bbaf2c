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

// Package locking implements lock primitives with an ordering validator.
//
// Mutexes are divided into classes, and each class has a rank. The validator
// checks the following conditions:
//   - A class is never taken while a lock of the same class is already held
//     by the same operation.
//   - A ranked class is never taken while a lock of a higher rank is held.
//     Unranked classes are independent of the hierarchy.
//
// Go does not expose goroutine identity, so the set of locks currently held
// is carried explicitly by each operation as a *Held. Passing a nil *Held
// disables validation for that acquisition.
package locking

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Unranked is the rank of classes that sit outside the ordering hierarchy.
const Unranked = 0

// MutexClass identifies a family of locks that share an ordering position.
type MutexClass struct {
	name string
	rank int
}

// NewMutexClass returns a new class. rank must be Unranked or positive;
// higher ranks must be acquired after lower ones.
func NewMutexClass(name string, rank int) *MutexClass {
	if rank < 0 {
		panic(fmt.Sprintf("negative rank %d for lock class %q", rank, name))
	}
	return &MutexClass{name: name, rank: rank}
}

// Name returns the class name.
func (c *MutexClass) Name() string {
	return c.name
}

// Rank returns the class rank.
func (c *MutexClass) Rank() int {
	return c.rank
}

// String implements fmt.Stringer.
func (c *MutexClass) String() string {
	return c.name
}

// Observer is called on every validated acquisition with the class being
// acquired and the classes already held, in acquisition order. It must not
// retain held.
type Observer func(acquired *MutexClass, held []*MutexClass)

var observer atomic.Pointer[Observer]

// SetObserver installs o as the acquisition observer and returns a function
// that restores the previous one. A nil o removes the observer.
func SetObserver(o Observer) (restore func()) {
	var p *Observer
	if o != nil {
		p = &o
	}
	prev := observer.Swap(p)
	return func() { observer.Store(prev) }
}

// Held is the set of locks held by one operation.
//
// The zero value is an empty set. A Held must not be shared between
// goroutines.
type Held struct {
	classes []*MutexClass
}

// Empty returns true if no validated lock is held.
func (h *Held) Empty() bool {
	return h == nil || len(h.classes) == 0
}

// Holds returns true if a lock of class c is held.
func (h *Held) Holds(c *MutexClass) bool {
	if h == nil {
		return false
	}
	for _, hc := range h.classes {
		if hc == c {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer.
func (h *Held) String() string {
	if h.Empty() {
		return "[]"
	}
	names := make([]string, 0, len(h.classes))
	for _, c := range h.classes {
		names = append(names, c.name)
	}
	return "[" + strings.Join(names, " ") + "]"
}

// AssertEmpty panics if any validated lock is held. what names the call that
// requires no locks, e.g. a blocking collaborator.
func (h *Held) AssertEmpty(what string) {
	if !h.Empty() {
		panic(fmt.Sprintf("%s called with locks held: %v", what, h))
	}
}

// acquire validates and records the acquisition of c.
func (h *Held) acquire(c *MutexClass) {
	if h == nil || c == nil {
		return
	}
	for _, hc := range h.classes {
		if hc == c {
			panic(fmt.Sprintf("lock class %q acquired recursively, held: %v", c.name, h))
		}
		if c.rank != Unranked && hc.rank > c.rank {
			panic(fmt.Sprintf("lock order violation: acquiring %q (rank %d) while holding %q (rank %d)", c.name, c.rank, hc.name, hc.rank))
		}
	}
	if o := observer.Load(); o != nil {
		(*o)(c, h.classes)
	}
	h.classes = append(h.classes, c)
}

// release removes c from the held set.
func (h *Held) release(c *MutexClass) {
	if h == nil || c == nil {
		return
	}
	for i := len(h.classes) - 1; i >= 0; i-- {
		if h.classes[i] == c {
			h.classes = append(h.classes[:i], h.classes[i+1:]...)
			return
		}
	}
	panic(fmt.Sprintf("releasing lock class %q which is not held: %v", c.name, h))
}
