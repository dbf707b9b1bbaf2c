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

// Package batch defers the release of locked-page charges so that frequent
// small unlocks share one acquisition of the frame database lock.
//
// Unlocked frames are queued in fixed-capacity descriptors drawn from a
// preallocated pool, one queue per node, without taking any lock. Queues are
// drained under the database lock, either opportunistically when a queue
// grows past a threshold or synchronously by callers that need exact
// counters. A queued frame still holds its charge, so it cannot be handed
// out again before it is drained.
package batch

import (
	"fmt"

	"gvisor.dev/mdl/pkg/atomicbitops"
	"gvisor.dev/mdl/pkg/log"
	"gvisor.dev/mdl/pkg/mm/mdl"
	"gvisor.dev/mdl/pkg/mm/pfn"
	"gvisor.dev/mdl/pkg/sync/locking"
)

// Defaults for Options.
const (
	DefaultCapacity       = 16
	DefaultPoolSize       = 64
	DefaultDrainThreshold = 8
)

// Options configures a Batcher.
type Options struct {
	// Nodes is the number of queues.
	Nodes int

	// Capacity is the number of frames one descriptor holds.
	Capacity int

	// PoolSize is the number of preallocated descriptors.
	PoolSize int

	// DrainThreshold is the queue depth, in descriptors, at which Enqueue
	// tries to drain the queue.
	DrainThreshold int
}

// descriptor is one queued batch of frames.
type descriptor struct {
	// next is the index plus one of the next descriptor on the same stack.
	next atomicbitops.Uint32

	flags  mdl.Flags
	frames []pfn.PFN
}

// stack is a lock-free stack of descriptor indices. head holds a version in
// its upper 32 bits and the top index plus one in its lower 32 bits; every
// update bumps the version so that a pop cannot succeed against a head that
// was popped and pushed back in between.
type stack struct {
	head  atomicbitops.Uint64
	depth atomicbitops.Int32
}

func nextHead(old uint64, top uint32) uint64 {
	return (old>>32+1)<<32 | uint64(top)
}

// push counts i before publishing it, so a concurrent drain never takes
// depth below zero.
func (s *stack) push(descs []descriptor, i uint32) {
	s.depth.Add(1)
	for {
		old := s.head.Load()
		descs[i].next.Store(uint32(old))
		if s.head.CompareAndSwap(old, nextHead(old, i+1)) {
			return
		}
	}
}

func (s *stack) pop(descs []descriptor) (uint32, bool) {
	for {
		old := s.head.Load()
		top := uint32(old)
		if top == 0 {
			return 0, false
		}
		next := descs[top-1].next.Load()
		if s.head.CompareAndSwap(old, nextHead(old, next)) {
			s.depth.Add(-1)
			return top - 1, true
		}
	}
}

// takeAll empties the stack and returns its former top index plus one.
func (s *stack) takeAll() uint32 {
	for {
		old := s.head.Load()
		if uint32(old) == 0 {
			return 0
		}
		if s.head.CompareAndSwap(old, nextHead(old, 0)) {
			return uint32(old)
		}
	}
}

// Batcher queues deferred unlocks.
type Batcher struct {
	db    *pfn.Database
	opts  Options
	descs []descriptor
	free  stack
	nodes []stack

	drained atomicbitops.Uint64
}

// New returns a Batcher releasing charges in db.
func New(db *pfn.Database, opts Options) *Batcher {
	if opts.Nodes <= 0 {
		opts.Nodes = 1
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = DefaultPoolSize
	}
	if opts.DrainThreshold <= 0 {
		opts.DrainThreshold = DefaultDrainThreshold
	}
	b := &Batcher{
		db:    db,
		opts:  opts,
		descs: make([]descriptor, opts.PoolSize),
		nodes: make([]stack, opts.Nodes),
	}
	for i := range b.descs {
		b.descs[i].frames = make([]pfn.PFN, 0, opts.Capacity)
		b.free.push(b.descs, uint32(i))
	}
	return b
}

// Capacity returns the largest number of frames Enqueue accepts.
func (b *Batcher) Capacity() int {
	return b.opts.Capacity
}

// Enqueue queues the release of one locked-page charge on each of frames,
// all of which must be database frames, on node's queue. flags are the
// flags of the MDL the frames were locked through. It returns false,
// queuing nothing, if frames do not fit in a descriptor or no descriptor is
// free; the caller must then release the charges itself. The caller must not
// hold the database lock.
func (b *Batcher) Enqueue(h *locking.Held, node int, flags mdl.Flags, frames []pfn.PFN) bool {
	if len(frames) == 0 || len(frames) > b.opts.Capacity {
		return false
	}
	i, ok := b.free.pop(b.descs)
	if !ok {
		return false
	}
	d := &b.descs[i]
	d.flags = flags
	d.frames = append(d.frames[:0], frames...)

	q := b.queue(node)
	q.push(b.descs, i)
	if int(q.depth.Load()) >= b.opts.DrainThreshold && b.db.TryLock(h) {
		n := b.drainLocked(h, q)
		b.db.Unlock(h)
		log.Debugf("Opportunistically drained %d deferred unlocks on node %d", n, node)
	}
	return true
}

func (b *Batcher) queue(node int) *stack {
	if node < 0 {
		panic(fmt.Sprintf("negative node %d", node))
	}
	return &b.nodes[node%len(b.nodes)]
}

// drainLocked releases every charge queued on q and returns the number of
// frames released. The caller must hold the database lock.
func (b *Batcher) drainLocked(h *locking.Held, q *stack) int {
	n := 0
	for top := q.takeAll(); top != 0; {
		i := top - 1
		d := &b.descs[i]
		top = d.next.Load()
		write := d.flags&mdl.WriteOperation != 0
		for _, p := range d.frames {
			b.db.RemoveLockedPageChargeAndDecRef(h, p, write)
		}
		n += len(d.frames)
		d.frames = d.frames[:0]
		q.depth.Add(-1)
		b.free.push(b.descs, i)
	}
	b.drained.Add(uint64(n))
	return n
}

// Drain releases every charge queued on node's queue and returns the number
// of frames released. The caller must not hold the database lock.
func (b *Batcher) Drain(h *locking.Held, node int) int {
	b.db.Lock(h)
	defer b.db.Unlock(h)
	return b.drainLocked(h, b.queue(node))
}

// DrainAll releases every queued charge on every node.
func (b *Batcher) DrainAll(h *locking.Held) int {
	b.db.Lock(h)
	defer b.db.Unlock(h)
	n := 0
	for i := range b.nodes {
		n += b.drainLocked(h, &b.nodes[i])
	}
	return n
}

// Pending returns the number of queued descriptors.
func (b *Batcher) Pending() int {
	n := 0
	for i := range b.nodes {
		n += int(b.nodes[i].depth.Load())
	}
	return n
}

// Drained returns the number of frames released from queues so far.
func (b *Batcher) Drained() uint64 {
	return b.drained.Load()
}
