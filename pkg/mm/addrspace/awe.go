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

package addrspace

import (
	"fmt"
	"sync/atomic"

	"github.com/google/btree"

	"gvisor.dev/mdl/pkg/errors/mmerr"
	"gvisor.dev/mdl/pkg/hostarch"
	"gvisor.dev/mdl/pkg/mm/pfn"
	"gvisor.dev/mdl/pkg/sync/locking"
)

// RegionKind is the mapping granularity of an AWE region.
type RegionKind uint8

// Region kinds.
const (
	// Regular regions map each page to an independent frame.
	Regular RegionKind = iota

	// LargePage regions map each large page to a run of contiguous frames
	// through one directory entry.
	LargePage
)

// String implements fmt.Stringer.
func (k RegionKind) String() string {
	if k == LargePage {
		return "LargePage"
	}
	return "Regular"
}

// Region is a window onto the physical page pool.
type Region struct {
	Start    hostarch.Addr
	End      hostarch.Addr
	Kind     RegionKind
	Writable bool
}

// Range returns the region's address range.
func (r *Region) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: r.Start, End: r.End}
}

// String implements fmt.Stringer.
func (r *Region) String() string {
	return fmt.Sprintf("awe{%v %v writable=%t}", r.Kind, r.Range(), r.Writable)
}

// AWE is the physical page pool of a process and the regions it is mapped
// through.
type AWE struct {
	// mu is the region lock. It protects regions, frames and the leaf
	// entries of every region.
	mu      locking.RWMutex
	regions *btree.BTreeG[*Region]

	// last caches the region most recently found.
	last atomic.Pointer[Region]

	// frames maps each pool frame to the address it is mapped at, or zero.
	frames map[pfn.PFN]hostarch.Addr
}

// AWE returns the physical page pool of as, or nil if it never had one.
func (as *AddressSpace) AWE() *AWE {
	return as.awe
}

// EnableAWE creates the physical page pool of as if it does not exist.
func (as *AddressSpace) EnableAWE() *AWE {
	as.aweOnce.Do(func() {
		a := &AWE{
			regions: btree.NewG(4, func(x, y *Region) bool { return x.Start < y.Start }),
			frames:  make(map[pfn.PFN]hostarch.Addr),
		}
		a.mu.Init(AWERegionClass)
		as.awe = a
	})
	return as.awe
}

// Lock acquires the region lock for writing.
func (a *AWE) Lock(h *locking.Held) { a.mu.Lock(h) }

// Unlock releases the region lock held for writing.
func (a *AWE) Unlock(h *locking.Held) { a.mu.Unlock(h) }

// RLock acquires the region lock for reading.
func (a *AWE) RLock(h *locking.Held) { a.mu.RLock(h) }

// RUnlock releases the region lock held for reading.
func (a *AWE) RUnlock(h *locking.Held) { a.mu.RUnlock(h) }

// FindRegion returns the region wholly containing ar. The caller must hold
// the region lock.
func (a *AWE) FindRegion(ar hostarch.AddrRange) (*Region, bool) {
	if r := a.last.Load(); r != nil && r.Range().IsSupersetOf(ar) {
		return r, true
	}
	var found *Region
	a.regions.DescendLessOrEqual(&Region{Start: ar.Start}, func(r *Region) bool {
		found = r
		return false
	})
	if found == nil || !found.Range().IsSupersetOf(ar) {
		return nil, false
	}
	a.last.Store(found)
	return found, true
}

// InsertRegion adds r. The caller must hold the region lock for writing.
func (a *AWE) InsertRegion(r *Region) error {
	var conflict *Region
	a.regions.DescendLessOrEqual(&Region{Start: r.End - 1}, func(o *Region) bool {
		if o.End > r.Start {
			conflict = o
		}
		return false
	})
	if conflict != nil {
		return fmt.Errorf("%v overlaps %v: %w", r, conflict, mmerr.ErrConflictingAddresses)
	}
	a.regions.ReplaceOrInsert(r)
	return nil
}

// RemoveRegion removes r. The caller must hold the region lock for writing.
func (a *AWE) RemoveRegion(r *Region) {
	a.regions.Delete(r)
	a.last.CompareAndSwap(r, nil)
}

// NumRegions returns the number of regions. The caller must hold the region
// lock.
func (a *AWE) NumRegions() int {
	return a.regions.Len()
}

// AddFrame adds p to the pool. The caller must hold the region lock for
// writing.
func (a *AWE) AddFrame(p pfn.PFN) {
	a.frames[p] = 0
}

// Owns returns true if p is in the pool. The caller must hold the region
// lock.
func (a *AWE) Owns(p pfn.PFN) bool {
	_, ok := a.frames[p]
	return ok
}

// RemoveFrame removes p from the pool and returns the address it was mapped
// at, if any. The caller must hold the region lock for writing.
func (a *AWE) RemoveFrame(p pfn.PFN) (hostarch.Addr, bool) {
	va, ok := a.frames[p]
	delete(a.frames, p)
	return va, ok && va != 0
}

// SetMapping records that pool frame p is mapped at va, or unmapped if va
// is zero. The caller must hold the region lock for writing.
func (a *AWE) SetMapping(p pfn.PFN, va hostarch.Addr) {
	if _, ok := a.frames[p]; !ok {
		panic(fmt.Sprintf("%v is not in the pool", p))
	}
	a.frames[p] = va
}

// Mapping returns the address pool frame p is mapped at. The caller must
// hold the region lock.
func (a *AWE) Mapping(p pfn.PFN) (hostarch.Addr, bool) {
	va, ok := a.frames[p]
	return va, ok && va != 0
}

// NumFrames returns the pool size. The caller must hold the region lock.
func (a *AWE) NumFrames() int {
	return len(a.frames)
}
