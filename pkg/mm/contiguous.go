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

package mm

import (
	"fmt"

	"gvisor.dev/mdl/pkg/cleanup"
	"gvisor.dev/mdl/pkg/errors/mmerr"
	"gvisor.dev/mdl/pkg/hostarch"
	"gvisor.dev/mdl/pkg/mm/pfn"
	"gvisor.dev/mdl/pkg/mm/syspte"
	"gvisor.dev/mdl/pkg/sync/locking"
)

// AllocateContiguous allocates size bytes of physically contiguous memory
// between the physical addresses low and high, inclusive, not crossing a
// multiple of boundary bytes, and maps it into system space with memory
// type req. A zero high or boundary is unconstrained.
func (mm *MemoryManager) AllocateContiguous(size, low, high, boundary uint64, req hostarch.MemoryType) (hostarch.Addr, error) {
	n := hostarch.BytesToPages(size)
	if n == 0 {
		return 0, fmt.Errorf("allocating zero bytes: %w", mmerr.ErrInvalidParameter)
	}
	if boundary != 0 && boundary%hostarch.PageSize != 0 {
		return 0, fmt.Errorf("boundary %#x is not page aligned: %w", boundary, mmerr.ErrInvalidParameter)
	}
	h := &locking.Held{}
	mm.DrainDeferredUnlocks()
	if !mm.commit.Charge(n) {
		return 0, fmt.Errorf("committing %d pages: %w", n, mmerr.ErrInsufficientResources)
	}
	cu := cleanup.Make(func() { mm.commit.Uncharge(n) })
	defer cu.Clean()

	c := pfn.Constraints{
		Count:      n,
		Low:        pfn.FromAddr(low),
		Boundary:   boundary >> hostarch.PageShift,
		Contiguous: true,
		Cache:      req,
	}
	if high != 0 {
		c.High = pfn.FromAddr(high)
	}
	frames, err := mm.alloc.AcquireFrames(h, c)
	if err != nil {
		return 0, err
	}
	cu.Add(func() { mm.alloc.ReleaseFrames(h, frames) })

	r, ok := mm.slots.Reserve(n)
	if !ok {
		return 0, fmt.Errorf("reserving %d system mapping slots: %w", n, mmerr.ErrInsufficientResources)
	}
	cu.Add(func() { mm.slots.Release(r) })

	types, err := mm.resolveFrames(h, frames, req)
	if err != nil {
		return 0, err
	}
	mm.db.Lock(h)
	for _, p := range frames {
		mm.db.SetFlags(h, p, pfn.CommitCharged)
	}
	mm.db.Unlock(h)
	mm.writeSystemPTEs(r, frames, types)

	mm.mu.Lock()
	mm.contiguous[r.Start] = contiguousAllocation{frames: frames}
	mm.mu.Unlock()
	cu.Release()
	return r.Start, nil
}

// FreeContiguous frees memory returned by AllocateContiguous.
func (mm *MemoryManager) FreeContiguous(va hostarch.Addr) error {
	mm.mu.Lock()
	a, ok := mm.contiguous[va]
	delete(mm.contiguous, va)
	mm.mu.Unlock()
	if !ok {
		return fmt.Errorf("%v is not a contiguous allocation: %w", va, mmerr.ErrInvalidParameter)
	}

	h := &locking.Held{}
	n := uint64(len(a.frames))
	r := syspte.Range{Start: va, Pages: n}
	mm.clearSystemPTEs(r)
	mm.slots.Release(r)
	mm.unresolveFrames(h, a.frames)
	mm.db.Lock(h)
	for _, p := range a.frames {
		mm.db.ClearFlags(h, p, pfn.CommitCharged)
	}
	mm.db.Unlock(h)
	mm.alloc.ReleaseFrames(h, a.frames)
	mm.commit.Uncharge(n)
	return nil
}
