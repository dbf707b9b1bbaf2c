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

	"gvisor.dev/mdl/pkg/errors/mmerr"
	"gvisor.dev/mdl/pkg/hostarch"
	"gvisor.dev/mdl/pkg/log"
	"gvisor.dev/mdl/pkg/mm/mdl"
	"gvisor.dev/mdl/pkg/mm/pfn"
	"gvisor.dev/mdl/pkg/sync/locking"
)

// AllocatePagesForMdl allocates up to total bytes of frames between the
// physical addresses low and high and returns an MDL describing them. If
// the window cannot satisfy the request it is moved up by skip bytes and
// tried again, until the request is satisfied or the window leaves RAM; the
// MDL may describe fewer bytes than requested.
func (mm *MemoryManager) AllocatePagesForMdl(low, high, skip, total uint64, req hostarch.MemoryType) (*mdl.MDL, error) {
	n := hostarch.BytesToPages(total)
	if n == 0 {
		return nil, fmt.Errorf("allocating zero bytes: %w", mmerr.ErrInvalidParameter)
	}
	if high != 0 && high < low {
		return nil, fmt.Errorf("window [%#x, %#x]: %w", low, high, mmerr.ErrInvalidParameter)
	}
	h := &locking.Held{}
	mm.DrainDeferredUnlocks()
	if !mm.commit.Charge(n) {
		return nil, fmt.Errorf("committing %d pages: %w", n, mmerr.ErrInsufficientResources)
	}

	var top pfn.PFN
	if runs := mm.db.Memory().Runs(); len(runs) > 0 {
		top = pfn.PFN(runs[len(runs)-1].End())
	}
	lo := pfn.FromAddr(low)
	var hi pfn.PFN
	if high != 0 {
		hi = pfn.FromAddr(high)
	}
	step := pfn.PFN(skip >> hostarch.PageShift)

	var frames []pfn.PFN
	for uint64(len(frames)) < n && lo < top {
		got, err := mm.alloc.AcquireFrames(h, pfn.Constraints{
			Count:   n - uint64(len(frames)),
			Low:     lo,
			High:    hi,
			Cache:   req,
			Partial: true,
		})
		if err == nil {
			frames = append(frames, got...)
		}
		if step == 0 || hi == 0 {
			break
		}
		lo += step
		hi += step
	}
	if got := uint64(len(frames)); got < n {
		mm.commit.Uncharge(n - got)
		if got == 0 {
			return nil, fmt.Errorf("allocating %d pages in [%#x, %#x]: %w", n, low, high, mmerr.ErrInsufficientResources)
		}
		log.Debugf("Allocated %d of %d pages for an MDL", got, n)
	}

	mm.db.Lock(h)
	for _, p := range frames {
		mm.db.SetFlags(h, p, pfn.CommitCharged)
	}
	mm.db.Unlock(h)

	m := &mdl.MDL{}
	m.Initialize(nil, 0, uint64(len(frames))*hostarch.PageSize)
	copy(m.Pages, frames)
	m.Flags = mdl.AllocatedPages
	return m, nil
}

// FreePagesFromMdl frees the frames of an MDL returned by
// AllocatePagesForMdl. m must not be mapped.
func (mm *MemoryManager) FreePagesFromMdl(m *mdl.MDL) error {
	if m.Flags&mdl.AllocatedPages == 0 {
		return fmt.Errorf("%v does not describe allocated pages: %w", m, mmerr.ErrInvalidParameter)
	}
	if m.Flags&(mdl.MappedToSystemVA|mdl.MappedToUserVA) != 0 {
		return fmt.Errorf("%v is still mapped: %w", m, mmerr.ErrInvalidParameter)
	}
	mm.freeAllocated(&locking.Held{}, m.Frames())
	m.MarkEmpty()
	m.Flags &^= mdl.AllocatedPages
	return nil
}

// freeAllocated returns frames allocated by AllocatePagesForMdl.
func (mm *MemoryManager) freeAllocated(h *locking.Held, frames []pfn.PFN) {
	if len(frames) == 0 {
		return
	}
	mm.db.Lock(h)
	for _, p := range frames {
		mm.db.ClearFlags(h, p, pfn.CommitCharged)
	}
	mm.db.Unlock(h)
	mm.alloc.ReleaseFrames(h, frames)
	mm.commit.Uncharge(uint64(len(frames)))
}

// BuildMdlForNonPagedPool fills the frame array of m, which describes
// resident system memory, from the system page tables. The result is
// mapped at its own address and is never locked or unlocked.
func (mm *MemoryManager) BuildMdlForNonPagedPool(m *mdl.MDL) error {
	if !m.VirtualAddress().IsSystem() {
		return fmt.Errorf("%v is not in system space: %w", m, mmerr.ErrInvalidParameter)
	}
	for i := range m.Pages {
		frame, _, _, ok := mm.system.Tables().Translate(m.PageVA(i))
		if !ok {
			m.MarkEmpty()
			return fmt.Errorf("%v is not resident: %w", m.PageVA(i), mmerr.ErrInvalidParameter)
		}
		m.Pages[i] = pfn.PFN(frame)
	}
	m.Flags |= mdl.SourceIsNonPagedPool
	m.MappedSystemVA = m.VirtualAddress()
	return nil
}
