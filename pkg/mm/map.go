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
	"context"
	"fmt"

	"gvisor.dev/mdl/pkg/cleanup"
	"gvisor.dev/mdl/pkg/errors/mmerr"
	"gvisor.dev/mdl/pkg/hostarch"
	"gvisor.dev/mdl/pkg/mm/addrspace"
	"gvisor.dev/mdl/pkg/mm/mdl"
	"gvisor.dev/mdl/pkg/mm/pagetables"
	"gvisor.dev/mdl/pkg/mm/pfn"
	"gvisor.dev/mdl/pkg/mm/syspte"
	"gvisor.dev/mdl/pkg/mm/tracker"
	"gvisor.dev/mdl/pkg/sync/locking"
)

// ioRun is a maximal run of consecutive I/O space frames within a frame
// array.
type ioRun struct {
	index int
	base  pfn.PFN
	pages uint64
}

// ioRuns returns the I/O space runs of frames.
func (mm *MemoryManager) ioRuns(frames []pfn.PFN) []ioRun {
	var runs []ioRun
	for i, p := range frames {
		if !mm.db.IsIOSpace(p) {
			continue
		}
		if n := len(runs); n > 0 {
			last := &runs[n-1]
			if last.index+int(last.pages) == i && last.base+pfn.PFN(last.pages) == p {
				last.pages++
				continue
			}
		}
		runs = append(runs, ioRun{index: i, base: p, pages: 1})
	}
	return runs
}

// resolveFrames settles the memory type each of frames will be mapped with
// for a request of req and counts the new mapping of each frame. RAM frames
// must be active.
func (mm *MemoryManager) resolveFrames(h *locking.Held, frames []pfn.PFN, req hostarch.MemoryType) ([]hostarch.MemoryType, error) {
	types := make([]hostarch.MemoryType, len(frames))
	runs := mm.ioRuns(frames)
	cu := cleanup.Make(func() {})
	defer cu.Clean()
	for _, r := range runs {
		mt, err := mm.arbiter.ResolveIORange(uint64(r.base), r.pages, req)
		if err != nil {
			return nil, err
		}
		cu.Add(func() { mm.arbiter.ReleaseIORange(uint64(r.base), r.pages) })
		for i := r.index; i < r.index+int(r.pages); i++ {
			types[i] = mt
		}
	}

	mm.db.Lock(h)
	defer mm.db.Unlock(h)
	if mm.arbiter.MustBeCachedConflict(h, frames, req) {
		return nil, fmt.Errorf("mapping %d frames %v: a frame must be cached: %w", len(frames), req, mmerr.ErrConflictingAddresses)
	}
	for _, p := range frames {
		if mm.db.IsIOSpace(p) {
			continue
		}
		if e := mm.db.Entry(p); e.Location != pfn.ActiveAndValid {
			return nil, fmt.Errorf("mapping %v in state %v: %w", p, e.Location, mmerr.ErrInvalidParameter)
		}
	}
	for i, p := range frames {
		if mm.db.IsIOSpace(p) {
			continue
		}
		types[i] = mm.arbiter.Resolve(h, p, req)
		mm.db.AddMapping(h, p)
	}
	cu.Release()
	return types, nil
}

// unresolveFrames is the inverse of resolveFrames.
func (mm *MemoryManager) unresolveFrames(h *locking.Held, frames []pfn.PFN) {
	for _, r := range mm.ioRuns(frames) {
		mm.arbiter.ReleaseIORange(uint64(r.base), r.pages)
	}
	if mm.countRAM(frames) == 0 {
		return
	}
	mm.db.Lock(h)
	defer mm.db.Unlock(h)
	for _, p := range frames {
		if !mm.db.IsIOSpace(p) {
			mm.db.RemoveMapping(h, p)
		}
	}
}

// writeSystemPTEs maps frames at the pages of r.
func (mm *MemoryManager) writeSystemPTEs(r syspte.Range, frames []pfn.PFN, types []hostarch.MemoryType) {
	for i, p := range frames {
		mm.system.Tables().Map(r.Page(i), pagetables.MakeValid(uint64(p), pagetables.MapOpts{
			Writable:  true,
			Global:    true,
			NoExecute: true,
			Cache:     types[i],
		}))
	}
}

// clearSystemPTEs invalidates r and flushes its translations.
func (mm *MemoryManager) clearSystemPTEs(r syspte.Range) []pagetables.PTE {
	old := mm.slots.Clear(r)
	mm.flusher.Flush(r.Addrs())
	return old
}

// MapLocked maps the frames of m, which must be locked, allocated or built
// from nonpaged memory, and returns the address of m's first byte in the
// mapping. KernelMode maps into system space; UserMode maps into the
// current address space of ctx.
//
// The memory type of each frame is req unless the frame is already mapped
// with another type, in which case the existing type is used.
func (mm *MemoryManager) MapLocked(ctx context.Context, m *mdl.MDL, mode hostarch.AccessMode, req hostarch.MemoryType) (hostarch.Addr, error) {
	if m.Flags&mdl.SourceIsNonPagedPool != 0 && mode == hostarch.KernelMode {
		return m.MappedSystemVA, nil
	}
	if m.Flags&(mdl.PagesLocked|mdl.AllocatedPages|mdl.Partial|mdl.SourceIsNonPagedPool) == 0 {
		return 0, fmt.Errorf("%v has no frames to map: %w", m, mmerr.ErrInvalidParameter)
	}
	frames := m.Frames()
	if len(frames) == 0 {
		return 0, fmt.Errorf("%v has no frames to map: %w", m, mmerr.ErrInvalidParameter)
	}
	if mode == hostarch.UserMode {
		return mm.mapUser(ctx, m, frames, req)
	}
	if m.Flags&mdl.MappedToSystemVA != 0 {
		return m.MappedSystemVA, nil
	}

	h := &locking.Held{}
	r, ok := mm.slots.Reserve(uint64(len(frames)))
	if !ok {
		mm.warn.Warningf("No system mapping slots for %d pages: %d of %d free", len(frames), mm.slots.Free(), mm.slots.Size())
		return 0, fmt.Errorf("reserving %d system mapping slots: %w", len(frames), mmerr.ErrInsufficientResources)
	}
	types, err := mm.resolveFrames(h, frames, req)
	if err != nil {
		mm.slots.Release(r)
		return 0, err
	}
	mm.writeSystemPTEs(r, frames, types)
	mm.trackers.SystemPTEs.Add(tracker.SystemPTERecord{
		VA:     r.Start,
		Pages:  r.Pages,
		Frame:  frames[0],
		Caller: caller(),
	})
	m.MappedSystemVA = r.Start + hostarch.Addr(m.ByteOffset)
	m.Flags |= mdl.MappedToSystemVA
	if m.Flags&mdl.Partial != 0 {
		m.Flags |= mdl.PartialHasBeenMapped
	}
	return m.MappedSystemVA, nil
}

// mapUser maps frames into a fresh device view of the current address
// space.
func (mm *MemoryManager) mapUser(ctx context.Context, m *mdl.MDL, frames []pfn.PFN, req hostarch.MemoryType) (hostarch.Addr, error) {
	as := addrspace.FromContext(ctx)
	if as == nil || !as.IsUser() {
		return 0, fmt.Errorf("no current user address space to map %v: %w", m, mmerr.ErrInvalidParameter)
	}
	n := uint64(len(frames))
	va, err := as.AllocateUserVA(n)
	if err != nil {
		return 0, err
	}
	h := &locking.Held{}
	types, err := mm.resolveFrames(h, frames, req)
	if err != nil {
		as.FreeUserVA(va, n)
		return 0, err
	}
	v := &addrspace.View{
		StartVPN: va.VPN(),
		EndVPN:   va.VPN() + n,
		Kind:     addrspace.DevicePhysicalMemory,
		MDL:      m,
	}
	as.LockWorkingSet(h)
	if err := as.InsertView(h, v); err != nil {
		as.UnlockWorkingSet(h)
		mm.unresolveFrames(h, frames)
		as.FreeUserVA(va, n)
		return 0, err
	}
	for i, p := range frames {
		as.Tables().Map(va+hostarch.Addr(i)*hostarch.PageSize, pagetables.MakeValid(uint64(p), pagetables.MapOpts{
			Writable:  true,
			User:      true,
			NoExecute: true,
			Cache:     types[i],
		}))
	}
	as.UnlockWorkingSet(h)
	m.Flags |= mdl.MappedToUserVA
	return va + hostarch.Addr(m.ByteOffset), nil
}

// Unmap removes the mapping of m at addr established by MapLocked.
// Unmapping an address that does not hold a mapping of m is fatal.
func (mm *MemoryManager) Unmap(ctx context.Context, addr hostarch.Addr, m *mdl.MDL) {
	if m.Flags&mdl.SourceIsNonPagedPool != 0 && addr == m.MappedSystemVA {
		return
	}
	frames := m.Frames()
	h := &locking.Held{}
	if addr.IsUser() {
		mm.unmapUser(ctx, h, addr, m, frames)
		return
	}

	base := addr.RoundDown()
	if m.Flags&mdl.MappedToSystemVA == 0 || addr != m.MappedSystemVA {
		mmerr.BugCheck(mmerr.UnmapOfUnmappedMDL, uint64(addr), uint64(m.MappedSystemVA), uint64(m.Flags))
	}
	n := uint64(len(frames))
	mm.trackers.SystemPTEs.Remove(base, n)
	r := syspte.Range{Start: base, Pages: n}
	if !mm.slots.IsReserved(r) {
		mmerr.BugCheck(mmerr.UnmapOfUnmappedMDL, uint64(addr), n)
	}
	mm.clearSystemPTEs(r)
	mm.slots.Release(r)
	mm.unresolveFrames(h, frames)
	m.Flags &^= mdl.MappedToSystemVA | mdl.PartialHasBeenMapped
	m.MappedSystemVA = 0
}

func (mm *MemoryManager) unmapUser(ctx context.Context, h *locking.Held, addr hostarch.Addr, m *mdl.MDL, frames []pfn.PFN) {
	as := addrspace.FromContext(ctx)
	if as == nil || m.Flags&mdl.MappedToUserVA == 0 {
		mmerr.BugCheck(mmerr.UnmapOfUnmappedMDL, uint64(addr), uint64(m.Flags))
	}
	base := addr.RoundDown()
	as.LockWorkingSet(h)
	v, ok := as.FindView(h, base)
	if !ok || v.Kind != addrspace.DevicePhysicalMemory || v.MDL != m || v.StartVPN != base.VPN() {
		as.UnlockWorkingSet(h)
		mmerr.BugCheck(mmerr.UnmapOfUnmappedMDL, uint64(addr), uint64(as.ID()))
	}
	if v.Pages() != uint64(len(frames)) {
		as.UnlockWorkingSet(h)
		mmerr.BugCheck(mmerr.MismatchedUnmapLength, uint64(addr), v.Pages(), uint64(len(frames)))
	}
	vas := make([]hostarch.Addr, 0, len(frames))
	for i := range frames {
		va := base + hostarch.Addr(i)*hostarch.PageSize
		as.Tables().Invalidate(pagetables.EntryFor(pagetables.PTELevel, va))
		vas = append(vas, va)
	}
	as.RemoveView(h, base)
	as.UnlockWorkingSet(h)
	mm.flusher.Flush(vas)
	as.FreeUserVA(base, uint64(len(frames)))
	mm.unresolveFrames(h, frames)
	m.Flags &^= mdl.MappedToUserVA
}

// ReserveMappingSlots reserves count contiguous system mapping slots for a
// caller that writes the entries itself. It returns false if the window is
// exhausted.
func (mm *MemoryManager) ReserveMappingSlots(count uint64) (syspte.Range, bool) {
	return mm.slots.Reserve(count)
}

// ReleaseMappingSlots releases slots reserved by ReserveMappingSlots. Every
// entry in r must already be invalid.
func (mm *MemoryManager) ReleaseMappingSlots(r syspte.Range) {
	mm.slots.Release(r)
}

// AllocateMappingAddress reserves a system range of size bytes under tag,
// to be mapped later with MapWithReservedMapping. Mapping into it never
// fails for lack of slots.
func (mm *MemoryManager) AllocateMappingAddress(size uint64, tag uint32) (hostarch.Addr, error) {
	return mm.slots.AllocateMappingAddress(hostarch.BytesToPages(size), tag)
}

// FreeMappingAddress releases a range reserved by AllocateMappingAddress.
// The range must not be mapped.
func (mm *MemoryManager) FreeMappingAddress(va hostarch.Addr, tag uint32) {
	mm.slots.FreeMappingAddress(va, tag)
}

// MapWithReservedMapping maps the frames of m into the range reserved at va
// under tag and returns the address of m's first byte.
func (mm *MemoryManager) MapWithReservedMapping(va hostarch.Addr, tag uint32, m *mdl.MDL, req hostarch.MemoryType) (hostarch.Addr, error) {
	r := mm.slots.Reservation(va, tag)
	frames := m.Frames()
	n := uint64(len(frames))
	if n == 0 || n > r.Pages {
		return 0, fmt.Errorf("mapping %v into %v: %w", m, r, mmerr.ErrInvalidParameter)
	}
	if m.Flags&mdl.MappedToSystemVA != 0 {
		return 0, fmt.Errorf("%v is already mapped: %w", m, mmerr.ErrInvalidParameter)
	}
	sub := syspte.Range{Start: r.Start, Pages: n}
	for i := 0; i < int(n); i++ {
		if pte := mm.system.Tables().ReadPte(pagetables.EntryFor(pagetables.PTELevel, sub.Page(i))); !pte.IsZero() {
			mmerr.BugCheck(mmerr.ReservedMappingInUse, uint64(sub.Page(i)), uint64(pte), uint64(tag))
		}
	}
	h := &locking.Held{}
	types, err := mm.resolveFrames(h, frames, req)
	if err != nil {
		return 0, err
	}
	mm.writeSystemPTEs(sub, frames, types)
	m.MappedSystemVA = sub.Start + hostarch.Addr(m.ByteOffset)
	m.Flags |= mdl.MappedToSystemVA
	return m.MappedSystemVA, nil
}

// UnmapReservedMapping removes the mapping of m from the range reserved at
// va under tag, leaving the range reserved.
func (mm *MemoryManager) UnmapReservedMapping(va hostarch.Addr, tag uint32, m *mdl.MDL) {
	r := mm.slots.Reservation(va, tag)
	frames := m.Frames()
	n := uint64(len(frames))
	if n > r.Pages {
		mmerr.BugCheck(mmerr.MismatchedUnmapLength, uint64(va), r.Pages, n)
	}
	if m.Flags&mdl.MappedToSystemVA == 0 || m.MappedSystemVA.RoundDown() != va {
		mmerr.BugCheck(mmerr.UnmapOfUnmappedMDL, uint64(va), uint64(m.MappedSystemVA), uint64(tag))
	}
	mm.clearSystemPTEs(syspte.Range{Start: va, Pages: n})
	mm.unresolveFrames(&locking.Held{}, frames)
	m.Flags &^= mdl.MappedToSystemVA
	m.MappedSystemVA = 0
}
