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

package mm_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"gvisor.dev/mdl/pkg/errors/mmerr"
	"gvisor.dev/mdl/pkg/hostarch"
	"gvisor.dev/mdl/pkg/mm/addrspace"
	"gvisor.dev/mdl/pkg/mm/cacheattr"
	"gvisor.dev/mdl/pkg/mm/hal"
	"gvisor.dev/mdl/pkg/mm/mdl"
	"gvisor.dev/mdl/pkg/mm/mmtest"
	"gvisor.dev/mdl/pkg/mm/pfn"
	"gvisor.dev/mdl/pkg/sync/locking"
)

const testTag uint32 = 0x4d444c74

func systemPTE(t *testing.T, mach *mmtest.Machine, va hostarch.Addr) (pfn.PFN, hostarch.MemoryType) {
	t.Helper()
	frame, _, pte, ok := mach.MM.SystemSpace().Tables().Translate(va)
	if !ok {
		t.Fatalf("%v is not mapped", va)
	}
	return pfn.PFN(frame), pte.Cache()
}

func TestMapLockedKeepsExistingCacheType(t *testing.T) {
	mach := newMachine(t, nil)
	p := mach.NewProcess(addrspace.Options{})
	p.AddRegion(userBase, 1, mmtest.Anonymous)
	ctx := p.Context(context.Background())

	m := newMDL(t, userBase+0x10, 0x20)
	if err := mach.MM.ProbeAndLock(ctx, m, hostarch.UserMode, hostarch.ReadAccess); err != nil {
		t.Fatalf("ProbeAndLock: %v", err)
	}
	va, err := mach.MM.MapLocked(ctx, m, hostarch.KernelMode, hostarch.MemoryTypeUncached)
	if err != nil {
		t.Fatalf("MapLocked: %v", err)
	}
	if !va.IsSystem() || va.PageOffset() != 0x10 {
		t.Errorf("MapLocked = %v, want a system address at offset 0x10", va)
	}
	frame, mt := systemPTE(t, mach, va)
	if frame != m.Pages[0] || mt != hostarch.MemoryTypeCached {
		t.Errorf("mapping = %v/%v, want %v/%v", frame, mt, m.Pages[0], hostarch.MemoryTypeCached)
	}
	if got := counter(mach, "/mm/cache_override", cacheattr.RequestedNonCachedGotCached); got != 1 {
		t.Errorf("overrides = %d, want 1", got)
	}
	if m.Flags&mdl.MappedToSystemVA == 0 || m.MappedSystemVA != va {
		t.Errorf("MDL %v does not record the mapping", m)
	}
	if got := mach.DB.Entry(m.Pages[0]).MapCount; got != 1 {
		t.Errorf("map count = %d, want 1", got)
	}
	if again, err := mach.MM.MapLocked(ctx, m, hostarch.KernelMode, hostarch.MemoryTypeCached); err != nil || again != va {
		t.Errorf("second MapLocked = %v, %v; want %v", again, err, va)
	}

	mach.MM.Unmap(ctx, va, m)
	if got := mach.DB.Entry(m.Pages[0]).MapCount; got != 0 {
		t.Errorf("map count after unmap = %d, want 0", got)
	}
	if got := mach.HAL.Flushes().Single; got != 1 {
		t.Errorf("single flushes = %d, want 1", got)
	}
	if m.Flags&mdl.MappedToSystemVA != 0 || m.MappedSystemVA != 0 {
		t.Errorf("MDL %v still mapped", m)
	}
	mach.MM.Unlock(ctx, m)
	if got := mach.MM.Stats().FreeSlots; got != 256 {
		t.Errorf("free slots = %d, want 256", got)
	}
}

func TestMapAllocatedPagesSetsCacheType(t *testing.T) {
	mach := newMachine(t, nil)
	ctx := context.Background()

	m, err := mach.MM.AllocatePagesForMdl(0, 0, 0, 2*hostarch.PageSize, hostarch.MemoryTypeWriteCombine)
	if err != nil {
		t.Fatalf("AllocatePagesForMdl: %v", err)
	}
	if got := mach.Commit.Charged(); got != 2 {
		t.Errorf("commit charged = %d, want 2", got)
	}
	va, err := mach.MM.MapLocked(ctx, m, hostarch.KernelMode, hostarch.MemoryTypeWriteCombine)
	if err != nil {
		t.Fatalf("MapLocked: %v", err)
	}
	for i, want := range m.Frames() {
		frame, mt := systemPTE(t, mach, va+hostarch.Addr(i)*hostarch.PageSize)
		if frame != want || mt != hostarch.MemoryTypeWriteCombine {
			t.Errorf("page %d = %v/%v, want %v/%v", i, frame, mt, want, hostarch.MemoryTypeWriteCombine)
		}
		if got := mach.DB.Entry(want).CacheAttribute; got != hostarch.MemoryTypeWriteCombine {
			t.Errorf("%v cache attribute = %v, want %v", want, got, hostarch.MemoryTypeWriteCombine)
		}
	}
	if err := mach.MM.FreePagesFromMdl(m); !errors.Is(err, mmerr.ErrInvalidParameter) {
		t.Errorf("freeing mapped pages = %v, want invalid parameter", err)
	}
	mach.MM.Unmap(ctx, va, m)

	frames := append([]pfn.PFN(nil), m.Frames()...)
	if err := mach.MM.FreePagesFromMdl(m); err != nil {
		t.Fatalf("FreePagesFromMdl: %v", err)
	}
	if got := mach.Commit.Charged(); got != 0 {
		t.Errorf("commit charged after free = %d, want 0", got)
	}
	for _, f := range frames {
		if e := mach.DB.Entry(f); e.Location != pfn.FreePageList || e.Flags&pfn.CommitCharged != 0 {
			t.Errorf("%v: %v %v after free", f, e.Location, e.Flags)
		}
	}
	if len(m.Frames()) != 0 || m.Flags&mdl.AllocatedPages != 0 {
		t.Errorf("MDL after free = %v", m)
	}
}

func TestMapMustBeCachedConflict(t *testing.T) {
	mach := newMachine(t, nil)
	ctx := context.Background()

	m, err := mach.MM.AllocatePagesForMdl(0, 0, 0, hostarch.PageSize, hostarch.MemoryTypeCached)
	if err != nil {
		t.Fatalf("AllocatePagesForMdl: %v", err)
	}
	h := &locking.Held{}
	mach.DB.Lock(h)
	mach.DB.SetFlags(h, m.Pages[0], pfn.MustBeCached)
	mach.DB.Unlock(h)

	if _, err := mach.MM.MapLocked(ctx, m, hostarch.KernelMode, hostarch.MemoryTypeUncached); !errors.Is(err, mmerr.ErrConflictingAddresses) {
		t.Fatalf("MapLocked uncached = %v, want conflicting addresses", err)
	}
	if got := mach.MM.Stats().FreeSlots; got != 256 {
		t.Errorf("free slots after failure = %d, want 256", got)
	}
	va, err := mach.MM.MapLocked(ctx, m, hostarch.KernelMode, hostarch.MemoryTypeCached)
	if err != nil {
		t.Fatalf("MapLocked cached: %v", err)
	}
	mach.MM.Unmap(ctx, va, m)
	if err := mach.MM.FreePagesFromMdl(m); err != nil {
		t.Fatalf("FreePagesFromMdl: %v", err)
	}
}

func TestMapLockedSlotExhaustion(t *testing.T) {
	mach := newMachine(t, func(cfg *mmtest.Config) { cfg.MM.SystemPTEs = 4 })
	ctx := context.Background()

	r, ok := mach.MM.ReserveMappingSlots(4)
	if !ok {
		t.Fatalf("ReserveMappingSlots(4) failed")
	}
	m, err := mach.MM.AllocatePagesForMdl(0, 0, 0, hostarch.PageSize, hostarch.MemoryTypeCached)
	if err != nil {
		t.Fatalf("AllocatePagesForMdl: %v", err)
	}
	if _, err := mach.MM.MapLocked(ctx, m, hostarch.KernelMode, hostarch.MemoryTypeCached); !errors.Is(err, mmerr.ErrInsufficientResources) {
		t.Fatalf("MapLocked with no slots = %v, want insufficient resources", err)
	}
	if m.Flags&mdl.MappedToSystemVA != 0 {
		t.Errorf("MDL marked mapped after failure")
	}
	mach.MM.ReleaseMappingSlots(r)

	va, err := mach.MM.MapLocked(ctx, m, hostarch.KernelMode, hostarch.MemoryTypeCached)
	if err != nil {
		t.Fatalf("MapLocked: %v", err)
	}
	mach.MM.Unmap(ctx, va, m)
	if err := mach.MM.FreePagesFromMdl(m); err != nil {
		t.Fatalf("FreePagesFromMdl: %v", err)
	}
}

func TestUnmapWrongAddress(t *testing.T) {
	mach := newMachine(t, nil)
	ctx := context.Background()

	m, err := mach.MM.AllocatePagesForMdl(0, 0, 0, 2*hostarch.PageSize, hostarch.MemoryTypeCached)
	if err != nil {
		t.Fatalf("AllocatePagesForMdl: %v", err)
	}
	va, err := mach.MM.MapLocked(ctx, m, hostarch.KernelMode, hostarch.MemoryTypeCached)
	if err != nil {
		t.Fatalf("MapLocked: %v", err)
	}
	if bc := mmerr.RecoverBugCheck(func() { mach.MM.Unmap(ctx, va+hostarch.PageSize, m) }); bc == nil || bc.Code != mmerr.UnmapOfUnmappedMDL {
		t.Errorf("unmap at wrong address: bug check %v, want %v", bc, mmerr.UnmapOfUnmappedMDL)
	}
	mach.MM.Unmap(ctx, va, m)
	if bc := mmerr.RecoverBugCheck(func() { mach.MM.Unmap(ctx, va, m) }); bc == nil || bc.Code != mmerr.UnmapOfUnmappedMDL {
		t.Errorf("double unmap: bug check %v, want %v", bc, mmerr.UnmapOfUnmappedMDL)
	}
	if err := mach.MM.FreePagesFromMdl(m); err != nil {
		t.Fatalf("FreePagesFromMdl: %v", err)
	}
}

func TestLargeUnmapFlushesEverything(t *testing.T) {
	mach := newMachine(t, nil)
	p := mach.NewProcess(addrspace.Options{})
	p.AddRegion(userBase, 40, mmtest.Anonymous)
	ctx := p.Context(context.Background())

	m := newMDL(t, userBase, 40*hostarch.PageSize)
	if err := mach.MM.ProbeAndLock(ctx, m, hostarch.UserMode, hostarch.ReadAccess); err != nil {
		t.Fatalf("ProbeAndLock: %v", err)
	}
	va, err := mach.MM.MapLocked(ctx, m, hostarch.KernelMode, hostarch.MemoryTypeCached)
	if err != nil {
		t.Fatalf("MapLocked: %v", err)
	}
	mach.MM.Unmap(ctx, va, m)
	mach.MM.Unlock(ctx, m)
	if diff := cmp.Diff(hal.FlushCounts{Entire: 1}, mach.HAL.Flushes()); diff != "" {
		t.Errorf("flushes mismatch (-want +got):\n%s", diff)
	}
	if got := counter(mach, "/mm/tlb_flush", "entire"); got != 1 {
		t.Errorf("entire flush metric = %d, want 1", got)
	}
}

func TestMapLockedIntoUserSpace(t *testing.T) {
	mach := newMachine(t, nil)
	p := mach.NewProcess(addrspace.Options{})
	p.AddRegion(userBase, 2, mmtest.Anonymous)
	ctx := p.Context(context.Background())

	m := newMDL(t, userBase, 2*hostarch.PageSize)
	if err := mach.MM.ProbeAndLock(ctx, m, hostarch.UserMode, hostarch.WriteAccess); err != nil {
		t.Fatalf("ProbeAndLock: %v", err)
	}
	uva, err := mach.MM.MapLocked(ctx, m, hostarch.UserMode, hostarch.MemoryTypeCached)
	if err != nil {
		t.Fatalf("MapLocked: %v", err)
	}
	if uva < addrspace.UserMappingBase || uva >= addrspace.UserMappingEnd {
		t.Errorf("user mapping at %v, want within [%v, %v)", uva, addrspace.UserMappingBase, addrspace.UserMappingEnd)
	}
	if m.Flags&mdl.MappedToUserVA == 0 {
		t.Errorf("MappedToUserVA not set: %v", m.Flags)
	}
	for i := range 2 {
		frame, _, pte, ok := p.AS.Tables().Translate(uva + hostarch.Addr(i)*hostarch.PageSize)
		if !ok || pfn.PFN(frame) != m.Pages[i] || !pte.Owner() {
			t.Errorf("page %d maps %#x (ok=%t, %v), want %v", i, frame, ok, pte, m.Pages[i])
		}
	}

	// Locking through the device view finds the same frames.
	view := newMDL(t, uva, hostarch.PageSize)
	if err := mach.MM.ProbeAndLock(ctx, view, hostarch.KernelMode, hostarch.ReadAccess); err != nil {
		t.Fatalf("ProbeAndLock through view: %v", err)
	}
	if view.Pages[0] != m.Pages[0] {
		t.Errorf("view locked %v, want %v", view.Pages[0], m.Pages[0])
	}
	if err := mach.MM.AdvanceMdl(m, hostarch.PageSize); !errors.Is(err, mmerr.ErrInvalidParameter) {
		t.Errorf("advancing a user-mapped MDL = %v, want invalid parameter", err)
	}
	mach.MM.Unlock(ctx, view)

	mach.MM.Unmap(ctx, uva, m)
	if _, _, _, ok := p.AS.Tables().Translate(uva); ok {
		t.Errorf("%v still mapped after unmap", uva)
	}
	if m.Flags&mdl.MappedToUserVA != 0 {
		t.Errorf("MappedToUserVA still set")
	}
	if bc := mmerr.RecoverBugCheck(func() { mach.MM.Unmap(ctx, uva, m) }); bc == nil || bc.Code != mmerr.UnmapOfUnmappedMDL {
		t.Errorf("double user unmap: bug check %v, want %v", bc, mmerr.UnmapOfUnmappedMDL)
	}

	// The released range is reused by the next mapping.
	for range 3 {
		again, err := mach.MM.MapLocked(ctx, m, hostarch.UserMode, hostarch.MemoryTypeCached)
		if err != nil {
			t.Fatalf("MapLocked again: %v", err)
		}
		if again != uva {
			t.Errorf("remapped at %v, want %v", again, uva)
		}
		mach.MM.Unmap(ctx, again, m)
	}
	mach.MM.Unlock(ctx, m)
	if got := mach.MM.LockedPages(); got != 0 {
		t.Errorf("LockedPages = %d, want 0", got)
	}
}

func TestReservedMapping(t *testing.T) {
	mach := newMachine(t, nil)

	va, err := mach.MM.AllocateMappingAddress(3*hostarch.PageSize, testTag)
	if err != nil {
		t.Fatalf("AllocateMappingAddress: %v", err)
	}
	m, err := mach.MM.AllocatePagesForMdl(0, 0, 0, 2*hostarch.PageSize, hostarch.MemoryTypeCached)
	if err != nil {
		t.Fatalf("AllocatePagesForMdl: %v", err)
	}
	got, err := mach.MM.MapWithReservedMapping(va, testTag, m, hostarch.MemoryTypeCached)
	if err != nil {
		t.Fatalf("MapWithReservedMapping: %v", err)
	}
	if got != va {
		t.Errorf("MapWithReservedMapping = %v, want %v", got, va)
	}
	if frame, _ := systemPTE(t, mach, va+hostarch.PageSize); frame != m.Pages[1] {
		t.Errorf("second page maps %v, want %v", frame, m.Pages[1])
	}

	other, err := mach.MM.AllocatePagesForMdl(0, 0, 0, hostarch.PageSize, hostarch.MemoryTypeCached)
	if err != nil {
		t.Fatalf("AllocatePagesForMdl: %v", err)
	}
	if bc := mmerr.RecoverBugCheck(func() { mach.MM.MapWithReservedMapping(va, testTag, other, hostarch.MemoryTypeCached) }); bc == nil || bc.Code != mmerr.ReservedMappingInUse {
		t.Errorf("mapping into an occupied reservation: bug check %v, want %v", bc, mmerr.ReservedMappingInUse)
	}
	if bc := mmerr.RecoverBugCheck(func() { mach.MM.FreeMappingAddress(va, testTag+1) }); bc == nil || bc.Code != mmerr.ReservedMappingInUse {
		t.Errorf("freeing with the wrong tag: bug check %v, want %v", bc, mmerr.ReservedMappingInUse)
	}

	mach.MM.UnmapReservedMapping(va, testTag, m)
	if m.Flags&mdl.MappedToSystemVA != 0 {
		t.Errorf("MDL still mapped: %v", m)
	}
	if got, err := mach.MM.MapWithReservedMapping(va, testTag, other, hostarch.MemoryTypeCached); err != nil || got != va {
		t.Fatalf("remapping the reservation = %v, %v", got, err)
	}
	mach.MM.UnmapReservedMapping(va, testTag, other)
	mach.MM.FreeMappingAddress(va, testTag)
	if got := mach.MM.Stats().FreeSlots; got != 256 {
		t.Errorf("free slots = %d, want 256", got)
	}
	for _, m := range []*mdl.MDL{m, other} {
		if err := mach.MM.FreePagesFromMdl(m); err != nil {
			t.Errorf("FreePagesFromMdl: %v", err)
		}
	}
}

func TestMapPhysicalIOSpace(t *testing.T) {
	mach := newMachine(t, nil)
	gen := mach.MM.Trackers().IOSpace.Generation()

	va, err := mach.MM.MapPhysical(0x100*hostarch.PageSize+0x10, 0x20, hostarch.MemoryTypeUncached)
	if err != nil {
		t.Fatalf("MapPhysical: %v", err)
	}
	if va.PageOffset() != 0x10 {
		t.Errorf("MapPhysical = %v, want offset 0x10", va)
	}
	if got := mach.MM.Trackers().IOSpace.Generation(); got != gen+1 {
		t.Errorf("generation = %d, want %d", got, gen+1)
	}
	if frame, mt := systemPTE(t, mach, va); frame != 0x100 || mt != hostarch.MemoryTypeUncached {
		t.Errorf("mapping = %v/%v, want 0x100/%v", frame, mt, hostarch.MemoryTypeUncached)
	}
	want := []hal.CacheRange{{BasePFN: 0x100, Pages: 1, Type: hostarch.MemoryTypeUncached}}
	if diff := cmp.Diff(want, mach.HAL.CacheRanges()); diff != "" {
		t.Errorf("cache ranges mismatch (-want +got):\n%s", diff)
	}

	// A second mapping of the range inherits its type.
	second, err := mach.MM.MapPhysical(0x100*hostarch.PageSize, hostarch.PageSize, hostarch.MemoryTypeWriteCombine)
	if err != nil {
		t.Fatalf("second MapPhysical: %v", err)
	}
	if _, mt := systemPTE(t, mach, second); mt != hostarch.MemoryTypeUncached {
		t.Errorf("second mapping type = %v, want %v", mt, hostarch.MemoryTypeUncached)
	}
	if got := counter(mach, "/mm/cache_override", cacheattr.RequestedWriteCombinedGotOther); got != 1 {
		t.Errorf("overrides = %d, want 1", got)
	}
	mach.MM.UnmapPhysical(second, hostarch.PageSize)
	mach.MM.UnmapPhysical(va, 0x20)
	if got := mach.MM.Stats().FreeSlots; got != 256 {
		t.Errorf("free slots = %d, want 256", got)
	}
	if bc := mmerr.RecoverBugCheck(func() { mach.MM.UnmapPhysical(va, 0x20) }); bc == nil || bc.Code != mmerr.UnmapOfUnmappedIOSpace {
		t.Errorf("double unmap: bug check %v, want %v", bc, mmerr.UnmapOfUnmappedIOSpace)
	}
}

func TestMapPhysicalRAMUsesFrameType(t *testing.T) {
	mach := newMachine(t, nil)
	_, frames, err := mach.KernelBuffer(1)
	if err != nil {
		t.Fatalf("KernelBuffer: %v", err)
	}
	pa := frames[0].Addr()
	va, err := mach.MM.MapPhysical(pa, hostarch.PageSize, hostarch.MemoryTypeUncached)
	if err != nil {
		t.Fatalf("MapPhysical: %v", err)
	}
	if frame, mt := systemPTE(t, mach, va); frame != frames[0] || mt != hostarch.MemoryTypeCached {
		t.Errorf("mapping = %v/%v, want %v/%v", frame, mt, frames[0], hostarch.MemoryTypeCached)
	}
	if got := counter(mach, "/mm/cache_override", cacheattr.RequestedNonCachedGotCached); got != 1 {
		t.Errorf("overrides = %d, want 1", got)
	}
	mach.MM.UnmapPhysical(va, hostarch.PageSize)

	// Free frames cannot be mapped.
	free := pfn.PFN(0x1000)
	if free == frames[0] {
		free++
	}
	if _, err := mach.MM.MapPhysical(free.Addr(), hostarch.PageSize, hostarch.MemoryTypeCached); !errors.Is(err, mmerr.ErrInvalidParameter) {
		t.Errorf("mapping a free frame = %v, want invalid parameter", err)
	}
}

func TestAllocateContiguous(t *testing.T) {
	mach := newMachine(t, nil)

	va, err := mach.MM.AllocateContiguous(4*hostarch.PageSize, 0, 0, 0, hostarch.MemoryTypeCached)
	if err != nil {
		t.Fatalf("AllocateContiguous: %v", err)
	}
	if got := mach.Commit.Charged(); got != 4 {
		t.Errorf("commit charged = %d, want 4", got)
	}
	first, _ := systemPTE(t, mach, va)
	var frames []pfn.PFN
	for i := range 4 {
		frame, _ := systemPTE(t, mach, va+hostarch.Addr(i)*hostarch.PageSize)
		if frame != first+pfn.PFN(i) {
			t.Errorf("page %d maps %v, want %v", i, frame, first+pfn.PFN(i))
		}
		frames = append(frames, frame)
	}
	if f := mach.DB.Entry(frames[0]).Flags; f&pfn.StartOfAllocation == 0 || f&pfn.CommitCharged == 0 {
		t.Errorf("first frame flags = %v", f)
	}
	if f := mach.DB.Entry(frames[3]).Flags; f&pfn.EndOfAllocation == 0 {
		t.Errorf("last frame flags = %v", f)
	}

	if err := mach.MM.FreeContiguous(va); err != nil {
		t.Fatalf("FreeContiguous: %v", err)
	}
	if got := mach.Commit.Charged(); got != 0 {
		t.Errorf("commit charged after free = %d, want 0", got)
	}
	for _, f := range frames {
		if got := mach.DB.Entry(f).Location; got != pfn.FreePageList {
			t.Errorf("%v location = %v, want %v", f, got, pfn.FreePageList)
		}
	}
	if err := mach.MM.FreeContiguous(va); !errors.Is(err, mmerr.ErrInvalidParameter) {
		t.Errorf("double free = %v, want invalid parameter", err)
	}

	if _, err := mach.MM.AllocateContiguous(8*hostarch.PageSize, 0, 0, 4*hostarch.PageSize, hostarch.MemoryTypeCached); err == nil {
		t.Errorf("allocation larger than its boundary succeeded")
	}
	if got := mach.Commit.Charged(); got != 0 {
		t.Errorf("commit charged after failure = %d, want 0", got)
	}
	if got := mach.MM.Stats().FreeSlots; got != 256 {
		t.Errorf("free slots = %d, want 256", got)
	}
}

func TestAllocatePagesForMdlSkipsWindows(t *testing.T) {
	mach := newMachine(t, nil)

	// A 16-frame window starting at the first RAM frame, moved by 16 frames
	// until 32 frames are found.
	low := uint64(0x1000) << hostarch.PageShift
	high := uint64(0x100f)<<hostarch.PageShift | hostarch.PageMask
	m, err := mach.MM.AllocatePagesForMdl(low, high, 16*hostarch.PageSize, 32*hostarch.PageSize, hostarch.MemoryTypeCached)
	if err != nil {
		t.Fatalf("AllocatePagesForMdl: %v", err)
	}
	if got := len(m.Frames()); got != 32 {
		t.Fatalf("allocated %d frames, want 32", got)
	}
	for _, f := range m.Frames() {
		if f < 0x1000 || f >= 0x1020 {
			t.Errorf("%v outside the two windows", f)
		}
	}
	if err := mach.MM.FreePagesFromMdl(m); err != nil {
		t.Fatalf("FreePagesFromMdl: %v", err)
	}
}

func TestAllocatePagesForMdlPartial(t *testing.T) {
	mach := newMachine(t, nil)

	m, err := mach.MM.AllocatePagesForMdl(0, 0, 0, 2000*hostarch.PageSize, hostarch.MemoryTypeCached)
	if err != nil {
		t.Fatalf("AllocatePagesForMdl: %v", err)
	}
	if got := len(m.Frames()); got != 1024 || m.ByteCount != 1024*hostarch.PageSize {
		t.Errorf("allocated %d frames (%#x bytes), want 1024", got, m.ByteCount)
	}
	if got := mach.Commit.Charged(); got != 1024 {
		t.Errorf("commit charged = %d, want 1024", got)
	}
	if _, err := mach.MM.AllocatePagesForMdl(0, 0, 0, hostarch.PageSize, hostarch.MemoryTypeCached); !errors.Is(err, mmerr.ErrInsufficientResources) {
		t.Errorf("allocating from empty RAM = %v, want insufficient resources", err)
	}
	if err := mach.MM.FreePagesFromMdl(m); err != nil {
		t.Fatalf("FreePagesFromMdl: %v", err)
	}
	if got := mach.Commit.Charged(); got != 0 {
		t.Errorf("commit charged after free = %d, want 0", got)
	}
}

func TestNonPagedPoolMDL(t *testing.T) {
	mach := newMachine(t, nil)
	ctx := context.Background()
	va, frames, err := mach.KernelBuffer(2)
	if err != nil {
		t.Fatalf("KernelBuffer: %v", err)
	}

	m := newMDL(t, va+0x100, 2*hostarch.PageSize-0x200)
	if err := mach.MM.BuildMdlForNonPagedPool(m); err != nil {
		t.Fatalf("BuildMdlForNonPagedPool: %v", err)
	}
	if diff := cmp.Diff(frames, m.Frames()); diff != "" {
		t.Errorf("frames mismatch (-want +got):\n%s", diff)
	}
	got, err := mach.MM.MapLocked(ctx, m, hostarch.KernelMode, hostarch.MemoryTypeCached)
	if err != nil || got != va+0x100 {
		t.Errorf("MapLocked = %v, %v; want %v", got, err, va+0x100)
	}
	mach.MM.Unmap(ctx, got, m)
	if got := mach.MM.Stats().FreeSlots; got != 256 {
		t.Errorf("free slots = %d, want 256", got)
	}

	guard := newMDL(t, va+2*hostarch.PageSize, hostarch.PageSize)
	if err := mach.MM.BuildMdlForNonPagedPool(guard); !errors.Is(err, mmerr.ErrInvalidParameter) {
		t.Errorf("building from an unmapped page = %v, want invalid parameter", err)
	}
	user := newMDL(t, userBase, hostarch.PageSize)
	if err := mach.MM.BuildMdlForNonPagedPool(user); !errors.Is(err, mmerr.ErrInvalidParameter) {
		t.Errorf("building from a user address = %v, want invalid parameter", err)
	}
}
