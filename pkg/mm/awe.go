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
	"gvisor.dev/mdl/pkg/mm/addrspace"
	"gvisor.dev/mdl/pkg/mm/pagetables"
	"gvisor.dev/mdl/pkg/mm/pfn"
	"gvisor.dev/mdl/pkg/sync/locking"
)

// AllocateUserPhysicalPages adds pages frames to the physical page pool of
// as and returns them. With large set, the frames come in aligned runs of
// hostarch.PagesPerLargePage, and pages must be a multiple of that.
func (mm *MemoryManager) AllocateUserPhysicalPages(as *addrspace.AddressSpace, pages uint64, large bool) ([]pfn.PFN, error) {
	if !as.IsUser() || pages == 0 {
		return nil, fmt.Errorf("allocating %d physical pages for %v: %w", pages, as, mmerr.ErrInvalidParameter)
	}
	if large && pages%hostarch.PagesPerLargePage != 0 {
		return nil, fmt.Errorf("%d pages is not a whole number of large pages: %w", pages, mmerr.ErrInvalidParameter)
	}
	ledger := mm.ledgerFor(as)
	if !ledger.Charge(pages) {
		return nil, fmt.Errorf("committing %d physical pages for %v: %w", pages, as, mmerr.ErrInsufficientResources)
	}
	h := &locking.Held{}
	mm.DrainDeferredUnlocks()

	var frames []pfn.PFN
	var err error
	if large {
		for uint64(len(frames)) < pages {
			var run []pfn.PFN
			run, err = mm.alloc.AcquireFrames(h, pfn.Constraints{
				Count:      hostarch.PagesPerLargePage,
				Boundary:   hostarch.PagesPerLargePage,
				Contiguous: true,
			})
			if err != nil {
				break
			}
			frames = append(frames, run...)
		}
	} else {
		frames, err = mm.alloc.AcquireFrames(h, pfn.Constraints{Count: pages})
	}
	if err != nil {
		if len(frames) > 0 {
			mm.alloc.ReleaseFrames(h, frames)
		}
		ledger.Uncharge(pages)
		return nil, err
	}

	a := as.EnableAWE()
	a.Lock(h)
	mm.db.Lock(h)
	for _, p := range frames {
		mm.db.InitializeAWE(h, p)
		a.AddFrame(p)
	}
	mm.db.Unlock(h)
	a.Unlock(h)
	return frames, nil
}

// CreateAWERegion reserves [va, va+size) of as as a region into which pool
// frames are mapped with MapUserPhysicalPages.
func (mm *MemoryManager) CreateAWERegion(as *addrspace.AddressSpace, va hostarch.Addr, size uint64, kind addrspace.RegionKind, writable bool) error {
	align := uint64(hostarch.PageSize)
	if kind == addrspace.LargePage {
		align = hostarch.LargePageSize
	}
	end, ok := va.AddLength(size)
	if !as.IsUser() || size == 0 || !ok || uint64(va)%align != 0 || size%align != 0 || end > hostarch.UserProbeAddress {
		return fmt.Errorf("AWE region %v+%#x: %w", va, size, mmerr.ErrInvalidParameter)
	}
	r := &addrspace.Region{Start: va, End: end, Kind: kind, Writable: writable}
	vk := addrspace.AWERegion
	if kind == addrspace.LargePage {
		vk = addrspace.LargePageRegion
	}

	h := &locking.Held{}
	a := as.EnableAWE()
	a.Lock(h)
	defer a.Unlock(h)
	if err := a.InsertRegion(r); err != nil {
		return err
	}
	as.LockWorkingSet(h)
	err := as.InsertView(h, &addrspace.View{StartVPN: va.VPN(), EndVPN: end.VPN(), Kind: vk})
	as.UnlockWorkingSet(h)
	if err != nil {
		a.RemoveRegion(r)
		return err
	}
	return nil
}

// MapUserPhysicalPages maps frames, which must be in the pool of as, at
// consecutive pages from va within one AWE region. A pfn.Empty entry unmaps
// the corresponding page. Frames already mapped elsewhere in the region must
// be unmapped first.
func (mm *MemoryManager) MapUserPhysicalPages(as *addrspace.AddressSpace, va hostarch.Addr, frames []pfn.PFN) error {
	a := as.AWE()
	if a == nil || len(frames) == 0 || !va.IsPageAligned() {
		return fmt.Errorf("mapping %d physical pages at %v: %w", len(frames), va, mmerr.ErrInvalidParameter)
	}
	ar := hostarch.AddrRange{Start: va, End: va + hostarch.Addr(len(frames))*hostarch.PageSize}

	h := &locking.Held{}
	a.Lock(h)
	defer a.Unlock(h)
	r, ok := a.FindRegion(ar)
	if !ok {
		return fmt.Errorf("%v is not within one AWE region: %w", ar, mmerr.ErrInvalidParameter)
	}
	for i, p := range frames {
		if p == pfn.Empty {
			continue
		}
		if !a.Owns(p) {
			return fmt.Errorf("%v is not in the pool of %v: %w", p, as, mmerr.ErrInvalidParameter)
		}
		if at, mapped := a.Mapping(p); mapped && at != ar.Start+hostarch.Addr(i)*hostarch.PageSize {
			return fmt.Errorf("%v is already mapped at %v: %w", p, at, mmerr.ErrInvalidParameter)
		}
	}

	var flush []hostarch.Addr
	if r.Kind == addrspace.LargePage {
		var err error
		if flush, err = mm.mapLargeAWE(as, a, r, ar, frames); err != nil {
			return err
		}
	} else {
		for i, p := range frames {
			pva := ar.Start + hostarch.Addr(i)*hostarch.PageSize
			e := pagetables.EntryFor(pagetables.PTELevel, pva)
			if old := as.Tables().ReadPte(e); old.Valid() {
				a.SetMapping(pfn.PFN(old.Frame()), 0)
				flush = append(flush, pva)
			}
			if p == pfn.Empty {
				as.Tables().Invalidate(e)
				continue
			}
			as.Tables().Map(pva, pagetables.MakeValid(uint64(p), pagetables.MapOpts{Writable: r.Writable, User: true}))
			a.SetMapping(p, pva)
		}
	}
	mm.flusher.Flush(flush)
	return nil
}

// mapLargeAWE maps frames into large page region r, one directory entry per
// aligned run.
func (mm *MemoryManager) mapLargeAWE(as *addrspace.AddressSpace, a *addrspace.AWE, r *addrspace.Region, ar hostarch.AddrRange, frames []pfn.PFN) ([]hostarch.Addr, error) {
	if uint64(ar.Start)%hostarch.LargePageSize != 0 || uint64(len(frames))%hostarch.PagesPerLargePage != 0 {
		return nil, fmt.Errorf("%v is not large page aligned: %w", ar, mmerr.ErrInvalidParameter)
	}
	for i := 0; i < len(frames); i += hostarch.PagesPerLargePage {
		base := frames[i]
		if base != pfn.Empty && uint64(base)%hostarch.PagesPerLargePage != 0 {
			return nil, fmt.Errorf("%v does not start a large page: %w", base, mmerr.ErrInvalidParameter)
		}
		for k := 1; k < hostarch.PagesPerLargePage; k++ {
			want := pfn.Empty
			if base != pfn.Empty {
				want = base + pfn.PFN(k)
			}
			if frames[i+k] != want {
				return nil, fmt.Errorf("frames at %d do not form a large page: %w", i, mmerr.ErrInvalidParameter)
			}
		}
	}

	var flush []hostarch.Addr
	for i := 0; i < len(frames); i += hostarch.PagesPerLargePage {
		pva := ar.Start + hostarch.Addr(i)*hostarch.PageSize
		e := pagetables.EntryFor(pagetables.PDELevel, pva)
		if old := as.Tables().ReadPte(e); old.Valid() && old.IsLarge() {
			for k := 0; k < hostarch.PagesPerLargePage; k++ {
				if p := pfn.PFN(old.Frame()) + pfn.PFN(k); a.Owns(p) {
					a.SetMapping(p, 0)
				}
			}
			flush = append(flush, pva)
		}
		base := frames[i]
		if base == pfn.Empty {
			as.Tables().Invalidate(e)
			continue
		}
		as.Tables().MapLarge(pva, pagetables.MakeLarge(uint64(base), pagetables.MapOpts{Writable: r.Writable, User: true}))
		for k := 0; k < hostarch.PagesPerLargePage; k++ {
			a.SetMapping(base+pfn.PFN(k), pva+hostarch.Addr(k)*hostarch.PageSize)
		}
	}
	return flush, nil
}

// FreeUserPhysicalPages removes frames from the pool of as, unmapping any
// that are mapped. Frames still locked by an MDL are freed when it is
// unlocked.
func (mm *MemoryManager) FreeUserPhysicalPages(as *addrspace.AddressSpace, frames []pfn.PFN) error {
	a := as.AWE()
	if a == nil {
		return fmt.Errorf("%v has no physical page pool: %w", as, mmerr.ErrInvalidParameter)
	}
	h := &locking.Held{}
	a.Lock(h)
	for _, p := range frames {
		if !a.Owns(p) {
			a.Unlock(h)
			return fmt.Errorf("%v is not in the pool of %v: %w", p, as, mmerr.ErrInvalidParameter)
		}
	}
	var flush []hostarch.Addr
	var last []pfn.PFN
	for _, p := range frames {
		if va, mapped := a.RemoveFrame(p); mapped {
			flush = append(flush, mm.unmapAWE(as, a, va)...)
		}
		if mm.db.DropAWEReference(p) {
			last = append(last, p)
		}
	}
	a.Unlock(h)

	mm.flusher.Flush(flush)
	if len(last) > 0 {
		mm.db.Lock(h)
		for _, p := range last {
			mm.db.ReleaseAWE(h, p)
		}
		mm.db.Unlock(h)
	}
	mm.ledgerFor(as).Uncharge(uint64(len(frames)))
	return nil
}

// unmapAWE removes the translation of va in an AWE region of as, and for a
// large page the whole large page, returning the address to flush.
func (mm *MemoryManager) unmapAWE(as *addrspace.AddressSpace, a *addrspace.AWE, va hostarch.Addr) []hostarch.Addr {
	pde := pagetables.EntryFor(pagetables.PDELevel, va)
	if old := as.Tables().ReadPte(pde); old.Valid() && old.IsLarge() {
		for k := 0; k < hostarch.PagesPerLargePage; k++ {
			if p := pfn.PFN(old.Frame()) + pfn.PFN(k); a.Owns(p) {
				a.SetMapping(p, 0)
			}
		}
		as.Tables().Invalidate(pde)
		return []hostarch.Addr{va.LargeRoundDown()}
	}
	as.Tables().Invalidate(pagetables.EntryFor(pagetables.PTELevel, va))
	return []hostarch.Addr{va}
}
