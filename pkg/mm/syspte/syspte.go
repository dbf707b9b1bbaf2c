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

// Package syspte allocates runs of system page table entries, each of which
// backs one page of system virtual address space used to map locked frames.
//
// Slots are a single global resource protected by the allocator's own lock,
// which is independent of the frame database and working-set locks.
package syspte

import (
	"fmt"

	"gvisor.dev/mdl/pkg/bitmap"
	"gvisor.dev/mdl/pkg/errors/mmerr"
	"gvisor.dev/mdl/pkg/hostarch"
	"gvisor.dev/mdl/pkg/log"
	"gvisor.dev/mdl/pkg/mm/hal"
	"gvisor.dev/mdl/pkg/mm/pagetables"
	"gvisor.dev/mdl/pkg/sync"
)

// DefaultBase is the start of the system mapping window.
const DefaultBase hostarch.Addr = 0xffffa000_00000000

// Range is a run of slots.
type Range struct {
	Start hostarch.Addr
	Pages uint64
}

// End returns the first address past r.
func (r Range) End() hostarch.Addr {
	return r.Start + hostarch.Addr(r.Pages*hostarch.PageSize)
}

// AddrRange returns the addresses r maps.
func (r Range) AddrRange() hostarch.AddrRange {
	return hostarch.AddrRange{Start: r.Start, End: r.End()}
}

// Page returns the address of page i of r.
func (r Range) Page(i int) hostarch.Addr {
	return r.Start + hostarch.Addr(i)*hostarch.PageSize
}

// Addrs returns the address of every page of r.
func (r Range) Addrs() []hostarch.Addr {
	vas := make([]hostarch.Addr, r.Pages)
	for i := range vas {
		vas[i] = r.Page(i)
	}
	return vas
}

// String implements fmt.Stringer.
func (r Range) String() string {
	return fmt.Sprintf("slots%v", r.AddrRange())
}

// reservation is a range handed out by AllocateMappingAddress.
type reservation struct {
	pages uint64
	tag   uint32
}

// Allocator hands out runs of system mapping slots first-fit.
type Allocator struct {
	base  hostarch.Addr
	slots uint32
	ptes  hal.PTEAccessor

	mu   sync.Mutex
	used bitmap.Bitmap

	// reservations are the ranges owned by reserved mappings, keyed by
	// start address.
	reservations map[hostarch.Addr]reservation
}

// New returns an allocator of slots slots starting at base, whose entries
// are accessed through ptes.
func New(base hostarch.Addr, slots uint32, ptes hal.PTEAccessor) *Allocator {
	if !base.IsPageAligned() || !base.IsSystem() {
		panic(fmt.Sprintf("invalid system mapping window base %v", base))
	}
	return &Allocator{
		base:         base,
		slots:        slots,
		ptes:         ptes,
		used:         bitmap.New(slots),
		reservations: make(map[hostarch.Addr]reservation),
	}
}

// Window returns the addresses the allocator manages.
func (a *Allocator) Window() hostarch.AddrRange {
	return hostarch.AddrRange{Start: a.base, End: a.base + hostarch.Addr(uint64(a.slots)*hostarch.PageSize)}
}

// Size returns the total number of slots.
func (a *Allocator) Size() uint32 {
	return a.slots
}

// Free returns the number of unreserved slots.
func (a *Allocator) Free() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.slots - a.used.GetNumOnes()
}

func (a *Allocator) index(va hostarch.Addr) uint32 {
	return uint32((va - a.base) / hostarch.PageSize)
}

func (a *Allocator) contains(r Range) bool {
	return a.Window().IsSupersetOf(r.AddrRange()) && r.Start.IsPageAligned()
}

// Reserve returns count consecutive free slots. ok is false if no run of
// that length is free.
func (a *Allocator) Reserve(count uint64) (r Range, ok bool) {
	if count == 0 || count > uint64(a.slots) {
		return Range{}, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reserveLocked(count)
}

func (a *Allocator) reserveLocked(count uint64) (Range, bool) {
	i, ok := a.used.FirstZeroRun(0, uint32(count), a.slots)
	if !ok {
		log.Debugf("System mapping slots exhausted: %d requested, %d free", count, a.slots-a.used.GetNumOnes())
		return Range{}, false
	}
	a.used.AddRange(i, i+uint32(count))
	return Range{Start: a.base + hostarch.Addr(uint64(i)*hostarch.PageSize), Pages: count}, true
}

// Release returns r to the free pool. Every entry of r must already be
// zero.
func (a *Allocator) Release(r Range) {
	if !a.contains(r) {
		panic(fmt.Sprintf("releasing %v outside %v", r, a.Window()))
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if res, ok := a.reservations[r.Start]; ok {
		mmerr.BugCheck(mmerr.ReservedMappingInUse, uint64(r.Start), uint64(res.tag), r.Pages)
	}
	a.releaseLocked(r)
}

func (a *Allocator) releaseLocked(r Range) {
	for i := 0; i < int(r.Pages); i++ {
		va := r.Page(i)
		if pte := a.ptes.ReadPte(pagetables.EntryFor(pagetables.PTELevel, va)); !pte.IsZero() {
			mmerr.BugCheck(mmerr.StaleSystemPTE, uint64(va), uint64(pte))
		}
		if !a.used.Contains(a.index(va)) {
			panic(fmt.Sprintf("releasing free slot %v", va))
		}
	}
	a.used.ClearRange(a.index(r.Start), a.index(r.End()))
}

// IsReserved returns true if every slot of r is reserved.
func (a *Allocator) IsReserved(r Range) bool {
	if !a.contains(r) {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < int(r.Pages); i++ {
		if !a.used.Contains(a.index(r.Page(i))) {
			return false
		}
	}
	return true
}

// Clear zeroes every entry of r and returns the previous values. Callers
// must flush the translations of r before releasing it.
func (a *Allocator) Clear(r Range) []pagetables.PTE {
	old := make([]pagetables.PTE, r.Pages)
	for i := range old {
		e := pagetables.EntryFor(pagetables.PTELevel, r.Page(i))
		old[i] = a.ptes.ReadPte(e)
		a.ptes.WritePte(e, 0)
	}
	return old
}

// AllocateMappingAddress reserves a stable range of pages slots owned by
// tag, to be filled and drained repeatedly with reserved mappings.
func (a *Allocator) AllocateMappingAddress(pages uint64, tag uint32) (hostarch.Addr, error) {
	if pages == 0 || tag == 0 {
		return 0, fmt.Errorf("reserved mapping of %d pages with tag %#x: %w", pages, tag, mmerr.ErrInvalidParameter)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.reserveLocked(pages)
	if !ok {
		return 0, fmt.Errorf("reserving %d mapping slots: %w", pages, mmerr.ErrInsufficientResources)
	}
	a.reservations[r.Start] = reservation{pages: pages, tag: tag}
	return r.Start, nil
}

// Reservation returns the range reserved at va by tag. A tag mismatch is a
// bug check.
func (a *Allocator) Reservation(va hostarch.Addr, tag uint32) Range {
	a.mu.Lock()
	defer a.mu.Unlock()
	res, ok := a.reservations[va]
	if !ok || res.tag != tag {
		mmerr.BugCheck(mmerr.ReservedMappingInUse, uint64(va), uint64(tag), uint64(res.tag))
	}
	return Range{Start: va, Pages: res.pages}
}

// FreeMappingAddress releases a range reserved by AllocateMappingAddress.
// The range must not map any page.
func (a *Allocator) FreeMappingAddress(va hostarch.Addr, tag uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	res, ok := a.reservations[va]
	if !ok || res.tag != tag {
		mmerr.BugCheck(mmerr.ReservedMappingInUse, uint64(va), uint64(tag), uint64(res.tag))
	}
	r := Range{Start: va, Pages: res.pages}
	for i := 0; i < int(r.Pages); i++ {
		if pte := a.ptes.ReadPte(pagetables.EntryFor(pagetables.PTELevel, r.Page(i))); !pte.IsZero() {
			mmerr.BugCheck(mmerr.ReservedMappingInUse, uint64(va), uint64(tag), uint64(r.Page(i)))
		}
	}
	delete(a.reservations, va)
	a.releaseLocked(r)
}
