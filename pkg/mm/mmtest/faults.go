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

package mmtest

import (
	"context"

	"gvisor.dev/mdl/pkg/hostarch"
	"gvisor.dev/mdl/pkg/mm"
	"gvisor.dev/mdl/pkg/mm/addrspace"
	"gvisor.dev/mdl/pkg/mm/pagetables"
	"gvisor.dev/mdl/pkg/mm/pfn"
	"gvisor.dev/mdl/pkg/sync"
	"gvisor.dev/mdl/pkg/sync/locking"
)

type faultKey struct {
	space uint64
	va    hostarch.Addr
}

// FaultHandler resolves faults from the regions of registered processes.
type FaultHandler struct {
	db    *pfn.Database
	alloc mm.FrameAllocator

	// OnFault, if set, is called at the start of every fault with no lock
	// held. It must be set before the handler is used.
	OnFault func(as *addrspace.AddressSpace, va hostarch.Addr)

	mu     sync.Mutex
	procs  map[*addrspace.AddressSpace]*Process
	faults map[faultKey]int
}

var _ mm.FaultHandler = (*FaultHandler)(nil)

// NewFaultHandler returns a FaultHandler allocating from alloc.
func NewFaultHandler(db *pfn.Database, alloc mm.FrameAllocator) *FaultHandler {
	return &FaultHandler{
		db:     db,
		alloc:  alloc,
		procs:  make(map[*addrspace.AddressSpace]*Process),
		faults: make(map[faultKey]int),
	}
}

func (f *FaultHandler) register(p *Process) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.procs[p.AS] = p
}

// Faults returns the number of faults taken on the page containing va.
func (f *FaultHandler) Faults(as *addrspace.AddressSpace, va hostarch.Addr) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.faults[faultKey{as.ID(), va.RoundDown()}]
}

// TotalFaults returns the number of faults taken in as.
func (f *FaultHandler) TotalFaults(as *addrspace.AddressSpace) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for k, c := range f.faults {
		if k.space == as.ID() {
			n += c
		}
	}
	return n
}

// Resolve implements mm.FaultHandler.Resolve.
func (f *FaultHandler) Resolve(ctx context.Context, as *addrspace.AddressSpace, va hostarch.Addr, mode hostarch.AccessMode, write bool) error {
	va = va.RoundDown()
	f.mu.Lock()
	f.faults[faultKey{as.ID(), va}]++
	p := f.procs[as]
	f.mu.Unlock()
	if f.OnFault != nil {
		f.OnFault(as, va)
	}
	if p == nil {
		return errAccess(va, "fault in unmanaged space")
	}
	r, ok := p.find(va)
	switch {
	case !ok:
		return errAccess(va, "fault outside any region")
	case r.Kind == NoAccess:
		return errAccess(va, "fault in no-access region")
	case write && r.Kind == ReadOnly:
		return errAccess(va, "write fault in read-only region")
	case mode == hostarch.UserMode && r.Kind == Kernel:
		return errAccess(va, "user fault in kernel region")
	}

	h := &locking.Held{}
	as.LockWorkingSet(h)
	defer as.UnlockWorkingSet(h)
	e := pagetables.EntryFor(pagetables.PTELevel, va)
	pte := as.Tables().ReadPte(e)
	switch {
	case pte.Valid() && (!write || pte.Writable()):
		return nil
	case pte.Valid() && pte.IsCopyOnWrite():
		return f.breakCopyOnWrite(h, as, va, e, pte)
	case pte.Valid():
		return errAccess(va, "write fault on read-only page")
	case pte.IsTransition():
		return f.reclaim(h, as, va, e, pte, write)
	case r.Kind == Device:
		frame := r.DeviceBase + pfn.PFN((va-r.Range.Start)/hostarch.PageSize)
		as.Tables().Map(va, pagetables.MakeValid(uint64(frame), r.opts(write)))
		return nil
	default:
		return f.demandZero(h, as, va, e, &r, write)
	}
}

func (f *FaultHandler) demandZero(h *locking.Held, as *addrspace.AddressSpace, va hostarch.Addr, e pagetables.Entry, r *Region, write bool) error {
	frames, err := f.alloc.AcquireFrames(h, pfn.Constraints{Count: 1})
	if err != nil {
		return err
	}
	p := frames[0]
	f.db.Lock(h)
	if r.Privileged {
		f.db.SetFlags(h, p, pfn.Privileged)
	}
	f.db.MakeMapped(h, p, pfn.PteAddress{Space: as.ID(), Entry: e, Set: true}, r.Cache)
	f.db.Unlock(h)
	as.Tables().Map(va, pagetables.MakeValid(uint64(p), r.opts(write)))
	return nil
}

func (f *FaultHandler) breakCopyOnWrite(h *locking.Held, as *addrspace.AddressSpace, va hostarch.Addr, e pagetables.Entry, pte pagetables.PTE) error {
	frames, err := f.alloc.AcquireFrames(h, pfn.Constraints{Count: 1})
	if err != nil {
		return err
	}
	old, p := pfn.PFN(pte.Frame()), frames[0]
	f.db.Memory().Copy(uint64(p), uint64(old))
	f.db.Lock(h)
	f.db.MakeMapped(h, p, pfn.PteAddress{Space: as.ID(), Entry: e, Set: true}, f.db.CacheAttribute(h, old))
	f.db.RemoveShare(h, old)
	f.db.Unlock(h)
	as.Tables().WritePte(e, pagetables.MakeValid(uint64(p), pagetables.MapOpts{
		Writable: true,
		User:     pte.Owner(),
		Dirty:    true,
		Cache:    pte.Cache(),
	}))
	return nil
}

func (f *FaultHandler) reclaim(h *locking.Held, as *addrspace.AddressSpace, va hostarch.Addr, e pagetables.Entry, pte pagetables.PTE, write bool) error {
	p := pfn.PFN(pte.Frame())
	f.db.Lock(h)
	ent := f.db.Entry(p)
	if ent.Location == pfn.ActiveAndValid {
		// Still locked by an MDL.
		f.db.AddShare(h, p)
	} else {
		if err := f.db.Reclaim(h, p); err != nil {
			f.db.Unlock(h)
			return err
		}
		f.db.MakeMapped(h, p, pfn.PteAddress{Space: as.ID(), Entry: e, Set: true}, ent.CacheAttribute)
	}
	f.db.Unlock(h)
	as.Tables().WritePte(e, pagetables.MakeValid(uint64(p), pagetables.MapOpts{
		Writable:    pte.Writable(),
		User:        pte.Owner(),
		CopyOnWrite: pte.IsCopyOnWrite(),
		Dirty:       write && pte.Writable(),
		Cache:       pte.Cache(),
	}))
	if write && pte.IsCopyOnWrite() {
		return f.breakCopyOnWrite(h, as, va, e, as.Tables().ReadPte(e))
	}
	return nil
}

// Evict trims the page at va from the working set of as, leaving its frame
// resident in transition. It returns false if the page is not mapped by a
// RAM frame.
func (f *FaultHandler) Evict(as *addrspace.AddressSpace, va hostarch.Addr) bool {
	h := &locking.Held{}
	as.LockWorkingSet(h)
	defer as.UnlockWorkingSet(h)
	e := pagetables.EntryFor(pagetables.PTELevel, va)
	pte := as.Tables().ReadPte(e)
	p := pfn.PFN(pte.Frame())
	if !pte.Valid() || f.db.IsIOSpace(p) {
		return false
	}
	f.db.Lock(h)
	if pte&pagetables.Dirty != 0 {
		f.db.SetFlags(h, p, pfn.Modified)
	}
	f.db.RemoveShare(h, p)
	f.db.Unlock(h)
	as.Tables().WritePte(e, pagetables.MakeTransition(uint64(p), pagetables.MapOpts{
		Writable:    pte.Writable(),
		User:        pte.Owner(),
		CopyOnWrite: pte.IsCopyOnWrite(),
		Cache:       pte.Cache(),
	}))
	return true
}

// MakeCopyOnWrite write-protects the page at va as a fork sharing it would.
// It returns false if the page is not mapped.
func (f *FaultHandler) MakeCopyOnWrite(as *addrspace.AddressSpace, va hostarch.Addr) bool {
	h := &locking.Held{}
	as.LockWorkingSet(h)
	defer as.UnlockWorkingSet(h)
	e := pagetables.EntryFor(pagetables.PTELevel, va)
	pte := as.Tables().ReadPte(e)
	if !pte.Valid() {
		return false
	}
	as.Tables().WritePte(e, pte&^pagetables.Write|pagetables.CopyOnWrite)
	return true
}

// Teardown unmaps every region of p, freeing frames that are not locked.
func (f *FaultHandler) Teardown(p *Process) {
	h := &locking.Held{}
	p.AS.LockWorkingSet(h)
	defer p.AS.UnlockWorkingSet(h)
	for _, r := range p.Regions() {
		for va := r.Range.Start; va < r.Range.End; va += hostarch.PageSize {
			e := pagetables.EntryFor(pagetables.PTELevel, va)
			pte := p.AS.Tables().ReadPte(e)
			frame := pfn.PFN(pte.Frame())
			switch {
			case (!pte.Valid() && !pte.IsTransition()) || f.db.IsIOSpace(frame):
			case pte.Valid():
				f.db.Lock(h)
				if pte&pagetables.Dirty != 0 {
					f.db.SetFlags(h, frame, pfn.Modified)
				}
				f.db.MarkDeletePending(h, frame)
				f.db.RemoveShare(h, frame)
				f.db.Unlock(h)
			default:
				f.db.Lock(h)
				f.db.MarkDeletePending(h, frame)
				if f.db.Reclaim(h, frame) == nil {
					f.db.DecrementReferenceCount(h, frame)
				}
				f.db.Unlock(h)
			}
			p.AS.Tables().Invalidate(e)
		}
	}
}
