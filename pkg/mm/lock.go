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
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"gvisor.dev/mdl/pkg/cleanup"
	mmerrors "gvisor.dev/mdl/pkg/errors"
	"gvisor.dev/mdl/pkg/errors/mmerr"
	"gvisor.dev/mdl/pkg/hostarch"
	"gvisor.dev/mdl/pkg/log"
	"gvisor.dev/mdl/pkg/mm/addrspace"
	"gvisor.dev/mdl/pkg/mm/mdl"
	"gvisor.dev/mdl/pkg/mm/pagetables"
	"gvisor.dev/mdl/pkg/mm/pfn"
	"gvisor.dev/mdl/pkg/mm/tracker"
	"gvisor.dev/mdl/pkg/sync/locking"
)

// maxFaultsPerPage bounds the number of fault resolutions of one page that
// leave it untranslatable before the lock operation gives up.
const maxFaultsPerPage = 16

// ProbeAndLock makes every page of m's range resident and locks it, filling
// m's frame array. op determines whether the pages must be writable; mode is
// the privilege the range is probed with.
//
// On failure m is left with no frames and no lock flags, and every page
// locked along the way has been released.
func (mm *MemoryManager) ProbeAndLock(ctx context.Context, m *mdl.MDL, mode hostarch.AccessMode, op hostarch.Operation) error {
	if err := mm.checkLockable(m); err != nil {
		return err
	}
	r := m.Range()
	if err := checkProbeRange(r.Start, m.ByteCount, mode); err != nil {
		m.MarkEmpty()
		return err
	}
	as, err := mm.spaceFor(ctx, m, r.Start)
	if err != nil {
		m.MarkEmpty()
		return err
	}
	pc := caller()
	if as.IsUser() && as.AWE() != nil {
		if handled, err := mm.lockAWE(as, m, mode, op.IsWrite(), pc); handled {
			return err
		}
	}
	return mm.probeAndLock(ctx, as, m, m.PageVA, mode, op.IsWrite(), pc)
}

// ProbeAndLockSelected is ProbeAndLock for an MDL whose pages are the
// page-aligned addresses in segments rather than a contiguous range. The
// segment list is copied before use.
func (mm *MemoryManager) ProbeAndLockSelected(ctx context.Context, m *mdl.MDL, segments []hostarch.Addr, mode hostarch.AccessMode, op hostarch.Operation) error {
	if err := mm.checkLockable(m); err != nil {
		return err
	}
	segs := append([]hostarch.Addr(nil), segments...)
	if len(segs) == 0 || len(segs) != len(m.Pages) {
		m.MarkEmpty()
		return fmt.Errorf("%d segments for %v: %w", len(segs), m, mmerr.ErrInvalidParameter)
	}
	user := segs[0].IsUser()
	for _, va := range segs {
		if !va.IsPageAligned() || va.IsUser() != user {
			m.MarkEmpty()
			return fmt.Errorf("segment %v: %w", va, mmerr.ErrInvalidParameter)
		}
		if err := checkProbeRange(va, hostarch.PageSize, mode); err != nil {
			m.MarkEmpty()
			return err
		}
	}
	as, err := mm.spaceFor(ctx, m, segs[0])
	if err != nil {
		m.MarkEmpty()
		return err
	}
	return mm.probeAndLock(ctx, as, m, func(i int) hostarch.Addr { return segs[i] }, mode, op.IsWrite(), caller())
}

// checkLockable returns an error if m cannot be the target of a lock
// operation.
func (mm *MemoryManager) checkLockable(m *mdl.MDL) error {
	if m.Flags&(mdl.PagesLocked|mdl.Partial|mdl.SourceIsNonPagedPool|mdl.AllocatedPages|mdl.MappedToSystemVA|mdl.MappedToUserVA) != 0 {
		return fmt.Errorf("%v cannot be locked: %w", m, mmerr.ErrInvalidParameter)
	}
	if m.ByteCount == 0 {
		return fmt.Errorf("%v is empty: %w", m, mmerr.ErrInvalidParameter)
	}
	return nil
}

// checkProbeRange validates [va, va+length) for a probe at mode.
func checkProbeRange(va hostarch.Addr, length uint64, mode hostarch.AccessMode) error {
	end, ok := va.AddLength(length)
	if !ok {
		return fmt.Errorf("range %v+%#x wraps: %w", va, length, mmerr.ErrAccessViolation)
	}
	if va.IsUser() {
		if end > hostarch.UserProbeAddress {
			return fmt.Errorf("range [%v, %v) exceeds the user probe address: %w", va, end, mmerr.ErrAccessViolation)
		}
		return nil
	}
	if mode == hostarch.UserMode || !va.IsSystem() {
		return fmt.Errorf("range [%v, %v) is not accessible from %v: %w", va, end, mode, mmerr.ErrAccessViolation)
	}
	return nil
}

// probeAndLock locks the pages of m at pageVA(0), ..., pageVA(len-1),
// restarting the whole operation when I/O space is remapped under it.
func (mm *MemoryManager) probeAndLock(ctx context.Context, as *addrspace.AddressSpace, m *mdl.MDL, pageVA func(int) hostarch.Addr, mode hostarch.AccessMode, write bool, pc uintptr) error {
	retries := 0
	// WithMaxRetries treats a bound of zero as unlimited.
	var policy backoff.BackOff = &backoff.StopBackOff{}
	if n := mm.cfg.MaxIOSpaceRetries; n > 0 {
		policy = backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(n))
	}
	b := backoff.WithContext(policy, ctx)
	err := backoff.RetryNotify(func() error {
		err := mm.lockOnce(ctx, as, m, pageVA, mode, write, pc)
		if err == nil || errors.Is(err, tracker.ErrGenerationChanged) {
			return err
		}
		return backoff.Permanent(err)
	}, b, func(error, time.Duration) {
		retries++
		mm.probeRetries.Increment("io_generation")
	})
	if errors.Is(err, tracker.ErrGenerationChanged) {
		log.Warningf("Locking %v: I/O space remapped on %d consecutive attempts", m, retries+1)
		return fmt.Errorf("locking %v: I/O space remapped %d times: %w", m, retries+1, mmerr.ErrInsufficientResources)
	}
	return err
}

// lockOnce makes one attempt at locking m. On failure everything it locked
// has been released and m is empty.
func (mm *MemoryManager) lockOnce(ctx context.Context, as *addrspace.AddressSpace, m *mdl.MDL, pageVA func(int) hostarch.Addr, mode hostarch.AccessMode, write bool, pc uintptr) error {
	h := &locking.Held{}
	gen := mm.trackers.IOSpace.Generation()

	m.Terminate(0)
	m.Flags |= mdl.PagesLocked
	if write {
		m.Flags |= mdl.WriteOperation
	}
	locked := 0
	cu := cleanup.Make(func() {
		mm.releasePrefix(h, m, locked)
	})
	defer cu.Clean()

	if err := mm.touch(ctx, h, as, len(m.Pages), pageVA, mode, write); err != nil {
		return err
	}
	var err error
	if as.IsUser() {
		err = mm.lockUserPages(ctx, h, as, m, pageVA, mode, write, &locked)
	} else {
		err = mm.lockSystemPages(ctx, h, m, pageVA, write, &locked)
	}
	if err != nil {
		return err
	}

	frames := m.Frames()
	charged := mm.countRAM(frames)
	if m.Flags&mdl.IOSpace != 0 && as.IsUser() {
		if err := mm.trackers.IOSpace.Register(m, frames, gen); err != nil {
			return err
		}
	}
	as.AddLockedPages(int64(charged))
	mm.trackers.LockedMDLs.Add(m, tracker.LockedMDLRecord{
		Process: as.ID(),
		VA:      m.VirtualAddress(),
		Pages:   uint64(len(frames)),
		Caller:  pc,
	})
	cu.Release()
	return nil
}

// releasePrefix drops the charges of the first n frames of m, which were
// locked by an attempt that failed, and empties m.
func (mm *MemoryManager) releasePrefix(h *locking.Held, m *mdl.MDL, n int) {
	frames := m.Pages[:n]
	if mm.countRAM(frames) > 0 {
		mm.db.Lock(h)
		for _, p := range frames {
			if !mm.db.IsIOSpace(p) {
				mm.db.RemoveLockedPageChargeAndDecRef(h, p, false)
			}
		}
		mm.db.Unlock(h)
	}
	m.MarkEmpty()
}

// countRAM returns the number of frames in frames that have database
// entries.
func (mm *MemoryManager) countRAM(frames []pfn.PFN) int {
	n := 0
	for _, p := range frames {
		if !mm.db.IsIOSpace(p) {
			n++
		}
	}
	return n
}

// touch makes each page resident and accessible for the operation before
// any lock is taken, faulting pages in as needed.
func (mm *MemoryManager) touch(ctx context.Context, h *locking.Held, as *addrspace.AddressSpace, n int, pageVA func(int) hostarch.Addr, mode hostarch.AccessMode, write bool) error {
	h.AssertEmpty("probing")
	for i := 0; i < n; i++ {
		va := pageVA(i)
		for faults := 0; ; faults++ {
			frame, _, pte, ok := as.Tables().Translate(va)
			if ok && (!write || pte.Writable()) {
				if !mm.db.IsIOSpace(pfn.PFN(frame)) {
					mm.db.Memory().Touch(frame, va.PageOffset(), write)
				}
				break
			}
			if ok && !pte.IsCopyOnWrite() {
				return fmt.Errorf("write probe of read-only page %v: %w", va, mmerr.ErrAccessViolation)
			}
			if faults == maxFaultsPerPage {
				return fmt.Errorf("page %v still not resident after %d faults: %w", va, faults, mmerr.ErrAccessViolation)
			}
			if err := mm.fault(ctx, h, as, va, mode, write); err != nil {
				return err
			}
		}
	}
	return nil
}

// fault resolves a fault at va. It must be called with no locks held.
func (mm *MemoryManager) fault(ctx context.Context, h *locking.Held, as *addrspace.AddressSpace, va hostarch.Addr, mode hostarch.AccessMode, write bool) error {
	h.AssertEmpty("resolving a fault")
	err := mm.faults.Resolve(ctx, as, va, mode, write)
	if err == nil {
		return nil
	}
	var status *mmerrors.Error
	if errors.As(err, &status) {
		return fmt.Errorf("fault at %v: %w", va, err)
	}
	return fmt.Errorf("fault at %v: %v: %w", va, err, mmerr.ErrAccessViolation)
}

// lockUserPages locks the pages of m from index *locked onwards under the
// working-set lock of as, advancing *locked past each page it locks.
func (mm *MemoryManager) lockUserPages(ctx context.Context, h *locking.Held, as *addrspace.AddressSpace, m *mdl.MDL, pageVA func(int) hostarch.Addr, mode hostarch.AccessMode, write bool, locked *int) error {
	as.RLockWorkingSet(h)
	held := true
	defer func() {
		if held {
			as.RUnlockWorkingSet(h)
		}
	}()

	faults := 0
	for i := *locked; i < len(m.Pages); {
		va := pageVA(i)
		frame, _, pte, ok := as.Tables().Translate(va)
		reason := ""
		switch {
		case !ok:
			reason = "fault"
		case write && !pte.Writable():
			if !pte.IsCopyOnWrite() {
				return fmt.Errorf("write lock of read-only page %v: %w", va, mmerr.ErrAccessViolation)
			}
			reason = "copy_on_write"
		}
		if reason != "" {
			// The page was trimmed or shared since it was touched. Resolve
			// it without locks and retry the same page.
			if faults++; faults > maxFaultsPerPage {
				return fmt.Errorf("page %v keeps disappearing: %w", va, mmerr.ErrAccessViolation)
			}
			mm.probeRetries.Increment(reason)
			as.RUnlockWorkingSet(h)
			held = false
			if err := mm.fault(ctx, h, as, va, mode, write); err != nil {
				return err
			}
			as.RLockWorkingSet(h)
			held = true
			continue
		}
		faults = 0
		if mode == hostarch.UserMode && !pte.Owner() {
			return fmt.Errorf("page %v is not accessible from user mode: %w", va, mmerr.ErrAccessViolation)
		}
		p := pfn.PFN(frame)
		if err := mm.lockFrame(h, as, m, va, p, true); err != nil {
			return err
		}
		m.Pages[i] = p
		i++
		*locked = i
	}
	return nil
}

// lockSystemPages locks the system pages of m from index *locked onwards
// under the frame database lock.
func (mm *MemoryManager) lockSystemPages(ctx context.Context, h *locking.Held, m *mdl.MDL, pageVA func(int) hostarch.Addr, write bool, locked *int) error {
	mm.db.Lock(h)
	held := true
	defer func() {
		if held {
			mm.db.Unlock(h)
		}
	}()

	faults := 0
	for i := *locked; i < len(m.Pages); {
		va := pageVA(i)
		frame, _, pte, ok := mm.system.Tables().Translate(va)
		if !ok {
			if faults++; faults > maxFaultsPerPage {
				return fmt.Errorf("system page %v keeps disappearing: %w", va, mmerr.ErrAccessViolation)
			}
			mm.probeRetries.Increment("fault")
			mm.db.Unlock(h)
			held = false
			if err := mm.fault(ctx, h, mm.system, va, hostarch.KernelMode, write); err != nil {
				return err
			}
			mm.db.Lock(h)
			held = true
			continue
		}
		faults = 0
		if write && !pte.Writable() {
			return fmt.Errorf("write lock of read-only system page %v: %w", va, mmerr.ErrAccessViolation)
		}
		p := pfn.PFN(frame)
		if err := mm.lockFrame(h, mm.system, m, va, p, false); err != nil {
			return err
		}
		m.Pages[i] = p
		i++
		*locked = i
	}
	return nil
}

// lockFrame takes a locked-page charge on p, which backs va in as. If
// nested, the database lock is taken for the duration; otherwise the caller
// holds it.
func (mm *MemoryManager) lockFrame(h *locking.Held, as *addrspace.AddressSpace, m *mdl.MDL, va hostarch.Addr, p pfn.PFN, nested bool) error {
	if mm.db.IsIOSpace(p) {
		m.Flags |= mdl.IOSpace
		return nil
	}
	if nested {
		mm.db.Lock(h)
		defer mm.db.Unlock(h)
	}
	e := mm.db.Entry(p)
	if as.IsUser() && as.HasViews() {
		if v, ok := as.FindView(h, va); ok && v.Kind == addrspace.DevicePhysicalMemory {
			if e.Location != pfn.ActiveAndValid || e.RefCount() == 0 {
				return fmt.Errorf("%v behind device view %v is %v: %w", p, v, e.Location, mmerr.ErrAccessViolation)
			}
		}
	}
	err := mm.db.AddLockedPageCharge(h, p)
	if err == nil {
		return nil
	}
	if errors.Is(err, mmerr.ErrWorkingSetQuotaExceeded) && e.Flags&pfn.Privileged != 0 {
		mm.db.AddLockedPageChargeForce(h, p)
		return nil
	}
	return err
}

// lockAWE locks m through the AWE region of as containing it, without the
// working-set lock. handled is false if no region contains m's range.
func (mm *MemoryManager) lockAWE(as *addrspace.AddressSpace, m *mdl.MDL, mode hostarch.AccessMode, write bool, pc uintptr) (handled bool, err error) {
	h := &locking.Held{}
	a := as.AWE()
	a.RLock(h)
	defer a.RUnlock(h)

	n := len(m.Pages)
	ar := hostarch.AddrRange{Start: m.StartVA, End: m.PageVA(n)}
	r, ok := a.FindRegion(ar)
	if !ok {
		return false, nil
	}

	m.Terminate(0)
	locked := 0
	cu := cleanup.Make(func() {
		mm.dropAWE(h, m.Pages[:locked])
		m.MarkEmpty()
	})
	defer cu.Clean()

	if write && !r.Writable {
		return true, fmt.Errorf("write lock of read-only %v: %w", r, mmerr.ErrAccessViolation)
	}
	var frame uint64
	for i := 0; i < n; i++ {
		va := m.PageVA(i)
		var pte pagetables.PTE
		if r.Kind == addrspace.LargePage {
			pte = as.Tables().ReadPte(pagetables.EntryFor(pagetables.PDELevel, va))
			if !pte.Valid() || !pte.IsLarge() {
				return true, fmt.Errorf("large page at %v is not mapped: %w", va, mmerr.ErrAccessViolation)
			}
			if i == 0 || pagetables.IsOnPDEBoundary(pagetables.EntryFor(pagetables.PTELevel, va)) {
				frame = pagetables.LargePageFrame(pte, va)
			} else {
				frame++
			}
		} else {
			pte = as.Tables().ReadPte(pagetables.EntryFor(pagetables.PTELevel, va))
			if !pte.Valid() {
				return true, fmt.Errorf("AWE page %v is not mapped: %w", va, mmerr.ErrAccessViolation)
			}
			frame = pte.Frame()
		}
		if mode == hostarch.UserMode && !pte.Owner() {
			return true, fmt.Errorf("page %v is not accessible from user mode: %w", va, mmerr.ErrAccessViolation)
		}
		if write && !pte.Writable() {
			return true, fmt.Errorf("write lock of read-only page %v: %w", va, mmerr.ErrAccessViolation)
		}
		p := pfn.PFN(frame)
		if mm.db.IsIOSpace(p) || !mm.db.AddAWEReference(p) {
			return true, fmt.Errorf("%v at %v is not a pool frame: %w", p, va, mmerr.ErrAccessViolation)
		}
		m.Pages[i] = p
		locked = i + 1
	}

	m.Flags |= mdl.PagesLocked | mdl.DescribesAWE
	if write {
		m.Flags |= mdl.WriteOperation
	}
	as.AddLockedPages(int64(n))
	mm.trackers.LockedMDLs.Add(m, tracker.LockedMDLRecord{
		Process: as.ID(),
		VA:      m.VirtualAddress(),
		Pages:   uint64(n),
		Caller:  pc,
	})
	cu.Release()
	return true, nil
}

// dropAWE drops one AWE reference on each of frames, releasing any frame
// whose pool already let it go.
func (mm *MemoryManager) dropAWE(h *locking.Held, frames []pfn.PFN) {
	var last []pfn.PFN
	for _, p := range frames {
		if mm.db.DropAWEReference(p) {
			last = append(last, p)
		}
	}
	if len(last) == 0 {
		return
	}
	mm.db.Lock(h)
	for _, p := range last {
		mm.db.ReleaseAWE(h, p)
	}
	mm.db.Unlock(h)
}
