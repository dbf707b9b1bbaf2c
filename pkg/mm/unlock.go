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

	"gvisor.dev/mdl/pkg/errors/mmerr"
	"gvisor.dev/mdl/pkg/mm/addrspace"
	"gvisor.dev/mdl/pkg/mm/mdl"
	"gvisor.dev/mdl/pkg/mm/pagetables"
	"gvisor.dev/mdl/pkg/mm/pfn"
	"gvisor.dev/mdl/pkg/sync/locking"
)

// Unlock releases the pages locked into m. Unlocking an MDL whose lock
// operation failed is a no-op; unlocking one that was never locked is
// fatal.
//
// The frame array is left in place with the lock flags cleared.
func (mm *MemoryManager) Unlock(ctx context.Context, m *mdl.MDL) {
	frames := m.Frames()
	if m.Flags&mdl.PagesLocked == 0 {
		if len(frames) == 0 {
			return
		}
		mmerr.BugCheck(mmerr.UnlockUntrackedMDL, uint64(m.VirtualAddress()), m.ByteCount, uint64(m.Flags))
	}
	mm.trackers.LockedMDLs.Remove(m)

	h := &locking.Held{}
	as := mm.spaceOf(m)
	var charged int
	if m.Flags&mdl.DescribesAWE != 0 {
		charged = len(frames)
		mm.dropAWE(h, frames)
		mm.unlockPaths.Increment("awe")
	} else {
		if m.Flags&mdl.IOSpace != 0 {
			mm.trackers.IOSpace.Unregister(m)
		}
		rest := ramFrames(mm.db, frames)
		charged = len(rest)
		if m.Flags&mdl.IOSpace == 0 && as.IsUser() && addrspace.FromContext(ctx) == as {
			rest = mm.unlockFast(h, as, m, rest)
		}
		if len(rest) > 0 {
			mm.unlockSlow(h, as, m.Flags, rest)
		}
	}
	as.AddLockedPages(-int64(charged))
	m.Flags &^= mdl.PagesLocked | mdl.WriteOperation | mdl.IOSpace | mdl.DescribesAWE
}

// ramFrames returns the frames of frames that have database entries,
// sharing frames' storage when all of them do.
func ramFrames(db *pfn.Database, frames []pfn.PFN) []pfn.PFN {
	for i, p := range frames {
		if db.IsIOSpace(p) {
			out := append([]pfn.PFN(nil), frames[:i]...)
			for _, q := range frames[i+1:] {
				if !db.IsIOSpace(q) {
					out = append(out, q)
				}
			}
			return out
		}
	}
	return frames
}

// unlockFast drops the charges of m's frames that are still privately
// mapped at their original address in the current address space, without
// the database lock. It stops at the first frame that does not qualify and
// returns the frames it did not release.
func (mm *MemoryManager) unlockFast(h *locking.Held, as *addrspace.AddressSpace, m *mdl.MDL, frames []pfn.PFN) []pfn.PFN {
	as.RLockWorkingSet(h)
	defer as.RUnlockWorkingSet(h)

	write := m.Flags&mdl.WriteOperation != 0
	for i, p := range frames {
		va := m.PageVA(i)
		frame, e, pte, ok := as.Tables().Translate(va)
		if !ok || e.Level != pagetables.PTELevel || pfn.PFN(frame) != p {
			return frames[i:]
		}
		if !mm.db.TryRemoveLockedChargeFast(p) {
			return frames[i:]
		}
		if write {
			for pte.Valid() && pte.Writable() && pte&pagetables.Dirty == 0 && !as.Tables().CompareAndSwapPte(e, pte, pte|pagetables.Dirty) {
				pte = as.Tables().ReadPte(e)
			}
		}
		if i == 0 {
			mm.unlockPaths.Increment("fast")
		}
	}
	return nil
}

// unlockSlow drops the charges of frames through the deferred batcher if it
// has room, or under the database lock.
func (mm *MemoryManager) unlockSlow(h *locking.Held, as *addrspace.AddressSpace, flags mdl.Flags, frames []pfn.PFN) {
	if mm.batcher != nil && mm.batcher.Enqueue(h, as.IdealNode(), flags, frames) {
		mm.unlockPaths.Increment("deferred")
		return
	}
	mm.unlockPaths.Increment("general")
	write := flags&mdl.WriteOperation != 0
	mm.db.Lock(h)
	for _, p := range frames {
		mm.db.RemoveLockedPageChargeAndDecRef(h, p, write)
	}
	mm.db.Unlock(h)
}

// DrainDeferredUnlocks completes every deferred unlock and returns the
// number of frames released.
func (mm *MemoryManager) DrainDeferredUnlocks() int {
	if mm.batcher == nil {
		return 0
	}
	return mm.batcher.DrainAll(&locking.Held{})
}
