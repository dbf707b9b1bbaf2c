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

package pfn

import (
	"fmt"

	"gvisor.dev/mdl/pkg/atomicbitops"
	"gvisor.dev/mdl/pkg/errors/mmerr"
	"gvisor.dev/mdl/pkg/hostarch"
	"gvisor.dev/mdl/pkg/sync/locking"
)

// AddLockedPageCharge takes a reference on p on behalf of a lock operation.
// It fails with ErrWorkingSetQuotaExceeded if the reference count would
// exceed the ceiling. The caller must hold the database lock.
func (db *Database) AddLockedPageCharge(h *locking.Held, p PFN) error {
	db.assertLocked(h)
	e := db.Entry(p)
	if e.refCount.Load() >= db.ceiling {
		return fmt.Errorf("%v reference count %d at ceiling: %w", p, e.refCount.Load(), mmerr.ErrWorkingSetQuotaExceeded)
	}
	db.charge(e)
	return nil
}

// AddLockedPageChargeForce is AddLockedPageCharge without the ceiling check.
// It is reserved for frames backing privileged code and data.
func (db *Database) AddLockedPageChargeForce(h *locking.Held, p PFN) {
	db.assertLocked(h)
	db.charge(db.Entry(p))
}

func (db *Database) charge(e *Entry) {
	e.refCount.Add(1)
	if e.lockedRefs.Add(1) == 1 {
		db.residentAvailable.Add(-1)
	}
	db.lockedPages.Add(1)
}

// uncharge drops one locked-page charge without touching the reference
// count.
func (db *Database) uncharge(p PFN, e *Entry) {
	n := e.lockedRefs.Add(-1)
	if n < 0 {
		mmerr.BugCheck(mmerr.PageLockedTwice, uint64(p), uint64(e.refCount.Load()))
	}
	if n == 0 {
		db.residentAvailable.Add(1)
	}
	db.lockedPages.Add(-1)
}

// RemoveLockedPageChargeAndDecRef is the inverse of AddLockedPageCharge.
// markModified records that the frame was written through the lock. The
// caller must hold the database lock.
func (db *Database) RemoveLockedPageChargeAndDecRef(h *locking.Held, p PFN, markModified bool) {
	db.assertLocked(h)
	e := db.Entry(p)
	if markModified {
		e.Flags |= Modified
	}
	db.uncharge(p, e)
	db.decRef(p, e)
}

// TryRemoveLockedChargeFast drops a locked-page charge on p without the
// database lock. It succeeds only for private frames (share count one) whose
// reference count cannot reach zero, and returns false otherwise, leaving p
// untouched. The caller must hold the working-set lock of the address space
// mapping p, which keeps the share count stable.
func (db *Database) TryRemoveLockedChargeFast(p PFN) bool {
	e := db.Entry(p)
	if e.shareCount.Load() != 1 || e.lockedRefs.Load() <= 0 {
		return false
	}
	if !atomicbitops.DecUnlessOneInt32(e.refCount.Ptr()) {
		return false
	}
	db.uncharge(p, e)
	return true
}

// DecrementReferenceCount drops one reference on p. When the count reaches
// zero the frame moves to the free list if deletion is pending, to the
// modified list if it is dirty, and to the standby list otherwise. The
// caller must hold the database lock.
func (db *Database) DecrementReferenceCount(h *locking.Held, p PFN) {
	db.assertLocked(h)
	db.decRef(p, db.Entry(p))
}

func (db *Database) decRef(p PFN, e *Entry) {
	n := e.refCount.Add(-1)
	if n < 0 || n < e.shareCount.Load() {
		mmerr.BugCheck(mmerr.ReferenceCountUnderflow, uint64(p), uint64(n), uint64(e.shareCount.Load()))
	}
	if n > 0 {
		return
	}
	if e.lockedRefs.Load() != 0 {
		mmerr.BugCheck(mmerr.PageLockedTwice, uint64(p), uint64(e.lockedRefs.Load()))
	}
	switch {
	case e.Flags&DeletePending != 0:
		e.Flags = 0
		e.PteAddress = PteAddress{}
		e.CacheAttribute = hostarch.MemoryTypeCached
		e.MapCount = 0
		e.aweRefs.Store(0)
		db.insert(FreePageList, p)
	case e.Flags&Modified != 0:
		db.insert(ModifiedPageList, p)
	default:
		db.insert(StandbyPageList, p)
	}
}

// MarkDeletePending arranges for p to be freed when its last reference is
// dropped. The caller must hold the database lock.
func (db *Database) MarkDeletePending(h *locking.Held, p PFN) {
	db.assertLocked(h)
	db.Entry(p).Flags |= DeletePending
}

// MakeMapped records that p, which holds one reference, is now mapped by
// the working-set entry pte with attribute mt. The reference becomes the
// mapping's share reference. The caller must hold the database lock.
func (db *Database) MakeMapped(h *locking.Held, p PFN, pte PteAddress, mt hostarch.MemoryType) {
	db.assertLocked(h)
	e := db.Entry(p)
	if e.Location != ActiveAndValid {
		panic(fmt.Sprintf("mapping %v in state %v", p, e.Location))
	}
	if e.shareCount.Add(1) > e.refCount.Load() {
		e.refCount.Add(1)
	}
	e.PteAddress = pte
	e.CacheAttribute = mt
}

// AddShare adds a working-set mapping of active frame p, as a fork that
// shares the page would. The caller must hold the database lock.
func (db *Database) AddShare(h *locking.Held, p PFN) {
	db.assertLocked(h)
	e := db.Entry(p)
	e.refCount.Add(1)
	e.shareCount.Add(1)
}

// RemoveShare removes a working-set mapping of p and drops its reference.
// The caller must hold the database lock.
func (db *Database) RemoveShare(h *locking.Held, p PFN) {
	db.assertLocked(h)
	e := db.Entry(p)
	if e.shareCount.Add(-1) < 0 {
		mmerr.BugCheck(mmerr.ReferenceCountUnderflow, uint64(p), 0, 0)
	}
	if e.shareCount.Load() == 0 {
		e.PteAddress = PteAddress{}
	}
	db.decRef(p, e)
}

// Reclaim makes a standby or modified frame active again with one
// reference, as a fault on a transition entry does. The caller must hold
// the database lock.
func (db *Database) Reclaim(h *locking.Held, p PFN) error {
	db.assertLocked(h)
	e := db.Entry(p)
	if e.Location != StandbyPageList && e.Location != ModifiedPageList {
		return fmt.Errorf("%v is %v: %w", p, e.Location, mmerr.ErrInvalidParameter)
	}
	db.unlink(p)
	e.Location = ActiveAndValid
	e.refCount.Store(1)
	return nil
}

// CacheAttribute returns the cache attribute of p. The caller must hold the
// database lock.
func (db *Database) CacheAttribute(h *locking.Held, p PFN) hostarch.MemoryType {
	db.assertLocked(h)
	return db.Entry(p).CacheAttribute
}

// SetCacheAttribute records mt as the cache attribute of p. The caller must
// hold the database lock.
func (db *Database) SetCacheAttribute(h *locking.Held, p PFN, mt hostarch.MemoryType) {
	db.assertLocked(h)
	db.Entry(p).CacheAttribute = mt
}

// SetFlags sets f on p. The caller must hold the database lock.
func (db *Database) SetFlags(h *locking.Held, p PFN, f Flags) {
	db.assertLocked(h)
	db.Entry(p).Flags |= f
}

// ClearFlags clears f on p. The caller must hold the database lock.
func (db *Database) ClearFlags(h *locking.Held, p PFN, f Flags) {
	db.assertLocked(h)
	db.Entry(p).Flags &^= f
}

// AddMapping counts an MDL mapping of p. The caller must hold the database
// lock.
func (db *Database) AddMapping(h *locking.Held, p PFN) {
	db.assertLocked(h)
	db.Entry(p).MapCount++
}

// RemoveMapping drops an MDL mapping of p. The caller must hold the
// database lock.
func (db *Database) RemoveMapping(h *locking.Held, p PFN) {
	db.assertLocked(h)
	e := db.Entry(p)
	if e.MapCount == 0 {
		mmerr.BugCheck(mmerr.ReferenceCountUnderflow, uint64(p), 0, 0)
	}
	e.MapCount--
}

// InitializeAWE hands active frame p to a physical page pool. The caller
// must hold the database lock.
func (db *Database) InitializeAWE(h *locking.Held, p PFN) {
	db.assertLocked(h)
	e := db.Entry(p)
	e.Flags |= AWE
	e.aweRefs.Store(1)
}

// AddAWEReference takes an AWE lock reference on p without the database
// lock. It fails if the frame is no longer owned by a pool.
func (db *Database) AddAWEReference(p PFN) bool {
	return atomicbitops.IncUnlessZeroInt32(db.Entry(p).aweRefs.Ptr())
}

// DropAWEReference drops an AWE reference on p without the database lock.
// It returns true if the caller dropped the last reference, in which case
// the caller alone must complete the frame's release under the database
// lock with ReleaseAWE.
func (db *Database) DropAWEReference(p PFN) (last bool) {
	e := db.Entry(p)
	for {
		if atomicbitops.DecUnlessOneInt32(e.aweRefs.Ptr()) {
			return false
		}
		if e.aweRefs.CompareAndSwap(1, 0) {
			return true
		}
	}
}

// ReleaseAWE frees p after its last AWE reference was dropped. The caller
// must hold the database lock.
func (db *Database) ReleaseAWE(h *locking.Held, p PFN) {
	db.assertLocked(h)
	e := db.Entry(p)
	if e.aweRefs.Load() != 0 {
		panic(fmt.Sprintf("releasing %v with %d AWE references", p, e.aweRefs.Load()))
	}
	e.Flags = (e.Flags &^ AWE) | DeletePending
	db.decRef(p, e)
}
