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
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/mdl/pkg/errors/mmerr"
	"gvisor.dev/mdl/pkg/hostarch"
	"gvisor.dev/mdl/pkg/mm/physmem"
	"gvisor.dev/mdl/pkg/sync/locking"
)

func newTestDatabase(t *testing.T, ceiling int32, runs ...physmem.Run) *Database {
	t.Helper()
	if len(runs) == 0 {
		runs = []physmem.Run{{Base: 0x100, Count: 64}}
	}
	db, err := NewDatabase(Options{Runs: runs, RefCountCeiling: ceiling})
	if err != nil {
		t.Fatalf("NewDatabase: %v", err)
	}
	t.Cleanup(func() { db.Release() })
	return db
}

func allocOne(t *testing.T, db *Database) PFN {
	t.Helper()
	frames, err := NewListAllocator(db).AcquireFrames(nil, Constraints{Count: 1})
	if err != nil {
		t.Fatalf("AcquireFrames: %v", err)
	}
	return frames[0]
}

func TestIOSpace(t *testing.T) {
	db := newTestDatabase(t, 0, physmem.Run{Base: 0x10, Count: 4}, physmem.Run{Base: 0x100, Count: 4})
	for _, test := range []struct {
		p  PFN
		io bool
	}{
		{0x0f, true},
		{0x10, false},
		{0x14, true},
		{0x103, false},
		{0xfee00, true},
		{Empty, true},
	} {
		if got := db.IsIOSpace(test.p); got != test.io {
			t.Errorf("IsIOSpace(%v) = %v, want %v", test.p, got, test.io)
		}
	}
}

func TestLockedChargeSymmetry(t *testing.T) {
	db := newTestDatabase(t, 0)
	p := allocOne(t, db)
	var h locking.Held
	before := db.Stats(&h)

	db.Lock(&h)
	db.MakeMapped(&h, p, PteAddress{Space: 1, Set: true}, hostarch.MemoryTypeCached)
	for i := 0; i < 3; i++ {
		if err := db.AddLockedPageCharge(&h, p); err != nil {
			t.Fatalf("AddLockedPageCharge: %v", err)
		}
	}
	db.Unlock(&h)

	e := db.Entry(p)
	if e.RefCount() != 4 || e.ShareCount() != 1 || e.LockedRefs() != 3 {
		t.Fatalf("after charges: ref=%d share=%d locked=%d", e.RefCount(), e.ShareCount(), e.LockedRefs())
	}
	if got := db.ResidentAvailable(); got != before.ResidentAvailable-1 {
		t.Errorf("ResidentAvailable = %d, want %d", got, before.ResidentAvailable-1)
	}

	db.Lock(&h)
	for i := 0; i < 3; i++ {
		db.RemoveLockedPageChargeAndDecRef(&h, p, i == 0)
	}
	db.Unlock(&h)

	if e.RefCount() != 1 || e.LockedRefs() != 0 || e.Flags&Modified == 0 {
		t.Errorf("after uncharge: ref=%d locked=%d flags=%v", e.RefCount(), e.LockedRefs(), e.Flags)
	}
	after := db.Stats(&h)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("stats not restored (-before +after):\n%s", diff)
	}
}

func TestCeiling(t *testing.T) {
	db := newTestDatabase(t, 3)
	p := allocOne(t, db)
	var h locking.Held
	db.Lock(&h)
	defer db.Unlock(&h)
	for i := 0; i < 2; i++ {
		if err := db.AddLockedPageCharge(&h, p); err != nil {
			t.Fatalf("charge %d: %v", i, err)
		}
	}
	if err := db.AddLockedPageCharge(&h, p); !errors.Is(err, mmerr.ErrWorkingSetQuotaExceeded) {
		t.Fatalf("charge past ceiling = %v, want ErrWorkingSetQuotaExceeded", err)
	}
	db.AddLockedPageChargeForce(&h, p)
	if got := db.Entry(p).RefCount(); got != 4 {
		t.Errorf("RefCount after forced charge = %d, want 4", got)
	}
}

func TestFreeOnLastReference(t *testing.T) {
	db := newTestDatabase(t, 0)
	a := NewListAllocator(db)
	var h locking.Held
	frames, err := a.AcquireFrames(&h, Constraints{Count: 2})
	if err != nil {
		t.Fatalf("AcquireFrames: %v", err)
	}
	a.ReleaseFrames(&h, frames)
	db.Lock(&h)
	defer db.Unlock(&h)
	for _, p := range frames {
		if loc := db.Entry(p).Location; loc != FreePageList {
			t.Errorf("%v location = %v, want Free", p, loc)
		}
	}
	if got := db.ListCount(&h, FreePageList); got != 2 {
		t.Errorf("free list count = %d, want 2", got)
	}
}

func TestStandbyAndReclaim(t *testing.T) {
	db := newTestDatabase(t, 0)
	p := allocOne(t, db)
	var h locking.Held
	db.Lock(&h)
	defer db.Unlock(&h)
	db.MakeMapped(&h, p, PteAddress{Space: 1, Set: true}, hostarch.MemoryTypeCached)
	db.RemoveShare(&h, p)
	if loc := db.Entry(p).Location; loc != StandbyPageList {
		t.Fatalf("trimmed frame location = %v, want Standby", loc)
	}
	if err := db.Reclaim(&h, p); err != nil {
		t.Fatalf("Reclaim: %v", err)
	}
	if e := db.Entry(p); e.Location != ActiveAndValid || e.RefCount() != 1 {
		t.Errorf("reclaimed frame: %v ref=%d", e.Location, e.RefCount())
	}
	if err := db.Reclaim(&h, p); !errors.Is(err, mmerr.ErrInvalidParameter) {
		t.Errorf("second Reclaim = %v, want ErrInvalidParameter", err)
	}
}

func TestUnderflowBugChecks(t *testing.T) {
	db := newTestDatabase(t, 0)
	p := allocOne(t, db)
	var h locking.Held
	db.Lock(&h)
	defer db.Unlock(&h)
	bc := mmerr.RecoverBugCheck(func() { db.RemoveLockedPageChargeAndDecRef(&h, p, false) })
	if bc == nil || bc.Code != mmerr.PageLockedTwice {
		t.Errorf("uncharge of an uncharged frame = %v, want PAGE_LOCKED_TWICE", bc)
	}
}

func TestFastUncharge(t *testing.T) {
	db := newTestDatabase(t, 0)
	p := allocOne(t, db)
	var h locking.Held
	db.Lock(&h)
	db.MakeMapped(&h, p, PteAddress{Space: 1, Set: true}, hostarch.MemoryTypeCached)
	if err := db.AddLockedPageCharge(&h, p); err != nil {
		t.Fatalf("AddLockedPageCharge: %v", err)
	}
	db.AddShare(&h, p)
	db.Unlock(&h)

	if db.TryRemoveLockedChargeFast(p) {
		t.Fatalf("fast uncharge of a shared frame succeeded")
	}

	db.Lock(&h)
	db.RemoveShare(&h, p)
	db.Unlock(&h)
	if !db.TryRemoveLockedChargeFast(p) {
		t.Fatalf("fast uncharge of a private frame failed")
	}
	if e := db.Entry(p); e.RefCount() != 1 || e.LockedRefs() != 0 {
		t.Errorf("after fast uncharge: ref=%d locked=%d", e.RefCount(), e.LockedRefs())
	}
	if db.TryRemoveLockedChargeFast(p) {
		t.Errorf("fast uncharge without a charge succeeded")
	}
}

func TestAWELastOneOut(t *testing.T) {
	db := newTestDatabase(t, 0)
	p := allocOne(t, db)
	var h locking.Held
	db.Lock(&h)
	db.InitializeAWE(&h, p)
	db.Unlock(&h)

	if !db.AddAWEReference(p) || !db.AddAWEReference(p) {
		t.Fatalf("AddAWEReference failed on an owned frame")
	}
	// The pool drops its baseline reference while two locks remain.
	if db.DropAWEReference(p) {
		t.Fatalf("dropping the baseline reported last reference")
	}
	if db.DropAWEReference(p) {
		t.Fatalf("first unlock reported last reference")
	}
	if !db.DropAWEReference(p) {
		t.Fatalf("final unlock did not report last reference")
	}
	if db.AddAWEReference(p) {
		t.Fatalf("AddAWEReference succeeded on a released frame")
	}
	db.Lock(&h)
	db.ReleaseAWE(&h, p)
	loc := db.Entry(p).Location
	db.Unlock(&h)
	if loc != FreePageList {
		t.Errorf("released AWE frame location = %v, want Free", loc)
	}
}

func TestContiguousAllocation(t *testing.T) {
	db := newTestDatabase(t, 0, physmem.Run{Base: 0x100, Count: 64})
	a := NewListAllocator(db)
	var h locking.Held

	// Punch a hole so that the first fit starts after it.
	db.Lock(&h)
	if err := db.MarkBad(&h, 0x102); err != nil {
		t.Fatalf("MarkBad: %v", err)
	}
	db.Unlock(&h)

	for _, test := range []struct {
		name string
		c    Constraints
		want PFN
		err  error
	}{
		{"first fit", Constraints{Count: 4, Contiguous: true}, 0x103, nil},
		{"boundary", Constraints{Count: 8, Contiguous: true, Boundary: 8}, 0x108, nil},
		{"window", Constraints{Count: 2, Contiguous: true, Low: 0x130, High: 0x131}, 0x130, nil},
		{"too large", Constraints{Count: 65, Contiguous: true}, 0, mmerr.ErrInsufficientResources},
		{"bad boundary", Constraints{Count: 2, Contiguous: true, Boundary: 3}, 0, mmerr.ErrInvalidParameter},
	} {
		t.Run(test.name, func(t *testing.T) {
			frames, err := a.AcquireFrames(&h, test.c)
			if !errors.Is(err, test.err) {
				t.Fatalf("AcquireFrames(%v) = %v, want %v", test.c, err, test.err)
			}
			if err != nil {
				return
			}
			if frames[0] != test.want || uint64(len(frames)) != test.c.Count {
				t.Errorf("AcquireFrames(%v) = %v, want %d frames from %v", test.c, frames, test.c.Count, test.want)
			}
			for i := 1; i < len(frames); i++ {
				if frames[i] != frames[i-1]+1 {
					t.Errorf("frames %v are not contiguous", frames)
				}
			}
			if e := db.Entry(frames[0]); e.Flags&StartOfAllocation == 0 {
				t.Errorf("first frame flags = %v", e.Flags)
			}
		})
	}
}

func TestMustBeCachedSkipped(t *testing.T) {
	db := newTestDatabase(t, 0, physmem.Run{Base: 0x10, Count: 2})
	var h locking.Held
	db.Lock(&h)
	db.Entry(0x10).Flags |= MustBeCached
	db.Unlock(&h)

	frames, err := NewListAllocator(db).AcquireFrames(&h, Constraints{Count: 2, Cache: hostarch.MemoryTypeUncached, Partial: true})
	if err != nil {
		t.Fatalf("AcquireFrames: %v", err)
	}
	if diff := cmp.Diff([]PFN{0x11}, frames); diff != "" {
		t.Errorf("frames (-want +got):\n%s", diff)
	}
}
