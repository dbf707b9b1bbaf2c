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
	"gvisor.dev/mdl/pkg/log"
	"gvisor.dev/mdl/pkg/mm/physmem"
	"gvisor.dev/mdl/pkg/sync/locking"
)

// DefaultRefCountCeiling is the default reference count above which locking
// a frame fails with a quota error.
const DefaultRefCountCeiling = 2500

// Options configures a Database.
type Options struct {
	// Runs are the RAM frame runs. Frames outside every run are I/O space.
	Runs []physmem.Run

	// RefCountCeiling bounds the reference count a locked-page charge may
	// produce. Zero selects DefaultRefCountCeiling.
	RefCountCeiling int32
}

// list is an intrusive doubly linked list of frames.
type list struct {
	head, tail PFN
	count      uint64
}

// Database is the frame database.
type Database struct {
	mu locking.Mutex

	mem     *physmem.Memory
	entries []Entry
	ceiling int32

	// lists are protected by mu.
	lists [numLists]list

	// residentAvailable is the number of RAM frames not pinned by a
	// locked-page charge.
	residentAvailable atomicbitops.Int64

	// lockedPages is the number of outstanding locked-page charges.
	lockedPages atomicbitops.Int64

	total uint64
}

// NewDatabase returns a database covering opts.Runs, with every RAM frame on
// the zeroed list.
func NewDatabase(opts Options) (*Database, error) {
	mem, err := physmem.New(opts.Runs)
	if err != nil {
		return nil, err
	}
	db := &Database{
		mem:     mem,
		ceiling: opts.RefCountCeiling,
	}
	db.mu.Init(Class)
	if db.ceiling <= 0 {
		db.ceiling = DefaultRefCountCeiling
	}
	for l := range db.lists {
		db.lists[l] = list{head: Empty, tail: Empty}
	}
	runs := mem.Runs()
	if len(runs) > 0 {
		db.entries = make([]Entry, runs[len(runs)-1].End())
	}
	for _, r := range runs {
		for f := r.Base; f < r.End(); f++ {
			db.insert(ZeroedPageList, PFN(f))
		}
		db.total += r.Count
	}
	db.residentAvailable.Store(int64(db.total))
	log.Debugf("Frame database: %d frames in %d runs, ceiling %d", db.total, len(runs), db.ceiling)
	return db, nil
}

// Release releases the simulated RAM.
func (db *Database) Release() error {
	return db.mem.Release()
}

// Memory returns the simulated RAM contents.
func (db *Database) Memory() *physmem.Memory {
	return db.mem
}

// Lock acquires the database lock.
func (db *Database) Lock(h *locking.Held) {
	db.mu.Lock(h)
}

// TryLock acquires the database lock if it is free.
func (db *Database) TryLock(h *locking.Held) bool {
	return db.mu.TryLock(h)
}

// Unlock releases the database lock.
func (db *Database) Unlock(h *locking.Held) {
	db.mu.Unlock(h)
}

// assertLocked panics if h is tracked and does not hold the database lock.
func (db *Database) assertLocked(h *locking.Held) {
	if h != nil && !h.Holds(Class) {
		panic(fmt.Sprintf("frame database lock not held: %v", h))
	}
}

// IsIOSpace returns true if p has no database entry.
func (db *Database) IsIOSpace(p PFN) bool {
	return p == Empty || !db.mem.Contains(uint64(p))
}

// Entry returns the entry of RAM frame p. It panics for I/O space frames.
func (db *Database) Entry(p PFN) *Entry {
	if db.IsIOSpace(p) {
		panic(fmt.Sprintf("%v has no database entry", p))
	}
	return &db.entries[p]
}

// Total returns the number of RAM frames.
func (db *Database) Total() uint64 {
	return db.total
}

// Ceiling returns the reference count ceiling.
func (db *Database) Ceiling() int32 {
	return db.ceiling
}

// ResidentAvailable returns the number of RAM frames not pinned.
func (db *Database) ResidentAvailable() int64 {
	return db.residentAvailable.Load()
}

// LockedPages returns the number of outstanding locked-page charges.
func (db *Database) LockedPages() int64 {
	return db.lockedPages.Load()
}

// ListCount returns the number of frames on list l. The caller must hold
// the database lock.
func (db *Database) ListCount(h *locking.Held, l Location) uint64 {
	db.assertLocked(h)
	return db.lists[l].count
}

// insert appends p to list l.
func (db *Database) insert(l Location, p PFN) {
	e := &db.entries[p]
	lst := &db.lists[l]
	e.Location = l
	e.next = Empty
	e.prev = lst.tail
	if lst.tail == Empty {
		lst.head = p
	} else {
		db.entries[lst.tail].next = p
	}
	lst.tail = p
	lst.count++
}

// unlink removes p from whichever list holds it.
func (db *Database) unlink(p PFN) {
	e := &db.entries[p]
	if e.Location >= numLists {
		panic(fmt.Sprintf("%v is %v, not on a list", p, e.Location))
	}
	lst := &db.lists[e.Location]
	if e.prev == Empty {
		lst.head = e.next
	} else {
		db.entries[e.prev].next = e.next
	}
	if e.next == Empty {
		lst.tail = e.prev
	} else {
		db.entries[e.next].prev = e.prev
	}
	e.next, e.prev = Empty, Empty
	lst.count--
}

// forEachOnList calls fn for frames on list l in order until fn returns
// false. fn must not modify the list.
func (db *Database) forEachOnList(l Location, fn func(PFN) bool) {
	for p := db.lists[l].head; p != Empty; p = db.entries[p].next {
		if !fn(p) {
			return
		}
	}
}

// take removes free frame p from its list and makes it active with one
// allocation reference.
func (db *Database) take(p PFN) {
	e := &db.entries[p]
	wasZeroed := e.Location == ZeroedPageList
	db.unlink(p)
	if !wasZeroed {
		db.mem.Zero(uint64(p))
	}
	e.Location = ActiveAndValid
	e.Flags = 0
	e.CacheAttribute = hostarch.MemoryTypeCached
	e.PteAddress = PteAddress{}
	e.MapCount = 0
	e.refCount.Store(1)
	e.shareCount.Store(0)
}

// MarkBad moves free frame p to the bad list so that it is never allocated.
func (db *Database) MarkBad(h *locking.Held, p PFN) error {
	db.assertLocked(h)
	e := db.Entry(p)
	if e.Location != ZeroedPageList && e.Location != FreePageList {
		return fmt.Errorf("%v is %v: %w", p, e.Location, mmerr.ErrInvalidParameter)
	}
	db.unlink(p)
	db.insert(BadPageList, p)
	db.residentAvailable.Add(-1)
	return nil
}

// Stats is a snapshot of database counters.
type Stats struct {
	Total             uint64
	ResidentAvailable int64
	LockedPages       int64
	Zeroed            uint64
	Free              uint64
	Standby           uint64
	Modified          uint64
	Bad               uint64
}

// Stats returns a snapshot of the database counters.
func (db *Database) Stats(h *locking.Held) Stats {
	db.Lock(h)
	defer db.Unlock(h)
	return Stats{
		Total:             db.total,
		ResidentAvailable: db.residentAvailable.Load(),
		LockedPages:       db.lockedPages.Load(),
		Zeroed:            db.lists[ZeroedPageList].count,
		Free:              db.lists[FreePageList].count,
		Standby:           db.lists[StandbyPageList].count,
		Modified:          db.lists[ModifiedPageList].count,
		Bad:               db.lists[BadPageList].count,
	}
}
