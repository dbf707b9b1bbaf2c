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

package pagetables

import (
	"gvisor.dev/mdl/pkg/atomicbitops"
	"gvisor.dev/mdl/pkg/hostarch"
	"gvisor.dev/mdl/pkg/sync"
)

// TableAllocator returns the frame to record in a directory entry for a newly
// created table page.
type TableAllocator func() uint64

type tableKey struct {
	level Level
	num   uint64
}

// table is one page of entries.
type table struct {
	entries [EntriesPerTable]atomicbitops.Uint64
}

// Tables is a sparse store of table pages for one address space.
//
// Table pages are created on first write and never freed; this keeps entry
// reads free of use-after-free concerns without reference counting table
// pages.
type Tables struct {
	user  bool
	alloc TableAllocator

	// mu protects the tables map. Entry values are accessed atomically.
	mu     sync.RWMutex
	tables map[tableKey]*table

	// nextFrame numbers table pages when alloc is nil.
	nextFrame atomicbitops.Uint64
}

// New returns an empty set of tables. user selects whether directory entries
// carry the Owner bit. alloc may be nil.
func New(user bool, alloc TableAllocator) *Tables {
	return &Tables{
		user:   user,
		alloc:  alloc,
		tables: make(map[tableKey]*table),
	}
}

func (t *Tables) lookup(e Entry) (*atomicbitops.Uint64, bool) {
	num, slot := e.table()
	t.mu.RLock()
	tbl, ok := t.tables[tableKey{e.Level, num}]
	t.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return &tbl.entries[slot], true
}

func (t *Tables) lookupOrCreate(e Entry) *atomicbitops.Uint64 {
	if p, ok := t.lookup(e); ok {
		return p
	}
	num, slot := e.table()
	key := tableKey{e.Level, num}
	t.mu.Lock()
	defer t.mu.Unlock()
	tbl, ok := t.tables[key]
	if !ok {
		tbl = new(table)
		t.tables[key] = tbl
	}
	return &tbl.entries[slot]
}

// ReadPte returns the value of e. Entries of tables that were never written
// read as zero.
func (t *Tables) ReadPte(e Entry) PTE {
	p, ok := t.lookup(e)
	if !ok {
		return 0
	}
	return PTE(p.Load())
}

// WritePte stores p into e.
func (t *Tables) WritePte(e Entry, p PTE) {
	t.lookupOrCreate(e).Store(uint64(p))
}

// CompareAndSwapPte replaces e's value with newPTE if it is still oldPTE.
func (t *Tables) CompareAndSwapPte(e Entry, oldPTE, newPTE PTE) bool {
	return t.lookupOrCreate(e).CompareAndSwap(uint64(oldPTE), uint64(newPTE))
}

// Invalidate zeroes e.
func (t *Tables) Invalidate(e Entry) {
	if p, ok := t.lookup(e); ok {
		p.Store(0)
	}
}

func (t *Tables) newTableFrame() uint64 {
	if t.alloc != nil {
		return t.alloc()
	}
	return t.nextFrame.Add(1)
}

// Ensure makes every directory entry above level valid for va, creating
// table pages as needed. Entries above level that map large pages are left
// in place, and Ensure returns false.
func (t *Tables) Ensure(va hostarch.Addr, level Level) bool {
	for l := PXELevel; l > level; l-- {
		e := EntryFor(l, va)
		p := t.ReadPte(e)
		if p.IsLarge() {
			return false
		}
		if !p.Valid() {
			t.CompareAndSwapPte(e, p, MakeTable(t.newTableFrame(), t.user))
		}
	}
	return true
}

// Map installs leaf entry p for va, creating intermediate tables.
func (t *Tables) Map(va hostarch.Addr, p PTE) Entry {
	t.Ensure(va, PTELevel)
	e := EntryFor(PTELevel, va)
	t.WritePte(e, p)
	return e
}

// MapLarge installs directory entry pde, which must be a large page entry,
// for the 2MiB page containing va.
func (t *Tables) MapLarge(va hostarch.Addr, pde PTE) Entry {
	t.Ensure(va, PDELevel)
	e := EntryFor(PDELevel, va)
	t.WritePte(e, pde)
	return e
}

// Walk descends the hierarchy for va and returns the entry at which the
// walk stopped with its value: the leaf entry, a large page directory
// entry, or the first directory entry that is not valid.
func (t *Tables) Walk(va hostarch.Addr) (Entry, PTE) {
	for l := PXELevel; l > PTELevel; l-- {
		e := EntryFor(l, va)
		p := t.ReadPte(e)
		if !p.Valid() || (l == PDELevel && p.IsLarge()) {
			return e, p
		}
	}
	e := EntryFor(PTELevel, va)
	return e, t.ReadPte(e)
}

// Translate returns the frame mapping va and the entry that maps it. ok is
// false if va has no valid translation.
func (t *Tables) Translate(va hostarch.Addr) (frame uint64, e Entry, p PTE, ok bool) {
	e, p = t.Walk(va)
	switch {
	case e.Level == PTELevel && p.Valid():
		return p.Frame(), e, p, true
	case e.Level == PDELevel && p.IsLarge():
		return LargePageFrame(p, va), e, p, true
	default:
		return 0, e, p, false
	}
}

// ForEachValid calls fn for every valid leaf entry in ar, in address order.
// It does not descend into large pages.
func (t *Tables) ForEachValid(ar hostarch.AddrRange, fn func(va hostarch.Addr, e Entry, p PTE)) {
	for va := ar.Start.RoundDown(); va < ar.End; va += hostarch.PageSize {
		e := EntryFor(PTELevel, va)
		if p := t.ReadPte(e); p.Valid() {
			fn(va, e, p)
		}
	}
}
