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

// Package pfn implements the physical frame database: one entry per RAM
// frame, indexed by frame number, carrying reference and share counts, the
// frame's location, its cache attribute and the locked-page charge
// bookkeeping.
//
// Lock order: Class is the innermost lock of the memory manager. It may be
// taken while holding a working-set lock, never the reverse.
package pfn

import (
	"fmt"
	"strings"

	"gvisor.dev/mdl/pkg/atomicbitops"
	"gvisor.dev/mdl/pkg/hostarch"
	"gvisor.dev/mdl/pkg/mm/pagetables"
	"gvisor.dev/mdl/pkg/sync/locking"
)

// PFN is a physical frame number.
type PFN uint64

// Empty terminates a partially filled frame array.
const Empty PFN = ^PFN(0)

// Addr returns the physical address of the first byte of p.
func (p PFN) Addr() uint64 {
	return uint64(p) << hostarch.PageShift
}

// String implements fmt.Stringer.
func (p PFN) String() string {
	if p == Empty {
		return "pfn(empty)"
	}
	return fmt.Sprintf("pfn(%#x)", uint64(p))
}

// FromAddr returns the frame containing physical address pa.
func FromAddr(pa uint64) PFN {
	return PFN(pa >> hostarch.PageShift)
}

// Class is the lock class of the frame database lock.
var Class = locking.NewMutexClass("pfn", 30)

// Location is the state of a frame.
type Location uint8

// Frame locations. The list locations double as list indices.
const (
	ZeroedPageList Location = iota
	FreePageList
	StandbyPageList
	ModifiedPageList
	BadPageList
	numLists

	// ActiveAndValid frames are in use and not on any list.
	ActiveAndValid

	// Transition frames are resident, not mapped valid, and not on any
	// list; typically a read or write is in progress.
	Transition
)

var locationNames = [...]string{
	ZeroedPageList:   "Zeroed",
	FreePageList:     "Free",
	StandbyPageList:  "Standby",
	ModifiedPageList: "Modified",
	BadPageList:      "Bad",
	ActiveAndValid:   "ActiveAndValid",
	Transition:       "Transition",
}

// String implements fmt.Stringer.
func (l Location) String() string {
	if int(l) < len(locationNames) {
		return locationNames[l]
	}
	return fmt.Sprintf("Location(%d)", uint8(l))
}

// Flags are per-frame attributes protected by the database lock.
type Flags uint16

// Frame flags.
const (
	// Prototype frames are mapped through shared prototype entries.
	Prototype Flags = 1 << iota

	// StartOfAllocation and EndOfAllocation bracket a contiguous
	// allocation.
	StartOfAllocation
	EndOfAllocation

	// Modified frames must be written back before reuse.
	Modified

	// MustBeCached frames may only be mapped cached, for instance
	// because a large page covering them is mapped cached.
	MustBeCached

	// Privileged frames back privileged code or data; their locked charge
	// may bypass the reference-count ceiling.
	Privileged

	// CommitCharged frames were charged against the commit ledger when
	// allocated.
	CommitCharged

	// AWE frames are owned by a process' physical page pool.
	AWE

	// DeletePending frames return to the free list when their last
	// reference is dropped.
	DeletePending
)

var flagNames = []string{"Prototype", "StartOfAllocation", "EndOfAllocation", "Modified", "MustBeCached", "Privileged", "CommitCharged", "AWE", "DeletePending"}

// String implements fmt.Stringer.
func (f Flags) String() string {
	if f == 0 {
		return "0"
	}
	var names []string
	for i, n := range flagNames {
		if f&(1<<i) != 0 {
			names = append(names, n)
		}
	}
	return strings.Join(names, "|")
}

// PteAddress records the entry that maps a frame.
type PteAddress struct {
	// Space identifies the address space whose tables hold Entry.
	Space uint64
	Entry pagetables.Entry
	Set   bool
}

// Entry is the metadata of one frame.
//
// The counts are atomic so that the lock-free paths (AWE references and the
// same-process unlock fast path) can adjust them; every transition of the
// reference count to zero happens under the database lock.
type Entry struct {
	refCount   atomicbitops.Int32
	shareCount atomicbitops.Int32
	lockedRefs atomicbitops.Int32
	aweRefs    atomicbitops.Int32

	// The following fields are protected by the database lock.

	// Location is the frame's state.
	Location Location

	// CacheAttribute is the memory type all mappings of the frame use.
	CacheAttribute hostarch.MemoryType

	Flags Flags

	// PteAddress is the entry mapping the frame, if any.
	PteAddress PteAddress

	// MapCount is the number of MDL mappings of the frame outside its
	// owning working set.
	MapCount int32

	// next and prev link the frame into its list.
	next, prev PFN
}

// RefCount returns the reference count.
func (e *Entry) RefCount() int32 {
	return e.refCount.Load()
}

// ShareCount returns the number of working-set mappings of the frame.
func (e *Entry) ShareCount() int32 {
	return e.shareCount.Load()
}

// LockedRefs returns the number of locked-page charges held on the frame.
func (e *Entry) LockedRefs() int32 {
	return e.lockedRefs.Load()
}

// AWERefCount returns the AWE reference count. It is one while the frame is
// owned by a physical page pool and one more per outstanding AWE lock.
func (e *Entry) AWERefCount() int32 {
	return e.aweRefs.Load()
}

// IsMapped returns true if the frame has any working-set or MDL mapping.
// The caller must hold the database lock.
func (e *Entry) IsMapped() bool {
	return e.shareCount.Load() != 0 || e.MapCount != 0
}
