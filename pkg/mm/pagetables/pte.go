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

// Package pagetables models a four-level x86-64 style page-table hierarchy:
// the bit layout of an entry, the address arithmetic that maps a virtual
// address to the chain of entries translating it, and a sparse in-memory
// store of table pages.
//
// Nothing in this package takes locks on behalf of callers. Entries are read
// and written atomically; callers serialize mutation with the owning address
// space's working-set lock or, for system space, with their own allocator
// lock.
package pagetables

import (
	"fmt"

	"gvisor.dev/mdl/pkg/hostarch"
)

// PTE is a page table entry at any level.
type PTE uint64

// Hardware and software bits.
const (
	Valid        PTE = 1 << 0
	Write        PTE = 1 << 1
	Owner        PTE = 1 << 2
	WriteThrough PTE = 1 << 3
	CacheDisable PTE = 1 << 4
	Accessed     PTE = 1 << 5
	Dirty        PTE = 1 << 6
	LargePage    PTE = 1 << 7
	Global       PTE = 1 << 8

	// CopyOnWrite marks a read-only mapping of a private page that must be
	// copied before it is written.
	CopyOnWrite PTE = 1 << 9

	// Prototype marks an entry that refers to a shared prototype entry
	// rather than a frame.
	Prototype PTE = 1 << 10

	// Transition marks an invalid entry whose frame is still resident.
	Transition PTE = 1 << 11

	// WriteCombinePAT selects the write-combining PAT index. Real hardware
	// encodes this through the PAT/PCD/PWT triple; a single bit keeps the
	// model readable.
	WriteCombinePAT PTE = 1 << 52

	NoExecute PTE = 1 << 63
)

const (
	frameShift = hostarch.PageShift
	frameBits  = 40
	frameMask  = PTE((1<<frameBits)-1) << frameShift

	cacheMask = WriteThrough | CacheDisable | WriteCombinePAT
)

// MapOpts are the options for a valid mapping.
type MapOpts struct {
	Writable    bool
	User        bool
	Global      bool
	NoExecute   bool
	CopyOnWrite bool
	Dirty       bool
	Cache       hostarch.MemoryType
}

// MakeValid returns a valid leaf entry mapping frame f.
func MakeValid(f uint64, opts MapOpts) PTE {
	p := Valid | Accessed | PTE(f<<frameShift)&frameMask
	if opts.Writable {
		p |= Write
	}
	if opts.User {
		p |= Owner
	}
	if opts.Global {
		p |= Global
	}
	if opts.NoExecute {
		p |= NoExecute
	}
	if opts.CopyOnWrite {
		p |= CopyOnWrite
		p &^= Write
	}
	if opts.Dirty {
		p |= Dirty
	}
	return p.WithCache(opts.Cache)
}

// MakeLarge returns a valid directory entry mapping the large page starting
// at frame f. f must be aligned to hostarch.PagesPerLargePage.
func MakeLarge(f uint64, opts MapOpts) PTE {
	if f%hostarch.PagesPerLargePage != 0 {
		panic(fmt.Sprintf("large page frame %#x is not aligned", f))
	}
	return MakeValid(f, opts) | LargePage
}

// MakeTable returns a valid directory entry pointing at the table page in
// frame f.
func MakeTable(f uint64, user bool) PTE {
	p := Valid | Write | Accessed | PTE(f<<frameShift)&frameMask
	if user {
		p |= Owner
	}
	return p
}

// MakeTransition returns an invalid entry recording that frame f is still
// resident.
func MakeTransition(f uint64, opts MapOpts) PTE {
	return MakeValid(f, opts)&^(Valid|Accessed|Dirty) | Transition
}

// Frame returns the frame number field.
func (p PTE) Frame() uint64 {
	return uint64(p&frameMask) >> frameShift
}

// Valid returns true if the hardware would use p for translation.
func (p PTE) Valid() bool {
	return p&Valid != 0
}

// IsTransition returns true if p is invalid but names a resident frame.
func (p PTE) IsTransition() bool {
	return p&Valid == 0 && p&Transition != 0
}

// IsZero returns true if p is the empty entry.
func (p PTE) IsZero() bool {
	return p == 0
}

// IsLarge returns true if p is a valid directory entry mapping a large page.
func (p PTE) IsLarge() bool {
	return p&(Valid|LargePage) == Valid|LargePage
}

// Writable returns true if p allows stores.
func (p PTE) Writable() bool {
	return p&Write != 0
}

// IsCopyOnWrite returns true if p is a copy-on-write mapping.
func (p PTE) IsCopyOnWrite() bool {
	return p&CopyOnWrite != 0
}

// Owner returns true if p is accessible from user mode.
func (p PTE) Owner() bool {
	return p&Owner != 0
}

// Cache returns the memory type selected by p.
func (p PTE) Cache() hostarch.MemoryType {
	switch {
	case p&WriteCombinePAT != 0:
		return hostarch.MemoryTypeWriteCombine
	case p&CacheDisable != 0:
		return hostarch.MemoryTypeUncached
	default:
		return hostarch.MemoryTypeCached
	}
}

// WithCache returns p with its memory type replaced by mt.
func (p PTE) WithCache(mt hostarch.MemoryType) PTE {
	p &^= cacheMask
	switch mt {
	case hostarch.MemoryTypeWriteCombine:
		p |= WriteCombinePAT
	case hostarch.MemoryTypeUncached:
		p |= CacheDisable | WriteThrough
	}
	return p
}

// String implements fmt.Stringer.
func (p PTE) String() string {
	var state string
	switch {
	case p.IsZero():
		return "pte(0)"
	case p.IsLarge():
		state = "large"
	case p.Valid():
		state = "valid"
	case p.IsTransition():
		state = "transition"
	default:
		state = "invalid"
	}
	w := "r"
	if p.Writable() {
		w = "w"
	} else if p.IsCopyOnWrite() {
		w = "c"
	}
	u := "k"
	if p.Owner() {
		u = "u"
	}
	return fmt.Sprintf("pte(%s %s%s %s frame=%#x)", state, w, u, p.Cache().ShortString(), p.Frame())
}
