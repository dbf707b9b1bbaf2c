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
	"fmt"

	"gvisor.dev/mdl/pkg/hostarch"
)

// Level is a paging level. Leaf entries are at level PTELevel.
type Level uint8

// Paging levels, leaf first.
const (
	PTELevel Level = iota
	PDELevel
	PPELevel
	PXELevel

	// NumLevels is the number of paging levels.
	NumLevels = 4
)

const (
	// EntriesPerTable is the number of entries in one table page.
	EntriesPerTable = 512

	entryIndexBits = 9
	addrMask       = (1 << hostarch.VirtualAddressBits) - 1
	signBit        = 1 << (hostarch.VirtualAddressBits - 1)
)

// String implements fmt.Stringer.
func (l Level) String() string {
	switch l {
	case PTELevel:
		return "PTE"
	case PDELevel:
		return "PDE"
	case PPELevel:
		return "PPE"
	case PXELevel:
		return "PXE"
	default:
		return fmt.Sprintf("Level(%d)", uint8(l))
	}
}

// shift returns the number of address bits translated below level l.
func (l Level) shift() uint {
	return hostarch.PageShift + entryIndexBits*uint(l)
}

// Span returns the number of bytes of address space mapped by one entry at
// level l.
func (l Level) Span() uint64 {
	return 1 << l.shift()
}

// Entry is a handle naming one page table entry. Index is the entry's
// position among all entries of its level, so that consecutive handles at a
// level map consecutive address ranges.
type Entry struct {
	Level Level
	Index uint64
}

// String implements fmt.Stringer.
func (e Entry) String() string {
	return fmt.Sprintf("%v[%#x]", e.Level, e.Index)
}

// table returns the number of the table page holding e and e's slot in it.
func (e Entry) table() (uint64, int) {
	return e.Index / EntriesPerTable, int(e.Index % EntriesPerTable)
}

// Next returns the entry following e at the same level.
func (e Entry) Next() Entry {
	return Entry{Level: e.Level, Index: e.Index + 1}
}

// EntryFor returns the handle of the entry at level that maps va.
func EntryFor(level Level, va hostarch.Addr) Entry {
	return Entry{Level: level, Index: (uint64(va) & addrMask) >> level.shift()}
}

// Chain returns the entries at every level that map va, leaf first.
func Chain(va hostarch.Addr) [NumLevels]Entry {
	var c [NumLevels]Entry
	for l := PTELevel; l < NumLevels; l++ {
		c[l] = EntryFor(l, va)
	}
	return c
}

// VirtualAddressOf returns the first virtual address mapped by e, sign
// extended to canonical form.
func VirtualAddressOf(e Entry) hostarch.Addr {
	va := (e.Index << e.Level.shift()) & addrMask
	if va&signBit != 0 {
		va |= ^uint64(addrMask)
	}
	return hostarch.Addr(va)
}

// Parent returns the directory entry that maps the table holding e.
func Parent(e Entry) Entry {
	if e.Level == PXELevel {
		panic("top level entry has no parent")
	}
	return Entry{Level: e.Level + 1, Index: e.Index / EntriesPerTable}
}

// IsOnPDEBoundary returns true if leaf entry e is the first entry of its
// table, i.e. a linear scan reaching e has moved to a new directory entry.
func IsOnPDEBoundary(e Entry) bool {
	return e.Index%EntriesPerTable == 0
}

// IsOnPPEBoundary returns true if leaf entry e starts a new parent
// directory entry.
func IsOnPPEBoundary(e Entry) bool {
	return e.Index%(EntriesPerTable*EntriesPerTable) == 0
}

// IsOnPXEBoundary returns true if leaf entry e starts a new extended parent
// entry.
func IsOnPXEBoundary(e Entry) bool {
	return e.Index%(EntriesPerTable*EntriesPerTable*EntriesPerTable) == 0
}

// IsLargePage returns true if directory entry pde maps a large page.
func IsLargePage(pde PTE) bool {
	return pde.IsLarge()
}

// LargePageFrame returns the frame backing va within the large page mapped
// by pde.
func LargePageFrame(pde PTE, va hostarch.Addr) uint64 {
	return pde.Frame() + (uint64(va)>>hostarch.PageShift)%hostarch.PagesPerLargePage
}
