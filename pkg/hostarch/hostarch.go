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

// Package hostarch describes the virtual address layout, page geometry and
// access vocabulary shared by every memory-management package.
package hostarch

const (
	// PageShift is the binary log of the system page size.
	PageShift = 12

	// PageSize is the system page size.
	PageSize = 1 << PageShift

	// PageMask is the mask of offset bits within a page.
	PageMask = PageSize - 1

	// LargePageShift is the binary log of the size of a page mapped by a
	// single directory entry.
	LargePageShift = 21

	// LargePageSize is the size of a page mapped by a single directory
	// entry.
	LargePageSize = 1 << LargePageShift

	// PagesPerLargePage is the number of small pages covered by one large
	// page.
	PagesPerLargePage = LargePageSize / PageSize

	// VirtualAddressBits is the number of implemented virtual address bits
	// with four paging levels.
	VirtualAddressBits = 48
)

const (
	// HighestUserAddress is the highest byte addressable from user mode.
	HighestUserAddress Addr = 0x00007fff_fffeffff

	// UserProbeAddress is the first address above the user-addressable
	// range. Probes at or above it from user mode always fail.
	UserProbeAddress Addr = 0x00007fff_ffff0000

	// SystemRangeStart is the lowest canonical system-space address.
	SystemRangeStart Addr = 0xffff8000_00000000
)

// AccessMode is the privilege level at which an address is probed.
type AccessMode uint8

const (
	// KernelMode probes with system privileges.
	KernelMode AccessMode = iota

	// UserMode probes with the privileges of the owning process.
	UserMode
)

// String implements fmt.Stringer.
func (m AccessMode) String() string {
	if m == KernelMode {
		return "KernelMode"
	}
	return "UserMode"
}

// Operation is the intended use of locked pages.
type Operation uint8

const (
	// ReadAccess locks pages that will only be read.
	ReadAccess Operation = iota

	// WriteAccess locks pages that will be written.
	WriteAccess

	// ModifyAccess locks pages that will be read and written.
	ModifyAccess
)

// IsWrite returns true if the operation may store to the pages.
func (op Operation) IsWrite() bool {
	return op != ReadAccess
}

// String implements fmt.Stringer.
func (op Operation) String() string {
	switch op {
	case ReadAccess:
		return "IoReadAccess"
	case WriteAccess:
		return "IoWriteAccess"
	default:
		return "IoModifyAccess"
	}
}

// PagesSpanned returns the number of pages touched by the byte range
// [addr, addr+length).
func PagesSpanned(addr Addr, length uint64) uint64 {
	if length == 0 {
		return 0
	}
	return (uint64(addr.PageOffset()) + length + PageMask) >> PageShift
}

// BytesToPages rounds length up to a whole number of pages.
func BytesToPages(length uint64) uint64 {
	return (length + PageMask) >> PageShift
}
