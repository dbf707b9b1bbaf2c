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

// Package mdl defines the memory descriptor list: a description of a virtual
// range together with the physical frames backing it once locked.
//
// An MDL is owned by its caller. The memory manager mutates only the fields
// it is handed for the duration of a lock, map or unlock operation; two
// operations on the same MDL must not run concurrently.
package mdl

import (
	"encoding/binary"
	"fmt"
	"strings"

	"gvisor.dev/mdl/pkg/errors/mmerr"
	"gvisor.dev/mdl/pkg/hostarch"
	"gvisor.dev/mdl/pkg/mm/pfn"
)

// Flags describe the state of an MDL.
type Flags uint32

// MDL flags.
const (
	// PagesLocked is set once the frame array may hold charged frames.
	PagesLocked Flags = 1 << iota

	// MappedToSystemVA is set while MappedSystemVA is a live mapping.
	MappedToSystemVA

	// WriteOperation records that the pages were locked for writing.
	WriteOperation

	// IOSpace is set if any frame has no database entry.
	IOSpace

	// DescribesAWE is set if the frames were locked through a process'
	// physical page pool.
	DescribesAWE

	// Partial MDLs describe a subrange of another MDL's frames.
	Partial

	// SourceIsNonPagedPool MDLs describe resident system memory that is
	// never locked or unlocked.
	SourceIsNonPagedPool

	// AllocatedPages MDLs describe frames obtained by AllocatePagesForMdl.
	AllocatedPages

	// MappingCanFail lets a mapping request fail instead of retrying.
	MappingCanFail

	// PartialHasBeenMapped is set on a partial MDL that was mapped.
	PartialHasBeenMapped

	// MappedToUserVA is set while the frames are mapped into a process.
	MappedToUserVA
)

var flagNames = []string{
	"PagesLocked", "MappedToSystemVA", "WriteOperation", "IOSpace", "DescribesAWE", "Partial",
	"SourceIsNonPagedPool", "AllocatedPages", "MappingCanFail", "PartialHasBeenMapped", "MappedToUserVA",
}

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

// Process identifies the address space an MDL's virtual range belongs to.
// It is satisfied by *addrspace.AddressSpace.
type Process interface {
	ID() uint64
}

// MDL is a memory descriptor list.
type MDL struct {
	// Process owns the virtual range, or is nil for system space.
	Process Process

	// StartVA is the page-aligned start of the described range.
	StartVA hostarch.Addr

	// ByteOffset is the offset of the first byte within the first page.
	ByteOffset uint64

	// ByteCount is the length of the described range in bytes.
	ByteCount uint64

	Flags Flags

	// MappedSystemVA is the address of the current system or user mapping
	// of the frames, including ByteOffset.
	MappedSystemVA hostarch.Addr

	// Pages has one slot per page spanned by the nominal range. A locked
	// MDL with fewer frames than slots is terminated by pfn.Empty.
	Pages []pfn.PFN
}

// New returns an unlocked MDL for [va, va+length) owned by process.
func New(process Process, va hostarch.Addr, length uint64) (*MDL, error) {
	if _, ok := va.AddLength(length); !ok {
		return nil, fmt.Errorf("range %v+%#x overflows: %w", va, length, mmerr.ErrInvalidParameter)
	}
	m := &MDL{}
	m.Initialize(process, va, length)
	return m, nil
}

// Initialize resets m to describe [va, va+length), reusing its frame array
// when it is large enough.
func (m *MDL) Initialize(process Process, va hostarch.Addr, length uint64) {
	n := hostarch.PagesSpanned(va, length)
	pages := m.Pages
	if uint64(cap(pages)) < n {
		pages = make([]pfn.PFN, n)
	}
	*m = MDL{
		Process:    process,
		StartVA:    va.RoundDown(),
		ByteOffset: va.PageOffset(),
		ByteCount:  length,
		Pages:      pages[:n],
	}
	for i := range m.Pages {
		m.Pages[i] = pfn.Empty
	}
}

// VirtualAddress returns the first byte described.
func (m *MDL) VirtualAddress() hostarch.Addr {
	return m.StartVA + hostarch.Addr(m.ByteOffset)
}

// Range returns the described byte range.
func (m *MDL) Range() hostarch.AddrRange {
	start := m.VirtualAddress()
	return hostarch.AddrRange{Start: start, End: start + hostarch.Addr(m.ByteCount)}
}

// PageCount returns the number of pages the nominal range spans.
func (m *MDL) PageCount() uint64 {
	return hostarch.PagesSpanned(m.VirtualAddress(), m.ByteCount)
}

// PageVA returns the virtual address of page i.
func (m *MDL) PageVA(i int) hostarch.Addr {
	return m.StartVA + hostarch.Addr(i)*hostarch.PageSize
}

// IsSystem returns true if the range lies in system space.
func (m *MDL) IsSystem() bool {
	return !m.StartVA.IsUser()
}

// Frames returns the populated prefix of the frame array: every frame up to
// the first pfn.Empty.
func (m *MDL) Frames() []pfn.PFN {
	for i, p := range m.Pages {
		if p == pfn.Empty {
			return m.Pages[:i]
		}
	}
	return m.Pages
}

// Terminate marks slot i and every later slot empty.
func (m *MDL) Terminate(i int) {
	for ; i < len(m.Pages); i++ {
		m.Pages[i] = pfn.Empty
	}
}

// MarkEmpty leaves m in the "nothing locked" state: the first slot empty and
// no lock flags.
func (m *MDL) MarkEmpty() {
	m.Terminate(0)
	m.Flags &^= PagesLocked | WriteOperation | IOSpace | DescribesAWE
}

// FrameSize is the stride of one frame number in the marshalled frame array.
const FrameSize = 8

// MarshalFrames encodes the frame array as fixed-stride native-endian frame
// numbers. The encoding is terminated by pfn.Empty when fewer frames than
// slots are populated.
func (m *MDL) MarshalFrames() []byte {
	frames := m.Frames()
	n := len(frames)
	if n < len(m.Pages) {
		n++
	}
	b := make([]byte, n*FrameSize)
	for i := 0; i < n; i++ {
		p := pfn.Empty
		if i < len(frames) {
			p = frames[i]
		}
		binary.NativeEndian.PutUint64(b[i*FrameSize:], uint64(p))
	}
	return b
}

// UnmarshalFrames decodes b into the frame array. Decoding stops at the
// first pfn.Empty; remaining slots are terminated.
func (m *MDL) UnmarshalFrames(b []byte) error {
	if len(b)%FrameSize != 0 {
		return fmt.Errorf("frame array length %d is not a multiple of %d: %w", len(b), FrameSize, mmerr.ErrInvalidParameter)
	}
	if len(b)/FrameSize > len(m.Pages) {
		return fmt.Errorf("%d frames for %d slots: %w", len(b)/FrameSize, len(m.Pages), mmerr.ErrInvalidParameter)
	}
	for i := 0; i < len(b)/FrameSize; i++ {
		p := pfn.PFN(binary.NativeEndian.Uint64(b[i*FrameSize:]))
		if p == pfn.Empty {
			m.Terminate(i)
			return nil
		}
		m.Pages[i] = p
	}
	m.Terminate(len(b) / FrameSize)
	return nil
}

// BuildPartial makes dst describe [va, va+length) of src, which must lie
// within src's range, sharing src's frames. dst is never locked or unlocked
// itself.
func BuildPartial(src, dst *MDL, va hostarch.Addr, length uint64) error {
	r := src.Range()
	sub, ok := va.ToRange(length)
	if !ok || !r.IsSupersetOf(sub) {
		return fmt.Errorf("%v is not within %v: %w", sub, r, mmerr.ErrInvalidParameter)
	}
	dst.Initialize(src.Process, va, length)
	first := int((va.RoundDown() - src.StartVA) / hostarch.PageSize)
	copy(dst.Pages, src.Pages[first:])
	dst.Flags = Partial | src.Flags&(IOSpace|WriteOperation|SourceIsNonPagedPool)
	return nil
}

// String implements fmt.Stringer.
func (m *MDL) String() string {
	return fmt.Sprintf("mdl{%v flags=%v frames=%d/%d}", m.Range(), m.Flags, len(m.Frames()), len(m.Pages))
}
