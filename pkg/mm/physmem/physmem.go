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

// Package physmem simulates the contents of physical RAM.
//
// RAM is described as a set of runs of frame numbers. The contents of every
// run are backed by one anonymous host mapping, so touching a frame reads and
// writes real memory.
package physmem

import (
	"fmt"
	"sort"

	"golang.org/x/sys/unix"
	"gvisor.dev/mdl/pkg/hostarch"
)

// Run is a contiguous range of RAM frames [Base, Base+Count).
type Run struct {
	Base  uint64 `toml:"base"`
	Count uint64 `toml:"count"`
}

// End returns the first frame after r.
func (r Run) End() uint64 {
	return r.Base + r.Count
}

// Contains returns true if frame lies in r.
func (r Run) Contains(frame uint64) bool {
	return r.Base <= frame && frame < r.End()
}

// String implements fmt.Stringer.
func (r Run) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Base, r.End())
}

// Memory is the simulated content of all RAM runs.
type Memory struct {
	runs []Run

	// offsets[i] is the page offset of runs[i] within data.
	offsets []uint64
	data    []byte
}

// SortRuns sorts runs by base frame and validates that they do not overlap.
func SortRuns(runs []Run) ([]Run, error) {
	sorted := append([]Run(nil), runs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Base < sorted[j].Base })
	for i, r := range sorted {
		if r.Count == 0 {
			return nil, fmt.Errorf("empty RAM run at %#x", r.Base)
		}
		if i > 0 && sorted[i-1].End() > r.Base {
			return nil, fmt.Errorf("RAM runs %v and %v overlap", sorted[i-1], r)
		}
	}
	return sorted, nil
}

// New maps backing memory for runs.
func New(runs []Run) (*Memory, error) {
	sorted, err := SortRuns(runs)
	if err != nil {
		return nil, err
	}
	m := &Memory{runs: sorted}
	var pages uint64
	for _, r := range sorted {
		m.offsets = append(m.offsets, pages)
		pages += r.Count
	}
	if pages == 0 {
		return m, nil
	}
	data, err := unix.Mmap(-1, 0, int(pages*hostarch.PageSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("mapping %d pages of simulated RAM: %w", pages, err)
	}
	m.data = data
	return m, nil
}

// Release unmaps the backing memory.
func (m *Memory) Release() error {
	if m.data == nil {
		return nil
	}
	data := m.data
	m.data = nil
	return unix.Munmap(data)
}

// Runs returns the RAM runs in frame order.
func (m *Memory) Runs() []Run {
	return m.runs
}

// Contains returns true if frame is RAM.
func (m *Memory) Contains(frame uint64) bool {
	_, ok := m.index(frame)
	return ok
}

func (m *Memory) index(frame uint64) (int, bool) {
	i := sort.Search(len(m.runs), func(i int) bool { return m.runs[i].End() > frame })
	if i < len(m.runs) && m.runs[i].Contains(frame) {
		return i, true
	}
	return 0, false
}

// Page returns the contents of frame. It panics if frame is not RAM.
func (m *Memory) Page(frame uint64) []byte {
	i, ok := m.index(frame)
	if !ok || m.data == nil {
		panic(fmt.Sprintf("frame %#x is not RAM", frame))
	}
	off := (m.offsets[i] + frame - m.runs[i].Base) * hostarch.PageSize
	return m.data[off : off+hostarch.PageSize : off+hostarch.PageSize]
}

// Touch reads the byte at offset within frame and, if write is set, stores it
// back. This is the access that a residency probe performs.
func (m *Memory) Touch(frame uint64, offset uint64, write bool) byte {
	p := m.Page(frame)
	b := p[offset%hostarch.PageSize]
	if write {
		p[offset%hostarch.PageSize] = b
	}
	return b
}

// Zero clears frame.
func (m *Memory) Zero(frame uint64) {
	clear(m.Page(frame))
}

// Copy copies the contents of frame src to frame dst.
func (m *Memory) Copy(dst, src uint64) {
	copy(m.Page(dst), m.Page(src))
}
