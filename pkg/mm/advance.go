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

package mm

import (
	"fmt"

	"gvisor.dev/mdl/pkg/errors/mmerr"
	"gvisor.dev/mdl/pkg/hostarch"
	"gvisor.dev/mdl/pkg/mm/mdl"
	"gvisor.dev/mdl/pkg/mm/pfn"
	"gvisor.dev/mdl/pkg/sync/locking"
)

// AdvanceMdl moves the start of m forward by n bytes, releasing the frames
// of any whole pages left behind. m must not be mapped.
func (mm *MemoryManager) AdvanceMdl(m *mdl.MDL, n uint64) error {
	if m.Flags&(mdl.MappedToSystemVA|mdl.MappedToUserVA) != 0 {
		return fmt.Errorf("advancing mapped %v: %w", m, mmerr.ErrInvalidParameter)
	}
	if n > m.ByteCount {
		return fmt.Errorf("advancing %v by %#x: %w", m, n, mmerr.ErrInvalidParameter)
	}
	if n == 0 {
		return nil
	}
	va := m.VirtualAddress() + hostarch.Addr(n)
	drop := int((va.RoundDown() - m.StartVA) / hostarch.PageSize)
	if n == m.ByteCount {
		// Nothing is left, including the page holding the old end.
		drop = len(m.Pages)
	}
	frames := m.Frames()
	if gone := frames[:min(drop, len(frames))]; len(gone) > 0 {
		h := &locking.Held{}
		switch {
		case m.Flags&mdl.AllocatedPages != 0:
			mm.freeAllocated(h, gone)
		case m.Flags&mdl.PagesLocked != 0:
			mm.releaseLockedFrames(h, m, gone)
		}
	}

	// Slots past the populated prefix are all empty, so shifting keeps the
	// array terminated.
	copy(m.Pages, m.Pages[drop:])
	m.StartVA = va.RoundDown()
	m.ByteOffset = va.PageOffset()
	m.ByteCount -= n
	m.Pages = m.Pages[:m.PageCount()]
	return nil
}

// releaseLockedFrames releases frames locked into m ahead of m's unlock.
func (mm *MemoryManager) releaseLockedFrames(h *locking.Held, m *mdl.MDL, frames []pfn.PFN) {
	as := mm.spaceOf(m)
	if m.Flags&mdl.DescribesAWE != 0 {
		mm.dropAWE(h, frames)
		as.AddLockedPages(-int64(len(frames)))
		return
	}
	ram := ramFrames(mm.db, frames)
	if len(ram) == 0 {
		return
	}
	write := m.Flags&mdl.WriteOperation != 0
	mm.db.Lock(h)
	for _, p := range ram {
		mm.db.RemoveLockedPageChargeAndDecRef(h, p, write)
	}
	mm.db.Unlock(h)
	as.AddLockedPages(-int64(len(ram)))
}
