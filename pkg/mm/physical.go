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
	"gvisor.dev/mdl/pkg/mm/pfn"
	"gvisor.dev/mdl/pkg/mm/syspte"
	"gvisor.dev/mdl/pkg/mm/tracker"
	"gvisor.dev/mdl/pkg/sync/locking"
)

// MapPhysical maps size bytes of physical memory at pa into system space
// and returns the address of pa in the mapping. RAM frames in the range
// must be in use.
//
// Mapping I/O space invalidates every lock operation in flight, which then
// restarts.
func (mm *MemoryManager) MapPhysical(pa, size uint64, req hostarch.MemoryType) (hostarch.Addr, error) {
	if size == 0 {
		return 0, fmt.Errorf("mapping zero bytes at %#x: %w", pa, mmerr.ErrInvalidParameter)
	}
	if _, ok := hostarch.Addr(pa).AddLength(size); !ok {
		return 0, fmt.Errorf("physical range %#x+%#x wraps: %w", pa, size, mmerr.ErrInvalidParameter)
	}
	base := pfn.FromAddr(pa)
	n := hostarch.PagesSpanned(hostarch.Addr(pa), size)
	frames := make([]pfn.PFN, n)
	for i := range frames {
		frames[i] = base + pfn.PFN(i)
	}

	h := &locking.Held{}
	r, ok := mm.slots.Reserve(n)
	if !ok {
		mm.warn.Warningf("No system mapping slots for %d pages of physical memory at %#x", n, pa)
		return 0, fmt.Errorf("reserving %d system mapping slots: %w", n, mmerr.ErrInsufficientResources)
	}
	types, err := mm.resolveFrames(h, frames, req)
	if err != nil {
		mm.slots.Release(r)
		return 0, err
	}
	mm.writeSystemPTEs(r, frames, types)
	mm.trackers.IOMappings.Add(tracker.IOMappingRecord{
		VA:      r.Start,
		BasePFN: uint64(base),
		Pages:   n,
		Type:    types[0],
	})
	if runs := mm.ioRuns(frames); len(runs) > 0 {
		for _, run := range runs {
			if mm.trackers.IOSpace.InFlight(uint64(run.base), run.pages) {
				mm.warn.Warningf("Mapping I/O space %v+%d while a lock of it is in progress", run.base, run.pages)
			}
		}
		mm.trackers.IOSpace.Bump()
	}
	return r.Start + hostarch.Addr(hostarch.Addr(pa).PageOffset()), nil
}

// UnmapPhysical removes a mapping established by MapPhysical. addr and size
// must be those of the mapping.
func (mm *MemoryManager) UnmapPhysical(addr hostarch.Addr, size uint64) {
	n := hostarch.PagesSpanned(addr, size)
	r := syspte.Range{Start: addr.RoundDown(), Pages: n}
	mm.trackers.IOMappings.Remove(r.Start, n)
	if n == 0 || !mm.slots.IsReserved(r) {
		mmerr.BugCheck(mmerr.UnmapOfUnmappedIOSpace, uint64(addr), size)
	}
	old := mm.clearSystemPTEs(r)
	frames := make([]pfn.PFN, len(old))
	for i, pte := range old {
		if !pte.Valid() {
			mmerr.BugCheck(mmerr.UnmapOfUnmappedIOSpace, uint64(r.Page(i)), uint64(pte))
		}
		frames[i] = pfn.PFN(pte.Frame())
	}
	mm.slots.Release(r)
	mm.unresolveFrames(&locking.Held{}, frames)
	if len(mm.ioRuns(frames)) > 0 {
		mm.trackers.IOSpace.Bump()
	}
}
