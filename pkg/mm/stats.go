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

	"gvisor.dev/mdl/pkg/mm/pfn"
	"gvisor.dev/mdl/pkg/mm/tracker"
	"gvisor.dev/mdl/pkg/sync/locking"
)

// Stats is a snapshot of memory manager state.
type Stats struct {
	Frames          pfn.Stats
	FreeSlots       uint32
	TotalSlots      uint32
	DeferredPending int
	DeferredDrained uint64
	Trackers        tracker.Snapshot
}

// String implements fmt.Stringer.
func (s Stats) String() string {
	return fmt.Sprintf("frames: total=%d available=%d locked=%d zeroed=%d free=%d standby=%d modified=%d bad=%d; slots: %d/%d free; deferred: %d pending, %d drained; %v",
		s.Frames.Total, s.Frames.ResidentAvailable, s.Frames.LockedPages,
		s.Frames.Zeroed, s.Frames.Free, s.Frames.Standby, s.Frames.Modified, s.Frames.Bad,
		s.FreeSlots, s.TotalSlots, s.DeferredPending, s.DeferredDrained, s.Trackers)
}

// Stats returns a snapshot of the memory manager's state.
func (mm *MemoryManager) Stats() Stats {
	s := Stats{
		Frames:     mm.db.Stats(&locking.Held{}),
		FreeSlots:  mm.slots.Free(),
		TotalSlots: mm.slots.Size(),
		Trackers:   mm.trackers.Snapshot(),
	}
	if mm.batcher != nil {
		s.DeferredPending = mm.batcher.Pending()
		s.DeferredDrained = mm.batcher.Drained()
	}
	return s
}

// ResidentAvailable returns the number of frames not pinned by a lock,
// after completing deferred unlocks.
func (mm *MemoryManager) ResidentAvailable() int64 {
	mm.DrainDeferredUnlocks()
	return mm.db.ResidentAvailable()
}

// LockedPages returns the number of outstanding locked-page charges, after
// completing deferred unlocks.
func (mm *MemoryManager) LockedPages() int64 {
	mm.DrainDeferredUnlocks()
	return mm.db.LockedPages()
}
