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

package pfn

import (
	"fmt"

	"gvisor.dev/mdl/pkg/errors/mmerr"
	"gvisor.dev/mdl/pkg/hostarch"
	"gvisor.dev/mdl/pkg/log"
	"gvisor.dev/mdl/pkg/sync/locking"
)

// Constraints select the frames an allocation may return.
type Constraints struct {
	// Count is the number of frames wanted.
	Count uint64

	// Low and High bound the acceptable frames, inclusive. A zero High
	// means no upper bound.
	Low, High PFN

	// Boundary, in frames, is a power of two that a contiguous allocation
	// must not cross. Zero means no boundary.
	Boundary uint64

	// Contiguous requires physically contiguous frames.
	Contiguous bool

	// Cache is the memory type the frames will be mapped with. Frames that
	// must be cached are skipped for other types.
	Cache hostarch.MemoryType

	// Partial accepts fewer than Count frames.
	Partial bool
}

// String implements fmt.Stringer.
func (c Constraints) String() string {
	return fmt.Sprintf("{count=%d window=[%#x, %#x] boundary=%#x contiguous=%t cache=%v partial=%t}", c.Count, uint64(c.Low), uint64(c.High), c.Boundary, c.Contiguous, c.Cache, c.Partial)
}

func (c Constraints) inWindow(p PFN) bool {
	return p >= c.Low && (c.High == 0 || p <= c.High)
}

// ListAllocator hands out frames from the zeroed and free lists of a
// database. Returned frames are active with one reference.
type ListAllocator struct {
	db *Database
}

// NewListAllocator returns an allocator over db.
func NewListAllocator(db *Database) *ListAllocator {
	return &ListAllocator{db: db}
}

func (a *ListAllocator) eligible(c Constraints, p PFN) bool {
	e := &a.db.entries[p]
	if e.Location != ZeroedPageList && e.Location != FreePageList {
		return false
	}
	if !c.inWindow(p) {
		return false
	}
	return c.Cache == hostarch.MemoryTypeCached || e.Flags&MustBeCached == 0
}

// AcquireFrames returns frames satisfying c. The caller must not hold the
// database lock.
func (a *ListAllocator) AcquireFrames(h *locking.Held, c Constraints) ([]PFN, error) {
	if c.Count == 0 {
		return nil, nil
	}
	if c.Boundary != 0 && (c.Boundary&(c.Boundary-1) != 0 || (c.Contiguous && c.Count > c.Boundary)) {
		return nil, fmt.Errorf("boundary %#x for %d frames: %w", c.Boundary, c.Count, mmerr.ErrInvalidParameter)
	}
	a.db.Lock(h)
	defer a.db.Unlock(h)

	var frames []PFN
	if c.Contiguous {
		frames = a.findContiguous(c)
	} else {
		frames = a.findScattered(c)
	}
	if uint64(len(frames)) < c.Count && (!c.Partial || len(frames) == 0) {
		log.Debugf("Frame allocation %v failed: %d of %d frames available", c, len(frames), c.Count)
		return nil, fmt.Errorf("allocating %d frames: %w", c.Count, mmerr.ErrInsufficientResources)
	}
	for i, p := range frames {
		a.db.take(p)
		if c.Contiguous {
			if i == 0 {
				a.db.entries[p].Flags |= StartOfAllocation
			}
			if i == len(frames)-1 {
				a.db.entries[p].Flags |= EndOfAllocation
			}
		}
	}
	return frames, nil
}

func (a *ListAllocator) findScattered(c Constraints) []PFN {
	var frames []PFN
	for _, l := range []Location{ZeroedPageList, FreePageList} {
		a.db.forEachOnList(l, func(p PFN) bool {
			if a.eligible(c, p) {
				frames = append(frames, p)
			}
			return uint64(len(frames)) < c.Count
		})
		if uint64(len(frames)) == c.Count {
			break
		}
	}
	return frames
}

func (a *ListAllocator) findContiguous(c Constraints) []PFN {
	for _, r := range a.db.mem.Runs() {
		var start PFN
		n := uint64(0)
		for f := PFN(r.Base); f < PFN(r.End()); f++ {
			if n > 0 && c.Boundary != 0 && uint64(f)%c.Boundary == 0 {
				n = 0
			}
			if !a.eligible(c, f) {
				n = 0
				continue
			}
			if n == 0 {
				start = f
			}
			n++
			if n == c.Count {
				frames := make([]PFN, 0, c.Count)
				for p := start; p <= f; p++ {
					frames = append(frames, p)
				}
				return frames
			}
		}
	}
	return nil
}

// ReleaseFrames drops the allocation reference of frames, freeing any that
// are no longer referenced. The caller must not hold the database lock.
func (a *ListAllocator) ReleaseFrames(h *locking.Held, frames []PFN) {
	a.db.Lock(h)
	defer a.db.Unlock(h)
	for _, p := range frames {
		a.db.MarkDeletePending(h, p)
		a.db.DecrementReferenceCount(h, p)
	}
}
