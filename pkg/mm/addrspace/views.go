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

package addrspace

import (
	"fmt"

	"github.com/google/btree"

	"gvisor.dev/mdl/pkg/errors/mmerr"
	"gvisor.dev/mdl/pkg/hostarch"
	"gvisor.dev/mdl/pkg/mm/mdl"
	"gvisor.dev/mdl/pkg/sync/locking"
)

// ViewKind is the kind of physical mapping a view describes.
type ViewKind uint8

// View kinds.
const (
	// DevicePhysicalMemory views map locked pages or device memory into
	// the process.
	DevicePhysicalMemory ViewKind = iota

	// AWERegion views are regular windows onto the physical page pool.
	AWERegion

	// LargePageRegion views are pool windows mapped with large pages.
	LargePageRegion

	// RotatePhysical views alternate between pool frames and ordinary
	// memory.
	RotatePhysical
)

// String implements fmt.Stringer.
func (k ViewKind) String() string {
	switch k {
	case DevicePhysicalMemory:
		return "DevicePhysicalMemory"
	case AWERegion:
		return "AWERegion"
	case LargePageRegion:
		return "LargePageRegion"
	case RotatePhysical:
		return "RotatePhysical"
	default:
		return fmt.Sprintf("ViewKind(%d)", uint8(k))
	}
}

// View associates a virtual page range of a process with a physical
// mapping kind.
type View struct {
	// StartVPN and EndVPN bound the view's pages, [StartVPN, EndVPN).
	StartVPN uint64
	EndVPN   uint64

	Kind ViewKind

	// MDL is the descriptor whose frames a DevicePhysicalMemory view maps.
	MDL *mdl.MDL
}

// Range returns the view's address range.
func (v *View) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: hostarch.AddrFromVPN(v.StartVPN), End: hostarch.AddrFromVPN(v.EndVPN)}
}

// Pages returns the number of pages in the view.
func (v *View) Pages() uint64 {
	return v.EndVPN - v.StartVPN
}

// String implements fmt.Stringer.
func (v *View) String() string {
	return fmt.Sprintf("%v %v", v.Kind, v.Range())
}

type viewTree struct {
	*btree.BTreeG[*View]
}

func newViewTree() viewTree {
	return viewTree{btree.NewG(8, func(a, b *View) bool {
		return a.StartVPN < b.StartVPN
	})}
}

// floor returns the view with the greatest start at or below vpn.
func (t viewTree) floor(vpn uint64) (*View, bool) {
	var found *View
	t.DescendLessOrEqual(&View{StartVPN: vpn}, func(v *View) bool {
		found = v
		return false
	})
	return found, found != nil
}

func (as *AddressSpace) assertWorkingSetLocked(h *locking.Held) {
	if h != nil && !h.Holds(WorkingSetClass) {
		panic(fmt.Sprintf("working-set lock of %v not held: %v", as, h))
	}
}

// InsertView adds v. It fails with ErrConflictingAddresses if v overlaps an
// existing view. The caller must hold the working-set lock for writing.
func (as *AddressSpace) InsertView(h *locking.Held, v *View) error {
	as.assertWorkingSetLocked(h)
	if v.EndVPN <= v.StartVPN {
		return fmt.Errorf("empty view %v: %w", v, mmerr.ErrInvalidParameter)
	}
	if prev, ok := as.views.floor(v.EndVPN - 1); ok && prev.EndVPN > v.StartVPN {
		return fmt.Errorf("view %v overlaps %v: %w", v, prev, mmerr.ErrConflictingAddresses)
	}
	as.views.ReplaceOrInsert(v)
	as.numViews.Add(1)
	return nil
}

// RemoveView removes the view starting at va. The caller must hold the
// working-set lock for writing.
func (as *AddressSpace) RemoveView(h *locking.Held, va hostarch.Addr) (*View, bool) {
	as.assertWorkingSetLocked(h)
	v, ok := as.views.Delete(&View{StartVPN: va.VPN()})
	if ok {
		as.numViews.Add(-1)
	}
	return v, ok
}

// FindView returns the view containing va. The caller must hold the
// working-set lock.
func (as *AddressSpace) FindView(h *locking.Held, va hostarch.Addr) (*View, bool) {
	as.assertWorkingSetLocked(h)
	v, ok := as.views.floor(va.VPN())
	if !ok || va.VPN() >= v.EndVPN {
		return nil, false
	}
	return v, true
}

// HasViews returns true if the space has any physical view. It may be
// called without locks as a hint.
func (as *AddressSpace) HasViews() bool {
	return as.numViews.Load() != 0
}

// Views returns the views in address order. The caller must hold the
// working-set lock.
func (as *AddressSpace) Views(h *locking.Held) []*View {
	as.assertWorkingSetLocked(h)
	views := make([]*View, 0, as.views.Len())
	as.views.Ascend(func(v *View) bool {
		views = append(views, v)
		return true
	})
	return views
}
