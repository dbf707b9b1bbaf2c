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

// Package addrspace holds the per-address-space state the memory manager
// consults while locking and mapping pages: the page tables, the working-set
// lock that serializes their mutation, the physical view tree and the
// process' physical page pool.
//
// Lock order:
//
//	AWE region lock
//	  working-set lock
//	    pfn.Database lock
package addrspace

import (
	"context"
	"fmt"
	"sort"

	"gvisor.dev/mdl/pkg/atomicbitops"
	"gvisor.dev/mdl/pkg/errors/mmerr"
	"gvisor.dev/mdl/pkg/hostarch"
	"gvisor.dev/mdl/pkg/mm/commit"
	"gvisor.dev/mdl/pkg/mm/pagetables"
	"gvisor.dev/mdl/pkg/mm/pfn"
	"gvisor.dev/mdl/pkg/sync"
	"gvisor.dev/mdl/pkg/sync/locking"
)

// Lock classes. Ranks are derived from the frame database lock so that the
// nesting order above is enforced by the lock validator.
var (
	WorkingSetClass = locking.NewMutexClass("working-set", pfn.Class.Rank()-10)
	AWERegionClass  = locking.NewMutexClass("awe-region", pfn.Class.Rank()-20)
)

// Default placement of user mappings of locked pages.
const (
	UserMappingBase hostarch.Addr = 0x00007e00_00000000
	UserMappingEnd  hostarch.Addr = 0x00007f00_00000000
)

// Options configures a new AddressSpace.
type Options struct {
	// IdealNode selects the deferred unlock queue used for the space.
	IdealNode int

	// Commit is the process commit ledger. It may be nil.
	Commit *commit.Ledger

	// TableAllocator supplies frames for new table pages. It may be nil.
	TableAllocator pagetables.TableAllocator
}

// AddressSpace is one process address space, or the system space.
type AddressSpace struct {
	id     uint64
	user   bool
	node   int
	tables *pagetables.Tables
	commit *commit.Ledger

	// ws is the working-set lock. Holding it for reading keeps every valid
	// leaf entry valid and every share count of a frame mapped by this
	// space stable. It protects views.
	ws    locking.RWMutex
	views viewTree

	// numViews mirrors views.Len() for lock-free checks.
	numViews atomicbitops.Int32

	awe     *AWE
	aweOnce sync.Once

	// lockedPages is the number of locked-page charges held by MDLs that
	// describe this space.
	lockedPages atomicbitops.Int64

	// vaMu protects nextVA and freeVA. User mapping ranges below nextVA
	// are either in use or in freeVA, which is sorted and coalesced.
	vaMu   sync.Mutex
	nextVA hostarch.Addr
	freeVA []hostarch.AddrRange
}

var lastID atomicbitops.Uint64

// New returns a new user address space.
func New(opts Options) *AddressSpace {
	return newAddressSpace(lastID.Add(1), true, opts)
}

// NewSystem returns the system address space. Its ID is zero.
func NewSystem(opts Options) *AddressSpace {
	return newAddressSpace(0, false, opts)
}

func newAddressSpace(id uint64, user bool, opts Options) *AddressSpace {
	as := &AddressSpace{
		id:     id,
		user:   user,
		node:   opts.IdealNode,
		tables: pagetables.New(user, opts.TableAllocator),
		commit: opts.Commit,
		views:  newViewTree(),
		nextVA: UserMappingBase,
	}
	as.ws.Init(WorkingSetClass)
	return as
}

// ID implements mdl.Process.ID.
func (as *AddressSpace) ID() uint64 {
	return as.id
}

// IsUser returns true for process address spaces.
func (as *AddressSpace) IsUser() bool {
	return as.user
}

// IdealNode returns the node the space prefers.
func (as *AddressSpace) IdealNode() int {
	return as.node
}

// Tables returns the page tables.
func (as *AddressSpace) Tables() *pagetables.Tables {
	return as.tables
}

// Commit returns the process commit ledger, which may be nil.
func (as *AddressSpace) Commit() *commit.Ledger {
	return as.commit
}

// String implements fmt.Stringer.
func (as *AddressSpace) String() string {
	if !as.user {
		return "as(system)"
	}
	return fmt.Sprintf("as(%d)", as.id)
}

// LockWorkingSet acquires the working-set lock for writing.
func (as *AddressSpace) LockWorkingSet(h *locking.Held) {
	as.ws.Lock(h)
}

// UnlockWorkingSet releases the working-set lock held for writing.
func (as *AddressSpace) UnlockWorkingSet(h *locking.Held) {
	as.ws.Unlock(h)
}

// RLockWorkingSet acquires the working-set lock for reading.
func (as *AddressSpace) RLockWorkingSet(h *locking.Held) {
	as.ws.RLock(h)
}

// RUnlockWorkingSet releases the working-set lock held for reading.
func (as *AddressSpace) RUnlockWorkingSet(h *locking.Held) {
	as.ws.RUnlock(h)
}

// AddLockedPages adjusts the number of locked pages charged to the space.
func (as *AddressSpace) AddLockedPages(n int64) {
	if as.lockedPages.Add(n) < 0 {
		panic(fmt.Sprintf("%v locked page count underflow", as))
	}
}

// LockedPages returns the number of locked pages charged to the space.
func (as *AddressSpace) LockedPages() int64 {
	return as.lockedPages.Load()
}

// AllocateUserVA returns a user range of the given number of pages for
// mapping locked pages. The lowest released range that fits is reused
// before the window is extended.
func (as *AddressSpace) AllocateUserVA(pages uint64) (hostarch.Addr, error) {
	if !as.user {
		return 0, fmt.Errorf("%v has no user range: %w", as, mmerr.ErrInvalidParameter)
	}
	size := pages * hostarch.PageSize
	as.vaMu.Lock()
	defer as.vaMu.Unlock()
	for i, r := range as.freeVA {
		if r.Length() < size {
			continue
		}
		va := r.Start
		if r.Length() == size {
			as.freeVA = append(as.freeVA[:i], as.freeVA[i+1:]...)
		} else {
			as.freeVA[i].Start += hostarch.Addr(size)
		}
		return va, nil
	}
	va := as.nextVA
	end, ok := va.AddLength(size)
	if !ok || end > UserMappingEnd {
		return 0, fmt.Errorf("user mapping range of %v exhausted: %w", as, mmerr.ErrInsufficientResources)
	}
	as.nextVA = end
	return va, nil
}

// FreeUserVA returns a range obtained from AllocateUserVA.
func (as *AddressSpace) FreeUserVA(va hostarch.Addr, pages uint64) {
	if pages == 0 {
		return
	}
	r := hostarch.AddrRange{Start: va, End: va + hostarch.Addr(pages*hostarch.PageSize)}
	as.vaMu.Lock()
	defer as.vaMu.Unlock()
	if r.Start < UserMappingBase || r.End > as.nextVA {
		panic(fmt.Sprintf("%v: freeing %v outside the allocated user range", as, r))
	}
	i := sort.Search(len(as.freeVA), func(i int) bool { return as.freeVA[i].Start >= r.End })
	if i > 0 && as.freeVA[i-1].End > r.Start {
		panic(fmt.Sprintf("%v: freeing %v twice", as, r))
	}
	// Merge with the following and preceding free ranges.
	if i < len(as.freeVA) && as.freeVA[i].Start == r.End {
		r.End = as.freeVA[i].End
		as.freeVA = append(as.freeVA[:i], as.freeVA[i+1:]...)
	}
	if i > 0 && as.freeVA[i-1].End == r.Start {
		r.Start = as.freeVA[i-1].Start
		as.freeVA = append(as.freeVA[:i-1], as.freeVA[i:]...)
		i--
	}
	if r.End == as.nextVA {
		as.nextVA = r.Start
		return
	}
	as.freeVA = append(as.freeVA, hostarch.AddrRange{})
	copy(as.freeVA[i+1:], as.freeVA[i:])
	as.freeVA[i] = r
}

// contextID is this package's type for context.Context.Value keys.
type contextID int

const (
	// CtxAddressSpace is a Context.Value key for the current AddressSpace.
	CtxAddressSpace contextID = iota
)

// WithCurrent returns a context whose current address space is as.
func WithCurrent(ctx context.Context, as *AddressSpace) context.Context {
	return context.WithValue(ctx, CtxAddressSpace, as)
}

// FromContext returns the current address space of ctx, or nil if there is
// none.
func FromContext(ctx context.Context) *AddressSpace {
	if v := ctx.Value(CtxAddressSpace); v != nil {
		return v.(*AddressSpace)
	}
	return nil
}
