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

package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"

	"gvisor.dev/mdl/pkg/hostarch"
	"gvisor.dev/mdl/pkg/mm/addrspace"
	"gvisor.dev/mdl/pkg/mm/cacheattr"
	"gvisor.dev/mdl/pkg/mm/mdl"
	"gvisor.dev/mdl/pkg/mm/mmtest"
	"gvisor.dev/mdl/pkg/mm/pfn"
)

// scenarioBase is the user address scenarios place their regions at.
const scenarioBase hostarch.Addr = 0x10000

// A Scenario replays a fixed sequence of operations against a fresh machine,
// printing what happens and failing if an outcome is not the documented one.
type Scenario struct {
	Name        string
	Description string
	Run         func(ctx context.Context, mach *mmtest.Machine, w io.Writer) error
}

var scenarios = map[string]Scenario{}

func register(s Scenario) {
	if _, ok := scenarios[s.Name]; ok {
		panic(fmt.Sprintf("duplicate scenario %q", s.Name))
	}
	scenarios[s.Name] = s
}

// Scenarios returns every scenario sorted by name.
func Scenarios() []Scenario {
	all := make([]Scenario, 0, len(scenarios))
	for _, s := range scenarios {
		all = append(all, s)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all
}

// FindScenario returns the scenario called name.
func FindScenario(name string) (Scenario, bool) {
	s, ok := scenarios[name]
	return s, ok
}

func init() {
	register(Scenario{
		Name:        "lock-read-only",
		Description: "lock and unlock three pages of a read-only region",
		Run:         lockReadOnly,
	})
	register(Scenario{
		Name:        "cache-override",
		Description: "map a cached frame as non-cached I/O space",
		Run:         cacheOverride,
	})
	register(Scenario{
		Name:        "fault-once",
		Description: "lock a range with one page that is not resident",
		Run:         faultOnce,
	})
	register(Scenario{
		Name:        "slot-exhaustion",
		Description: "reserve mapping slots when none remain",
		Run:         slotExhaustion,
	})
	register(Scenario{
		Name:        "advance",
		Description: "advance a locked MDL past its first page",
		Run:         advance,
	})
	register(Scenario{
		Name:        "awe",
		Description: "lock AWE pages and free them while locked",
		Run:         awe,
	})
}

func newScenarioMDL(va hostarch.Addr, length uint64) (*mdl.MDL, error) {
	return mdl.New(nil, va, length)
}

// refCounts returns the reference count of each frame.
func refCounts(mach *mmtest.Machine, frames []pfn.PFN) []int32 {
	refs := make([]int32, len(frames))
	for i, f := range frames {
		refs[i] = mach.DB.Entry(f).RefCount()
	}
	return refs
}

func lockReadOnly(ctx context.Context, mach *mmtest.Machine, w io.Writer) error {
	p := mach.NewProcess(addrspace.Options{})
	p.AddRegion(scenarioBase, 3, mmtest.ReadOnly)
	pctx := p.Context(ctx)

	// Make the pages resident so their reference counts are stable.
	m, err := newScenarioMDL(scenarioBase, 3*hostarch.PageSize)
	if err != nil {
		return err
	}
	if err := mach.MM.ProbeAndLock(pctx, m, hostarch.UserMode, hostarch.ReadAccess); err != nil {
		return err
	}
	mach.MM.Unlock(pctx, m)
	before := refCounts(mach, m.Frames())

	m, err = newScenarioMDL(scenarioBase, 3*hostarch.PageSize)
	if err != nil {
		return err
	}
	if err := mach.MM.ProbeAndLock(pctx, m, hostarch.UserMode, hostarch.ReadAccess); err != nil {
		return err
	}
	fmt.Fprintf(w, "locked %v\n", m)
	if got := len(m.Frames()); got != 3 {
		return fmt.Errorf("locked %d frames, want 3", got)
	}
	if m.Flags&mdl.PagesLocked == 0 {
		return fmt.Errorf("PagesLocked not set: %v", m.Flags)
	}
	if got := p.AS.LockedPages(); got != 3 {
		return fmt.Errorf("process locked pages = %d, want 3", got)
	}
	if err := mach.MM.ProbeAndLock(pctx, m, hostarch.UserMode, hostarch.WriteAccess); err == nil {
		return fmt.Errorf("relocking a locked MDL succeeded")
	}

	mach.MM.Unlock(pctx, m)
	after := refCounts(mach, m.Frames())
	fmt.Fprintf(w, "unlocked: flags %v, process locked pages %d, refs %v\n", m.Flags, p.AS.LockedPages(), after)
	if m.Flags&mdl.PagesLocked != 0 {
		return fmt.Errorf("PagesLocked still set")
	}
	if got := p.AS.LockedPages(); got != 0 {
		return fmt.Errorf("process locked pages = %d, want 0", got)
	}
	for i := range before {
		if before[i] != after[i] {
			return fmt.Errorf("frame %v refs %d, was %d", m.Frames()[i], after[i], before[i])
		}
	}
	return nil
}

func cacheOverride(ctx context.Context, mach *mmtest.Machine, w io.Writer) error {
	_, frames, err := mach.KernelBuffer(1)
	if err != nil {
		return err
	}
	overrides := mach.MM.Metrics().Get("/mm/cache_override")
	before := overrides.Value(cacheattr.RequestedNonCachedGotCached)

	va, err := mach.MM.MapPhysical(frames[0].Addr(), hostarch.PageSize, hostarch.MemoryTypeUncached)
	if err != nil {
		return err
	}
	defer mach.MM.UnmapPhysical(va, hostarch.PageSize)
	_, _, pte, ok := mach.MM.SystemSpace().Tables().Translate(va)
	if !ok {
		return fmt.Errorf("%v is not mapped", va)
	}
	delta := overrides.Value(cacheattr.RequestedNonCachedGotCached) - before
	fmt.Fprintf(w, "requested %v for %v, mapped %v at %v; %s += %d\n",
		hostarch.MemoryTypeUncached, frames[0], pte.Cache(), va, cacheattr.RequestedNonCachedGotCached, delta)
	if pte.Cache() != hostarch.MemoryTypeCached {
		return fmt.Errorf("mapped %v, want %v", pte.Cache(), hostarch.MemoryTypeCached)
	}
	if delta != 1 {
		return fmt.Errorf("override counter moved by %d, want 1", delta)
	}
	return nil
}

func faultOnce(ctx context.Context, mach *mmtest.Machine, w io.Writer) error {
	p := mach.NewProcess(addrspace.Options{})
	p.AddRegion(scenarioBase, 4, mmtest.Anonymous)
	pctx := p.Context(ctx)

	// Fault in every page but the third.
	for _, page := range []int{0, 1, 3} {
		m, err := newScenarioMDL(scenarioBase+hostarch.Addr(page)*hostarch.PageSize, hostarch.PageSize)
		if err != nil {
			return err
		}
		if err := mach.MM.ProbeAndLock(pctx, m, hostarch.UserMode, hostarch.WriteAccess); err != nil {
			return err
		}
		mach.MM.Unlock(pctx, m)
	}
	faults := mach.Faults.TotalFaults(p.AS)

	m, err := newScenarioMDL(scenarioBase, 4*hostarch.PageSize)
	if err != nil {
		return err
	}
	if err := mach.MM.ProbeAndLock(pctx, m, hostarch.UserMode, hostarch.WriteAccess); err != nil {
		return err
	}
	defer mach.MM.Unlock(pctx, m)
	third := scenarioBase + 2*hostarch.PageSize
	delta := mach.Faults.TotalFaults(p.AS) - faults
	fmt.Fprintf(w, "locked %v with %d fault(s), %d at %v\n", m, delta, mach.Faults.Faults(p.AS, third), third)
	if delta != 1 {
		return fmt.Errorf("lock took %d faults, want 1", delta)
	}
	if got := mach.Faults.Faults(p.AS, third); got != 1 {
		return fmt.Errorf("%v faulted %d times, want 1", third, got)
	}
	return nil
}

func slotExhaustion(ctx context.Context, mach *mmtest.Machine, w io.Writer) error {
	_, frames, err := mach.KernelBuffer(1)
	if err != nil {
		return err
	}
	free := uint64(mach.MM.Stats().FreeSlots)
	all, ok := mach.MM.ReserveMappingSlots(free)
	if !ok {
		return fmt.Errorf("reserving all %d free slots failed", free)
	}
	defer mach.MM.ReleaseMappingSlots(all)

	charged := mach.Commit.Charged()
	refs := mach.DB.Entry(frames[0]).RefCount()
	_, ok = mach.MM.ReserveMappingSlots(1)
	fmt.Fprintf(w, "reserved %d slots; one more: ok=%t, commit %d -> %d\n", free, ok, charged, mach.Commit.Charged())
	if ok {
		return fmt.Errorf("reserved a slot from an exhausted window")
	}
	if got := mach.Commit.Charged(); got != charged {
		return fmt.Errorf("commit charged %d, was %d", got, charged)
	}
	if got := mach.DB.Entry(frames[0]).RefCount(); got != refs {
		return fmt.Errorf("frame %v refs %d, was %d", frames[0], got, refs)
	}
	return nil
}

func advance(ctx context.Context, mach *mmtest.Machine, w io.Writer) error {
	p := mach.NewProcess(addrspace.Options{})
	p.AddRegion(scenarioBase, 3, mmtest.Anonymous)
	pctx := p.Context(ctx)

	m, err := newScenarioMDL(scenarioBase+0x100, 3*hostarch.PageSize-0x100)
	if err != nil {
		return err
	}
	if err := mach.MM.ProbeAndLock(pctx, m, hostarch.UserMode, hostarch.WriteAccess); err != nil {
		return err
	}
	first := m.Frames()[0]
	if err := mach.MM.AdvanceMdl(m, hostarch.PageSize+0x10); err != nil {
		return err
	}
	fmt.Fprintf(w, "advanced to %v; %v refs %d; process locked pages %d\n", m, first, mach.DB.Entry(first).RefCount(), p.AS.LockedPages())
	if got := len(m.Frames()); got != 2 {
		return fmt.Errorf("%d frames after advance, want 2", got)
	}
	if got := p.AS.LockedPages(); got != 2 {
		return fmt.Errorf("process locked pages = %d, want 2", got)
	}
	mach.MM.Unlock(pctx, m)
	if got := mach.MM.LockedPages(); got != 0 {
		return fmt.Errorf("%d locked pages after unlock", got)
	}
	return nil
}

func awe(ctx context.Context, mach *mmtest.Machine, w io.Writer) error {
	const base hostarch.Addr = 0x4000_0000
	p := mach.NewProcess(addrspace.Options{})
	pctx := p.Context(ctx)

	frames, err := mach.MM.AllocateUserPhysicalPages(p.AS, 2, false)
	if err != nil {
		return err
	}
	if err := mach.MM.CreateAWERegion(p.AS, base, 2*hostarch.PageSize, addrspace.Regular, true); err != nil {
		return err
	}
	if err := mach.MM.MapUserPhysicalPages(p.AS, base, frames); err != nil {
		return err
	}
	m, err := newScenarioMDL(base, 2*hostarch.PageSize)
	if err != nil {
		return err
	}
	if err := mach.MM.ProbeAndLock(pctx, m, hostarch.UserMode, hostarch.WriteAccess); err != nil {
		return err
	}
	if err := mach.MM.FreeUserPhysicalPages(p.AS, frames); err != nil {
		return err
	}
	fmt.Fprintf(w, "locked %v; after free %v is %v\n", m, frames[0], mach.DB.Entry(frames[0]).Location)
	if got := mach.DB.Entry(frames[0]).Location; got != pfn.ActiveAndValid {
		return fmt.Errorf("locked frame %v freed early: %v", frames[0], got)
	}
	mach.MM.Unlock(pctx, m)
	fmt.Fprintf(w, "unlocked; %v is %v, commit %d\n", frames[0], mach.DB.Entry(frames[0]).Location, mach.Commit.Charged())
	if got := mach.DB.Entry(frames[0]).Location; got != pfn.FreePageList {
		return fmt.Errorf("frame %v is %v after unlock, want %v", frames[0], got, pfn.FreePageList)
	}
	if got := mach.Commit.Charged(); got != 0 {
		return fmt.Errorf("commit charged %d after unlock", got)
	}
	return nil
}
