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

// Package mmtest provides a simulated machine for exercising the memory
// manager: frame database, allocator, hardware recorder and a fault handler
// driven by per-process region descriptions.
package mmtest

import (
	"context"
	"fmt"

	"gvisor.dev/mdl/pkg/errors/mmerr"
	"gvisor.dev/mdl/pkg/hostarch"
	"gvisor.dev/mdl/pkg/mm"
	"gvisor.dev/mdl/pkg/mm/addrspace"
	"gvisor.dev/mdl/pkg/mm/commit"
	"gvisor.dev/mdl/pkg/mm/hal"
	"gvisor.dev/mdl/pkg/mm/pagetables"
	"gvisor.dev/mdl/pkg/mm/pfn"
	"gvisor.dev/mdl/pkg/mm/physmem"
	"gvisor.dev/mdl/pkg/sync"
	"gvisor.dev/mdl/pkg/sync/locking"
)

// KernelBase is where Machine.KernelBuffer places resident system memory.
const KernelBase hostarch.Addr = 0xffffc000_00000000

// Config configures a Machine.
type Config struct {
	// Runs are the RAM frame runs.
	Runs []physmem.Run

	RefCountCeiling int32

	// CommitLimit is the system commit limit in pages. Zero is unlimited.
	CommitLimit uint64

	// MaxCacheRanges bounds the programmable cache ranges.
	MaxCacheRanges int

	MM mm.Config
}

// DefaultConfig returns a small machine: 1024 frames of RAM starting at
// frame 0x1000 and 256 system mapping slots.
func DefaultConfig() Config {
	cfg := Config{
		Runs: []physmem.Run{{Base: 0x1000, Count: 1024}},
		MM:   mm.DefaultConfig(),
	}
	cfg.MM.SystemPTEs = 256
	return cfg
}

// Machine is a simulated machine.
type Machine struct {
	DB        *pfn.Database
	Allocator *pfn.ListAllocator
	Commit    *commit.Ledger
	HAL       *hal.Recorder
	Faults    *FaultHandler
	MM        *mm.MemoryManager

	mu       sync.Mutex
	kernelVA hostarch.Addr
}

// New returns a Machine.
func New(cfg Config) (*Machine, error) {
	db, err := pfn.NewDatabase(pfn.Options{Runs: cfg.Runs, RefCountCeiling: cfg.RefCountCeiling})
	if err != nil {
		return nil, err
	}
	m := &Machine{
		DB:        db,
		Allocator: pfn.NewListAllocator(db),
		Commit:    commit.NewLedger("system", cfg.CommitLimit, nil),
		HAL:       &hal.Recorder{MaxCacheRanges: cfg.MaxCacheRanges},
		kernelVA:  KernelBase,
	}
	m.Faults = NewFaultHandler(db, m.Allocator)
	m.MM, err = mm.New(cfg.MM, mm.Deps{
		Database:  db,
		Allocator: m.Allocator,
		Faults:    m.Faults,
		Commit:    m.Commit,
		TLB:       m.HAL,
		Cache:     m.HAL,
	})
	if err != nil {
		db.Release()
		return nil, err
	}
	return m, nil
}

// Release releases the machine's simulated RAM.
func (m *Machine) Release() error {
	return m.DB.Release()
}

// NewProcess returns a process with an empty user address space.
func (m *Machine) NewProcess(opts addrspace.Options) *Process {
	p := &Process{AS: addrspace.New(opts)}
	m.Faults.register(p)
	return p
}

// KernelBuffer allocates pages frames and maps them resident at a fresh
// system address, as nonpaged pool would be.
func (m *Machine) KernelBuffer(pages uint64) (hostarch.Addr, []pfn.PFN, error) {
	h := &locking.Held{}
	frames, err := m.Allocator.AcquireFrames(h, pfn.Constraints{Count: pages})
	if err != nil {
		return 0, nil, err
	}
	m.mu.Lock()
	va := m.kernelVA
	m.kernelVA += hostarch.Addr(pages+1) * hostarch.PageSize
	m.mu.Unlock()

	system := m.MM.SystemSpace()
	m.DB.Lock(h)
	for i, p := range frames {
		pva := va + hostarch.Addr(i)*hostarch.PageSize
		m.DB.MakeMapped(h, p, pfn.PteAddress{Space: system.ID(), Entry: pagetables.EntryFor(pagetables.PTELevel, pva), Set: true}, hostarch.MemoryTypeCached)
		system.Tables().Map(pva, pagetables.MakeValid(uint64(p), pagetables.MapOpts{Writable: true, Global: true}))
	}
	m.DB.Unlock(h)
	return va, frames, nil
}

// RegionKind is the behavior of a region on fault.
type RegionKind uint8

// Region kinds.
const (
	// Anonymous regions are demand-zero and writable.
	Anonymous RegionKind = iota

	// ReadOnly regions are demand-zero and never writable.
	ReadOnly

	// CopyOnWrite regions are mapped read-only and copied on first write.
	CopyOnWrite

	// NoAccess regions fault with an access violation.
	NoAccess

	// Device regions map I/O space frames starting at Region.DeviceBase.
	Device

	// Kernel regions are demand-zero and writable, but not accessible
	// from user mode.
	Kernel
)

// Region describes part of a process address space.
type Region struct {
	Range hostarch.AddrRange
	Kind  RegionKind

	// DeviceBase is the first frame of a Device region.
	DeviceBase pfn.PFN

	// Cache is the memory type pages are mapped with.
	Cache hostarch.MemoryType

	// Privileged regions are backed by privileged frames.
	Privileged bool
}

// opts returns the mapping options for a page of r resolved by a fault
// that writes if write is set.
func (r *Region) opts(write bool) pagetables.MapOpts {
	return pagetables.MapOpts{
		Writable:    r.Kind != ReadOnly,
		User:        r.Kind != Kernel,
		CopyOnWrite: r.Kind == CopyOnWrite && !write,
		Dirty:       write,
		Cache:       r.Cache,
	}
}

// Process is a simulated process.
type Process struct {
	AS *addrspace.AddressSpace

	mu      sync.Mutex
	regions []Region
}

// Context returns ctx with p's address space current.
func (p *Process) Context(ctx context.Context) context.Context {
	return addrspace.WithCurrent(ctx, p.AS)
}

// AddRegion adds a region of pages pages at start and returns its range.
func (p *Process) AddRegion(start hostarch.Addr, pages uint64, kind RegionKind) hostarch.AddrRange {
	return p.Add(Region{Range: hostarch.AddrRange{Start: start, End: start + hostarch.Addr(pages)*hostarch.PageSize}, Kind: kind})
}

// Add adds r and returns its range.
func (p *Process) Add(r Region) hostarch.AddrRange {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, o := range p.regions {
		if o.Range.Overlaps(r.Range) {
			panic(fmt.Sprintf("region %v overlaps %v", r.Range, o.Range))
		}
	}
	p.regions = append(p.regions, r)
	return r.Range
}

func (p *Process) find(va hostarch.Addr) (Region, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.regions {
		if r.Range.Contains(va) {
			return r, true
		}
	}
	return Region{}, false
}

// Regions returns p's regions.
func (p *Process) Regions() []Region {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Region(nil), p.regions...)
}

// errAccess is returned for faults the process may not resolve.
func errAccess(va hostarch.Addr, why string) error {
	return fmt.Errorf("%s at %v: %w", why, va, mmerr.ErrAccessViolation)
}
