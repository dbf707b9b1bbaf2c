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

// Package mm implements the physical-memory locking and mapping core of a
// memory manager: probing and locking virtual ranges into memory descriptor
// lists, mapping their frames into system or process address space with a
// coherent memory type, and managing the system mapping slots those
// mappings use.
//
// Lock order:
//
//	addrspace.AWERegionClass
//	  addrspace.WorkingSetClass
//	    pfn.Class
//
// The fault handler is always called with none of these held. The system
// mapping slot allocator and the cache attribute arbiter have independent
// locks that are never held while acquiring the above.
package mm

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"gvisor.dev/mdl/pkg/errors/mmerr"
	"gvisor.dev/mdl/pkg/hostarch"
	"gvisor.dev/mdl/pkg/log"
	"gvisor.dev/mdl/pkg/metric"
	"gvisor.dev/mdl/pkg/mm/addrspace"
	"gvisor.dev/mdl/pkg/mm/batch"
	"gvisor.dev/mdl/pkg/mm/cacheattr"
	"gvisor.dev/mdl/pkg/mm/hal"
	"gvisor.dev/mdl/pkg/mm/mdl"
	"gvisor.dev/mdl/pkg/mm/pfn"
	"gvisor.dev/mdl/pkg/mm/syspte"
	"gvisor.dev/mdl/pkg/mm/tracker"
	"gvisor.dev/mdl/pkg/sync"
	"gvisor.dev/mdl/pkg/sync/locking"
)

// FaultHandler makes a page resident.
type FaultHandler interface {
	// Resolve resolves a fault at va in as, as an access at mode that
	// writes if write is set. It may block, and is always called with no
	// memory manager lock held.
	Resolve(ctx context.Context, as *addrspace.AddressSpace, va hostarch.Addr, mode hostarch.AccessMode, write bool) error
}

// FrameAllocator provides free frames. Returned frames are active with one
// reference; ReleaseFrames drops that reference.
type FrameAllocator interface {
	AcquireFrames(h *locking.Held, c pfn.Constraints) ([]pfn.PFN, error)
	ReleaseFrames(h *locking.Held, frames []pfn.PFN)
}

// CommitLedger accounts committed pages.
type CommitLedger interface {
	Charge(pages uint64) bool
	Uncharge(pages uint64)
}

// Deps are the collaborators of a MemoryManager.
type Deps struct {
	Database  *pfn.Database
	Allocator FrameAllocator
	Faults    FaultHandler
	Commit    CommitLedger
	TLB       hal.TranslationBuffer
	Cache     hal.CacheController
}

// Field values of the memory manager's counters.
var (
	probeRetryField = metric.NewField("reason", []string{"fault", "copy_on_write", "io_generation"})
	unlockPathField = metric.NewField("path", []string{"fast", "general", "deferred", "awe"})
)

// contiguousAllocation is a live AllocateContiguous result.
type contiguousAllocation struct {
	frames []pfn.PFN
}

// MemoryManager locks and maps physical memory.
type MemoryManager struct {
	cfg    Config
	db     *pfn.Database
	alloc  FrameAllocator
	faults FaultHandler
	commit CommitLedger
	tlb    hal.TranslationBuffer

	system   *addrspace.AddressSpace
	slots    *syspte.Allocator
	flusher  *syspte.Flusher
	arbiter  *cacheattr.Arbiter
	trackers *tracker.Trackers

	// batcher is nil if deferred unlocks are disabled.
	batcher *batch.Batcher

	metrics      *metric.Registry
	probeRetries *metric.Uint64Metric
	unlockPaths  *metric.Uint64Metric

	warn log.Logger

	mu         sync.Mutex
	contiguous map[hostarch.Addr]contiguousAllocation
}

// New returns a MemoryManager.
func New(cfg Config, deps Deps) (*MemoryManager, error) {
	if deps.Database == nil || deps.Allocator == nil || deps.Faults == nil || deps.Commit == nil || deps.TLB == nil || deps.Cache == nil {
		return nil, fmt.Errorf("incomplete dependencies: %w", mmerr.ErrInvalidParameter)
	}
	if cfg.SystemPTEs == 0 {
		return nil, fmt.Errorf("no system mapping slots configured: %w", mmerr.ErrInvalidParameter)
	}
	if cfg.MaxIOSpaceRetries < 0 {
		return nil, fmt.Errorf("negative I/O space retry bound %d: %w", cfg.MaxIOSpaceRetries, mmerr.ErrInvalidParameter)
	}
	reg := metric.NewRegistry()
	mm := &MemoryManager{
		cfg:          cfg,
		db:           deps.Database,
		alloc:        deps.Allocator,
		faults:       deps.Faults,
		commit:       deps.Commit,
		tlb:          deps.TLB,
		system:       addrspace.NewSystem(addrspace.Options{}),
		metrics:      reg,
		probeRetries: reg.MustCreateNewUint64Metric("/mm/probe_retries", "Number of times a page was retried while locking.", probeRetryField),
		unlockPaths:  reg.MustCreateNewUint64Metric("/mm/unlock_path", "Number of unlocks by path.", unlockPathField),
		warn:         log.BasicRateLimitedLogger(time.Second),
		contiguous:   make(map[hostarch.Addr]contiguousAllocation),
	}
	mm.slots = syspte.New(syspte.DefaultBase, cfg.SystemPTEs, mm.system.Tables())
	mm.flusher = syspte.NewFlusher(deps.TLB, cfg.FlushThreshold,
		reg.MustCreateNewUint64Metric("/mm/tlb_flush", "Number of translation buffer flushes by kind.", syspte.FlushField))
	mm.arbiter = cacheattr.New(deps.Database, deps.Cache,
		reg.MustCreateNewUint64Metric("/mm/cache_override", "Number of mappings whose requested memory type was overridden.", cacheattr.OverrideField))
	mm.trackers = tracker.New(cfg.Trackers,
		reg.MustCreateNewUint64Metric("/mm/tracker_disabled", "Number of times a diagnostic tracker stopped tracking.", tracker.DisabledField))
	if cfg.DeferredUnlock {
		mm.batcher = batch.New(deps.Database, batch.Options{
			Nodes:          cfg.Nodes,
			Capacity:       cfg.BatchCapacity,
			PoolSize:       cfg.BatchPoolSize,
			DrainThreshold: cfg.DrainThreshold,
		})
	}
	log.Infof("Memory manager: %d system mapping slots at %v, deferred unlock %t", cfg.SystemPTEs, syspte.DefaultBase, cfg.DeferredUnlock)
	return mm, nil
}

// Config returns the configuration.
func (mm *MemoryManager) Config() Config {
	return mm.cfg
}

// Database returns the frame database.
func (mm *MemoryManager) Database() *pfn.Database {
	return mm.db
}

// SystemSpace returns the system address space.
func (mm *MemoryManager) SystemSpace() *addrspace.AddressSpace {
	return mm.system
}

// Metrics returns the memory manager's counters.
func (mm *MemoryManager) Metrics() *metric.Registry {
	return mm.metrics
}

// Trackers returns the trackers.
func (mm *MemoryManager) Trackers() *tracker.Trackers {
	return mm.trackers
}

// spaceFor returns the address space that translates va for m, recording it
// as m's process if m has none.
func (mm *MemoryManager) spaceFor(ctx context.Context, m *mdl.MDL, va hostarch.Addr) (*addrspace.AddressSpace, error) {
	if !va.IsUser() {
		return mm.system, nil
	}
	if m.Process != nil {
		as, ok := m.Process.(*addrspace.AddressSpace)
		if !ok {
			return nil, fmt.Errorf("%v has a foreign process %T: %w", m, m.Process, mmerr.ErrInvalidParameter)
		}
		return as, nil
	}
	as := addrspace.FromContext(ctx)
	if as == nil {
		return nil, fmt.Errorf("no current address space for %v: %w", m, mmerr.ErrInvalidParameter)
	}
	m.Process = as
	return as, nil
}

// spaceOf returns the address space a locked m was locked in.
func (mm *MemoryManager) spaceOf(m *mdl.MDL) *addrspace.AddressSpace {
	if as, ok := m.Process.(*addrspace.AddressSpace); ok && as != nil {
		return as
	}
	return mm.system
}

// ledgerFor returns the commit ledger that pays for pages owned by as.
func (mm *MemoryManager) ledgerFor(as *addrspace.AddressSpace) CommitLedger {
	if l := as.Commit(); l != nil {
		return l
	}
	return mm.commit
}

// caller returns the program counter of the caller of the exported function
// that called caller, for tracker attribution.
func caller() uintptr {
	pc, _, _, _ := runtime.Caller(2)
	return pc
}
