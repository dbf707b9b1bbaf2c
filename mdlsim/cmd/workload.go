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
	"errors"
	"fmt"
	"math/rand/v2"

	"golang.org/x/sync/errgroup"

	"gvisor.dev/mdl/pkg/atomicbitops"
	"gvisor.dev/mdl/pkg/errors/mmerr"
	"gvisor.dev/mdl/pkg/hostarch"
	"gvisor.dev/mdl/pkg/log"
	"gvisor.dev/mdl/pkg/mm"
	"gvisor.dev/mdl/pkg/mm/addrspace"
	"gvisor.dev/mdl/pkg/mm/mdl"
	"gvisor.dev/mdl/pkg/mm/mmtest"
)

// workloadBase is where each worker's buffer starts in its process.
const workloadBase hostarch.Addr = 0x100000

// Workload drives concurrent lock, map, unmap and unlock cycles against a
// machine. Each worker owns a process with a buffer of Pages pages.
type Workload struct {
	Workers    int
	Iterations int
	Pages      int

	// Seed seeds every worker's generator. Runs with the same seed and one
	// worker are reproducible.
	Seed uint64
}

// Report summarizes a workload run.
type Report struct {
	Locks       uint64
	SystemMaps  uint64
	UserMaps    uint64
	Advances    uint64
	Allocations uint64
	IOMaps      uint64

	// Failures counts locks and maps refused for lack of resources.
	Failures uint64

	Before mm.Stats
	After  mm.Stats
}

// String implements fmt.Stringer.
func (r *Report) String() string {
	return fmt.Sprintf("locks=%d system_maps=%d user_maps=%d advances=%d allocations=%d io_maps=%d failures=%d",
		r.Locks, r.SystemMaps, r.UserMaps, r.Advances, r.Allocations, r.IOMaps, r.Failures)
}

type counters struct {
	locks, systemMaps, userMaps, advances, allocations, ioMaps, failures atomicbitops.Uint64
}

// Run runs w against mach. It returns an error if an operation fails
// unexpectedly or if the machine's charges are not restored afterwards.
func (w Workload) Run(ctx context.Context, mach *mmtest.Machine) (*Report, error) {
	if w.Workers <= 0 || w.Iterations <= 0 || w.Pages <= 0 {
		return nil, fmt.Errorf("invalid workload %+v", w)
	}
	r := &Report{Before: mach.MM.Stats()}
	residentBefore := mach.MM.ResidentAvailable()
	nodes := mach.MM.Config().Nodes

	var c counters
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.Workers; i++ {
		p := mach.NewProcess(addrspace.Options{IdealNode: i % max(nodes, 1)})
		p.AddRegion(workloadBase, uint64(w.Pages), mmtest.Anonymous)
		rng := rand.New(rand.NewPCG(w.Seed, uint64(i)))
		g.Go(func() error {
			defer mach.Faults.Teardown(p)
			for it := 0; it < w.Iterations; it++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := w.iterate(p, mach, rng, &c); err != nil {
					return fmt.Errorf("worker %d iteration %d: %w", i, it, err)
				}
				if it%16 == 15 {
					if err := allocateAndMap(mach, &c); err != nil {
						return fmt.Errorf("worker %d allocation: %w", i, err)
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := mapIOSpace(mach, &c); err != nil {
		return nil, err
	}

	r.Locks = c.locks.Load()
	r.SystemMaps = c.systemMaps.Load()
	r.UserMaps = c.userMaps.Load()
	r.Advances = c.advances.Load()
	r.Allocations = c.allocations.Load()
	r.IOMaps = c.ioMaps.Load()
	r.Failures = c.failures.Load()

	var errs []error
	if got := mach.MM.ResidentAvailable(); got != residentBefore {
		errs = append(errs, fmt.Errorf("resident available %d, was %d", got, residentBefore))
	}
	if got := mach.MM.LockedPages(); got != 0 {
		errs = append(errs, fmt.Errorf("%d locked pages outstanding", got))
	}
	if got := mach.Commit.Charged(); got != 0 {
		errs = append(errs, fmt.Errorf("%d pages still committed", got))
	}
	r.After = mach.MM.Stats()
	if r.After.FreeSlots != r.After.TotalSlots {
		errs = append(errs, fmt.Errorf("%d of %d mapping slots in use", r.After.TotalSlots-r.After.FreeSlots, r.After.TotalSlots))
	}
	if len(r.After.Trackers.LockedMDLs) != 0 {
		errs = append(errs, fmt.Errorf("%d MDLs still tracked as locked", len(r.After.Trackers.LockedMDLs)))
	}
	log.Infof("Workload done: %v", r)
	return r, errors.Join(errs...)
}

// iterate locks a random part of p's buffer, optionally maps or advances
// it, and unlocks it.
func (w Workload) iterate(p *mmtest.Process, mach *mmtest.Machine, rng *rand.Rand, c *counters) error {
	pctx := p.Context(context.Background())
	first := rng.IntN(w.Pages)
	pages := 1 + rng.IntN(w.Pages-first)
	offset := uint64(rng.IntN(hostarch.PageSize))
	length := uint64(pages)*hostarch.PageSize - offset
	m, err := mdl.New(nil, workloadBase+hostarch.Addr(first)*hostarch.PageSize+hostarch.Addr(offset), length)
	if err != nil {
		return err
	}
	op := hostarch.ReadAccess
	if rng.IntN(2) == 0 {
		op = hostarch.WriteAccess
	}
	if err := mach.MM.ProbeAndLock(pctx, m, hostarch.UserMode, op); err != nil {
		if errors.Is(err, mmerr.ErrWorkingSetQuotaExceeded) || errors.Is(err, mmerr.ErrInsufficientResources) {
			c.failures.Add(1)
			return nil
		}
		return fmt.Errorf("locking %v: %w", m, err)
	}
	c.locks.Add(1)

	switch rng.IntN(4) {
	case 0:
		va, err := mach.MM.MapLocked(pctx, m, hostarch.KernelMode, hostarch.MemoryTypeCached)
		if err != nil {
			if !errors.Is(err, mmerr.ErrInsufficientResources) {
				return fmt.Errorf("mapping %v: %w", m, err)
			}
			c.failures.Add(1)
			break
		}
		c.systemMaps.Add(1)
		mach.MM.Unmap(pctx, va, m)
	case 1:
		va, err := mach.MM.MapLocked(pctx, m, hostarch.UserMode, hostarch.MemoryTypeCached)
		if err != nil {
			if !errors.Is(err, mmerr.ErrInsufficientResources) {
				return fmt.Errorf("mapping %v to user space: %w", m, err)
			}
			c.failures.Add(1)
			break
		}
		c.userMaps.Add(1)
		mach.MM.Unmap(pctx, va, m)
	case 2:
		if m.ByteCount > hostarch.PageSize {
			if err := mach.MM.AdvanceMdl(m, hostarch.PageSize); err != nil {
				return fmt.Errorf("advancing %v: %w", m, err)
			}
			c.advances.Add(1)
		}
	}

	// Unlocking outside the process takes the deferred path.
	if rng.IntN(3) == 0 {
		mach.MM.Unlock(context.Background(), m)
	} else {
		mach.MM.Unlock(pctx, m)
	}
	return nil
}

// allocateAndMap allocates a page outside any process, maps it uncached and
// frees it.
func allocateAndMap(mach *mmtest.Machine, c *counters) error {
	m, err := mach.MM.AllocatePagesForMdl(0, 0, 0, hostarch.PageSize, hostarch.MemoryTypeUncached)
	if err != nil {
		if errors.Is(err, mmerr.ErrInsufficientResources) {
			c.failures.Add(1)
			return nil
		}
		return err
	}
	c.allocations.Add(1)
	ctx := context.Background()
	va, err := mach.MM.MapLocked(ctx, m, hostarch.KernelMode, hostarch.MemoryTypeUncached)
	if err == nil {
		c.systemMaps.Add(1)
		mach.MM.Unmap(ctx, va, m)
	} else if errors.Is(err, mmerr.ErrInsufficientResources) {
		c.failures.Add(1)
	} else {
		mach.MM.FreePagesFromMdl(m)
		return err
	}
	return mach.MM.FreePagesFromMdl(m)
}

// mapIOSpace maps and unmaps a device page below the machine's RAM.
func mapIOSpace(mach *mmtest.Machine, c *counters) error {
	runs := mach.DB.Memory().Runs()
	if len(runs) == 0 || runs[0].Base == 0 {
		return nil
	}
	pa := (runs[0].Base - 1) << hostarch.PageShift
	va, err := mach.MM.MapPhysical(pa, hostarch.PageSize, hostarch.MemoryTypeUncached)
	if err != nil {
		return fmt.Errorf("mapping I/O space at %#x: %w", pa, err)
	}
	c.ioMaps.Add(1)
	mach.MM.UnmapPhysical(va, hostarch.PageSize)
	return nil
}
