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

package tracker

import (
	"github.com/google/btree"

	"gvisor.dev/mdl/pkg/errors/mmerr"
	"gvisor.dev/mdl/pkg/hostarch"
	"gvisor.dev/mdl/pkg/metric"
	"gvisor.dev/mdl/pkg/mm/mdl"
	"gvisor.dev/mdl/pkg/mm/pfn"
	"gvisor.dev/mdl/pkg/sync"
)

// SystemPTERecord describes one system mapping of an MDL.
type SystemPTERecord struct {
	VA     hostarch.Addr
	Pages  uint64
	Frame  pfn.PFN
	Caller uintptr
}

// SystemPTEs tracks outstanding system mappings of MDLs by address.
type SystemPTEs struct {
	diagnostic

	mu      sync.Mutex
	records map[uint64]SystemPTERecord
}

func newSystemPTEs(enabled bool, limit int, disabled *metric.Uint64Metric) *SystemPTEs {
	t := &SystemPTEs{records: make(map[uint64]SystemPTERecord)}
	t.init(SystemPTEsName, enabled, limit, disabled)
	return t
}

// Add records a mapping.
func (t *SystemPTEs) Add(r SystemPTERecord) {
	if !t.Enabled() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.full(len(t.records)) {
		t.records = make(map[uint64]SystemPTERecord)
		return
	}
	t.records[uint64(r.VA)] = r
}

// Remove drops the mapping at va, which must have been added with the same
// number of pages.
func (t *SystemPTEs) Remove(va hostarch.Addr, pages uint64) {
	if !t.Enabled() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.Enabled() {
		return
	}
	r, ok := t.records[uint64(va)]
	if !ok {
		mmerr.BugCheck(mmerr.UnmapOfUnmappedMDL, uint64(va), pages)
	}
	if r.Pages != pages {
		mmerr.BugCheck(mmerr.MismatchedUnmapLength, uint64(va), pages, r.Pages)
	}
	delete(t.records, uint64(va))
}

// Len returns the number of records.
func (t *SystemPTEs) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// IOMappingRecord describes one mapping of physical memory.
type IOMappingRecord struct {
	VA      hostarch.Addr
	BasePFN uint64
	Pages   uint64
	Type    hostarch.MemoryType
}

func (r *IOMappingRecord) endPFN() uint64 {
	return r.BasePFN + r.Pages
}

// IOMappings tracks outstanding physical memory mappings and detects
// overlapping mappings with conflicting memory types.
type IOMappings struct {
	diagnostic

	mu        sync.Mutex
	byVA      map[hostarch.Addr]*IOMappingRecord
	byPFN     *btree.BTreeG[*IOMappingRecord]
	conflicts uint64
}

func newIOMappings(enabled bool, limit int, disabled *metric.Uint64Metric) *IOMappings {
	t := &IOMappings{
		byVA: make(map[hostarch.Addr]*IOMappingRecord),
		byPFN: btree.NewG(8, func(a, b *IOMappingRecord) bool {
			if a.BasePFN != b.BasePFN {
				return a.BasePFN < b.BasePFN
			}
			return a.VA < b.VA
		}),
	}
	t.init(IOMappingsName, enabled, limit, disabled)
	return t
}

// Add records a mapping and returns true if it overlaps a tracked mapping
// of a different memory type.
func (t *IOMappings) Add(r IOMappingRecord) (conflict bool) {
	if !t.Enabled() {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.full(len(t.byVA)) {
		t.byVA = make(map[hostarch.Addr]*IOMappingRecord)
		t.byPFN.Clear(false)
		return false
	}
	t.byPFN.Ascend(func(o *IOMappingRecord) bool {
		if o.BasePFN >= r.endPFN() {
			return false
		}
		if o.endPFN() > r.BasePFN && o.Type != r.Type {
			conflict = true
			return false
		}
		return true
	})
	if conflict {
		t.conflicts++
		t.warn.Warningf("Physical mapping of [%#x, %#x) as %v at %v conflicts with an existing mapping", r.BasePFN, r.endPFN(), r.Type, r.VA)
	}
	rec := r
	t.byVA[r.VA] = &rec
	t.byPFN.ReplaceOrInsert(&rec)
	return conflict
}

// Remove drops the mapping at va, which must have been added with the same
// number of pages.
func (t *IOMappings) Remove(va hostarch.Addr, pages uint64) {
	if !t.Enabled() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.Enabled() {
		return
	}
	r, ok := t.byVA[va]
	if !ok {
		mmerr.BugCheck(mmerr.UnmapOfUnmappedIOSpace, uint64(va), pages)
	}
	if r.Pages != pages {
		mmerr.BugCheck(mmerr.MismatchedUnmapLength, uint64(va), pages, r.Pages)
	}
	delete(t.byVA, va)
	t.byPFN.Delete(r)
}

// Conflicts returns the number of conflicting mappings seen.
func (t *IOMappings) Conflicts() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conflicts
}

// LockedMDLRecord describes one locked MDL.
type LockedMDLRecord struct {
	Process uint64
	VA      hostarch.Addr
	Pages   uint64
	Caller  uintptr
}

// LockedMDLs tracks outstanding locked MDLs.
type LockedMDLs struct {
	diagnostic

	mu      sync.Mutex
	records map[*mdl.MDL]LockedMDLRecord
}

func newLockedMDLs(enabled bool, limit int, disabled *metric.Uint64Metric) *LockedMDLs {
	t := &LockedMDLs{records: make(map[*mdl.MDL]LockedMDLRecord)}
	t.init(LockedMDLsName, enabled, limit, disabled)
	return t
}

// Add records that m is locked.
func (t *LockedMDLs) Add(m *mdl.MDL, r LockedMDLRecord) {
	if !t.Enabled() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.full(len(t.records)) {
		t.records = make(map[*mdl.MDL]LockedMDLRecord)
		return
	}
	t.records[m] = r
}

// Remove drops m, which must have been added.
func (t *LockedMDLs) Remove(m *mdl.MDL) {
	if !t.Enabled() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.Enabled() {
		return
	}
	if _, ok := t.records[m]; !ok {
		mmerr.BugCheck(mmerr.UnlockUntrackedMDL, uint64(m.VirtualAddress()), m.ByteCount)
	}
	delete(t.records, m)
}

// Outstanding returns the number of locked MDLs of process.
func (t *LockedMDLs) Outstanding(process uint64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, r := range t.records {
		if r.Process == process {
			n++
		}
	}
	return n
}
