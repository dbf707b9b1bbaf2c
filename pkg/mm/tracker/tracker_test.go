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
	"errors"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/mdl/pkg/errors/mmerr"
	"gvisor.dev/mdl/pkg/hostarch"
	"gvisor.dev/mdl/pkg/metric"
	"gvisor.dev/mdl/pkg/mm/mdl"
	"gvisor.dev/mdl/pkg/mm/pfn"
)

func newTrackers(cfg Config) (*Trackers, *metric.Uint64Metric) {
	disabled := metric.NewRegistry().MustCreateNewUint64Metric("/mm/tracker_disabled", "disabled trackers", DisabledField)
	return New(cfg, disabled), disabled
}

func newMDL(t *testing.T, va hostarch.Addr, pages uint64) *mdl.MDL {
	t.Helper()
	m, err := mdl.New(nil, va, pages*hostarch.PageSize)
	if err != nil {
		t.Fatalf("mdl.New: %v", err)
	}
	return m
}

func TestIOSpaceGeneration(t *testing.T) {
	tr, _ := newTrackers(Config{IOSpaceLimit: 1})
	m := newMDL(t, 0x10000, 2)

	gen := tr.IOSpace.Generation()
	tr.IOSpace.Bump()
	if err := tr.IOSpace.Register(m, []pfn.PFN{0x9000}, gen); err != ErrGenerationChanged {
		t.Fatalf("Register with a stale generation = %v", err)
	}
	if tr.IOSpace.Len() != 0 {
		t.Fatalf("stale registration was kept")
	}

	if err := tr.IOSpace.Register(m, []pfn.PFN{0x9000}, tr.IOSpace.Generation()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !tr.IOSpace.InFlight(0x8fff, 2) || tr.IOSpace.InFlight(0x9001, 10) {
		t.Errorf("InFlight is wrong")
	}
	if err := tr.IOSpace.Register(newMDL(t, 0x20000, 1), nil, tr.IOSpace.Generation()); !errors.Is(err, mmerr.ErrInsufficientResources) {
		t.Errorf("Register past the limit = %v", err)
	}
	if !tr.IOSpace.Unregister(m) || tr.IOSpace.Unregister(m) {
		t.Errorf("Unregister did not remove exactly once")
	}
}

func TestSystemPTEs(t *testing.T) {
	tr, _ := newTrackers(Config{SystemPTEs: true})
	tr.SystemPTEs.Add(SystemPTERecord{VA: 0xffffa000_00000000, Pages: 3, Frame: 7})

	if bc := mmerr.RecoverBugCheck(func() { tr.SystemPTEs.Remove(0xffffa000_00000000, 2) }); bc == nil || bc.Code != mmerr.MismatchedUnmapLength {
		t.Errorf("Remove with the wrong length = %v", bc)
	}
	tr.SystemPTEs.Remove(0xffffa000_00000000, 3)
	if bc := mmerr.RecoverBugCheck(func() { tr.SystemPTEs.Remove(0xffffa000_00000000, 3) }); bc == nil || bc.Code != mmerr.UnmapOfUnmappedMDL {
		t.Errorf("double Remove = %v", bc)
	}
}

func TestDisabledTrackersIgnoreEverything(t *testing.T) {
	tr, _ := newTrackers(Config{})
	tr.SystemPTEs.Remove(0x1000, 1)
	tr.IOMappings.Remove(0x1000, 1)
	tr.LockedMDLs.Remove(newMDL(t, 0x1000, 1))
}

func TestTrackerDegradesAtLimit(t *testing.T) {
	tr, disabled := newTrackers(Config{LockedMDLs: true, Limit: 2})
	m1, m2, m3 := newMDL(t, 0x1000, 1), newMDL(t, 0x2000, 1), newMDL(t, 0x3000, 1)
	tr.LockedMDLs.Add(m1, LockedMDLRecord{Process: 1})
	tr.LockedMDLs.Add(m2, LockedMDLRecord{Process: 1})
	if got := tr.LockedMDLs.Outstanding(1); got != 2 {
		t.Errorf("Outstanding = %d", got)
	}
	tr.LockedMDLs.Add(m3, LockedMDLRecord{Process: 1})
	if tr.LockedMDLs.Enabled() {
		t.Fatalf("tracker still enabled past its limit")
	}
	if got := disabled.Value(LockedMDLsName); got != 1 {
		t.Errorf("tracker_disabled = %d", got)
	}
	// Removal of anything is now accepted.
	tr.LockedMDLs.Remove(m3)
	tr.LockedMDLs.Remove(m1)
}

func TestLockedMDLsUntracked(t *testing.T) {
	tr, _ := newTrackers(Config{LockedMDLs: true})
	m := newMDL(t, 0x1000, 1)
	if bc := mmerr.RecoverBugCheck(func() { tr.LockedMDLs.Remove(m) }); bc == nil || bc.Code != mmerr.UnlockUntrackedMDL {
		t.Errorf("Remove of an untracked MDL = %v", bc)
	}
}

func TestIOMappingConflicts(t *testing.T) {
	tr, _ := newTrackers(Config{IOMappings: true})
	if tr.IOMappings.Add(IOMappingRecord{VA: 0x1000, BasePFN: 0x100, Pages: 4, Type: hostarch.MemoryTypeUncached}) {
		t.Errorf("first mapping reported a conflict")
	}
	if tr.IOMappings.Add(IOMappingRecord{VA: 0x9000, BasePFN: 0x102, Pages: 1, Type: hostarch.MemoryTypeUncached}) {
		t.Errorf("compatible overlap reported a conflict")
	}
	if !tr.IOMappings.Add(IOMappingRecord{VA: 0x5000, BasePFN: 0x103, Pages: 4, Type: hostarch.MemoryTypeCached}) {
		t.Errorf("conflicting overlap not reported")
	}
	if got := tr.IOMappings.Conflicts(); got != 1 {
		t.Errorf("Conflicts = %d", got)
	}
	if bc := mmerr.RecoverBugCheck(func() { tr.IOMappings.Remove(0x7000, 1) }); bc == nil || bc.Code != mmerr.UnmapOfUnmappedIOSpace {
		t.Errorf("Remove of an unknown mapping = %v", bc)
	}
	if bc := mmerr.RecoverBugCheck(func() { tr.IOMappings.Remove(0x1000, 1) }); bc == nil || bc.Code != mmerr.MismatchedUnmapLength {
		t.Errorf("Remove with the wrong length = %v", bc)
	}
	tr.IOMappings.Remove(0x1000, 4)

	s := tr.Snapshot()
	var vas []hostarch.Addr
	for _, r := range s.IOMappings {
		vas = append(vas, r.VA)
	}
	sort.Slice(vas, func(i, j int) bool { return vas[i] < vas[j] })
	if diff := cmp.Diff([]hostarch.Addr{0x5000, 0x9000}, vas); diff != "" {
		t.Errorf("snapshot mappings (-want +got):\n%s", diff)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	tr, _ := newTrackers(Config{SystemPTEs: true})
	tr.SystemPTEs.Add(SystemPTERecord{VA: 0x1000, Pages: 1})
	s := tr.Snapshot()
	s.SystemPTEs[0].Pages = 99
	tr.SystemPTEs.Remove(0x1000, 1)
	if !s.Enabled[SystemPTEsName] || s.Enabled[LockedMDLsName] {
		t.Errorf("snapshot enabled map = %v", s.Enabled)
	}
}
