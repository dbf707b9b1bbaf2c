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
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/mdl/pkg/errors/mmerr"
	"gvisor.dev/mdl/pkg/hostarch"
	"gvisor.dev/mdl/pkg/mm/pfn"
	"gvisor.dev/mdl/pkg/sync/locking"
)

func TestLockOrderRanks(t *testing.T) {
	if !(AWERegionClass.Rank() < WorkingSetClass.Rank() && WorkingSetClass.Rank() < pfn.Class.Rank()) {
		t.Errorf("ranks awe=%d ws=%d pfn=%d are not increasing", AWERegionClass.Rank(), WorkingSetClass.Rank(), pfn.Class.Rank())
	}
}

func TestViews(t *testing.T) {
	as := New(Options{})
	var h locking.Held
	as.LockWorkingSet(&h)
	defer as.UnlockWorkingSet(&h)

	if as.HasViews() {
		t.Fatalf("new space has views")
	}
	for _, v := range []*View{
		{StartVPN: 0x10, EndVPN: 0x20, Kind: DevicePhysicalMemory},
		{StartVPN: 0x30, EndVPN: 0x31, Kind: AWERegion},
	} {
		if err := as.InsertView(&h, v); err != nil {
			t.Fatalf("InsertView(%v): %v", v, err)
		}
	}
	for _, v := range []*View{
		{StartVPN: 0x1f, EndVPN: 0x22},
		{StartVPN: 0x08, EndVPN: 0x11},
		{StartVPN: 0x30, EndVPN: 0x31},
	} {
		if err := as.InsertView(&h, v); !errors.Is(err, mmerr.ErrConflictingAddresses) {
			t.Errorf("InsertView(%v) = %v, want conflict", v, err)
		}
	}
	if err := as.InsertView(&h, &View{StartVPN: 0x20, EndVPN: 0x30}); err != nil {
		t.Errorf("adjacent InsertView: %v", err)
	}

	for _, test := range []struct {
		va   hostarch.Addr
		want uint64
		ok   bool
	}{
		{hostarch.AddrFromVPN(0x10), 0x10, true},
		{hostarch.AddrFromVPN(0x1f) + 0x123, 0x10, true},
		{hostarch.AddrFromVPN(0x0f), 0, false},
		{hostarch.AddrFromVPN(0x30), 0x30, true},
		{hostarch.AddrFromVPN(0x31), 0, false},
	} {
		v, ok := as.FindView(&h, test.va)
		if ok != test.ok || (ok && v.StartVPN != test.want) {
			t.Errorf("FindView(%v) = %v, %t; want start %#x, %t", test.va, v, ok, test.want, test.ok)
		}
	}

	if _, ok := as.RemoveView(&h, hostarch.AddrFromVPN(0x20)); !ok {
		t.Errorf("RemoveView of an existing view failed")
	}
	var starts []uint64
	for _, v := range as.Views(&h) {
		starts = append(starts, v.StartVPN)
	}
	if diff := cmp.Diff([]uint64{0x10, 0x30}, starts); diff != "" {
		t.Errorf("views (-want +got):\n%s", diff)
	}
}

func TestViewsRequireWorkingSetLock(t *testing.T) {
	as := New(Options{})
	defer func() {
		if recover() == nil {
			t.Errorf("InsertView without the working-set lock did not panic")
		}
	}()
	var h locking.Held
	as.InsertView(&h, &View{StartVPN: 1, EndVPN: 2})
}

func TestAWERegions(t *testing.T) {
	as := New(Options{})
	if as.AWE() != nil {
		t.Fatalf("AWE pool exists before EnableAWE")
	}
	a := as.EnableAWE()
	if as.EnableAWE() != a {
		t.Fatalf("EnableAWE is not idempotent")
	}
	var h locking.Held
	a.Lock(&h)
	defer a.Unlock(&h)

	r := &Region{Start: 0x100000, End: 0x200000}
	if err := a.InsertRegion(r); err != nil {
		t.Fatalf("InsertRegion: %v", err)
	}
	if err := a.InsertRegion(&Region{Start: 0x1ff000, End: 0x201000}); !errors.Is(err, mmerr.ErrConflictingAddresses) {
		t.Errorf("overlapping InsertRegion = %v", err)
	}
	if got, ok := a.FindRegion(hostarch.AddrRange{Start: 0x180000, End: 0x182000}); !ok || got != r {
		t.Errorf("FindRegion inside = %v, %t", got, ok)
	}
	if _, ok := a.FindRegion(hostarch.AddrRange{Start: 0x1ff000, End: 0x201000}); ok {
		t.Errorf("FindRegion straddling the end succeeded")
	}

	a.AddFrame(7)
	a.SetMapping(7, 0x100000)
	if va, ok := a.Mapping(7); !ok || va != 0x100000 {
		t.Errorf("Mapping(7) = %v, %t", va, ok)
	}
	if va, ok := a.RemoveFrame(7); !ok || va != 0x100000 || a.Owns(7) {
		t.Errorf("RemoveFrame(7) = %v, %t", va, ok)
	}
}

func TestUserVAAndContext(t *testing.T) {
	as := New(Options{})
	va1, err := as.AllocateUserVA(2)
	if err != nil {
		t.Fatalf("AllocateUserVA: %v", err)
	}
	va2, _ := as.AllocateUserVA(1)
	if va1 != UserMappingBase || va2 != va1+2*hostarch.PageSize {
		t.Errorf("AllocateUserVA = %v, %v", va1, va2)
	}
	// A freed range is reused; neighbours coalesce, and a range freed at
	// the top pulls the window back.
	as.FreeUserVA(va1, 2)
	if va, err := as.AllocateUserVA(1); err != nil || va != va1 {
		t.Errorf("AllocateUserVA after free = %v, %v; want %v", va, err, va1)
	}
	if va, err := as.AllocateUserVA(2); err != nil || va != va2+hostarch.PageSize {
		t.Errorf("AllocateUserVA(2) = %v, %v; want %v", va, err, va2+hostarch.PageSize)
	}
	as.FreeUserVA(va1, 1)
	as.FreeUserVA(va2+hostarch.PageSize, 2)
	as.FreeUserVA(va2, 1)
	if va, err := as.AllocateUserVA(5); err != nil || va != UserMappingBase {
		t.Errorf("AllocateUserVA(5) after freeing everything = %v, %v; want %v", va, err, UserMappingBase)
	}
	if !panics(func() { as.FreeUserVA(UserMappingBase+5*hostarch.PageSize, 1) }) {
		t.Errorf("freeing an unallocated range did not panic")
	}
	as.FreeUserVA(UserMappingBase+hostarch.PageSize, 1)
	if !panics(func() { as.FreeUserVA(UserMappingBase+hostarch.PageSize, 1) }) {
		t.Errorf("double free did not panic")
	}

	if _, err := NewSystem(Options{}).AllocateUserVA(1); !errors.Is(err, mmerr.ErrInvalidParameter) {
		t.Errorf("system AllocateUserVA = %v", err)
	}

	ctx := context.Background()
	if FromContext(ctx) != nil {
		t.Errorf("empty context has an address space")
	}
	if FromContext(WithCurrent(ctx, as)) != as {
		t.Errorf("WithCurrent did not round trip")
	}
}

func panics(f func()) (panicked bool) {
	defer func() {
		panicked = recover() != nil
	}()
	f()
	return false
}
