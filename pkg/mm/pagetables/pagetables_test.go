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

package pagetables

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/mdl/pkg/hostarch"
)

func TestChainIndices(t *testing.T) {
	va := hostarch.Addr(0x00007f12_3456_7000)
	c := Chain(va)
	for l := PTELevel; l < NumLevels; l++ {
		if got, want := c[l], EntryFor(l, va); got != want {
			t.Errorf("Chain[%v] = %v, want %v", l, got, want)
		}
		if l > PTELevel {
			if got := Parent(c[l-1]); got != c[l] {
				t.Errorf("Parent(%v) = %v, want %v", c[l-1], got, c[l])
			}
		}
	}
	if got := VirtualAddressOf(c[PTELevel]); got != va {
		t.Errorf("VirtualAddressOf(leaf) = %v, want %v", got, va)
	}
	if got, want := VirtualAddressOf(c[PDELevel]), va.LargeRoundDown(); got != want {
		t.Errorf("VirtualAddressOf(pde) = %v, want %v", got, want)
	}
}

func TestCanonicalSignExtension(t *testing.T) {
	for _, va := range []hostarch.Addr{
		hostarch.SystemRangeStart,
		0xffff_f680_0000_0000,
		0xffff_ffff_ffff_f000,
	} {
		if got := VirtualAddressOf(EntryFor(PTELevel, va)); got != va {
			t.Errorf("VirtualAddressOf(EntryFor(%v)) = %v", va, got)
		}
	}
}

func TestBoundaries(t *testing.T) {
	for _, test := range []struct {
		va            hostarch.Addr
		pde, ppe, pxe bool
	}{
		{0x1000, false, false, false},
		{0x200000, true, false, false},
		{0x40000000, true, true, false},
		{0x8000000000, true, true, true},
		{0x8000001000, false, false, false},
	} {
		e := EntryFor(PTELevel, test.va)
		got := []bool{IsOnPDEBoundary(e), IsOnPPEBoundary(e), IsOnPXEBoundary(e)}
		want := []bool{test.pde, test.ppe, test.pxe}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("boundaries of %v (-want +got):\n%s", test.va, diff)
		}
	}
}

func TestPTEBits(t *testing.T) {
	p := MakeValid(0x1234, MapOpts{Writable: true, User: true, Cache: hostarch.MemoryTypeWriteCombine})
	if !p.Valid() || !p.Writable() || !p.Owner() || p.Frame() != 0x1234 {
		t.Errorf("MakeValid produced %v", p)
	}
	if got := p.Cache(); got != hostarch.MemoryTypeWriteCombine {
		t.Errorf("Cache() = %v, want WriteCombined", got)
	}
	if got := p.WithCache(hostarch.MemoryTypeUncached).Cache(); got != hostarch.MemoryTypeUncached {
		t.Errorf("WithCache(UC).Cache() = %v", got)
	}

	cow := MakeValid(7, MapOpts{Writable: true, User: true, CopyOnWrite: true})
	if cow.Writable() || !cow.IsCopyOnWrite() {
		t.Errorf("copy-on-write entry %v must not be writable", cow)
	}

	tr := MakeTransition(9, MapOpts{User: true})
	if tr.Valid() || !tr.IsTransition() || tr.Frame() != 9 {
		t.Errorf("MakeTransition produced %v", tr)
	}
}

func TestMapAndWalk(t *testing.T) {
	tables := New(true, nil)
	va := hostarch.Addr(0x400000)

	e, p := tables.Walk(va)
	if e.Level != PXELevel || p.Valid() {
		t.Fatalf("empty tables walk stopped at %v (%v), want invalid PXE", e, p)
	}

	leaf := tables.Map(va, MakeValid(42, MapOpts{User: true}))
	frame, got, _, ok := tables.Translate(va)
	if !ok || frame != 42 || got != leaf {
		t.Errorf("Translate(%v) = %d, %v, %v; want 42, %v, true", va, frame, got, ok, leaf)
	}

	// The neighbouring page shares the leaf table but is not mapped.
	e, p = tables.Walk(va + hostarch.PageSize)
	if e.Level != PTELevel || !p.IsZero() {
		t.Errorf("neighbour walk = %v, %v; want empty leaf", e, p)
	}

	tables.Invalidate(leaf)
	if _, _, _, ok := tables.Translate(va); ok {
		t.Errorf("Translate after Invalidate succeeded")
	}
}

func TestLargePage(t *testing.T) {
	tables := New(true, nil)
	base := hostarch.Addr(0x40000000)
	tables.MapLarge(base, MakeLarge(0x200, MapOpts{User: true}))

	for _, off := range []uint64{0, hostarch.PageSize, 511 * hostarch.PageSize} {
		va := base + hostarch.Addr(off)
		frame, e, p, ok := tables.Translate(va)
		if !ok || e.Level != PDELevel || !IsLargePage(p) {
			t.Fatalf("Translate(%v) = %v, %v, %v", va, e, p, ok)
		}
		if want := 0x200 + off/hostarch.PageSize; frame != want {
			t.Errorf("Translate(%v) frame = %#x, want %#x", va, frame, want)
		}
	}
	if tables.Ensure(base, PTELevel) {
		t.Errorf("Ensure below a large page should report false")
	}
}

func TestForEachValid(t *testing.T) {
	tables := New(false, nil)
	for i, f := range []uint64{10, 11, 13} {
		if i == 2 {
			i++
		}
		tables.Map(hostarch.Addr(0x10000+i*hostarch.PageSize), MakeValid(f, MapOpts{}))
	}
	var frames []uint64
	tables.ForEachValid(hostarch.AddrRange{Start: 0x10000, End: 0x14000}, func(_ hostarch.Addr, _ Entry, p PTE) {
		frames = append(frames, p.Frame())
	})
	if diff := cmp.Diff([]uint64{10, 11, 13}, frames); diff != "" {
		t.Errorf("ForEachValid frames (-want +got):\n%s", diff)
	}
}
