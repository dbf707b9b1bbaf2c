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

package hostarch

import "testing"

func TestPagesSpanned(t *testing.T) {
	for _, test := range []struct {
		addr   Addr
		length uint64
		want   uint64
	}{
		{0x1000, 0, 0},
		{0x1000, 1, 1},
		{0x1000, PageSize, 1},
		{0x1fff, 2, 2},
		{0x1800, PageSize, 2},
		{0x1000, 3 * PageSize, 3},
		{0x1001, 3 * PageSize, 4},
	} {
		if got := PagesSpanned(test.addr, test.length); got != test.want {
			t.Errorf("PagesSpanned(%v, %#x) = %d, want %d", test.addr, test.length, got, test.want)
		}
	}
}

func TestRoundUpOverflow(t *testing.T) {
	if _, ok := Addr(^uintptr(0)).RoundUp(); ok {
		t.Errorf("RoundUp of the top address should wrap")
	}
	if got, ok := Addr(0x1001).RoundUp(); !ok || got != 0x2000 {
		t.Errorf("RoundUp(0x1001) = %v, %v; want 0x2000, true", got, ok)
	}
}

func TestAddLength(t *testing.T) {
	if _, ok := Addr(^uintptr(0) - 10).AddLength(100); ok {
		t.Errorf("AddLength should report overflow")
	}
	if end, ok := Addr(0x1000).AddLength(0x2000); !ok || end != 0x3000 {
		t.Errorf("AddLength(0x2000) = %v, %v", end, ok)
	}
}

func TestUserSystemSplit(t *testing.T) {
	if !HighestUserAddress.IsUser() || UserProbeAddress.IsUser() {
		t.Errorf("user ceiling misplaced")
	}
	if !SystemRangeStart.IsSystem() || HighestUserAddress.IsSystem() {
		t.Errorf("system range misplaced")
	}
}

func TestParseMemoryType(t *testing.T) {
	for mt := MemoryType(0); mt < NumMemoryTypes; mt++ {
		for _, s := range []string{mt.String(), mt.ShortString()} {
			got, err := ParseMemoryType(s)
			if err != nil || got != mt {
				t.Errorf("ParseMemoryType(%q) = %v, %v; want %v", s, got, err, mt)
			}
		}
	}
	if _, err := ParseMemoryType("bogus"); err == nil {
		t.Errorf("ParseMemoryType(bogus) succeeded")
	}
}
