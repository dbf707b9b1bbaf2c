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

package bitmap

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestAddRemove(t *testing.T) {
	b := New(128)
	for _, i := range []uint32{0, 5, 63, 64, 127} {
		b.Add(i)
	}
	b.Add(5)
	if got := b.GetNumOnes(); got != 5 {
		t.Errorf("GetNumOnes = %d, want 5", got)
	}
	b.Remove(63)
	if diff := cmp.Diff([]uint32{0, 5, 64, 127}, b.ToSlice()); diff != "" {
		t.Errorf("ToSlice mismatch (-want +got):\n%s", diff)
	}
	if b.Contains(63) || !b.Contains(64) {
		t.Errorf("Contains reports wrong membership")
	}
}

func TestFirstZeroRun(t *testing.T) {
	b := New(256)
	b.AddRange(0, 3)
	b.AddRange(5, 6)
	b.AddRange(60, 70)
	for _, test := range []struct {
		name         string
		start, count uint32
		limit        uint32
		want         uint32
		ok           bool
	}{
		{"fits in first gap", 0, 2, 256, 3, true},
		{"skips short gap", 0, 3, 256, 6, true},
		{"straddles block", 0, 60, 256, 70, true},
		{"limit too small", 0, 60, 100, 0, false},
		{"exact fill", 70, 186, 256, 70, true},
		{"zero count", 0, 0, 256, 0, false},
	} {
		t.Run(test.name, func(t *testing.T) {
			got, ok := b.FirstZeroRun(test.start, test.count, test.limit)
			if ok != test.ok || (ok && got != test.want) {
				t.Errorf("FirstZeroRun(%d, %d, %d) = %d, %v; want %d, %v", test.start, test.count, test.limit, got, ok, test.want, test.ok)
			}
		})
	}
}

func TestClearRange(t *testing.T) {
	b := New(128)
	b.AddRange(10, 100)
	b.ClearRange(20, 90)
	if got := b.GetNumOnes(); got != 20 {
		t.Errorf("GetNumOnes = %d, want 20", got)
	}
	if z, ok := b.FirstZero(10); !ok || z != 20 {
		t.Errorf("FirstZero(10) = %d, %v; want 20", z, ok)
	}
}

func TestPartialWord(t *testing.T) {
	b := New(70)
	b.AddRange(0, 69)
	if z, ok := b.FirstZero(0); !ok || z != 69 {
		t.Errorf("FirstZero(0) = %d, %v; want 69", z, ok)
	}
	b.Add(69)
	if z, ok := b.FirstZero(0); ok {
		t.Errorf("FirstZero(0) on a full bitmap = %d", z)
	}
	if b.Contains(70) || b.Contains(1000) {
		t.Errorf("Contains reports bits past the end")
	}
	b.ClearRange(0, 70)
	if _, ok := b.FirstZeroRun(0, 70, 70); !ok {
		t.Errorf("FirstZeroRun found no room in an empty bitmap")
	}
	if _, ok := b.FirstZeroRun(0, 1, 71); ok {
		t.Errorf("FirstZeroRun accepted a limit past the end")
	}
}
