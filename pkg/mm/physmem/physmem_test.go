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

package physmem

import (
	"testing"
)

func TestRunsAndPages(t *testing.T) {
	m, err := New([]Run{{Base: 0x100, Count: 4}, {Base: 0x10, Count: 2}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Release()

	for _, test := range []struct {
		frame uint64
		ram   bool
	}{
		{0x0f, false},
		{0x10, true},
		{0x11, true},
		{0x12, false},
		{0x103, true},
		{0x104, false},
	} {
		if got := m.Contains(test.frame); got != test.ram {
			t.Errorf("Contains(%#x) = %v, want %v", test.frame, got, test.ram)
		}
	}

	m.Page(0x101)[7] = 0x5a
	m.Copy(0x10, 0x101)
	if got := m.Touch(0x10, 7, true); got != 0x5a {
		t.Errorf("Touch after Copy = %#x, want 0x5a", got)
	}
	m.Zero(0x10)
	if got := m.Touch(0x10, 7, false); got != 0 {
		t.Errorf("Touch after Zero = %#x, want 0", got)
	}
	if got := m.Page(0x101)[7]; got != 0x5a {
		t.Errorf("Zero of another frame clobbered 0x101: %#x", got)
	}
}

func TestOverlappingRuns(t *testing.T) {
	if _, err := New([]Run{{Base: 0, Count: 4}, {Base: 3, Count: 2}}); err == nil {
		t.Errorf("New accepted overlapping runs")
	}
	if _, err := New([]Run{{Base: 0, Count: 0}}); err == nil {
		t.Errorf("New accepted an empty run")
	}
}
