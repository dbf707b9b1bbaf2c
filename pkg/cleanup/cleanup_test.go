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

package cleanup

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

// undo records the order in which cleaners run.
type undo struct {
	ran []string
}

func (u *undo) step(name string) func() {
	return func() { u.ran = append(u.ran, name) }
}

func TestCleanRunsInReverse(t *testing.T) {
	var u undo
	func() {
		cu := Make(u.step("uncharge"))
		defer cu.Clean()
		cu.Add(u.step("unlock"))
		cu.Add(nil)
		cu.Add(u.step("unmap"))
	}()
	if diff := cmp.Diff([]string{"unmap", "unlock", "uncharge"}, u.ran); diff != "" {
		t.Errorf("cleaners mismatch (-want +got):\n%s", diff)
	}
}

func TestCleanTwice(t *testing.T) {
	var u undo
	cu := Make(u.step("a"))
	cu.Clean()
	cu.Clean()
	if len(u.ran) != 1 {
		t.Errorf("cleaners ran %d times, want 1", len(u.ran))
	}
}

func TestReleaseDefers(t *testing.T) {
	var u undo
	var later func()
	func() {
		cu := Make(u.step("uncharge"))
		defer cu.Clean()
		cu.Add(u.step("unlock"))
		later = cu.Release()
	}()
	if len(u.ran) != 0 {
		t.Fatalf("released cleaners ran: %v", u.ran)
	}
	later()
	if diff := cmp.Diff([]string{"unlock", "uncharge"}, u.ran); diff != "" {
		t.Errorf("cleaners mismatch (-want +got):\n%s", diff)
	}
}
