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

package hal

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/mdl/pkg/hostarch"
)

func TestRecorderCounts(t *testing.T) {
	var r Recorder
	r.FlushSingle(0x1000)
	r.FlushMultiple([]hostarch.Addr{0x1000, 0x2000, 0x3000})
	r.FlushEntire()
	want := FlushCounts{Single: 1, Multiple: 1, Entire: 1, Pages: 4}
	if diff := cmp.Diff(want, r.Flushes()); diff != "" {
		t.Errorf("Flushes mismatch (-want +got):\n%s", diff)
	}
}

func TestRecorderCacheRangeLimit(t *testing.T) {
	r := Recorder{MaxCacheRanges: 1}
	if err := r.ProgramCacheRange(0x100, 4, hostarch.MemoryTypeWriteCombine); err != nil {
		t.Fatalf("first ProgramCacheRange: %v", err)
	}
	if err := r.ProgramCacheRange(0x200, 4, hostarch.MemoryTypeUncached); err == nil {
		t.Errorf("second ProgramCacheRange succeeded past the limit")
	}
	want := []CacheRange{{BasePFN: 0x100, Pages: 4, Type: hostarch.MemoryTypeWriteCombine}}
	if diff := cmp.Diff(want, r.CacheRanges()); diff != "" {
		t.Errorf("CacheRanges mismatch (-want +got):\n%s", diff)
	}
}
