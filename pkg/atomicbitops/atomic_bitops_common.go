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

package atomicbitops

import "sync/atomic"

// addUnlessInt32 adds delta to *addr and returns true, unless *addr is stop,
// in which case it returns false and leaves *addr unchanged.
func addUnlessInt32(addr *int32, delta, stop int32) bool {
	for v := atomic.LoadInt32(addr); v != stop; v = atomic.LoadInt32(addr) {
		if atomic.CompareAndSwapInt32(addr, v, v+delta) {
			return true
		}
	}
	return false
}

// IncUnlessZeroInt32 increments *addr unless it is zero. It reports whether
// *addr was incremented.
func IncUnlessZeroInt32(addr *int32) bool {
	return addUnlessInt32(addr, 1, 0)
}

// DecUnlessOneInt32 decrements *addr unless it is one. It reports whether
// *addr was decremented.
func DecUnlessOneInt32(addr *int32) bool {
	return addUnlessInt32(addr, -1, 1)
}
