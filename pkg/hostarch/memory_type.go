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

import "fmt"

// MemoryType specifies the memory type (cache attribute) of a translation.
type MemoryType uint8

const (
	// MemoryTypeCached is ordinary write-back cacheable memory. It is
	// appropriate for all RAM and must be the zero value for MemoryType.
	MemoryTypeCached MemoryType = iota

	// MemoryTypeWriteCombine is uncached memory whose stores may be
	// combined in write buffers. It is typically used for frame buffers.
	MemoryTypeWriteCombine

	// MemoryTypeUncached is strongly uncached memory, as used for device
	// registers.
	MemoryTypeUncached

	// NumMemoryTypes is the number of memory types.
	NumMemoryTypes
)

// String implements fmt.Stringer.String.
func (mt MemoryType) String() string {
	switch mt {
	case MemoryTypeCached:
		return "Cached"
	case MemoryTypeWriteCombine:
		return "WriteCombined"
	case MemoryTypeUncached:
		return "NonCached"
	default:
		return fmt.Sprintf("%d", mt)
	}
}

// ShortString returns a two-character string compactly representing mt.
func (mt MemoryType) ShortString() string {
	switch mt {
	case MemoryTypeCached:
		return "WB"
	case MemoryTypeWriteCombine:
		return "WC"
	case MemoryTypeUncached:
		return "UC"
	default:
		return fmt.Sprintf("%02d", mt)
	}
}

// ParseMemoryType converts the output of MemoryType.String or
// MemoryType.ShortString back to a MemoryType.
func ParseMemoryType(s string) (MemoryType, error) {
	switch s {
	case "Cached", "WB", "cached":
		return MemoryTypeCached, nil
	case "WriteCombined", "WC", "writecombined":
		return MemoryTypeWriteCombine, nil
	case "NonCached", "UC", "noncached":
		return MemoryTypeUncached, nil
	default:
		return 0, fmt.Errorf("unknown memory type %q", s)
	}
}
