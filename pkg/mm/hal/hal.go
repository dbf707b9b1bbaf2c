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

// Package hal defines the narrow hardware interface used by the memory
// manager: translation buffer invalidation, cache range programming and
// page table entry access.
package hal

import (
	"gvisor.dev/mdl/pkg/hostarch"
	"gvisor.dev/mdl/pkg/mm/pagetables"
)

// TranslationBuffer invalidates cached translations.
type TranslationBuffer interface {
	// FlushSingle invalidates the translation of one page.
	FlushSingle(va hostarch.Addr)

	// FlushMultiple invalidates the translations of the given pages.
	FlushMultiple(vas []hostarch.Addr)

	// FlushEntire invalidates every non-global translation.
	FlushEntire()
}

// CacheController programs the memory type of physical ranges that have no
// frame database entry, as MTRRs or PAT ranges would.
type CacheController interface {
	ProgramCacheRange(basePFN, pages uint64, mt hostarch.MemoryType) error
}

// PTEAccessor reads and writes page table entries.
type PTEAccessor interface {
	ReadPte(e pagetables.Entry) pagetables.PTE
	WritePte(e pagetables.Entry, p pagetables.PTE)
}

var _ PTEAccessor = (*pagetables.Tables)(nil)
