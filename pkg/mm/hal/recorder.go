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
	"fmt"

	"gvisor.dev/mdl/pkg/hostarch"
	"gvisor.dev/mdl/pkg/sync"
)

// CacheRange is one range programmed through CacheController.
type CacheRange struct {
	BasePFN uint64
	Pages   uint64
	Type    hostarch.MemoryType
}

// FlushCounts counts translation buffer flushes by kind.
type FlushCounts struct {
	Single   uint64
	Multiple uint64
	Entire   uint64

	// Pages is the number of pages named by single and multiple flushes.
	Pages uint64
}

// Recorder is a software TranslationBuffer and CacheController that records
// every request. It is safe for concurrent use.
type Recorder struct {
	// MaxCacheRanges bounds the number of programmable ranges, like the
	// variable MTRR count of real processors. Zero means unlimited.
	MaxCacheRanges int

	mu     sync.Mutex
	counts FlushCounts
	ranges []CacheRange
}

var (
	_ TranslationBuffer = (*Recorder)(nil)
	_ CacheController   = (*Recorder)(nil)
)

// FlushSingle implements TranslationBuffer.FlushSingle.
func (r *Recorder) FlushSingle(hostarch.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts.Single++
	r.counts.Pages++
}

// FlushMultiple implements TranslationBuffer.FlushMultiple.
func (r *Recorder) FlushMultiple(vas []hostarch.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts.Multiple++
	r.counts.Pages += uint64(len(vas))
}

// FlushEntire implements TranslationBuffer.FlushEntire.
func (r *Recorder) FlushEntire() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts.Entire++
}

// ProgramCacheRange implements CacheController.ProgramCacheRange.
func (r *Recorder) ProgramCacheRange(basePFN, pages uint64, mt hostarch.MemoryType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.MaxCacheRanges > 0 && len(r.ranges) >= r.MaxCacheRanges {
		return fmt.Errorf("no free cache range registers for [%#x, %#x)", basePFN, basePFN+pages)
	}
	r.ranges = append(r.ranges, CacheRange{BasePFN: basePFN, Pages: pages, Type: mt})
	return nil
}

// Flushes returns the flush counts so far.
func (r *Recorder) Flushes() FlushCounts {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts
}

// CacheRanges returns a copy of the programmed ranges.
func (r *Recorder) CacheRanges() []CacheRange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]CacheRange(nil), r.ranges...)
}
