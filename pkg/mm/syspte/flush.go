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

package syspte

import (
	"gvisor.dev/mdl/pkg/hostarch"
	"gvisor.dev/mdl/pkg/metric"
	"gvisor.dev/mdl/pkg/mm/hal"
)

// DefaultFlushThreshold is the largest number of pages flushed individually
// before the whole translation buffer is flushed instead.
const DefaultFlushThreshold = 33

// FlushField is the field of the flush counter.
var FlushField = metric.NewField("kind", []string{"single", "multiple", "entire"})

// Flusher invalidates the translations of unmapped pages.
type Flusher struct {
	tb        hal.TranslationBuffer
	threshold int
	flushes   *metric.Uint64Metric
}

// NewFlusher returns a Flusher. flushes must have been created with
// FlushField.
func NewFlusher(tb hal.TranslationBuffer, threshold int, flushes *metric.Uint64Metric) *Flusher {
	if threshold <= 0 {
		threshold = DefaultFlushThreshold
	}
	return &Flusher{tb: tb, threshold: threshold, flushes: flushes}
}

// Flush invalidates the translations of vas with a single-entry flush, a
// batched flush, or a full flush, by the number of pages.
func (f *Flusher) Flush(vas []hostarch.Addr) {
	switch {
	case len(vas) == 0:
	case len(vas) == 1:
		f.tb.FlushSingle(vas[0])
		f.flushes.Increment("single")
	case len(vas) <= f.threshold:
		f.tb.FlushMultiple(vas)
		f.flushes.Increment("multiple")
	default:
		f.tb.FlushEntire()
		f.flushes.Increment("entire")
	}
}
