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

// Package cacheattr keeps every simultaneous mapping of a physical frame on
// one memory type. Mapping a frame with conflicting types leaves the
// translation caches incoherent, so the first mapping's type wins and later
// requests are overridden to match.
package cacheattr

import (
	"fmt"
	"time"

	"github.com/google/btree"

	"gvisor.dev/mdl/pkg/errors/mmerr"
	"gvisor.dev/mdl/pkg/hostarch"
	"gvisor.dev/mdl/pkg/log"
	"gvisor.dev/mdl/pkg/metric"
	"gvisor.dev/mdl/pkg/mm/hal"
	"gvisor.dev/mdl/pkg/mm/pfn"
	"gvisor.dev/mdl/pkg/sync"
	"gvisor.dev/mdl/pkg/sync/locking"
)

// Override kinds, the values of OverrideField.
const (
	RequestedNonCachedGotCached    = "requested_noncached_got_cached"
	RequestedCachedGotNonCached    = "requested_cached_got_noncached"
	RequestedWriteCombinedGotOther = "requested_writecombined_got_other"
)

// OverrideField is the field of the override counter.
var OverrideField = metric.NewField("kind", []string{
	RequestedNonCachedGotCached,
	RequestedCachedGotNonCached,
	RequestedWriteCombinedGotOther,
})

// overrideKind returns the counter field value for an overridden request of
// req.
func overrideKind(req hostarch.MemoryType) string {
	switch req {
	case hostarch.MemoryTypeUncached:
		return RequestedNonCachedGotCached
	case hostarch.MemoryTypeCached:
		return RequestedCachedGotNonCached
	default:
		return RequestedWriteCombinedGotOther
	}
}

// ioRange is a tracked range of I/O space frames mapped with one type.
type ioRange struct {
	base  uint64
	pages uint64
	mt    hostarch.MemoryType
	refs  int
}

func (r *ioRange) end() uint64 {
	return r.base + r.pages
}

// Arbiter resolves the memory type of new mappings.
type Arbiter struct {
	db        *pfn.Database
	cc        hal.CacheController
	overrides *metric.Uint64Metric
	warn      log.Logger

	// mu protects io. It is independent of the frame database lock.
	mu sync.Mutex
	io *btree.BTreeG[*ioRange]
}

// New returns an Arbiter. overrides must have been created with
// OverrideField.
func New(db *pfn.Database, cc hal.CacheController, overrides *metric.Uint64Metric) *Arbiter {
	return &Arbiter{
		db:        db,
		cc:        cc,
		overrides: overrides,
		warn:      log.BasicRateLimitedLogger(time.Second),
		io: btree.NewG(8, func(a, b *ioRange) bool {
			if a.base != b.base {
				return a.base < b.base
			}
			return a.pages < b.pages
		}),
	}
}

func (a *Arbiter) override(req, got hostarch.MemoryType, what fmt.Stringer) {
	a.overrides.Increment(overrideKind(req))
	a.warn.Debugf("Cache attribute of %v overridden: requested %v, using %v", what, req, got)
}

// Resolve returns the memory type a new mapping of database frame p must
// use when req is requested. An unmapped frame takes req; a mapped frame
// keeps its type. The caller must hold the database lock.
func (a *Arbiter) Resolve(h *locking.Held, p pfn.PFN, req hostarch.MemoryType) hostarch.MemoryType {
	e := a.db.Entry(p)
	if !e.IsMapped() {
		a.db.SetCacheAttribute(h, p, req)
		return req
	}
	got := a.db.CacheAttribute(h, p)
	if got != req {
		a.override(req, got, p)
	}
	return got
}

// MustBeCachedConflict returns true if mapping frames with mt is forbidden
// because one of them may only be mapped cached. The caller must hold the
// database lock.
func (a *Arbiter) MustBeCachedConflict(h *locking.Held, frames []pfn.PFN, mt hostarch.MemoryType) bool {
	if mt == hostarch.MemoryTypeCached {
		return false
	}
	for _, p := range frames {
		if a.db.IsIOSpace(p) {
			continue
		}
		if a.db.Entry(p).Flags&pfn.MustBeCached != 0 {
			return true
		}
	}
	return false
}

type ioSpan struct {
	base, pages uint64
}

func (s ioSpan) String() string {
	return fmt.Sprintf("io[%#x, %#x)", s.base, s.base+s.pages)
}

// overlapping returns the tracked ranges intersecting [base, base+pages).
func (a *Arbiter) overlapping(base, pages uint64) []*ioRange {
	var rs []*ioRange
	a.io.Ascend(func(r *ioRange) bool {
		if r.base >= base+pages {
			return false
		}
		if r.end() > base {
			rs = append(rs, r)
		}
		return true
	})
	return rs
}

// ResolveIORange returns the memory type a new mapping of the I/O space
// frames [base, base+pages) must use when req is requested, and tracks the
// mapping until ReleaseIORange. It fails with ErrConflictingAddresses if the
// frames are already mapped with more than one type.
func (a *Arbiter) ResolveIORange(base, pages uint64, req hostarch.MemoryType) (hostarch.MemoryType, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	got := req
	existing := a.overlapping(base, pages)
	for i, r := range existing {
		if i == 0 {
			got = r.mt
		} else if r.mt != got {
			return 0, fmt.Errorf("%v mapped as both %v and %v: %w", ioSpan{base, pages}, got, r.mt, mmerr.ErrConflictingAddresses)
		}
	}
	if got != req {
		a.override(req, got, ioSpan{base, pages})
	}

	if r, ok := a.io.Get(&ioRange{base: base, pages: pages}); ok {
		r.refs++
		return got, nil
	}
	if got != hostarch.MemoryTypeCached {
		if err := a.cc.ProgramCacheRange(base, pages, got); err != nil {
			return 0, fmt.Errorf("programming %v as %v: %v: %w", ioSpan{base, pages}, got, err, mmerr.ErrInsufficientResources)
		}
	}
	a.io.ReplaceOrInsert(&ioRange{base: base, pages: pages, mt: got, refs: 1})
	return got, nil
}

// ReleaseIORange drops a mapping tracked by ResolveIORange.
func (a *Arbiter) ReleaseIORange(base, pages uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.io.Get(&ioRange{base: base, pages: pages})
	if !ok {
		mmerr.BugCheck(mmerr.UnmapOfUnmappedIOSpace, base, pages)
	}
	if r.refs--; r.refs == 0 {
		a.io.Delete(r)
	}
}

// IORangeType returns the type I/O space frame f is mapped with, if any.
func (a *Arbiter) IORangeType(f uint64) (hostarch.MemoryType, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rs := a.overlapping(f, 1)
	if len(rs) == 0 {
		return 0, false
	}
	return rs[0].mt, true
}
