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

// Package commit implements commit charge accounting: a reservation that
// guarantees backing exists for committed pages, independent of residency.
package commit

import (
	"fmt"

	"gvisor.dev/mdl/pkg/atomicbitops"
)

// Ledger accounts commit charge against a limit. A Ledger may have a parent,
// in which case every charge must also fit in the parent.
type Ledger struct {
	name    string
	limit   uint64
	parent  *Ledger
	charged atomicbitops.Uint64
	peak    atomicbitops.Uint64
}

// NewLedger returns a ledger allowing limit pages. A zero limit is
// unlimited.
func NewLedger(name string, limit uint64, parent *Ledger) *Ledger {
	return &Ledger{name: name, limit: limit, parent: parent}
}

// Charge reserves pages and reports whether the reservation fit. A failed
// charge leaves every ledger unchanged.
func (l *Ledger) Charge(pages uint64) bool {
	if pages == 0 {
		return true
	}
	for {
		cur := l.charged.Load()
		if l.limit != 0 && cur+pages > l.limit {
			return false
		}
		if l.charged.CompareAndSwap(cur, cur+pages) {
			break
		}
	}
	if l.parent != nil && !l.parent.Charge(pages) {
		l.charged.Add(^(pages - 1))
		return false
	}
	for {
		cur, peak := l.charged.Load(), l.peak.Load()
		if cur <= peak || l.peak.CompareAndSwap(peak, cur) {
			break
		}
	}
	return true
}

// Uncharge returns pages previously charged.
func (l *Ledger) Uncharge(pages uint64) {
	if pages == 0 {
		return
	}
	for {
		cur := l.charged.Load()
		if pages > cur {
			panic(fmt.Sprintf("commit ledger %q: uncharging %d pages with %d charged", l.name, pages, cur))
		}
		if l.charged.CompareAndSwap(cur, cur-pages) {
			break
		}
	}
	if l.parent != nil {
		l.parent.Uncharge(pages)
	}
}

// Charged returns the pages currently charged.
func (l *Ledger) Charged() uint64 {
	return l.charged.Load()
}

// Peak returns the highest charge observed.
func (l *Ledger) Peak() uint64 {
	return l.peak.Load()
}

// Limit returns the limit, zero meaning unlimited.
func (l *Ledger) Limit() uint64 {
	return l.limit
}

// Name returns the ledger name.
func (l *Ledger) Name() string {
	return l.name
}
