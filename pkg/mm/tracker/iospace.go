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

package tracker

import (
	"errors"
	"fmt"

	"gvisor.dev/mdl/pkg/atomicbitops"
	"gvisor.dev/mdl/pkg/errors/mmerr"
	"gvisor.dev/mdl/pkg/mm/mdl"
	"gvisor.dev/mdl/pkg/mm/pfn"
	"gvisor.dev/mdl/pkg/sync"
)

// ErrGenerationChanged is returned by Register when I/O space was remapped
// after the caller captured the generation. The caller must release what it
// locked and start over.
var ErrGenerationChanged = errors.New("I/O space generation changed")

// IOSpace tracks MDLs that lock I/O space frames of user ranges.
type IOSpace struct {
	gen   atomicbitops.Uint64
	limit int

	mu   sync.Mutex
	mdls map[*mdl.MDL][]pfn.PFN
}

func newIOSpace(limit int) *IOSpace {
	return &IOSpace{limit: limit, mdls: make(map[*mdl.MDL][]pfn.PFN)}
}

// Generation returns the current generation. It changes whenever I/O space
// is mapped or unmapped.
func (s *IOSpace) Generation() uint64 {
	return s.gen.Load()
}

// Bump advances the generation.
func (s *IOSpace) Bump() {
	s.gen.Add(1)
}

// Register records that m locks the I/O space frames in frames. gen is the
// generation captured before the frames were looked up; if it is no longer
// current the registration is withdrawn and ErrGenerationChanged returned.
func (s *IOSpace) Register(m *mdl.MDL, frames []pfn.PFN, gen uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mdls[m]; ok {
		panic(fmt.Sprintf("%v registered twice", m))
	}
	if s.limit > 0 && len(s.mdls) >= s.limit {
		return fmt.Errorf("tracking %d I/O space MDLs: %w", len(s.mdls), mmerr.ErrInsufficientResources)
	}
	s.mdls[m] = append([]pfn.PFN(nil), frames...)
	if s.gen.Load() != gen {
		delete(s.mdls, m)
		return ErrGenerationChanged
	}
	return nil
}

// Unregister removes m. It returns false if m was not registered.
func (s *IOSpace) Unregister(m *mdl.MDL) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.mdls[m]
	delete(s.mdls, m)
	return ok
}

// InFlight returns true if a registered MDL locks a frame in
// [base, base+pages).
func (s *IOSpace) InFlight(base, pages uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, frames := range s.mdls {
		for _, p := range frames {
			if uint64(p) >= base && uint64(p) < base+pages {
				return true
			}
		}
	}
	return false
}

// Len returns the number of registered MDLs.
func (s *IOSpace) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mdls)
}
