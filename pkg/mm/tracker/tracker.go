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

// Package tracker records outstanding I/O space locks, system mappings, I/O
// space mappings and locked MDLs.
//
// The I/O space tracker is load-bearing: lock operations register with it
// and use its generation counter to detect concurrent remapping of device
// memory. The other trackers are diagnostic. They verify that every unmap
// and unlock names something that was mapped or locked, and they stop
// tracking rather than fail the caller when they reach their record limit.
package tracker

import (
	"fmt"
	"time"

	"github.com/mohae/deepcopy"

	"gvisor.dev/mdl/pkg/atomicbitops"
	"gvisor.dev/mdl/pkg/log"
	"gvisor.dev/mdl/pkg/metric"
)

// Tracker names, the values of DisabledField.
const (
	LockedMDLsName = "locked_mdls"
	SystemPTEsName = "system_ptes"
	IOMappingsName = "io_mappings"
)

// DisabledField is the field of the tracker_disabled counter.
var DisabledField = metric.NewField("tracker", []string{LockedMDLsName, SystemPTEsName, IOMappingsName})

// DefaultLimit is the default record limit of each diagnostic tracker.
const DefaultLimit = 4096

// Config selects the trackers to run.
type Config struct {
	LockedMDLs bool `toml:"locked_mdls"`
	SystemPTEs bool `toml:"system_ptes"`
	IOMappings bool `toml:"io_mappings"`

	// Limit is the record limit of each diagnostic tracker. Zero selects
	// DefaultLimit.
	Limit int `toml:"limit"`

	// IOSpaceLimit bounds the number of MDLs registered as locking I/O
	// space. Zero means unlimited.
	IOSpaceLimit int `toml:"io_space_limit"`
}

// diagnostic is the state shared by the diagnostic trackers.
type diagnostic struct {
	name     string
	enabled  atomicbitops.Bool
	limit    int
	disabled *metric.Uint64Metric
	warn     log.Logger
}

func (d *diagnostic) init(name string, enabled bool, limit int, disabled *metric.Uint64Metric) {
	d.name = name
	d.enabled.Store(enabled)
	d.limit = limit
	if d.limit <= 0 {
		d.limit = DefaultLimit
	}
	d.disabled = disabled
	d.warn = log.BasicRateLimitedLogger(time.Second)
}

// Enabled returns true while the tracker is recording.
func (d *diagnostic) Enabled() bool {
	return d.enabled.Load()
}

// full disables the tracker if n records reach its limit, and returns true
// if it did. The caller must hold the tracker's lock.
func (d *diagnostic) full(n int) bool {
	if n < d.limit {
		return false
	}
	d.enabled.Store(false)
	d.disabled.Increment(d.name)
	d.warn.Warningf("Tracker %s reached %d records and stopped tracking", d.name, d.limit)
	return true
}

// Trackers is the set of trackers of one memory manager.
type Trackers struct {
	IOSpace    *IOSpace
	SystemPTEs *SystemPTEs
	IOMappings *IOMappings
	LockedMDLs *LockedMDLs
}

// New returns the trackers selected by cfg. disabled must have been created
// with DisabledField.
func New(cfg Config, disabled *metric.Uint64Metric) *Trackers {
	return &Trackers{
		IOSpace:    newIOSpace(cfg.IOSpaceLimit),
		SystemPTEs: newSystemPTEs(cfg.SystemPTEs, cfg.Limit, disabled),
		IOMappings: newIOMappings(cfg.IOMappings, cfg.Limit, disabled),
		LockedMDLs: newLockedMDLs(cfg.LockedMDLs, cfg.Limit, disabled),
	}
}

// Snapshot is a copy of every tracker's records.
type Snapshot struct {
	IOSpaceMDLs  int
	IOGeneration uint64
	SystemPTEs   []SystemPTERecord
	IOMappings   []IOMappingRecord
	LockedMDLs   []LockedMDLRecord
	Enabled      map[string]bool
}

// Snapshot returns a copy of the trackers' state. Records are returned in
// no particular order.
func (t *Trackers) Snapshot() Snapshot {
	s := Snapshot{
		IOSpaceMDLs:  t.IOSpace.Len(),
		IOGeneration: t.IOSpace.Generation(),
		Enabled: map[string]bool{
			LockedMDLsName: t.LockedMDLs.Enabled(),
			SystemPTEsName: t.SystemPTEs.Enabled(),
			IOMappingsName: t.IOMappings.Enabled(),
		},
	}

	t.SystemPTEs.mu.Lock()
	ptes := deepcopy.Copy(t.SystemPTEs.records).(map[uint64]SystemPTERecord)
	t.SystemPTEs.mu.Unlock()
	for _, r := range ptes {
		s.SystemPTEs = append(s.SystemPTEs, r)
	}

	t.IOMappings.mu.Lock()
	for _, r := range t.IOMappings.byVA {
		s.IOMappings = append(s.IOMappings, *r)
	}
	t.IOMappings.mu.Unlock()

	t.LockedMDLs.mu.Lock()
	for _, r := range t.LockedMDLs.records {
		s.LockedMDLs = append(s.LockedMDLs, r)
	}
	t.LockedMDLs.mu.Unlock()
	return s
}

// String implements fmt.Stringer.
func (s Snapshot) String() string {
	return fmt.Sprintf("trackers{io_space=%d gen=%d system_ptes=%d io_mappings=%d locked_mdls=%d}",
		s.IOSpaceMDLs, s.IOGeneration, len(s.SystemPTEs), len(s.IOMappings), len(s.LockedMDLs))
}
