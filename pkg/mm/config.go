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

package mm

import (
	"gvisor.dev/mdl/pkg/mm/batch"
	"gvisor.dev/mdl/pkg/mm/syspte"
	"gvisor.dev/mdl/pkg/mm/tracker"
)

// Config configures a MemoryManager.
type Config struct {
	// MaxIOSpaceRetries bounds the number of times a lock operation is
	// restarted because I/O space was remapped while it ran.
	MaxIOSpaceRetries int `toml:"max_io_space_retries"`

	// FlushThreshold is the largest number of pages whose translations
	// are flushed individually.
	FlushThreshold int `toml:"flush_threshold"`

	// SystemPTEs is the number of system mapping slots.
	SystemPTEs uint32 `toml:"system_ptes"`

	// DeferredUnlock enables the deferred unlock batcher.
	DeferredUnlock bool `toml:"deferred_unlock"`

	// BatchCapacity, BatchPoolSize and DrainThreshold configure the
	// batcher. See batch.Options.
	BatchCapacity  int `toml:"batch_capacity"`
	BatchPoolSize  int `toml:"batch_pool_size"`
	DrainThreshold int `toml:"drain_threshold"`

	// Nodes is the number of deferred unlock queues.
	Nodes int `toml:"nodes"`

	Trackers tracker.Config `toml:"trackers"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MaxIOSpaceRetries: 64,
		FlushThreshold:    syspte.DefaultFlushThreshold,
		SystemPTEs:        4096,
		DeferredUnlock:    true,
		BatchCapacity:     batch.DefaultCapacity,
		BatchPoolSize:     batch.DefaultPoolSize,
		DrainThreshold:    batch.DefaultDrainThreshold,
		Nodes:             1,
		Trackers: tracker.Config{
			LockedMDLs: true,
			SystemPTEs: true,
			IOMappings: true,
			Limit:      tracker.DefaultLimit,
		},
	}
}
