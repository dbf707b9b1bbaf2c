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

// Package cleanup undoes partially completed operations on error paths.
package cleanup

// Cleanup is a stack of undo functions run by a deferred Clean unless the
// operation succeeds and calls Release first:
//
//	cu := cleanup.Make(func() { commit.Uncharge(n) })
//	defer cu.Clean()
//	...
//	cu.Add(func() { db.Unlock(frames) })
//	...
//	cu.Release()
type Cleanup struct {
	cleaners []func()
}

// Make returns a Cleanup holding f.
func Make(f func()) Cleanup {
	return Cleanup{cleaners: []func(){f}}
}

// Add pushes f. Nil functions are skipped.
func (c *Cleanup) Add(f func()) {
	c.cleaners = append(c.cleaners, f)
}

// Clean runs the pushed functions, last first, and empties c.
func (c *Cleanup) Clean() {
	clean(c.cleaners)
	c.cleaners = nil
}

// Release empties c without running anything and returns a function that
// runs what c held.
func (c *Cleanup) Release() func() {
	old := c.cleaners
	c.cleaners = nil
	return func() { clean(old) }
}

func clean(cleaners []func()) {
	for i := len(cleaners) - 1; i >= 0; i-- {
		if cleaners[i] != nil {
			cleaners[i]()
		}
	}
}
