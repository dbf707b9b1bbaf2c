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

// Package atomicbitops provides atomic integer types and the conditional
// reference count updates built on them.
//
// Every access to a value of these types is atomic; there is no way to read
// or write one without synchronization.
package atomicbitops

import "sync/atomic"

// Int32 is an atomic int32. The zero value is zero.
type Int32 struct {
	_ noCopy
	v int32
}

// FromInt32 returns an Int32 holding v.
func FromInt32(v int32) Int32 {
	return Int32{v: v}
}

// Load atomically loads i.
func (i *Int32) Load() int32 { return atomic.LoadInt32(&i.v) }

// Store atomically stores v in i.
func (i *Int32) Store(v int32) { atomic.StoreInt32(&i.v, v) }

// Add atomically adds v to i and returns the new value.
func (i *Int32) Add(v int32) int32 { return atomic.AddInt32(&i.v, v) }

// CompareAndSwap atomically replaces o with n.
func (i *Int32) CompareAndSwap(o, n int32) bool {
	return atomic.CompareAndSwapInt32(&i.v, o, n)
}

// Ptr returns the address of the value for IncUnlessZeroInt32 and
// DecUnlessOneInt32.
func (i *Int32) Ptr() *int32 { return &i.v }

// Uint32 is an atomic uint32.
type Uint32 struct {
	_ noCopy
	v uint32
}

// Load atomically loads u.
func (u *Uint32) Load() uint32 { return atomic.LoadUint32(&u.v) }

// Store atomically stores v in u.
func (u *Uint32) Store(v uint32) { atomic.StoreUint32(&u.v, v) }

// Add atomically adds v to u and returns the new value.
func (u *Uint32) Add(v uint32) uint32 { return atomic.AddUint32(&u.v, v) }

// CompareAndSwap atomically replaces o with n.
func (u *Uint32) CompareAndSwap(o, n uint32) bool {
	return atomic.CompareAndSwapUint32(&u.v, o, n)
}

// Int64 is an atomic int64.
type Int64 struct {
	_ noCopy
	v int64
}

// Load atomically loads i.
func (i *Int64) Load() int64 { return atomic.LoadInt64(&i.v) }

// Store atomically stores v in i.
func (i *Int64) Store(v int64) { atomic.StoreInt64(&i.v, v) }

// Add atomically adds v to i and returns the new value.
func (i *Int64) Add(v int64) int64 { return atomic.AddInt64(&i.v, v) }

// CompareAndSwap atomically replaces o with n.
func (i *Int64) CompareAndSwap(o, n int64) bool {
	return atomic.CompareAndSwapInt64(&i.v, o, n)
}

// Uint64 is an atomic uint64.
type Uint64 struct {
	_ noCopy
	v uint64
}

// Load atomically loads u.
func (u *Uint64) Load() uint64 { return atomic.LoadUint64(&u.v) }

// Store atomically stores v in u.
func (u *Uint64) Store(v uint64) { atomic.StoreUint64(&u.v, v) }

// Add atomically adds v to u and returns the new value.
func (u *Uint64) Add(v uint64) uint64 { return atomic.AddUint64(&u.v, v) }

// Swap atomically stores v in u and returns the old value.
func (u *Uint64) Swap(v uint64) uint64 { return atomic.SwapUint64(&u.v, v) }

// CompareAndSwap atomically replaces o with n.
func (u *Uint64) CompareAndSwap(o, n uint64) bool {
	return atomic.CompareAndSwapUint64(&u.v, o, n)
}

// Bool is an atomic boolean stored as 0 or 1.
type Bool struct {
	Uint32
}

// Load atomically loads b.
func (b *Bool) Load() bool { return b.Uint32.Load() != 0 }

// Store atomically stores val in b.
func (b *Bool) Store(val bool) {
	var v uint32
	if val {
		v = 1
	}
	b.Uint32.Store(v)
}

// noCopy makes go vet's copylocks check reject copies of the types above.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}
