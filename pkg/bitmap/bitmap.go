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

// Package bitmap provides a fixed-size bitmap with run search.
package bitmap

import "math/bits"

// Bitmap is a fixed-size set of bits. The zero value holds no bits.
type Bitmap struct {
	words []uint64
	size  uint32
	ones  uint32
}

// New returns a Bitmap of size bits, all clear.
func New(size uint32) Bitmap {
	return Bitmap{words: make([]uint64, (size+63)/64), size: size}
}

// Size returns the number of bits in b.
func (b *Bitmap) Size() uint32 {
	return b.size
}

// GetNumOnes returns the number of set bits.
func (b *Bitmap) GetNumOnes() uint32 {
	return b.ones
}

// Contains returns true if bit i is set. Bits past the end are clear.
func (b *Bitmap) Contains(i uint32) bool {
	if i >= b.size {
		return false
	}
	return b.words[i/64]&(1<<(i%64)) != 0
}

// Add sets bit i, which must be in range.
func (b *Bitmap) Add(i uint32) {
	w := &b.words[i/64]
	if m := uint64(1) << (i % 64); *w&m == 0 {
		*w |= m
		b.ones++
	}
}

// Remove clears bit i, which must be in range.
func (b *Bitmap) Remove(i uint32) {
	w := &b.words[i/64]
	if m := uint64(1) << (i % 64); *w&m != 0 {
		*w &^= m
		b.ones--
	}
}

// AddRange sets bits [begin, end).
func (b *Bitmap) AddRange(begin, end uint32) {
	b.update(begin, end, true)
}

// ClearRange clears bits [begin, end).
func (b *Bitmap) ClearRange(begin, end uint32) {
	b.update(begin, end, false)
}

// update sets or clears [begin, end) a word at a time.
func (b *Bitmap) update(begin, end uint32, set bool) {
	for begin < end {
		n := min(end-begin, 64-begin%64)
		m := ^uint64(0) >> (64 - n) << (begin % 64)
		w := &b.words[begin/64]
		if set {
			b.ones += uint32(bits.OnesCount64(m &^ *w))
			*w |= m
		} else {
			b.ones -= uint32(bits.OnesCount64(m & *w))
			*w &^= m
		}
		begin += n
	}
}

// next returns the first bit at or after i whose value is want, or b.size if
// there is none.
func (b *Bitmap) next(i uint32, want bool) uint32 {
	for i < b.size {
		w := b.words[i/64]
		if !want {
			w = ^w
		}
		w &= ^uint64(0) << (i % 64)
		if w != 0 {
			return min(i&^63+uint32(bits.TrailingZeros64(w)), b.size)
		}
		i = i&^63 + 64
	}
	return b.size
}

// FirstZero returns the first clear bit at or after start. ok is false if
// every such bit is set.
func (b *Bitmap) FirstZero(start uint32) (bit uint32, ok bool) {
	bit = b.next(start, false)
	return bit, bit < b.size
}

// FirstZeroRun returns the first bit of the lowest run of count clear bits
// lying entirely within [start, limit). ok is false if there is no such run.
func (b *Bitmap) FirstZeroRun(start, count, limit uint32) (bit uint32, ok bool) {
	if count == 0 || limit > b.size {
		return 0, false
	}
	for start+count <= limit {
		z := b.next(start, false)
		if z+count > limit {
			return 0, false
		}
		o := b.next(z, true)
		if o >= z+count {
			return z, true
		}
		start = o + 1
	}
	return 0, false
}

// ToSlice returns the set bits in increasing order.
func (b *Bitmap) ToSlice() []uint32 {
	s := make([]uint32, 0, b.ones)
	for i := b.next(0, true); i < b.size; i = b.next(i+1, true) {
		s = append(s, i)
	}
	return s
}
