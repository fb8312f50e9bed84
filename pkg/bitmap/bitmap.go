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

// Package bitmap provides a fixed-size bitmap used to track allocated slots.
package bitmap

import (
	"fmt"
	"math/bits"
)

// Bitmap is a fixed-size set of bits, indexed from 0 to Size()-1.
//
// Bitmap is not thread-safe; callers must provide their own locking.
type Bitmap struct {
	// size is the number of usable bits.
	size uint32

	// numOnes is the number of set bits.
	numOnes uint32

	// bitBlock holds the bits, 64 per word.
	bitBlock []uint64
}

// New creates a Bitmap with size bits, all clear.
func New(size uint32) Bitmap {
	return Bitmap{
		size:     size,
		bitBlock: make([]uint64, (size+63)/64),
	}
}

// Size returns the number of usable bits in the bitmap.
func (b *Bitmap) Size() uint32 {
	return b.size
}

// GetNumOnes returns the number of set bits.
func (b *Bitmap) GetNumOnes() uint32 {
	return b.numOnes
}

// IsEmpty returns true if no bits are set.
func (b *Bitmap) IsEmpty() bool {
	return b.numOnes == 0
}

// IsFull returns true if every bit is set.
func (b *Bitmap) IsFull() bool {
	return b.numOnes == b.size
}

func (b *Bitmap) checkIndex(i uint32) {
	if i >= b.size {
		panic(fmt.Sprintf("bitmap index %d out of range [0, %d)", i, b.size))
	}
}

// IsSet returns true if bit i is set.
func (b *Bitmap) IsSet(i uint32) bool {
	b.checkIndex(i)
	return b.bitBlock[i/64]&(uint64(1)<<(i%64)) != 0
}

// Add sets bit i.
func (b *Bitmap) Add(i uint32) {
	b.checkIndex(i)
	blockNum, mask := i/64, uint64(1)<<(i%64)
	if old := b.bitBlock[blockNum]; old&mask == 0 {
		b.bitBlock[blockNum] = old | mask
		b.numOnes++
	}
}

// Remove clears bit i.
func (b *Bitmap) Remove(i uint32) {
	b.checkIndex(i)
	blockNum, mask := i/64, uint64(1)<<(i%64)
	if old := b.bitBlock[blockNum]; old&mask != 0 {
		b.bitBlock[blockNum] = old &^ mask
		b.numOnes--
	}
}

// FirstZero returns the first clear bit in [start, Size()). ok is false if
// there is none.
func (b *Bitmap) FirstZero(start uint32) (bit uint32, ok bool) {
	if start >= b.size {
		return 0, false
	}
	i, nbit := int(start/64), start%64
	w := b.bitBlock[i] | ((uint64(1) << nbit) - 1)
	for {
		if w != ^uint64(0) {
			bit = uint32(bits.TrailingZeros64(^w) + i*64)
			// Bits past size in the last word are never set, so they
			// must be filtered here.
			return bit, bit < b.size
		}
		i++
		if i == len(b.bitBlock) {
			return 0, false
		}
		w = b.bitBlock[i]
	}
}

// FirstOne returns the first set bit in [start, Size()). ok is false if there
// is none.
func (b *Bitmap) FirstOne(start uint32) (bit uint32, ok bool) {
	if start >= b.size {
		return 0, false
	}
	i, nbit := int(start/64), start%64
	w := b.bitBlock[i] &^ ((uint64(1) << nbit) - 1)
	for {
		if w != 0 {
			return uint32(bits.TrailingZeros64(w) + i*64), true
		}
		i++
		if i == len(b.bitBlock) {
			return 0, false
		}
		w = b.bitBlock[i]
	}
}

// FirstZeroRun returns the first index of n consecutive clear bits at or
// after start. ok is false if no such run exists.
func (b *Bitmap) FirstZeroRun(start, n uint32) (bit uint32, ok bool) {
	if n == 0 {
		return start, start <= b.size
	}
	for {
		first, ok := b.FirstZero(start)
		if !ok || b.size-first < n {
			return 0, false
		}
		next, ok := b.FirstOne(first)
		if !ok || next-first >= n {
			return first, true
		}
		start = next
	}
}

// ToSlice returns the indices of all set bits in increasing order. For
// example, a bitmap of [0, 1, 0, 1] returns [1, 3].
func (b *Bitmap) ToSlice() []uint32 {
	out := make([]uint32, 0, b.numOnes)
	for i, w := range b.bitBlock {
		for w != 0 {
			j := w & -w
			out = append(out, uint32(i*64+bits.OnesCount64(j-1)))
			w ^= j
		}
	}
	return out
}
