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

package usage

import (
	"sync/atomic"
)

// Paging contains page fault and eviction statistics.
type Paging struct {
	// Faults is the number of page faults resolved.
	Faults uint64

	// MajorFaults is the number of resolved faults that read from a file
	// or from swap.
	MajorFaults uint64

	// StackGrowths is the number of faults resolved by growing the stack.
	StackGrowths uint64

	// Evictions is the number of frames reclaimed by the clock.
	Evictions uint64

	// SwapOuts is the number of pages written to swap.
	SwapOuts uint64

	// SwapIns is the number of pages read back from swap.
	SwapIns uint64

	// FileWriteBacks is the number of dirty file pages written to their
	// file, by eviction or unmap.
	FileWriteBacks uint64
}

func inc(v *uint64) {
	atomic.AddUint64(v, 1)
}

// AccountFault does the accounting for a resolved fault.
func (p *Paging) AccountFault(major bool) {
	inc(&p.Faults)
	if major {
		inc(&p.MajorFaults)
	}
}

// AccountStackGrowth does the accounting for a stack growth.
func (p *Paging) AccountStackGrowth() {
	inc(&p.StackGrowths)
}

// AccountEviction does the accounting for an evicted frame.
func (p *Paging) AccountEviction() {
	inc(&p.Evictions)
}

// AccountSwapOut does the accounting for a page written to swap.
func (p *Paging) AccountSwapOut() {
	inc(&p.SwapOuts)
}

// AccountSwapIn does the accounting for a page read from swap.
func (p *Paging) AccountSwapIn() {
	inc(&p.SwapIns)
}

// AccountFileWriteBack does the accounting for a page written to its file.
func (p *Paging) AccountFileWriteBack() {
	inc(&p.FileWriteBacks)
}

// Copy returns an atomic snapshot of p.
func (p *Paging) Copy() Paging {
	return Paging{
		Faults:         atomic.LoadUint64(&p.Faults),
		MajorFaults:    atomic.LoadUint64(&p.MajorFaults),
		StackGrowths:   atomic.LoadUint64(&p.StackGrowths),
		Evictions:      atomic.LoadUint64(&p.Evictions),
		SwapOuts:       atomic.LoadUint64(&p.SwapOuts),
		SwapIns:        atomic.LoadUint64(&p.SwapIns),
		FileWriteBacks: atomic.LoadUint64(&p.FileWriteBacks),
	}
}
