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

// Package usage tracks memory and paging statistics of the pager.
package usage

import (
	"fmt"
	"sync/atomic"

	"gvisor.dev/pagevm/pkg/sync"
)

// MemoryKind represents a type of memory held by user processes.
type MemoryKind int

const (
	// Anonymous represents resident zero-fill and stack memory, and
	// resident pages that were faulted back in from swap.
	Anonymous MemoryKind = iota

	// Mapped represents resident pages whose contents came from a file,
	// both memory-mapped files and lazily loaded image segments.
	Mapped

	// Swap represents pages held in the swap store. It is not resident
	// memory and is excluded from Total.
	Swap
)

// String implements fmt.Stringer.String.
func (k MemoryKind) String() string {
	switch k {
	case Anonymous:
		return "anonymous"
	case Mapped:
		return "mapped"
	case Swap:
		return "swap"
	default:
		return fmt.Sprintf("MemoryKind(%d)", int(k))
	}
}

// MemoryStats tracks memory usage in bytes. All fields correspond to the
// memory kind with the same name. The fields may be safely accessed directly
// on a copy of the object obtained from MemoryLocked.Copy().
type MemoryStats struct {
	// +checkatomic
	Anonymous uint64
	// +checkatomic
	Mapped uint64
	// +checkatomic
	Swap uint64
}

// MemoryLocked is MemoryStats with access methods.
type MemoryLocked struct {
	mu sync.RWMutex
	// MemoryStats records the memory stats.
	MemoryStats
}

func (m *MemoryLocked) counter(kind MemoryKind) *uint64 {
	switch kind {
	case Anonymous:
		return &m.Anonymous
	case Mapped:
		return &m.Mapped
	case Swap:
		return &m.Swap
	default:
		panic(fmt.Sprintf("invalid memory kind: %v", kind))
	}
}

// Inc adds an additional usage of 'val' bytes to memory category 'kind'.
//
// This method is thread-safe.
func (m *MemoryLocked) Inc(val uint64, kind MemoryKind) {
	m.mu.RLock()
	atomic.AddUint64(m.counter(kind), val)
	m.mu.RUnlock()
}

// Dec removes a usage of 'val' bytes from memory category 'kind'.
//
// This method is thread-safe.
func (m *MemoryLocked) Dec(val uint64, kind MemoryKind) {
	m.mu.RLock()
	atomic.AddUint64(m.counter(kind), ^(val - 1))
	m.mu.RUnlock()
}

// Move moves a usage of 'val' bytes from 'from' to 'to'.
//
// This method is thread-safe.
func (m *MemoryLocked) Move(val uint64, to MemoryKind, from MemoryKind) {
	m.mu.RLock()
	// The RLock protects against concurrent callers to Total().
	atomic.AddUint64(m.counter(from), ^(val - 1))
	atomic.AddUint64(m.counter(to), val)
	m.mu.RUnlock()
}

// totalLocked returns the resident total.
//
// Precondition: must be called when locked.
func (m *MemoryLocked) totalLocked() uint64 {
	return atomic.LoadUint64(&m.Anonymous) + atomic.LoadUint64(&m.Mapped)
}

// Total returns the total resident memory usage.
//
// This method is thread-safe.
func (m *MemoryLocked) Total() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalLocked()
}

// Copy returns a copy of the structure with a total.
//
// This method is thread-safe.
func (m *MemoryLocked) Copy() (MemoryStats, uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.MemoryStats, m.totalLocked()
}
