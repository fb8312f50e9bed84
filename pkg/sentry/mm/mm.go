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

// Package mm provides per-process demand-paged address spaces.
//
// A MemoryManager owns a process's supplemental page table and page tables,
// and resolves its page faults against a shared frame.Table.
//
// Lock order:
//
//	MemoryManager.mu
//	  frame.Table.mu
//	    spt.Table.mu
//	      pagetables.PageTables.mu
package mm

import (
	"fmt"

	"gvisor.dev/pagevm/pkg/errors/linuxerr"
	"gvisor.dev/pagevm/pkg/hostarch"
	"gvisor.dev/pagevm/pkg/log"
	"gvisor.dev/pagevm/pkg/ring0/pagetables"
	"gvisor.dev/pagevm/pkg/sentry/frame"
	"gvisor.dev/pagevm/pkg/sentry/memmap"
	"gvisor.dev/pagevm/pkg/sentry/spt"
	"gvisor.dev/pagevm/pkg/sync"
)

// Layout describes the shape of a process's address space.
type Layout struct {
	// MinAddr is the lowest address user memory may occupy.
	MinAddr hostarch.Addr

	// StackTop is the exclusive upper bound of the stack, and of user
	// memory.
	StackTop hostarch.Addr

	// MaxStackSize is the size of the region below StackTop reserved for
	// stack growth.
	MaxStackSize uint64

	// StackGap is the distance below the stack pointer at which an access
	// still grows the stack.
	StackGap uint64

	// MmapBase is where mappings without a fixed address are placed.
	MmapBase hostarch.Addr
}

// DefaultLayout returns the layout of a 32-bit process with an 8 MB stack.
func DefaultLayout() Layout {
	return Layout{
		MinAddr:      hostarch.PageSize,
		StackTop:     0xc0000000,
		MaxStackSize: 8 << 20,
		StackGap:     hostarch.PageSize,
		MmapBase:     0x40000000,
	}
}

// StackBottom returns the lowest address the stack may grow to.
func (l Layout) StackBottom() hostarch.Addr {
	return l.StackTop - hostarch.Addr(l.MaxStackSize)
}

// Validate checks that l describes a usable address space.
func (l Layout) Validate() error {
	switch {
	case !l.StackTop.IsPageAligned() || !l.MinAddr.IsPageAligned() || !l.MmapBase.IsPageAligned():
		return fmt.Errorf("layout addresses must be page aligned: %w", linuxerr.EINVAL)
	case l.MaxStackSize == 0 || l.MaxStackSize%hostarch.PageSize != 0:
		return fmt.Errorf("stack size %#x must be a non-zero multiple of the page size: %w", l.MaxStackSize, linuxerr.EINVAL)
	case l.StackTop > pagetables.MaxAddr:
		return fmt.Errorf("stack top %v above the addressable limit %v: %w", l.StackTop, pagetables.MaxAddr, linuxerr.EINVAL)
	case l.MaxStackSize >= uint64(l.StackTop-l.MinAddr):
		return fmt.Errorf("stack size %#x leaves no room above %v: %w", l.MaxStackSize, l.MinAddr, linuxerr.EINVAL)
	case l.MmapBase < l.MinAddr || l.MmapBase >= l.StackBottom():
		return fmt.Errorf("mmap base %v outside [%v, %v): %w", l.MmapBase, l.MinAddr, l.StackBottom(), linuxerr.EINVAL)
	}
	return nil
}

// MappingID identifies a file mapping established by MMap.
type MappingID int

// mapping is a file mapped by MMap.
type mapping struct {
	// file is a handle reopened for the mapping, closed by unmap.
	file memmap.File

	// ar is the mapped range. Page i maps the file at offset i*PageSize.
	ar hostarch.AddrRange
}

// MemoryManager implements a process's virtual address space.
type MemoryManager struct {
	// frames is the system frame table. frames is immutable.
	frames *frame.Table

	// layout is immutable.
	layout Layout

	// id identifies mm in frames. id is immutable.
	id frame.OwnerID

	// pt and spt are the process's page tables and supplemental page table.
	// The pointers are immutable.
	pt  *pagetables.PageTables
	spt *spt.Table

	// mu serializes faults, mapping changes and destruction, and protects
	// every entry in spt that is not resident.
	mu sync.Mutex

	// mappings are the live file mappings.
	//
	// +checklocks:mu
	mappings map[MappingID]*mapping

	// nextMapping is the next MappingID to hand out.
	//
	// +checklocks:mu
	nextMapping MappingID

	// segmentFiles are the handles opened by LoadSegment.
	//
	// +checklocks:mu
	segmentFiles []memmap.File

	// destroyed is set by Destroy.
	//
	// +checklocks:mu
	destroyed bool
}

// New returns an empty address space with the given layout, registered with
// frames.
func New(frames *frame.Table, layout Layout) (*MemoryManager, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	mm := &MemoryManager{
		frames:      frames,
		layout:      layout,
		pt:          pagetables.New(),
		mappings:    make(map[MappingID]*mapping),
		nextMapping: 1,
	}
	mm.spt = spt.New(frames)
	mm.id = frames.Register(mm)
	log.Debugf("Created address space %d", mm.id)
	return mm, nil
}

// ID returns mm's frame table owner ID.
func (mm *MemoryManager) ID() frame.OwnerID {
	return mm.id
}

// Layout returns mm's layout.
func (mm *MemoryManager) Layout() Layout {
	return mm.layout
}

// PageTables implements frame.Owner.PageTables.
func (mm *MemoryManager) PageTables() *pagetables.PageTables {
	return mm.pt
}

// SPT implements frame.Owner.SPT.
func (mm *MemoryManager) SPT() *spt.Table {
	return mm.spt
}

// Destroy tears down the address space: every file mapping is unmapped
// with write-back, every remaining page is discarded, and mm is removed from
// the frame table. mm must not be used afterwards.
func (mm *MemoryManager) Destroy() {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if mm.destroyed {
		return
	}
	for id, m := range mm.mappings {
		if err := mm.unmapLocked(id, m); err != nil {
			log.Warningf("Address space %d: write-back of mapping %d on exit failed: %v", mm.id, id, err)
		}
	}
	mm.spt.DestroyAll()
	for _, f := range mm.segmentFiles {
		f.Close()
	}
	mm.segmentFiles = nil
	mm.frames.Unregister(mm.id)
	mm.pt.Release()
	mm.destroyed = true
	log.Debugf("Destroyed address space %d", mm.id)
}

// inUserSpace returns true if addr may hold user memory.
func (mm *MemoryManager) inUserSpace(addr hostarch.Addr) bool {
	return addr >= mm.layout.MinAddr && addr < mm.layout.StackTop
}
