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

// Package pagetables provides the simulated per-process page directory.
//
// Tables are two-level, as on 32-bit x86: a directory of entriesPerTable
// pointers to leaf tables of entriesPerTable PTEs, each mapping one page.
// Leaf tables are allocated on demand and freed when they become empty.
//
// The accessed and dirty bits are maintained by Access, which plays the role
// of the MMU for simulated user accesses, and may be read and cleared by the
// eviction engine at any time.
package pagetables

import (
	"fmt"

	"gvisor.dev/pagevm/pkg/hostarch"
	"gvisor.dev/pagevm/pkg/sync"
)

const (
	entriesPerTable = 1024

	pteShift = hostarch.PageShift
	pdeShift = pteShift + 10

	// MaxAddr is the end of the address space covered by the tables.
	MaxAddr hostarch.Addr = 1 << 32
)

// PTEs is a leaf table.
type PTEs [entriesPerTable]PTE

// table is a leaf table and the number of valid entries in it.
type table struct {
	ptes  PTEs
	count int
}

// PageTables is a set of page tables for one address space.
type PageTables struct {
	// mu protects the tables. It is a leaf lock.
	mu sync.Mutex

	// root is the page directory.
	//
	// +checklocks:mu
	root [entriesPerTable]*table

	// mapped is the number of valid PTEs.
	//
	// +checklocks:mu
	mapped int
}

// New returns new, empty PageTables.
func New() *PageTables {
	return &PageTables{}
}

func split(addr hostarch.Addr) (pde, pte int) {
	if addr >= MaxAddr {
		panic(fmt.Sprintf("address %v outside page table range", addr))
	}
	return int(addr >> pdeShift), int(addr>>pteShift) & (entriesPerTable - 1)
}

// lookupLocked returns the PTE for addr, or nil if no leaf table covers it.
//
// +checklocks:p.mu
func (p *PageTables) lookupLocked(addr hostarch.Addr) *PTE {
	pde, pte := split(addr)
	t := p.root[pde]
	if t == nil {
		return nil
	}
	return &t.ptes[pte]
}

// Map installs a mapping for the page containing addr to the given physical
// address. Mappings are always user-accessible.
//
// Map returns false, leaving the tables unchanged, if addr is already mapped.
//
// Precondition: physical must be page-aligned.
func (p *PageTables) Map(addr hostarch.Addr, physical uintptr, writable bool) bool {
	pde, pte := split(addr.RoundDown())
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.root[pde]
	if t == nil {
		t = new(table)
		p.root[pde] = t
	}
	e := &t.ptes[pte]
	if e.Valid() {
		return false
	}
	e.Set(physical, writable, true)
	t.count++
	p.mapped++
	return true
}

// Unmap removes the mapping for the page containing addr. It returns the
// dirty bit the entry held at the moment it was cleared, so that a
// concurrent write cannot be lost between reading the bit and clearing the
// entry. ok is false if the page was not mapped.
func (p *PageTables) Unmap(addr hostarch.Addr) (wasDirty, ok bool) {
	pde, pte := split(addr.RoundDown())
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.root[pde]
	if t == nil || !t.ptes[pte].Valid() {
		return false, false
	}
	wasDirty = t.ptes[pte].Dirty()
	t.ptes[pte].Clear()
	p.mapped--
	if t.count--; t.count == 0 {
		p.root[pde] = nil
	}
	return wasDirty, true
}

// Lookup returns the physical address and permissions for the given virtual
// address. ok is false if the page is not mapped.
func (p *PageTables) Lookup(addr hostarch.Addr) (physical uintptr, at hostarch.AccessType, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.lookupLocked(addr)
	if e == nil || !e.Valid() {
		return 0, hostarch.NoAccess, false
	}
	at = hostarch.AccessType{Read: true, Write: e.Writeable()}
	return e.Address() + uintptr(addr.PageOffset()), at, true
}

// Entry returns a copy of the PTE for addr, which is zero if unmapped.
func (p *PageTables) Entry(addr hostarch.Addr) PTE {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e := p.lookupLocked(addr); e != nil {
		return *e
	}
	return 0
}

// setFlag sets or clears flag on a mapped page. It returns false if the page
// is not mapped.
func (p *PageTables) setFlag(addr hostarch.Addr, flag PTE, set bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.lookupLocked(addr)
	if e == nil || !e.Valid() {
		return false
	}
	if set {
		*e |= flag
	} else {
		*e &^= flag
	}
	return true
}

// IsAccessed returns the accessed bit of the page containing addr.
func (p *PageTables) IsAccessed(addr hostarch.Addr) bool {
	return p.Entry(addr).Accessed()
}

// SetAccessed sets or clears the accessed bit of a mapped page.
func (p *PageTables) SetAccessed(addr hostarch.Addr, v bool) {
	p.setFlag(addr, accessed, v)
}

// IsDirty returns the dirty bit of the page containing addr.
func (p *PageTables) IsDirty(addr hostarch.Addr) bool {
	return p.Entry(addr).Dirty()
}

// SetDirty sets or clears the dirty bit of a mapped page.
func (p *PageTables) SetDirty(addr hostarch.Addr, v bool) {
	p.setFlag(addr, dirty, v)
}

// Access simulates a user access to addr by the MMU. On success it sets the
// accessed bit (and the dirty bit for writes) and returns the translated
// physical address. ok is false if the access must fault, either because the
// page is not present or because it is a write to a read-only page; present
// then distinguishes the two.
func (p *PageTables) Access(addr hostarch.Addr, write bool) (physical uintptr, present, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.lookupLocked(addr)
	if e == nil || !e.Valid() {
		return 0, false, false
	}
	if write && !e.Writeable() {
		return 0, true, false
	}
	*e |= accessed
	if write {
		*e |= dirty
	}
	return e.Address() + uintptr(addr.PageOffset()), true, true
}

// Mapped returns the number of mapped pages.
func (p *PageTables) Mapped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mapped
}

// ForEach calls fn for every valid PTE in address order. fn must not call
// back into p.
func (p *PageTables) ForEach(fn func(addr hostarch.Addr, pte PTE)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, t := range p.root {
		if t == nil {
			continue
		}
		for j, e := range t.ptes {
			if e.Valid() {
				fn(hostarch.Addr(i)<<pdeShift|hostarch.Addr(j)<<pteShift, e)
			}
		}
	}
}

// Release clears every mapping.
func (p *PageTables) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.root {
		p.root[i] = nil
	}
	p.mapped = 0
}
