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

// Package frame implements the frame table: the registry of physical frames
// allocated to user pages, and the clock (second-chance) eviction engine that
// reclaims them when physical memory runs out.
//
// Lock order:
//
//	mm.MemoryManager.mu
//	  frame.Table.mu
//	    spt.Table.mu
//	      pagetables.PageTables.mu
//
// swap.Store.mu and pgalloc.MemoryFile.mu are leaves that may be taken at any
// point below frame.Table.mu.
package frame

import (
	"fmt"
	"time"

	"gvisor.dev/pagevm/pkg/hostarch"
	"gvisor.dev/pagevm/pkg/log"
	"gvisor.dev/pagevm/pkg/ring0/pagetables"
	"gvisor.dev/pagevm/pkg/sentry/pgalloc"
	"gvisor.dev/pagevm/pkg/sentry/spt"
	"gvisor.dev/pagevm/pkg/sentry/swap"
	"gvisor.dev/pagevm/pkg/sentry/usage"
	"gvisor.dev/pagevm/pkg/sync"
)

// Handle identifies a frame in the arena. It is stable for the lifetime of
// the frame and may be reused after the frame is released.
type Handle = spt.FrameID

// OwnerID identifies a registered address space.
type OwnerID uint32

// Owner is an address space whose pages may be backed by frames.
type Owner interface {
	// PageTables returns the address space's page tables.
	PageTables() *pagetables.PageTables

	// SPT returns the address space's supplemental page table.
	SPT() *spt.Table
}

// frame is an arena slot.
type frame struct {
	// inUse is true while the slot holds an allocated frame.
	inUse bool

	// phys is the backing physical page.
	phys pgalloc.PhysAddr

	// owner and addr identify the page the frame backs.
	owner OwnerID
	addr  hostarch.Addr

	// pinned is the transient pin held from Allocate until Commit.
	pinned bool

	// kind is the accounting category, valid once committed.
	kind usage.MemoryKind
}

// Table is the frame table. It is shared by every address space.
type Table struct {
	mem  *pgalloc.MemoryFile
	swap *swap.Store

	// warn rate-limits warnings from the allocation path.
	warn log.Logger

	// memory and paging are usage statistics. They are updated
	// atomically.
	memory usage.MemoryLocked
	paging usage.Paging

	// mu protects the fields below, and the Content, Pinned, Resident and
	// Frame fields of every resident spt.Entry.
	mu sync.Mutex

	// unpinned is signaled, with mu, when a transient pin is dropped.
	unpinned *sync.Cond

	// frames is the arena.
	//
	// +checklocks:mu
	frames []frame

	// freeSlots are unused arena indices.
	//
	// +checklocks:mu
	freeSlots []Handle

	// ring is the clock order of every allocated frame.
	//
	// +checklocks:mu
	ring []Handle

	// hand is the index in ring of the next eviction candidate. It is
	// meaningless while ring is empty.
	//
	// +checklocks:mu
	hand int

	// transient is the number of frames holding a transient pin.
	//
	// +checklocks:mu
	transient int

	// owners is the registry of address spaces.
	//
	// +checklocks:mu
	owners map[OwnerID]Owner

	// nextOwner is the next OwnerID to hand out.
	//
	// +checklocks:mu
	nextOwner OwnerID
}

// locked is proof that Table.mu is held. Only Table.lock constructs one, so
// functions taking a *locked cannot be called without the lock.
type locked struct {
	t *Table
}

func (t *Table) lock() *locked {
	t.mu.Lock()
	return &locked{t}
}

func (l *locked) unlock() {
	l.t.mu.Unlock()
}

// New returns a frame table allocating from mem and evicting anonymous pages
// to s.
func New(mem *pgalloc.MemoryFile, s *swap.Store) *Table {
	t := &Table{
		mem:       mem,
		swap:      s,
		warn:      log.BasicRateLimitedLogger(time.Second),
		owners:    make(map[OwnerID]Owner),
		nextOwner: 1,
	}
	t.unpinned = sync.NewCond(&t.mu)
	return t
}

// Register adds o to the owner registry and returns its id.
func (t *Table) Register(o Owner) OwnerID {
	l := t.lock()
	defer l.unlock()
	id := t.nextOwner
	t.nextOwner++
	t.owners[id] = o
	return id
}

// Unregister removes id from the owner registry.
//
// Precondition: id owns no frames.
func (t *Table) Unregister(id OwnerID) {
	l := t.lock()
	defer l.unlock()
	for _, h := range t.ring {
		if t.frames[h].owner == id {
			panic(fmt.Sprintf("unregister of owner %d still holding frame %d", id, h))
		}
	}
	delete(t.owners, id)
}

// ownerLocked returns the registered owner id.
func (t *Table) ownerLocked(_ *locked, id OwnerID) Owner {
	o, ok := t.owners[id]
	if !ok {
		panic(fmt.Sprintf("unknown frame owner %d", id))
	}
	return o
}

// frameLocked returns the in-use frame h.
func (t *Table) frameLocked(_ *locked, h Handle) *frame {
	if h < 0 || int(h) >= len(t.frames) || !t.frames[h].inUse {
		panic(fmt.Sprintf("invalid frame handle %d", h))
	}
	return &t.frames[h]
}

// Bytes returns the contents of frame h. The slice is valid until the frame
// is released; the caller must hold a pin or the owner's lock to keep it from
// being evicted.
func (t *Table) Bytes(h Handle) []byte {
	l := t.lock()
	phys := t.frameLocked(l, h).phys
	l.unlock()
	return t.mem.Bytes(phys)
}

// Phys returns the physical address of frame h.
func (t *Table) Phys(h Handle) pgalloc.PhysAddr {
	l := t.lock()
	defer l.unlock()
	return t.frameLocked(l, h).phys
}

// Paging returns the paging statistics, for callers that account faults.
func (t *Table) Paging() *usage.Paging {
	return &t.paging
}

// Swap returns the swap store.
func (t *Table) Swap() *swap.Store {
	return t.swap
}

// Stats is a snapshot of frame table usage.
type Stats struct {
	// Frames is the number of allocated frames.
	Frames int

	// FreePages is the number of unallocated physical pages.
	FreePages int

	// Pinned is the number of frames holding a transient pin.
	Pinned int

	// Owners is the number of registered address spaces.
	Owners int

	// SwapUsed and SwapSlots describe swap occupancy.
	SwapUsed  int
	SwapSlots int

	// Memory is resident and swapped memory by kind, in bytes.
	Memory usage.MemoryStats

	// Paging is the fault and eviction counters.
	Paging usage.Paging
}

// Stats returns a snapshot of the table's usage.
func (t *Table) Stats() Stats {
	l := t.lock()
	s := Stats{
		Frames:    len(t.ring),
		Pinned:    t.transient,
		Owners:    len(t.owners),
		FreePages: t.mem.FreePages(),
		SwapUsed:  t.swap.Used(),
		SwapSlots: t.swap.Slots(),
	}
	l.unlock()
	s.Memory, _ = t.memory.Copy()
	s.Paging = t.paging.Copy()
	return s
}
