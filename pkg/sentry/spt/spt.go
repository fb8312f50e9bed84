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

// Package spt implements the supplemental page table, the per-process record
// of what every registered virtual page should contain.
//
// The table is decoupled from residency: an entry exists whether or not the
// page is currently backed by a frame. Releasing the resources held by an
// entry (its frame or its swap slot) is delegated to a Releaser, which is the
// frame table.
package spt

import (
	"fmt"

	"github.com/google/btree"
	"gvisor.dev/pagevm/pkg/errors/linuxerr"
	"gvisor.dev/pagevm/pkg/hostarch"
	"gvisor.dev/pagevm/pkg/sync"
)

// Releaser discards the resources held by an entry that is being removed.
type Releaser interface {
	// Discard releases e's frame without write-back if e is resident, or
	// frees its swap slot if e is swapped out.
	Discard(e *Entry)
}

// btreeDegree is the degree of the underlying B-tree.
const btreeDegree = 8

func entryLess(a, b *Entry) bool {
	return a.Addr < b.Addr
}

// Table is a supplemental page table.
//
// Insertions and removals are made only by the owning address space, which
// serializes them. Lookups may come from the eviction engine concurrently.
type Table struct {
	releaser Releaser

	// mu protects entries. It is below the frame table lock in the lock
	// order.
	mu sync.RWMutex

	// entries is ordered by page address.
	//
	// +checklocks:mu
	entries *btree.BTreeG[*Entry]
}

// New returns an empty Table whose entries release resources through r.
func New(r Releaser) *Table {
	return &Table{
		releaser: r,
		entries:  btree.NewG[*Entry](btreeDegree, entryLess),
	}
}

// Lookup returns the entry for the page containing addr, or nil.
func (t *Table) Lookup(addr hostarch.Addr) *Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, _ := t.entries.Get(&Entry{Addr: addr.RoundDown()})
	return e
}

// Insert registers e. It returns an error wrapping linuxerr.EEXIST if an
// entry already exists for e.Addr.
//
// Precondition: e.Addr is page-aligned and e is not resident.
func (t *Table) Insert(e *Entry) error {
	if !e.Addr.IsPageAligned() {
		panic(fmt.Sprintf("unaligned entry address %v", e.Addr))
	}
	if e.Resident {
		panic(fmt.Sprintf("insert of resident entry %v", e))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entries.Has(e) {
		return fmt.Errorf("page %v already registered: %w", e.Addr, linuxerr.EEXIST)
	}
	t.entries.ReplaceOrInsert(e)
	return nil
}

// Remove deletes the entry for the page containing addr, discarding its
// contents. It returns false if there was no entry.
func (t *Table) Remove(addr hostarch.Addr) bool {
	e := t.Lookup(addr)
	if e == nil {
		return false
	}
	// Discard first, so the frame leaves the eviction ring while the entry
	// is still visible to eviction.
	t.releaser.Discard(e)
	t.mu.Lock()
	t.entries.Delete(e)
	t.mu.Unlock()
	return true
}

// DestroyAll removes every entry in address order, discarding contents.
func (t *Table) DestroyAll() {
	var all []*Entry
	t.ForEach(func(e *Entry) bool {
		all = append(all, e)
		return true
	})
	for _, e := range all {
		t.releaser.Discard(e)
	}
	t.mu.Lock()
	t.entries.Clear(false)
	t.mu.Unlock()
}

// Len returns the number of entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries.Len()
}

// ForEach calls fn for every entry in address order until fn returns false.
// fn must not insert or remove entries.
func (t *Table) ForEach(fn func(e *Entry) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	t.entries.Ascend(btree.ItemIteratorG[*Entry](fn))
}

// Overlaps returns true if any entry lies within ar.
func (t *Table) Overlaps(ar hostarch.AddrRange) bool {
	found := false
	t.mu.RLock()
	defer t.mu.RUnlock()
	t.entries.AscendGreaterOrEqual(&Entry{Addr: ar.Start.RoundDown()}, func(e *Entry) bool {
		found = e.Addr < ar.End
		return false
	})
	return found
}
