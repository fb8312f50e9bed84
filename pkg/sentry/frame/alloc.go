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

package frame

import (
	"fmt"

	"gvisor.dev/pagevm/pkg/errors/linuxerr"
	"gvisor.dev/pagevm/pkg/hostarch"
	"gvisor.dev/pagevm/pkg/log"
	"gvisor.dev/pagevm/pkg/sentry/spt"
	"gvisor.dev/pagevm/pkg/sentry/swap"
	"gvisor.dev/pagevm/pkg/sentry/usage"
)

// Allocate returns a frame for page addr of owner, evicting other frames as
// needed. The frame is transiently pinned and is not yet linked to an entry;
// the caller must either Commit or Release it. Its contents are unspecified.
//
// Allocate never fails. If every frame is pinned by an entry it panics; if
// some frames are only transiently pinned by faults in flight, it waits for
// them.
func (t *Table) Allocate(owner OwnerID, addr hostarch.Addr) Handle {
	l := t.lock()
	defer l.unlock()
	t.ownerLocked(l, owner)
	for {
		phys, err := t.mem.Allocate()
		if err == nil {
			h := t.newHandleLocked(l)
			t.frames[h] = frame{
				inUse:  true,
				phys:   phys,
				owner:  owner,
				addr:   addr.RoundDown(),
				pinned: true,
			}
			t.ring = append(t.ring, h)
			t.transient++
			return h
		}
		if !linuxerr.Equals(linuxerr.ENOMEM, err) {
			panic(fmt.Sprintf("physical page allocation failed: %v", err))
		}
		t.evictLocked(l)
	}
}

func (t *Table) newHandleLocked(_ *locked) Handle {
	if n := len(t.freeSlots); n > 0 {
		h := t.freeSlots[n-1]
		t.freeSlots = t.freeSlots[:n-1]
		return h
	}
	t.frames = append(t.frames, frame{})
	return Handle(len(t.frames) - 1)
}

// Commit links the populated frame h to e, marks e resident and drops the
// transient pin.
//
// Precondition: h was returned by Allocate for e.Addr and is mapped in the
// owner's page tables.
func (t *Table) Commit(h Handle, e *spt.Entry) {
	l := t.lock()
	defer l.unlock()
	f := t.frameLocked(l, h)
	if !f.pinned {
		panic(fmt.Sprintf("commit of frame %d that is already committed", h))
	}
	if f.addr != e.Addr {
		panic(fmt.Sprintf("commit of frame %d for %v to entry %v", h, f.addr, e.Addr))
	}
	if e.Resident {
		panic(fmt.Sprintf("commit of frame %d to resident entry %v", h, e))
	}
	e.Resident = true
	e.Frame = h
	f.kind = kindOf(e.Content)
	t.memory.Inc(hostarch.PageSize, f.kind)
	t.unpinLocked(l, f)
}

func kindOf(c spt.Content) usage.MemoryKind {
	switch c.(type) {
	case spt.ZeroFill, spt.Swapped:
		return usage.Anonymous
	case spt.FileBacked:
		return usage.Mapped
	default:
		panic(fmt.Sprintf("unknown page content %T", c))
	}
}

func (t *Table) unpinLocked(_ *locked, f *frame) {
	f.pinned = false
	t.transient--
	t.unpinned.Broadcast()
}

// Release frees the uncommitted frame h: it leaves the clock ring, its
// mapping is cleared from the owner's page tables and the physical page
// returns to the allocator. Releasing a free frame panics.
//
// A committed frame backs an entry that Release cannot update, so releasing
// one panics; use Discard instead.
func (t *Table) Release(h Handle) {
	l := t.lock()
	defer l.unlock()
	t.checkInUseLocked(l, h)
	if !t.frames[h].pinned {
		log.Warningf("Release of committed frame %d at %v", h, t.frames[h].addr)
		panic(fmt.Sprintf("release of committed frame %d at %v", h, t.frames[h].addr))
	}
	t.releaseLocked(l, h)
}

func (t *Table) checkInUseLocked(_ *locked, h Handle) {
	if h < 0 || int(h) >= len(t.frames) || !t.frames[h].inUse {
		log.Warningf("Release of free frame %d", h)
		panic(fmt.Sprintf("release of free frame %d", h))
	}
}

func (t *Table) releaseLocked(l *locked, h Handle) {
	t.checkInUseLocked(l, h)
	f := &t.frames[h]
	t.removeFromRingLocked(l, h)
	t.ownerLocked(l, f.owner).PageTables().Unmap(f.addr)
	t.mem.Free(f.phys)
	if f.pinned {
		t.unpinLocked(l, f)
	} else {
		t.memory.Dec(hostarch.PageSize, f.kind)
	}
	*f = frame{}
	t.freeSlots = append(t.freeSlots, h)
}

func (t *Table) removeFromRingLocked(_ *locked, h Handle) {
	for i, r := range t.ring {
		if r != h {
			continue
		}
		copy(t.ring[i:], t.ring[i+1:])
		t.ring = t.ring[:len(t.ring)-1]
		// Keep the hand on the same successor.
		if i < t.hand {
			t.hand--
		}
		if t.hand >= len(t.ring) {
			t.hand = 0
		}
		return
	}
	panic(fmt.Sprintf("frame %d missing from the clock ring", h))
}

// Discard releases the resources held by e without write-back: its frame if
// it is resident, or its swap slot if it is swapped out. It implements
// spt.Releaser.
func (t *Table) Discard(e *spt.Entry) {
	l := t.lock()
	defer l.unlock()
	if e.Resident {
		h := e.Frame
		e.Resident = false
		e.Frame = spt.NoFrame
		t.releaseLocked(l, h)
		return
	}
	switch c := e.Content.(type) {
	case spt.Swapped:
		t.swap.Free(c.Slot)
		t.memory.Dec(hostarch.PageSize, usage.Swap)
	case spt.ZeroFill, spt.FileBacked:
	default:
		panic(fmt.Sprintf("unknown page content %T", c))
	}
}

// SwapIn reads swap slot into frame h and frees the slot.
//
// Precondition: h is transiently pinned, and slot is held by the entry h is
// being populated for.
func (t *Table) SwapIn(h Handle, slot swap.Slot) error {
	if err := t.swap.ReadIn(slot, t.Bytes(h)); err != nil {
		return err
	}
	t.memory.Dec(hostarch.PageSize, usage.Swap)
	t.paging.AccountSwapIn()
	return nil
}

// SetPinned sets e's pin, which excludes it from eviction while set.
func (t *Table) SetPinned(e *spt.Entry, pinned bool) {
	l := t.lock()
	defer l.unlock()
	e.Pinned = pinned
}

// Resident returns e's residency and frame under the table lock.
func (t *Table) Resident(e *spt.Entry) (Handle, bool) {
	l := t.lock()
	defer l.unlock()
	return e.Frame, e.Resident
}

// Snapshot returns a copy of e taken under the table lock.
func (t *Table) Snapshot(e *spt.Entry) spt.Entry {
	l := t.lock()
	defer l.unlock()
	return *e
}

// WriteBack writes a dirty, resident, shared file-backed page back to its
// file and clears its dirty bit. It reports whether a write was made.
func (t *Table) WriteBack(e *spt.Entry) (bool, error) {
	l := t.lock()
	defer l.unlock()
	if !e.Resident {
		return false, nil
	}
	fb, ok := e.Content.(spt.FileBacked)
	if !ok || fb.Private {
		return false, nil
	}
	f := t.frameLocked(l, e.Frame)
	pt := t.ownerLocked(l, f.owner).PageTables()
	if !pt.IsDirty(f.addr) {
		return false, nil
	}
	if err := t.writeFileLocked(l, f, fb); err != nil {
		return false, err
	}
	pt.SetDirty(f.addr, false)
	return true, nil
}

func (t *Table) writeFileLocked(_ *locked, f *frame, fb spt.FileBacked) error {
	page := t.mem.Bytes(f.phys)
	if _, err := fb.File.WriteAt(page[:fb.ReadBytes], fb.Offset); err != nil {
		return fmt.Errorf("writing back %v to %s at %#x: %w", f.addr, fb.File.Name(), fb.Offset, err)
	}
	t.paging.AccountFileWriteBack()
	log.Debugf("Wrote back %v to %s+%#x (%d bytes)", f.addr, fb.File.Name(), fb.Offset, fb.ReadBytes)
	return nil
}
