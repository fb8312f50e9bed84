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

// EvictOne evicts a single frame chosen by the clock.
func (t *Table) EvictOne() {
	l := t.lock()
	defer l.unlock()
	t.evictLocked(l)
}

// evictLocked frees one frame, or waits for a transient pin to drop if
// nothing is evictable. It panics if nothing can ever become evictable.
func (t *Table) evictLocked(l *locked) {
	h, e, ok := t.selectVictimLocked(l)
	if !ok {
		if t.transient > 0 {
			t.warn.Warningf("All %d frames pinned, %d by faults in flight; waiting", len(t.ring), t.transient)
			t.unpinned.Wait()
			return
		}
		log.Warningf("No evictable frame: all %d frames are pinned", len(t.ring))
		panic(fmt.Sprintf("no evictable frame: all %d frames are pinned", len(t.ring)))
	}
	t.evictFrameLocked(l, h, e)
}

// selectVictimLocked runs the clock from the hand. A frame that is pinned or
// recently accessed is passed over, and its accessed bit is cleared. The
// first frame that is neither is the victim; the hand is left on it.
//
// ok is false if a full sweep finds only pinned frames.
func (t *Table) selectVictimLocked(l *locked) (Handle, *spt.Entry, bool) {
	for {
		if len(t.ring) == 0 {
			return spt.NoFrame, nil, false
		}
		unpinned := false
		for i := 0; i < len(t.ring); i++ {
			if t.hand >= len(t.ring) {
				t.hand = 0
			}
			h := t.ring[t.hand]
			f := &t.frames[h]
			o := t.ownerLocked(l, f.owner)
			pt := o.PageTables()
			if f.pinned {
				pt.SetAccessed(f.addr, false)
				t.hand++
				continue
			}
			e := o.SPT().Lookup(f.addr)
			if e == nil || !e.Resident || e.Frame != h {
				panic(fmt.Sprintf("frame %d for %v has no resident entry: %v", h, f.addr, e))
			}
			if e.Pinned {
				pt.SetAccessed(f.addr, false)
				t.hand++
				continue
			}
			unpinned = true
			if pt.IsAccessed(f.addr) {
				pt.SetAccessed(f.addr, false)
				t.hand++
				continue
			}
			return h, e, true
		}
		// Accessed bits were cleared on this sweep; another one will find
		// a victim unless the pages are being touched concurrently.
		if !unpinned {
			return spt.NoFrame, nil, false
		}
	}
}

// evictFrameLocked writes back the victim according to its content, marks its
// entry non-resident and releases it.
func (t *Table) evictFrameLocked(l *locked, h Handle, e *spt.Entry) {
	f := t.frameLocked(l, h)
	pt := t.ownerLocked(l, f.owner).PageTables()

	// Unmapping first fixes the dirty bit: later writes by the owner fault
	// instead of modifying the frame being written back.
	dirty, _ := pt.Unmap(f.addr)
	page := t.mem.Bytes(f.phys)

	switch c := e.Content.(type) {
	case spt.ZeroFill:
		if dirty {
			e.Content = spt.Swapped{Slot: t.swapOutLocked(l, f, page)}
		}
	case spt.FileBacked:
		if dirty {
			if c.Private {
				e.Content = spt.Swapped{Slot: t.swapOutLocked(l, f, page)}
			} else if err := t.writeFileLocked(l, f, c); err != nil {
				log.Warningf("Write-back failed evicting %v of owner %d: %v", f.addr, f.owner, err)
				panic(fmt.Sprintf("write-back failed evicting %v of owner %d: %v", f.addr, f.owner, err))
			}
		}
	case spt.Swapped:
		e.Content = spt.Swapped{Slot: t.swapOutLocked(l, f, page)}
	default:
		panic(fmt.Sprintf("unknown page content %T", c))
	}

	log.Debugf("Evicted frame %d from owner %d page %v (dirty=%t), now %v", h, f.owner, f.addr, dirty, e.Content)
	e.Resident = false
	e.Frame = spt.NoFrame
	t.paging.AccountEviction()
	t.releaseLocked(l, h)
}

// swapOutLocked writes a victim's page to swap. Running out of swap here
// loses the page, so it panics.
func (t *Table) swapOutLocked(_ *locked, f *frame, page []byte) swap.Slot {
	slot, err := t.swap.WriteOut(page)
	if err != nil {
		if linuxerr.Equals(linuxerr.ENOSPC, err) {
			log.Warningf("Swap exhausted evicting %v of owner %d", f.addr, f.owner)
			panic(fmt.Sprintf("swap exhausted evicting %v of owner %d", f.addr, f.owner))
		}
		log.Warningf("Swap write failed evicting %v: %v", f.addr, err)
		panic(fmt.Sprintf("swap write failed evicting %v: %v", f.addr, err))
	}
	t.memory.Inc(hostarch.PageSize, usage.Swap)
	t.paging.AccountSwapOut()
	return slot
}
