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

	"gvisor.dev/pagevm/pkg/sentry/pgalloc"
	"gvisor.dev/pagevm/pkg/sentry/spt"
	"gvisor.dev/pagevm/pkg/sentry/swap"
)

// CheckInvariants verifies the frame table against every registered address
// space:
//
//   - each allocated frame appears in the clock ring exactly once;
//   - each committed frame is the frame of exactly one resident entry, and
//     is mapped at that entry's address;
//   - each resident entry's frame backs that entry;
//   - each swapped-out entry holds a distinct used swap slot.
//
// It returns the first violation found. Frames pinned by faults in flight
// are not checked.
func (t *Table) CheckInvariants() error {
	l := t.lock()
	defer l.unlock()

	inRing := make(map[Handle]bool, len(t.ring))
	for _, h := range t.ring {
		if inRing[h] {
			return fmt.Errorf("frame %d appears twice in the clock ring", h)
		}
		inRing[h] = true
	}
	if len(t.ring) > 0 && (t.hand < 0 || t.hand >= len(t.ring)) {
		return fmt.Errorf("clock hand %d outside ring of %d frames", t.hand, len(t.ring))
	}

	backed := make(map[*spt.Entry]Handle)
	for i := range t.frames {
		h := Handle(i)
		f := &t.frames[h]
		if f.inUse != inRing[h] {
			return fmt.Errorf("frame %d in use %t but in ring %t", h, f.inUse, inRing[h])
		}
		if !f.inUse || f.pinned {
			continue
		}
		o, ok := t.owners[f.owner]
		if !ok {
			return fmt.Errorf("frame %d owned by unregistered owner %d", h, f.owner)
		}
		e := o.SPT().Lookup(f.addr)
		if e == nil || !e.Resident || e.Frame != h {
			return fmt.Errorf("frame %d for %v of owner %d does not back a resident entry: %v", h, f.addr, f.owner, e)
		}
		if prev, ok := backed[e]; ok {
			return fmt.Errorf("entry %v backed by frames %d and %d", e, prev, h)
		}
		backed[e] = h
		phys, _, ok := o.PageTables().Lookup(f.addr)
		if ok && pgalloc.PhysAddr(phys) != f.phys {
			return fmt.Errorf("frame %d for %v mapped to %#x, not %#x", h, f.addr, phys, f.phys)
		}
	}

	slots := make(map[swap.Slot]*spt.Entry)
	for id, o := range t.owners {
		var err error
		o.SPT().ForEach(func(e *spt.Entry) bool {
			if e.Resident {
				if h, ok := backed[e]; !ok || h != e.Frame || t.frames[h].owner != id {
					err = fmt.Errorf("resident entry %v of owner %d is not backed by its frame", e, id)
				}
				return err == nil
			}
			if e.Frame != spt.NoFrame {
				err = fmt.Errorf("non-resident entry %v holds frame %d", e, e.Frame)
				return false
			}
			// Faults in flight free slots before they commit.
			if s, ok := e.Content.(spt.Swapped); ok && t.transient == 0 {
				if other, dup := slots[s.Slot]; dup {
					err = fmt.Errorf("entries %v and %v share swap slot %d", other, e, s.Slot)
					return false
				}
				if !t.swap.InUse(s.Slot) {
					err = fmt.Errorf("entry %v references free swap slot %d", e, s.Slot)
					return false
				}
				slots[s.Slot] = e
			}
			return true
		})
		if err != nil {
			return err
		}
	}
	if used := t.swap.Used(); t.transient == 0 && used != len(slots) {
		return fmt.Errorf("%d swap slots used but %d referenced", used, len(slots))
	}
	return nil
}
