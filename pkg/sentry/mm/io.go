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

package mm

import (
	"gvisor.dev/pagevm/pkg/cleanup"
	"gvisor.dev/pagevm/pkg/errors/linuxerr"
	"gvisor.dev/pagevm/pkg/hostarch"
	"gvisor.dev/pagevm/pkg/sentry/spt"
)

// CopyOut stores src at addr as the process's user code would, faulting
// pages in as needed. sp is the user stack pointer.
func (mm *MemoryManager) CopyOut(addr hostarch.Addr, src []byte, sp hostarch.Addr) error {
	return mm.access(addr, len(src), hostarch.Write, sp, func(done int, b []byte) {
		copy(b, src[done:])
	})
}

// CopyIn loads len(dst) bytes at addr into dst as the process's user code
// would, faulting pages in as needed. sp is the user stack pointer.
func (mm *MemoryManager) CopyIn(addr hostarch.Addr, dst []byte, sp hostarch.Addr) error {
	return mm.access(addr, len(dst), hostarch.Read, sp, func(done int, b []byte) {
		copy(dst[done:], b)
	})
}

// access runs fn over each page-sized piece of [addr, addr+n) through the
// MMU, resolving user faults until each access succeeds. done is the offset
// of b within the range.
func (mm *MemoryManager) access(addr hostarch.Addr, n int, at hostarch.AccessType, sp hostarch.Addr, fn func(done int, b []byte)) error {
	if n == 0 {
		return nil
	}
	if _, ok := addr.ToRange(uint64(n)); !ok {
		return &FaultError{addr, at, linuxerr.EFAULT}
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()
	for done := 0; done < n; {
		cur := addr + hostarch.Addr(done)
		if cur >= mm.layout.StackTop {
			_, err := mm.faultLocked(cur, at, true, sp)
			return err
		}
		off := cur.PageOffset()
		chunk := min(n-done, int(hostarch.PageSize-off))
		_, ok := mm.frames.Access(mm.id, cur, at.Write, func(page []byte) {
			fn(done, page[off:off+uint64(chunk)])
		})
		if ok {
			done += chunk
			continue
		}
		// The page may be evicted again before the retry; each round
		// still makes it resident.
		if _, err := mm.faultLocked(cur, at, true, sp); err != nil {
			return err
		}
	}
	return nil
}

// Pin faults in every page of [addr, addr+length) and pins it so that it
// cannot be evicted, as the kernel does for a system call buffer. The faults
// are taken in kernel mode. Pins do not nest: Unpin releases a page however
// many times it was pinned.
//
// On failure no page is left pinned by this call.
func (mm *MemoryManager) Pin(addr hostarch.Addr, length uint64, at hostarch.AccessType, sp hostarch.Addr) error {
	if length == 0 {
		return nil
	}
	ar, ok := addr.ToRange(length)
	if !ok || ar.End > mm.layout.StackTop {
		return &FaultError{max(addr, mm.layout.StackTop), at, linuxerr.EFAULT}
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()

	var pinned []*spt.Entry
	cu := cleanup.Make(func() {
		for _, e := range pinned {
			mm.frames.SetPinned(e, false)
		}
	})
	defer cu.Clean()

	for page := ar.Start.RoundDown(); page < ar.End; page += hostarch.PageSize {
		fa := max(page, addr)
		for {
			e, err := mm.faultLocked(fa, at, false, sp)
			if err != nil {
				return err
			}
			if len(pinned) == 0 || pinned[len(pinned)-1] != e {
				mm.frames.SetPinned(e, true)
				pinned = append(pinned, e)
			}
			// Evicted between the fault and the pin; faulting again
			// leaves it resident for good.
			if _, ok := mm.frames.Resident(e); ok {
				break
			}
		}
	}
	cu.Release()
	return nil
}

// Unpin drops the pins taken by Pin on [addr, addr+length).
func (mm *MemoryManager) Unpin(addr hostarch.Addr, length uint64) {
	ar, ok := addr.ToRange(length)
	if !ok || length == 0 {
		return
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()
	for page := ar.Start.RoundDown(); page < ar.End; page += hostarch.PageSize {
		if e := mm.spt.Lookup(page); e != nil {
			mm.frames.SetPinned(e, false)
		}
	}
}
