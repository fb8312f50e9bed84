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
	"fmt"

	"gvisor.dev/pagevm/pkg/cleanup"
	"gvisor.dev/pagevm/pkg/errors/linuxerr"
	"gvisor.dev/pagevm/pkg/hostarch"
	"gvisor.dev/pagevm/pkg/log"
	"gvisor.dev/pagevm/pkg/sentry/frame"
	"gvisor.dev/pagevm/pkg/sentry/spt"
)

// FaultError is returned for a page fault that cannot be resolved.
type FaultError struct {
	// Addr is the faulting address.
	Addr hostarch.Addr

	// Access is the faulting access.
	Access hostarch.AccessType

	// Err is the cause, usually EFAULT, EACCES or EIO.
	Err error
}

// Error implements error.Error.
func (e *FaultError) Error() string {
	return fmt.Sprintf("unresolvable %v fault at %v: %v", e.Access, e.Addr, e.Err)
}

// Unwrap returns the cause.
func (e *FaultError) Unwrap() error {
	return e.Err
}

// Kill returns true if the faulting process must be terminated. This holds
// for every fault HandleUserFault fails to resolve.
func (e *FaultError) Kill() bool {
	return true
}

// HandleUserFault resolves a page fault at addr. user is true if the fault
// was raised by user code, and false if the kernel faulted while accessing
// user memory on the process's behalf. sp is the user stack pointer at the
// time of the fault.
//
// A returned error is always a *FaultError. A kernel-mode fault on an address
// outside user memory is a kernel bug and panics.
func (mm *MemoryManager) HandleUserFault(addr hostarch.Addr, at hostarch.AccessType, user bool, sp hostarch.Addr) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	_, err := mm.faultLocked(addr, at, user, sp)
	return err
}

// faultLocked resolves a fault at addr and returns the entry for its page.
//
// Preconditions: mm.mu must be locked.
func (mm *MemoryManager) faultLocked(addr hostarch.Addr, at hostarch.AccessType, user bool, sp hostarch.Addr) (*spt.Entry, error) {
	if addr >= mm.layout.StackTop {
		if !user {
			log.Warningf("Address space %d: kernel %v fault at %v outside user memory", mm.id, at, addr)
			panic(fmt.Sprintf("kernel %v fault at %v outside user memory", at, addr))
		}
		return nil, &FaultError{addr, at, linuxerr.EFAULT}
	}
	if mm.destroyed {
		return nil, &FaultError{addr, at, linuxerr.EFAULT}
	}
	page := addr.RoundDown()

	if _, perms, ok := mm.pt.Lookup(page); ok {
		if at.Write && !perms.Write {
			return nil, &FaultError{addr, at, linuxerr.EACCES}
		}
		// Mapped since the access that raised the fault.
		if e := mm.spt.Lookup(page); e != nil {
			return e, nil
		}
		panic(fmt.Sprintf("page %v mapped without an entry", page))
	}

	e := mm.spt.Lookup(page)
	switch {
	case e == nil:
		if !mm.isStackGrowth(addr, sp) {
			log.Debugf("Address space %d: %v fault at %v (sp %v) outside any page", mm.id, at, addr, sp)
			return nil, &FaultError{addr, at, linuxerr.EFAULT}
		}
		e = spt.NewEntry(page, spt.ZeroFill{}, true)
		if err := mm.spt.Insert(e); err != nil {
			panic(fmt.Sprintf("stack growth at %v: %v", page, err))
		}
		mm.frames.Paging().AccountStackGrowth()
		log.Debugf("Address space %d: grew stack to %v (sp %v)", mm.id, page, sp)
	case at.Write && !e.Writable:
		return nil, &FaultError{addr, at, linuxerr.EACCES}
	}

	if err := mm.faultInLocked(e, at); err != nil {
		return nil, err
	}
	return e, nil
}

// isStackGrowth returns true if a fault at addr, with stack pointer sp, is
// an access to a not yet allocated stack page.
func (mm *MemoryManager) isStackGrowth(addr, sp hostarch.Addr) bool {
	l := mm.layout
	if addr < l.MinAddr || addr < l.StackBottom() || addr >= l.StackTop {
		return false
	}
	return uint64(addr)+l.StackGap >= uint64(sp)
}

// faultInLocked makes e resident.
//
// Preconditions: mm.mu must be locked.
func (mm *MemoryManager) faultInLocked(e *spt.Entry, at hostarch.AccessType) error {
	// Taking the frame table lock waits out an eviction of e in progress,
	// after which e's content is ours to read.
	if _, ok := mm.frames.Resident(e); ok {
		return nil
	}

	h := mm.frames.Allocate(mm.id, e.Addr)
	cu := cleanup.Make(func() { mm.frames.Release(h) })
	defer cu.Clean()

	major, err := mm.populateLocked(h, e, &cu)
	if err != nil {
		log.Warningf("Address space %d: populating %v from %v failed: %v", mm.id, e.Addr, e.Content, err)
		return &FaultError{e.Addr, at, err}
	}
	if !mm.pt.Map(e.Addr, uintptr(mm.frames.Phys(h)), e.Writable) {
		log.Warningf("Address space %d: installing %v failed", mm.id, e.Addr)
		return &FaultError{e.Addr, at, linuxerr.EFAULT}
	}
	// The access that faulted is retried against the new mapping.
	mm.pt.SetAccessed(e.Addr, true)
	cu.Release()
	mm.frames.Commit(h, e)
	mm.frames.Paging().AccountFault(major)
	log.Debugf("Address space %d: faulted in %v from %v at frame %d", mm.id, e.Addr, e.Content, h)
	return nil
}

// populateLocked fills frame h with e's content. major is true if the
// content came from a file or from swap.
//
// Preconditions: mm.mu must be locked. h is pinned. e is not resident.
func (mm *MemoryManager) populateLocked(h frame.Handle, e *spt.Entry, cu *cleanup.Cleanup) (major bool, err error) {
	page := mm.frames.Bytes(h)
	switch c := e.Content.(type) {
	case spt.ZeroFill:
		clear(page)
		return false, nil
	case spt.FileBacked:
		n, err := c.File.ReadAt(page[:c.ReadBytes], c.Offset)
		if n != int(c.ReadBytes) {
			return true, fmt.Errorf("read %d of %d bytes from %s at %#x (%v): %w", n, c.ReadBytes, c.File.Name(), c.Offset, err, linuxerr.EIO)
		}
		clear(page[c.ReadBytes:])
		return true, nil
	case spt.Swapped:
		if err := mm.frames.SwapIn(h, c.Slot); err != nil {
			return true, fmt.Errorf("swap in from slot %d: %w", c.Slot, err)
		}
		// The slot is free now; if the fault fails the data is lost.
		cu.Add(func() { e.Content = spt.ZeroFill{} })
		return true, nil
	default:
		panic(fmt.Sprintf("unknown page content %T", c))
	}
}
