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
	"gvisor.dev/pagevm/pkg/sentry/memmap"
	"gvisor.dev/pagevm/pkg/sentry/spt"
)

// MMap maps the whole of file into the address space, shared and writable.
// If fixed is true the mapping is placed at addr, which must be page aligned,
// non-zero, and not overlap any existing page or the stack region. Otherwise
// addr is ignored and the lowest free range at or above the layout's
// MmapBase is used.
//
// Pages are loaded lazily; the last page is zero-padded past the end of the
// file. The mapping holds its own handle to the file.
func (mm *MemoryManager) MMap(file memmap.File, addr hostarch.Addr, fixed bool) (MappingID, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if mm.destroyed {
		return 0, linuxerr.EINVAL
	}

	length, err := file.Length()
	if err != nil {
		return 0, fmt.Errorf("getting length of %s: %w", file.Name(), err)
	}
	if length <= 0 {
		return 0, linuxerr.EINVAL
	}
	size, ok := hostarch.PageRoundUp(uint64(length))
	if !ok {
		return 0, linuxerr.ENOMEM
	}

	var ar hostarch.AddrRange
	if fixed {
		if addr == 0 || !addr.IsPageAligned() {
			return 0, linuxerr.EINVAL
		}
		if ar, ok = addr.ToRange(size); !ok || !mm.availableLocked(ar) {
			return 0, linuxerr.EINVAL
		}
	} else if ar, ok = mm.findAvailableLocked(size); !ok {
		return 0, linuxerr.ENOMEM
	}

	f, err := file.Reopen()
	if err != nil {
		return 0, fmt.Errorf("reopening %s: %w", file.Name(), err)
	}
	cu := cleanup.Make(func() { f.Close() })
	defer cu.Clean()

	for off := uint64(0); off < size; off += hostarch.PageSize {
		read := min(uint64(length)-off, hostarch.PageSize)
		e := spt.NewEntry(ar.Start+hostarch.Addr(off), spt.FileBacked{
			File:      f,
			Offset:    int64(off),
			ReadBytes: uint32(read),
			ZeroBytes: uint32(hostarch.PageSize - read),
		}, true)
		if err := mm.spt.Insert(e); err != nil {
			return 0, err
		}
		cu.Add(func() { mm.spt.Remove(e.Addr) })
	}
	cu.Release()

	id := mm.nextMapping
	mm.nextMapping++
	mm.mappings[id] = &mapping{file: f, ar: ar}
	log.Infof("Address space %d: mapped %s (%d bytes) at %v as mapping %d", mm.id, f.Name(), length, ar, id)
	return id, nil
}

// MappingRange returns the address range of mapping id.
func (mm *MemoryManager) MappingRange(id MappingID) (hostarch.AddrRange, bool) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	m, ok := mm.mappings[id]
	if !ok {
		return hostarch.AddrRange{}, false
	}
	return m.ar, true
}

// MUnmap removes the mapping id. Dirty resident pages are written back to
// the file first.
//
// The mapping is removed even if a write-back fails; the first such error
// is returned.
func (mm *MemoryManager) MUnmap(id MappingID) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	m, ok := mm.mappings[id]
	if !ok {
		return linuxerr.EINVAL
	}
	return mm.unmapLocked(id, m)
}

// Preconditions: mm.mu must be locked.
func (mm *MemoryManager) unmapLocked(id MappingID, m *mapping) error {
	var (
		firstErr error
		written  int
	)
	for addr := m.ar.Start; addr < m.ar.End; addr += hostarch.PageSize {
		e := mm.spt.Lookup(addr)
		if e == nil {
			panic(fmt.Sprintf("page %v of mapping %d has no entry", addr, id))
		}
		wrote, err := mm.frames.WriteBack(e)
		if err != nil {
			log.Warningf("Address space %d: write-back of %v failed: %v", mm.id, addr, err)
			if firstErr == nil {
				firstErr = err
			}
		}
		if wrote {
			written++
		}
		mm.spt.Remove(addr)
	}
	if err := m.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	delete(mm.mappings, id)
	log.Infof("Address space %d: unmapped mapping %d at %v, wrote back %d pages", mm.id, id, m.ar, written)
	return firstErr
}

// LoadSegment registers a process image segment of readBytes bytes read
// from file at offset, followed by zeroBytes zero bytes, at addr. Pages are
// loaded on first access. Pages with nothing to read are zero-filled;
// written pages go to swap rather than back to file.
//
// addr and offset must be page aligned and readBytes+zeroBytes a multiple
// of the page size.
func (mm *MemoryManager) LoadSegment(file memmap.File, offset int64, addr hostarch.Addr, readBytes, zeroBytes uint64, writable bool) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if mm.destroyed {
		return linuxerr.EINVAL
	}
	size := readBytes + zeroBytes
	if size == 0 || size%hostarch.PageSize != 0 || !addr.IsPageAligned() || offset < 0 || offset%hostarch.PageSize != 0 {
		return linuxerr.EINVAL
	}
	ar, ok := addr.ToRange(size)
	if !ok || !mm.availableLocked(ar) {
		return linuxerr.EINVAL
	}

	f, err := file.Reopen()
	if err != nil {
		return fmt.Errorf("reopening %s: %w", file.Name(), err)
	}
	cu := cleanup.Make(func() { f.Close() })
	defer cu.Clean()

	for page := ar.Start; page < ar.End; page += hostarch.PageSize {
		read := min(readBytes, hostarch.PageSize)
		var c spt.Content = spt.ZeroFill{}
		if read > 0 {
			c = spt.FileBacked{
				File:      f,
				Offset:    offset,
				ReadBytes: uint32(read),
				ZeroBytes: uint32(hostarch.PageSize - read),
				Private:   true,
			}
		}
		e := spt.NewEntry(page, c, writable)
		if err := mm.spt.Insert(e); err != nil {
			return err
		}
		cu.Add(func() { mm.spt.Remove(e.Addr) })
		readBytes -= read
		offset += hostarch.PageSize
	}
	cu.Release()
	mm.segmentFiles = append(mm.segmentFiles, f)
	log.Debugf("Address space %d: loaded segment %s at %v (writable %t)", mm.id, f.Name(), ar, writable)
	return nil
}

// SetupStack allocates the first stack page, directly below the layout's
// StackTop, and returns the initial stack pointer.
func (mm *MemoryManager) SetupStack() (hostarch.Addr, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if mm.destroyed {
		return 0, linuxerr.EINVAL
	}
	e := spt.NewEntry(mm.layout.StackTop-hostarch.PageSize, spt.ZeroFill{}, true)
	if err := mm.spt.Insert(e); err != nil {
		return 0, err
	}
	if err := mm.faultInLocked(e, hostarch.Write); err != nil {
		mm.spt.Remove(e.Addr)
		return 0, err
	}
	return mm.layout.StackTop, nil
}

// availableLocked returns true if ar may be used for a new mapping or
// segment.
//
// Preconditions: mm.mu must be locked.
func (mm *MemoryManager) availableLocked(ar hostarch.AddrRange) bool {
	return ar.Start >= mm.layout.MinAddr && ar.End <= mm.layout.StackBottom() && !mm.spt.Overlaps(ar)
}

// findAvailableLocked returns the lowest free range of size bytes at or
// above MmapBase.
//
// Preconditions: mm.mu must be locked.
func (mm *MemoryManager) findAvailableLocked(size uint64) (hostarch.AddrRange, bool) {
	start := mm.layout.MmapBase
	mm.spt.ForEach(func(e *spt.Entry) bool {
		if e.Addr < start {
			return true
		}
		if uint64(e.Addr-start) >= size {
			return false
		}
		start = e.Addr + hostarch.PageSize
		return true
	})
	ar, ok := start.ToRange(size)
	if !ok || ar.End > mm.layout.StackBottom() {
		return hostarch.AddrRange{}, false
	}
	return ar, true
}
