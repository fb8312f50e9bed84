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

// Package pgalloc contains the physical page allocator of the simulated
// machine.
//
// Physical memory is a single anonymous host mapping carved into
// hostarch.PageSize frames. A physical address is an offset into that
// mapping.
package pgalloc

import (
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/pagevm/pkg/bitmap"
	"gvisor.dev/pagevm/pkg/errors/linuxerr"
	"gvisor.dev/pagevm/pkg/hostarch"
	"gvisor.dev/pagevm/pkg/log"
	"gvisor.dev/pagevm/pkg/sync"
)

// PhysAddr is a physical address.
type PhysAddr uintptr

// MemoryFile is a pool of physical pages.
type MemoryFile struct {
	// mu protects the fields below. It is a leaf lock.
	mu sync.Mutex

	// mapping is the backing host memory.
	//
	// +checklocks:mu
	mapping []byte

	// allocated tracks used pages.
	//
	// +checklocks:mu
	allocated bitmap.Bitmap

	// next is the index at which the next first-fit scan begins.
	//
	// +checklocks:mu
	next uint32
}

// NewMemoryFile creates a MemoryFile with the given number of pages.
func NewMemoryFile(pages int) (*MemoryFile, error) {
	if pages <= 0 {
		return nil, fmt.Errorf("invalid physical page count %d: %w", pages, linuxerr.EINVAL)
	}
	m, err := unix.Mmap(-1, 0, pages*hostarch.PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mapping %d physical pages: %w", pages, err)
	}
	log.Infof("Physical memory: %d frames of %d bytes", pages, hostarch.PageSize)
	return &MemoryFile{
		mapping:   m,
		allocated: bitmap.New(uint32(pages)),
	}, nil
}

// Allocate returns a free physical page. It returns linuxerr.ENOMEM when
// every page is in use. Page contents are unspecified.
func (f *MemoryFile) Allocate() (PhysAddr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mapping == nil {
		panic("Allocate on a closed MemoryFile")
	}
	i, ok := f.allocated.FirstZero(f.next)
	if !ok {
		i, ok = f.allocated.FirstZero(0)
	}
	if !ok {
		return 0, linuxerr.ENOMEM
	}
	f.allocated.Add(i)
	f.next = i + 1
	return PhysAddr(uintptr(i) << hostarch.PageShift), nil
}

// +checklocks:f.mu
func (f *MemoryFile) indexLocked(p PhysAddr) uint32 {
	if uintptr(p)&hostarch.PageMask != 0 {
		panic(fmt.Sprintf("unaligned physical address %#x", uintptr(p)))
	}
	i := uint32(uintptr(p) >> hostarch.PageShift)
	if i >= f.allocated.Size() {
		panic(fmt.Sprintf("physical address %#x out of range", uintptr(p)))
	}
	return i
}

// Free returns a page to the pool. Freeing a free page panics.
func (f *MemoryFile) Free(p PhysAddr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.indexLocked(p)
	if !f.allocated.IsSet(i) {
		panic(fmt.Sprintf("double free of physical page %#x", uintptr(p)))
	}
	f.allocated.Remove(i)
}

// Bytes returns the contents of the allocated page p. The slice aliases
// physical memory and remains valid until p is freed.
func (f *MemoryFile) Bytes(p PhysAddr) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.indexLocked(p)
	if !f.allocated.IsSet(i) {
		panic(fmt.Sprintf("access to free physical page %#x", uintptr(p)))
	}
	off := uintptr(p)
	return f.mapping[off : off+hostarch.PageSize : off+hostarch.PageSize]
}

// TotalPages returns the number of pages in the pool.
func (f *MemoryFile) TotalPages() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int(f.allocated.Size())
}

// FreePages returns the number of unallocated pages.
func (f *MemoryFile) FreePages() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int(f.allocated.Size() - f.allocated.GetNumOnes())
}

// Close releases the backing memory. Outstanding Bytes slices become invalid.
func (f *MemoryFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mapping == nil {
		return nil
	}
	err := unix.Munmap(f.mapping)
	f.mapping = nil
	return err
}
