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

// Package swap implements the swap store, a slot allocator over a block
// device that holds evicted anonymous pages.
//
// A slot is SectorsPerPage consecutive sectors. Slot s occupies sectors
// [s*SectorsPerPage, (s+1)*SectorsPerPage). A slot is marked used exactly
// while some page table entry refers to it.
package swap

import (
	"fmt"

	"gvisor.dev/pagevm/pkg/bitmap"
	"gvisor.dev/pagevm/pkg/errors/linuxerr"
	"gvisor.dev/pagevm/pkg/hostarch"
	"gvisor.dev/pagevm/pkg/log"
	"gvisor.dev/pagevm/pkg/sync"
)

// SectorsPerPage is the number of device sectors in one page.
const SectorsPerPage = hostarch.PageSize / SectorSize

// Slot identifies a page-sized region of the swap device.
type Slot uint32

// Store is the swap slot table.
type Store struct {
	dev Device

	// mu serializes slot scans and transfers. It is independent of every
	// other lock in the pager.
	mu sync.Mutex

	// used has one bit per slot.
	//
	// +checklocks:mu
	used bitmap.Bitmap
}

// New returns a Store over dev with every slot free.
func New(dev Device) (*Store, error) {
	slots := dev.Sectors() / SectorsPerPage
	if slots == 0 {
		return nil, fmt.Errorf("swap device of %d sectors holds no pages: %w", dev.Sectors(), linuxerr.EINVAL)
	}
	if slots > uint64(^uint32(0)) {
		return nil, fmt.Errorf("swap device of %d sectors is too large: %w", dev.Sectors(), linuxerr.EFBIG)
	}
	log.Infof("Swap store: %d slots", slots)
	return &Store{
		dev:  dev,
		used: bitmap.New(uint32(slots)),
	}, nil
}

// WriteOut writes page to the first free slot and marks it used. It returns
// linuxerr.ENOSPC if the store is full.
func (s *Store) WriteOut(page []byte) (Slot, error) {
	if len(page) != hostarch.PageSize {
		panic(fmt.Sprintf("swap write of %d bytes", len(page)))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.used.FirstZero(0)
	if !ok {
		return 0, linuxerr.ENOSPC
	}
	slot := Slot(i)
	for j := uint64(0); j < SectorsPerPage; j++ {
		if err := s.dev.WriteSector(s.sector(slot, j), page[j*SectorSize:(j+1)*SectorSize]); err != nil {
			return 0, fmt.Errorf("swap out to slot %d: %w", slot, err)
		}
	}
	s.used.Add(i)
	log.Debugf("Swapped out to slot %d", slot)
	return slot, nil
}

// ReadIn reads slot into dst and frees the slot.
//
// Precondition: slot must be in use. Reading a free slot is a logic error
// and panics.
func (s *Store) ReadIn(slot Slot, dst []byte) error {
	if len(dst) != hostarch.PageSize {
		panic(fmt.Sprintf("swap read of %d bytes", len(dst)))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkUsedLocked(slot, "read")
	for j := uint64(0); j < SectorsPerPage; j++ {
		if err := s.dev.ReadSector(s.sector(slot, j), dst[j*SectorSize:(j+1)*SectorSize]); err != nil {
			return fmt.Errorf("swap in from slot %d: %w", slot, err)
		}
	}
	s.used.Remove(uint32(slot))
	log.Debugf("Swapped in from slot %d", slot)
	return nil
}

// Free releases slot without reading it.
//
// Precondition: slot must be in use.
func (s *Store) Free(slot Slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkUsedLocked(slot, "free")
	s.used.Remove(uint32(slot))
}

// +checklocks:s.mu
func (s *Store) checkUsedLocked(slot Slot, op string) {
	if uint32(slot) >= s.used.Size() || !s.used.IsSet(uint32(slot)) {
		log.Warningf("Swap %s of unused slot %d", op, slot)
		panic(fmt.Sprintf("swap %s of unused slot %d", op, slot))
	}
}

func (s *Store) sector(slot Slot, i uint64) uint64 {
	return uint64(slot)*SectorsPerPage + i
}

// InUse returns true if slot is marked used.
func (s *Store) InUse(slot Slot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint32(slot) < s.used.Size() && s.used.IsSet(uint32(slot))
}

// Used returns the number of used slots.
func (s *Store) Used() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.used.GetNumOnes())
}

// Slots returns the total number of slots.
func (s *Store) Slots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.used.Size())
}

// Close closes the underlying device.
func (s *Store) Close() error {
	return s.dev.Close()
}
