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

package swap

import (
	"fmt"

	"gvisor.dev/pagevm/pkg/errors/linuxerr"
	"gvisor.dev/pagevm/pkg/sync"
)

// SectorSize is the size of a device sector in bytes.
const SectorSize = 512

// Device is a sector-addressed block device.
//
// Implementations must be safe for concurrent use.
type Device interface {
	// Sectors returns the number of sectors on the device.
	Sectors() uint64

	// ReadSector reads sector into buf, which is SectorSize bytes long.
	ReadSector(sector uint64, buf []byte) error

	// WriteSector writes buf, which is SectorSize bytes long, to sector.
	WriteSector(sector uint64, buf []byte) error

	// Close releases the device.
	Close() error
}

// MemDevice is a Device held in memory.
type MemDevice struct {
	mu sync.Mutex

	// +checklocks:mu
	data []byte
}

// NewMemDevice returns a zeroed MemDevice with the given number of sectors.
func NewMemDevice(sectors uint64) *MemDevice {
	return &MemDevice{data: make([]byte, sectors*SectorSize)}
}

// Sectors implements Device.Sectors.
func (d *MemDevice) Sectors() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return uint64(len(d.data)) / SectorSize
}

// +checklocks:d.mu
func (d *MemDevice) sectorLocked(sector uint64, buf []byte) ([]byte, error) {
	if len(buf) != SectorSize {
		panic(fmt.Sprintf("sector buffer of %d bytes", len(buf)))
	}
	if sector >= uint64(len(d.data))/SectorSize {
		return nil, fmt.Errorf("sector %d beyond device end: %w", sector, linuxerr.EIO)
	}
	off := sector * SectorSize
	return d.data[off : off+SectorSize], nil
}

// ReadSector implements Device.ReadSector.
func (d *MemDevice) ReadSector(sector uint64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, err := d.sectorLocked(sector, buf)
	if err != nil {
		return err
	}
	copy(buf, s)
	return nil
}

// WriteSector implements Device.WriteSector.
func (d *MemDevice) WriteSector(sector uint64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, err := d.sectorLocked(sector, buf)
	if err != nil {
		return err
	}
	copy(s, buf)
	return nil
}

// Close implements Device.Close.
func (d *MemDevice) Close() error {
	return nil
}
