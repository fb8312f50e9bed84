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
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"
	"gvisor.dev/pagevm/pkg/errors/linuxerr"
	"gvisor.dev/pagevm/pkg/log"
)

// lockTimeout bounds how long OpenFileDevice waits for another user of the
// same swap file to go away.
const lockTimeout = 2 * time.Second

// FileDevice is a Device backed by a host file. The file is held under an
// exclusive advisory lock for the lifetime of the device, so two simulators
// cannot share a swap file.
type FileDevice struct {
	fd      int
	sectors uint64
	lock    *flock.Flock
}

// OpenFileDevice opens or creates the swap file at path and sizes it to hold
// the given number of sectors.
func OpenFileDevice(ctx context.Context, path string, sectors uint64) (*FileDevice, error) {
	l := flock.New(path + ".lock")
	ctx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()
	b := backoff.WithContext(backoff.NewConstantBackOff(100*time.Millisecond), ctx)
	op := func() error {
		locked, err := l.TryLock()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("error locking swap file %q: %v", path, err))
		}
		if !locked {
			log.Debugf("Swap file %q is busy, retrying", path)
			return fmt.Errorf("swap file %q is in use: %w", path, linuxerr.EBUSY)
		}
		return nil
	}
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_CLOEXEC, 0600)
	if err != nil {
		l.Unlock()
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}
	if err := unix.Ftruncate(fd, int64(sectors*SectorSize)); err != nil {
		unix.Close(fd)
		l.Unlock()
		return nil, &os.PathError{Op: "truncate", Path: path, Err: err}
	}
	log.Infof("Swap device %q: %d sectors", path, sectors)
	return &FileDevice{fd: fd, sectors: sectors, lock: l}, nil
}

// Sectors implements Device.Sectors.
func (d *FileDevice) Sectors() uint64 {
	return d.sectors
}

func (d *FileDevice) check(sector uint64, buf []byte) error {
	if len(buf) != SectorSize {
		panic(fmt.Sprintf("sector buffer of %d bytes", len(buf)))
	}
	if sector >= d.sectors {
		return fmt.Errorf("sector %d beyond device end: %w", sector, linuxerr.EIO)
	}
	return nil
}

// ReadSector implements Device.ReadSector.
func (d *FileDevice) ReadSector(sector uint64, buf []byte) error {
	if err := d.check(sector, buf); err != nil {
		return err
	}
	for done := 0; done < len(buf); {
		n, err := unix.Pread(d.fd, buf[done:], int64(sector*SectorSize)+int64(done))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("reading sector %d: %w", sector, err)
		}
		if n == 0 {
			return fmt.Errorf("reading sector %d: short read: %w", sector, linuxerr.EIO)
		}
		done += n
	}
	return nil
}

// WriteSector implements Device.WriteSector.
func (d *FileDevice) WriteSector(sector uint64, buf []byte) error {
	if err := d.check(sector, buf); err != nil {
		return err
	}
	for done := 0; done < len(buf); {
		n, err := unix.Pwrite(d.fd, buf[done:], int64(sector*SectorSize)+int64(done))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("writing sector %d: %w", sector, err)
		}
		done += n
	}
	return nil
}

// Close implements Device.Close. It releases the file lock.
func (d *FileDevice) Close() error {
	err := unix.Close(d.fd)
	if uerr := d.lock.Unlock(); err == nil {
		err = uerr
	}
	return err
}
