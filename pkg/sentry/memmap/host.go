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

package memmap

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
	"gvisor.dev/pagevm/pkg/errors/linuxerr"
)

// HostFile is a File backed by a host file descriptor.
type HostFile struct {
	fd   int
	name string
}

// NewHostFile takes ownership of f and returns a File that uses its
// descriptor. f must not be used after this call.
func NewHostFile(f *os.File) (*HostFile, error) {
	fd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		return nil, fmt.Errorf("dup %q: %w", f.Name(), err)
	}
	name := f.Name()
	if err := f.Close(); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &HostFile{fd: fd, name: name}, nil
}

// OpenHostFile opens the named host file for reading and writing.
func OpenHostFile(path string) (*HostFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return NewHostFile(f)
}

// ReadAt implements io.ReaderAt.ReadAt.
func (h *HostFile) ReadAt(p []byte, off int64) (int, error) {
	done := 0
	for done < len(p) {
		n, err := unix.Pread(h.fd, p[done:], off+int64(done))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return done, linuxerr.ErrorFromUnix(err.(unix.Errno))
		}
		if n == 0 {
			return done, io.EOF
		}
		done += n
	}
	return done, nil
}

// WriteAt implements io.WriterAt.WriteAt.
func (h *HostFile) WriteAt(p []byte, off int64) (int, error) {
	done := 0
	for done < len(p) {
		n, err := unix.Pwrite(h.fd, p[done:], off+int64(done))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return done, linuxerr.ErrorFromUnix(err.(unix.Errno))
		}
		done += n
	}
	return done, nil
}

// Length implements File.Length.
func (h *HostFile) Length() (int64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(h.fd, &st); err != nil {
		return 0, err
	}
	return st.Size, nil
}

// Reopen implements File.Reopen.
func (h *HostFile) Reopen() (File, error) {
	fd, err := unix.Dup(h.fd)
	if err != nil {
		return nil, fmt.Errorf("reopen %q: %w", h.name, err)
	}
	return &HostFile{fd: fd, name: h.name}, nil
}

// Close implements File.Close.
func (h *HostFile) Close() error {
	if h.fd < 0 {
		return linuxerr.EBADF
	}
	err := unix.Close(h.fd)
	h.fd = -1
	return err
}

// Name implements File.Name.
func (h *HostFile) Name() string {
	return h.name
}
