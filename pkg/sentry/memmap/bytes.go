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
	"io"

	"gvisor.dev/pagevm/pkg/errors/linuxerr"
	"gvisor.dev/pagevm/pkg/sync"
)

// bytesData is the contents shared by all handles of a BytesFile.
type bytesData struct {
	mu sync.Mutex

	// +checklocks:mu
	data []byte

	// writes counts WriteAt calls across all handles.
	//
	// +checklocks:mu
	writes int

	// open counts open handles.
	//
	// +checklocks:mu
	open int
}

// BytesFile is an in-memory File. Handles returned by Reopen share contents
// and write counters.
type BytesFile struct {
	name   string
	d      *bytesData
	closed bool
}

// NewBytesFile returns a BytesFile holding a copy of data.
func NewBytesFile(name string, data []byte) *BytesFile {
	return &BytesFile{
		name: name,
		d: &bytesData{
			data: append([]byte(nil), data...),
			open: 1,
		},
	}
}

// ReadAt implements io.ReaderAt.ReadAt.
func (b *BytesFile) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, linuxerr.EINVAL
	}
	b.d.mu.Lock()
	defer b.d.mu.Unlock()
	if off >= int64(len(b.d.data)) {
		return 0, io.EOF
	}
	n := copy(p, b.d.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt.WriteAt. Writes past the end extend the
// file.
func (b *BytesFile) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, linuxerr.EINVAL
	}
	b.d.mu.Lock()
	defer b.d.mu.Unlock()
	if end := off + int64(len(p)); end > int64(len(b.d.data)) {
		b.d.data = append(b.d.data, make([]byte, end-int64(len(b.d.data)))...)
	}
	b.d.writes++
	return copy(b.d.data[off:], p), nil
}

// Length implements File.Length.
func (b *BytesFile) Length() (int64, error) {
	b.d.mu.Lock()
	defer b.d.mu.Unlock()
	return int64(len(b.d.data)), nil
}

// Reopen implements File.Reopen.
func (b *BytesFile) Reopen() (File, error) {
	b.d.mu.Lock()
	defer b.d.mu.Unlock()
	b.d.open++
	return &BytesFile{name: b.name, d: b.d}, nil
}

// Close implements File.Close.
func (b *BytesFile) Close() error {
	if b.closed {
		return linuxerr.EBADF
	}
	b.closed = true
	b.d.mu.Lock()
	b.d.open--
	b.d.mu.Unlock()
	return nil
}

// Name implements File.Name.
func (b *BytesFile) Name() string {
	return b.name
}

// Bytes returns a copy of the current contents.
func (b *BytesFile) Bytes() []byte {
	b.d.mu.Lock()
	defer b.d.mu.Unlock()
	return append([]byte(nil), b.d.data...)
}

// Truncate sets the length of the file.
func (b *BytesFile) Truncate(length int64) {
	b.d.mu.Lock()
	defer b.d.mu.Unlock()
	if length <= int64(len(b.d.data)) {
		b.d.data = b.d.data[:length]
		return
	}
	b.d.data = append(b.d.data, make([]byte, length-int64(len(b.d.data)))...)
}

// Writes returns the number of WriteAt calls made through any handle.
func (b *BytesFile) Writes() int {
	b.d.mu.Lock()
	defer b.d.mu.Unlock()
	return b.d.writes
}

// OpenHandles returns the number of handles not yet closed.
func (b *BytesFile) OpenHandles() int {
	b.d.mu.Lock()
	defer b.d.mu.Unlock()
	return b.d.open
}
