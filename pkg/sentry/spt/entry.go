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

package spt

import (
	"fmt"

	"gvisor.dev/pagevm/pkg/hostarch"
	"gvisor.dev/pagevm/pkg/sentry/memmap"
	"gvisor.dev/pagevm/pkg/sentry/swap"
)

// Content describes where the contents of a page come from when it is next
// faulted in. It is one of ZeroFill, FileBacked or Swapped; every switch over
// a Content must handle all three and panic on anything else.
type Content interface {
	fmt.Stringer

	// isContent seals the interface.
	isContent()
}

// ZeroFill is a page whose initial contents are all zeros.
type ZeroFill struct{}

// FileBacked is a page read from a file. The first ReadBytes bytes come from
// File at Offset; the remaining ZeroBytes bytes are zero. ReadBytes +
// ZeroBytes == hostarch.PageSize.
type FileBacked struct {
	File      memmap.File
	Offset    int64
	ReadBytes uint32
	ZeroBytes uint32

	// Private is true for pages of a process image, whose dirty contents
	// must not reach the file. They go to swap instead.
	Private bool
}

// Swapped is a page whose contents are in swap slot Slot. Slot is
// meaningful only while the entry is not resident.
type Swapped struct {
	Slot swap.Slot
}

func (ZeroFill) isContent()   {}
func (FileBacked) isContent() {}
func (Swapped) isContent()    {}

// String implements fmt.Stringer.String.
func (ZeroFill) String() string { return "zero" }

// String implements fmt.Stringer.String.
func (f FileBacked) String() string {
	kind := "shared"
	if f.Private {
		kind = "private"
	}
	return fmt.Sprintf("file %s+%#x r=%d z=%d %s", f.File.Name(), f.Offset, f.ReadBytes, f.ZeroBytes, kind)
}

// String implements fmt.Stringer.String.
func (s Swapped) String() string { return fmt.Sprintf("swap slot %d", s.Slot) }

// FrameID is a handle to a frame in the frame table arena.
type FrameID int32

// NoFrame is the FrameID of a non-resident entry.
const NoFrame FrameID = -1

// Entry is a supplemental page table entry: the metadata of one virtual page,
// independent of whether it is resident.
//
// While Resident is false, the fields are owned by the address space that
// holds the entry. While Resident is true, Content, Pinned, Resident and
// Frame are protected by the frame table lock.
type Entry struct {
	// Addr is the page-aligned virtual address. It is immutable.
	Addr hostarch.Addr

	// Content is where the page contents come from.
	Content Content

	// Writable is true if user writes are permitted.
	Writable bool

	// Pinned excludes the page from eviction.
	Pinned bool

	// Resident is true iff Frame backs the page in the owner's page tables.
	Resident bool

	// Frame is the backing frame, or NoFrame.
	Frame FrameID
}

// NewEntry returns a non-resident entry for the page containing addr.
func NewEntry(addr hostarch.Addr, c Content, writable bool) *Entry {
	return &Entry{
		Addr:     addr.RoundDown(),
		Content:  c,
		Writable: writable,
		Frame:    NoFrame,
	}
}

// String implements fmt.Stringer.String.
func (e *Entry) String() string {
	perms := "r-"
	if e.Writable {
		perms = "rw"
	}
	state := "absent"
	if e.Resident {
		state = fmt.Sprintf("frame %d", e.Frame)
	}
	if e.Pinned {
		state += " pinned"
	}
	return fmt.Sprintf("%v %s %v (%s)", e.Addr, perms, e.Content, state)
}
