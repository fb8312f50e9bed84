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
	"bytes"
	"fmt"
	"strings"

	"gvisor.dev/pagevm/pkg/hostarch"
	"gvisor.dev/pagevm/pkg/sentry/memmap"
	"gvisor.dev/pagevm/pkg/sentry/spt"
)

// region is a run of pages that render as one maps line.
type region struct {
	ar       hostarch.AddrRange
	writable bool
	private  bool
	file     memmap.File
	off      int64
	resident int
	swapped  int
}

// extends returns true if s continues r.
func (r *region) extends(s *spt.Entry) bool {
	if s.Addr != r.ar.End || s.Writable != r.writable {
		return false
	}
	fb, ok := s.Content.(spt.FileBacked)
	if !ok {
		return r.file == nil
	}
	return fb.File == r.file && fb.Private == r.private && fb.Offset == r.off+int64(r.ar.Length())
}

// MapsData returns a description of the address space in the style of
// /proc/[pid]/maps. Each line covers a run of pages with the same backing,
// followed by the number of resident and swapped pages in the run.
func (mm *MemoryManager) MapsData() []byte {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	var entries []*spt.Entry
	mm.spt.ForEach(func(e *spt.Entry) bool {
		entries = append(entries, e)
		return true
	})

	var (
		regions []*region
		cur     *region
	)
	for _, e := range entries {
		s := mm.frames.Snapshot(e)
		if cur == nil || !cur.extends(&s) {
			cur = &region{
				ar:       hostarch.AddrRange{Start: s.Addr, End: s.Addr},
				writable: s.Writable,
				private:  true,
			}
			if fb, ok := s.Content.(spt.FileBacked); ok {
				cur.file = fb.File
				cur.off = fb.Offset
				cur.private = fb.Private
			}
			regions = append(regions, cur)
		}
		cur.ar.End += hostarch.PageSize
		if s.Resident {
			cur.resident++
		} else if _, ok := s.Content.(spt.Swapped); ok {
			cur.swapped++
		}
	}

	var b bytes.Buffer
	for _, r := range regions {
		mm.mapsEntryLocked(&b, r)
	}
	return b.Bytes()
}

// mapsEntryLocked writes the line for r, including the trailing newline.
//
// Preconditions: mm.mu must be locked.
func (mm *MemoryManager) mapsEntryLocked(b *bytes.Buffer, r *region) {
	perms := "r-"
	if r.writable {
		perms = "rw"
	}
	private := "p"
	if !r.private {
		private = "s"
	}
	start := b.Len()
	fmt.Fprintf(b, "%08x-%08x %s%s %08x %5d %5d ", uint64(r.ar.Start), uint64(r.ar.End), perms, private, r.off, r.resident, r.swapped)

	var name string
	switch {
	case r.file != nil:
		name = r.file.Name()
	case r.ar.Start >= mm.layout.StackBottom():
		name = "[stack]"
	}
	if name != "" {
		// Per linux, we pad until the 74th character.
		if pad := 73 - (b.Len() - start); pad > 0 {
			b.WriteString(strings.Repeat(" ", pad))
		}
		b.WriteString(name)
	}
	b.WriteString("\n")
}
