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
	"errors"
	"fmt"
	"strings"
	"testing"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/pagevm/pkg/errors/linuxerr"
	"gvisor.dev/pagevm/pkg/hostarch"
	"gvisor.dev/pagevm/pkg/sentry/frame"
	"gvisor.dev/pagevm/pkg/sentry/memmap"
	"gvisor.dev/pagevm/pkg/sentry/pgalloc"
	"gvisor.dev/pagevm/pkg/sentry/spt"
	"gvisor.dev/pagevm/pkg/sentry/swap"
)

const mapAddr = hostarch.Addr(0x10000000)

func pattern(seed byte) []byte {
	p := make([]byte, hostarch.PageSize)
	for i := range p {
		p[i] = seed + byte(i*13)
	}
	return p
}

func newTestFrames(t *testing.T, frames int, slots uint64) *frame.Table {
	t.Helper()
	mem, err := pgalloc.NewMemoryFile(frames)
	if err != nil {
		t.Fatalf("NewMemoryFile failed: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	s, err := swap.New(swap.NewMemDevice(slots * swap.SectorsPerPage))
	if err != nil {
		t.Fatalf("swap.New failed: %v", err)
	}
	return frame.New(mem, s)
}

func newTestMM(t *testing.T, frames *frame.Table) *MemoryManager {
	t.Helper()
	mm, err := New(frames, DefaultLayout())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return mm
}

// snapshot returns a copy of the entry for addr.
func snapshot(t *testing.T, mm *MemoryManager, addr hostarch.Addr) spt.Entry {
	t.Helper()
	e := mm.spt.Lookup(addr)
	if e == nil {
		t.Fatalf("no entry for %v", addr)
	}
	return mm.frames.Snapshot(e)
}

func checkInvariants(t *testing.T, frames *frame.Table) {
	t.Helper()
	if err := frames.CheckInvariants(); err != nil {
		t.Errorf("CheckInvariants: %v", err)
	}
}

func wantFault(t *testing.T, err error, want error) {
	t.Helper()
	var fe *FaultError
	if !errors.As(err, &fe) {
		t.Fatalf("got error %v, want a *FaultError", err)
	}
	if !fe.Kill() {
		t.Errorf("FaultError.Kill() got false want true")
	}
	if !errors.Is(err, want) {
		t.Errorf("got error %v want %v", err, want)
	}
}

func TestLayoutValidate(t *testing.T) {
	for _, test := range []struct {
		name   string
		modify func(l *Layout)
		ok     bool
	}{
		{"default", func(*Layout) {}, true},
		{"unaligned stack top", func(l *Layout) { l.StackTop++ }, false},
		{"zero stack", func(l *Layout) { l.MaxStackSize = 0 }, false},
		{"unaligned stack size", func(l *Layout) { l.MaxStackSize += 10 }, false},
		{"stack fills memory", func(l *Layout) { l.MaxStackSize = uint64(l.StackTop) }, false},
		{"mmap base in stack", func(l *Layout) { l.MmapBase = l.StackTop - hostarch.PageSize }, false},
		{"mmap base below min", func(l *Layout) { l.MinAddr = 2 * l.MmapBase }, false},
		{"stack top beyond page tables", func(l *Layout) { l.StackTop = 1 << 33 }, false},
	} {
		t.Run(test.name, func(t *testing.T) {
			l := DefaultLayout()
			test.modify(&l)
			err := l.Validate()
			if got := err == nil; got != test.ok {
				t.Errorf("Validate() got %v, want ok %t", err, test.ok)
			}
			if err != nil && !linuxerr.Equals(linuxerr.EINVAL, err) {
				t.Errorf("Validate() got %v want EINVAL", err)
			}
		})
	}
}

// A one-page file holding "hello" reads back as "hello" and zero padding.
func TestMappedFileFault(t *testing.T) {
	frames := newTestFrames(t, 4, 8)
	mm := newTestMM(t, frames)
	f := memmap.NewBytesFile("hello.txt", []byte("hello"))
	if _, err := mm.MMap(f, mapAddr, true); err != nil {
		t.Fatalf("MMap failed: %v", err)
	}
	got := make([]byte, hostarch.PageSize)
	if err := mm.CopyIn(mapAddr, got, mm.layout.StackTop); err != nil {
		t.Fatalf("CopyIn failed: %v", err)
	}
	want := append([]byte("hello"), make([]byte, hostarch.PageSize-5)...)
	if !bytes.Equal(got, want) {
		t.Errorf("page contents got %q... want \"hello\" and %d zero bytes", got[:16], hostarch.PageSize-5)
	}
	if p := frames.Stats().Paging; p.Faults != 1 || p.MajorFaults != 1 {
		t.Errorf("got %d faults (%d major) want 1 (1 major)", p.Faults, p.MajorFaults)
	}
	checkInvariants(t, frames)
}

func TestStackGrowth(t *testing.T) {
	const sp = hostarch.Addr(0xbfffff00)
	for _, test := range []struct {
		name string
		addr hostarch.Addr
		sp   hostarch.Addr
		want error
	}{
		{"just below sp", 0xbffffe00, sp, nil},
		{"above sp", 0xbfffff80, sp, nil},
		{"at gap", 0xbfffef00, sp, nil},
		{"beyond gap", 0xbfffeeff, sp, linuxerr.EFAULT},
		{"null", 0, sp, linuxerr.EFAULT},
		{"below stack region", 0xbf7fffff, 0xbf800000, linuxerr.EFAULT},
		{"bottom of stack region", 0xbf800000, 0xbf800000, nil},
		{"kernel address", 0xc0000000, sp, linuxerr.EFAULT},
	} {
		t.Run(test.name, func(t *testing.T) {
			frames := newTestFrames(t, 4, 8)
			mm := newTestMM(t, frames)
			err := mm.HandleUserFault(test.addr, hostarch.Write, true, test.sp)
			if test.want != nil {
				wantFault(t, err, test.want)
				if got := mm.spt.Len(); got != 0 {
					t.Errorf("failed fault left %d entries", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("HandleUserFault(%v) failed: %v", test.addr, err)
			}
			got := make([]byte, hostarch.PageSize)
			if err := mm.CopyIn(test.addr.RoundDown(), got, test.sp); err != nil {
				t.Fatalf("CopyIn failed: %v", err)
			}
			if !bytes.Equal(got, make([]byte, hostarch.PageSize)) {
				t.Errorf("new stack page is not zero-filled")
			}
			if got := frames.Stats().Paging.StackGrowths; got != 1 {
				t.Errorf("StackGrowths got %d want 1", got)
			}
		})
	}
}

func TestKernelFaultOutsideUserPanics(t *testing.T) {
	frames := newTestFrames(t, 1, 8)
	mm := newTestMM(t, frames)
	defer func() {
		if recover() == nil {
			t.Errorf("kernel fault at the stack top did not panic")
		}
	}()
	mm.HandleUserFault(mm.layout.StackTop, hostarch.Read, false, mm.layout.StackTop)
}

// With one frame, a dirty page goes to swap slot 0 and comes back intact.
func TestSwapRoundTrip(t *testing.T) {
	frames := newTestFrames(t, 1, 8)
	mm := newTestMM(t, frames)
	top := mm.layout.StackTop
	a := top - hostarch.PageSize
	b := top - 2*hostarch.PageSize
	want := pattern(42)

	if err := mm.CopyOut(a, want, top); err != nil {
		t.Fatalf("CopyOut(%v) failed: %v", a, err)
	}
	if err := mm.CopyIn(b, make([]byte, 8), b); err != nil {
		t.Fatalf("CopyIn(%v) failed: %v", b, err)
	}
	s := snapshot(t, mm, a)
	if s.Resident || s.Content != (spt.Swapped{Slot: 0}) {
		t.Fatalf("page A after eviction got %v want swap slot 0", &s)
	}
	if !frames.Swap().InUse(0) {
		t.Fatalf("slot 0 not in use after swap out")
	}
	checkInvariants(t, frames)

	got := make([]byte, hostarch.PageSize)
	if err := mm.CopyIn(a, got, b); err != nil {
		t.Fatalf("CopyIn(%v) failed: %v", a, err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("page A contents changed across swap")
	}
	if frames.Swap().InUse(0) {
		t.Errorf("slot 0 still in use after swap in")
	}
	if p := frames.Stats().Paging; p.SwapOuts != 1 || p.SwapIns != 1 {
		t.Errorf("got %d swap outs, %d swap ins want 1, 1", p.SwapOuts, p.SwapIns)
	}
	checkInvariants(t, frames)
}

// Unmapping writes back exactly the dirty pages.
func TestMUnmapWriteBack(t *testing.T) {
	frames := newTestFrames(t, 8, 8)
	mm := newTestMM(t, frames)
	f := memmap.NewBytesFile("three", bytes.Repeat([]byte{'.'}, 3*hostarch.PageSize))
	id, err := mm.MMap(f, mapAddr, true)
	if err != nil {
		t.Fatalf("MMap failed: %v", err)
	}
	if got := f.OpenHandles(); got != 2 {
		t.Errorf("open handles after MMap got %d want 2", got)
	}
	want := pattern(7)
	if err := mm.CopyOut(mapAddr+hostarch.PageSize, want, mm.layout.StackTop); err != nil {
		t.Fatalf("CopyOut failed: %v", err)
	}

	if err := mm.MUnmap(id); err != nil {
		t.Fatalf("MUnmap failed: %v", err)
	}
	if got := f.Writes(); got != 1 {
		t.Errorf("WriteAt calls got %d want 1", got)
	}
	data := f.Bytes()
	if !bytes.Equal(data[hostarch.PageSize:2*hostarch.PageSize], want) {
		t.Errorf("page 2 of the file was not written back")
	}
	dots := bytes.Repeat([]byte{'.'}, hostarch.PageSize)
	if !bytes.Equal(data[:hostarch.PageSize], dots) || !bytes.Equal(data[2*hostarch.PageSize:], dots) {
		t.Errorf("untouched pages of the file changed")
	}
	if got := mm.spt.Len(); got != 0 {
		t.Errorf("entries after MUnmap got %d want 0", got)
	}
	if got := f.OpenHandles(); got != 1 {
		t.Errorf("open handles after MUnmap got %d want 1", got)
	}
	if err := mm.MUnmap(id); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("second MUnmap got %v want EINVAL", err)
	}
	checkInvariants(t, frames)
}

// A file page reads readBytes bytes of the file followed by zeros.
func TestSegmentFaultIn(t *testing.T) {
	for _, r := range []uint64{0, 1, 100, hostarch.PageSize - 1, hostarch.PageSize} {
		t.Run(fmt.Sprintf("read=%d", r), func(t *testing.T) {
			frames := newTestFrames(t, 2, 8)
			mm := newTestMM(t, frames)
			data := pattern(byte(r))
			f := memmap.NewBytesFile("image", data)
			if err := mm.LoadSegment(f, 0, mapAddr, r, hostarch.PageSize-r, false); err != nil {
				t.Fatalf("LoadSegment failed: %v", err)
			}
			e := snapshot(t, mm, mapAddr)
			if _, zero := e.Content.(spt.ZeroFill); zero != (r == 0) {
				t.Errorf("content got %v, want zero-fill %t", e.Content, r == 0)
			}
			for i := 0; i < 2; i++ {
				got := make([]byte, hostarch.PageSize)
				if err := mm.CopyIn(mapAddr, got, mm.layout.StackTop); err != nil {
					t.Fatalf("CopyIn failed: %v", err)
				}
				want := append(append([]byte(nil), data[:r]...), make([]byte, hostarch.PageSize-r)...)
				if !bytes.Equal(got, want) {
					t.Errorf("read %d: page contents differ from the file prefix and zero padding", i)
				}
				// Evict and read again.
				frames.EvictOne()
			}
			checkInvariants(t, frames)
		})
	}
}

func TestSegmentSwapsPrivateWrites(t *testing.T) {
	frames := newTestFrames(t, 1, 8)
	mm := newTestMM(t, frames)
	f := memmap.NewBytesFile("image", pattern(1))
	if err := mm.LoadSegment(f, 0, mapAddr, hostarch.PageSize, 0, true); err != nil {
		t.Fatalf("LoadSegment failed: %v", err)
	}
	want := pattern(2)
	if err := mm.CopyOut(mapAddr, want, mm.layout.StackTop); err != nil {
		t.Fatalf("CopyOut failed: %v", err)
	}
	frames.EvictOne()
	if _, ok := snapshot(t, mm, mapAddr).Content.(spt.Swapped); !ok {
		t.Errorf("written private page was not swapped out")
	}
	if got := f.Writes(); got != 0 {
		t.Errorf("image file got %d writes want 0", got)
	}
	got := make([]byte, hostarch.PageSize)
	if err := mm.CopyIn(mapAddr, got, mm.layout.StackTop); err != nil {
		t.Fatalf("CopyIn failed: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("private page lost its contents")
	}
}

func TestShortReadKills(t *testing.T) {
	frames := newTestFrames(t, 2, 8)
	mm := newTestMM(t, frames)
	f := memmap.NewBytesFile("short", make([]byte, 50))
	if err := mm.LoadSegment(f, 0, mapAddr, 100, hostarch.PageSize-100, false); err != nil {
		t.Fatalf("LoadSegment failed: %v", err)
	}
	err := mm.HandleUserFault(mapAddr, hostarch.Read, true, mm.layout.StackTop)
	wantFault(t, err, linuxerr.EIO)
	if s := frames.Stats(); s.Frames != 0 || s.Pinned != 0 {
		t.Errorf("failed fault leaked frames: %+v", s)
	}
	if snapshot(t, mm, mapAddr).Resident {
		t.Errorf("entry resident after a failed fault")
	}
}

func TestWriteReadOnly(t *testing.T) {
	for _, present := range []bool{false, true} {
		t.Run(fmt.Sprintf("present=%t", present), func(t *testing.T) {
			frames := newTestFrames(t, 2, 8)
			mm := newTestMM(t, frames)
			f := memmap.NewBytesFile("ro", pattern(0))
			if err := mm.LoadSegment(f, 0, mapAddr, hostarch.PageSize, 0, false); err != nil {
				t.Fatalf("LoadSegment failed: %v", err)
			}
			if present {
				if err := mm.CopyIn(mapAddr, make([]byte, 1), mm.layout.StackTop); err != nil {
					t.Fatalf("CopyIn failed: %v", err)
				}
			}
			err := mm.CopyOut(mapAddr, []byte{1}, mm.layout.StackTop)
			wantFault(t, err, linuxerr.EACCES)
		})
	}
}

func TestMMapValidation(t *testing.T) {
	frames := newTestFrames(t, 4, 8)
	mm := newTestMM(t, frames)
	page := memmap.NewBytesFile("page", make([]byte, hostarch.PageSize))
	if _, err := mm.MMap(page, mapAddr, true); err != nil {
		t.Fatalf("MMap failed: %v", err)
	}
	if _, err := mm.SetupStack(); err != nil {
		t.Fatalf("SetupStack failed: %v", err)
	}

	for _, test := range []struct {
		name string
		file memmap.File
		addr hostarch.Addr
	}{
		{"empty file", memmap.NewBytesFile("empty", nil), mapAddr + 0x100000},
		{"null address", page, 0},
		{"unaligned address", page, mapAddr + 0x100010},
		{"overlapping mapping", memmap.NewBytesFile("two", make([]byte, 2*hostarch.PageSize)), mapAddr - hostarch.PageSize},
		{"in stack region", page, mm.layout.StackBottom()},
		{"crossing into stack", memmap.NewBytesFile("two", make([]byte, 2*hostarch.PageSize)), mm.layout.StackBottom() - hostarch.PageSize},
	} {
		t.Run(test.name, func(t *testing.T) {
			if _, err := mm.MMap(test.file, test.addr, true); !linuxerr.Equals(linuxerr.EINVAL, err) {
				t.Errorf("MMap got %v want EINVAL", err)
			}
		})
	}
	if got := mm.spt.Len(); got != 2 {
		t.Errorf("entries after failed mmaps got %d want 2", got)
	}
}

func TestMMapPlacement(t *testing.T) {
	frames := newTestFrames(t, 4, 8)
	mm := newTestMM(t, frames)
	base := mm.layout.MmapBase
	two := memmap.NewBytesFile("two", make([]byte, 2*hostarch.PageSize))
	one := memmap.NewBytesFile("one", make([]byte, 1))
	if _, err := mm.MMap(one, base+hostarch.PageSize, true); err != nil {
		t.Fatalf("fixed MMap failed: %v", err)
	}

	// The hole at base is too small for two pages.
	id, err := mm.MMap(two, 0, false)
	if err != nil {
		t.Fatalf("MMap failed: %v", err)
	}
	want := hostarch.AddrRange{Start: base + 2*hostarch.PageSize, End: base + 4*hostarch.PageSize}
	if got, ok := mm.MappingRange(id); !ok || got != want {
		t.Errorf("two-page mapping got range %v (ok %t) want %v", got, ok, want)
	}
	if mm.spt.Lookup(base+2*hostarch.PageSize) == nil || mm.spt.Lookup(base+3*hostarch.PageSize) == nil {
		t.Errorf("two-page mapping not placed after the fixed one")
	}
	id, err = mm.MMap(one, 0, false)
	if err != nil {
		t.Fatalf("MMap failed: %v", err)
	}
	if got, _ := mm.MappingRange(id); got.Start != base {
		t.Errorf("one-page mapping placed at %v want %v", got.Start, base)
	}
	if err := mm.MUnmap(id); err != nil {
		t.Fatalf("MUnmap failed: %v", err)
	}
	if _, ok := mm.MappingRange(id); ok {
		t.Errorf("MappingRange of an unmapped id succeeded")
	}
}

func TestPinPreventsEviction(t *testing.T) {
	frames := newTestFrames(t, 2, 64)
	mm := newTestMM(t, frames)
	sp, err := mm.SetupStack()
	if err != nil {
		t.Fatalf("SetupStack failed: %v", err)
	}
	buf := sp - 16
	if err := mm.Pin(buf, 16, hostarch.Write, sp); err != nil {
		t.Fatalf("Pin failed: %v", err)
	}
	e := mm.spt.Lookup(buf)
	h, _ := frames.Resident(e)

	f := memmap.NewBytesFile("data", make([]byte, 8*hostarch.PageSize))
	if _, err := mm.MMap(f, mapAddr, true); err != nil {
		t.Fatalf("MMap failed: %v", err)
	}
	for i := 0; i < 8; i++ {
		if err := mm.CopyOut(mapAddr+hostarch.Addr(i*hostarch.PageSize), pattern(byte(i)), sp); err != nil {
			t.Fatalf("CopyOut failed: %v", err)
		}
	}
	if got, ok := frames.Resident(e); !ok || got != h {
		t.Errorf("pinned page got (frame %d, resident %t) want (frame %d, true)", got, ok, h)
	}

	mm.Unpin(buf, 16)
	for i := 0; i < 4; i++ {
		mm.CopyIn(mapAddr+hostarch.Addr(i*hostarch.PageSize), make([]byte, 1), sp)
	}
	if _, ok := frames.Resident(e); ok {
		t.Errorf("unpinned stack page was never evicted")
	}
	checkInvariants(t, frames)
}

func TestPinFailureUnpins(t *testing.T) {
	frames := newTestFrames(t, 4, 8)
	mm := newTestMM(t, frames)
	f := memmap.NewBytesFile("page", make([]byte, hostarch.PageSize))
	if _, err := mm.MMap(f, mapAddr, true); err != nil {
		t.Fatalf("MMap failed: %v", err)
	}
	// The buffer runs off the end of the mapping.
	err := mm.Pin(mapAddr+16, hostarch.PageSize, hostarch.Read, mm.layout.StackTop)
	var fe *FaultError
	if !errors.As(err, &fe) || fe.Addr != mapAddr+hostarch.PageSize {
		t.Fatalf("Pin got %v want a fault at %v", err, mapAddr+hostarch.PageSize)
	}
	if snapshot(t, mm, mapAddr).Pinned {
		t.Errorf("page left pinned after a failed Pin")
	}
}

func TestPinKernelBuffer(t *testing.T) {
	frames := newTestFrames(t, 4, 8)
	mm := newTestMM(t, frames)
	sp, err := mm.SetupStack()
	if err != nil {
		t.Fatalf("SetupStack failed: %v", err)
	}
	err = mm.Pin(sp-16, 32, hostarch.Read, sp)
	wantFault(t, err, linuxerr.EFAULT)
	if snapshot(t, mm, sp-hostarch.PageSize).Pinned {
		t.Errorf("page pinned by a rejected Pin")
	}
}

func TestDestroy(t *testing.T) {
	frames := newTestFrames(t, 2, 8)
	mm := newTestMM(t, frames)
	sp, err := mm.SetupStack()
	if err != nil {
		t.Fatalf("SetupStack failed: %v", err)
	}
	f := memmap.NewBytesFile("data", make([]byte, 2*hostarch.PageSize))
	if _, err := mm.MMap(f, mapAddr, true); err != nil {
		t.Fatalf("MMap failed: %v", err)
	}
	if err := mm.CopyOut(sp-hostarch.PageSize, pattern(1), sp); err != nil {
		t.Fatalf("CopyOut failed: %v", err)
	}
	if err := mm.CopyOut(mapAddr, pattern(2), sp); err != nil {
		t.Fatalf("CopyOut failed: %v", err)
	}
	if err := mm.CopyOut(mapAddr+hostarch.PageSize, pattern(3), sp); err != nil {
		t.Fatalf("CopyOut failed: %v", err)
	}

	mm.Destroy()
	if got := f.Writes(); got < 1 {
		t.Errorf("dirty mapped pages were not written back on exit")
	}
	if !bytes.Equal(f.Bytes()[hostarch.PageSize:], pattern(3)) {
		t.Errorf("last written mapped page not in the file after exit")
	}
	if got := f.OpenHandles(); got != 1 {
		t.Errorf("open handles after Destroy got %d want 1", got)
	}
	s := frames.Stats()
	if s.Frames != 0 || s.Owners != 0 || s.SwapUsed != 0 {
		t.Errorf("after Destroy got %+v want no frames, owners or swap", s)
	}
	err = mm.HandleUserFault(sp-hostarch.PageSize, hostarch.Read, true, sp)
	wantFault(t, err, linuxerr.EFAULT)
}

func TestMapsData(t *testing.T) {
	frames := newTestFrames(t, 4, 8)
	mm := newTestMM(t, frames)
	sp, err := mm.SetupStack()
	if err != nil {
		t.Fatalf("SetupStack failed: %v", err)
	}
	f := memmap.NewBytesFile("lib.so", make([]byte, 3*hostarch.PageSize))
	if _, err := mm.MMap(f, mapAddr, true); err != nil {
		t.Fatalf("MMap failed: %v", err)
	}
	if err := mm.CopyIn(mapAddr, make([]byte, 1), sp); err != nil {
		t.Fatalf("CopyIn failed: %v", err)
	}

	lines := strings.Split(strings.TrimSuffix(string(mm.MapsData()), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("MapsData got %d lines want 2:\n%s", len(lines), strings.Join(lines, "\n"))
	}
	for i, want := range []struct {
		prefix string
		suffix string
	}{
		{"10000000-10003000 rws 00000000     1     0 ", "lib.so"},
		{"bffff000-c0000000 rwp 00000000     1     0 ", "[stack]"},
	} {
		if !strings.HasPrefix(lines[i], want.prefix) || !strings.HasSuffix(lines[i], want.suffix) {
			t.Errorf("line %d got %q want %q...%q", i, lines[i], want.prefix, want.suffix)
		}
	}
}

// TestConcurrentProcesses runs address spaces concurrently against a frame
// pool much smaller than their combined working set.
func TestConcurrentProcesses(t *testing.T) {
	const (
		procs = 6
		pages = 12
		stack = 3
	)
	frames := newTestFrames(t, 8, procs*(stack+1))
	var g errgroup.Group
	for p := 0; p < procs; p++ {
		p := p
		mm := newTestMM(t, frames)
		g.Go(func() error {
			sp, err := mm.SetupStack()
			if err != nil {
				return err
			}
			base := mm.layout.MmapBase
			f := memmap.NewBytesFile(fmt.Sprintf("proc%d", p), make([]byte, pages*hostarch.PageSize))
			if _, err := mm.MMap(f, base, true); err != nil {
				return err
			}
			for round := 0; round < 3; round++ {
				for j := 1; j <= stack; j++ {
					addr := sp - hostarch.Addr(j*hostarch.PageSize)
					if err := mm.CopyOut(addr, pattern(byte(p+j+round)), addr); err != nil {
						return err
					}
				}
				for i := 0; i < pages; i++ {
					addr := base + hostarch.Addr(i*hostarch.PageSize)
					if err := mm.CopyOut(addr, pattern(byte(p*pages+i+round)), sp); err != nil {
						return err
					}
				}
				for i := 0; i < pages; i++ {
					addr := base + hostarch.Addr(i*hostarch.PageSize)
					got := make([]byte, hostarch.PageSize)
					if err := mm.CopyIn(addr, got, sp); err != nil {
						return err
					}
					if !bytes.Equal(got, pattern(byte(p*pages+i+round))) {
						return fmt.Errorf("process %d page %d round %d: contents differ", p, i, round)
					}
				}
				for j := 1; j <= stack; j++ {
					addr := sp - hostarch.Addr(j*hostarch.PageSize)
					got := make([]byte, hostarch.PageSize)
					if err := mm.CopyIn(addr, got, sp-stack*hostarch.PageSize); err != nil {
						return err
					}
					if !bytes.Equal(got, pattern(byte(p+j+round))) {
						return fmt.Errorf("process %d stack page %d round %d: contents differ", p, j, round)
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	checkInvariants(t, frames)
	s := frames.Stats()
	if s.Paging.Evictions == 0 || s.Paging.SwapOuts == 0 || s.Paging.FileWriteBacks == 0 {
		t.Errorf("paging under memory pressure got %+v, want evictions, swap outs and file write-backs", s.Paging)
	}
}
