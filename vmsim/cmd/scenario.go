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

package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/pagevm/pkg/errors/linuxerr"
	"gvisor.dev/pagevm/pkg/hostarch"
	"gvisor.dev/pagevm/pkg/sentry/frame"
	"gvisor.dev/pagevm/pkg/sentry/memmap"
	"gvisor.dev/pagevm/pkg/sentry/mm"
	"gvisor.dev/pagevm/pkg/sentry/spt"
	"gvisor.dev/pagevm/pkg/sentry/swap"
	"gvisor.dev/pagevm/vmsim/config"
	"gvisor.dev/pagevm/vmsim/flag"
)

// scenario is a self-contained check of the paging core.
type scenario struct {
	name   string
	desc   string
	frames int
	run    func(frames *frame.Table, layout mm.Layout) error
}

var scenarios = []scenario{
	{"A", "mapped file fault reads the file and zero padding", 4, scenarioMappedFile},
	{"B", "stack growth below the stack pointer; null access kills", 4, scenarioStackGrowth},
	{"C", "eviction with one frame swaps out and back in", 1, scenarioSwap},
	{"D", "unmap writes back only the dirty page", 8, scenarioUnmap},
}

// Scenario implements subcommands.Command for the "scenario" command.
type Scenario struct {
	only string
}

// Name implements subcommands.Command.Name.
func (*Scenario) Name() string {
	return "scenario"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Scenario) Synopsis() string {
	return "run the built-in paging scenarios"
}

// Usage implements subcommands.Command.Usage.
func (*Scenario) Usage() string {
	return `scenario [flags] - runs each built-in scenario on its own frame table and
reports whether it passed.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Scenario) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.only, "only", "", "run only the named scenario.")
}

// Execute implements subcommands.Command.Execute.
func (s *Scenario) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if err := runScenarios(ctx, conf, s.only, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// runScenarios runs the scenario named only, or all of them if only is
// empty, and reports each result to w.
func runScenarios(ctx context.Context, conf *config.Config, only string, w io.Writer) error {
	failed, ran := 0, 0
	for _, sc := range scenarios {
		if only != "" && sc.name != only {
			continue
		}
		ran++
		err := runScenario(ctx, conf, sc)
		if err != nil {
			failed++
			fmt.Fprintf(w, "scenario %s (%s): FAIL: %v\n", sc.name, sc.desc, err)
			continue
		}
		fmt.Fprintf(w, "scenario %s (%s): PASS\n", sc.name, sc.desc)
	}
	if ran == 0 {
		return fmt.Errorf("no scenario named %q", only)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d scenarios failed", failed, ran)
	}
	return nil
}

func runScenario(ctx context.Context, conf *config.Config, sc scenario) error {
	c := *conf
	c.Frames = sc.frames
	c.SwapFile = ""
	c.SwapSectors = 64 * swap.SectorsPerPage
	frames, release, err := newFrameTable(ctx, &c)
	if err != nil {
		return err
	}
	defer release()
	if err := sc.run(frames, mm.DefaultLayout()); err != nil {
		return err
	}
	return frames.CheckInvariants()
}

func scenarioMappedFile(frames *frame.Table, layout mm.Layout) error {
	m, err := mm.New(frames, layout)
	if err != nil {
		return err
	}
	defer m.Destroy()
	id, err := m.MMap(memmap.NewBytesFile("hello", []byte("hello")), 0, false)
	if err != nil {
		return fmt.Errorf("mmap: %w", err)
	}
	ar, _ := m.MappingRange(id)
	got := make([]byte, hostarch.PageSize)
	if err := m.CopyIn(ar.Start, got, layout.StackTop); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	want := append([]byte("hello"), make([]byte, hostarch.PageSize-5)...)
	if !bytes.Equal(got, want) {
		return fmt.Errorf("page holds %q..., want \"hello\" and zero padding", got[:16])
	}
	return nil
}

func scenarioStackGrowth(frames *frame.Table, layout mm.Layout) error {
	m, err := mm.New(frames, layout)
	if err != nil {
		return err
	}
	defer m.Destroy()
	const (
		sp   = hostarch.Addr(0xbfffff00)
		addr = hostarch.Addr(0xbffffe00)
	)
	got := make([]byte, 8)
	if err := m.CopyIn(addr, got, sp); err != nil {
		return fmt.Errorf("access at %v: %w", addr, err)
	}
	if !bytes.Equal(got, make([]byte, 8)) {
		return fmt.Errorf("new stack page holds %x, want zeros", got)
	}
	if n := frames.Stats().Paging.StackGrowths; n != 1 {
		return fmt.Errorf("got %d stack growths, want 1", n)
	}
	err = m.HandleUserFault(0, hostarch.Read, true, sp)
	var fe *mm.FaultError
	if !errors.As(err, &fe) || !fe.Kill() || !linuxerr.Equals(linuxerr.EFAULT, fe.Err) {
		return fmt.Errorf("access at 0 got %v, want a fatal EFAULT", err)
	}
	return nil
}

func scenarioSwap(frames *frame.Table, layout mm.Layout) error {
	m, err := mm.New(frames, layout)
	if err != nil {
		return err
	}
	defer m.Destroy()
	a := layout.StackTop - hostarch.PageSize
	b := a - hostarch.PageSize
	want := bytes.Repeat([]byte("A"), hostarch.PageSize)
	if err := m.CopyOut(a, want, layout.StackTop); err != nil {
		return fmt.Errorf("write to A: %w", err)
	}
	if err := m.CopyIn(b, make([]byte, 8), b); err != nil {
		return fmt.Errorf("read from B: %w", err)
	}
	e := m.SPT().Lookup(a)
	if e == nil {
		return fmt.Errorf("no entry for A")
	}
	if s := frames.Snapshot(e); s.Resident || s.Content != (spt.Swapped{Slot: 0}) {
		return fmt.Errorf("A after eviction is %v, want swap slot 0", &s)
	}
	if !frames.Swap().InUse(0) {
		return fmt.Errorf("slot 0 free after swap out")
	}
	got := make([]byte, hostarch.PageSize)
	if err := m.CopyIn(a, got, b); err != nil {
		return fmt.Errorf("read from A: %w", err)
	}
	if !bytes.Equal(got, want) {
		return fmt.Errorf("A changed across swap")
	}
	if frames.Swap().InUse(0) {
		return fmt.Errorf("slot 0 in use after swap in")
	}
	return nil
}

func scenarioUnmap(frames *frame.Table, layout mm.Layout) error {
	m, err := mm.New(frames, layout)
	if err != nil {
		return err
	}
	defer m.Destroy()
	dots := bytes.Repeat([]byte{'.'}, hostarch.PageSize)
	f := memmap.NewBytesFile("three", bytes.Repeat(dots, 3))
	id, err := m.MMap(f, 0, false)
	if err != nil {
		return fmt.Errorf("mmap: %w", err)
	}
	ar, _ := m.MappingRange(id)
	want := bytes.Repeat([]byte("2"), hostarch.PageSize)
	if err := m.CopyOut(ar.Start+hostarch.PageSize, want, layout.StackTop); err != nil {
		return fmt.Errorf("write page 2: %w", err)
	}
	if err := m.MUnmap(id); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	if n := f.Writes(); n != 1 {
		return fmt.Errorf("got %d file writes, want 1", n)
	}
	data := f.Bytes()
	if !bytes.Equal(data[hostarch.PageSize:2*hostarch.PageSize], want) {
		return fmt.Errorf("page 2 was not written back")
	}
	if !bytes.Equal(data[:hostarch.PageSize], dots) || !bytes.Equal(data[2*hostarch.PageSize:], dots) {
		return fmt.Errorf("untouched pages changed")
	}
	for addr := ar.Start; addr < ar.End; addr += hostarch.PageSize {
		if m.SPT().Lookup(addr) != nil {
			return fmt.Errorf("entry for %v survived unmap", addr)
		}
	}
	return nil
}
