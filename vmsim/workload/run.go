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

package workload

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/pagevm/pkg/hostarch"
	"gvisor.dev/pagevm/pkg/log"
	"gvisor.dev/pagevm/pkg/sentry/frame"
	"gvisor.dev/pagevm/pkg/sentry/memmap"
	"gvisor.dev/pagevm/pkg/sentry/mm"
	"gvisor.dev/pagevm/pkg/sync"
)

// stampSize is the number of bytes written at the start of each touched page.
const stampSize = 16

// Runner runs workloads against a frame table.
type Runner struct {
	// Frames is shared by every process.
	Frames *frame.Table

	// Layout is the address space layout of every process.
	Layout mm.Layout

	// Maps, if not nil, receives each process's maps listing before it
	// exits.
	Maps io.Writer

	mapsMu sync.Mutex
}

// Result is the outcome of a workload run.
type Result struct {
	// Processes is the number of processes run.
	Processes int

	// Killed maps the name of each process terminated by a fault to the
	// fault.
	Killed map[string]error

	// Stats is the frame table usage after every process exited.
	Stats frame.Stats
}

// Run runs every replica of w concurrently and waits for them to exit.
//
// A process whose access faults is killed and recorded in the result. Run
// fails if a process observes memory or file contents that differ from what
// it wrote, or if a file operation fails.
func (r *Runner) Run(ctx context.Context, w *Workload) (*Result, error) {
	procs := w.Expand()
	res := &Result{
		Processes: len(procs),
		Killed:    make(map[string]error),
	}
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range procs {
		p := p
		g.Go(func() error {
			killed, err := r.runProcess(ctx, p)
			if err != nil {
				return fmt.Errorf("process %s: %w", p.Name, err)
			}
			if killed != nil {
				log.Infof("Process %s killed: %v", p.Name, killed)
				mu.Lock()
				res.Killed[p.Name] = killed
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	res.Stats = r.Frames.Stats()
	return res, nil
}

// process is the state of a running process.
type process struct {
	*Process
	mm *mm.MemoryManager
	id uint64

	files    map[string]memmap.File
	mapped   map[string]mm.MappingID
	contents map[string][]byte

	sp    hostarch.Addr
	stack map[hostarch.Addr][]byte
}

// runProcess runs p to completion. It returns a non-nil killed error if p
// was terminated by a fault.
func (r *Runner) runProcess(ctx context.Context, p *Process) (killed error, err error) {
	m, err := mm.New(r.Frames, r.Layout)
	if err != nil {
		return nil, err
	}
	defer m.Destroy()

	h := fnv.New64a()
	h.Write([]byte(p.Name))
	proc := &process{
		Process:  p,
		mm:       m,
		id:       h.Sum64(),
		files:    make(map[string]memmap.File),
		mapped:   make(map[string]mm.MappingID),
		contents: make(map[string][]byte),
		stack:    make(map[hostarch.Addr][]byte),
	}
	defer proc.closeFiles()
	for _, mp := range p.Mappings {
		f, err := openMapping(mp)
		if err != nil {
			return nil, fmt.Errorf("opening mapping %s: %w", mp.Name, err)
		}
		proc.files[mp.Name] = f
		proc.contents[mp.Name] = make([]byte, mp.Pages*hostarch.PageSize)
	}
	if proc.sp, err = m.SetupStack(); err != nil {
		return nil, fmt.Errorf("setting up stack: %w", err)
	}
	log.Debugf("Process %s started in address space %d", p.Name, m.ID())

	for round := 0; round < p.Rounds; round++ {
		for _, mp := range p.Mappings {
			if _, ok := proc.mapped[mp.Name]; ok {
				continue
			}
			id, err := m.MMap(proc.files[mp.Name], 0, false)
			if err != nil {
				return nil, fmt.Errorf("mapping %s: %w", mp.Name, err)
			}
			proc.mapped[mp.Name] = id
		}
		for i, op := range p.Ops {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			err := proc.run(round, op)
			var fe *mm.FaultError
			if errors.As(err, &fe) {
				return fe, nil
			}
			if err != nil {
				return nil, fmt.Errorf("round %d op %d (%s): %w", round, i, op.Kind, err)
			}
		}
	}

	if r.Maps != nil {
		r.mapsMu.Lock()
		fmt.Fprintf(r.Maps, "== %s ==\n", p.Name)
		r.Maps.Write(m.MapsData())
		r.mapsMu.Unlock()
	}
	return nil, nil
}

func openMapping(mp *Mapping) (memmap.File, error) {
	size := int64(mp.Pages) * hostarch.PageSize
	if mp.Path == "" {
		return memmap.NewBytesFile(mp.Name, make([]byte, size)), nil
	}
	f, err := os.OpenFile(mp.Path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, err
	}
	return memmap.NewHostFile(f)
}

func (p *process) closeFiles() {
	for name, f := range p.files {
		if err := f.Close(); err != nil {
			log.Warningf("Process %s: closing %s: %v", p.Name, name, err)
		}
	}
}

// stamp returns the bytes process p writes to a page in a round.
func (p *process) stamp(round int, addr hostarch.Addr) []byte {
	b := make([]byte, stampSize)
	binary.LittleEndian.PutUint64(b, p.id)
	binary.LittleEndian.PutUint32(b[8:], uint32(round))
	binary.LittleEndian.PutUint32(b[12:], uint32(addr>>hostarch.PageShift))
	return b
}

func (p *process) run(round int, op *Op) error {
	switch op.Kind {
	case OpWrite, OpRead:
		id, ok := p.mapped[op.Mapping]
		if !ok {
			return fmt.Errorf("mapping %s is not mapped", op.Mapping)
		}
		ar, ok := p.mm.MappingRange(id)
		if !ok {
			panic(fmt.Sprintf("mapping %s has no range", op.Mapping))
		}
		contents := p.contents[op.Mapping]
		for i := op.Start; i < op.Start+op.Pages; i++ {
			addr := ar.Start + hostarch.Addr(i*hostarch.PageSize)
			want := contents[i*hostarch.PageSize:][:stampSize]
			if op.Kind == OpWrite {
				copy(want, p.stamp(round, addr))
				if err := p.mm.CopyOut(addr, want, p.sp); err != nil {
					return err
				}
				continue
			}
			got := make([]byte, stampSize)
			if err := p.mm.CopyIn(addr, got, p.sp); err != nil {
				return err
			}
			if !bytes.Equal(got, want) {
				return fmt.Errorf("%s page %d at %v got %x want %x", op.Mapping, i, addr, got, want)
			}
		}
		return nil

	case OpStack:
		for i := 0; i < op.Pages; i++ {
			addr := p.sp - hostarch.PageSize
			s := p.stamp(round, addr)
			// The new stack pointer is the address written, as a push does.
			if err := p.mm.CopyOut(addr, s, addr); err != nil {
				return err
			}
			p.sp = addr
			p.stack[addr] = s
		}
		for addr, want := range p.stack {
			got := make([]byte, stampSize)
			if err := p.mm.CopyIn(addr, got, p.sp); err != nil {
				return err
			}
			if !bytes.Equal(got, want) {
				return fmt.Errorf("stack page %v got %x want %x", addr, got, want)
			}
		}
		return nil

	case OpUnmap:
		id, ok := p.mapped[op.Mapping]
		if !ok {
			return nil
		}
		delete(p.mapped, op.Mapping)
		if err := p.mm.MUnmap(id); err != nil {
			return fmt.Errorf("unmapping %s: %w", op.Mapping, err)
		}
		want := p.contents[op.Mapping]
		got := make([]byte, len(want))
		if _, err := p.files[op.Mapping].ReadAt(got, 0); err != nil {
			return fmt.Errorf("reading %s: %w", op.Mapping, err)
		}
		if !bytes.Equal(got, want) {
			return fmt.Errorf("%s contents after unmap differ from memory", op.Mapping)
		}
		return nil

	default:
		panic(fmt.Sprintf("unknown op kind %q", op.Kind))
	}
}
