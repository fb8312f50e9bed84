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

// Package workload describes and runs simulated processes against a shared
// frame table.
//
// A workload file is TOML:
//
//	[[process]]
//	name = "db"
//	replicas = 4
//	rounds = 3
//
//	[[process.mapping]]
//	name = "data"
//	path = "/tmp/db.%REPLICA%"
//	pages = 16
//
//	[[process.op]]
//	kind = "write"
//	mapping = "data"
//
//	[[process.op]]
//	kind = "stack"
//	pages = 4
//
// Mappings without a path are backed by memory.
package workload

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
)

// ReplicaVar is replaced by the replica number in mapping paths.
const ReplicaVar = "%REPLICA%"

// OpKind is the kind of a workload operation.
type OpKind string

const (
	// OpWrite stamps each page of a range of a mapping.
	OpWrite OpKind = "write"

	// OpRead checks the stamps of a range of a mapping.
	OpRead OpKind = "read"

	// OpStack grows the stack by a number of pages, stamping each and then
	// checking every stack page written so far.
	OpStack OpKind = "stack"

	// OpUnmap unmaps a mapping and checks its file contents. It is mapped
	// again at the start of the next round.
	OpUnmap OpKind = "unmap"
)

// Workload is a set of process templates.
type Workload struct {
	Processes []*Process `toml:"process"`
}

// Process is a process template.
type Process struct {
	Name string `toml:"name"`

	// Replicas is the number of processes run from this template. Zero means
	// one.
	Replicas int `toml:"replicas"`

	// Rounds is the number of times Ops are run. Zero means one.
	Rounds int `toml:"rounds"`

	Mappings []*Mapping `toml:"mapping"`
	Ops      []*Op      `toml:"op"`
}

// Mapping is a file mapped by a process.
type Mapping struct {
	Name string `toml:"name"`

	// Path is the host file backing the mapping. It is created or truncated
	// when the process starts. If empty, the file is held in memory.
	Path string `toml:"path"`

	// Pages is the size of the file in pages.
	Pages int `toml:"pages"`
}

// Op is an operation of a process.
type Op struct {
	Kind    OpKind `toml:"kind"`
	Mapping string `toml:"mapping"`

	// Start is the first page of the mapping touched by write and read.
	Start int `toml:"start"`

	// Pages is the number of pages touched. For write and read zero means up
	// to the end of the mapping; for stack it must be positive.
	Pages int `toml:"pages"`
}

// Load reads and validates the workload file at path.
func Load(path string) (*Workload, error) {
	w := &Workload{}
	md, err := toml.DecodeFile(path, w)
	if err != nil {
		return nil, fmt.Errorf("reading workload file %q: %w", path, err)
	}
	if err := checkUndecoded(md); err != nil {
		return nil, fmt.Errorf("workload file %q: %w", path, err)
	}
	if err := w.Validate(); err != nil {
		return nil, fmt.Errorf("workload file %q: %w", path, err)
	}
	return w, nil
}

// Parse decodes and validates a workload from TOML text.
func Parse(data string) (*Workload, error) {
	w := &Workload{}
	md, err := toml.Decode(data, w)
	if err != nil {
		return nil, err
	}
	if err := checkUndecoded(md); err != nil {
		return nil, err
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return w, nil
}

func checkUndecoded(md toml.MetaData) error {
	if keys := md.Undecoded(); len(keys) > 0 {
		names := make([]string, 0, len(keys))
		for _, k := range keys {
			names = append(names, k.String())
		}
		return fmt.Errorf("unknown keys: %s", strings.Join(names, ", "))
	}
	return nil
}

// Validate checks the workload and fills in defaults.
func (w *Workload) Validate() error {
	if len(w.Processes) == 0 {
		return fmt.Errorf("no processes")
	}
	names := make(map[string]bool)
	for i, p := range w.Processes {
		if p.Name == "" {
			return fmt.Errorf("process %d has no name", i)
		}
		if names[p.Name] {
			return fmt.Errorf("duplicate process %q", p.Name)
		}
		names[p.Name] = true
		if err := p.validate(); err != nil {
			return fmt.Errorf("process %q: %w", p.Name, err)
		}
	}
	return nil
}

func (p *Process) validate() error {
	if p.Replicas < 0 {
		return fmt.Errorf("negative replicas %d", p.Replicas)
	}
	if p.Replicas == 0 {
		p.Replicas = 1
	}
	if p.Rounds < 0 {
		return fmt.Errorf("negative rounds %d", p.Rounds)
	}
	if p.Rounds == 0 {
		p.Rounds = 1
	}
	maps := make(map[string]*Mapping)
	for i, m := range p.Mappings {
		if m.Name == "" {
			return fmt.Errorf("mapping %d has no name", i)
		}
		if _, ok := maps[m.Name]; ok {
			return fmt.Errorf("duplicate mapping %q", m.Name)
		}
		if m.Pages <= 0 {
			return fmt.Errorf("mapping %q: pages must be positive, got %d", m.Name, m.Pages)
		}
		maps[m.Name] = m
	}
	unmapped := make(map[string]bool)
	for i, op := range p.Ops {
		switch op.Kind {
		case OpStack:
			if op.Pages <= 0 {
				return fmt.Errorf("op %d: stack pages must be positive, got %d", i, op.Pages)
			}
			if op.Mapping != "" {
				return fmt.Errorf("op %d: stack op names mapping %q", i, op.Mapping)
			}
		case OpWrite, OpRead, OpUnmap:
			m, ok := maps[op.Mapping]
			if !ok {
				return fmt.Errorf("op %d: unknown mapping %q", i, op.Mapping)
			}
			if unmapped[op.Mapping] {
				return fmt.Errorf("op %d: mapping %q used after unmap", i, op.Mapping)
			}
			if op.Kind == OpUnmap {
				unmapped[op.Mapping] = true
				break
			}
			if op.Start < 0 || op.Pages < 0 {
				return fmt.Errorf("op %d: negative range [%d, +%d)", i, op.Start, op.Pages)
			}
			if op.Pages == 0 {
				op.Pages = m.Pages - op.Start
			}
			if op.Pages <= 0 || op.Start+op.Pages > m.Pages {
				return fmt.Errorf("op %d: range [%d, +%d) outside mapping %q of %d pages", i, op.Start, op.Pages, m.Name, m.Pages)
			}
		default:
			return fmt.Errorf("op %d: unknown kind %q", i, op.Kind)
		}
	}
	return nil
}

// Expand returns one process per replica of each template. Replica i of
// template "name" is named "name.i", and ReplicaVar in its mapping paths is
// replaced by i.
func (w *Workload) Expand() []*Process {
	var procs []*Process
	for _, p := range w.Processes {
		for i := 0; i < p.Replicas; i++ {
			c := deepcopy.Copy(p).(*Process)
			c.Name = fmt.Sprintf("%s.%d", p.Name, i)
			c.Replicas = 1
			for _, m := range c.Mappings {
				m.Path = strings.ReplaceAll(m.Path, ReplicaVar, strconv.Itoa(i))
			}
			procs = append(procs, c)
		}
	}
	return procs
}
