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
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gvisor.dev/pagevm/pkg/errors/linuxerr"
	"gvisor.dev/pagevm/pkg/hostarch"
	"gvisor.dev/pagevm/pkg/sentry/frame"
	"gvisor.dev/pagevm/pkg/sentry/mm"
	"gvisor.dev/pagevm/pkg/sentry/pgalloc"
	"gvisor.dev/pagevm/pkg/sentry/swap"
)

func newTestRunner(t *testing.T, frames int, slots uint64) *Runner {
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
	return &Runner{Frames: frame.New(mem, s), Layout: mm.DefaultLayout()}
}

func mustParse(t *testing.T, data string) *Workload {
	t.Helper()
	w, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return w
}

const thrash = `
[[process]]
name = "p"
replicas = 3
rounds = 2

[[process.mapping]]
name = "data"
pages = 6

[[process.op]]
kind = "write"
mapping = "data"

[[process.op]]
kind = "stack"
pages = 2

[[process.op]]
kind = "read"
mapping = "data"

[[process.op]]
kind = "unmap"
mapping = "data"
`

func TestRunUnderPressure(t *testing.T) {
	r := newTestRunner(t, 4, 64)
	res, err := r.Run(context.Background(), mustParse(t, thrash))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Processes != 3 {
		t.Errorf("Processes got %d want 3", res.Processes)
	}
	if len(res.Killed) != 0 {
		t.Errorf("Killed got %v want none", res.Killed)
	}
	s := res.Stats
	if s.Paging.Evictions == 0 || s.Paging.SwapOuts == 0 || s.Paging.FileWriteBacks == 0 {
		t.Errorf("Paging got %+v, want evictions, swap outs and file write-backs", s.Paging)
	}
	if s.Frames != 0 || s.Owners != 0 || s.SwapUsed != 0 {
		t.Errorf("Stats after exit got %d frames, %d owners, %d swap slots, want none", s.Frames, s.Owners, s.SwapUsed)
	}
	if err := r.Frames.CheckInvariants(); err != nil {
		t.Errorf("CheckInvariants: %v", err)
	}
}

func TestRunHostFiles(t *testing.T) {
	dir := t.TempDir()
	w := mustParse(t, `
[[process]]
name = "h"
replicas = 2

[[process.mapping]]
name = "data"
path = "`+filepath.Join(dir, "data.%REPLICA%")+`"
pages = 3

[[process.op]]
kind = "write"
mapping = "data"
`)
	r := newTestRunner(t, 2, 16)
	if _, err := r.Run(context.Background(), w); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	for _, name := range []string{"data.0", "data.1"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatal(err)
		}
		if got, want := len(data), 3*hostarch.PageSize; got != want {
			t.Errorf("%s has %d bytes want %d", name, got, want)
		}
		for i := 0; i < 3; i++ {
			if bytes.Equal(data[i*hostarch.PageSize:][:stampSize], make([]byte, stampSize)) {
				t.Errorf("%s page %d was not written back", name, i)
			}
		}
	}
}

func TestRunStackOverflowKills(t *testing.T) {
	r := newTestRunner(t, 4, 16)
	r.Layout.MaxStackSize = 4 * hostarch.PageSize
	w := mustParse(t, `
[[process]]
name = "deep"

[[process.op]]
kind = "stack"
pages = 8

[[process]]
name = "shallow"

[[process.op]]
kind = "stack"
pages = 3
`)
	res, err := r.Run(context.Background(), w)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(res.Killed) != 1 {
		t.Fatalf("Killed got %v want only deep.0", res.Killed)
	}
	err = res.Killed["deep.0"]
	var fe *mm.FaultError
	if !errors.As(err, &fe) || !linuxerr.Equals(linuxerr.EFAULT, fe.Err) {
		t.Fatalf("deep.0 killed by %v want EFAULT", err)
	}
	if got, want := fe.Addr, r.Layout.StackBottom()-hostarch.PageSize; got != want {
		t.Errorf("fault address got %v want %v", got, want)
	}
	if s := res.Stats; s.Owners != 0 || s.Frames != 0 {
		t.Errorf("killed process left %d owners, %d frames", s.Owners, s.Frames)
	}
}

func TestRunMaps(t *testing.T) {
	r := newTestRunner(t, 8, 16)
	var buf bytes.Buffer
	r.Maps = &buf
	w := mustParse(t, `
[[process]]
name = "m"

[[process.mapping]]
name = "lib.so"
pages = 2

[[process.op]]
kind = "read"
mapping = "lib.so"
`)
	if _, err := r.Run(context.Background(), w); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"== m.0 ==", "lib.so", "[stack]"} {
		if !strings.Contains(out, want) {
			t.Errorf("maps output missing %q:\n%s", want, out)
		}
	}
}

func TestRunCanceled(t *testing.T) {
	r := newTestRunner(t, 4, 16)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Run(ctx, mustParse(t, thrash)); !errors.Is(err, context.Canceled) {
		t.Errorf("Run with a canceled context got %v want %v", err, context.Canceled)
	}
}
