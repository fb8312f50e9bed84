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

package cleanup

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

// install mimics a fault that takes a frame and a mapping and fails at step
// failAt, or succeeds if failAt is past the last step. It returns the
// undo steps that ran, in order.
func install(failAt int, release bool) (ran []string, deferred func()) {
	undo := func(what string) func() {
		return func() { ran = append(ran, what) }
	}
	func() {
		cu := Make(undo("free frame"))
		defer cu.Clean()
		if failAt == 0 {
			return
		}
		cu.Add(undo("unmap page"))
		if failAt == 1 {
			return
		}
		cu.Add(undo("drop pin"))
		if failAt == 2 {
			return
		}
		if release {
			deferred = cu.Release()
		}
	}()
	return ran, deferred
}

func TestClean(t *testing.T) {
	for _, test := range []struct {
		name   string
		failAt int
		want   []string
	}{
		{"first step", 0, []string{"free frame"}},
		{"second step", 1, []string{"unmap page", "free frame"}},
		{"third step", 2, []string{"drop pin", "unmap page", "free frame"}},
		{"no failure", 3, []string{"drop pin", "unmap page", "free frame"}},
	} {
		t.Run(test.name, func(t *testing.T) {
			got, _ := install(test.failAt, false)
			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Errorf("undo steps mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRelease(t *testing.T) {
	ran, deferred := install(3, true)
	if len(ran) != 0 {
		t.Fatalf("released cleanup ran %v", ran)
	}
	if deferred == nil {
		t.Fatalf("Release returned nil")
	}
	// The returned function still holds every step.
	rerun := 0
	cu := Make(func() { rerun++ })
	cu.Add(func() { rerun++ })
	cu.Release()()
	if rerun != 2 {
		t.Errorf("function returned by Release ran %d steps want 2", rerun)
	}
}

func TestCleanTwice(t *testing.T) {
	n := 0
	cu := Make(func() { n++ })
	cu.Clean()
	cu.Clean()
	if n != 1 {
		t.Errorf("cleanup ran %d times want 1", n)
	}
}
