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

package bitmap

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestAddRemove(t *testing.T) {
	b := New(130)
	for _, i := range []uint32{0, 63, 64, 129} {
		b.Add(i)
	}
	b.Add(64)
	if got, want := b.GetNumOnes(), uint32(4); got != want {
		t.Errorf("GetNumOnes got %d want %d", got, want)
	}
	if diff := cmp.Diff([]uint32{0, 63, 64, 129}, b.ToSlice()); diff != "" {
		t.Errorf("ToSlice mismatch (-want +got):\n%s", diff)
	}
	b.Remove(63)
	b.Remove(63)
	if b.IsSet(63) {
		t.Errorf("bit 63 still set after Remove")
	}
	if got, want := b.GetNumOnes(), uint32(3); got != want {
		t.Errorf("GetNumOnes got %d want %d", got, want)
	}
}

func TestFirstZero(t *testing.T) {
	b := New(70)
	for i := uint32(0); i < 65; i++ {
		b.Add(i)
	}
	for _, test := range []struct {
		start uint32
		want  uint32
		ok    bool
	}{
		{0, 65, true},
		{66, 66, true},
		{70, 0, false},
	} {
		got, ok := b.FirstZero(test.start)
		if got != test.want || ok != test.ok {
			t.Errorf("FirstZero(%d) got (%d, %t) want (%d, %t)", test.start, got, ok, test.want, test.ok)
		}
	}
}

func TestFirstZeroFull(t *testing.T) {
	b := New(3)
	for i := uint32(0); i < 3; i++ {
		b.Add(i)
	}
	if !b.IsFull() {
		t.Errorf("IsFull got false want true")
	}
	if bit, ok := b.FirstZero(0); ok {
		t.Errorf("FirstZero on a full bitmap returned %d", bit)
	}
}

func TestFirstZeroRun(t *testing.T) {
	b := New(16)
	b.Add(2)
	b.Add(5)
	for _, test := range []struct {
		n    uint32
		want uint32
		ok   bool
	}{
		{1, 0, true},
		{2, 0, true},
		{3, 6, true},
		{10, 6, true},
		{11, 0, false},
	} {
		got, ok := b.FirstZeroRun(0, test.n)
		if got != test.want || ok != test.ok {
			t.Errorf("FirstZeroRun(0, %d) got (%d, %t) want (%d, %t)", test.n, got, ok, test.want, test.ok)
		}
	}
}

func TestOutOfRangePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("Add past the end did not panic")
		}
	}()
	b := New(8)
	b.Add(8)
}
