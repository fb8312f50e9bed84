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

package hostarch

import (
	"testing"
)

func TestRounding(t *testing.T) {
	for _, test := range []struct {
		addr Addr
		down Addr
		up   Addr
	}{
		{0, 0, 0},
		{1, 0, PageSize},
		{PageSize - 1, 0, PageSize},
		{PageSize, PageSize, PageSize},
		{0xbffffe00, 0xbffff000, 0xc0000000},
	} {
		if got := test.addr.RoundDown(); got != test.down {
			t.Errorf("%v.RoundDown() got %v want %v", test.addr, got, test.down)
		}
		up, ok := test.addr.RoundUp()
		if !ok || up != test.up {
			t.Errorf("%v.RoundUp() got (%v, %t) want (%v, true)", test.addr, up, ok, test.up)
		}
	}
}

func TestRoundUpWraps(t *testing.T) {
	if _, ok := (^Addr(0)).RoundUp(); ok {
		t.Errorf("RoundUp of the last address did not report wrapping")
	}
}

func TestAddrRange(t *testing.T) {
	ar, ok := Addr(0x1000).ToRange(3 * PageSize)
	if !ok {
		t.Fatalf("ToRange overflowed")
	}
	if got, want := ar.NumPages(), uint64(3); got != want {
		t.Errorf("NumPages got %d want %d", got, want)
	}
	if !ar.Contains(0x3fff) || ar.Contains(0x4000) {
		t.Errorf("Contains is not half-open for %v", ar)
	}
	if !ar.Overlaps(AddrRange{0x3000, 0x5000}) {
		t.Errorf("%v should overlap [0x3000, 0x5000)", ar)
	}
	if ar.Overlaps(AddrRange{0x4000, 0x5000}) {
		t.Errorf("%v should not overlap [0x4000, 0x5000)", ar)
	}
}

func TestAccessTypeSuperset(t *testing.T) {
	if !ReadWrite.SupersetOf(Write) {
		t.Errorf("rw should be a superset of -w")
	}
	if Read.SupersetOf(Write) {
		t.Errorf("r- should not be a superset of -w")
	}
	if got, want := ReadWrite.String(), "rw"; got != want {
		t.Errorf("String got %q want %q", got, want)
	}
}
