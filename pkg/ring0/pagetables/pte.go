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

package pagetables

import (
	"fmt"
)

// PTE is a page table entry.
//
// The layout follows the 32-bit x86 format: the frame address occupies the
// bits above pteFlagMask and the low bits hold the flags below.
type PTE uint64

// Page table entry flags.
const (
	present  PTE = 1 << 0
	writable PTE = 1 << 1
	user     PTE = 1 << 2
	accessed PTE = 1 << 5
	dirty    PTE = 1 << 6

	pteFlagMask PTE = 0xfff
)

// Valid returns true iff this entry is present.
func (p PTE) Valid() bool {
	return p&present != 0
}

// Writeable returns true iff the page is writable.
func (p PTE) Writeable() bool {
	return p&writable != 0
}

// User returns true iff the page is user-accessible.
func (p PTE) User() bool {
	return p&user != 0
}

// Accessed returns true iff the hardware accessed bit is set.
func (p PTE) Accessed() bool {
	return p&accessed != 0
}

// Dirty returns true iff the hardware dirty bit is set.
func (p PTE) Dirty() bool {
	return p&dirty != 0
}

// Address returns the physical address of the mapped frame.
func (p PTE) Address() uintptr {
	return uintptr(p &^ pteFlagMask)
}

// Clear clears this PTE, including all flags.
func (p *PTE) Clear() {
	*p = 0
}

// Set sets this PTE value.
//
// Precondition: physical must be page-aligned.
func (p *PTE) Set(physical uintptr, w, u bool) {
	if PTE(physical)&pteFlagMask != 0 {
		panic(fmt.Sprintf("unaligned physical address %#x", physical))
	}
	v := PTE(physical) | present
	if w {
		v |= writable
	}
	if u {
		v |= user
	}
	*p = v
}

// String implements fmt.Stringer.String.
func (p PTE) String() string {
	if !p.Valid() {
		return "none"
	}
	flags := []byte("r---")
	if p.Writeable() {
		flags[1] = 'w'
	}
	if p.Accessed() {
		flags[2] = 'a'
	}
	if p.Dirty() {
		flags[3] = 'd'
	}
	return fmt.Sprintf("%#x %s", p.Address(), flags)
}
