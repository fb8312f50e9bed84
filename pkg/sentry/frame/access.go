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

package frame

import (
	"gvisor.dev/pagevm/pkg/hostarch"
	"gvisor.dev/pagevm/pkg/sentry/pgalloc"
)

// Access emulates an access by owner's user code to the page containing
// addr. If the page is mapped with sufficient permissions, the MMU sets its
// accessed bit (and dirty bit for writes) and fn is called with the page's
// bytes. The frame cannot be evicted while fn runs.
//
// present and ok have the meaning of pagetables.PageTables.Access. fn is
// only called if ok is true, and must not call back into t.
func (t *Table) Access(owner OwnerID, addr hostarch.Addr, write bool, fn func(page []byte)) (present, ok bool) {
	l := t.lock()
	defer l.unlock()
	pt := t.ownerLocked(l, owner).PageTables()
	phys, present, ok := pt.Access(addr, write)
	if !ok {
		return present, false
	}
	fn(t.mem.Bytes(pgalloc.PhysAddr(phys &^ uintptr(hostarch.PageMask))))
	return true, true
}
