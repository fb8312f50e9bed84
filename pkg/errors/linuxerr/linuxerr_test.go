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

package linuxerr

import (
	"fmt"
	"testing"

	"golang.org/x/sys/unix"
)

func TestEquals(t *testing.T) {
	for _, test := range []struct {
		name string
		err  error
		want bool
	}{
		{"same", EINVAL, true},
		{"unix", unix.EINVAL, true},
		{"wrapped", fmt.Errorf("mmap: %w", EINVAL), true},
		{"wrapped unix", fmt.Errorf("pwrite: %w", unix.EINVAL), true},
		{"other unix", unix.ENOSPC, false},
		{"other", EFAULT, false},
		{"nil", nil, false},
	} {
		t.Run(test.name, func(t *testing.T) {
			if got := Equals(EINVAL, test.err); got != test.want {
				t.Errorf("Equals(EINVAL, %v) got %t want %t", test.err, got, test.want)
			}
		})
	}
}

func TestErrorFromUnix(t *testing.T) {
	if got := ErrorFromUnix(unix.ENOSPC); got != ENOSPC {
		t.Errorf("ErrorFromUnix(ENOSPC) got %v want %v", got, ENOSPC)
	}
	if got := ErrorFromUnix(0); got != nil {
		t.Errorf("ErrorFromUnix(0) got %v want nil", got)
	}
	if got := ErrorFromUnix(unix.EXDEV); got != unix.EXDEV {
		t.Errorf("ErrorFromUnix(EXDEV) got %v want %v", got, unix.EXDEV)
	}
}

func TestErrnoOf(t *testing.T) {
	if got := ErrnoOf(fmt.Errorf("fault: %w", EACCES)); got != unix.EACCES {
		t.Errorf("ErrnoOf got %v want %v", got, unix.EACCES)
	}
	if got := ErrnoOf(fmt.Errorf("plain")); got != 0 {
		t.Errorf("ErrnoOf got %v want 0", got)
	}
}
