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

// Package memmap defines the file interface consumed by file-backed pages.
package memmap

import (
	"io"
)

// File is an open file whose contents may back pages.
//
// All File methods must be safe to call concurrently. ReadAt and WriteAt
// follow io.ReaderAt and io.WriterAt: a short count is always accompanied by
// an error.
type File interface {
	io.ReaderAt
	io.WriterAt

	// Length returns the current length of the file in bytes.
	Length() (int64, error)

	// Reopen returns an independent handle to the same file. Closing either
	// handle does not affect the other.
	Reopen() (File, error)

	// Close releases the handle.
	Close() error

	// Name returns a name for the file, for logging.
	Name() string
}
