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

// Package linuxerr contains the errno-valued errors returned by the pager,
// exported as *errors.Error pointers so that they compare cheaply with ==.
package linuxerr

import (
	stderrors "errors"

	"golang.org/x/sys/unix"
	"gvisor.dev/pagevm/pkg/errors"
)

// The following errors are semantically identical to the unix.Errno of the
// same name. Since they are distinct types they are not directly comparable;
// use Equals, or errors.Is on wrapped values.
var (
	noError *errors.Error = nil
	EPERM                 = errors.New(unix.EPERM, "operation not permitted")
	ENOENT                = errors.New(unix.ENOENT, "no such file or directory")
	EIO                   = errors.New(unix.EIO, "I/O error")
	EBADF                 = errors.New(unix.EBADF, "bad file number")
	EAGAIN                = errors.New(unix.EAGAIN, "try again")
	ENOMEM                = errors.New(unix.ENOMEM, "out of memory")
	EACCES                = errors.New(unix.EACCES, "permission denied")
	EFAULT                = errors.New(unix.EFAULT, "bad address")
	EBUSY                 = errors.New(unix.EBUSY, "device or resource busy")
	EEXIST                = errors.New(unix.EEXIST, "file exists")
	ENODEV                = errors.New(unix.ENODEV, "no such device")
	EINVAL                = errors.New(unix.EINVAL, "invalid argument")
	EFBIG                 = errors.New(unix.EFBIG, "file too large")
	ENOSPC                = errors.New(unix.ENOSPC, "no space left on device")
	EROFS                 = errors.New(unix.EROFS, "read-only file system")
	ERANGE                = errors.New(unix.ERANGE, "math result not representable")
	ENOSYS                = errors.New(unix.ENOSYS, "invalid system call number")
	EOVERFLOW             = errors.New(unix.EOVERFLOW, "value too large for defined data type")
)

var errorMap = map[unix.Errno]*errors.Error{
	unix.EPERM:     EPERM,
	unix.ENOENT:    ENOENT,
	unix.EIO:       EIO,
	unix.EBADF:     EBADF,
	unix.EAGAIN:    EAGAIN,
	unix.ENOMEM:    ENOMEM,
	unix.EACCES:    EACCES,
	unix.EFAULT:    EFAULT,
	unix.EBUSY:     EBUSY,
	unix.EEXIST:    EEXIST,
	unix.ENODEV:    ENODEV,
	unix.EINVAL:    EINVAL,
	unix.EFBIG:     EFBIG,
	unix.ENOSPC:    ENOSPC,
	unix.EROFS:     EROFS,
	unix.ERANGE:    ERANGE,
	unix.ENOSYS:    ENOSYS,
	unix.EOVERFLOW: EOVERFLOW,
}

// ErrorFromUnix returns a linuxerr from a unix.Errno. Errnos without a
// dedicated value are returned as-is.
func ErrorFromUnix(err unix.Errno) error {
	if err == unix.Errno(0) {
		return nil
	}
	if e, ok := errorMap[err]; ok {
		return e
	}
	return err
}

// ToError converts a linuxerr to an error type.
func ToError(err *errors.Error) error {
	if err == noError {
		return nil
	}
	return err
}

// ToUnix converts a linuxerr to a unix.Errno.
func ToUnix(e *errors.Error) unix.Errno {
	var unixErr unix.Errno
	if e != noError {
		unixErr = e.Errno()
	}
	return unixErr
}

// Equals compares a linuxerr to a given error. err may wrap the linuxerr or
// an equivalent unix.Errno.
func Equals(e *errors.Error, err error) bool {
	if e == noError {
		return err == nil
	}
	if err == nil {
		return false
	}
	return stderrors.Is(err, e) || stderrors.Is(err, e.Errno())
}

// ErrnoOf returns the errno carried by err, or 0 if err carries none.
func ErrnoOf(err error) unix.Errno {
	var e *errors.Error
	if stderrors.As(err, &e) {
		return e.Errno()
	}
	var u unix.Errno
	if stderrors.As(err, &u) {
		return u
	}
	return 0
}
