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

// Package linuxerr contains the error codes returned by the vgpu pipeline,
// exported as error interface pointers. This allows for fast comparison and
// return operations comparable to unix.Errno constants.
package linuxerr

import (
	goerrors "errors"

	"golang.org/x/sys/unix"
	"gvisor.dev/vgpu/pkg/errors"
)

// The following errors are semantically identical to unix.Errno values, but
// carry messages that describe what they mean to a GPU command submitter.
var (
	noError *errors.Error = nil

	EINTR     = errors.New(unix.EINTR, "interrupted while waiting")
	EIO       = errors.New(unix.EIO, "I/O error")
	ENOMEM    = errors.New(unix.ENOMEM, "out of memory")
	EBUSY     = errors.New(unix.EBUSY, "device or resource busy")
	ENOENT    = errors.New(unix.ENOENT, "no such resource")
	ENODEV    = errors.New(unix.ENODEV, "no such device")
	EINVAL    = errors.New(unix.EINVAL, "invalid argument")
	ENOSPC    = errors.New(unix.ENOSPC, "no space left in ring")
	ETIMEDOUT = errors.New(unix.ETIMEDOUT, "timed out")
	EPROTO    = errors.New(unix.EPROTO, "protocol error")
)

// Equals compares an error to a *errors.Error. Wrapped errors (%w) are
// unwrapped before comparison.
func Equals(e *errors.Error, err error) bool {
	if err == nil {
		return e == noError || e == nil
	}
	var target *errors.Error
	if goerrors.As(err, &target) {
		return target == e
	}
	return false
}

// ToUnix converts err to a unix.Errno. Errors that don't carry an errno map to
// EIO.
func ToUnix(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var target *errors.Error
	if goerrors.As(err, &target) {
		return target.Errno()
	}
	var errno unix.Errno
	if goerrors.As(err, &errno) {
		return errno
	}
	return unix.EIO
}
