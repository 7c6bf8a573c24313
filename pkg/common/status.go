/** Copyright 2022-2024 The dxgvmbus Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package common

import (
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// NTStatus is the status word leading every host response. The host runs an
// NT-style driver stack; the guest converts to POSIX errnos at the transport
// boundary.
type NTStatus uint32

// NTStatusSize is the wire size of an NTStatus.
const NTStatusSize = 4

const (
	StatusSuccess NTStatus = 0x00000000
	// StatusPending is a success code; callers that care (allocation
	// property updates) distinguish it from plain success.
	StatusPending NTStatus = 0x00000103

	StatusNotImplemented          NTStatus = 0xC0000002
	StatusInvalidHandle           NTStatus = 0xC0000008
	StatusInvalidParameter        NTStatus = 0xC000000D
	StatusNoMemory                NTStatus = 0xC0000017
	StatusIllegalInstruction      NTStatus = 0xC000001D
	StatusAccessDenied            NTStatus = 0xC0000022
	StatusBufferTooSmall          NTStatus = 0xC0000023
	StatusObjectTypeMismatch      NTStatus = 0xC0000024
	StatusObjectNameInvalid       NTStatus = 0xC0000033
	StatusObjectNameNotFound      NTStatus = 0xC0000034
	StatusObjectNameCollision     NTStatus = 0xC0000035
	StatusIoTimeout               NTStatus = 0xC00000B5
	StatusNotSupported            NTStatus = 0xC00000BB
	StatusDeviceRemoved           NTStatus = 0xC00002B6
	StatusGraphicsAllocationBusy  NTStatus = 0xC01E0102
)

// Success reports whether the status is a success code (including values
// like StatusPending that carry extra meaning).
func (s NTStatus) Success() bool {
	return int32(s) >= 0
}

// ToInt maps the status to the C calling convention used at the ioctl
// boundary: a success status passes through unchanged, a failure becomes a
// negative POSIX errno. Unknown failures map to -EINVAL.
func (s NTStatus) ToInt() int {
	if s.Success() {
		return int(s)
	}
	switch s {
	case StatusObjectNameCollision:
		return -int(unix.EEXIST)
	case StatusNoMemory:
		return -int(unix.ENOMEM)
	case StatusInvalidParameter:
		return -int(unix.EINVAL)
	case StatusObjectNameInvalid, StatusObjectNameNotFound:
		return -int(unix.ENOENT)
	case StatusIoTimeout:
		return -int(unix.EAGAIN)
	case StatusBufferTooSmall:
		return -int(unix.EOVERFLOW)
	case StatusDeviceRemoved:
		return -int(unix.ENODEV)
	case StatusAccessDenied:
		return -int(unix.EACCES)
	case StatusNotSupported:
		return -int(unix.EPERM)
	case StatusIllegalInstruction:
		return -int(unix.EOPNOTSUPP)
	case StatusInvalidHandle:
		return -int(unix.EBADF)
	case StatusGraphicsAllocationBusy:
		return -int(unix.EINPROGRESS)
	case StatusObjectTypeMismatch:
		return -int(unix.EPROTOTYPE)
	case StatusNotImplemented:
		return -int(unix.EPERM)
	default:
		return -int(unix.EINVAL)
	}
}

// Err returns nil for success codes, else a *Status error carrying both the
// raw host status and the translated errno.
func (s NTStatus) Err() error {
	if s.Success() {
		return nil
	}
	return WrapStatus(s, "")
}

// Status is an error reported by the host, or a local failure expressed in
// the same errno vocabulary.
type Status struct {
	NT      NTStatus
	Errno   unix.Errno
	Message string
}

func (r *Status) Error() string {
	if r.NT != 0 {
		return fmt.Sprintf("host status 0x%08x (%v): %v", uint32(r.NT), r.Errno, r.Message)
	}
	return fmt.Sprintf("%v: %v", r.Errno, r.Message)
}

// Code returns the negative errno for the C calling convention.
func (r *Status) Code() int {
	return -int(r.Errno)
}

// WrapStatus builds a stack-carrying error from a failed host status.
func WrapStatus(s NTStatus, message string) error {
	return errors.WithStack(&Status{
		NT:      s,
		Errno:   unix.Errno(-s.ToInt()),
		Message: message,
	})
}

// ErrnoError builds a stack-carrying error from a local errno condition.
func ErrnoError(errno unix.Errno, format string, a ...any) error {
	return errors.WithStack(&Status{
		Errno:   errno,
		Message: fmt.Sprintf(format, a...),
	})
}

// ErrnoOf extracts the C-convention return code from an error: 0 for nil,
// the translated errno for *Status, -EINVAL for anything else.
func ErrnoOf(err error) int {
	if err == nil {
		return 0
	}
	var st *Status
	if errors.As(err, &st) {
		return st.Code()
	}
	return -int(unix.EINVAL)
}
