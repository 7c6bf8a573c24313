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
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestStatusTranslation(t *testing.T) {
	cases := []struct {
		status NTStatus
		errno  unix.Errno
	}{
		{StatusObjectNameCollision, unix.EEXIST},
		{StatusNoMemory, unix.ENOMEM},
		{StatusInvalidParameter, unix.EINVAL},
		{StatusObjectNameInvalid, unix.ENOENT},
		{StatusObjectNameNotFound, unix.ENOENT},
		{StatusIoTimeout, unix.EAGAIN},
		{StatusBufferTooSmall, unix.EOVERFLOW},
		{StatusDeviceRemoved, unix.ENODEV},
		{StatusAccessDenied, unix.EACCES},
		{StatusNotSupported, unix.EPERM},
		{StatusIllegalInstruction, unix.EOPNOTSUPP},
		{StatusInvalidHandle, unix.EBADF},
		{StatusGraphicsAllocationBusy, unix.EINPROGRESS},
		{StatusObjectTypeMismatch, unix.EPROTOTYPE},
		{StatusNotImplemented, unix.EPERM},
	}
	for _, c := range cases {
		assert.Equal(t, -int(c.errno), c.status.ToInt(), "status 0x%08x", uint32(c.status))
		assert.False(t, c.status.Success())
	}
}

func TestStatusSuccessPassthrough(t *testing.T) {
	assert.Equal(t, 0, StatusSuccess.ToInt())
	assert.NoError(t, StatusSuccess.Err())

	// Pending is a positive success code and passes through unchanged.
	assert.True(t, StatusPending.Success())
	assert.Equal(t, int(StatusPending), StatusPending.ToInt())
	assert.NoError(t, StatusPending.Err())
}

func TestStatusTotality(t *testing.T) {
	// Every failure maps to a negative errno, known or not.
	unknown := NTStatus(0xC0FFEE00)
	assert.Equal(t, -int(unix.EINVAL), unknown.ToInt())
	require.Error(t, unknown.Err())
}

func TestStatusErrorCarriesBoth(t *testing.T) {
	err := StatusInvalidParameter.Err()
	require.Error(t, err)

	var st *Status
	require.True(t, errors.As(err, &st))
	assert.Equal(t, StatusInvalidParameter, st.NT)
	assert.Equal(t, unix.EINVAL, st.Errno)
	assert.Equal(t, -int(unix.EINVAL), st.Code())
}

func TestErrnoError(t *testing.T) {
	err := ErrnoError(unix.EOVERFLOW, "too big by %d", 42)
	require.Error(t, err)
	assert.Equal(t, -int(unix.EOVERFLOW), ErrnoOf(err))
	assert.Contains(t, err.Error(), "too big by 42")

	// Plain errors fall back to EINVAL at the boundary.
	assert.Equal(t, -int(unix.EINVAL), ErrnoOf(errors.New("plain")))
}
