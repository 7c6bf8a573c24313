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

package vmbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/virtgpu/dxgvmbus/pkg/common"
	"github.com/virtgpu/dxgvmbus/pkg/common/types"
)

func TestEncoderLittleEndian(t *testing.T) {
	buf := make([]byte, 16)
	e := NewEncoder(buf)
	e.PutUint32(0x11223344)
	e.PutUint64(0x8877665544332211)
	e.PutHandle(types.Handle(0xabcd))
	require.NoError(t, e.Err())
	assert.Equal(t, 16, e.Offset())

	assert.Equal(t, []byte{0x44, 0x33, 0x22, 0x11}, buf[0:4])
	assert.Equal(t, []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88}, buf[4:12])

	d := NewDecoder(buf)
	assert.Equal(t, uint32(0x11223344), d.Uint32())
	assert.Equal(t, uint64(0x8877665544332211), d.Uint64())
	assert.Equal(t, types.Handle(0xabcd), d.Handle())
	require.NoError(t, d.Err())
}

func TestEncoderOverflowIsSticky(t *testing.T) {
	e := NewEncoder(make([]byte, 6))
	e.PutUint32(1)
	e.PutUint32(2) // overflows
	e.PutUint16(3) // would fit, but the error is sticky
	require.Error(t, e.Err())
	assert.Equal(t, -int(unix.EOVERFLOW), common.ErrnoOf(e.Err()))
	assert.Equal(t, 4, e.Offset())
}

func TestDecoderUnderflow(t *testing.T) {
	d := NewDecoder([]byte{1, 2})
	assert.Equal(t, uint32(0), d.Uint32())
	require.Error(t, d.Err())
	assert.Equal(t, -int(unix.EBADMSG), common.ErrnoOf(d.Err()))
}

func TestEncoderAlign(t *testing.T) {
	e := NewEncoder(make([]byte, 16))
	e.PutUint32(1)
	e.Align(8)
	assert.Equal(t, 8, e.Offset())
	e.Align(8)
	assert.Equal(t, 8, e.Offset())
	require.NoError(t, e.Err())
}
