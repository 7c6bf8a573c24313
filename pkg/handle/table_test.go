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

package handle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/virtgpu/dxgvmbus/pkg/common"
)

type fakeDevice struct{ name string }

func TestAssignAndGet(t *testing.T) {
	table := NewTable()
	dev := &fakeDevice{name: "dev0"}

	h, err := table.Assign(dev, KindDevice)
	require.NoError(t, err)
	assert.True(t, h.Valid())
	assert.Equal(t, KindDevice, table.KindOf(h))

	got, err := table.Get(h, KindDevice)
	require.NoError(t, err)
	assert.Same(t, dev, got)

	_, err = table.Get(h, KindContext)
	assert.Error(t, err)
	assert.Equal(t, -int(unix.EINVAL), common.ErrnoOf(err))
}

func TestFreeReturnsObject(t *testing.T) {
	table := NewTable()
	dev := &fakeDevice{name: "dev0"}

	h, err := table.Assign(dev, KindDevice)
	require.NoError(t, err)

	got, err := table.Free(h, KindDevice)
	require.NoError(t, err)
	assert.Same(t, dev, got)
	assert.Equal(t, 0, table.Len())

	_, err = table.Get(h, KindDevice)
	assert.Error(t, err)
	_, err = table.Free(h, KindDevice)
	assert.Error(t, err)
}

func TestStaleHandleAfterReuse(t *testing.T) {
	table := NewTable()

	h1, err := table.Assign(&fakeDevice{name: "a"}, KindDevice)
	require.NoError(t, err)
	_, err = table.Free(h1, KindDevice)
	require.NoError(t, err)

	// The freed slot is recycled under a new instance; the old handle
	// must no longer resolve.
	h2, err := table.Assign(&fakeDevice{name: "b"}, KindDevice)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)

	_, err = table.Get(h1, KindDevice)
	assert.Error(t, err)
	got, err := table.Get(h2, KindDevice)
	require.NoError(t, err)
	assert.Equal(t, "b", got.(*fakeDevice).name)
}

func TestAssignRejectsNil(t *testing.T) {
	table := NewTable()
	_, err := table.Assign(nil, KindDevice)
	assert.Error(t, err)
	_, err = table.Assign(&fakeDevice{}, KindFree)
	assert.Error(t, err)
}

func TestZeroHandleIsInvalid(t *testing.T) {
	table := NewTable()
	_, err := table.Get(0, KindDevice)
	assert.Error(t, err)
	assert.Equal(t, KindFree, table.KindOf(0))
}
