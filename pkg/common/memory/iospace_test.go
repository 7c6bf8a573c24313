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

package memory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/virtgpu/dxgvmbus/pkg/common"
)

const testWindowBase = 0x1_0000_0000

func newTestMapper(t *testing.T, pages int) *Mapper {
	t.Helper()
	f, err := os.Create(filepath.Join(t.TempDir(), "iospace"))
	require.NoError(t, err)
	require.NoError(t, f.Truncate(int64(pages)*PageSize))
	t.Cleanup(func() { f.Close() })
	return NewMapper(f, testWindowBase, uint64(pages)*PageSize)
}

func TestMapperRoundTrip(t *testing.T) {
	m := newTestMapper(t, 4)

	w, err := m.Map(testWindowBase+PageSize, PageSize, true)
	require.NoError(t, err)
	require.Equal(t, PageSize, w.Len())

	// Writes through the window land in the backing file at addr-base.
	copy(w.Bytes(), "fence")
	w2, err := m.Map(testWindowBase+PageSize, PageSize, true)
	require.NoError(t, err)
	assert.Equal(t, []byte("fence"), w2.Bytes()[:5])

	require.NoError(t, m.Unmap(w))
	require.NoError(t, m.Unmap(w2))
}

func TestMapperSubPageAddress(t *testing.T) {
	m := newTestMapper(t, 4)

	w, err := m.Map(testWindowBase+PageSize+24, 64, false)
	require.NoError(t, err)
	assert.Equal(t, 64, w.Len())
	assert.False(t, w.Cached)
	require.NoError(t, m.Unmap(w))
}

func TestMapperRejectsOutOfWindow(t *testing.T) {
	m := newTestMapper(t, 2)

	// Below the base.
	_, err := m.Map(testWindowBase-PageSize, PageSize, true)
	require.Error(t, err)
	assert.Equal(t, -int(unix.EINVAL), common.ErrnoOf(err))

	// Runs past the end.
	_, err = m.Map(testWindowBase+PageSize, 2*PageSize, true)
	require.Error(t, err)
	assert.Equal(t, -int(unix.EINVAL), common.ErrnoOf(err))
}

func TestMapperClosedIsNoop(t *testing.T) {
	m := newTestMapper(t, 2)
	w, err := m.Map(testWindowBase, PageSize, true)
	require.NoError(t, err)

	require.NoError(t, m.Close())

	// Unmap after teardown does nothing and reports success.
	assert.NoError(t, m.Unmap(w))

	_, err = m.Map(testWindowBase, PageSize, true)
	require.Error(t, err)
	assert.Equal(t, -int(unix.ENODEV), common.ErrnoOf(err))
}

func TestPinPagesAlignment(t *testing.T) {
	// Pinning demands whole pages.
	_, err := PinPages(make([]byte, 100))
	require.Error(t, err)
	assert.Equal(t, -int(unix.EINVAL), common.ErrnoOf(err))
}

func TestPinPages(t *testing.T) {
	buf, err := unix.Mmap(-1, 0, 2*PageSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	require.NoError(t, err)
	defer unix.Munmap(buf)

	p, err := PinPages(buf)
	if err != nil {
		// mlock is subject to RLIMIT_MEMLOCK.
		t.Skipf("cannot pin pages here: %v", err)
	}
	defer p.Unpin()

	require.Equal(t, 2, p.NumPages())
	for _, page := range p.Pages {
		assert.Zero(t, page%PageSize, "page address %x not page aligned", page)
	}
}
