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
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/virtgpu/dxgvmbus/pkg/common"
	"github.com/virtgpu/dxgvmbus/pkg/common/log"
)

// PageSize is the guest page size assumed by the wire protocol.
const PageSize = 4096

// PageShift is log2(PageSize).
const PageShift = 12

// Window is a guest view of host IO-space memory. Data is offset by the
// sub-page remainder of the mapped address; the page-aligned mapping is
// retained for release.
type Window struct {
	full []byte
	data []byte
	// Cached records the requested caching attribute (write-combined when
	// false). For file-backed windows the attribute is host-controlled.
	Cached bool
}

// Bytes returns the caller-visible view.
func (w *Window) Bytes() []byte {
	if w == nil {
		return nil
	}
	return w.data
}

// Len returns the size of the caller-visible view.
func (w *Window) Len() int {
	if w == nil {
		return 0
	}
	return len(w.data)
}

// Mapper maps host-supplied IO-space addresses into the guest address
// space. The host exposes the negotiated IO-space window as a file (or an
// fd passed over the bus socket); an address A inside the window maps to
// file offset A-base.
type Mapper struct {
	mu   sync.Mutex
	f    *os.File
	base uint64
	size uint64
	// closed marks teardown; Unmap becomes a no-op to mirror process-exit
	// semantics where the address space is already gone.
	closed bool
}

// NewMapper wraps an IO-space window file with the negotiated bounds.
func NewMapper(f *os.File, base, size uint64) *Mapper {
	return &Mapper{f: f, base: base, size: size}
}

// Bounds returns the negotiated window base and size.
func (m *Mapper) Bounds() (uint64, uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.base, m.size
}

// SetBounds installs the window bounds once negotiation has fixed them.
// Until then the size is zero and every Map is rejected.
func (m *Mapper) SetBounds(base, size uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.base = base
	m.size = size
}

func (m *Mapper) checkAddress(address uint64, size uint32) error {
	if address < m.base || uint64(size) > m.size ||
		address >= m.base+m.size-uint64(size) {
		return common.ErrnoError(unix.EINVAL, "invalid iospace address %x", address)
	}
	return nil
}

// Map exposes size bytes at the given IO-space address. The mapping is
// shared with the host; cached selects normal caching, otherwise the window
// is treated as write-combined (flush ordering is the caller's concern).
func (m *Mapper) Map(address uint64, size uint32, cached bool) (*Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.f == nil {
		return nil, common.ErrnoError(unix.ENODEV, "iospace window not available")
	}
	if err := m.checkAddress(address, size); err != nil {
		log.Errorf(err, "map iospace %x %x", address, size)
		return nil, err
	}

	pageOff := int(address % PageSize)
	mapLen := int(size) + pageOff
	fileOff := int64(address-m.base) - int64(pageOff)

	va, err := unix.Mmap(int(m.f.Fd()), fileOff, mapLen,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, common.ErrnoError(unix.ENOMEM, "mmap failed: %v", err)
	}
	log.V(1).Infof("mapped iospace %x+%x", address, size)
	return &Window{
		full:   va,
		data:   va[pageOff : pageOff+int(size) : pageOff+int(size)],
		Cached: cached,
	}, nil
}

// Unmap releases a window returned by Map. It is a no-op after Close (the
// owning process is already tearing down its address space) and for nil
// windows. A munmap failure indicates guest address-space corruption risk
// and is reported as non-recoverable.
func (m *Mapper) Unmap(w *Window) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w == nil || w.full == nil {
		return nil
	}
	if m.closed {
		w.full = nil
		w.data = nil
		return nil
	}
	full := w.full
	w.full = nil
	w.data = nil
	if err := unix.Munmap(full); err != nil {
		log.Errorf(err, "munmap failed")
		return common.ErrnoError(unix.ENOTRECOVERABLE, "munmap failed: %v", err)
	}
	return nil
}

// Close marks the window unusable; subsequent Unmap calls succeed silently.
func (m *Mapper) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.f != nil {
		err := m.f.Close()
		m.f = nil
		return errors.Wrap(err, "failed to close iospace window")
	}
	return nil
}
