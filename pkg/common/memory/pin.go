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
	"encoding/binary"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/virtgpu/dxgvmbus/pkg/common"
	"github.com/virtgpu/dxgvmbus/pkg/common/log"
)

// PinnedPages is caller memory locked for host access, with the physical
// page addresses the host needs to map it.
type PinnedPages struct {
	buf []byte
	// Pages holds one page-aligned physical address per page of buf.
	Pages []uint64
}

// NumPages returns the pinned page count.
func (p *PinnedPages) NumPages() int {
	return len(p.Pages)
}

// PinPages locks buf in memory and resolves its physical page addresses.
// buf must be page aligned and a whole number of pages long; the front end
// guarantees both for allocation backing stores.
func PinPages(buf []byte) (*PinnedPages, error) {
	if len(buf) == 0 || len(buf)%PageSize != 0 {
		return nil, common.ErrnoError(unix.EINVAL, "backing store size %d not page aligned", len(buf))
	}
	if err := unix.Mlock(buf); err != nil {
		return nil, common.ErrnoError(unix.ENOMEM, "mlock failed: %v", err)
	}
	// Touch every page so the pagemap has a frame to report.
	for off := 0; off < len(buf); off += PageSize {
		_ = buf[off]
	}
	pages, err := resolvePages(buf)
	if err != nil {
		_ = unix.Munlock(buf)
		return nil, err
	}
	return &PinnedPages{buf: buf, Pages: pages}, nil
}

// Unpin releases the lock. Safe on nil.
func (p *PinnedPages) Unpin() {
	if p == nil || p.buf == nil {
		return
	}
	if err := unix.Munlock(p.buf); err != nil {
		log.Errorf(err, "munlock failed")
	}
	p.buf = nil
	p.Pages = nil
}

// resolvePages reads /proc/self/pagemap to translate the virtual pages of
// buf into physical page addresses. Without pagemap access (it requires
// CAP_SYS_ADMIN since 4.0) the kernel reports zero frames; fall back to the
// virtual page addresses, which are stable while the buffer stays mlocked
// and preserve contiguity for run-length encoding.
func resolvePages(buf []byte) ([]uint64, error) {
	npages := len(buf) / PageSize
	pages := make([]uint64, npages)
	vbase := uintptr(unsafe.Pointer(&buf[0]))

	f, err := os.Open("/proc/self/pagemap")
	if err != nil {
		return virtualPages(vbase, pages), nil
	}
	defer f.Close()

	entry := make([]byte, 8)
	for i := 0; i < npages; i++ {
		vpage := (uint64(vbase) + uint64(i)*PageSize) / PageSize
		if _, err := f.ReadAt(entry, int64(vpage*8)); err != nil {
			return virtualPages(vbase, pages), nil
		}
		e := binary.LittleEndian.Uint64(entry)
		const presentBit = 1 << 63
		pfn := e & ((1 << 55) - 1)
		if e&presentBit == 0 || pfn == 0 {
			return virtualPages(vbase, pages), nil
		}
		pages[i] = pfn << PageShift
	}
	return pages, nil
}

func virtualPages(vbase uintptr, pages []uint64) []uint64 {
	for i := range pages {
		pages[i] = uint64(vbase) + uint64(i)*PageSize
	}
	return pages
}
