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

package client

import (
	"github.com/virtgpu/dxgvmbus/pkg/common/log"
	"github.com/virtgpu/dxgvmbus/pkg/common/memory"
	"github.com/virtgpu/dxgvmbus/pkg/common/types"
	"github.com/virtgpu/dxgvmbus/pkg/vmbus"
)

const setSysmemPagesFixedSize = 16 // device, allocation, page count, page offset

// Largest page list one set-pages message carries; a page of headroom
// keeps the frame clear of the packet limit.
const maxPFNsInMessage = (vmbus.MaxVMBusPacketSize - vmbus.CommandHeaderSize -
	setSysmemPagesFixedSize - memory.PageSize) / 8

// CreateExistingSysmem attaches caller memory as the backing store of a
// host allocation that was created without storage. The size is known
// only now, from the creation response. Two strategies, chosen by the
// negotiated page-mapping capability: hand the host a shared-memory
// descriptor for the whole range, or stream the pinned page-frame list
// in bounded chunks.
func (c *Client) CreateExistingSysmem(p *Process, dev *Device,
	hostAlloc types.Handle, alloc *Allocation, readOnly bool, sysmem []byte, allocSize uint64, gpadl uint32) error {
	npages := allocSize >> memory.PageShift
	log.V(1).Infof("backing store size: %d", allocSize)

	pinned, err := memory.PinPages(sysmem[:npages*memory.PageSize])
	if err != nil {
		return err
	}
	alloc.Sysmem = sysmem
	alloc.Pinned = pinned

	snap := c.Global.Snapshot()
	if !snap.MapGuestPagesEnabled {
		// Older hosts take a descriptor for the whole range and map it
		// themselves.
		m, err := vmbus.NewMessage(snap, &dev.Adapter.Link, vmbus.CommandSize(16))
		if err != nil {
			return err
		}
		defer m.Free()

		e := m.InitVGPUToHost2(vmbus.CmdSetExistingSysmemStore, p.Host)
		e.PutHandle(dev.Handle)
		e.PutHandle(hostAlloc)
		e.PutUint32(gpadl)
		e.PutUint32(0)
		if err := m.SendSyncStatus(); err != nil {
			log.Errorf(err, "failed to set existing store")
			return err
		}
		return nil
	}

	// Send the allocation page frames so the host can map them for GPU
	// access. One message per chunk, offsets advancing as we go.
	m, err := vmbus.NewMessage(snap, &dev.Adapter.Link,
		vmbus.CommandSize(setSysmemPagesFixedSize+maxPFNsInMessage*8))
	if err != nil {
		return err
	}
	defer m.Free()

	offset := uint64(0)
	for offset < npages {
		toSend := npages - offset
		if toSend > maxPFNsInMessage {
			toSend = maxPFNsInMessage
		}
		e := m.InitVGPUToHost2(vmbus.CmdSetExistingSysmemPages, p.Host)
		e.PutHandle(dev.Handle)
		e.PutHandle(hostAlloc)
		e.PutUint32(uint32(toSend))
		e.PutUint32(uint32(offset))
		for _, page := range pinned.Pages[offset : offset+toSend] {
			e.PutUint64(page >> memory.PageShift)
		}
		if err := e.Err(); err != nil {
			return err
		}
		if err := m.SendSyncStatus(); err != nil {
			log.Errorf(err, "failed to set existing pages")
			return err
		}
		offset += toSend
	}
	return nil
}
