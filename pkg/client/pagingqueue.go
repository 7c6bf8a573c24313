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

// CreatePagingQueue creates a host paging queue and maps its progress
// fence page into the guest.
func (c *Client) CreatePagingQueue(p *Process, dev *Device,
	args *types.CreatePagingQueueArgs, pq *PagingQueue) error {
	m, err := vmbus.NewMessage(c.Global.Snapshot(), &dev.Adapter.Link, vmbus.CommandSize(8))
	if err != nil {
		return err
	}
	defer m.Free()

	e := m.InitVGPUToHost2(vmbus.CmdCreatePagingQueue, p.Host)
	e.PutHandle(args.Device)
	e.PutInt32(args.Priority)

	args.PagingQueue = 0
	resp := make([]byte, 16)
	if _, err := m.SendSync(resp); err != nil {
		log.Errorf(err, "create_paging_queue failed")
		return err
	}
	d := vmbus.NewDecoder(resp)
	pagingQueue := d.Handle()
	syncObject := d.Handle()
	fencePhysAddr := d.Uint64()

	w, err := c.Mapper.Map(fencePhysAddr, memory.PageSize, true)
	if err != nil {
		return err
	}
	args.PagingQueue = pagingQueue
	args.SyncObject = syncObject
	args.FenceCPUAddress = w.Bytes()
	pq.Device = dev
	pq.Handle = pagingQueue
	pq.SyncObject = syncObject
	pq.FenceWindow = w
	return nil
}

// DestroyPagingQueue retires the queue; the fence mapping is released
// first so the window cannot outlive the queue.
func (c *Client) DestroyPagingQueue(p *Process, a *Adapter, pq *PagingQueue) error {
	if pq.FenceWindow != nil {
		if err := c.Mapper.Unmap(pq.FenceWindow); err != nil {
			return err
		}
		pq.FenceWindow = nil
	}
	m, err := vmbus.NewMessage(c.Global.Snapshot(), &a.Link, vmbus.CommandSize(types.HandleSize))
	if err != nil {
		return err
	}
	defer m.Free()

	e := m.InitVGPUToHost2(vmbus.CmdDestroyPagingQueue, p.Host)
	e.PutHandle(pq.Handle)
	return m.SendSyncStatus()
}
