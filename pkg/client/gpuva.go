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
	"golang.org/x/sys/unix"

	"github.com/virtgpu/dxgvmbus/pkg/common"
	"github.com/virtgpu/dxgvmbus/pkg/common/log"
	"github.com/virtgpu/dxgvmbus/pkg/common/types"
	"github.com/virtgpu/dxgvmbus/pkg/vmbus"
)

// MapGPUVirtualAddress maps an allocation range into a GPU VA space.
// The resulting address and paging fence are valid even when the host
// reports a paging failure, so both are copied back before the status
// is inspected.
func (c *Client) MapGPUVirtualAddress(p *Process, a *Adapter, device types.Handle,
	args *types.MapGPUVirtualAddressArgs) error {
	m, err := vmbus.NewMessage(c.Global.Snapshot(), &a.Link, vmbus.CommandSize(64))
	if err != nil {
		return err
	}
	defer m.Free()

	e := m.InitVGPUToHost2(vmbus.CmdMapGPUVirtualAddress, p.Host)
	e.PutHandle(device)
	e.PutHandle(args.PagingQueue)
	e.PutHandle(args.Allocation)
	e.PutZero(4)
	e.PutUint64(args.BaseAddress)
	e.PutUint64(args.MinimumAddress)
	e.PutUint64(args.MaximumAddress)
	e.PutUint64(args.OffsetInPages)
	e.PutUint64(args.SizeInPages)
	e.PutUint32(args.Protection)
	e.PutUint32(args.Flags)

	resp := make([]byte, 24)
	if _, err := m.SendSync(resp); err != nil {
		log.Errorf(err, "map_gpu_va failed")
		return err
	}
	d := vmbus.NewDecoder(resp)
	status := d.Status()
	d.Skip(4)
	args.VirtualAddress = d.Uint64()
	args.PagingFenceValue = d.Uint64()
	if err := d.Err(); err != nil {
		return err
	}
	return status.Err()
}

// ReserveGPUVirtualAddress reserves an unbacked GPU VA range.
func (c *Client) ReserveGPUVirtualAddress(p *Process, a *Adapter,
	args *types.ReserveGPUVirtualAddressArgs) error {
	m, err := vmbus.NewMessage(c.Global.Snapshot(), &a.Link, vmbus.CommandSize(40))
	if err != nil {
		return err
	}
	defer m.Free()

	e := m.InitVGPUToHost2(vmbus.CmdReserveGPUVirtualAddress, p.Host)
	e.PutHandle(args.Adapter)
	e.PutZero(4)
	e.PutUint64(args.BaseAddress)
	e.PutUint64(args.MinimumAddress)
	e.PutUint64(args.MaximumAddress)
	e.PutUint64(args.Size)

	resp := make([]byte, 16)
	if _, err := m.SendSync(resp); err != nil {
		log.Errorf(err, "reserve_gpu_va failed")
		return err
	}
	d := vmbus.NewDecoder(resp)
	status := d.Status()
	d.Skip(4)
	args.VirtualAddress = d.Uint64()
	if err := d.Err(); err != nil {
		return err
	}
	return status.Err()
}

// FreeGPUVirtualAddress releases a GPU VA range.
func (c *Client) FreeGPUVirtualAddress(p *Process, a *Adapter,
	args *types.FreeGPUVirtualAddressArgs) error {
	m, err := vmbus.NewMessage(c.Global.Snapshot(), &a.Link, vmbus.CommandSize(24))
	if err != nil {
		return err
	}
	defer m.Free()

	e := m.InitVGPUToHost2(vmbus.CmdFreeGPUVirtualAddress, p.Host)
	e.PutHandle(args.Adapter)
	e.PutZero(4)
	e.PutUint64(args.BaseAddress)
	e.PutUint64(args.Size)
	return m.SendSyncStatus()
}

// UpdateGPUVirtualAddress applies a fenced batch of VA map/unmap
// operations. The batch must be non-empty and fit in one packet.
func (c *Client) UpdateGPUVirtualAddress(p *Process, a *Adapter,
	args *types.UpdateGPUVirtualAddressArgs) error {
	count := len(args.Operations)
	if count == 0 || count > vmbus.MaxVMBusPacketSize/types.UpdateGPUVAOperationSize {
		return common.ErrnoError(unix.EINVAL, "invalid number of VA operations: %d", count)
	}

	payload := 32 + count*types.UpdateGPUVAOperationSize
	m, err := vmbus.NewMessage(c.Global.Snapshot(), &a.Link, vmbus.CommandSize(payload))
	if err != nil {
		return err
	}
	defer m.Free()

	e := m.InitVGPUToHost2(vmbus.CmdUpdateGPUVirtualAddress, p.Host)
	e.PutHandle(args.Device)
	e.PutHandle(args.Context)
	e.PutHandle(args.FenceObject)
	e.PutUint32(args.Flags)
	e.PutUint64(args.FenceValue)
	e.PutUint32(uint32(count))
	e.PutZero(4)
	for i := range args.Operations {
		op := &args.Operations[i]
		e.PutUint32(op.Operation)
		e.PutUint64(op.BaseAddress)
		e.PutUint64(op.Size)
		e.PutHandle(op.Allocation)
		e.PutUint64(op.AllocationOffsetInPages)
		e.PutUint64(op.AllocationSizeInPages)
	}
	if err := e.Err(); err != nil {
		return err
	}
	return m.SendSyncStatus()
}
