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

// OpenResource opens a resource shared by another process through its
// global share handle. Sharing always rides NT security handles.
func (c *Client) OpenResource(p *Process, a *Adapter, args *types.OpenResourceArgs) error {
	count := int(args.AllocationCount)
	resultSize := statusReturnSize + count*types.HandleSize
	m, err := vmbus.NewMessageRes(c.Global.Snapshot(), &a.Link,
		vmbus.CommandSize(24), resultSize)
	if err != nil {
		return err
	}
	defer m.Free()

	e := m.InitVGPUToHost2(vmbus.CmdOpenResource, p.Host)
	e.PutHandle(args.Device)
	e.PutUint32(1) // NT security sharing
	e.PutHandle(args.GlobalShare)
	e.PutUint32(args.AllocationCount)
	e.PutUint32(args.TotalPrivDrvDataSize)
	e.PutZero(4)

	if _, err := m.SendSync(m.Result()); err != nil {
		log.Errorf(err, "open_resource failed")
		return err
	}
	d := vmbus.NewDecoder(m.Result())
	if err := d.Status().Err(); err != nil {
		return err
	}
	args.Resource = d.Handle()
	args.AllocationHandles = make([]types.Handle, count)
	for i := range args.AllocationHandles {
		args.AllocationHandles[i] = d.Handle()
	}
	return d.Err()
}

// GetStandardAllocPrivData fetches the driver blobs a standard
// allocation needs. Only GDI surfaces are recognized. The host must
// echo the blob sizes the caller bounded; a mismatch is a protocol
// violation.
func (c *Client) GetStandardAllocPrivData(p *Process, dev *Device,
	args *types.GetStandardAllocPrivDataArgs) error {
	if args.AllocType != types.StandardAllocationGDISurface {
		return common.ErrnoError(unix.EINVAL, "invalid standard allocation type %d", args.AllocType)
	}
	allocPrivSize := len(args.AllocPrivData)
	resPrivSize := len(args.ResPrivData)
	resultSize := 16 + allocPrivSize + resPrivSize

	m, err := vmbus.NewMessageRes(c.Global.Snapshot(), &dev.Adapter.Link,
		vmbus.CommandSize(16+types.GDISurfaceDataSize), resultSize)
	if err != nil {
		return err
	}
	defer m.Free()

	e := m.InitVGPUToHost2(vmbus.CmdDDIGetStandardAllocationDriverData, p.Host)
	e.PutUint32(uint32(args.AllocType))
	e.PutUint32(uint32(allocPrivSize))
	e.PutUint32(args.PhysicalAdapterIndex)
	e.PutUint32(uint32(resPrivSize))
	s := &args.GDISurface
	e.PutUint32(s.Width)
	e.PutUint32(s.Height)
	e.PutUint32(s.Format)
	e.PutUint32(s.Type)
	e.PutUint32(s.Flags)
	e.PutUint32(s.Pitch)
	e.PutUint64(s.Size)
	if err := e.Err(); err != nil {
		return err
	}

	if _, err := m.SendSync(m.Result()); err != nil {
		log.Errorf(err, "get_standard_alloc_priv_data failed")
		return err
	}
	d := vmbus.NewDecoder(m.Result())
	status := d.Status()
	gotAllocSize := d.Uint32()
	gotResSize := d.Uint32()
	d.Skip(4)
	if err := status.Err(); err != nil {
		return err
	}
	if allocPrivSize != 0 && int(gotAllocSize) != allocPrivSize {
		return common.ErrnoError(unix.EINVAL,
			"allocation private data size mismatch: asked %d, host reports %d", allocPrivSize, gotAllocSize)
	}
	if resPrivSize != 0 && int(gotResSize) != resPrivSize {
		return common.ErrnoError(unix.EINVAL,
			"resource private data size mismatch: asked %d, host reports %d", resPrivSize, gotResSize)
	}
	if allocPrivSize > 0 {
		d.CopyBytes(args.AllocPrivData)
	}
	if resPrivSize > 0 {
		d.CopyBytes(args.ResPrivData)
	}
	return d.Err()
}
