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
	"github.com/virtgpu/dxgvmbus/pkg/common/memory"
	"github.com/virtgpu/dxgvmbus/pkg/common/types"
	"github.com/virtgpu/dxgvmbus/pkg/vmbus"
)

// Longest process name carried in a create-process command, in UTF-16
// units.
const winMaxPath = 260

// SetIOSpaceRegion tells the host where the shared IO-space window
// lives and records the bounds for the mapper.
func (c *Client) SetIOSpaceRegion(start, length uint64, sharedPageGPADL uint32) error {
	m, err := vmbus.NewMessage(c.Global.Snapshot(), nil, vmbus.CommandSize(24))
	if err != nil {
		return err
	}
	defer m.Free()

	if err := c.Global.AcquireChannelLock(); err != nil {
		return err
	}
	defer c.Global.ReleaseChannelLock()

	e := m.InitVMToHost1(vmbus.CmdSetIOSpaceRegion)
	e.PutUint64(start)
	e.PutUint64(length)
	e.PutUint32(sharedPageGPADL)
	e.PutUint32(0)
	if err := e.Err(); err != nil {
		return err
	}
	if err := m.SendSyncStatus(); err != nil {
		log.Errorf(err, "set_iospace_region failed")
		return err
	}
	c.Global.SetIOSpaceBounds(start, length)
	if c.Mapper != nil {
		c.Mapper.SetBounds(start, length)
	}
	return nil
}

// CreateProcess introduces the guest process to the host and stores the
// host process handle. A zero returned handle is a host contract
// violation and is surfaced as unrecoverable.
func (c *Client) CreateProcess(p *Process, pid uint64, name string) error {
	payload := 8 + 4 + 4 + winMaxPath*2
	m, err := vmbus.NewMessage(c.Global.Snapshot(), nil, vmbus.CommandSize(payload))
	if err != nil {
		return err
	}
	defer m.Free()

	if err := c.Global.AcquireChannelLock(); err != nil {
		return err
	}
	defer c.Global.ReleaseChannelLock()

	e := m.InitVMToHost1(vmbus.CmdCreateProcess)
	e.PutUint64(pid)
	e.PutBool32(true) // linux process
	e.PutUint32(0)
	// UTF-16 name, NUL terminated by the zeroed buffer tail.
	n := 0
	for _, r := range name {
		if n >= winMaxPath-1 {
			break
		}
		e.PutUint16(uint16(r))
		n++
	}
	if err := e.Err(); err != nil {
		return err
	}

	var resp [types.HandleSize]byte
	if _, err := m.SendSync(resp[:]); err != nil {
		log.Errorf(err, "create_process failed")
		return err
	}
	h := types.Handle(vmbus.NewDecoder(resp[:]).Uint32())
	if !h.Valid() {
		log.Errorf(nil, "create_process returned a zero handle")
		return common.ErrnoError(unix.ENOTRECOVERABLE, "host returned a zero process handle")
	}
	p.Host = h
	return nil
}

// DestroyProcess retires the host process handle.
func (c *Client) DestroyProcess(process types.Handle) error {
	m, err := vmbus.NewMessage(c.Global.Snapshot(), nil, vmbus.CommandSize(0))
	if err != nil {
		return err
	}
	defer m.Free()

	if err := c.Global.AcquireChannelLock(); err != nil {
		return err
	}
	defer c.Global.ReleaseChannelLock()

	m.InitVMToHost2(vmbus.CmdDestroyProcess, process)
	return m.SendSyncStatus()
}

// OpenSyncObject opens a sync object shared by another process. For
// monitored fences the host returns the fence page, which is mapped
// into the caller through the IO-space window.
func (c *Client) OpenSyncObject(p *Process, obj *SyncObject, args *types.OpenSyncObjectArgs) error {
	m, err := vmbus.NewMessage(c.Global.Snapshot(), nil, vmbus.CommandSize(16))
	if err != nil {
		return err
	}
	defer m.Free()

	e := m.InitVMToHost2(vmbus.CmdOpenSyncObject, p.Host)
	e.PutHandle(args.Device)
	e.PutHandle(obj.Shared)
	e.PutUint32(args.Flags)
	if obj.Monitored {
		e.PutUint32(args.EngineAffinity)
	} else {
		e.PutUint32(0)
	}
	if err := e.Err(); err != nil {
		return err
	}

	if err := c.Global.AcquireChannelLock(); err != nil {
		return err
	}
	defer c.Global.ReleaseChannelLock()

	resp := make([]byte, 24)
	if _, err := m.SendSync(resp); err != nil {
		return err
	}
	d := vmbus.NewDecoder(resp)
	status := d.Status()
	syncObject := d.Handle()
	gpuVA := d.Uint64()
	fencePhysAddr := d.Uint64()
	if err := status.Err(); err != nil {
		return err
	}

	args.SyncObject = syncObject
	obj.Handle = syncObject
	if obj.Monitored {
		w, err := c.Mapper.Map(fencePhysAddr, memory.PageSize, true)
		if err != nil {
			return err
		}
		args.FenceCPUAddress = w.Bytes()
		args.FenceGPUAddress = gpuVA
		obj.FenceWindow = w
	}
	return nil
}

// CreateNTSharedObject asks the host for a shareable handle for obj.
func (c *Client) CreateNTSharedObject(p *Process, obj types.Handle) (types.Handle, error) {
	m, err := vmbus.NewMessage(c.Global.Snapshot(), nil, vmbus.CommandSize(types.HandleSize))
	if err != nil {
		return 0, err
	}
	defer m.Free()

	e := m.InitVMToHost2(vmbus.CmdCreateNTSharedObject, p.Host)
	e.PutHandle(obj)

	if err := c.Global.AcquireChannelLock(); err != nil {
		return 0, err
	}
	defer c.Global.ReleaseChannelLock()

	var resp [types.HandleSize]byte
	if _, err := m.SendSync(resp[:]); err != nil {
		return 0, err
	}
	shared := types.Handle(vmbus.NewDecoder(resp[:]).Uint32())
	if !shared.Valid() {
		log.Errorf(nil, "failed to create NT shared object")
		return 0, common.ErrnoError(unix.ENOTRECOVERABLE, "host returned a zero shared handle")
	}
	return shared, nil
}

// DestroyNTSharedObject releases a shared handle.
func (c *Client) DestroyNTSharedObject(shared types.Handle) error {
	m, err := vmbus.NewMessage(c.Global.Snapshot(), nil, vmbus.CommandSize(types.HandleSize))
	if err != nil {
		return err
	}
	defer m.Free()

	e := m.InitVMToHost1(vmbus.CmdDestroyNTSharedObject)
	e.PutHandle(shared)

	if err := c.Global.AcquireChannelLock(); err != nil {
		return err
	}
	defer c.Global.ReleaseChannelLock()
	return m.SendSyncStatus()
}

// DestroySyncObject destroys a sync object. Sent on the global channel;
// sync objects outlive their device on shared paths.
func (c *Client) DestroySyncObject(p *Process, syncObject types.Handle) error {
	m, err := vmbus.NewMessage(c.Global.Snapshot(), nil, vmbus.CommandSize(types.HandleSize))
	if err != nil {
		return err
	}
	defer m.Free()

	if err := c.Global.AcquireChannelLock(); err != nil {
		return err
	}
	defer c.Global.ReleaseChannelLock()

	e := m.InitVMToHost2(vmbus.CmdDestroySyncObject, p.Host)
	e.PutHandle(syncObject)
	return m.SendSyncStatus()
}

// ShareObjectWithHost exposes a guest object to the host compositor and
// returns the host-side NT handle.
func (c *Client) ShareObjectWithHost(p *Process, args *types.ShareObjectWithHostArgs) error {
	m, err := vmbus.NewMessage(c.Global.Snapshot(), nil, vmbus.CommandSize(8))
	if err != nil {
		return err
	}
	defer m.Free()

	if err := c.Global.AcquireChannelLock(); err != nil {
		return err
	}
	defer c.Global.ReleaseChannelLock()

	e := m.InitVMToHost2(vmbus.CmdShareObjectWithHost, p.Host)
	e.PutHandle(args.Device)
	e.PutHandle(args.Object)

	resp := make([]byte, 16)
	if _, err := m.SendSync(resp); err != nil {
		return err
	}
	d := vmbus.NewDecoder(resp)
	status := d.Status()
	d.Skip(4)
	vail := d.Uint64()
	if err := status.Err(); err != nil {
		log.Errorf(err, "share_object_with_host failed")
		return err
	}
	args.ObjectVailNTHandle = vail
	return nil
}

// PresentVirtual forwards a virtual present, including the opaque
// driver blob, to the host compositor.
func (c *Client) PresentVirtual(p *Process, args *types.PresentVirtualArgs) error {
	payload := 28 + len(args.PrivateData)
	if vmbus.CommandSize(payload) > vmbus.MaxVMBusPacketSize {
		return common.ErrnoError(unix.EOVERFLOW,
			"present private data of %d bytes exceeds the packet limit", len(args.PrivateData))
	}
	m, err := vmbus.NewMessage(c.Global.Snapshot(), nil, vmbus.CommandSize(payload))
	if err != nil {
		return err
	}
	defer m.Free()

	e := m.InitVMToHost2(vmbus.CmdPresentVirtual, p.Host)
	e.PutUint64(args.AcquireSemaphoreNTHandle)
	e.PutUint64(args.ReleaseSemaphoreNTHandle)
	e.PutUint64(args.CompositionMemoryNTHandle)
	e.PutUint32(uint32(len(args.PrivateData)))
	e.PutBytes(args.PrivateData)
	if err := e.Err(); err != nil {
		return err
	}

	if err := c.Global.AcquireChannelLock(); err != nil {
		return err
	}
	defer c.Global.ReleaseChannelLock()
	return m.SendSyncStatus()
}
