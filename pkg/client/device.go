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
	"github.com/virtgpu/dxgvmbus/pkg/common/types"
	"github.com/virtgpu/dxgvmbus/pkg/vmbus"
)

// CreateDevice returns the host device handle, zero on failure; errors
// beyond a zero handle are reported through the returned error.
func (c *Client) CreateDevice(p *Process, a *Adapter, args *types.CreateDeviceArgs) (types.Handle, error) {
	m, err := vmbus.NewMessage(c.Global.Snapshot(), &a.Link, vmbus.CommandSize(16))
	if err != nil {
		return 0, err
	}
	defer m.Free()

	e := m.InitVGPUToHost2(vmbus.CmdCreateDevice, p.Host)
	e.PutUint32(args.Flags)
	e.PutUint32(0)
	// Error-notification cookie; the host echoes it in device-state
	// queries after an error.
	e.PutUint64(uint64(c.Global.NextDeviceStateCounter()))

	var resp [types.HandleSize]byte
	if _, err := m.SendSync(resp[:]); err != nil {
		log.Errorf(err, "create_device failed")
		return 0, err
	}
	h := types.Handle(vmbus.NewDecoder(resp[:]).Uint32())
	args.Device = h
	return h, nil
}

// DestroyDevice retires a host device handle.
func (c *Client) DestroyDevice(p *Process, a *Adapter, device types.Handle) error {
	m, err := vmbus.NewMessage(c.Global.Snapshot(), &a.Link, vmbus.CommandSize(types.HandleSize))
	if err != nil {
		return err
	}
	defer m.Free()

	e := m.InitVGPUToHost2(vmbus.CmdDestroyDevice, p.Host)
	e.PutHandle(device)
	return m.SendSyncStatus()
}

// FlushDevice drains queued work on a device; reason tags why the
// scheduler asked for the flush.
func (c *Client) FlushDevice(p *Process, dev *Device, reason uint32) error {
	m, err := vmbus.NewMessage(c.Global.Snapshot(), &dev.Adapter.Link, vmbus.CommandSize(8))
	if err != nil {
		return err
	}
	defer m.Free()

	e := m.InitVGPUToHost2(vmbus.CmdFlushDevice, p.Host)
	e.PutHandle(dev.Handle)
	e.PutUint32(reason)
	return m.SendSyncStatus()
}

// GetDeviceState reads execution/present/reset state. The request
// carries a fresh state counter so the host can ignore stale queries.
func (c *Client) GetDeviceState(p *Process, dev *Device, args *types.GetDeviceStateArgs) error {
	m, err := vmbus.NewMessage(c.Global.Snapshot(), &dev.Adapter.Link, vmbus.CommandSize(16))
	if err != nil {
		return err
	}
	defer m.Free()

	e := m.InitVGPUToHost2(vmbus.CmdGetDeviceState, p.Host)
	e.PutHandle(args.Device)
	e.PutUint32(uint32(args.StateType))
	e.PutUint32(c.Global.NextDeviceStateCounter())
	e.PutUint32(0)
	if err := e.Err(); err != nil {
		return err
	}

	resp := make([]byte, 8)
	if _, err := m.SendSync(resp); err != nil {
		return err
	}
	d := vmbus.NewDecoder(resp)
	status := d.Status()
	state := d.Uint32()
	if err := status.Err(); err != nil {
		return err
	}
	args.ExecutionState = state
	return nil
}

// MarkDeviceAsError forces the device into the error state so queued
// submissions fail fast.
func (c *Client) MarkDeviceAsError(p *Process, dev *Device, args *types.MarkDeviceAsErrorArgs) error {
	m, err := vmbus.NewMessage(c.Global.Snapshot(), &dev.Adapter.Link, vmbus.CommandSize(8))
	if err != nil {
		return err
	}
	defer m.Free()

	e := m.InitVGPUToHost2(vmbus.CmdMarkDeviceAsError, p.Host)
	e.PutHandle(args.Device)
	e.PutUint32(args.Reason)
	return m.SendSyncStatus()
}
