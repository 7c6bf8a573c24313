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

// CreateContext creates a virtual context. The private driver blob is
// sent to the host and the host's version is copied back into
// args.PrivDrvData; if that copy-back fails the freshly created context
// is destroyed with a compensating message so nothing leaks.
func (c *Client) CreateContext(p *Process, a *Adapter, args *types.CreateContextArgs) (types.Handle, error) {
	if len(args.PrivDrvData) > vmbus.MaxVMBusPacketSize {
		return 0, common.ErrnoError(unix.EOVERFLOW,
			"context private data of %d bytes exceeds the packet limit", len(args.PrivDrvData))
	}
	payload := 28 + len(args.PrivDrvData)
	m, err := vmbus.NewMessage(c.Global.Snapshot(), &a.Link, vmbus.CommandSize(payload))
	if err != nil {
		return 0, err
	}
	defer m.Free()

	e := m.InitVGPUToHost2(vmbus.CmdCreateContextVirtual, p.Host)
	e.PutHandle(args.Device)
	e.PutUint32(args.NodeOrdinal)
	e.PutUint32(args.EngineAffinity)
	e.PutUint32(args.Flags)
	e.PutUint32(args.ClientHint)
	e.PutUint32(uint32(len(args.PrivDrvData)))
	e.PutHandle(0) // context, filled by the host in the echoed reply
	e.PutBytes(args.PrivDrvData)
	if err := e.Err(); err != nil {
		return 0, err
	}

	// The host echoes the command back with the context handle and its
	// private data filled in.
	resp := make([]byte, vmbus.CommandHeaderSize+payload)
	if _, err := m.SendSync(resp); err != nil {
		return 0, err
	}
	d := vmbus.NewDecoder(resp)
	d.Skip(vmbus.CommandHeaderSize + 24)
	context := d.Handle()
	if err := d.Err(); err != nil {
		return 0, err
	}
	if !context.Valid() {
		return 0, common.ErrnoError(unix.EINVAL, "host returned a zero context handle")
	}
	if n := copy(args.PrivDrvData, resp[vmbus.CommandHeaderSize+28:]); n < len(args.PrivDrvData) {
		log.Errorf(nil, "short private data in create_context reply")
		if derr := c.DestroyContext(p, a, context); derr != nil {
			log.Errorf(derr, "failed to destroy context %s after copy failure", context)
		}
		return 0, common.ErrnoError(unix.EINVAL, "context private data copy-back failed")
	}
	args.Context = context
	return context, nil
}

// DestroyContext retires a context handle.
func (c *Client) DestroyContext(p *Process, a *Adapter, context types.Handle) error {
	m, err := vmbus.NewMessage(c.Global.Snapshot(), &a.Link, vmbus.CommandSize(types.HandleSize))
	if err != nil {
		return err
	}
	defer m.Free()

	e := m.InitVGPUToHost2(vmbus.CmdDestroyContext, p.Host)
	e.PutHandle(context)
	return m.SendSyncStatus()
}

// SetContextSchedulingPriority sets the scheduler priority, optionally
// the in-process variant.
func (c *Client) SetContextSchedulingPriority(p *Process, a *Adapter,
	context types.Handle, priority int32, inProcess bool) error {
	m, err := vmbus.NewMessage(c.Global.Snapshot(), &a.Link, vmbus.CommandSize(12))
	if err != nil {
		return err
	}
	defer m.Free()

	e := m.InitVGPUToHost2(vmbus.CmdSetContextSchedulingPriority, p.Host)
	e.PutHandle(context)
	e.PutInt32(priority)
	e.PutBool32(inProcess)
	return m.SendSyncStatus()
}

// GetContextSchedulingPriority reads the scheduler priority back.
func (c *Client) GetContextSchedulingPriority(p *Process, a *Adapter,
	context types.Handle, inProcess bool) (int32, error) {
	m, err := vmbus.NewMessage(c.Global.Snapshot(), &a.Link, vmbus.CommandSize(8))
	if err != nil {
		return 0, err
	}
	defer m.Free()

	e := m.InitVGPUToHost2(vmbus.CmdGetContextSchedulingPriority, p.Host)
	e.PutHandle(context)
	e.PutBool32(inProcess)

	resp := make([]byte, 8)
	if _, err := m.SendSync(resp); err != nil {
		return 0, err
	}
	d := vmbus.NewDecoder(resp)
	status := d.Status()
	priority := d.Int32()
	if err := status.Err(); err != nil {
		return 0, err
	}
	return priority, nil
}
