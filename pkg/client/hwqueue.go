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
	"github.com/virtgpu/dxgvmbus/pkg/handle"
	"github.com/virtgpu/dxgvmbus/pkg/vmbus"
)

// Wire size of the fixed create-hwqueue return block: status, queue and
// fence handles, pad, fence CPU and GPU addresses.
const createHWQueueReturnSize = 32

// SubmitCommand submits a command buffer to a context, trailing the
// history buffer handles and the private driver blob. Async once
// negotiated.
func (c *Client) SubmitCommand(p *Process, a *Adapter, args *types.SubmitCommandArgs) error {
	payload := 32 + len(args.HistoryBuffers)*types.HandleSize + len(args.PrivDrvData)
	snap := c.Global.Snapshot()
	m, err := vmbus.NewMessage(snap, &a.Link, vmbus.CommandSize(payload))
	if err != nil {
		return err
	}
	defer m.Free()

	e := m.InitVGPUToHost2(vmbus.CmdSubmitCommand, p.Host)
	e.PutUint64(args.Commands)
	e.PutUint32(args.CommandLength)
	e.PutUint32(args.Flags)
	e.PutHandle(args.Context)
	e.PutUint32(uint32(len(args.HistoryBuffers)))
	e.PutUint32(uint32(len(args.PrivDrvData)))
	e.PutZero(4)
	for _, h := range args.HistoryBuffers {
		e.PutHandle(h)
	}
	e.PutBytes(args.PrivDrvData)
	if err := e.Err(); err != nil {
		return err
	}

	if snap.AsyncMsgEnabled {
		m.SetAsync()
		return m.SendAsync()
	}
	return m.SendSyncStatus()
}

// SubmitCommandToHWQueue submits a command buffer to a hardware queue,
// fenced by the queue's progress fence. Async once negotiated.
func (c *Client) SubmitCommandToHWQueue(p *Process, a *Adapter,
	args *types.SubmitCommandToHWQueueArgs) error {
	payload := 40 + len(args.WrittenPrimaries)*types.HandleSize + len(args.PrivDrvData)
	snap := c.Global.Snapshot()
	m, err := vmbus.NewMessage(snap, &a.Link, vmbus.CommandSize(payload))
	if err != nil {
		return err
	}
	defer m.Free()

	e := m.InitVGPUToHost2(vmbus.CmdSubmitCommandToHWQueue, p.Host)
	e.PutHandle(args.HWQueue)
	e.PutZero(4)
	e.PutUint64(args.ProgressFenceID)
	e.PutUint64(args.Commands)
	e.PutUint32(args.CommandLength)
	e.PutUint32(uint32(len(args.WrittenPrimaries)))
	e.PutUint32(uint32(len(args.PrivDrvData)))
	e.PutZero(4)
	for _, h := range args.WrittenPrimaries {
		e.PutHandle(h)
	}
	e.PutBytes(args.PrivDrvData)
	if err := e.Err(); err != nil {
		return err
	}

	if snap.AsyncMsgEnabled {
		m.SetAsync()
		return m.SendAsync()
	}
	return m.SendSyncStatus()
}

// CreateHWQueue creates a hardware queue with a monitored progress
// fence. The queue and fence handles are both registered locally and
// the fence page is mapped; any failure past the host call unwinds the
// registrations and destroys the half-created queue.
func (c *Client) CreateHWQueue(p *Process, a *Adapter,
	args *types.CreateHWQueueArgs, hwq *HWQueue) error {
	privSize := len(args.PrivDrvData)
	if privSize > vmbus.MaxVMBusPacketSize {
		return common.ErrnoError(unix.EINVAL, "private driver data of %d bytes exceeds the packet limit", privSize)
	}
	payload := 12 + privSize
	m, err := vmbus.NewMessage(c.Global.Snapshot(), &a.Link, vmbus.CommandSize(payload))
	if err != nil {
		return err
	}
	defer m.Free()

	e := m.InitVGPUToHost2(vmbus.CmdCreateHWQueue, p.Host)
	e.PutHandle(args.Context)
	e.PutUint32(args.Flags)
	e.PutUint32(uint32(privSize))
	e.PutBytes(args.PrivDrvData)
	if err := e.Err(); err != nil {
		return err
	}

	resp := make([]byte, createHWQueueReturnSize+privSize)
	n, err := m.SendSync(resp)
	if err != nil {
		log.Errorf(err, "create_hwqueue failed")
		return err
	}
	d := vmbus.NewDecoder(resp[:n])
	status := d.Status()
	queue := d.Handle()
	progressFence := d.Handle()
	d.Skip(4)
	fenceCPUVA := d.Uint64()
	fenceGPUVA := d.Uint64()
	if err := d.Err(); err != nil {
		return err
	}
	if err := status.Err(); err != nil {
		return err
	}

	undo := &undoStack{}
	defer undo.Rollback()
	undo.Push(func() error {
		hwq.Handle = 0
		hwq.ProgressFence = 0
		if err := c.DestroyHWQueue(p, a, queue); err != nil {
			log.Errorf(err, "failed to destroy the half-created hwqueue")
			return err
		}
		return nil
	})

	hq, err := c.Handles.Assign(hwq, handle.KindHWQueue)
	if err != nil {
		return err
	}
	undo.Push(func() error {
		_, ferr := c.Handles.Free(hq, handle.KindHWQueue)
		return ferr
	})
	// The progress fence is host managed; the queue stands in as the
	// owning object in the local table.
	hf, err := c.Handles.Assign(hwq, handle.KindMonitoredFence)
	if err != nil {
		return err
	}
	undo.Push(func() error {
		_, ferr := c.Handles.Free(hf, handle.KindMonitoredFence)
		return ferr
	})

	w, err := c.Mapper.Map(fenceCPUVA, memory.PageSize, true)
	if err != nil {
		return common.ErrnoError(unix.ENOMEM,
			"failed to map the progress fence for %v: %v", queue, err)
	}

	hwq.Handle = queue
	hwq.ProgressFence = progressFence
	hwq.FenceWindow = w
	args.Queue = queue
	args.ProgressFence = progressFence
	args.ProgressFenceCPUVA = w.Bytes()
	args.ProgressFenceGPUVA = fenceGPUVA
	if privSize > 0 {
		copy(args.PrivDrvData, resp[createHWQueueReturnSize:n])
	}

	undo.Commit()
	return nil
}

// DestroyHWQueue retires a hardware queue on the host.
func (c *Client) DestroyHWQueue(p *Process, a *Adapter, queue types.Handle) error {
	m, err := vmbus.NewMessage(c.Global.Snapshot(), &a.Link, vmbus.CommandSize(types.HandleSize))
	if err != nil {
		return err
	}
	defer m.Free()

	e := m.InitVGPUToHost2(vmbus.CmdDestroyHWQueue, p.Host)
	e.PutHandle(queue)
	return m.SendSyncStatus()
}
