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

// Most objects a single GPU wait may reference.
const maxObjectsWaitedOn = 32

// Hint sent with sync object creation identifying the user-mode driver
// as the creator.
const clientHintUMD = 1

// CreateSyncObject creates a synchronization object on a device.
// Monitored fences get their CPU-visible fence page mapped into the
// guest; the mapping lives on the SyncObject until destruction.
func (c *Client) CreateSyncObject(p *Process, a *Adapter,
	args *types.CreateSyncObject2Args, so *SyncObject) error {
	m, err := vmbus.NewMessage(c.Global.Snapshot(), &a.Link, vmbus.CommandSize(32))
	if err != nil {
		return err
	}
	defer m.Free()

	e := m.InitVGPUToHost2(vmbus.CmdCreateSyncObject, p.Host)
	e.PutHandle(args.Device)
	e.PutUint32(uint32(args.Type))
	e.PutBool32(args.Shared)
	e.PutUint32(clientHintUMD)
	e.PutUint64(args.InitialFenceValue)
	e.PutUint32(args.EngineAffinity)
	e.PutZero(4)

	resp := make([]byte, 32)
	if _, err := m.SendSync(resp); err != nil {
		log.Errorf(err, "create_sync_object failed")
		return err
	}
	d := vmbus.NewDecoder(resp)
	status := d.Status()
	d.Skip(4)
	syncObject := d.Handle()
	globalSyncObject := d.Handle()
	fenceGPUVA := d.Uint64()
	fenceStorage := d.Uint64()
	if err := d.Err(); err != nil {
		return err
	}
	if err := status.Err(); err != nil {
		return err
	}

	args.SyncObject = syncObject
	so.Handle = syncObject
	if args.Shared {
		args.SharedHandle = globalSyncObject
		so.Shared = globalSyncObject
	}

	monitored := args.Type == types.SyncObjectTypeMonitoredFence ||
		args.Type == types.SyncObjectTypePeriodicMonitoredFence
	if monitored {
		w, err := c.Mapper.Map(fenceStorage, memory.PageSize, true)
		if err != nil {
			return common.ErrnoError(unix.ENOMEM,
				"failed to map the fence page for %v: %v", syncObject, err)
		}
		args.FenceGPUAddress = fenceGPUVA
		args.FenceCPUAddress = w.Bytes()
		so.Monitored = true
		so.FenceWindow = w
	}
	return nil
}

// SignalSyncObject signals a set of sync objects, optionally waking a
// CPU event instead of fencing a device. The caller's context handle,
// when valid, is injected ahead of the context array and counted with
// it. Signals ride the async path once the host has negotiated it.
func (c *Client) SignalSyncObject(p *Process, a *Adapter, flags types.SignalFlags,
	fenceValue uint64, context types.Handle, objects []types.Handle,
	contexts []types.Handle, fences []uint64, cpuEventHandle uint64,
	device types.Handle) error {
	contextCount := len(contexts)
	if context.Valid() {
		contextCount++
	}
	payload := 32 + len(objects)*types.HandleSize +
		contextCount*types.HandleSize + len(fences)*8

	snap := c.Global.Snapshot()
	m, err := vmbus.NewMessage(snap, &a.Link, vmbus.CommandSize(payload))
	if err != nil {
		return err
	}
	defer m.Free()

	e := m.InitVGPUToHost2(vmbus.CmdSignalSyncObject, p.Host)
	if flags.EnqueueCPUEvent {
		e.PutUint64(cpuEventHandle)
	} else {
		e.PutHandle(device)
		e.PutZero(4)
	}
	e.PutUint32(flags.Pack())
	e.PutUint32(uint32(len(objects)))
	e.PutUint32(uint32(contextCount))
	e.PutZero(4)
	e.PutUint64(fenceValue)
	for _, h := range objects {
		e.PutHandle(h)
	}
	if context.Valid() {
		e.PutHandle(context)
	}
	for _, h := range contexts {
		e.PutHandle(h)
	}
	for _, f := range fences {
		e.PutUint64(f)
	}
	if err := e.Err(); err != nil {
		return err
	}

	if snap.AsyncMsgEnabled {
		m.SetAsync()
		return m.SendAsync()
	}
	return m.SendSyncStatus()
}

// WaitSyncObjectCPU registers a CPU waiter: the host signals the guest
// event once every listed object reaches its fence value.
func (c *Client) WaitSyncObjectCPU(p *Process, a *Adapter,
	args *types.WaitSyncObjectFromCPUArgs) error {
	count := len(args.Objects)
	if len(args.FenceValues) != count {
		return common.ErrnoError(unix.EINVAL,
			"%d fence values for %d objects", len(args.FenceValues), count)
	}
	payload := 24 + count*types.HandleSize + count*8
	m, err := vmbus.NewMessage(c.Global.Snapshot(), &a.Link, vmbus.CommandSize(payload))
	if err != nil {
		return err
	}
	defer m.Free()

	e := m.InitVGPUToHost2(vmbus.CmdWaitForSyncObjectFromCPU, p.Host)
	e.PutHandle(args.Device)
	e.PutUint32(args.Flags)
	e.PutUint32(uint32(count))
	e.PutZero(4)
	e.PutUint64(args.Event)
	for _, h := range args.Objects {
		e.PutHandle(h)
	}
	for _, f := range args.FenceValues {
		e.PutUint64(f)
	}
	if err := e.Err(); err != nil {
		return err
	}
	return m.SendSyncStatus()
}

// WaitSyncObjectGPU makes a context wait on sync object fences. Fence
// values precede the object handles on the wire. Async once negotiated.
func (c *Client) WaitSyncObjectGPU(p *Process, a *Adapter, context types.Handle,
	objects []types.Handle, fences []uint64, legacyFence bool) error {
	count := len(objects)
	if count == 0 || count > maxObjectsWaitedOn {
		return common.ErrnoError(unix.EINVAL, "invalid number of objects to wait on: %d", count)
	}
	if len(fences) != count {
		return common.ErrnoError(unix.EINVAL, "%d fence values for %d objects", len(fences), count)
	}

	payload := 16 + count*8 + count*types.HandleSize
	snap := c.Global.Snapshot()
	m, err := vmbus.NewMessage(snap, &a.Link, vmbus.CommandSize(payload))
	if err != nil {
		return err
	}
	defer m.Free()

	e := m.InitVGPUToHost2(vmbus.CmdWaitForSyncObjectFromGPU, p.Host)
	e.PutHandle(context)
	e.PutUint32(uint32(count))
	e.PutBool32(legacyFence)
	e.PutZero(4)
	for _, f := range fences {
		e.PutUint64(f)
	}
	for _, h := range objects {
		e.PutHandle(h)
	}
	if err := e.Err(); err != nil {
		return err
	}

	if snap.AsyncMsgEnabled {
		m.SetAsync()
		return m.SendAsync()
	}
	return m.SendSyncStatus()
}
