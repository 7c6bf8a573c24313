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
	arrowmem "github.com/apache/arrow/go/v11/arrow/memory"
	"golang.org/x/sys/unix"

	"github.com/virtgpu/dxgvmbus/pkg/common"
	"github.com/virtgpu/dxgvmbus/pkg/common/log"
	"github.com/virtgpu/dxgvmbus/pkg/common/memory"
	"github.com/virtgpu/dxgvmbus/pkg/common/types"
	"github.com/virtgpu/dxgvmbus/pkg/vmbus"
)

// Lock2 maps an allocation's host storage for CPU access. The mapping
// is created on the first lock and refcounted afterwards; sysmem-backed
// allocations hand out their own backing store without touching the
// host window.
func (c *Client) Lock2(p *Process, a *Adapter, args *types.Lock2Args, alloc *Allocation) error {
	m, err := vmbus.NewMessage(c.Global.Snapshot(), &a.Link, vmbus.CommandSize(12))
	if err != nil {
		return err
	}
	defer m.Free()

	e := m.InitVGPUToHost2(vmbus.CmdLock2, p.Host)
	e.PutHandle(args.Device)
	e.PutHandle(args.Allocation)
	e.PutUint32(args.Flags)

	resp := make([]byte, 16)
	if _, err := m.SendSync(resp); err != nil {
		log.Errorf(err, "lock2 failed")
		return err
	}
	d := vmbus.NewDecoder(resp)
	status := d.Status()
	d.Skip(4)
	offset := d.Uint64()
	if err := d.Err(); err != nil {
		return err
	}
	if err := status.Err(); err != nil {
		return err
	}

	if alloc.Sysmem != nil {
		args.Data = alloc.Sysmem
		return nil
	}
	if alloc.cpuWindow != nil {
		alloc.cpuRefcount++
		args.Data = alloc.cpuWindow.Bytes()
		return nil
	}
	w, err := c.Mapper.Map(offset, uint32(alloc.numPages<<memory.PageShift), alloc.cached)
	if err != nil {
		return common.ErrnoError(unix.ENOMEM,
			"failed to map allocation %v storage: %v", args.Allocation, err)
	}
	alloc.cpuWindow = w
	alloc.cpuBuffer = arrowmem.NewBufferBytes(w.Bytes())
	alloc.cpuRefcount = 1
	args.Data = w.Bytes()
	return nil
}

// Unlock2 releases a Lock2 mapping. The host window is unmapped when
// the last lock drops.
func (c *Client) Unlock2(p *Process, a *Adapter, args *types.Unlock2Args, alloc *Allocation) error {
	m, err := vmbus.NewMessage(c.Global.Snapshot(), &a.Link, vmbus.CommandSize(8))
	if err != nil {
		return err
	}
	defer m.Free()

	e := m.InitVGPUToHost2(vmbus.CmdUnlock2, p.Host)
	e.PutHandle(args.Device)
	e.PutHandle(args.Allocation)
	if err := m.SendSyncStatus(); err != nil {
		return err
	}

	if alloc.Sysmem != nil || alloc.cpuWindow == nil {
		return nil
	}
	alloc.cpuRefcount--
	if alloc.cpuRefcount > 0 {
		return nil
	}
	w := alloc.cpuWindow
	alloc.cpuWindow = nil
	alloc.cpuBuffer = nil
	alloc.cpuRefcount = 0
	return c.Mapper.Unmap(w)
}
