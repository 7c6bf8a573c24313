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

// MakeResident pages the listed allocations into GPU-accessible memory.
// The paging fence and trim values the host reports are valid even when
// the paging operation itself failed, so both are copied back before the
// status is inspected.
func (c *Client) MakeResident(p *Process, a *Adapter, args *types.MakeResidentArgs) error {
	count := len(args.AllocationList)
	payload := 12 + count*types.HandleSize
	m, err := vmbus.NewMessage(c.Global.Snapshot(), &a.Link, vmbus.CommandSize(payload))
	if err != nil {
		return err
	}
	defer m.Free()

	e := m.InitVGPUToHost2(vmbus.CmdMakeResident, p.Host)
	e.PutHandle(args.PagingQueue)
	e.PutUint32(args.Flags)
	e.PutUint32(uint32(count))
	for _, h := range args.AllocationList {
		e.PutHandle(h)
	}
	if err := e.Err(); err != nil {
		return err
	}

	resp := make([]byte, 24)
	if _, err := m.SendSync(resp); err != nil {
		log.Errorf(err, "make_resident failed")
		return err
	}
	d := vmbus.NewDecoder(resp)
	status := d.Status()
	d.Skip(4)
	args.PagingFenceValue = d.Uint64()
	args.NumBytesToTrim = d.Uint64()
	if err := d.Err(); err != nil {
		return err
	}
	return status.Err()
}

// Evict removes residency from the listed allocations and reports how
// many bytes the caller should trim.
func (c *Client) Evict(p *Process, a *Adapter, args *types.EvictArgs) error {
	count := len(args.Allocations)
	payload := 12 + count*types.HandleSize
	m, err := vmbus.NewMessage(c.Global.Snapshot(), &a.Link, vmbus.CommandSize(payload))
	if err != nil {
		return err
	}
	defer m.Free()

	e := m.InitVGPUToHost2(vmbus.CmdEvict, p.Host)
	e.PutHandle(args.Device)
	e.PutUint32(args.Flags)
	e.PutUint32(uint32(count))
	for _, h := range args.Allocations {
		e.PutHandle(h)
	}
	if err := e.Err(); err != nil {
		return err
	}

	resp := make([]byte, 8)
	if _, err := m.SendSync(resp); err != nil {
		log.Errorf(err, "evict failed")
		return err
	}
	d := vmbus.NewDecoder(resp)
	args.NumBytesToTrim = d.Uint64()
	return d.Err()
}

// Wire size of the counted result headers below: status plus padding to
// the 8-byte result alignment.
const statusReturnSize = 8

// QueryAllocationResidency reads one residency word per allocation, or a
// single word for the whole device when the list is empty.
func (c *Client) QueryAllocationResidency(p *Process, a *Adapter,
	args *types.QueryAllocationResidencyArgs) error {
	count := len(args.Allocations)
	if count > vmbus.MaxVMBusPacketSize/types.HandleSize {
		return common.ErrnoError(unix.EINVAL, "residency query of %d handles exceeds the packet limit", count)
	}
	words := count
	if words == 0 {
		words = 1
	}
	payload := 8 + count*types.HandleSize
	resultSize := statusReturnSize + words*4

	m, err := vmbus.NewMessageRes(c.Global.Snapshot(), &a.Link,
		vmbus.CommandSize(payload), resultSize)
	if err != nil {
		return err
	}
	defer m.Free()

	e := m.InitVGPUToHost2(vmbus.CmdQueryAllocationResidency, p.Host)
	e.PutHandle(args.Device)
	e.PutUint32(uint32(count))
	for _, h := range args.Allocations {
		e.PutHandle(h)
	}
	if err := e.Err(); err != nil {
		return err
	}

	if _, err := m.SendSync(m.Result()); err != nil {
		log.Errorf(err, "query_allocation_residency failed")
		return err
	}
	d := vmbus.NewDecoder(m.Result())
	if err := d.Status().Err(); err != nil {
		return err
	}
	d.Skip(statusReturnSize - 4)
	args.ResidencyStatus = make([]uint32, words)
	for i := range args.ResidencyStatus {
		args.ResidencyStatus[i] = d.Uint32()
	}
	return d.Err()
}

// OfferAllocations offers allocation or resource storage back to the
// host at the given priority.
func (c *Client) OfferAllocations(p *Process, a *Adapter, args *types.OfferAllocationsArgs) error {
	count := len(args.Handles)
	payload := 20 + count*types.HandleSize
	m, err := vmbus.NewMessage(c.Global.Snapshot(), &a.Link, vmbus.CommandSize(payload))
	if err != nil {
		return err
	}
	defer m.Free()

	e := m.InitVGPUToHost2(vmbus.CmdOfferAllocations, p.Host)
	e.PutHandle(args.Device)
	e.PutUint32(args.Flags)
	e.PutUint32(args.Priority)
	e.PutUint32(uint32(count))
	e.PutBool32(args.Resources)
	for _, h := range args.Handles {
		e.PutHandle(h)
	}
	if err := e.Err(); err != nil {
		return err
	}
	return m.SendSyncStatus()
}

// ReclaimAllocations reclaims previously offered storage. When
// args.Results is wanted the host also reports a per-handle discard
// outcome; the paging fence is copied back regardless of status.
func (c *Client) ReclaimAllocations(p *Process, a *Adapter, device types.Handle,
	args *types.ReclaimAllocations2Args, wantResults bool) error {
	count := len(args.Handles)
	payload := 20 + count*types.HandleSize
	resultSize := statusReturnSize + 8
	if wantResults {
		resultSize += count * 4
	}

	m, err := vmbus.NewMessageRes(c.Global.Snapshot(), &a.Link,
		vmbus.CommandSize(payload), resultSize)
	if err != nil {
		return err
	}
	defer m.Free()

	e := m.InitVGPUToHost2(vmbus.CmdReclaimAllocations, p.Host)
	e.PutHandle(device)
	e.PutHandle(args.PagingQueue)
	e.PutUint32(uint32(count))
	e.PutBool32(args.Resources)
	e.PutBool32(wantResults)
	for _, h := range args.Handles {
		e.PutHandle(h)
	}
	if err := e.Err(); err != nil {
		return err
	}

	if _, err := m.SendSync(m.Result()); err != nil {
		log.Errorf(err, "reclaim_allocations failed")
		return err
	}
	d := vmbus.NewDecoder(m.Result())
	status := d.Status()
	d.Skip(statusReturnSize - 4)
	args.PagingFenceValue = d.Uint64()
	if err := status.Err(); err != nil {
		return err
	}
	if wantResults {
		args.Results = make([]uint32, count)
		for i := range args.Results {
			args.Results[i] = d.Uint32()
		}
	}
	return d.Err()
}

// UpdateAllocProperty moves an allocation between memory segments. The
// host may answer StatusPending, a success code meaning the move is
// fenced; only then is the paging fence value meaningful. The raw status
// is returned alongside the error so callers can observe the pending
// state.
func (c *Client) UpdateAllocProperty(p *Process, a *Adapter,
	args *types.UpdateAllocPropertyArgs) (common.NTStatus, error) {
	m, err := vmbus.NewMessage(c.Global.Snapshot(), &a.Link, vmbus.CommandSize(16))
	if err != nil {
		return 0, err
	}
	defer m.Free()

	e := m.InitVGPUToHost2(vmbus.CmdUpdateAllocationProperty, p.Host)
	e.PutHandle(args.PagingQueue)
	e.PutHandle(args.Allocation)
	e.PutUint32(args.SupportedSegmentSet)
	e.PutUint32(args.PreferredSegment)

	resp := make([]byte, 16)
	if _, err := m.SendSync(resp); err != nil {
		log.Errorf(err, "update_allocation_property failed")
		return 0, err
	}
	d := vmbus.NewDecoder(resp)
	status := d.Status()
	d.Skip(4)
	fence := d.Uint64()
	if err := d.Err(); err != nil {
		return status, err
	}
	if status == common.StatusPending {
		args.PagingFenceValue = fence
	}
	return status, status.Err()
}

// validatePrioritySelector enforces the resource-xor-list rule shared by
// the allocation priority commands: a resource handle carries exactly
// one priority and excludes the allocation list.
func validatePrioritySelector(resource types.Handle, count int) error {
	if count > vmbus.MaxVMBusPacketSize/types.HandleSize {
		return common.ErrnoError(unix.EINVAL, "priority list of %d handles exceeds the packet limit", count)
	}
	if resource.Valid() {
		if count != 0 {
			return common.ErrnoError(unix.EINVAL, "resource priority excludes an allocation list")
		}
	} else if count == 0 {
		return common.ErrnoError(unix.EINVAL, "no resource and no allocations to prioritize")
	}
	return nil
}

// SetAllocationPriority sets residency priorities, one per allocation
// handle or a single priority for a whole resource.
func (c *Client) SetAllocationPriority(p *Process, a *Adapter,
	args *types.SetAllocationPriorityArgs) error {
	count := len(args.Allocations)
	if err := validatePrioritySelector(args.Resource, count); err != nil {
		return err
	}
	priorities := 1
	if !args.Resource.Valid() {
		priorities = count
	}
	if len(args.Priorities) != priorities {
		return common.ErrnoError(unix.EINVAL,
			"expected %d priorities, found %d", priorities, len(args.Priorities))
	}

	payload := 12 + count*types.HandleSize + priorities*4
	m, err := vmbus.NewMessage(c.Global.Snapshot(), &a.Link, vmbus.CommandSize(payload))
	if err != nil {
		return err
	}
	defer m.Free()

	e := m.InitVGPUToHost2(vmbus.CmdSetAllocationPriority, p.Host)
	e.PutHandle(args.Device)
	e.PutHandle(args.Resource)
	e.PutUint32(uint32(count))
	for _, h := range args.Allocations {
		e.PutHandle(h)
	}
	for _, pr := range args.Priorities {
		e.PutUint32(pr)
	}
	if err := e.Err(); err != nil {
		return err
	}
	return m.SendSyncStatus()
}

// GetAllocationPriority reads back residency priorities with the same
// resource-xor-list selector as SetAllocationPriority.
func (c *Client) GetAllocationPriority(p *Process, a *Adapter,
	args *types.GetAllocationPriorityArgs) error {
	count := len(args.Allocations)
	if err := validatePrioritySelector(args.Resource, count); err != nil {
		return err
	}
	priorities := 1
	if !args.Resource.Valid() {
		priorities = count
	}

	payload := 12 + count*types.HandleSize
	resultSize := statusReturnSize + priorities*4
	m, err := vmbus.NewMessageRes(c.Global.Snapshot(), &a.Link,
		vmbus.CommandSize(payload), resultSize)
	if err != nil {
		return err
	}
	defer m.Free()

	e := m.InitVGPUToHost2(vmbus.CmdGetAllocationPriority, p.Host)
	e.PutHandle(args.Device)
	e.PutHandle(args.Resource)
	e.PutUint32(uint32(count))
	for _, h := range args.Allocations {
		e.PutHandle(h)
	}
	if err := e.Err(); err != nil {
		return err
	}

	if _, err := m.SendSync(m.Result()); err != nil {
		log.Errorf(err, "get_allocation_priority failed")
		return err
	}
	d := vmbus.NewDecoder(m.Result())
	if err := d.Status().Err(); err != nil {
		return err
	}
	d.Skip(statusReturnSize - 4)
	args.Priorities = make([]uint32, priorities)
	for i := range args.Priorities {
		args.Priorities[i] = d.Uint32()
	}
	return d.Err()
}

// ChangeVideoMemoryReservation adjusts a process's video memory
// reservation. The reservation always targets otherProcess, overriding
// whatever the argument block carries.
func (c *Client) ChangeVideoMemoryReservation(p *Process, a *Adapter,
	otherProcess uint64, args *types.ChangeVideoMemoryReservationArgs) error {
	m, err := vmbus.NewMessage(c.Global.Snapshot(), &a.Link, vmbus.CommandSize(32))
	if err != nil {
		return err
	}
	defer m.Free()

	e := m.InitVGPUToHost2(vmbus.CmdChangeVideoMemoryReservation, p.Host)
	e.PutUint64(otherProcess)
	e.PutHandle(args.Adapter)
	e.PutUint32(args.MemorySegmentGroup)
	e.PutUint64(args.Reservation)
	e.PutUint32(args.PhysicalAdapterIndex)
	e.PutZero(4)
	return m.SendSyncStatus()
}

// FlushHeapTransitions drains pending heap transitions on the host.
func (c *Client) FlushHeapTransitions(p *Process, a *Adapter) error {
	m, err := vmbus.NewMessage(c.Global.Snapshot(), &a.Link, vmbus.CommandSize(0))
	if err != nil {
		return err
	}
	defer m.Free()

	m.InitVGPUToHost2(vmbus.CmdFlushHeapTransitions, p.Host)
	return m.SendSyncStatus()
}
