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

// Wire sizes of the allocation command pieces.
const (
	createAllocationFixedSize = 32 // device, resource, flags, count, two blob sizes, runtime handle
	createAllocInfoSize       = 16 // flags, vidpn source, priv size, rle length
	allocInfoReturnSize       = 24 // allocation, priv size, flags, pad, allocation size
	createAllocReturnSize     = 16 // status, resource, global share, pad
	destroyAllocationFixed    = 16 // device, resource, count, flags
)

// Longest page run one RLE record can describe. Runs are flushed at
// this many pages even when the region continues contiguously.
const rleMaxRunPages = memory.PageSize

// Host allocation flag bits in the allocinfo return.
const allocFlagCached = 1 << 0

// encodePageRuns run-length encodes page addresses into records of
// base-address-with-count, appending through enc. Each record packs the
// page-aligned base with the run length minus one in the low bits. A
// run breaks on any discontinuity, at rleMaxRunPages, and at the end.
// Writing more than limit records fails with EOVERFLOW before the
// record is emitted.
func encodePageRuns(enc *vmbus.Encoder, pages []uint64, used *uint32, limit uint32) (uint32, error) {
	if len(pages) == 0 {
		return 0, nil
	}
	var records uint32
	basePage := pages[0]
	pagesSeen := uint64(1)
	flush := func(next uint64) error {
		if *used >= limit {
			log.Errorf(nil, "hit the page-run budget for sysmem, aborting")
			return common.ErrnoError(unix.EOVERFLOW, "page-run budget of %d records exhausted", limit)
		}
		enc.PutUint64(basePage | (pagesSeen - 1))
		*used++
		records++
		basePage = next
		pagesSeen = 1
		return nil
	}
	for i := 1; i < len(pages); i++ {
		if pages[i] != basePage+pagesSeen*memory.PageSize || pagesSeen == rleMaxRunPages {
			if err := flush(pages[i]); err != nil {
				return 0, err
			}
			continue
		}
		pagesSeen++
	}
	if err := flush(0); err != nil {
		return 0, err
	}
	return records, nil
}

// GetAllocationSize asks the host how large each allocation will be,
// given only the private driver blobs. Used ahead of sysmem-backed
// creation, where the guest must pin exactly the pages the host will
// map.
func (c *Client) GetAllocationSize(p *Process, dev *Device,
	args *types.CreateAllocationArgs) ([]uint64, error) {
	count := len(args.Allocations)
	privSize := 0
	for i := range args.Allocations {
		n := len(args.Allocations[i].PrivDrvData)
		if n >= vmbus.MaxVMBusPacketSize {
			return nil, common.ErrnoError(unix.EOVERFLOW,
				"allocation %d private data of %d bytes exceeds the packet limit", i, n)
		}
		privSize += n
		if privSize >= vmbus.MaxVMBusPacketSize {
			return nil, common.ErrnoError(unix.EOVERFLOW,
				"combined private data exceeds the packet limit")
		}
	}
	payload := 8 + count*4 + privSize
	if vmbus.CommandSize(payload) > vmbus.MaxVMBusPacketSize {
		return nil, common.ErrnoError(unix.EOVERFLOW, "size query exceeds the packet limit")
	}

	m, err := vmbus.NewMessage(c.Global.Snapshot(), &dev.Adapter.Link, vmbus.CommandSize(payload))
	if err != nil {
		return nil, err
	}
	defer m.Free()

	e := m.InitVGPUToHost2(vmbus.CmdGetAllocationSize, p.Host)
	e.PutHandle(args.Device)
	e.PutUint32(uint32(count))
	for i := range args.Allocations {
		e.PutUint32(uint32(len(args.Allocations[i].PrivDrvData)))
	}
	for i := range args.Allocations {
		e.PutBytes(args.Allocations[i].PrivDrvData)
	}
	if err := e.Err(); err != nil {
		return nil, err
	}

	resp := make([]byte, 8+count*8)
	if _, err := m.SendSync(resp); err != nil {
		log.Errorf(err, "get_allocation_size failed")
		return nil, err
	}
	d := vmbus.NewDecoder(resp)
	status := d.Status()
	gotCount := d.Uint32()
	if gotCount != uint32(count) {
		log.Errorf(nil, "allocation size count mismatch, expected %d, found %d", count, gotCount)
		return nil, common.ErrnoError(unix.EINVAL, "host returned %d sizes for %d allocations", gotCount, count)
	}
	if err := status.Err(); err != nil {
		return nil, err
	}
	sizes := make([]uint64, count)
	for i := range sizes {
		sizes[i] = d.Uint64()
	}
	return sizes, d.Err()
}

// CreateAllocation creates a batch of allocations, optionally grouped
// in a resource. Sysmem-backed batches first query per-allocation sizes,
// pin the backing pages and ship them as run-length encoded page runs
// inside the command. On any failure after the host call succeeded, the
// host allocations are destroyed with a preallocated compensating
// command and the local bookkeeping is unwound: handle-table entries
// first, the host destroy next, local objects last.
func (c *Client) CreateAllocation(p *Process, dev *Device,
	args *types.CreateAllocationArgs, res *Resource, allocs []*Allocation) error {
	count := len(args.Allocations)
	if count == 0 || len(allocs) != count {
		return common.ErrnoError(unix.EINVAL, "allocation batch is empty or mismatched")
	}
	if len(args.PrivateRuntimeData) >= vmbus.MaxVMBusPacketSize ||
		len(args.PrivDrvData) >= vmbus.MaxVMBusPacketSize {
		return common.ErrnoError(unix.EOVERFLOW, "creation blobs exceed the packet limit")
	}

	privSize := 0
	for i := range args.Allocations {
		n := len(args.Allocations[i].PrivDrvData)
		if n >= vmbus.MaxVMBusPacketSize {
			return common.ErrnoError(unix.EOVERFLOW,
				"allocation %d private data of %d bytes exceeds the packet limit", i, n)
		}
		privSize += n
		if privSize >= vmbus.MaxVMBusPacketSize {
			return common.ErrnoError(unix.EOVERFLOW, "combined private data exceeds the packet limit")
		}
	}

	// Sysmem is all or none, decided by the first element.
	sysmem := args.Allocations[0].Sysmem != nil
	for i := 1; i < count; i++ {
		if (args.Allocations[i].Sysmem != nil) != sysmem {
			return common.ErrnoError(unix.EINVAL, "mixed sysmem and host-backed allocations in one batch")
		}
	}

	globalBlob := args.PrivDrvData
	if args.Flags.StandardAllocation {
		globalBlob = args.StandardAllocation
	}

	var sizes []uint64
	var rleLimit uint32
	if sysmem {
		var err error
		sizes, err = c.GetAllocationSize(p, dev, args)
		if err != nil {
			return err
		}
		// The exact run count depends on physical layout, so budget for
		// the worst case of one record per page.
		var numPages uint64
		for _, s := range sizes {
			numPages += (s + memory.PageSize - 1) / memory.PageSize
		}
		rleLimit = uint32(numPages)
	}

	payload := createAllocationFixedSize + count*createAllocInfoSize +
		len(args.PrivateRuntimeData) + len(globalBlob) + privSize + int(rleLimit)*8
	if vmbus.CommandSize(payload) > vmbus.MaxVMBusPacketSize {
		return common.ErrnoError(unix.EOVERFLOW, "creation command exceeds the packet limit")
	}

	snap := c.Global.Snapshot()
	m, err := vmbus.NewMessage(snap, &dev.Adapter.Link, vmbus.CommandSize(payload))
	if err != nil {
		return err
	}
	defer m.Free()

	// Preallocate the compensating destroy while nothing can fail, so
	// rollback never depends on a fresh allocation succeeding.
	destroyMsg, err := vmbus.NewMessage(snap, &dev.Adapter.Link,
		vmbus.CommandSize(destroyAllocationFixed+count*types.HandleSize))
	if err != nil {
		return err
	}
	defer destroyMsg.Free()

	flags := args.Flags
	if sysmem {
		flags.ExistingSysmem = true
	}

	e := m.InitVGPUToHost2(vmbus.CmdCreateAllocation, p.Host)
	e.PutHandle(args.Device)
	e.PutHandle(args.Resource)
	e.PutUint32(flags.Pack())
	e.PutUint32(uint32(count))
	e.PutUint32(uint32(len(args.PrivateRuntimeData)))
	e.PutUint32(uint32(len(globalBlob)))
	e.PutUint64(args.PrivateRuntimeResourceHandle)

	// Per-allocation records; run lengths are back-patched after the
	// runs are encoded.
	infoOffsets := make([]int, count)
	for i := range args.Allocations {
		a := &args.Allocations[i]
		infoOffsets[i] = e.Offset()
		e.PutUint32(a.Flags)
		e.PutUint32(a.VidPnSourceID)
		e.PutUint32(uint32(len(a.PrivDrvData)))
		e.PutUint32(0) // page-run record count
	}
	e.PutBytes(args.PrivateRuntimeData)
	e.PutBytes(globalBlob)
	for i := range args.Allocations {
		e.PutBytes(args.Allocations[i].PrivDrvData)
	}
	if err := e.Err(); err != nil {
		return err
	}

	undo := &undoStack{}
	defer undo.Rollback()

	if sysmem {
		var used uint32
		for i := range args.Allocations {
			a := &args.Allocations[i]
			if len(a.PrivDrvData) == 0 || sizes[i] == 0 {
				continue
			}
			npages := sizes[i] >> memory.PageShift
			if uint64(len(a.Sysmem)) < npages*memory.PageSize {
				return common.ErrnoError(unix.EINVAL,
					"allocation %d backing store of %d bytes is smaller than the host size %d",
					i, len(a.Sysmem), sizes[i])
			}
			pinned, err := memory.PinPages(a.Sysmem[:npages*memory.PageSize])
			if err != nil {
				return err
			}
			alloc := allocs[i]
			alloc.Sysmem = a.Sysmem
			alloc.Pinned = pinned
			undo.Push(func() error {
				pinned.Unpin()
				alloc.Pinned = nil
				return nil
			})
			records, err := encodePageRuns(e, pinned.Pages, &used, rleLimit)
			if err != nil {
				return err
			}
			patch := vmbus.NewEncoder(m.Payload()[infoOffsets[i]+12 : infoOffsets[i]+16])
			patch.PutUint32(records)
		}
		if err := e.Err(); err != nil {
			return err
		}
	}

	resultSize := createAllocReturnSize + count*allocInfoReturnSize + privSize
	result := make([]byte, resultSize)
	n, err := m.SendSync(result)
	if err != nil {
		log.Errorf(err, "create_allocation failed")
		return err
	}
	d := vmbus.NewDecoder(result[:n])
	if err := d.Status().Err(); err != nil {
		return err
	}
	resource := d.Handle()
	globalShare := d.Handle()
	d.Skip(4)

	type hostAlloc struct {
		allocation types.Handle
		privSize   uint32
		flags      uint32
		size       uint64
	}
	hostAllocs := make([]hostAlloc, count)
	for i := range hostAllocs {
		hostAllocs[i].allocation = d.Handle()
		hostAllocs[i].privSize = d.Uint32()
		hostAllocs[i].flags = d.Uint32()
		d.Skip(4)
		hostAllocs[i].size = d.Uint64()
	}
	if err := d.Err(); err != nil {
		return err
	}

	// The host allocations exist from here on; arm the compensating
	// destroy and stage the unwind order: handles are freed before the
	// host destroy runs, local objects after it.
	de := destroyMsg.InitVGPUToHost2(vmbus.CmdDestroyAllocation, p.Host)
	de.PutHandle(args.Device)
	de.PutHandle(args.Resource)
	de.PutUint32(uint32(count))
	de.PutUint32(types.DestroyAllocationFlags{AssumeNotInUse: true}.Pack())
	for i := range hostAllocs {
		de.PutHandle(hostAllocs[i].allocation)
	}
	undo.Push(func() error {
		if err := destroyMsg.SendSyncStatus(); err != nil {
			log.Errorf(err, "failed to destroy allocations")
			return err
		}
		return nil
	})

	var assigned []func() error
	if args.Flags.CreateResource {
		if !resource.Valid() {
			return common.ErrnoError(unix.EINVAL, "host returned a zero resource handle")
		}
		h, err := c.Handles.Assign(res, handle.KindResource)
		if err != nil {
			return err
		}
		res.Device = dev
		res.Handle = resource
		assigned = append(assigned, func() error {
			_, ferr := c.Handles.Free(h, handle.KindResource)
			res.Handle = 0
			return ferr
		})
	}
	args.GlobalShare = globalShare
	for i := range hostAllocs {
		alloc := allocs[i]
		h, err := c.Handles.Assign(alloc, handle.KindAllocation)
		if err != nil {
			undo.Push(freeAll(assigned))
			return err
		}
		alloc.Device = dev
		alloc.Handle = hostAllocs[i].allocation
		if args.Flags.CreateResource {
			alloc.Resource = res
		}
		args.Allocations[i].Allocation = hostAllocs[i].allocation
		assigned = append(assigned, func() error {
			_, ferr := c.Handles.Free(h, handle.KindAllocation)
			alloc.Handle = 0
			return ferr
		})
	}
	undo.Push(freeAll(assigned))

	// Host private data trails the allocinfo records; hand each slice
	// back to its allocation.
	priv := result[createAllocReturnSize+count*allocInfoReturnSize : n]
	for i := range hostAllocs {
		want := int(hostAllocs[i].privSize)
		if want > len(priv) {
			return common.ErrnoError(unix.EINVAL, "allocation private data overruns the response")
		}
		copy(args.Allocations[i].PrivDrvData, priv[:want])
		priv = priv[want:]
		allocs[i].cached = hostAllocs[i].flags&allocFlagCached != 0
		allocs[i].numPages = hostAllocs[i].size >> memory.PageShift
	}

	undo.Commit()
	return nil
}

func freeAll(steps []func() error) func() error {
	return func() error {
		var err error
		for i := len(steps) - 1; i >= 0; i-- {
			if ferr := steps[i](); ferr != nil && err == nil {
				err = ferr
			}
		}
		return err
	}
}

// DestroyAllocation destroys a batch of allocations or a whole
// resource.
func (c *Client) DestroyAllocation(p *Process, dev *Device,
	args *types.DestroyAllocation2Args, allocHandles []types.Handle) error {
	payload := destroyAllocationFixed + len(allocHandles)*types.HandleSize
	m, err := vmbus.NewMessage(c.Global.Snapshot(), &dev.Adapter.Link, vmbus.CommandSize(payload))
	if err != nil {
		return err
	}
	defer m.Free()

	e := m.InitVGPUToHost2(vmbus.CmdDestroyAllocation, p.Host)
	e.PutHandle(args.Device)
	e.PutHandle(args.Resource)
	e.PutUint32(uint32(len(allocHandles)))
	e.PutUint32(args.Flags.Pack())
	for _, h := range allocHandles {
		e.PutHandle(h)
	}
	if err := e.Err(); err != nil {
		return err
	}
	return m.SendSyncStatus()
}
