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
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/virtgpu/dxgvmbus/pkg/common"
	"github.com/virtgpu/dxgvmbus/pkg/common/memory"
	"github.com/virtgpu/dxgvmbus/pkg/common/types"
	"github.com/virtgpu/dxgvmbus/pkg/handle"
	"github.com/virtgpu/dxgvmbus/pkg/vmbus"
)

// fakeChannel records sends and answers with a canned response.
type fakeChannel struct {
	sent     [][]byte
	async    []bool
	response []byte
	err      error
}

func (f *fakeChannel) SendSync(req, resp []byte) (int, error) {
	f.sent = append(f.sent, append([]byte(nil), req...))
	f.async = append(f.async, false)
	if f.err != nil {
		return 0, f.err
	}
	return copy(resp, f.response), nil
}

func (f *fakeChannel) SendAsync(req []byte) error {
	f.sent = append(f.sent, append([]byte(nil), req...))
	f.async = append(f.async, true)
	return f.err
}

// newTestClient wires a client and adapter onto fake channels with the
// pre-extended-header interface version negotiated.
func newTestClient(asyncMsg bool) (*Client, *Adapter, *fakeChannel, *fakeChannel) {
	global := &fakeChannel{}
	adapterCh := &fakeChannel{}
	c := &Client{
		Global:  vmbus.NewGlobal(global),
		Handles: handle.NewTable(),
	}
	c.Global.SetNegotiated(vmbus.InterfaceVersionOld, asyncMsg, false)
	a := &Adapter{Link: vmbus.AdapterLink{Channel: adapterCh}}
	return c, a, global, adapterCh
}

func statusResponse(s common.NTStatus) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(s))
	return b[:]
}

// newTestWindowFile backs a test mapper with a sparse temp file of the
// given page count.
func newTestWindowFile(t *testing.T, pages int64) *os.File {
	t.Helper()
	f, err := os.Create(filepath.Join(t.TempDir(), "iospace"))
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	require.NoError(t, f.Truncate(pages*memory.PageSize))
	return f
}

func TestNewClientReceivesWindowOverBus(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "bus.sock")
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	defer ln.Close()

	f := newTestWindowFile(t, 2)
	sent := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			sent <- err
			return
		}
		sent <- memory.SendFileDescriptor(conn.(*net.UnixConn), int(f.Fd()))
	}()

	// No IOSpacePath configured, so the window arrives over the socket.
	c, err := NewClient(&common.Config{BusSocket: sock})
	require.NoError(t, err)
	require.NoError(t, <-sent)
	require.NotNil(t, c.Mapper)

	// Writes through the received window land in the backing file.
	base := uint64(0x2000_0000)
	c.Mapper.SetBounds(base, 2*memory.PageSize)
	w, err := c.Mapper.Map(base+memory.PageSize, memory.PageSize, true)
	require.NoError(t, err)
	copy(w.Bytes(), "fence")
	got := make([]byte, 5)
	_, err = f.ReadAt(got, memory.PageSize)
	require.NoError(t, err)
	assert.Equal(t, []byte("fence"), got)
	require.NoError(t, c.Mapper.Unmap(w))
}

func TestSetIOSpaceRegionArmsMapper(t *testing.T) {
	c, _, global, _ := newTestClient(false)
	c.Mapper = memory.NewMapper(newTestWindowFile(t, 2), 0, 0)
	base := uint64(0x3000_0000)

	// Before the region is negotiated every Map is rejected.
	_, err := c.Mapper.Map(base, memory.PageSize, true)
	require.Error(t, err)
	assert.Equal(t, -int(unix.EINVAL), common.ErrnoOf(err))

	global.response = statusResponse(common.StatusSuccess)
	require.NoError(t, c.SetIOSpaceRegion(base, 2*memory.PageSize, 0))

	w, err := c.Mapper.Map(base, memory.PageSize, true)
	require.NoError(t, err)
	require.NoError(t, c.Mapper.Unmap(w))
}

func TestMonitoredFenceValueReadsSharedPage(t *testing.T) {
	f := newTestWindowFile(t, 2)
	base := uint64(0x1000_0000)
	mapper := memory.NewMapper(f, base, 2*memory.PageSize)

	var value [8]byte
	binary.LittleEndian.PutUint64(value[:], 0xfeed)
	_, err := f.WriteAt(value[:], memory.PageSize)
	require.NoError(t, err)

	w, err := mapper.Map(base+memory.PageSize, memory.PageSize, true)
	require.NoError(t, err)
	defer mapper.Unmap(w)

	so := &SyncObject{Monitored: true, FenceWindow: w}
	assert.Equal(t, uint64(0xfeed), so.FenceValue())
	assert.Equal(t, uint64(0xfeed), (&PagingQueue{FenceWindow: w}).FenceValue())
	assert.Equal(t, uint64(0xfeed), (&HWQueue{FenceWindow: w}).ProgressFenceValue())

	// No mapped page reads as zero.
	assert.Zero(t, (&SyncObject{}).FenceValue())
}

func TestEncodePageRuns(t *testing.T) {
	base := uint64(0x40000000)
	pages := []uint64{
		base, base + memory.PageSize, base + 2*memory.PageSize, // one run of 3
		base + 10*memory.PageSize, // discontinuity, run of 1
	}
	buf := make([]byte, 64)
	e := vmbus.NewEncoder(buf)
	var used uint32
	records, err := encodePageRuns(e, pages, &used, 8)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), records)
	assert.Equal(t, uint32(2), used)

	// Each record packs the base address with the run length minus one.
	assert.Equal(t, base|2, binary.LittleEndian.Uint64(buf[0:8]))
	assert.Equal(t, (base+10*memory.PageSize)|0, binary.LittleEndian.Uint64(buf[8:16]))
}

func TestEncodePageRunsBreaksLongRuns(t *testing.T) {
	// A run longer than the per-record cap splits.
	pages := make([]uint64, rleMaxRunPages+1)
	base := uint64(0x80000000)
	for i := range pages {
		pages[i] = base + uint64(i)*memory.PageSize
	}
	buf := make([]byte, 32)
	e := vmbus.NewEncoder(buf)
	var used uint32
	records, err := encodePageRuns(e, pages, &used, 4)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), records)
	assert.Equal(t, base|uint64(rleMaxRunPages-1), binary.LittleEndian.Uint64(buf[0:8]))
}

func TestEncodePageRunsBudget(t *testing.T) {
	base := uint64(0x40000000)
	pages := []uint64{base, base + 5*memory.PageSize, base + 10*memory.PageSize}
	buf := make([]byte, 64)
	e := vmbus.NewEncoder(buf)
	var used uint32
	_, err := encodePageRuns(e, pages, &used, 2)
	require.Error(t, err)
	assert.Equal(t, -int(unix.EOVERFLOW), common.ErrnoOf(err))
}

func TestUndoStackRollsBackInReverseOnce(t *testing.T) {
	var order []int
	u := &undoStack{}
	u.Push(func() error { order = append(order, 1); return nil })
	u.Push(func() error { order = append(order, 2); return nil })
	u.Push(func() error { order = append(order, 3); return nil })

	require.NoError(t, u.Rollback())
	assert.Equal(t, []int{3, 2, 1}, order)

	// A second rollback does nothing.
	require.NoError(t, u.Rollback())
	assert.Equal(t, []int{3, 2, 1}, order)
}

func TestUndoStackCommitDisarms(t *testing.T) {
	ran := false
	u := &undoStack{}
	u.Push(func() error { ran = true; return nil })
	u.Commit()
	require.NoError(t, u.Rollback())
	assert.False(t, ran)
}

func TestCreateAllocationRejectsMixedSysmem(t *testing.T) {
	c, a, _, adapterCh := newTestClient(false)
	p := &Process{Host: 7}
	dev := &Device{Adapter: a, Handle: 11}

	args := &types.CreateAllocationArgs{
		Device: 5,
		Allocations: []types.AllocationInfo{
			{Sysmem: make([]byte, memory.PageSize), PrivDrvData: []byte{1}},
			{PrivDrvData: []byte{2}},
		},
	}
	err := c.CreateAllocation(p, dev, args, &Resource{}, []*Allocation{{}, {}})
	require.Error(t, err)
	assert.Equal(t, -int(unix.EINVAL), common.ErrnoOf(err))

	// The batch is rejected before anything hits the wire.
	assert.Empty(t, adapterCh.sent)
	assert.Zero(t, c.Handles.Len())
}

func TestSignalSyncObjectPayload(t *testing.T) {
	c, a, _, adapterCh := newTestClient(false)
	adapterCh.response = statusResponse(common.StatusSuccess)
	p := &Process{Host: 9}

	objects := []types.Handle{0x101, 0x102}
	fences := []uint64{10, 20}
	context := types.Handle(0x201)

	err := c.SignalSyncObject(p, a, types.SignalFlags{}, 33, context,
		objects, nil, fences, 0, types.Handle(0x301))
	require.NoError(t, err)
	require.Len(t, adapterCh.sent, 1)
	assert.False(t, adapterCh.async[0])

	wire := adapterCh.sent[0]
	payload := wire[vmbus.CommandHeaderSize:]

	// Fixed part: device, pad, flags, object count, context count, pad,
	// fence value. The caller's context is injected and counted even
	// though the context array is empty.
	d := vmbus.NewDecoder(payload)
	assert.Equal(t, types.Handle(0x301), d.Handle())
	d.Skip(4)
	assert.Equal(t, uint32(0), d.Uint32())
	assert.Equal(t, uint32(2), d.Uint32())
	assert.Equal(t, uint32(1), d.Uint32())
	d.Skip(4)
	assert.Equal(t, uint64(33), d.Uint64())

	// Variable part: two objects, the injected context, two fences.
	assert.Equal(t, 2*4+1*4+2*8, d.Remaining())
	assert.Equal(t, types.Handle(0x101), d.Handle())
	assert.Equal(t, types.Handle(0x102), d.Handle())
	assert.Equal(t, context, d.Handle())
	assert.Equal(t, uint64(10), d.Uint64())
	assert.Equal(t, uint64(20), d.Uint64())
	require.NoError(t, d.Err())
}

func TestSignalSyncObjectAsync(t *testing.T) {
	c, a, global, adapterCh := newTestClient(true)
	p := &Process{Host: 9}

	err := c.SignalSyncObject(p, a, types.SignalFlags{}, 1, 0,
		[]types.Handle{0x101}, nil, nil, 0, types.Handle(0x301))
	require.NoError(t, err)

	// Async signals funnel through the global channel with the async
	// flag raised in the command header.
	assert.Empty(t, adapterCh.sent)
	require.Len(t, global.sent, 1)
	assert.True(t, global.async[0])
	wire := global.sent[0]
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(wire[16:20]))
}

func TestWaitSyncObjectGPUBounds(t *testing.T) {
	c, a, _, adapterCh := newTestClient(false)
	p := &Process{Host: 9}

	err := c.WaitSyncObjectGPU(p, a, 1, nil, nil, false)
	require.Error(t, err)
	assert.Equal(t, -int(unix.EINVAL), common.ErrnoOf(err))

	objects := make([]types.Handle, maxObjectsWaitedOn+1)
	fences := make([]uint64, maxObjectsWaitedOn+1)
	err = c.WaitSyncObjectGPU(p, a, 1, objects, fences, false)
	require.Error(t, err)
	assert.Equal(t, -int(unix.EINVAL), common.ErrnoOf(err))
	assert.Empty(t, adapterCh.sent)
}

func TestWaitSyncObjectGPUOrdersFencesFirst(t *testing.T) {
	c, a, _, adapterCh := newTestClient(false)
	adapterCh.response = statusResponse(common.StatusSuccess)
	p := &Process{Host: 9}

	err := c.WaitSyncObjectGPU(p, a, 0x201,
		[]types.Handle{0x101, 0x102}, []uint64{7, 8}, true)
	require.NoError(t, err)
	require.Len(t, adapterCh.sent, 1)

	d := vmbus.NewDecoder(adapterCh.sent[0][vmbus.CommandHeaderSize:])
	assert.Equal(t, types.Handle(0x201), d.Handle())
	assert.Equal(t, uint32(2), d.Uint32())
	assert.True(t, d.Bool32())
	d.Skip(4)
	assert.Equal(t, uint64(7), d.Uint64())
	assert.Equal(t, uint64(8), d.Uint64())
	assert.Equal(t, types.Handle(0x101), d.Handle())
	assert.Equal(t, types.Handle(0x102), d.Handle())
	require.NoError(t, d.Err())
}

func TestCreateHWQueueRollsBackOnMapFailure(t *testing.T) {
	c, a, _, adapterCh := newTestClient(false)
	f, err := os.Create(filepath.Join(t.TempDir(), "iospace"))
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.Truncate(2*memory.PageSize))
	c.Mapper = memory.NewMapper(f, 0x1000_0000, 2*memory.PageSize)
	p := &Process{Host: 3}

	// The host creates the queue but reports a fence page outside the
	// IO-space window, so the mapping step fails after both handles are
	// registered.
	resp := make([]byte, createHWQueueReturnSize)
	binary.LittleEndian.PutUint32(resp[4:8], 0x501)  // queue
	binary.LittleEndian.PutUint32(resp[8:12], 0x502) // progress fence
	binary.LittleEndian.PutUint64(resp[16:24], 0)    // fence page, below the window
	adapterCh.response = resp

	hwq := &HWQueue{}
	err = c.CreateHWQueue(p, a, &types.CreateHWQueueArgs{Context: 0x401}, hwq)
	require.Error(t, err)
	assert.Equal(t, -int(unix.ENOMEM), common.ErrnoOf(err))

	// Rollback freed both registrations and destroyed the host queue.
	assert.Zero(t, c.Handles.Len())
	require.Len(t, adapterCh.sent, 2)
	destroy := vmbus.NewDecoder(adapterCh.sent[1][vmbus.CommandHeaderSize:])
	assert.Equal(t, types.Handle(0x501), destroy.Handle())
	assert.Zero(t, hwq.Handle)
}

func TestAllocationPrioritySelector(t *testing.T) {
	c, a, _, adapterCh := newTestClient(false)
	p := &Process{Host: 3}

	// A resource excludes the allocation list.
	err := c.SetAllocationPriority(p, a, &types.SetAllocationPriorityArgs{
		Device:      1,
		Resource:    2,
		Allocations: []types.Handle{3},
		Priorities:  []uint32{0},
	})
	require.Error(t, err)
	assert.Equal(t, -int(unix.EINVAL), common.ErrnoOf(err))

	// No resource demands one.
	err = c.SetAllocationPriority(p, a, &types.SetAllocationPriorityArgs{Device: 1})
	require.Error(t, err)
	assert.Equal(t, -int(unix.EINVAL), common.ErrnoOf(err))
	assert.Empty(t, adapterCh.sent)

	adapterCh.response = statusResponse(common.StatusSuccess)
	err = c.SetAllocationPriority(p, a, &types.SetAllocationPriorityArgs{
		Device:      1,
		Allocations: []types.Handle{3, 4},
		Priorities:  []uint32{5, 6},
	})
	require.NoError(t, err)
	require.Len(t, adapterCh.sent, 1)
}

func TestMakeResidentCopiesValuesBeforeStatus(t *testing.T) {
	c, a, _, adapterCh := newTestClient(false)
	p := &Process{Host: 3}

	// A paging failure still reports the fence and trim values.
	resp := make([]byte, 24)
	binary.LittleEndian.PutUint32(resp[0:4], uint32(common.StatusNoMemory))
	binary.LittleEndian.PutUint64(resp[8:16], 77)
	binary.LittleEndian.PutUint64(resp[16:24], 4096)
	adapterCh.response = resp

	args := &types.MakeResidentArgs{
		PagingQueue:    5,
		AllocationList: []types.Handle{1, 2},
	}
	err := c.MakeResident(p, a, args)
	require.Error(t, err)
	assert.Equal(t, -int(unix.ENOMEM), common.ErrnoOf(err))
	assert.Equal(t, uint64(77), args.PagingFenceValue)
	assert.Equal(t, uint64(4096), args.NumBytesToTrim)
}

func TestUpdateAllocPropertyPending(t *testing.T) {
	c, a, _, adapterCh := newTestClient(false)
	p := &Process{Host: 3}

	resp := make([]byte, 16)
	binary.LittleEndian.PutUint32(resp[0:4], uint32(common.StatusPending))
	binary.LittleEndian.PutUint64(resp[8:16], 123)
	adapterCh.response = resp

	args := &types.UpdateAllocPropertyArgs{PagingQueue: 1, Allocation: 2}
	status, err := c.UpdateAllocProperty(p, a, args)
	require.NoError(t, err)
	assert.Equal(t, common.StatusPending, status)
	assert.Equal(t, uint64(123), args.PagingFenceValue)

	// Plain success leaves the fence untouched.
	binary.LittleEndian.PutUint32(resp[0:4], uint32(common.StatusSuccess))
	binary.LittleEndian.PutUint64(resp[8:16], 456)
	args = &types.UpdateAllocPropertyArgs{PagingQueue: 1, Allocation: 2}
	status, err = c.UpdateAllocProperty(p, a, args)
	require.NoError(t, err)
	assert.Equal(t, common.StatusSuccess, status)
	assert.Zero(t, args.PagingFenceValue)
}

func TestLock2ReadsThroughLockedBuffer(t *testing.T) {
	c, a, _, adapterCh := newTestClient(false)
	f := newTestWindowFile(t, 4)
	base := uint64(0x1000_0000)
	c.Mapper = memory.NewMapper(f, base, 4*memory.PageSize)
	p := &Process{Host: 3}

	// The host reports the allocation's storage one page into the window.
	offset := base + memory.PageSize
	_, err := f.WriteAt([]byte("pixels"), memory.PageSize)
	require.NoError(t, err)

	resp := make([]byte, 16)
	binary.LittleEndian.PutUint64(resp[8:16], offset)
	adapterCh.response = resp

	alloc := &Allocation{numPages: 1, cached: true}
	args := &types.Lock2Args{Device: 1, Allocation: 2}
	require.NoError(t, c.Lock2(p, a, args, alloc))

	buf := alloc.LockedBuffer()
	require.NotNil(t, buf)
	assert.Equal(t, int(memory.PageSize), buf.Len())
	assert.Equal(t, []byte("pixels"), buf.Bytes()[:6])

	// A second lock shares the mapping; the window is released only when
	// the last lock drops.
	require.NoError(t, c.Lock2(p, a, args, alloc))
	adapterCh.response = statusResponse(common.StatusSuccess)
	uargs := &types.Unlock2Args{Device: 1, Allocation: 2}
	require.NoError(t, c.Unlock2(p, a, uargs, alloc))
	require.NotNil(t, alloc.LockedBuffer())
	require.NoError(t, c.Unlock2(p, a, uargs, alloc))
	assert.Nil(t, alloc.LockedBuffer())
}
