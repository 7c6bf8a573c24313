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

// Package client implements the command encoders: one function per host
// operation, each building a message, sending it under the channel lock
// and decoding the reply back into caller structures.
package client

import (
	"net"
	"os"
	"time"

	arrowmem "github.com/apache/arrow/go/v11/arrow/memory"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/virtgpu/dxgvmbus/pkg/common"
	"github.com/virtgpu/dxgvmbus/pkg/common/log"
	"github.com/virtgpu/dxgvmbus/pkg/common/memory"
	"github.com/virtgpu/dxgvmbus/pkg/common/types"
	"github.com/virtgpu/dxgvmbus/pkg/handle"
	"github.com/virtgpu/dxgvmbus/pkg/vmbus"
)

// Client ties together the bus state, the per-process handle table and
// the IO-space mapper. One Client serves one guest process.
type Client struct {
	Global  *vmbus.Global
	Handles *handle.Table
	Mapper  *memory.Mapper
}

// windowFDTimeout bounds the wait for the window fd the host pushes
// right after accepting the bus connection.
const windowFDTimeout = 10 * time.Second

// NewClient connects the global channel and attaches the IO-space
// mapper: from IOSpacePath when the config names one, otherwise from
// the fd the host passes over the bus socket. The mapper's bounds stay
// zero (every Map is rejected) until SetIOSpaceRegion has told the host
// where the window lives.
func NewClient(cfg *common.Config) (*Client, error) {
	ch, err := vmbus.ConnectBusChannel(cfg.BusSocket)
	if err != nil {
		return nil, err
	}
	c := &Client{
		Global:  vmbus.NewGlobal(ch),
		Handles: handle.NewTable(),
	}
	if cfg.IOSpacePath != "" {
		f, err := os.OpenFile(cfg.IOSpacePath, os.O_RDWR, 0)
		if err != nil {
			ch.Close()
			return nil, errors.Wrapf(err, "failed to open the IO-space window %s", cfg.IOSpacePath)
		}
		c.Mapper = memory.NewMapper(f, 0, 0)
	} else {
		f, err := recvWindowFile(ch)
		if err != nil {
			ch.Close()
			return nil, err
		}
		c.Mapper = memory.NewMapper(f, 0, 0)
	}
	log.Infof("connected to the gpu bus at %s", cfg.BusSocket)
	return c, nil
}

// recvWindowFile receives the IO-space window fd the host sends over
// the bus socket before any command traffic.
func recvWindowFile(ch *vmbus.BusChannel) (*os.File, error) {
	uc, ok := ch.Conn().(*net.UnixConn)
	if !ok {
		return nil, errors.New("the bus connection cannot carry the IO-space window fd")
	}
	if err := uc.SetReadDeadline(time.Now().Add(windowFDTimeout)); err != nil {
		return nil, errors.Wrap(err, "failed to arm the window fd deadline")
	}
	fd, err := memory.RecvFileDescriptor(uc)
	if err != nil {
		return nil, errors.Wrap(err, "failed to receive the IO-space window fd")
	}
	if err := uc.SetReadDeadline(time.Time{}); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "failed to disarm the window fd deadline")
	}
	return os.NewFile(uintptr(fd), "iospace-window"), nil
}

// Process is the host-side identity of a guest process.
type Process struct {
	Host types.Handle
}

// Adapter is an opened vGPU adapter: its dedicated channel, the host
// adapter handle and the LUIDs negotiated at open.
type Adapter struct {
	Link vmbus.AdapterLink
	Host types.Handle
	// LUID is the guest-visible adapter identity.
	LUID types.LUID
}

// Device is a per-process device created on an adapter.
type Device struct {
	Adapter *Adapter
	Handle  types.Handle
}

// Context is a virtual execution context on a device.
type Context struct {
	Device *Device
	Handle types.Handle
}

// PagingQueue tracks the host paging queue plus its mapped progress
// fence.
type PagingQueue struct {
	Device      *Device
	Handle      types.Handle
	SyncObject  types.Handle
	FenceWindow *memory.Window
}

// SyncObject is a synchronization object; monitored fences also carry a
// mapped CPU-visible fence page.
type SyncObject struct {
	Device      *Device
	Handle      types.Handle
	Shared      types.Handle
	Monitored   bool
	FenceWindow *memory.Window
}

// HWQueue is a hardware queue with its progress fence.
type HWQueue struct {
	Context       *Context
	Handle        types.Handle
	ProgressFence types.Handle
	FenceWindow   *memory.Window
}

// Resource groups allocations created in one batch.
type Resource struct {
	Device *Device
	Handle types.Handle
	// Allocations created under this resource, in creation order.
	Allocations []*Allocation
}

// Allocation is one GPU allocation. For sysmem-backed allocations the
// pinned page list lives here until destruction; Lock2 bookkeeping maps
// the host storage at most once and refcounts it.
type Allocation struct {
	Device   *Device
	Resource *Resource
	Handle   types.Handle

	// Sysmem is the caller memory backing the allocation, nil when the
	// host owns the storage.
	Sysmem []byte
	Pinned *memory.PinnedPages

	cached   bool
	numPages uint64

	cpuWindow   *memory.Window
	cpuBuffer   *arrowmem.Buffer
	cpuRefcount int
}

// LockedBuffer returns the current CPU mapping, nil while unlocked.
func (a *Allocation) LockedBuffer() *arrowmem.Buffer {
	return a.cpuBuffer
}

// fenceSlots reinterprets a mapped fence page as the u64 slots the host
// writes fence completions into. Slot 0 carries the current value.
func fenceSlots(w *memory.Window) []uint64 {
	n := uint64(w.Len()) / 8
	if n == 0 {
		return nil
	}
	return memory.Cast[uint64](memory.Slice(w.Bytes(), 0, n*8), n)
}

// FenceValue reads the monitored fence's current value from the shared
// page, zero when no page is mapped.
func (s *SyncObject) FenceValue() uint64 {
	if slots := fenceSlots(s.FenceWindow); slots != nil {
		return slots[0]
	}
	return 0
}

// FenceValue reads the paging-progress fence from the shared page.
func (q *PagingQueue) FenceValue() uint64 {
	if slots := fenceSlots(q.FenceWindow); slots != nil {
		return slots[0]
	}
	return 0
}

// ProgressFenceValue reads the queue's progress fence from the shared
// page.
func (q *HWQueue) ProgressFenceValue() uint64 {
	if slots := fenceSlots(q.FenceWindow); slots != nil {
		return slots[0]
	}
	return 0
}
