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

// QueryClockCalibration samples host clocks for timestamp correlation.
// The clock data is copied back before the status is inspected.
func (c *Client) QueryClockCalibration(p *Process, a *Adapter,
	args *types.QueryClockCalibrationArgs) error {
	m, err := vmbus.NewMessage(c.Global.Snapshot(), &a.Link, vmbus.CommandSize(16))
	if err != nil {
		return err
	}
	defer m.Free()

	e := m.InitVGPUToHost2(vmbus.CmdQueryClockCalibration, p.Host)
	e.PutHandle(args.Adapter)
	e.PutUint32(args.NodeOrdinal)
	e.PutUint32(args.PhysicalAdapterIndex)
	e.PutZero(4)

	resp := make([]byte, 32)
	if _, err := m.SendSync(resp); err != nil {
		log.Errorf(err, "query_clock_calibration failed")
		return err
	}
	d := vmbus.NewDecoder(resp)
	status := d.Status()
	d.Skip(4)
	args.ClockData.GPUFrequency = d.Uint64()
	args.ClockData.GPUClockCounter = d.Uint64()
	args.ClockData.CPUClockCounter = d.Uint64()
	if err := d.Err(); err != nil {
		return err
	}
	return status.Err()
}

// QueryVideoMemoryInfo reads the budget and usage of one memory segment
// group.
func (c *Client) QueryVideoMemoryInfo(p *Process, a *Adapter,
	args *types.QueryVideoMemoryInfoArgs) error {
	m, err := vmbus.NewMessage(c.Global.Snapshot(), &a.Link, vmbus.CommandSize(16))
	if err != nil {
		return err
	}
	defer m.Free()

	e := m.InitVGPUToHost2(vmbus.CmdQueryVideoMemoryInfo, p.Host)
	e.PutHandle(args.Adapter)
	e.PutUint32(args.MemorySegmentGroup)
	e.PutUint32(args.PhysicalAdapterIndex)
	e.PutZero(4)

	resp := make([]byte, 32)
	if _, err := m.SendSync(resp); err != nil {
		log.Errorf(err, "query_video_memory_info failed")
		return err
	}
	d := vmbus.NewDecoder(resp)
	args.Budget = d.Uint64()
	args.CurrentUsage = d.Uint64()
	args.CurrentReservation = d.Uint64()
	args.AvailableForReservation = d.Uint64()
	return d.Err()
}

// QueryStatistics reads the opaque statistics block into args.Result.
func (c *Client) QueryStatistics(p *Process, a *Adapter,
	args *types.QueryStatisticsArgs) error {
	resultSize := statusReturnSize + types.QueryStatisticsResultSize
	m, err := vmbus.NewMessageRes(c.Global.Snapshot(), &a.Link,
		vmbus.CommandSize(16), resultSize)
	if err != nil {
		return err
	}
	defer m.Free()

	e := m.InitVGPUToHost2(vmbus.CmdQueryStatistics, p.Host)
	e.PutHandle(args.Adapter)
	e.PutUint32(args.Type)
	e.PutZero(8)

	if _, err := m.SendSync(m.Result()); err != nil {
		log.Errorf(err, "query_statistics failed")
		return err
	}
	d := vmbus.NewDecoder(m.Result())
	if err := d.Status().Err(); err != nil {
		return err
	}
	d.Skip(statusReturnSize - 4)
	d.CopyBytes(args.Result[:])
	return d.Err()
}

// Escape passes an opaque driver escape to the host. The host answers
// with the blob rewritten in place; no status accompanies it.
func (c *Client) Escape(p *Process, a *Adapter, args *types.EscapeArgs) error {
	privSize := len(args.PrivDrvData)
	if privSize > vmbus.MaxVMBusPacketSize {
		return common.ErrnoError(unix.EINVAL, "escape blob of %d bytes exceeds the packet limit", privSize)
	}
	payload := 24 + privSize
	m, err := vmbus.NewMessage(c.Global.Snapshot(), &a.Link, vmbus.CommandSize(payload))
	if err != nil {
		return err
	}
	defer m.Free()

	e := m.InitVGPUToHost2(vmbus.CmdEscape, p.Host)
	e.PutHandle(args.Adapter)
	e.PutHandle(args.Device)
	e.PutHandle(args.Context)
	e.PutUint32(args.Type)
	e.PutUint32(args.Flags)
	e.PutUint32(uint32(privSize))
	e.PutBytes(args.PrivDrvData)
	if err := e.Err(); err != nil {
		return err
	}

	resp := make([]byte, privSize)
	n, err := m.SendSync(resp)
	if err != nil {
		log.Errorf(err, "escape failed")
		return err
	}
	copy(args.PrivDrvData, resp[:n])
	return nil
}
