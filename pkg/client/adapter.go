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

// UTF-16 lengths of the description strings in the internal
// adapter-info response.
const (
	deviceDescriptionLen = 64
	deviceInstanceIDLen  = 64
)

// InternalAdapterInfo is the host's private description of a vGPU.
type InternalAdapterInfo struct {
	HostAdapterLUID   types.LUID
	HostVGPULUID      types.LUID
	AsyncMsgEnabled   bool
	DeviceDescription [deviceDescriptionLen]uint16
	DeviceInstanceID  [deviceInstanceIDLen]uint16
}

// OpenAdapter negotiates the interface version on the adapter's channel
// and stores the host adapter handle.
func (c *Client) OpenAdapter(a *Adapter) error {
	snap := c.Global.Snapshot()
	m, err := vmbus.NewMessage(snap, &a.Link, vmbus.CommandSize(8))
	if err != nil {
		return err
	}
	defer m.Free()

	e := m.InitVGPUToHost1(vmbus.CmdOpenAdapter)
	e.PutUint32(snap.Version)
	e.PutUint32(vmbus.LastCompatibleInterfaceVersion)
	if err := e.Err(); err != nil {
		return err
	}

	resp := make([]byte, 8)
	if _, err := m.SendSync(resp); err != nil {
		return err
	}
	d := vmbus.NewDecoder(resp)
	status := d.Status()
	a.Host = d.Handle()
	return status.Err()
}

// CloseAdapter releases the host adapter handle.
func (c *Client) CloseAdapter(a *Adapter) error {
	m, err := vmbus.NewMessage(c.Global.Snapshot(), &a.Link, vmbus.CommandSize(types.HandleSize))
	if err != nil {
		return err
	}
	defer m.Free()

	e := m.InitVGPUToHost1(vmbus.CmdCloseAdapter)
	e.PutHandle(a.Host)
	return m.SendSyncStatus()
}

// GetInternalAdapterInfo reads the adapter identity. On interface
// versions before the current one the response omits the trailing vGPU
// LUID. The host's async-message capability rides along in the reply
// and flips the negotiated flag.
func (c *Client) GetInternalAdapterInfo(a *Adapter) (*InternalAdapterInfo, error) {
	snap := c.Global.Snapshot()
	m, err := vmbus.NewMessage(snap, &a.Link, vmbus.CommandSize(0))
	if err != nil {
		return nil, err
	}
	defer m.Free()

	m.InitVGPUToHost1(vmbus.CmdGetInternalAdapterInfo)

	resultSize := 8 + 4 + 4 + deviceDescriptionLen*2 + deviceInstanceIDLen*2 + types.LUIDSize
	if snap.Version < vmbus.InterfaceVersion {
		resultSize -= types.LUIDSize
	}
	resp := make([]byte, resultSize)
	n, err := m.SendSync(resp)
	if err != nil {
		return nil, err
	}
	if n < resultSize {
		return nil, common.ErrnoError(unix.EBADMSG,
			"internal adapter info response truncated: %d of %d bytes", n, resultSize)
	}

	info := &InternalAdapterInfo{}
	d := vmbus.NewDecoder(resp)
	info.HostAdapterLUID = d.LUID()
	info.AsyncMsgEnabled = d.Bool32()
	d.Skip(4)
	for i := range info.DeviceDescription {
		info.DeviceDescription[i] = d.Uint16()
	}
	for i := range info.DeviceInstanceID {
		info.DeviceInstanceID[i] = d.Uint16()
	}
	if snap.Version >= vmbus.InterfaceVersion {
		info.HostVGPULUID = d.LUID()
	}
	if err := d.Err(); err != nil {
		return nil, err
	}

	a.Link.HostLUID = info.HostVGPULUID
	c.Global.SetNegotiated(snap.Version, info.AsyncMsgEnabled, snap.MapGuestPagesEnabled)
	return info, nil
}

// QueryAdapterInfo round-trips an opaque query blob. Newer interface
// versions prefix the response with an explicit status; older hosts
// echo the blob alone and failures surface as transport errors. Adapter
// type queries are fixed up so the guest always sees a paravirtualized,
// display-less adapter.
func (c *Client) QueryAdapterInfo(p *Process, a *Adapter, args *types.QueryAdapterInfoArgs) error {
	if len(args.PrivateData) > vmbus.MaxVMBusPacketSize {
		return common.ErrnoError(unix.EOVERFLOW,
			"adapter info blob of %d bytes exceeds the packet limit", len(args.PrivateData))
	}
	snap := c.Global.Snapshot()
	payload := 8 + len(args.PrivateData)
	m, err := vmbus.NewMessage(snap, &a.Link, vmbus.CommandSize(payload))
	if err != nil {
		return err
	}
	defer m.Free()

	e := m.InitVGPUToHost2(vmbus.CmdQueryAdapterInfo, p.Host)
	e.PutUint32(uint32(args.Type))
	e.PutUint32(uint32(len(args.PrivateData)))
	e.PutBytes(args.PrivateData)
	if err := e.Err(); err != nil {
		return err
	}

	respSize := len(args.PrivateData)
	statusPrefix := snap.Version >= vmbus.InterfaceVersion
	if statusPrefix {
		respSize += 4
	}
	resp := make([]byte, respSize)
	if _, err := m.SendSync(resp); err != nil {
		return err
	}

	blob := resp
	if statusPrefix {
		d := vmbus.NewDecoder(resp)
		if err := d.Status().Err(); err != nil {
			return err
		}
		blob = resp[4:]
	}
	copy(args.PrivateData, blob)

	switch args.Type {
	case types.AdapterInfoTypeAdapterType, types.AdapterInfoTypeAdapterTypeRender:
		if len(args.PrivateData) < 4 {
			log.Errorf(nil, "adapter type response too short: %d bytes", len(args.PrivateData))
			return common.ErrnoError(unix.EINVAL, "adapter type response too short")
		}
		fixupAdapterType(args.PrivateData)
	}
	return nil
}

// Adapter-type flag bits in the d3dkmt adapter-type word.
const (
	adapterTypeParavirtualized         = 1 << 15
	adapterTypeDisplaySupported        = 1 << 3
	adapterTypePostDevice              = 1 << 5
	adapterTypeIndirectDisplayDevice   = 1 << 16
	adapterTypeACGSupported            = 1 << 17
	adapterTypeSetTimingsFromVidPn     = 1 << 18
)

func fixupAdapterType(blob []byte) {
	d := vmbus.NewDecoder(blob)
	v := d.Uint32()
	v |= adapterTypeParavirtualized
	v &^= adapterTypeDisplaySupported | adapterTypePostDevice |
		adapterTypeIndirectDisplayDevice | adapterTypeACGSupported |
		adapterTypeSetTimingsFromVidPn
	vmbus.NewEncoder(blob[:4]).PutUint32(v)
}
