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

package vmbus

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/virtgpu/dxgvmbus/pkg/common"
	"github.com/virtgpu/dxgvmbus/pkg/common/types"
)

// fakeChannel records sends and answers with a canned response.
type fakeChannel struct {
	sent     [][]byte
	async    []bool
	response []byte
}

func (f *fakeChannel) SendSync(req, resp []byte) (int, error) {
	f.sent = append(f.sent, append([]byte(nil), req...))
	f.async = append(f.async, false)
	return copy(resp, f.response), nil
}

func (f *fakeChannel) SendAsync(req []byte) error {
	f.sent = append(f.sent, append([]byte(nil), req...))
	f.async = append(f.async, true)
	return nil
}

func oldSnapshot(global Channel) Snapshot {
	return Snapshot{Version: InterfaceVersionOld, GlobalChannel: global}
}

func newSnapshot(global Channel) Snapshot {
	return Snapshot{Version: InterfaceVersion, GlobalChannel: global}
}

func TestMessageSizeAccounting(t *testing.T) {
	global := &fakeChannel{}

	// Old interface version: no extended header.
	m, err := NewMessage(oldSnapshot(global), nil, CommandSize(8))
	require.NoError(t, err)
	assert.Equal(t, CommandHeaderSize+8, m.Size())
	m.Free()

	// Current version adds the extended header.
	m, err = NewMessage(newSnapshot(global), nil, CommandSize(8))
	require.NoError(t, err)
	assert.Equal(t, ExtHeaderSize+CommandHeaderSize+8, m.Size())
	m.Free()
}

func TestMessageExtHeaderContents(t *testing.T) {
	adapter := &AdapterLink{
		Channel:  &fakeChannel{},
		HostLUID: types.LUID{LowPart: 0xdeadbeef, HighPart: 7},
	}
	m, err := NewMessage(newSnapshot(&fakeChannel{}), adapter, CommandSize(0))
	require.NoError(t, err)
	defer m.Free()

	buf := m.Bytes()
	assert.Equal(t, uint32(ExtHeaderSize), binary.LittleEndian.Uint32(buf[0:4]))
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(buf[4:8]))
	assert.Equal(t, uint32(0xdeadbeef), binary.LittleEndian.Uint32(buf[8:12]))
	assert.Equal(t, uint32(7), binary.LittleEndian.Uint32(buf[12:16]))
}

func TestMessageCommandHeader(t *testing.T) {
	m, err := NewMessage(oldSnapshot(&fakeChannel{}), nil, CommandSize(4))
	require.NoError(t, err)
	defer m.Free()

	e := m.InitVMToHost2(CmdDestroyProcess, types.Handle(0x42))
	e.PutUint32(0x1234)
	require.NoError(t, e.Err())
	assert.Equal(t, 0, e.Remaining())

	buf := m.Bytes()
	assert.Equal(t, uint32(CmdDestroyProcess), binary.LittleEndian.Uint32(buf[0:4]))
	assert.Equal(t, uint32(0x42), binary.LittleEndian.Uint32(buf[4:8]))
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(buf[8:12]))
	assert.Equal(t, uint32(OriginVMToHost), binary.LittleEndian.Uint32(buf[12:16]))
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(buf[16:20]))
	assert.Equal(t, uint32(0x1234), binary.LittleEndian.Uint32(buf[24:28]))

	m.SetAsync()
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(buf[16:20]))
}

func TestChannelSelection(t *testing.T) {
	global := &fakeChannel{}
	adapterCh := &fakeChannel{}
	adapter := &AdapterLink{Channel: adapterCh}

	// No adapter: global channel.
	m, err := NewMessage(oldSnapshot(global), nil, CommandSize(0))
	require.NoError(t, err)
	assert.Same(t, Channel(global), m.Channel())
	m.Free()

	// Adapter, async not negotiated: adapter channel.
	m, err = NewMessage(oldSnapshot(global), adapter, CommandSize(0))
	require.NoError(t, err)
	assert.Same(t, Channel(adapterCh), m.Channel())
	m.Free()

	// Adapter with async negotiated: back to the global channel.
	snap := oldSnapshot(global)
	snap.AsyncMsgEnabled = true
	m, err = NewMessage(snap, adapter, CommandSize(0))
	require.NoError(t, err)
	assert.Same(t, Channel(global), m.Channel())
	m.Free()

	// Result variant: adapter channel unless async is negotiated.
	m, err = NewMessageRes(oldSnapshot(global), adapter, CommandSize(0), 16)
	require.NoError(t, err)
	assert.Same(t, Channel(adapterCh), m.Channel())
	m.Free()

	m, err = NewMessageRes(snap, adapter, CommandSize(0), 16)
	require.NoError(t, err)
	assert.Same(t, Channel(global), m.Channel())
	m.Free()
}

func TestMessageResultRegionAlignment(t *testing.T) {
	adapter := &AdapterLink{Channel: &fakeChannel{}}
	m, err := NewMessageRes(oldSnapshot(&fakeChannel{}), adapter, CommandSize(4), 13)
	require.NoError(t, err)
	defer m.Free()

	// The result region is rounded up to 8 bytes and sits after the
	// request; the request size excludes it.
	assert.Equal(t, CommandHeaderSize+4, m.Size())
	assert.Equal(t, 16, len(m.Result()))
}

func TestMessageRejectsOversize(t *testing.T) {
	_, err := NewMessage(oldSnapshot(&fakeChannel{}), nil, MaxVMBusPacketSize+1)
	require.Error(t, err)
	assert.Equal(t, -int(unix.EOVERFLOW), common.ErrnoOf(err))
}

func TestMessageFreeTwice(t *testing.T) {
	m, err := NewMessage(oldSnapshot(&fakeChannel{}), nil, CommandSize(0))
	require.NoError(t, err)
	m.Free()
	m.Free()
}

func TestSendSyncStatus(t *testing.T) {
	ch := &fakeChannel{response: make([]byte, 4)}
	binary.LittleEndian.PutUint32(ch.response, uint32(common.StatusInvalidParameter))

	m, err := NewMessage(oldSnapshot(ch), nil, CommandSize(0))
	require.NoError(t, err)
	defer m.Free()
	m.InitVMToHost1(CmdSetIOSpaceRegion)

	err = m.SendSyncStatus()
	require.Error(t, err)
	assert.Equal(t, -int(unix.EINVAL), common.ErrnoOf(err))
	require.Len(t, ch.sent, 1)
	assert.False(t, ch.async[0])
}

func TestGlobalSnapshotAndLock(t *testing.T) {
	g := NewGlobal(nil)
	require.Error(t, g.AcquireChannelLock())

	g = NewGlobal(&fakeChannel{})
	require.NoError(t, g.AcquireChannelLock())
	g.SetNegotiated(InterfaceVersion, true, true)
	g.ReleaseChannelLock()

	snap := g.Snapshot()
	assert.Equal(t, uint32(InterfaceVersion), snap.Version)
	assert.True(t, snap.AsyncMsgEnabled)
	assert.True(t, snap.MapGuestPagesEnabled)

	c1 := g.NextDeviceStateCounter()
	c2 := g.NextDeviceStateCounter()
	assert.Equal(t, c1+1, c2)
}
