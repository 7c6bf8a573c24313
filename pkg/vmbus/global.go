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
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/virtgpu/dxgvmbus/pkg/common"
)

// Snapshot is an immutable view of the negotiated state, taken once per
// operation so the extended-header decision, the channel choice and the
// async flag are mutually consistent for that message.
type Snapshot struct {
	Version              uint32
	AsyncMsgEnabled      bool
	MapGuestPagesEnabled bool
	GlobalChannel        Channel
}

// Global holds the process-wide bus state: the global channel, the
// negotiated feature flags, the IO-space window bounds and the channel
// lock that totally orders sends.
type Global struct {
	// channelLock serializes every message submission. It is never held
	// while the handle table lock is taken.
	channelLock sync.Mutex

	mu                   sync.RWMutex
	channel              Channel
	version              uint32
	asyncMsgEnabled      bool
	mapGuestPagesEnabled bool
	iospaceBase          uint64
	iospaceSize          uint64

	deviceStateCounter uint32
}

func NewGlobal(channel Channel) *Global {
	return &Global{channel: channel}
}

// AcquireChannelLock takes the channel lock. It fails when the global
// channel has not been connected yet; a caller that got the lock must
// release it with ReleaseChannelLock on every path.
func (g *Global) AcquireChannelLock() error {
	g.channelLock.Lock()
	g.mu.RLock()
	ok := g.channel != nil
	g.mu.RUnlock()
	if !ok {
		g.channelLock.Unlock()
		return common.ErrnoError(unix.ENODEV, "the global channel is not connected")
	}
	return nil
}

func (g *Global) ReleaseChannelLock() {
	g.channelLock.Unlock()
}

// Snapshot returns a consistent view of the negotiated state.
func (g *Global) Snapshot() Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return Snapshot{
		Version:              g.version,
		AsyncMsgEnabled:      g.asyncMsgEnabled,
		MapGuestPagesEnabled: g.mapGuestPagesEnabled,
		GlobalChannel:        g.channel,
	}
}

// SetNegotiated records the outcome of adapter-info negotiation. It is
// called with the channel lock held so in-flight snapshots cannot tear.
func (g *Global) SetNegotiated(version uint32, asyncMsg, mapGuestPages bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.version = version
	g.asyncMsgEnabled = asyncMsg
	g.mapGuestPagesEnabled = mapGuestPages
}

// SetIOSpaceBounds records the window advertised by the host.
func (g *Global) SetIOSpaceBounds(base, size uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.iospaceBase = base
	g.iospaceSize = size
}

// IOSpaceBounds returns the recorded window.
func (g *Global) IOSpaceBounds() (base, size uint64) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.iospaceBase, g.iospaceSize
}

// NextDeviceStateCounter returns a fresh value for device-state
// queries; the host echoes it so stale responses can be discarded.
func (g *Global) NextDeviceStateCounter() uint32 {
	return atomic.AddUint32(&g.deviceStateCounter, 1)
}
