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
	"golang.org/x/sys/unix"

	"github.com/virtgpu/dxgvmbus/pkg/common"
	"github.com/virtgpu/dxgvmbus/pkg/common/types"
)

// Small messages live in an inline array inside Message instead of a
// separate heap buffer.
const messageOnStackSize = 256

// AdapterLink is the bus-facing view of an opened adapter: the channel
// its commands travel on and the host-assigned vGPU identity written
// into extended headers.
type AdapterLink struct {
	Channel  Channel
	HostLUID types.LUID
}

// CommandSize returns the request size for a command with the given
// payload, excluding the extended header (the builder adds that).
func CommandSize(payload int) int {
	return CommandHeaderSize + payload
}

// Message is one request packet: [ext header?][command header][payload]
// and, for the result variant, a trailing 8-byte-aligned result region
// the host writes its counted response into.
type Message struct {
	buf     []byte
	inline  [messageOnStackSize]byte
	cmdOff  int // offset of the command header; 0 or ExtHeaderSize
	reqSize int // bytes actually sent, excludes the result region
	resOff  int // 0 when there is no result region
	channel Channel
	luid    types.LUID
	freed   bool
}

// NewMessage builds a zeroed message of the given request size (command
// header plus payload). The extended header is added when the snapshot's
// interface version calls for one. Channel selection: an adapter-scoped
// command goes to the adapter channel unless async messaging has been
// negotiated, in which case everything funnels through the global
// channel.
func NewMessage(snap Snapshot, adapter *AdapterLink, size int) (*Message, error) {
	m, err := newMessage(snap, adapter, size, 0)
	if err != nil {
		return nil, err
	}
	if adapter != nil && !snap.AsyncMsgEnabled {
		m.channel = adapter.Channel
	} else {
		m.channel = snap.GlobalChannel
	}
	return m, nil
}

// NewMessageRes builds a message with a trailing result region of
// resultSize bytes, rounded up to 8-byte alignment. Result messages are
// always adapter scoped and always heap allocated.
func NewMessageRes(snap Snapshot, adapter *AdapterLink, size, resultSize int) (*Message, error) {
	resultSize = (resultSize + 7) &^ 7
	m, err := newMessage(snap, adapter, size, resultSize)
	if err != nil {
		return nil, err
	}
	if snap.AsyncMsgEnabled {
		m.channel = snap.GlobalChannel
	} else {
		m.channel = adapter.Channel
	}
	return m, nil
}

func newMessage(snap Snapshot, adapter *AdapterLink, size, resultSize int) (*Message, error) {
	if size < CommandHeaderSize {
		return nil, common.ErrnoError(unix.EINVAL, "message size %d below header size", size)
	}
	useExt := snap.Version >= InterfaceVersion
	if useExt {
		size += ExtHeaderSize
	}
	total := size + resultSize
	if total > MaxVMBusPacketSize {
		return nil, common.ErrnoError(unix.EOVERFLOW,
			"message size %d exceeds the packet limit %d", total, MaxVMBusPacketSize)
	}

	m := &Message{reqSize: size}
	if total <= messageOnStackSize && resultSize == 0 {
		m.buf = m.inline[:total]
		for i := range m.buf {
			m.buf[i] = 0
		}
	} else {
		m.buf = make([]byte, total)
	}
	if useExt {
		m.cmdOff = ExtHeaderSize
		e := NewEncoder(m.buf[:ExtHeaderSize])
		e.PutUint32(ExtHeaderSize) // command offset
		e.PutUint32(0)
		if adapter != nil {
			m.luid = adapter.HostLUID
			e.PutLUID(adapter.HostLUID)
		}
	}
	if resultSize > 0 {
		m.resOff = size
	}
	return m, nil
}

// Channel returns the channel the builder selected for this message.
func (m *Message) Channel() Channel {
	return m.channel
}

// Bytes returns the request bytes to put on the wire.
func (m *Message) Bytes() []byte {
	return m.buf[:m.reqSize]
}

// Size reports the request size.
func (m *Message) Size() int {
	return m.reqSize
}

// Payload returns the command bytes (header included), skipping any
// extended header. Useful for back-patching fields whose values are
// only known after later parts of the payload are encoded.
func (m *Message) Payload() []byte {
	return m.buf[m.cmdOff:m.reqSize]
}

// Result returns the trailing result region, or nil for plain messages.
func (m *Message) Result() []byte {
	if m.resOff == 0 {
		return nil
	}
	return m.buf[m.resOff:]
}

// Free releases the message storage. Heap buffers are dropped for the
// collector; the inline buffer needs no release. Calling Free twice is
// a no-op.
func (m *Message) Free() {
	if m.freed {
		return
	}
	m.freed = true
	m.buf = nil
	m.channel = nil
}

func (m *Message) initHeader(t CommandType, process types.Handle, origin ChannelOrigin) *Encoder {
	e := NewEncoder(m.buf[m.cmdOff:m.reqSize])
	e.PutUint32(uint32(t))
	e.PutHandle(process)
	e.PutUint32(0) // command id
	e.PutUint32(uint32(origin))
	e.PutUint32(0) // async flag, set by SetAsync
	e.PutUint32(0)
	return e
}

// SetAsync marks the command header for fire-and-forget delivery; the
// host will not produce a response.
func (m *Message) SetAsync() {
	off := m.cmdOff + asyncFlagOffset
	m.buf[off] = 1
}

// InitVMToHost1 fills the command header of a global command with no
// owning process and returns an encoder positioned at the payload.
func (m *Message) InitVMToHost1(t CommandType) *Encoder {
	return m.initHeader(t, 0, OriginVMToHost)
}

// InitVMToHost2 is InitVMToHost1 with an owning process handle.
func (m *Message) InitVMToHost2(t CommandType, process types.Handle) *Encoder {
	return m.initHeader(t, process, OriginVMToHost)
}

// InitVGPUToHost1 fills the command header of an adapter-scoped command
// with no owning process.
func (m *Message) InitVGPUToHost1(t CommandType) *Encoder {
	return m.initHeader(t, 0, OriginVGPUToHost)
}

// InitVGPUToHost2 is InitVGPUToHost1 with an owning process handle.
func (m *Message) InitVGPUToHost2(t CommandType, process types.Handle) *Encoder {
	return m.initHeader(t, process, OriginVGPUToHost)
}
