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
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/virtgpu/dxgvmbus/pkg/common"
	"github.com/virtgpu/dxgvmbus/pkg/common/log"
)

// Channel carries request packets to the host. SendSync blocks until
// the host's response arrives and copies it into resp, returning the
// response length. SendAsync is fire-and-forget; the host produces no
// response for async submissions.
//
// Callers serialize sends on a channel through the global channel lock;
// implementations do not need to support concurrent sends.
type Channel interface {
	SendSync(req, resp []byte) (int, error)
	SendAsync(req []byte) error
}

// Frame layout on the bus socket: little-endian u32 payload length,
// u32 flags (bit 0 set for async frames), then the payload.
const (
	frameHeaderSize = 8
	frameFlagAsync  = 1
)

// BusChannel speaks the framed protocol over a unix socket. One
// BusChannel backs the global channel; each opened adapter gets its
// own. The internal mutex totally orders frames on this channel, so
// request/response correlation never needs tags.
type BusChannel struct {
	mu   sync.Mutex
	conn net.Conn
	path string
}

// ConnectBusChannel dials the bus socket, retrying while the backend
// comes up.
func ConnectBusChannel(path string) (*BusChannel, error) {
	return ConnectBusChannelWithRetry(path, 10, 1*time.Second)
}

// ConnectBusChannelWithRetry dials with an explicit retry budget.
func ConnectBusChannelWithRetry(path string, retries int, interval time.Duration) (*BusChannel, error) {
	var err error
	for i := 0; i <= retries; i++ {
		if i > 0 {
			time.Sleep(interval)
			log.Infof("retrying to connect to the gpu bus at %s: %d/%d", path, i, retries)
		}
		var conn net.Conn
		conn, err = net.Dial("unix", path)
		if err == nil {
			return &BusChannel{conn: conn, path: path}, nil
		}
	}
	return nil, errors.Wrapf(err, "failed to connect to the gpu bus at %s", path)
}

// Conn exposes the underlying connection, mainly so the IO-space window
// file descriptor can be received over it.
func (c *BusChannel) Conn() net.Conn {
	return c.conn
}

func (c *BusChannel) Close() error {
	return c.conn.Close()
}

func (c *BusChannel) sendFrame(payload []byte, flags uint32) error {
	var hdr [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(hdr[4:], flags)
	if err := sendBytes(c.conn, hdr[:]); err != nil {
		return err
	}
	return sendBytes(c.conn, payload)
}

func (c *BusChannel) SendSync(req, resp []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sendFrame(req, 0); err != nil {
		return 0, err
	}
	var hdr [frameHeaderSize]byte
	if err := recvBytes(c.conn, hdr[:]); err != nil {
		return 0, err
	}
	n := int(binary.LittleEndian.Uint32(hdr[0:]))
	if n > len(resp) {
		// Drain the oversized response so the stream stays framed.
		if _, err := io.CopyN(io.Discard, c.conn, int64(n)); err != nil {
			return 0, errors.Wrap(err, "failed to drain response")
		}
		return 0, common.ErrnoError(unix.EMSGSIZE,
			"host response of %d bytes exceeds the %d-byte result buffer", n, len(resp))
	}
	if err := recvBytes(c.conn, resp[:n]); err != nil {
		return 0, err
	}
	return n, nil
}

func (c *BusChannel) SendAsync(req []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendFrame(req, frameFlagAsync)
}

func sendBytes(conn net.Conn, data []byte) error {
	for len(data) > 0 {
		n, err := conn.Write(data)
		if err != nil {
			return errors.Wrap(err, "failed to send to the gpu bus")
		}
		data = data[n:]
	}
	return nil
}

func recvBytes(conn net.Conn, data []byte) error {
	if _, err := io.ReadFull(conn, data); err != nil {
		return errors.Wrap(err, "failed to receive from the gpu bus")
	}
	return nil
}

// SendSync sends the message on its selected channel and fills resp.
func (m *Message) SendSync(resp []byte) (int, error) {
	return m.channel.SendSync(m.Bytes(), resp)
}

// SendSyncStatus sends the message and decodes the bare NT status the
// host answers simple commands with, translated to an error.
func (m *Message) SendSyncStatus() error {
	var resp [4]byte
	if _, err := m.channel.SendSync(m.Bytes(), resp[:]); err != nil {
		return err
	}
	return common.NTStatus(binary.LittleEndian.Uint32(resp[:])).Err()
}

// SendAsync sends the message without waiting for a response.
func (m *Message) SendAsync() error {
	return m.channel.SendAsync(m.Bytes())
}
