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

	"golang.org/x/sys/unix"

	"github.com/virtgpu/dxgvmbus/pkg/common"
	"github.com/virtgpu/dxgvmbus/pkg/common/types"
)

// Encoder writes little-endian command payloads into a fixed buffer.
// Writes past the end set a sticky error instead of panicking; callers
// size the buffer up front and check Err once before sending.
type Encoder struct {
	buf []byte
	off int
	err error
}

func NewEncoder(buf []byte) *Encoder {
	return &Encoder{buf: buf}
}

// Err reports the first overflow, if any.
func (e *Encoder) Err() error {
	return e.err
}

// Offset reports the number of bytes written so far.
func (e *Encoder) Offset() int {
	return e.off
}

// Remaining reports the bytes left in the buffer.
func (e *Encoder) Remaining() int {
	return len(e.buf) - e.off
}

func (e *Encoder) grab(n int) []byte {
	if e.err != nil {
		return nil
	}
	if e.off+n > len(e.buf) {
		e.err = common.ErrnoError(unix.EOVERFLOW,
			"write of %d bytes at offset %d overflows %d-byte message", n, e.off, len(e.buf))
		return nil
	}
	b := e.buf[e.off : e.off+n]
	e.off += n
	return b
}

func (e *Encoder) PutUint8(v uint8) {
	if b := e.grab(1); b != nil {
		b[0] = v
	}
}

func (e *Encoder) PutUint16(v uint16) {
	if b := e.grab(2); b != nil {
		binary.LittleEndian.PutUint16(b, v)
	}
}

func (e *Encoder) PutUint32(v uint32) {
	if b := e.grab(4); b != nil {
		binary.LittleEndian.PutUint32(b, v)
	}
}

func (e *Encoder) PutInt32(v int32) {
	e.PutUint32(uint32(v))
}

func (e *Encoder) PutUint64(v uint64) {
	if b := e.grab(8); b != nil {
		binary.LittleEndian.PutUint64(b, v)
	}
}

func (e *Encoder) PutInt64(v int64) {
	e.PutUint64(uint64(v))
}

func (e *Encoder) PutBool32(v bool) {
	if v {
		e.PutUint32(1)
	} else {
		e.PutUint32(0)
	}
}

func (e *Encoder) PutHandle(h types.Handle) {
	e.PutUint32(uint32(h))
}

func (e *Encoder) PutLUID(l types.LUID) {
	e.PutUint32(l.LowPart)
	e.PutInt32(l.HighPart)
}

func (e *Encoder) PutBytes(p []byte) {
	if b := e.grab(len(p)); b != nil {
		copy(b, p)
	}
}

// PutZero writes n zero bytes. The buffer starts zeroed, so this only
// advances the offset.
func (e *Encoder) PutZero(n int) {
	e.grab(n)
}

// Align advances the offset to the next multiple of n.
func (e *Encoder) Align(n int) {
	if rem := e.off % n; rem != 0 {
		e.PutZero(n - rem)
	}
}

// Decoder reads little-endian response payloads. Reads past the end set
// a sticky error and return zero values.
type Decoder struct {
	buf []byte
	off int
	err error
}

func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

func (d *Decoder) Err() error {
	return d.err
}

func (d *Decoder) Offset() int {
	return d.off
}

func (d *Decoder) Remaining() int {
	return len(d.buf) - d.off
}

func (d *Decoder) grab(n int) []byte {
	if d.err != nil {
		return nil
	}
	if d.off+n > len(d.buf) {
		d.err = common.ErrnoError(unix.EBADMSG,
			"read of %d bytes at offset %d overruns %d-byte response", n, d.off, len(d.buf))
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *Decoder) Uint8() uint8 {
	if b := d.grab(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *Decoder) Uint16() uint16 {
	if b := d.grab(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (d *Decoder) Uint32() uint32 {
	if b := d.grab(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (d *Decoder) Int32() int32 {
	return int32(d.Uint32())
}

func (d *Decoder) Uint64() uint64 {
	if b := d.grab(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (d *Decoder) Int64() int64 {
	return int64(d.Uint64())
}

func (d *Decoder) Bool32() bool {
	return d.Uint32() != 0
}

func (d *Decoder) Handle() types.Handle {
	return types.Handle(d.Uint32())
}

func (d *Decoder) LUID() types.LUID {
	return types.LUID{LowPart: d.Uint32(), HighPart: d.Int32()}
}

func (d *Decoder) Status() common.NTStatus {
	return common.NTStatus(d.Uint32())
}

// Bytes returns a view of the next n bytes without copying.
func (d *Decoder) Bytes(n int) []byte {
	return d.grab(n)
}

func (d *Decoder) CopyBytes(p []byte) {
	if b := d.grab(len(p)); b != nil {
		copy(p, b)
	}
}

func (d *Decoder) Skip(n int) {
	d.grab(n)
}

func (d *Decoder) Align(n int) {
	if rem := d.off % n; rem != 0 {
		d.Skip(n - rem)
	}
}
