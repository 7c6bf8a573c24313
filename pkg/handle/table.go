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

// Package handle implements the guest-side handle table. Handles are
// allocated here, embedded in commands, and mirrored by the host; the
// table maps them back to guest objects on completion paths.
package handle

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/virtgpu/dxgvmbus/pkg/common"
	"github.com/virtgpu/dxgvmbus/pkg/common/types"
)

// Kind tags the object type stored under a handle. Lookups and frees
// must name the expected kind; a mismatch is a caller bug surfaced as
// EINVAL rather than a type confusion.
type Kind uint32

const (
	KindFree Kind = iota
	KindProcess
	KindAdapter
	KindDevice
	KindContext
	KindResource
	KindAllocation
	KindPagingQueue
	KindSyncObject
	KindHWQueue
	KindMonitoredFence
)

var kindNames = map[Kind]string{
	KindFree:           "free",
	KindProcess:        "process",
	KindAdapter:        "adapter",
	KindDevice:         "device",
	KindContext:        "context",
	KindResource:       "resource",
	KindAllocation:     "allocation",
	KindPagingQueue:    "paging-queue",
	KindSyncObject:     "sync-object",
	KindHWQueue:        "hw-queue",
	KindMonitoredFence: "monitored-fence",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Handle layout: index in the low 24 bits (1 based, so the zero handle
// stays invalid), a reuse instance in the high 8 bits so a stale handle
// from a freed slot fails lookup instead of aliasing the new occupant.
const (
	indexBits    = 24
	indexMask    = (1 << indexBits) - 1
	instanceMask = 0xff
	maxEntries   = indexMask
)

type slot struct {
	object   interface{}
	kind     Kind
	instance uint32
}

// Table is the per-process handle table. All methods are safe for
// concurrent use.
type Table struct {
	mu    sync.RWMutex
	slots []slot
	free  []int
}

func NewTable() *Table {
	return &Table{}
}

func makeHandle(index int, instance uint32) types.Handle {
	return types.Handle((instance&instanceMask)<<indexBits | uint32(index+1)&indexMask)
}

func splitHandle(h types.Handle) (index int, instance uint32) {
	v := uint32(h)
	return int(v&indexMask) - 1, v >> indexBits & instanceMask
}

// Assign stores object under a fresh handle of the given kind.
func (t *Table) Assign(object interface{}, kind Kind) (types.Handle, error) {
	if object == nil || kind == KindFree {
		return 0, common.ErrnoError(unix.EINVAL, "cannot assign a handle to a nil %s object", kind)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var index int
	if n := len(t.free); n > 0 {
		index = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		if len(t.slots) >= maxEntries {
			return 0, common.ErrnoError(unix.ENOSPC, "handle table is full")
		}
		index = len(t.slots)
		t.slots = append(t.slots, slot{})
	}
	s := &t.slots[index]
	s.object = object
	s.kind = kind
	return makeHandle(index, s.instance), nil
}

// Free releases the handle and returns the stored object. The kind must
// match the one it was assigned under.
func (t *Table) Free(h types.Handle, kind Kind) (interface{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.lookup(h, kind)
	if err != nil {
		return nil, err
	}
	object := s.object
	s.object = nil
	s.kind = KindFree
	s.instance = (s.instance + 1) & instanceMask
	index, _ := splitHandle(h)
	t.free = append(t.free, index)
	return object, nil
}

// Get returns the object stored under h, checking the kind.
func (t *Table) Get(h types.Handle, kind Kind) (interface{}, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, err := t.lookup(h, kind)
	if err != nil {
		return nil, err
	}
	return s.object, nil
}

// KindOf reports the kind stored under h, or KindFree when the handle
// is not live.
func (t *Table) KindOf(h types.Handle) Kind {
	t.mu.RLock()
	defer t.mu.RUnlock()

	index, instance := splitHandle(h)
	if index < 0 || index >= len(t.slots) {
		return KindFree
	}
	s := &t.slots[index]
	if s.instance != instance {
		return KindFree
	}
	return s.kind
}

// Len reports the number of live entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.slots) - len(t.free)
}

// lookup requires t.mu held.
func (t *Table) lookup(h types.Handle, kind Kind) (*slot, error) {
	index, instance := splitHandle(h)
	if index < 0 || index >= len(t.slots) {
		return nil, common.ErrnoError(unix.EINVAL, "invalid handle %s", h)
	}
	s := &t.slots[index]
	if s.kind == KindFree || s.instance != instance {
		return nil, common.ErrnoError(unix.EINVAL, "stale handle %s", h)
	}
	if s.kind != kind {
		return nil, common.ErrnoError(unix.EINVAL,
			"handle %s holds a %s, expected a %s", h, s.kind, kind)
	}
	return s, nil
}
