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

package types

import "fmt"

// Handle identifies an object tracked by the host: a process, adapter,
// device, context, resource, allocation, sync object, paging queue or
// hardware queue. The zero value is never a valid handle.
type Handle uint32

// HandleSize is the wire size of a Handle.
const HandleSize = 4

func (h Handle) Valid() bool {
	return h != 0
}

func (h Handle) String() string {
	return fmt.Sprintf("h%08x", uint32(h))
}

// LUID is a host-side locally unique identifier, used to address a
// virtual GPU partition in the extended message header.
type LUID struct {
	LowPart  uint32
	HighPart int32
}

// LUIDSize is the wire size of a LUID.
const LUIDSize = 8

func (l LUID) IsZero() bool {
	return l.LowPart == 0 && l.HighPart == 0
}

func (l LUID) String() string {
	return fmt.Sprintf("%08x:%08x", uint32(l.HighPart), l.LowPart)
}
