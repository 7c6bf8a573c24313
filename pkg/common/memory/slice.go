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

package memory

import (
	"unsafe"

	"github.com/virtgpu/dxgvmbus/pkg/common/types"
)

// Slice returns the [offset, offset+length) view of s.
func Slice(s []byte, offset, length uint64) []byte {
	return s[offset : offset+length]
}

// Cast reinterprets the leading bytes of s as a slice of T. The caller is
// responsible for keeping s alive while the result is in use.
func Cast[T types.Number](s []byte, length uint64) []T {
	return unsafe.Slice((*T)(unsafe.Pointer(&s[0])), length)
}
