// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package frame

import (
	"unsafe"

	"hvmem.dev/hvmem/pkg/hostarch"
)

// PhysToVirt implements Allocator.PhysToVirt.
//
// Offsets within a frame are preserved, so pa need not be page-aligned.
func (b *BitmapAllocator) PhysToVirt(pa hostarch.HostPhysAddr) hostarch.HostVirtAddr {
	frame := b.index(pa &^ (hostarch.PageSize - 1))
	off := frame*hostarch.PageSize + uint64(pa&(hostarch.PageSize-1))
	return hostarch.HostVirtAddr(uintptr(unsafe.Pointer(&b.mem[0]))).Add(off)
}
