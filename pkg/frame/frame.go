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

// Package frame defines the host frame allocator capability consumed by the
// guest address-space packages, and provides a bitmap allocator over an
// anonymous host mapping.
//
// The allocator is always injected: every region, page table and address
// space is handed the Allocator it must use, and there is no global instance.
package frame

import (
	"hvmem.dev/hvmem/pkg/hostarch"
)

// Allocator hands out runs of host physical frames.
//
// Implementations must be safe to call from the fault path: they must not
// sleep and must synchronize internally.
type Allocator interface {
	// AllocFrames allocates count contiguous frames whose base is aligned
	// to alignPow2 bytes (a power of 2, at least PageSize). It returns
	// false if the request cannot be satisfied.
	AllocFrames(count uint64, alignPow2 uint64) (hostarch.HostPhysAddr, bool)

	// DeallocFrames returns count frames starting at base.
	//
	// Preconditions: [base, base+count*PageSize) was returned by a single
	// AllocFrames call and has not been freed since.
	DeallocFrames(base hostarch.HostPhysAddr, count uint64)

	// PhysToVirt returns the address at which the hypervisor can access
	// the contents of pa.
	PhysToVirt(pa hostarch.HostPhysAddr) hostarch.HostVirtAddr

	// Slice returns [pa, pa+length) as a byte slice over the memory
	// PhysToVirt points at.
	//
	// Preconditions: the range lies within a single allocation.
	Slice(pa hostarch.HostPhysAddr, length uint64) []byte
}

// Bytes returns the contents of [pa, pa+length), or nil if length is zero.
func Bytes(a Allocator, pa hostarch.HostPhysAddr, length uint64) []byte {
	if length == 0 {
		return nil
	}
	return a.Slice(pa, length)
}

// Zero fills [pa, pa+length) with zeroes.
func Zero(a Allocator, pa hostarch.HostPhysAddr, length uint64) {
	clear(Bytes(a, pa, length))
}

// Stats are allocator counters.
type Stats struct {
	// TotalFrames is the number of frames managed.
	TotalFrames uint64

	// UsedFrames is the number of frames currently allocated.
	UsedFrames uint64

	// Allocs is the number of successful AllocFrames calls.
	Allocs uint64

	// Frees is the number of DeallocFrames calls.
	Frees uint64

	// Failures is the number of AllocFrames calls that failed.
	Failures uint64
}
