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

// Package region provides host physical regions: runs of zeroed host frames
// obtained from a frame.Allocator and returned to it exactly once.
package region

import (
	"fmt"
	"sync/atomic"

	"hvmem.dev/hvmem/pkg/errors"
	"hvmem.dev/hvmem/pkg/frame"
	"hvmem.dev/hvmem/pkg/hostarch"
	"hvmem.dev/hvmem/pkg/log"
)

// HostPhysicalRegion is a contiguous, page-aligned run of host frames.
//
// The region owns its frames until Release is called.
type HostPhysicalRegion struct {
	alloc frame.Allocator
	base  hostarch.HostPhysAddr
	size  uint64

	released atomic.Bool
}

// Allocate returns a zeroed region of at least size bytes. size is rounded up
// to PageSize. alignPow2 is the required alignment of the base; zero means
// PageSize.
func Allocate(a frame.Allocator, size, alignPow2 uint64) (*HostPhysicalRegion, error) {
	rounded, ok := hostarch.PageRoundUp(size)
	if !ok || rounded == 0 {
		return nil, errors.Errorf(errors.InvalidInput, "region size %#x", size)
	}
	if alignPow2 == 0 {
		alignPow2 = hostarch.PageSize
	}
	if !hostarch.IsPowerOfTwo(alignPow2) {
		return nil, errors.Errorf(errors.InvalidInput, "region alignment %#x is not a power of 2", alignPow2)
	}
	base, ok := a.AllocFrames(rounded/hostarch.PageSize, alignPow2)
	if !ok {
		return nil, errors.Errorf(errors.NoMemory, "allocating %d frames for a region", rounded/hostarch.PageSize)
	}
	frame.Zero(a, base, rounded)
	return &HostPhysicalRegion{
		alloc: a,
		base:  base,
		size:  rounded,
	}, nil
}

// Base returns the host physical address of the first byte.
func (r *HostPhysicalRegion) Base() hostarch.HostPhysAddr {
	return r.base
}

// Size returns the size of the region in bytes.
func (r *HostPhysicalRegion) Size() uint64 {
	return r.size
}

// String implements fmt.Stringer.String.
func (r *HostPhysicalRegion) String() string {
	return fmt.Sprintf("HostPhysicalRegion[%v-%v]", r.base, r.base.Add(r.size))
}

// Bytes returns the region's contents.
//
// Preconditions: the region has not been released.
func (r *HostPhysicalRegion) Bytes() []byte {
	return frame.Bytes(r.alloc, r.base, r.size)
}

// CopyFrom overwrites r with the contents of src. If the sizes differ a
// warning is logged and only the common prefix is copied.
func (r *HostPhysicalRegion) CopyFrom(src *HostPhysicalRegion) {
	if r.size != src.size {
		log.Warningf("%v copying from %v with different sizes: %#x vs %#x", r, src, r.size, src.size)
	}
	copy(r.Bytes(), src.Bytes())
}

// checkRange validates [offset, offset+size) against the region.
func (r *HostPhysicalRegion) checkRange(offset, size uint64) error {
	if offset > r.size || size > r.size-offset {
		return errors.Errorf(errors.InvalidInput, "range [%#x, +%#x) exceeds %v", offset, size, r)
	}
	return nil
}

// CopyFromSlice copies size bytes from src into the region at offset.
func (r *HostPhysicalRegion) CopyFromSlice(src []byte, offset, size uint64) error {
	if err := r.checkRange(offset, size); err != nil {
		return err
	}
	if uint64(len(src)) < size {
		return errors.Errorf(errors.InvalidInput, "source holds %d bytes, want %d", len(src), size)
	}
	copy(r.Bytes()[offset:offset+size], src[:size])
	return nil
}

// CopyToSlice copies size bytes at offset in the region into dst.
func (r *HostPhysicalRegion) CopyToSlice(dst []byte, offset, size uint64) error {
	if err := r.checkRange(offset, size); err != nil {
		return err
	}
	if uint64(len(dst)) < size {
		return errors.Errorf(errors.InvalidInput, "destination holds %d bytes, want %d", len(dst), size)
	}
	copy(dst[:size], r.Bytes()[offset:offset+size])
	return nil
}

// Release returns the region's frames to the allocator. It panics if called
// more than once.
func (r *HostPhysicalRegion) Release() {
	if !r.released.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("%v released twice", r))
	}
	if log.IsLogging(log.Debug) {
		log.Debugf("Releasing %v", r)
	}
	r.alloc.DeallocFrames(r.base, r.size/hostarch.PageSize)
}

// Released reports whether Release has been called.
func (r *HostPhysicalRegion) Released() bool {
	return r.released.Load()
}
