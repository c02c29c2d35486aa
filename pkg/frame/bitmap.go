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
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"golang.org/x/sys/unix"
	"hvmem.dev/hvmem/pkg/hostarch"
	"hvmem.dev/hvmem/pkg/log"
	"hvmem.dev/hvmem/pkg/sync"
)

// DefaultPhysBase is the host physical address of the first frame when
// BitmapOpts.Base is not set.
const DefaultPhysBase hostarch.HostPhysAddr = 0x8000_0000

// BitmapOpts configures a BitmapAllocator.
type BitmapOpts struct {
	// Base is the host physical address of the first managed frame. It
	// must be page-aligned. Zero selects DefaultPhysBase.
	Base hostarch.HostPhysAddr

	// Size is the number of bytes managed. It is rounded up to PageSize.
	Size uint64
}

// BitmapAllocator manages a contiguous range of host physical frames with a
// bitmap, one bit per frame.
//
// Frame contents live in an anonymous host mapping created at construction;
// PhysToVirt returns addresses inside that mapping.
type BitmapAllocator struct {
	// mu protects the fields below.
	mu sync.SpinMutex

	// base is the physical address of frame 0.
	base hostarch.HostPhysAddr

	// frames is the number of managed frames.
	frames uint64

	// mem is the backing mapping.
	mem []byte

	// used has bit i set iff frame i is allocated.
	used *bitset.BitSet

	// hint is the frame index at which the next search starts.
	hint uint64

	stats Stats
}

var _ Allocator = (*BitmapAllocator)(nil)

// NewBitmapAllocator maps opts.Size bytes of host memory and returns an
// allocator managing it.
func NewBitmapAllocator(opts BitmapOpts) (*BitmapAllocator, error) {
	base := opts.Base
	if base == 0 {
		base = DefaultPhysBase
	}
	if !base.IsPageAligned() {
		return nil, fmt.Errorf("frame base %v is not page-aligned", base)
	}
	size, ok := hostarch.PageRoundUp(opts.Size)
	if !ok || size == 0 {
		return nil, fmt.Errorf("invalid frame arena size %#x", opts.Size)
	}
	if uint64(base)+size < uint64(base) {
		return nil, fmt.Errorf("frame arena [%v, +%#x) overflows", base, size)
	}
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("mapping %#x bytes for frames: %w", size, err)
	}
	frames := size / hostarch.PageSize
	log.Debugf("Frame allocator: %d frames at [%v, %v)", frames, base, base.Add(size))
	return &BitmapAllocator{
		base:   base,
		frames: frames,
		mem:    mem,
		used:   bitset.New(uint(frames)),
		stats:  Stats{TotalFrames: frames},
	}, nil
}

// AllocFrames implements Allocator.AllocFrames.
func (b *BitmapAllocator) AllocFrames(count uint64, alignPow2 uint64) (hostarch.HostPhysAddr, bool) {
	if alignPow2 < hostarch.PageSize {
		alignPow2 = hostarch.PageSize
	}
	if count == 0 || !hostarch.IsPowerOfTwo(alignPow2) {
		return 0, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if count > b.frames-b.stats.UsedFrames {
		b.stats.Failures++
		return 0, false
	}
	idx, ok := b.findLocked(b.hint, count, alignPow2)
	if !ok && b.hint != 0 {
		idx, ok = b.findLocked(0, count, alignPow2)
	}
	if !ok {
		b.stats.Failures++
		return 0, false
	}
	for i := idx; i < idx+count; i++ {
		b.used.Set(uint(i))
	}
	b.hint = idx + count
	if b.hint >= b.frames {
		b.hint = 0
	}
	b.stats.UsedFrames += count
	b.stats.Allocs++
	return b.base.Add(idx * hostarch.PageSize), true
}

// findLocked returns the index of the first run of count free frames at or
// after start whose physical address is aligned to align.
//
// Preconditions: b.mu is locked.
func (b *BitmapAllocator) findLocked(start, count, align uint64) (uint64, bool) {
	step := align / hostarch.PageSize
	// Index of the first frame whose physical address is aligned.
	first := uint64(0)
	if rem := uint64(b.base) % align; rem != 0 {
		first = (align - rem) / hostarch.PageSize
	}
	i := first
	if start > first {
		i = first + (start-first+step-1)/step*step
	}
	for i+count <= b.frames {
		next, found := b.used.NextSet(uint(i))
		if !found || uint64(next) >= i+count {
			return i, true
		}
		// Skip past the allocated frame to the next aligned index.
		i = first + (uint64(next)+1-first+step-1)/step*step
	}
	return 0, false
}

// DeallocFrames implements Allocator.DeallocFrames.
func (b *BitmapAllocator) DeallocFrames(base hostarch.HostPhysAddr, count uint64) {
	idx := b.index(base)
	if count == 0 || idx+count > b.frames {
		panic(fmt.Sprintf("DeallocFrames(%v, %d) outside of [%v, %v)", base, count, b.base, b.base.Add(b.frames*hostarch.PageSize)))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for i := idx; i < idx+count; i++ {
		if !b.used.Test(uint(i)) {
			panic(fmt.Sprintf("DeallocFrames(%v, %d): frame %v is not allocated", base, count, b.base.Add(i*hostarch.PageSize)))
		}
	}
	// The frames must go back to the host before they can be handed out
	// again, or the next owner's contents would be discarded.
	off := idx * hostarch.PageSize
	if err := unix.Madvise(b.mem[off:off+count*hostarch.PageSize], unix.MADV_DONTNEED); err != nil {
		log.Warningf("madvise(DONTNEED) on %v (%d frames) failed: %v", base, count, err)
	}
	for i := idx; i < idx+count; i++ {
		b.used.Clear(uint(i))
	}
	b.stats.UsedFrames -= count
	b.stats.Frees++
}

// Slice implements Allocator.Slice.
func (b *BitmapAllocator) Slice(pa hostarch.HostPhysAddr, length uint64) []byte {
	off := b.index(pa&^(hostarch.PageSize-1))*hostarch.PageSize + uint64(pa&(hostarch.PageSize-1))
	if length > uint64(len(b.mem))-off {
		panic(fmt.Sprintf("Slice(%v, %#x) runs past the end of the arena", pa, length))
	}
	return b.mem[off : off+length : off+length]
}

// index returns the frame index of pa.
func (b *BitmapAllocator) index(pa hostarch.HostPhysAddr) uint64 {
	if !pa.IsPageAligned() || pa < b.base || uint64(pa-b.base)/hostarch.PageSize >= b.frames {
		panic(fmt.Sprintf("physical address %v is not a managed frame", pa))
	}
	return uint64(pa-b.base) / hostarch.PageSize
}

// Stats returns a snapshot of the allocator counters.
func (b *BitmapAllocator) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Base returns the physical address of the first managed frame.
func (b *BitmapAllocator) Base() hostarch.HostPhysAddr {
	return b.base
}

// Close unmaps the backing memory. Frames still allocated are reported as
// leaked.
//
// Preconditions: no region, page table or address space uses b anymore.
func (b *BitmapAllocator) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mem == nil {
		return nil
	}
	if b.stats.UsedFrames != 0 {
		log.Warningf("Frame allocator closed with %d frames still allocated", b.stats.UsedFrames)
	}
	err := unix.Munmap(b.mem)
	b.mem = nil
	return err
}
