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
	"runtime"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"hvmem.dev/hvmem/pkg/hostarch"
)

func newTestAllocator(t *testing.T, size uint64) *BitmapAllocator {
	t.Helper()
	b, err := NewBitmapAllocator(BitmapOpts{Size: size})
	if err != nil {
		t.Fatalf("NewBitmapAllocator failed: %v", err)
	}
	t.Cleanup(func() {
		if err := b.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return b
}

func TestAllocDealloc(t *testing.T) {
	b := newTestAllocator(t, 16*hostarch.PageSize)

	p1, ok := b.AllocFrames(1, hostarch.PageSize)
	if !ok {
		t.Fatalf("AllocFrames(1) failed")
	}
	p2, ok := b.AllocFrames(3, hostarch.PageSize)
	if !ok {
		t.Fatalf("AllocFrames(3) failed")
	}
	if p1 == p2 {
		t.Fatalf("two allocations returned the same base %v", p1)
	}
	if p1 < b.Base() || !p1.IsPageAligned() || !p2.IsPageAligned() {
		t.Errorf("allocations %v, %v are not aligned managed frames", p1, p2)
	}

	want := Stats{TotalFrames: 16, UsedFrames: 4, Allocs: 2}
	if diff := cmp.Diff(want, b.Stats()); diff != "" {
		t.Errorf("Stats mismatch (-want +got):\n%s", diff)
	}

	b.DeallocFrames(p2, 3)
	b.DeallocFrames(p1, 1)
	want = Stats{TotalFrames: 16, Allocs: 2, Frees: 2}
	if diff := cmp.Diff(want, b.Stats()); diff != "" {
		t.Errorf("Stats after free mismatch (-want +got):\n%s", diff)
	}
}

func TestExhaustion(t *testing.T) {
	b := newTestAllocator(t, 4*hostarch.PageSize)

	var got []hostarch.HostPhysAddr
	for i := 0; i < 4; i++ {
		pa, ok := b.AllocFrames(1, hostarch.PageSize)
		if !ok {
			t.Fatalf("AllocFrames #%d failed", i)
		}
		got = append(got, pa)
	}
	if _, ok := b.AllocFrames(1, hostarch.PageSize); ok {
		t.Errorf("AllocFrames succeeded on an exhausted allocator")
	}
	if s := b.Stats(); s.Failures != 1 {
		t.Errorf("Failures = %d, want 1", s.Failures)
	}

	// Freed frames become available again.
	b.DeallocFrames(got[2], 1)
	pa, ok := b.AllocFrames(1, hostarch.PageSize)
	if !ok || pa != got[2] {
		t.Errorf("AllocFrames after free = (%v, %t), want (%v, true)", pa, ok, got[2])
	}
	for _, pa := range got {
		b.DeallocFrames(pa, 1)
	}
}

func TestAlignedAlloc(t *testing.T) {
	b := newTestAllocator(t, 4*hostarch.HugePageSize)

	// Misalign the next free frame.
	small, ok := b.AllocFrames(1, hostarch.PageSize)
	if !ok {
		t.Fatalf("AllocFrames(1) failed")
	}
	huge, ok := b.AllocFrames(hostarch.HugePageSize/hostarch.PageSize, hostarch.HugePageSize)
	if !ok {
		t.Fatalf("AllocFrames(huge) failed")
	}
	if !huge.IsAligned(hostarch.HugePageSize) {
		t.Errorf("huge allocation %v is not 2M-aligned", huge)
	}
	if huge == small {
		t.Errorf("huge allocation overlaps the small one")
	}
	b.DeallocFrames(huge, hostarch.HugePageSize/hostarch.PageSize)
	b.DeallocFrames(small, 1)
}

func TestFrameContents(t *testing.T) {
	b := newTestAllocator(t, 4*hostarch.PageSize)

	pa, ok := b.AllocFrames(2, hostarch.PageSize)
	if !ok {
		t.Fatalf("AllocFrames failed")
	}
	buf := Bytes(b, pa, 2*hostarch.PageSize)
	for i := range buf {
		buf[i] = byte(i)
	}
	// (PageSize + 7) truncated to a byte.
	if got := Bytes(b, pa.Add(hostarch.PageSize+7), 1)[0]; got != 7 {
		t.Errorf("byte at offset %#x = %d, want 7", hostarch.PageSize+7, got)
	}
	Zero(b, pa, 2*hostarch.PageSize)
	for i, c := range buf {
		if c != 0 {
			t.Fatalf("byte %d = %d after Zero", i, c)
		}
	}
	b.DeallocFrames(pa, 2)
}

func TestSliceBounds(t *testing.T) {
	b := newTestAllocator(t, 2*hostarch.PageSize)
	pa, ok := b.AllocFrames(2, hostarch.PageSize)
	if !ok {
		t.Fatalf("AllocFrames failed")
	}
	defer b.DeallocFrames(pa, 2)

	if got := b.Slice(pa.Add(hostarch.PageSize-1), 2); len(got) != 2 || cap(got) != 2 {
		t.Errorf("Slice across frames has len, cap = %d, %d, want 2, 2", len(got), cap(got))
	}
	defer func() {
		if recover() == nil {
			t.Errorf("Slice past the arena did not panic")
		}
	}()
	b.Slice(pa.Add(hostarch.PageSize), hostarch.PageSize+1)
}

func TestReuseKeepsNewContents(t *testing.T) {
	const (
		workers = 4
		iters   = 200
	)
	// Fewer frames than workers, so freed frames are reused at once.
	b := newTestAllocator(t, 2*hostarch.PageSize)
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		pattern := byte(w + 1)
		g.Go(func() error {
			for i := 0; i < iters; i++ {
				pa, ok := b.AllocFrames(1, hostarch.PageSize)
				if !ok {
					i--
					runtime.Gosched()
					continue
				}
				buf := Bytes(b, pa, hostarch.PageSize)
				for j := range buf {
					buf[j] = pattern
				}
				runtime.Gosched()
				for j, c := range buf {
					if c != pattern {
						b.DeallocFrames(pa, 1)
						return fmt.Errorf("iteration %d: byte %d of %v = %d, want %d", i, j, pa, c, pattern)
					}
				}
				b.DeallocFrames(pa, 1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if used := b.Stats().UsedFrames; used != 0 {
		t.Errorf("UsedFrames = %d, want 0", used)
	}
}

func TestDoubleFreePanics(t *testing.T) {
	b := newTestAllocator(t, 2*hostarch.PageSize)

	pa, ok := b.AllocFrames(1, hostarch.PageSize)
	if !ok {
		t.Fatalf("AllocFrames failed")
	}
	b.DeallocFrames(pa, 1)
	defer func() {
		if recover() == nil {
			t.Errorf("second DeallocFrames did not panic")
		}
	}()
	b.DeallocFrames(pa, 1)
}

func TestPhysToVirtOutOfRangePanics(t *testing.T) {
	b := newTestAllocator(t, hostarch.PageSize)
	defer func() {
		if recover() == nil {
			t.Errorf("PhysToVirt outside the arena did not panic")
		}
	}()
	b.PhysToVirt(b.Base().Add(hostarch.PageSize))
}

func TestInvalidOpts(t *testing.T) {
	for _, opts := range []BitmapOpts{
		{Size: 0},
		{Base: 0x1001, Size: hostarch.PageSize},
	} {
		if _, err := NewBitmapAllocator(opts); err == nil {
			t.Errorf("NewBitmapAllocator(%+v) succeeded", opts)
		}
	}
}
