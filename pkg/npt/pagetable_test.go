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

package npt

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"hvmem.dev/hvmem/pkg/errors"
	"hvmem.dev/hvmem/pkg/frame"
	"hvmem.dev/hvmem/pkg/frame/frametest"
	"hvmem.dev/hvmem/pkg/hostarch"
)

const arenaSize = 256 * hostarch.PageSize

func newTable(t *testing.T, a frame.Allocator, enc Encoding, levels int) *PageTable {
	t.Helper()
	pt, err := New(a, Opts{Encoding: enc, Levels: levels})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() {
		if pt.Root() != 0 {
			pt.Destroy()
		}
	})
	return pt
}

// forEachEncoding runs fn against a fresh 4-level table of each hardware
// encoding.
func forEachEncoding(t *testing.T, fn func(t *testing.T, pt *PageTable)) {
	for _, enc := range []Encoding{EPT, Stage2} {
		t.Run(enc.String(), func(t *testing.T) {
			a := frametest.NewArena(t, arenaSize)
			fn(t, newTable(t, a, enc, Levels4))
		})
	}
}

func checkMappings(t *testing.T, pt *PageTable, want []Leaf) {
	t.Helper()
	var got []Leaf
	pt.Walk(0, ^uint64(0), func(l Leaf) {
		got = append(got, l)
	})
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mappings mismatch (-want +got):\n%s", diff)
	}
}

func TestUnmap(t *testing.T) {
	forEachEncoding(t, func(t *testing.T, pt *PageTable) {
		if err := pt.MapPage(0x400000, 42*hostarch.PageSize, hostarch.Size4K, hostarch.ReadWrite); err != nil {
			t.Fatalf("MapPage failed: %v", err)
		}
		leaf, err := pt.Unmap(0x400000)
		if err != nil {
			t.Fatalf("Unmap failed: %v", err)
		}
		if want := (Leaf{0x400000, 42 * hostarch.PageSize, hostarch.Size4K, hostarch.ReadWrite}); leaf != want {
			t.Errorf("Unmap = %v, want %v", leaf, want)
		}
		checkMappings(t, pt, nil)
		if got := pt.Tables(); got != 1 {
			t.Errorf("Tables() = %d after unmapping everything, want 1", got)
		}
	})
}

func TestReadOnly(t *testing.T) {
	forEachEncoding(t, func(t *testing.T, pt *PageTable) {
		if err := pt.MapPage(0x400000, 42*hostarch.PageSize, hostarch.Size4K, hostarch.Read); err != nil {
			t.Fatalf("MapPage failed: %v", err)
		}
		checkMappings(t, pt, []Leaf{
			{0x400000, 42 * hostarch.PageSize, hostarch.Size4K, hostarch.Read},
		})
	})
}

func TestSerialEntries(t *testing.T) {
	forEachEncoding(t, func(t *testing.T, pt *PageTable) {
		if err := pt.MapPage(0x400000, 42*hostarch.PageSize, hostarch.Size4K, hostarch.ReadWrite); err != nil {
			t.Fatalf("MapPage failed: %v", err)
		}
		if err := pt.MapPage(0x401000, 47*hostarch.PageSize, hostarch.Size4K, hostarch.AnyAccess); err != nil {
			t.Fatalf("MapPage failed: %v", err)
		}
		checkMappings(t, pt, []Leaf{
			{0x400000, 42 * hostarch.PageSize, hostarch.Size4K, hostarch.ReadWrite},
			{0x401000, 47 * hostarch.PageSize, hostarch.Size4K, hostarch.AnyAccess},
		})
	})
}

func TestSpanningEntries(t *testing.T) {
	forEachEncoding(t, func(t *testing.T, pt *PageTable) {
		// Two pages either side of a root entry boundary.
		if err := pt.MapRegion(0x00007efffffff000, 42*hostarch.PageSize, 2*hostarch.PageSize, hostarch.Read, false); err != nil {
			t.Fatalf("MapRegion failed: %v", err)
		}
		checkMappings(t, pt, []Leaf{
			{0x00007efffffff000, 42 * hostarch.PageSize, hostarch.Size4K, hostarch.Read},
			{0x00007f0000000000, 43 * hostarch.PageSize, hostarch.Size4K, hostarch.Read},
		})
	})
}

func TestAlreadyMapped(t *testing.T) {
	forEachEncoding(t, func(t *testing.T, pt *PageTable) {
		if err := pt.MapPage(0x400000, 0x1000, hostarch.Size4K, hostarch.Read); err != nil {
			t.Fatalf("MapPage failed: %v", err)
		}
		if err := pt.MapPage(0x400000, 0x2000, hostarch.Size4K, hostarch.Read); !errors.Is(err, errors.ErrAlreadyMapped) {
			t.Errorf("second MapPage = %v, want ErrAlreadyMapped", err)
		}
		// A huge leaf over existing small leaves.
		if err := pt.MapPage(0x400000, 0x200000, hostarch.Size2M, hostarch.Read); !errors.Is(err, errors.ErrAlreadyMapped) {
			t.Errorf("MapPage(2M) over a 4K leaf = %v, want ErrAlreadyMapped", err)
		}
		checkMappings(t, pt, []Leaf{
			{0x400000, 0x1000, hostarch.Size4K, hostarch.Read},
		})
	})
}

func TestMapRegionHuge(t *testing.T) {
	forEachEncoding(t, func(t *testing.T, pt *PageTable) {
		if err := pt.MapRegion(0x1ff000, 0x1ff000, hostarch.HugePageSize+2*hostarch.PageSize, hostarch.ReadWrite, true); err != nil {
			t.Fatalf("MapRegion failed: %v", err)
		}
		checkMappings(t, pt, []Leaf{
			{0x1ff000, 0x1ff000, hostarch.Size4K, hostarch.ReadWrite},
			{0x200000, 0x200000, hostarch.Size2M, hostarch.ReadWrite},
			{0x400000, 0x400000, hostarch.Size4K, hostarch.ReadWrite},
		})
		hpa, flags, err := pt.Translate(0x212345)
		if err != nil || hpa != 0x212345 || flags != hostarch.ReadWrite {
			t.Errorf("Translate(0x212345) = (%v, %v, %v), want (0x212345, rw, nil)", hpa, flags, err)
		}
	})
}

func TestMapRegion1G(t *testing.T) {
	forEachEncoding(t, func(t *testing.T, pt *PageTable) {
		if err := pt.MapRegion(hostarch.HugeHugePageSize, 2*hostarch.HugeHugePageSize, hostarch.HugeHugePageSize, hostarch.Read|hostarch.Device, true); err != nil {
			t.Fatalf("MapRegion failed: %v", err)
		}
		checkMappings(t, pt, []Leaf{
			{hostarch.HugeHugePageSize, 2 * hostarch.HugeHugePageSize, hostarch.Size1G, hostarch.Read | hostarch.Device},
		})
		// Root plus one table.
		if got := pt.Tables(); got != 2 {
			t.Errorf("Tables() = %d, want 2", got)
		}
	})
}

func TestMapRegionAllOrNothing(t *testing.T) {
	forEachEncoding(t, func(t *testing.T, pt *PageTable) {
		if err := pt.MapPage(0x403000, 0x9000, hostarch.Size4K, hostarch.Read); err != nil {
			t.Fatalf("MapPage failed: %v", err)
		}
		if err := pt.MapRegion(0x400000, 0x100000, 8*hostarch.PageSize, hostarch.ReadWrite, false); !errors.Is(err, errors.ErrAlreadyMapped) {
			t.Fatalf("MapRegion over a present page = %v, want ErrAlreadyMapped", err)
		}
		checkMappings(t, pt, []Leaf{
			{0x403000, 0x9000, hostarch.Size4K, hostarch.Read},
		})
	})
}

func TestMapRegionNoMemoryUnwinds(t *testing.T) {
	arena := frametest.NewArena(t, arenaSize)
	// The root and the three tables under the first 2M; the table for
	// the second 2M cannot be allocated.
	a := frametest.NewLimited(arena, 4)
	pt := newTable(t, a, EPT, Levels4)

	err := pt.MapRegion(0, 0x10000000, 2*hostarch.HugePageSize, hostarch.ReadWrite, false)
	if !errors.Is(err, errors.ErrNoMemory) {
		t.Fatalf("MapRegion = %v, want ErrNoMemory", err)
	}
	checkMappings(t, pt, nil)
	if got := pt.Tables(); got != 1 {
		t.Errorf("Tables() = %d after unwinding, want 1", got)
	}
}

func TestUnmapRegionSplitsHuge(t *testing.T) {
	forEachEncoding(t, func(t *testing.T, pt *PageTable) {
		if err := pt.MapPage(0x200000, 0x600000, hostarch.Size2M, hostarch.ReadWrite); err != nil {
			t.Fatalf("MapPage failed: %v", err)
		}
		var removed []Leaf
		if err := pt.UnmapRegionFunc(0x201000, hostarch.PageSize, func(l Leaf) { removed = append(removed, l) }); err != nil {
			t.Fatalf("UnmapRegionFunc failed: %v", err)
		}
		if want := []Leaf{{0x201000, 0x601000, hostarch.Size4K, hostarch.ReadWrite}}; !cmp.Equal(removed, want) {
			t.Errorf("removed %v, want %v", removed, want)
		}
		count := 0
		pt.Walk(0, ^uint64(0), func(l Leaf) {
			if l.Size != hostarch.Size4K {
				t.Errorf("leaf %v left unsplit", l)
			}
			count++
		})
		if count != EntriesPerTable-1 {
			t.Errorf("%d leaves after the split, want %d", count, EntriesPerTable-1)
		}
		if _, err := pt.Query(0x201000); !errors.Is(err, errors.ErrNotMapped) {
			t.Errorf("Query of the hole = %v, want ErrNotMapped", err)
		}
		hpa, _, err := pt.Translate(0x202010)
		if err != nil || hpa != 0x602010 {
			t.Errorf("Translate(0x202010) = (%v, %v), want 0x602010", hpa, err)
		}
	})
}

func TestUnmapRegionSkipsAbsent(t *testing.T) {
	forEachEncoding(t, func(t *testing.T, pt *PageTable) {
		if err := pt.MapPage(0x5000, 0x5000, hostarch.Size4K, hostarch.Read); err != nil {
			t.Fatalf("MapPage failed: %v", err)
		}
		for i := 0; i < 2; i++ {
			if err := pt.UnmapRegion(0, 0x10000); err != nil {
				t.Fatalf("UnmapRegion #%d failed: %v", i, err)
			}
		}
		checkMappings(t, pt, nil)
	})
}

func TestUnmapInsideHugeLeaf(t *testing.T) {
	forEachEncoding(t, func(t *testing.T, pt *PageTable) {
		if err := pt.MapPage(0x200000, 0x200000, hostarch.Size2M, hostarch.Read); err != nil {
			t.Fatalf("MapPage failed: %v", err)
		}
		if _, err := pt.Unmap(0x201000); !errors.Is(err, errors.ErrInvalidInput) {
			t.Errorf("Unmap inside a huge leaf = %v, want ErrInvalidInput", err)
		}
		if _, err := pt.Unmap(0x800000); !errors.Is(err, errors.ErrNotMapped) {
			t.Errorf("Unmap of an absent page = %v, want ErrNotMapped", err)
		}
	})
}

func TestProtect(t *testing.T) {
	forEachEncoding(t, func(t *testing.T, pt *PageTable) {
		if err := pt.MapRegion(0x10000, 0x20000, 3*hostarch.PageSize, hostarch.ReadWrite, false); err != nil {
			t.Fatalf("MapRegion failed: %v", err)
		}
		if err := pt.Protect(0x11000, hostarch.PageSize, hostarch.Read); err != nil {
			t.Fatalf("Protect failed: %v", err)
		}
		checkMappings(t, pt, []Leaf{
			{0x10000, 0x20000, hostarch.Size4K, hostarch.ReadWrite},
			{0x11000, 0x21000, hostarch.Size4K, hostarch.Read},
			{0x12000, 0x22000, hostarch.Size4K, hostarch.ReadWrite},
		})
		if err := pt.Protect(0x10000, hostarch.PageSize, hostarch.NoAccess); !errors.Is(err, errors.ErrInvalidInput) {
			t.Errorf("Protect with no access = %v, want ErrInvalidInput", err)
		}
	})
}

func TestUpdate(t *testing.T) {
	forEachEncoding(t, func(t *testing.T, pt *PageTable) {
		if err := pt.MapPage(0x10000, 0x20000, hostarch.Size4K, hostarch.Read); err != nil {
			t.Fatalf("MapPage failed: %v", err)
		}
		if err := pt.Update(0x10000, 0x30000, hostarch.ReadWrite); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		checkMappings(t, pt, []Leaf{
			{0x10000, 0x30000, hostarch.Size4K, hostarch.ReadWrite},
		})
		if err := pt.Update(0x11000, 0x30000, hostarch.ReadWrite); !errors.Is(err, errors.ErrNotMapped) {
			t.Errorf("Update of an absent page = %v, want ErrNotMapped", err)
		}
	})
}

func TestDestroyFreesTables(t *testing.T) {
	arena := frametest.NewArena(t, arenaSize)
	pt, err := New(arena, Opts{Encoding: EPT, Levels: Levels4})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	for _, gpa := range []hostarch.GuestPhysAddr{0x1000, 0x40000000, 0x8000000000} {
		if err := pt.MapPage(gpa, 0x1000, hostarch.Size4K, hostarch.Read); err != nil {
			t.Fatalf("MapPage(%v) failed: %v", gpa, err)
		}
	}
	if used := arena.Stats().UsedFrames; used != pt.Tables() {
		t.Errorf("allocator reports %d frames, table reports %d", used, pt.Tables())
	}
	pt.Destroy()
	if used := arena.Stats().UsedFrames; used != 0 {
		t.Errorf("%d frames in use after Destroy", used)
	}
}

func TestThreeLevelLimit(t *testing.T) {
	a := frametest.NewArena(t, arenaSize)
	pt := newTable(t, a, Stage2, Levels3)

	if got, want := pt.Limit(), hostarch.GuestPhysAddr(1)<<39; got != want {
		t.Errorf("Limit() = %v, want %v", got, want)
	}
	if err := pt.MapPage(1<<39, 0x1000, hostarch.Size4K, hostarch.Read); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("MapPage beyond the limit = %v, want ErrInvalidInput", err)
	}
	// Root entries of a 3-level table map 1G blocks.
	if err := pt.MapPage(0, 0, hostarch.Size1G, hostarch.Read); err != nil {
		t.Fatalf("MapPage(1G) failed: %v", err)
	}
	if got := pt.Tables(); got != 1 {
		t.Errorf("Tables() = %d, want 1", got)
	}
}

func TestMapPageArguments(t *testing.T) {
	forEachEncoding(t, func(t *testing.T, pt *PageTable) {
		for _, test := range []struct {
			name  string
			gpa   hostarch.GuestPhysAddr
			hpa   hostarch.HostPhysAddr
			size  hostarch.PageSizeClass
			flags hostarch.MappingFlags
		}{
			{"unaligned gpa", 0x1001, 0x1000, hostarch.Size4K, hostarch.Read},
			{"unaligned hpa", 0x1000, 0x1800, hostarch.Size4K, hostarch.Read},
			{"unaligned huge", 0x201000, 0x200000, hostarch.Size2M, hostarch.Read},
			{"no access", 0x1000, 0x1000, hostarch.Size4K, hostarch.NoAccess},
			{"bad size", 0, 0, hostarch.PageSizeClass(0x3000), hostarch.Read},
		} {
			if err := pt.MapPage(test.gpa, test.hpa, test.size, test.flags); !errors.Is(err, errors.ErrInvalidInput) {
				t.Errorf("%s: MapPage = %v, want ErrInvalidInput", test.name, err)
			}
		}
		checkMappings(t, pt, nil)
	})
}
