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
	"fmt"

	"hvmem.dev/hvmem/pkg/errors"
	"hvmem.dev/hvmem/pkg/frame"
	"hvmem.dev/hvmem/pkg/hostarch"
)

// Opts are page table options.
type Opts struct {
	// Encoding is the entry format. It must be set.
	Encoding Encoding

	// Levels is the table depth, Levels3 or Levels4.
	Levels int
}

// Leaf describes one present leaf entry.
type Leaf struct {
	// GPA is the first guest-physical address mapped by the leaf.
	GPA hostarch.GuestPhysAddr

	// HPA is the host-physical address GPA maps to.
	HPA hostarch.HostPhysAddr

	// Size is the leaf size.
	Size hostarch.PageSizeClass

	// Flags are the leaf's mapping flags.
	Flags hostarch.MappingFlags
}

// String implements fmt.Stringer.String.
func (l Leaf) String() string {
	return fmt.Sprintf("%v->%v %v %v", l.GPA, l.HPA, l.Size, l.Flags)
}

// PageTable is a nested page table.
//
// PageTable is not synchronized; callers must serialize all calls.
type PageTable struct {
	alloc  frame.Allocator
	enc    Encoding
	levels int

	// root is the top-level table, or zero after Destroy.
	root hostarch.HostPhysAddr

	// tables is the number of table frames in use, including root.
	tables uint64
}

// New allocates the root table of an empty page table.
func New(a frame.Allocator, opts Opts) (*PageTable, error) {
	if opts.Encoding == nil {
		return nil, errors.New(errors.InvalidInput, "page table encoding not set")
	}
	if opts.Levels != Levels3 && opts.Levels != Levels4 {
		return nil, errors.Errorf(errors.InvalidInput, "unsupported page table depth %d", opts.Levels)
	}
	p := &PageTable{
		alloc:  a,
		enc:    opts.Encoding,
		levels: opts.Levels,
	}
	root, err := p.allocTable()
	if err != nil {
		return nil, err
	}
	p.root = root
	return p, nil
}

// Root returns the host-physical address of the top-level table, as loaded
// into the EPT pointer or VTTBR.
func (p *PageTable) Root() hostarch.HostPhysAddr {
	return p.root
}

// Levels returns the table depth.
func (p *PageTable) Levels() int {
	return p.levels
}

// Encoding returns the entry format.
func (p *PageTable) Encoding() Encoding {
	return p.enc
}

// Tables returns the number of table frames in use.
func (p *PageTable) Tables() uint64 {
	return p.tables
}

// Limit returns the first guest-physical address the table cannot map.
func (p *PageTable) Limit() hostarch.GuestPhysAddr {
	return hostarch.GuestPhysAddr(1) << AddressBits(p.levels)
}

// shift returns the address shift of entries at level l, where 0 is the
// root.
func (p *PageTable) shift(l int) uint {
	return uint(hostarch.PageShift + 9*(p.levels-1-l))
}

// levelFor returns the level whose entries map size bytes.
func (p *PageTable) levelFor(size hostarch.PageSizeClass) (int, bool) {
	switch size {
	case hostarch.Size4K, hostarch.Size2M, hostarch.Size1G:
	default:
		return 0, false
	}
	for l := p.levels - 1; l >= 0; l-- {
		if uint64(1)<<p.shift(l) == uint64(size) {
			return l, true
		}
	}
	return 0, false
}

// isLeaf returns true if the present entry e at level l maps memory.
func (p *PageTable) isLeaf(e uint64, l int) bool {
	return l == p.levels-1 || p.enc.IsHuge(e)
}

// sizeAt returns the leaf size of level l.
func (p *PageTable) sizeAt(l int) hostarch.PageSizeClass {
	return hostarch.PageSizeClass(uint64(1) << p.shift(l))
}

func (p *PageTable) checkRange(gpa hostarch.GuestPhysAddr, size uint64) error {
	end, ok := gpa.AddLength(size)
	if !ok || end > p.Limit() {
		return errors.Errorf(errors.InvalidInput, "range [%v, +%#x) exceeds the %d-level address space", gpa, size, p.levels)
	}
	return nil
}

func (p *PageTable) allocTable() (hostarch.HostPhysAddr, error) {
	pa, ok := p.alloc.AllocFrames(1, hostarch.PageSize)
	if !ok {
		return 0, errors.New(errors.NoMemory, "allocating a page table frame")
	}
	frame.Zero(p.alloc, pa, hostarch.PageSize)
	p.tables++
	return pa, nil
}

func (p *PageTable) freeTable(pa hostarch.HostPhysAddr) {
	p.alloc.DeallocFrames(pa, 1)
	p.tables--
}

func (p *PageTable) child(e uint64) hostarch.HostPhysAddr {
	return hostarch.HostPhysAddr(p.enc.Paddr(e))
}

func (p *PageTable) checkLive() {
	if p.root == 0 {
		panic("use of a destroyed page table")
	}
}

// walkTo returns the entry for gpa at level target. With alloc set, missing
// intermediate tables are allocated; otherwise a missing table is
// ErrNotMapped. A leaf above target is ErrAlreadyMapped.
func (p *PageTable) walkTo(gpa hostarch.GuestPhysAddr, target int, alloc bool) (*uint64, error) {
	table := p.root
	for l := 0; ; l++ {
		e := &p.ptes(table)[(uint64(gpa)>>p.shift(l))&(EntriesPerTable-1)]
		if l == target {
			return e, nil
		}
		switch {
		case !p.enc.IsPresent(*e):
			if !alloc {
				return nil, errors.Errorf(errors.NotMapped, "%v", gpa)
			}
			pa, err := p.allocTable()
			if err != nil {
				return nil, err
			}
			*e = p.enc.NewTable(uint64(pa))
		case p.enc.IsHuge(*e):
			return nil, errors.Errorf(errors.AlreadyMapped, "%v is inside a %v leaf", gpa, p.sizeAt(l))
		}
		table = p.child(*e)
	}
}

// visitor is called for each present leaf by iterate. It may modify or clear
// the entry.
type visitor func(gpa uint64, size uint64, e *uint64)

// iterate calls fn for every present leaf intersecting [start, end) in the
// table at level l. If split is set, leaves only partially inside the range
// are first replaced with a table of smaller leaves. Child tables left empty
// are freed.
func (p *PageTable) iterate(table hostarch.HostPhysAddr, l int, start, end uint64, split bool, fn visitor) error {
	entries := p.ptes(table)
	shift := p.shift(l)
	size := uint64(1) << shift
	for addr := start; addr < end; {
		entryStart := addr &^ (size - 1)
		entryEnd := entryStart + size
		next := min(entryEnd, end)
		e := &entries[(addr>>shift)&(EntriesPerTable-1)]
		if !p.enc.IsPresent(*e) {
			addr = next
			continue
		}
		if p.isLeaf(*e, l) {
			if !split || (addr == entryStart && next == entryEnd) {
				fn(entryStart, size, e)
				addr = next
				continue
			}
			if err := p.split(e, l); err != nil {
				return err
			}
		}
		child := p.child(*e)
		err := p.iterate(child, l+1, addr, next, split, fn)
		if p.ptes(child).empty() {
			*e = 0
			p.freeTable(child)
		}
		if err != nil {
			return err
		}
		addr = next
	}
	return nil
}

// split replaces the huge leaf e at level l with a table of leaves one level
// down covering the same memory with the same flags.
func (p *PageTable) split(e *uint64, l int) error {
	pa, err := p.allocTable()
	if err != nil {
		return err
	}
	base := p.enc.Paddr(*e)
	flags := p.enc.Flags(*e)
	childSize := uint64(1) << p.shift(l+1)
	huge := l+1 != p.levels-1
	entries := p.ptes(pa)
	for i := range entries {
		entries[i] = p.enc.NewPage(base+uint64(i)*childSize, flags, huge)
	}
	*e = p.enc.NewTable(uint64(pa))
	return nil
}

// MapPage installs a single leaf of the given size mapping gpa to hpa.
//
// Both addresses must be aligned to size. It fails with ErrAlreadyMapped if
// any part of [gpa, gpa+size) is already mapped.
func (p *PageTable) MapPage(gpa hostarch.GuestPhysAddr, hpa hostarch.HostPhysAddr, size hostarch.PageSizeClass, flags hostarch.MappingFlags) error {
	p.checkLive()
	l, ok := p.levelFor(size)
	if !ok {
		return errors.Errorf(errors.InvalidInput, "%v leaves are not supported by %d-level tables", size, p.levels)
	}
	if !gpa.IsAligned(uint64(size)) || !hpa.IsAligned(uint64(size)) {
		return errors.Errorf(errors.InvalidInput, "%v -> %v is not %v-aligned", gpa, hpa, size)
	}
	if !flags.Any() {
		return errors.Errorf(errors.InvalidInput, "mapping %v with no access", gpa)
	}
	if err := p.checkRange(gpa, uint64(size)); err != nil {
		return err
	}
	e, err := p.walkTo(gpa, l, true)
	if err == nil && p.enc.IsPresent(*e) {
		err = errors.Errorf(errors.AlreadyMapped, "%v", gpa)
	}
	if err != nil {
		// Drop any tables allocated on the way down.
		p.prune(gpa, uint64(size))
		return err
	}
	*e = p.enc.NewPage(uint64(hpa), flags, l != p.levels-1)
	return nil
}

// prune frees empty tables under [gpa, gpa+size).
func (p *PageTable) prune(gpa hostarch.GuestPhysAddr, size uint64) {
	_ = p.iterate(p.root, 0, uint64(gpa), uint64(gpa)+size, false, func(uint64, uint64, *uint64) {})
}

// MapRegion maps [gpa, gpa+size) linearly to [hpa, hpa+size). If allowHuge
// is set, 2M and 1G leaves are used wherever both addresses are suitably
// aligned.
//
// The call is all-or-nothing: if any page is already mapped nothing is
// installed, and a failure part way through removes what was installed.
func (p *PageTable) MapRegion(gpa hostarch.GuestPhysAddr, hpa hostarch.HostPhysAddr, size uint64, flags hostarch.MappingFlags, allowHuge bool) error {
	p.checkLive()
	if !gpa.IsPageAligned() || !hpa.IsPageAligned() || size%hostarch.PageSize != 0 || size == 0 {
		return errors.Errorf(errors.InvalidInput, "[%v, +%#x) -> %v is not page-aligned", gpa, size, hpa)
	}
	if err := p.checkRange(gpa, size); err != nil {
		return err
	}
	if p.AnyMapped(gpa, size) {
		return errors.Errorf(errors.AlreadyMapped, "[%v, +%#x) overlaps present entries", gpa, size)
	}
	for off := uint64(0); off < size; {
		ps := hostarch.Size4K
		if allowHuge {
			for _, c := range []hostarch.PageSizeClass{hostarch.Size1G, hostarch.Size2M} {
				if _, ok := p.levelFor(c); ok && gpa.Add(off).IsAligned(uint64(c)) && hpa.Add(off).IsAligned(uint64(c)) && size-off >= uint64(c) {
					ps = c
					break
				}
			}
		}
		if err := p.MapPage(gpa.Add(off), hpa.Add(off), ps, flags); err != nil {
			if off != 0 {
				if uerr := p.UnmapRegion(gpa, off); uerr != nil {
					panic(fmt.Sprintf("unwinding [%v, +%#x): %v", gpa, off, uerr))
				}
			}
			return err
		}
		off += uint64(ps)
	}
	return nil
}

// AnyMapped returns true if any page of [gpa, gpa+size) has a present leaf.
func (p *PageTable) AnyMapped(gpa hostarch.GuestPhysAddr, size uint64) bool {
	p.checkLive()
	found := false
	_ = p.iterate(p.root, 0, uint64(gpa), p.clampEnd(gpa, size), false, func(uint64, uint64, *uint64) {
		found = true
	})
	return found
}

// Unmap removes the leaf that starts at gpa and returns what it mapped.
func (p *PageTable) Unmap(gpa hostarch.GuestPhysAddr) (Leaf, error) {
	p.checkLive()
	leaf, err := p.Query(gpa)
	if err != nil {
		return Leaf{}, err
	}
	if leaf.GPA != gpa {
		return Leaf{}, errors.Errorf(errors.InvalidInput, "%v is inside the %v leaf at %v", gpa, leaf.Size, leaf.GPA)
	}
	if err := p.UnmapRegion(gpa, uint64(leaf.Size)); err != nil {
		return Leaf{}, err
	}
	return leaf, nil
}

// UnmapRegion clears every leaf in [gpa, gpa+size), skipping absent pages,
// and frees tables left empty. Huge leaves straddling the range boundary are
// split first; apart from bad arguments that is the only way UnmapRegion
// can fail.
func (p *PageTable) UnmapRegion(gpa hostarch.GuestPhysAddr, size uint64) error {
	return p.UnmapRegionFunc(gpa, size, nil)
}

// UnmapRegionFunc is UnmapRegion calling fn, if not nil, with each leaf
// before it is cleared.
func (p *PageTable) UnmapRegionFunc(gpa hostarch.GuestPhysAddr, size uint64, fn func(Leaf)) error {
	p.checkLive()
	if !gpa.IsPageAligned() || size%hostarch.PageSize != 0 {
		return errors.Errorf(errors.InvalidInput, "[%v, +%#x) is not page-aligned", gpa, size)
	}
	if err := p.checkRange(gpa, size); err != nil {
		return err
	}
	return p.iterate(p.root, 0, uint64(gpa), uint64(gpa)+size, true, func(start, length uint64, e *uint64) {
		if fn != nil {
			fn(p.leaf(start, length, *e))
		}
		*e = 0
	})
}

// Protect replaces the flags of every leaf in [gpa, gpa+size).
func (p *PageTable) Protect(gpa hostarch.GuestPhysAddr, size uint64, flags hostarch.MappingFlags) error {
	p.checkLive()
	if !gpa.IsPageAligned() || size%hostarch.PageSize != 0 {
		return errors.Errorf(errors.InvalidInput, "[%v, +%#x) is not page-aligned", gpa, size)
	}
	if !flags.Any() {
		return errors.Errorf(errors.InvalidInput, "protecting [%v, +%#x) with no access", gpa, size)
	}
	if err := p.checkRange(gpa, size); err != nil {
		return err
	}
	return p.iterate(p.root, 0, uint64(gpa), uint64(gpa)+size, true, func(start, length uint64, e *uint64) {
		*e = p.enc.NewPage(p.enc.Paddr(*e), flags, length != hostarch.PageSize)
	})
}

// Update retargets the present 4K leaf at gpa to hpa with flags.
func (p *PageTable) Update(gpa hostarch.GuestPhysAddr, hpa hostarch.HostPhysAddr, flags hostarch.MappingFlags) error {
	p.checkLive()
	if !gpa.IsPageAligned() || !hpa.IsPageAligned() {
		return errors.Errorf(errors.InvalidInput, "%v -> %v is not page-aligned", gpa, hpa)
	}
	if !flags.Any() {
		return errors.Errorf(errors.InvalidInput, "updating %v with no access", gpa)
	}
	if err := p.checkRange(gpa, hostarch.PageSize); err != nil {
		return err
	}
	e, err := p.walkTo(gpa, p.levels-1, false)
	if err != nil {
		return err
	}
	if !p.enc.IsPresent(*e) {
		return errors.Errorf(errors.NotMapped, "%v", gpa)
	}
	*e = p.enc.NewPage(uint64(hpa), flags, false)
	return nil
}

// Query returns the leaf mapping gpa. Leaf.HPA is the translation of the
// leaf's first address; use Translate for gpa itself.
func (p *PageTable) Query(gpa hostarch.GuestPhysAddr) (Leaf, error) {
	p.checkLive()
	if gpa >= p.Limit() {
		return Leaf{}, errors.Errorf(errors.NotMapped, "%v is beyond the address space", gpa)
	}
	table := p.root
	for l := 0; l < p.levels; l++ {
		shift := p.shift(l)
		e := p.ptes(table)[(uint64(gpa)>>shift)&(EntriesPerTable-1)]
		if !p.enc.IsPresent(e) {
			break
		}
		if p.isLeaf(e, l) {
			return p.leaf(uint64(gpa)&^(uint64(1)<<shift-1), uint64(1)<<shift, e), nil
		}
		table = p.child(e)
	}
	return Leaf{}, errors.Errorf(errors.NotMapped, "%v", gpa)
}

// Translate returns the host-physical address gpa maps to.
func (p *PageTable) Translate(gpa hostarch.GuestPhysAddr) (hostarch.HostPhysAddr, hostarch.MappingFlags, error) {
	leaf, err := p.Query(gpa)
	if err != nil {
		return 0, 0, err
	}
	return leaf.HPA.Add(uint64(gpa - leaf.GPA)), leaf.Flags, nil
}

// Walk calls fn for every present leaf intersecting [gpa, gpa+size), in
// address order. Leaves are reported whole.
func (p *PageTable) Walk(gpa hostarch.GuestPhysAddr, size uint64, fn func(Leaf)) {
	p.checkLive()
	_ = p.iterate(p.root, 0, uint64(gpa), p.clampEnd(gpa, size), false, func(start, length uint64, e *uint64) {
		fn(p.leaf(start, length, *e))
	})
}

// clampEnd returns the end of [gpa, gpa+size) limited to the address space.
func (p *PageTable) clampEnd(gpa hostarch.GuestPhysAddr, size uint64) uint64 {
	end, ok := gpa.AddLength(size)
	if !ok || end > p.Limit() {
		end = p.Limit()
	}
	return uint64(end)
}

func (p *PageTable) leaf(start, length, e uint64) Leaf {
	return Leaf{
		GPA:   hostarch.GuestPhysAddr(start),
		HPA:   hostarch.HostPhysAddr(p.enc.Paddr(e)),
		Size:  hostarch.PageSizeClass(length),
		Flags: p.enc.Flags(e),
	}
}

// Destroy frees every table frame, including the root. Memory referenced by
// leaves is not touched; its owners release it.
func (p *PageTable) Destroy() {
	p.checkLive()
	p.destroy(p.root, 0)
	p.root = 0
	if p.tables != 0 {
		panic(fmt.Sprintf("%d page table frames unaccounted for after Destroy", p.tables))
	}
}

func (p *PageTable) destroy(table hostarch.HostPhysAddr, l int) {
	if l < p.levels-1 {
		for _, e := range p.ptes(table) {
			if p.enc.IsPresent(e) && !p.enc.IsHuge(e) {
				p.destroy(p.child(e), l+1)
			}
		}
	}
	p.freeTable(table)
}
