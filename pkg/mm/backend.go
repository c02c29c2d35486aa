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

package mm

import (
	"fmt"

	"hvmem.dev/hvmem/pkg/errors"
	"hvmem.dev/hvmem/pkg/frame"
	"hvmem.dev/hvmem/pkg/hostarch"
	"hvmem.dev/hvmem/pkg/npt"
	"hvmem.dev/hvmem/pkg/region"
)

// Backend decides how the pages of an area come to be backed by host
// memory. The implementations are Linear and Alloc.
type Backend interface {
	fmt.Stringer

	// mapRange populates [start, start+size) according to the backend.
	mapRange(t *target, start hostarch.GuestPhysAddr, size uint64, flags hostarch.MappingFlags) error

	// unmapRange depopulates [start, start+size). Absent pages are
	// skipped.
	unmapRange(t *target, start hostarch.GuestPhysAddr, size uint64) error

	// fault resolves an access to addr with the given access rights.
	fault(t *target, addr hostarch.GuestPhysAddr, access, areaFlags hostarch.MappingFlags) error

	// fork reproduces the area in child. Parent pages it marks
	// copy-on-write are appended to marked.
	fork(parent, child *target, a *Area, marked *[]hostarch.GuestPhysAddr) error
}

// ownedFrame is an Alloc-backed page.
type ownedFrame struct {
	ref *region.Ref

	// cow is set while the frame may be shared with another address
	// space. The leaf is then installed without Write.
	cow bool
}

// target is the state a backend operates on: one nested page table and the
// frames owned through it.
//
// Preconditions: the owning AddrSpace's mu is held for every use.
type target struct {
	alloc  frame.Allocator
	pt     *npt.PageTable
	frames map[hostarch.GuestPhysAddr]*ownedFrame
	stats  *Stats
}

// release drops the frame at page and forgets it.
func (t *target) release(page hostarch.GuestPhysAddr) {
	of, ok := t.frames[page]
	if !ok {
		panic(fmt.Sprintf("releasing %v, which owns no frame", page))
	}
	delete(t.frames, page)
	of.ref.DecRef()
}

// Linear maps guest-physical addresses to host-physical ones at a fixed
// offset: hpa = gpa - Offset. The memory is owned elsewhere.
type Linear struct {
	// Offset is subtracted from a guest-physical address to obtain the
	// host-physical one.
	Offset uint64

	// AllowHuge permits 2M and 1G leaves where alignment allows.
	AllowHuge bool
}

// String implements fmt.Stringer.String.
func (l Linear) String() string {
	return fmt.Sprintf("Linear{offset=%#x}", l.Offset)
}

func (l Linear) mapRange(t *target, start hostarch.GuestPhysAddr, size uint64, flags hostarch.MappingFlags) error {
	if uint64(start) < l.Offset {
		return errors.Errorf(errors.InvalidInput, "%v is below the linear offset %#x", start, l.Offset)
	}
	return t.pt.MapRegion(start, start.LinearHostAddr(l.Offset), size, flags, l.AllowHuge)
}

func (l Linear) unmapRange(t *target, start hostarch.GuestPhysAddr, size uint64) error {
	return t.pt.UnmapRegion(start, size)
}

func (l Linear) fault(t *target, addr hostarch.GuestPhysAddr, access, areaFlags hostarch.MappingFlags) error {
	return errors.Errorf(errors.BadState, "fault at %v (%v) in a linear area", addr, access)
}

func (l Linear) fork(parent, child *target, a *Area, _ *[]hostarch.GuestPhysAddr) error {
	return l.mapRange(child, a.Start(), a.Size(), a.Flags())
}

// Alloc backs each page with its own zeroed frame from the allocator.
type Alloc struct {
	// Populate allocates every page when the area is mapped. Otherwise
	// pages are allocated by the first fault on them.
	Populate bool
}

// String implements fmt.Stringer.String.
func (b Alloc) String() string {
	return fmt.Sprintf("Alloc{populate=%t}", b.Populate)
}

func (b Alloc) mapRange(t *target, start hostarch.GuestPhysAddr, size uint64, flags hostarch.MappingFlags) error {
	if !b.Populate {
		return nil
	}
	if t.pt.AnyMapped(start, size) {
		return errors.Errorf(errors.AlreadyMapped, "[%v, +%#x) overlaps present entries", start, size)
	}
	for off := uint64(0); off < size; off += hostarch.PageSize {
		if err := t.installZeroed(start+hostarch.GuestPhysAddr(off), flags); err != nil {
			// Unwind this call's insertions.
			if uerr := b.unmapRange(t, start, off); uerr != nil {
				panic(fmt.Sprintf("unwinding [%v, +%#x): %v", start, off, uerr))
			}
			return err
		}
	}
	return nil
}

func (b Alloc) unmapRange(t *target, start hostarch.GuestPhysAddr, size uint64) error {
	return t.pt.UnmapRegionFunc(start, size, func(l npt.Leaf) {
		t.release(l.GPA)
	})
}

func (b Alloc) fault(t *target, addr hostarch.GuestPhysAddr, access, areaFlags hostarch.MappingFlags) error {
	rwx := access & hostarch.AnyAccess
	if !areaFlags.Contains(access.Access()) {
		return errors.Errorf(errors.InvalidInput, "%v access at %v exceeds area flags %v", access, addr, areaFlags)
	}
	page := addr.RoundDown()
	leaf, err := t.pt.Query(page)
	if err != nil {
		return t.installZeroed(page, areaFlags)
	}
	if leaf.Flags.Contains(rwx) {
		// Another vCPU resolved the fault first.
		return nil
	}
	of, ok := t.frames[page]
	if !ok || !of.cow || !rwx.Contains(hostarch.Write) {
		return errors.Errorf(errors.BadState, "%v access at %v denied by present entry %v", access, addr, leaf)
	}
	return t.breakCOW(page, of, areaFlags)
}

func (b Alloc) fork(parent, child *target, a *Area, marked *[]hostarch.GuestPhysAddr) error {
	var err error
	ro := a.Flags().Without(hostarch.Write)
	parent.pt.Walk(a.Start(), a.Size(), func(l npt.Leaf) {
		if err != nil {
			return
		}
		of := parent.frames[l.GPA]
		if err = child.pt.MapPage(l.GPA, l.HPA, hostarch.Size4K, ro); err != nil {
			return
		}
		of.ref.IncRef()
		child.frames[l.GPA] = &ownedFrame{ref: of.ref, cow: true}
		if of.cow {
			return
		}
		if a.Flags().Contains(hostarch.Write) {
			if err = parent.pt.Update(l.GPA, l.HPA, ro); err != nil {
				return
			}
		}
		of.cow = true
		*marked = append(*marked, l.GPA)
	})
	return err
}

// unshare undoes a fork's copy-on-write marking of page once no other
// address space holds its frame.
func (t *target) unshare(page hostarch.GuestPhysAddr, flags hostarch.MappingFlags) {
	of := t.frames[page]
	if of.ref.ReadRefs() != 1 {
		panic(fmt.Sprintf("unsharing %v, which still has %d holders", page, of.ref.ReadRefs()))
	}
	if err := t.pt.Update(page, of.ref.Base(), flags); err != nil {
		panic(fmt.Sprintf("restoring %v: %v", page, err))
	}
	of.cow = false
}

// installZeroed backs page with a new zeroed frame.
func (t *target) installZeroed(page hostarch.GuestPhysAddr, flags hostarch.MappingFlags) error {
	ref, err := region.AllocateRef(t.alloc, hostarch.PageSize, 0)
	if err != nil {
		return err
	}
	if err := t.pt.MapPage(page, ref.Base(), hostarch.Size4K, flags); err != nil {
		ref.DecRef()
		return err
	}
	t.frames[page] = &ownedFrame{ref: ref}
	t.stats.FramesAllocated++
	return nil
}

// breakCOW gives page a private, writable frame. If no other address space
// still holds the frame it is reused as is.
func (t *target) breakCOW(page hostarch.GuestPhysAddr, of *ownedFrame, flags hostarch.MappingFlags) error {
	if of.ref.ReadRefs() == 1 {
		if err := t.pt.Update(page, of.ref.Base(), flags); err != nil {
			return err
		}
		of.cow = false
		t.stats.COWReused++
		return nil
	}
	ref, err := region.AllocateRef(t.alloc, hostarch.PageSize, 0)
	if err != nil {
		return err
	}
	ref.CopyFrom(of.ref.HostPhysicalRegion)
	if err := t.pt.Update(page, ref.Base(), flags); err != nil {
		ref.DecRef()
		return err
	}
	t.frames[page] = &ownedFrame{ref: ref}
	of.ref.DecRef()
	t.stats.FramesAllocated++
	t.stats.COWCopied++
	return nil
}
