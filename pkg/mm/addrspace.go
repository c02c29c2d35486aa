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

// Package mm implements guest address spaces: sets of guest memory areas,
// each bound to a backend, populating one nested page table.
//
// Lock order:
//
//	AddrSpace.mu
//	  frame allocator locks
package mm

import (
	"fmt"
	"time"

	"github.com/google/btree"
	"hvmem.dev/hvmem/pkg/errors"
	"hvmem.dev/hvmem/pkg/frame"
	"hvmem.dev/hvmem/pkg/hostarch"
	"hvmem.dev/hvmem/pkg/log"
	"hvmem.dev/hvmem/pkg/npt"
	"hvmem.dev/hvmem/pkg/sync"
)

// DefaultFaultLogInterval is the minimum interval between logged fault
// failures of one address space.
const DefaultFaultLogInterval = time.Second

// Opts are address space options.
type Opts struct {
	// ProcessID is the id of the process owning the address space.
	ProcessID int

	// Encoding is the nested page table entry format.
	Encoding npt.Encoding

	// Levels is the nested page table depth.
	Levels int

	// FaultLogInterval rate-limits fault failure warnings. Zero means
	// DefaultFaultLogInterval.
	FaultLogInterval time.Duration
}

// Stats are address space counters.
type Stats struct {
	// Areas is the number of areas.
	Areas int

	// OwnedFrames is the number of pages backed by allocated frames.
	OwnedFrames int

	// SharedFrames is the number of those still marked copy-on-write.
	SharedFrames int

	// PageTables is the number of nested page table frames.
	PageTables uint64

	// Faults is the number of faults handled, successful or not.
	Faults uint64

	// FaultFailures is the number of faults that could not be resolved.
	FaultFailures uint64

	// FramesAllocated is the number of frames this space has allocated
	// for its pages, including copy-on-write copies.
	FramesAllocated uint64

	// COWCopied is the number of copy-on-write faults that copied a
	// frame.
	COWCopied uint64

	// COWReused is the number of copy-on-write faults that found the
	// frame no longer shared.
	COWReused uint64
}

// AddrSpace is a guest address space.
type AddrSpace struct {
	pid  int
	opts Opts

	// faultLog is the rate-limited logger for fault failures. It must be
	// used without mu held.
	faultLog log.Logger

	// mu protects the fields below. It is held across fault handling, so
	// it is a spin lock.
	mu sync.SpinMutex

	// areas is ordered by start address; areas never overlap.
	areas *btree.BTreeG[*Area]

	t     target
	stats Stats

	released bool
}

func areaLess(a, b *Area) bool {
	return a.Start() < b.Start()
}

// New returns an empty address space for process opts.ProcessID whose page
// table frames and Alloc pages come from a.
func New(a frame.Allocator, opts Opts) (*AddrSpace, error) {
	pt, err := npt.New(a, npt.Opts{Encoding: opts.Encoding, Levels: opts.Levels})
	if err != nil {
		return nil, fmt.Errorf("creating nested page table: %w", err)
	}
	if opts.FaultLogInterval == 0 {
		opts.FaultLogInterval = DefaultFaultLogInterval
	}
	as := &AddrSpace{
		pid:      opts.ProcessID,
		opts:     opts,
		faultLog: log.BasicRateLimitedLogger(opts.FaultLogInterval),
		areas:    btree.NewG[*Area](8, areaLess),
		t: target{
			alloc:  a,
			pt:     pt,
			frames: make(map[hostarch.GuestPhysAddr]*ownedFrame),
		},
	}
	as.t.stats = &as.stats
	log.Debugf("Address space for process %d: %d-level %v table at %v", as.pid, opts.Levels, opts.Encoding, pt.Root())
	return as, nil
}

// ProcessID returns the id of the owning process.
func (as *AddrSpace) ProcessID() int {
	return as.pid
}

// RootHPA returns the host-physical address of the nested page table root.
func (as *AddrSpace) RootHPA() hostarch.HostPhysAddr {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.checkLiveLocked()
	return as.t.pt.Root()
}

// checkLiveLocked panics if the address space was released.
//
// Preconditions: as.mu is locked.
func (as *AddrSpace) checkLiveLocked() {
	if as.released {
		panic(fmt.Sprintf("use of released address space of process %d", as.pid))
	}
}

// findLocked returns the area containing addr, or nil.
//
// Preconditions: as.mu is locked.
func (as *AddrSpace) findLocked(addr hostarch.GuestPhysAddr) *Area {
	var found *Area
	as.areas.DescendLessOrEqual(&Area{ar: hostarch.AddrRange{Start: addr, End: addr}}, func(a *Area) bool {
		if a.Range().Contains(addr) {
			found = a
		}
		return false
	})
	return found
}

// overlappingLocked returns the areas intersecting ar, in address order.
//
// Preconditions: as.mu is locked.
func (as *AddrSpace) overlappingLocked(ar hostarch.AddrRange) []*Area {
	var out []*Area
	if a := as.findLocked(ar.Start); a != nil {
		out = append(out, a)
	}
	as.areas.AscendRange(&Area{ar: hostarch.AddrRange{Start: ar.Start + 1}}, &Area{ar: hostarch.AddrRange{Start: ar.End}}, func(a *Area) bool {
		out = append(out, a)
		return true
	})
	return out
}

// checkRange validates a page-aligned, non-empty, non-wrapping range.
func checkRange(start hostarch.GuestPhysAddr, size uint64) (hostarch.AddrRange, error) {
	ar, ok := start.ToRange(size)
	if !ok || size == 0 || !ar.IsPageAligned() {
		return ar, errors.Errorf(errors.InvalidInput, "range [%v, +%#x) is empty, unaligned or wraps", start, size)
	}
	return ar, nil
}

// Map adds the area [start, start+size) with the given flags and backend,
// and lets the backend populate it.
//
// It fails with ErrAlreadyMapped if the range overlaps an existing area.
func (as *AddrSpace) Map(start hostarch.GuestPhysAddr, size uint64, flags hostarch.MappingFlags, b Backend) error {
	ar, err := checkRange(start, size)
	if err != nil {
		return err
	}
	if !flags.Any() {
		return errors.Errorf(errors.InvalidInput, "area %v has no access rights", ar)
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	as.checkLiveLocked()

	if ov := as.overlappingLocked(ar); len(ov) != 0 {
		return errors.Errorf(errors.AlreadyMapped, "%v overlaps area %v", ar, ov[0])
	}
	if err := b.mapRange(&as.t, start, size, flags); err != nil {
		return err
	}
	as.areas.ReplaceOrInsert(NewArea(start, size, flags, b))
	return nil
}

// MapLinear is Map with a Linear backend.
func (as *AddrSpace) MapLinear(start hostarch.GuestPhysAddr, size uint64, flags hostarch.MappingFlags, offset uint64) error {
	return as.Map(start, size, flags, Linear{Offset: offset})
}

// MapAlloc is Map with an Alloc backend.
func (as *AddrSpace) MapAlloc(start hostarch.GuestPhysAddr, size uint64, flags hostarch.MappingFlags, populate bool) error {
	return as.Map(start, size, flags, Alloc{Populate: populate})
}

// Unmap removes [start, start+size) from the address space. Areas partially
// inside the range are shrunk or split; only the removed part is
// depopulated. Parts of the range with no area are ignored.
func (as *AddrSpace) Unmap(start hostarch.GuestPhysAddr, size uint64) error {
	ar, err := checkRange(start, size)
	if err != nil {
		return err
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	as.checkLiveLocked()
	return as.unmapLocked(ar)
}

// unmapLocked implements Unmap.
//
// Preconditions: as.mu is locked.
func (as *AddrSpace) unmapLocked(ar hostarch.AddrRange) error {
	for _, a := range as.overlappingLocked(ar) {
		cut := a.Range().Intersect(ar)
		if err := a.Backend().unmapRange(&as.t, cut.Start, cut.Length()); err != nil {
			return err
		}
		as.areas.Delete(a)
		switch {
		case cut == a.Range():
			// Whole area.
		case cut.Start == a.Start():
			a.ShrinkLeft(a.Size() - cut.Length())
			as.areas.ReplaceOrInsert(a)
		case cut.End == a.End():
			a.ShrinkRight(a.Size() - cut.Length())
			as.areas.ReplaceOrInsert(a)
		default:
			tail := a.Split(cut.End)
			a.ShrinkRight(uint64(cut.Start - a.Start()))
			as.areas.ReplaceOrInsert(a)
			as.areas.ReplaceOrInsert(tail)
		}
	}
	return nil
}

// splitAtLocked splits the area containing addr, if any, so that an area
// starts at addr.
//
// Preconditions: as.mu is locked.
func (as *AddrSpace) splitAtLocked(addr hostarch.GuestPhysAddr) {
	a := as.findLocked(addr)
	if a == nil {
		return
	}
	if tail := a.Split(addr); tail != nil {
		as.areas.ReplaceOrInsert(tail)
	}
}

// Protect changes the flags of [start, start+size), which must be entirely
// covered by areas. Present pages are updated; pages shared copy-on-write
// stay read-only until written.
func (as *AddrSpace) Protect(start hostarch.GuestPhysAddr, size uint64, flags hostarch.MappingFlags) error {
	ar, err := checkRange(start, size)
	if err != nil {
		return err
	}
	if !flags.Any() {
		return errors.Errorf(errors.InvalidInput, "protecting %v with no access rights", ar)
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	as.checkLiveLocked()

	next := ar.Start
	for _, a := range as.overlappingLocked(ar) {
		if a.Start() > next {
			break
		}
		next = a.End()
	}
	if next < ar.End {
		return errors.Errorf(errors.NotMapped, "%v is not covered by areas", ar)
	}

	as.splitAtLocked(ar.Start)
	as.splitAtLocked(ar.End)
	for _, a := range as.overlappingLocked(ar) {
		a.setFlags(flags)
	}
	if err := as.t.pt.Protect(ar.Start, ar.Length(), flags); err != nil {
		return err
	}
	if !flags.Contains(hostarch.Write) {
		return nil
	}
	for page, of := range as.t.frames {
		if of.cow && ar.Contains(page) {
			if err := as.t.pt.Protect(page, hostarch.PageSize, flags.Without(hostarch.Write)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Fault resolves a nested page fault at addr for the given access.
func (as *AddrSpace) Fault(addr hostarch.GuestPhysAddr, access hostarch.MappingFlags) error {
	as.mu.Lock()
	as.checkLiveLocked()
	as.stats.Faults++
	var err error
	if a := as.findLocked(addr); a == nil {
		err = errors.Errorf(errors.NotMapped, "fault at %v (%v) outside any area", addr, access)
	} else {
		err = a.Backend().fault(&as.t, addr, access, a.Flags())
	}
	if err != nil {
		as.stats.FaultFailures++
	}
	as.mu.Unlock()

	if err != nil {
		as.faultLog.Warningf("Process %d: unresolved fault: %v", as.pid, err)
	}
	return err
}

// HandlePageFault resolves a nested page fault at addr for the given access
// and reports whether the guest may be resumed.
func (as *AddrSpace) HandlePageFault(addr hostarch.GuestPhysAddr, access hostarch.MappingFlags) bool {
	return as.Fault(addr, access) == nil
}

// Translate returns the host-physical address and flags gpa maps to.
func (as *AddrSpace) Translate(gpa hostarch.GuestPhysAddr) (hostarch.HostPhysAddr, hostarch.MappingFlags, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.checkLiveLocked()
	return as.t.pt.Translate(gpa)
}

// Areas returns a snapshot of the areas in address order.
func (as *AddrSpace) Areas() []Area {
	as.mu.Lock()
	defer as.mu.Unlock()
	out := make([]Area, 0, as.areas.Len())
	as.areas.Ascend(func(a *Area) bool {
		out = append(out, *a)
		return true
	})
	return out
}

// OwnedFrames returns the number of pages backed by allocated frames.
func (as *AddrSpace) OwnedFrames() int {
	as.mu.Lock()
	defer as.mu.Unlock()
	return len(as.t.frames)
}

// Stats returns a snapshot of the address space counters.
func (as *AddrSpace) Stats() Stats {
	as.mu.Lock()
	defer as.mu.Unlock()
	s := as.stats
	s.Areas = as.areas.Len()
	s.OwnedFrames = len(as.t.frames)
	for _, of := range as.t.frames {
		if of.cow {
			s.SharedFrames++
		}
	}
	if !as.released {
		s.PageTables = as.t.pt.Tables()
	}
	return s
}

// Fork returns a copy of the address space for process pid.
//
// Linear areas are mapped identically. Present Alloc pages are shared
// copy-on-write: both spaces map the frame read-only and the first write
// from either side gives it a private copy. Absent Alloc pages stay absent
// in both.
func (as *AddrSpace) Fork(pid int) (*AddrSpace, error) {
	if pid == as.pid {
		return nil, errors.Errorf(errors.InvalidInput, "fork of process %d to the same id", pid)
	}
	opts := as.opts
	opts.ProcessID = pid
	child, err := New(as.t.alloc, opts)
	if err != nil {
		return nil, err
	}

	as.mu.Lock()
	as.checkLiveLocked()
	child.mu.Lock()
	var marked []hostarch.GuestPhysAddr
	as.areas.Ascend(func(a *Area) bool {
		// The area goes in first so that a partial fork is unmapped by
		// clearLocked below.
		c := *a
		child.areas.ReplaceOrInsert(&c)
		err = a.Backend().fork(&as.t, &child.t, a, &marked)
		return err == nil
	})
	if err != nil {
		child.clearLocked()
		for _, page := range marked {
			as.t.unshare(page, as.findLocked(page).Flags())
		}
	}
	child.mu.Unlock()
	as.mu.Unlock()

	if err != nil {
		child.Release()
		return nil, fmt.Errorf("forking process %d into %d: %w", as.pid, pid, err)
	}
	log.Debugf("Forked process %d into %d", as.pid, pid)
	return child, nil
}

// Clear unmaps every area, releasing all owned frames. The page table
// remains usable.
func (as *AddrSpace) Clear() {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.checkLiveLocked()
	as.clearLocked()
}

// clearLocked implements Clear.
//
// Preconditions: as.mu is locked.
func (as *AddrSpace) clearLocked() {
	as.areas.Ascend(func(a *Area) bool {
		// Whole areas never need a huge leaf split, so this cannot fail.
		if err := a.Backend().unmapRange(&as.t, a.Start(), a.Size()); err != nil {
			panic(fmt.Sprintf("unmapping %v: %v", a, err))
		}
		return true
	})
	as.areas.Clear(false)
	if len(as.t.frames) != 0 {
		panic(fmt.Sprintf("%d frames still owned after clearing process %d", len(as.t.frames), as.pid))
	}
}

// Release unmaps everything and frees the page table. The address space
// must not be used afterwards.
func (as *AddrSpace) Release() {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.checkLiveLocked()
	as.clearLocked()
	as.t.pt.Destroy()
	as.released = true
	log.Debugf("Released address space of process %d", as.pid)
}
