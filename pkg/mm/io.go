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
	"encoding/binary"

	"hvmem.dev/hvmem/pkg/errors"
	"hvmem.dev/hvmem/pkg/frame"
	"hvmem.dev/hvmem/pkg/hostarch"
	"hvmem.dev/hvmem/pkg/npt"
)

// pageLocked returns the host-physical address backing page, resolving
// absent Alloc pages and, if write is set, copy-on-write sharing first.
//
// Preconditions: as.mu is locked. page is page-aligned.
func (as *AddrSpace) pageLocked(page hostarch.GuestPhysAddr, write bool) (hostarch.HostPhysAddr, error) {
	a := as.findLocked(page)
	if a == nil {
		return 0, errors.Errorf(errors.NotMapped, "%v is outside any area", page)
	}
	if _, err := as.t.pt.Query(page); err != nil {
		if err := a.Backend().fault(&as.t, page, a.Flags()&hostarch.AnyAccess, a.Flags()); err != nil {
			return 0, err
		}
	}
	if of, ok := as.t.frames[page]; ok && of.cow && write {
		if err := as.t.breakCOW(page, of, a.Flags()); err != nil {
			return 0, err
		}
	}
	hpa, _, err := as.t.pt.Translate(page)
	return hpa, err
}

// forEachPageLocked calls fn for each page-sized chunk of [gpa, gpa+n) with
// the host memory backing it and the offset of the chunk within n.
//
// Preconditions: as.mu is locked.
func (as *AddrSpace) forEachPageLocked(gpa hostarch.GuestPhysAddr, n uint64, write bool, fn func(b []byte, off uint64)) error {
	if _, ok := gpa.AddLength(n); !ok {
		return errors.Errorf(errors.InvalidInput, "[%v, +%#x) wraps", gpa, n)
	}
	for done := uint64(0); done < n; {
		addr := gpa + hostarch.GuestPhysAddr(done)
		chunk := min(hostarch.PageSize-addr.PageOffset(), n-done)
		hpa, err := as.pageLocked(addr.RoundDown(), write)
		if err != nil {
			return err
		}
		fn(frame.Bytes(as.t.alloc, hpa.Add(addr.PageOffset()), chunk), done)
		done += chunk
	}
	return nil
}

// CopyToGuest writes src to guest memory at gpa. Absent Alloc pages are
// allocated and shared pages are made private first.
//
// Every page touched must be host-accessible through the frame allocator,
// which holds for Alloc areas and for Linear areas over allocator memory.
func (as *AddrSpace) CopyToGuest(gpa hostarch.GuestPhysAddr, src []byte) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.checkLiveLocked()
	return as.forEachPageLocked(gpa, uint64(len(src)), true, func(b []byte, off uint64) {
		copy(b, src[off:])
	})
}

// CopyFromGuest reads len(dst) bytes of guest memory at gpa into dst.
func (as *AddrSpace) CopyFromGuest(gpa hostarch.GuestPhysAddr, dst []byte) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.checkLiveLocked()
	return as.forEachPageLocked(gpa, uint64(len(dst)), false, func(b []byte, off uint64) {
		copy(dst[off:], b)
	})
}

// ZeroRange zeroes size bytes of guest memory at gpa.
func (as *AddrSpace) ZeroRange(gpa hostarch.GuestPhysAddr, size uint64) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.checkLiveLocked()
	return as.forEachPageLocked(gpa, size, true, func(b []byte, _ uint64) {
		clear(b)
	})
}

// guestLevels is the depth of the guest's own x86-64 tables.
const guestLevels = 4

// TranslateGuestVirt walks the guest's first-level page tables rooted at
// cr3 to translate gva. The returned flags combine the restrictions of every
// level.
func (as *AddrSpace) TranslateGuestVirt(cr3 hostarch.GuestPhysAddr, gva hostarch.GuestVirtAddr) (hostarch.GuestPhysAddr, hostarch.MappingFlags, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.checkLiveLocked()

	indexes := [guestLevels]int{npt.P4Index(gva), npt.P3Index(gva), npt.P2Index(gva), npt.P1Index(gva)}
	table := cr3.RoundDown()
	allowed := hostarch.AnyAccess | hostarch.User
	var buf [8]byte
	for l, idx := range indexes {
		if err := as.forEachPageLocked(table+hostarch.GuestPhysAddr(idx*8), 8, false, func(b []byte, off uint64) {
			copy(buf[off:], b)
		}); err != nil {
			return 0, 0, err
		}
		e := npt.GuestEntry(binary.LittleEndian.Uint64(buf[:]))
		if !e.IsPresent() {
			return 0, 0, errors.Errorf(errors.NotMapped, "%v: level %d entry not present", gva, guestLevels-l)
		}
		flags := e.Flags()
		allowed &= flags | hostarch.Device | hostarch.Uncached
		last := l == guestLevels-1
		if huge := e.IsHuge() && (l == 1 || l == 2); huge || last {
			size := uint64(1) << (hostarch.PageShift + 9*(guestLevels-1-l))
			gpa := e.Paddr().AlignDown(size) + hostarch.GuestPhysAddr(uint64(gva)&(size-1))
			return gpa, flags & allowed, nil
		}
		table = e.Paddr()
	}
	panic("unreachable")
}
