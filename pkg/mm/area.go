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

	"hvmem.dev/hvmem/pkg/hostarch"
)

// Area is one contiguous guest-physical range with the flags and backend
// that apply to all of it.
//
// Area is pure bookkeeping: it never owns frames and its methods never touch
// a page table.
type Area struct {
	ar      hostarch.AddrRange
	flags   hostarch.MappingFlags
	backend Backend
}

// NewArea returns the area [start, start+size).
//
// Preconditions: size > 0 and start+size does not overflow.
func NewArea(start hostarch.GuestPhysAddr, size uint64, flags hostarch.MappingFlags, backend Backend) *Area {
	ar, ok := start.ToRange(size)
	if !ok || size == 0 {
		panic(fmt.Sprintf("invalid area [%v, +%#x)", start, size))
	}
	return &Area{ar: ar, flags: flags, backend: backend}
}

// Range returns the area's address range.
func (a *Area) Range() hostarch.AddrRange { return a.ar }

// Start returns the first address of the area.
func (a *Area) Start() hostarch.GuestPhysAddr { return a.ar.Start }

// End returns the first address past the area.
func (a *Area) End() hostarch.GuestPhysAddr { return a.ar.End }

// Size returns the area's length in bytes.
func (a *Area) Size() uint64 { return a.ar.Length() }

// Flags returns the area's declared mapping flags.
func (a *Area) Flags() hostarch.MappingFlags { return a.flags }

// Backend returns the area's backend.
func (a *Area) Backend() Backend { return a.backend }

// String implements fmt.Stringer.String.
func (a *Area) String() string {
	return fmt.Sprintf("%v %v %v", a.ar, a.flags, a.backend)
}

// ShrinkRight moves the end of the area back so that newSize bytes remain,
// and returns an area describing the vacated tail.
//
// Preconditions: 0 < newSize < a.Size().
func (a *Area) ShrinkRight(newSize uint64) *Area {
	if newSize == 0 || newSize >= a.Size() {
		panic(fmt.Sprintf("ShrinkRight(%#x) of %v", newSize, a))
	}
	// newSize < Size, so Start+newSize < End and cannot overflow.
	mid := a.ar.Start + hostarch.GuestPhysAddr(newSize)
	tail := &Area{ar: hostarch.AddrRange{Start: mid, End: a.ar.End}, flags: a.flags, backend: a.backend}
	a.ar.End = mid
	return tail
}

// ShrinkLeft moves the start of the area forward so that newSize bytes
// remain, and returns an area describing the vacated head.
//
// Preconditions: 0 < newSize < a.Size().
func (a *Area) ShrinkLeft(newSize uint64) *Area {
	if newSize == 0 || newSize >= a.Size() {
		panic(fmt.Sprintf("ShrinkLeft(%#x) of %v", newSize, a))
	}
	mid := a.ar.End - hostarch.GuestPhysAddr(newSize)
	head := &Area{ar: hostarch.AddrRange{Start: a.ar.Start, End: mid}, flags: a.flags, backend: a.backend}
	a.ar.Start = mid
	return head
}

// Split truncates the area to end at pos and returns [pos, old end). It
// returns nil, leaving the area unchanged, unless Start < pos < End.
func (a *Area) Split(pos hostarch.GuestPhysAddr) *Area {
	if pos <= a.ar.Start || pos >= a.ar.End {
		return nil
	}
	tail := &Area{ar: hostarch.AddrRange{Start: pos, End: a.ar.End}, flags: a.flags, backend: a.backend}
	a.ar.End = pos
	return tail
}

// setFlags replaces the area's flags.
func (a *Area) setFlags(flags hostarch.MappingFlags) {
	a.flags = flags
}
