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

// Package hostarch contains the address types, page size constants and
// mapping permissions shared by the guest address-space packages.
//
// Guest-virtual, guest-physical, host-physical and host-virtual addresses
// are distinct types. There are no implicit conversions between them; each
// conversion is a named operation owned by the component that knows how to
// perform it (a linear offset, the frame allocator, or a page-table walk).
package hostarch

import "fmt"

const (
	// PageShift is the binary log of PageSize.
	PageShift = 12

	// PageSize is the frame size used by the frame allocator.
	PageSize = 1 << PageShift

	// HugePageShift is the binary log of HugePageSize.
	HugePageShift = 21

	// HugePageSize is the size of a level-2 leaf.
	HugePageSize = 1 << HugePageShift

	// HugeHugePageShift is the binary log of HugeHugePageSize.
	HugeHugePageShift = 30

	// HugeHugePageSize is the size of a level-3 leaf.
	HugeHugePageSize = 1 << HugeHugePageShift
)

// PageSizeClass identifies the size of a leaf mapping.
type PageSizeClass uint64

const (
	// Size4K is a regular frame-sized leaf.
	Size4K PageSizeClass = PageSize

	// Size2M is a huge leaf installed one level above the last.
	Size2M PageSizeClass = HugePageSize

	// Size1G is a huge leaf installed two levels above the last.
	Size1G PageSizeClass = HugeHugePageSize
)

// IsHuge returns true if this is not a regular page.
func (s PageSizeClass) IsHuge() bool {
	return s != Size4K
}

// String implements fmt.Stringer.String.
func (s PageSizeClass) String() string {
	switch s {
	case Size4K:
		return "4K"
	case Size2M:
		return "2M"
	case Size1G:
		return "1G"
	default:
		return fmt.Sprintf("%#x", uint64(s))
	}
}

// GuestVirtAddr is an address in a guest's own first-level address space.
type GuestVirtAddr uint64

// GuestPhysAddr is an address in guest-physical memory, i.e. the input of the
// nested page table.
type GuestPhysAddr uint64

// HostPhysAddr is a host physical address handed out by the frame allocator.
type HostPhysAddr uint64

// HostVirtAddr is the hypervisor's own view of a host physical address.
type HostVirtAddr uintptr

// String implements fmt.Stringer.String.
func (v GuestVirtAddr) String() string {
	return fmt.Sprintf("GVA:%#x", uint64(v))
}

// String implements fmt.Stringer.String.
func (v GuestPhysAddr) String() string {
	return fmt.Sprintf("GPA:%#x", uint64(v))
}

// String implements fmt.Stringer.String.
func (v HostPhysAddr) String() string {
	return fmt.Sprintf("HPA:%#x", uint64(v))
}

// String implements fmt.Stringer.String.
func (v HostVirtAddr) String() string {
	return fmt.Sprintf("HVA:%#x", uintptr(v))
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (v GuestPhysAddr) RoundDown() GuestPhysAddr {
	return v &^ (PageSize - 1)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v GuestPhysAddr) RoundUp() (addr GuestPhysAddr, ok bool) {
	addr = (v + PageSize - 1).RoundDown()
	ok = addr >= v
	return
}

// AlignDown rounds v down to a multiple of align, which must be a power of 2.
func (v GuestPhysAddr) AlignDown(align uint64) GuestPhysAddr {
	return v &^ GuestPhysAddr(align-1)
}

// IsAligned returns true if v is a multiple of align, which must be a power
// of 2.
func (v GuestPhysAddr) IsAligned(align uint64) bool {
	return uint64(v)&(align-1) == 0
}

// IsPageAligned returns true if v is aligned to a page boundary.
func (v GuestPhysAddr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// PageOffset returns the offset of v into the current page.
func (v GuestPhysAddr) PageOffset() uint64 {
	return uint64(v & (PageSize - 1))
}

// AddLength adds the given length to start and returns the result. ok is
// true iff adding the length did not overflow the range of GuestPhysAddr.
//
// Note: This function is usually used to get the end of an address range
// defined by its start address and length. Since the resulting end is
// exclusive, end == 0 is technically valid, and corresponds to a range that
// extends to the end of the address space, but ok will be false. This isn't
// expected to ever come up in practice.
func (v GuestPhysAddr) AddLength(length uint64) (end GuestPhysAddr, ok bool) {
	end = v + GuestPhysAddr(length)
	ok = end >= v
	return
}

// ToRange returns [v, v+length).
func (v GuestPhysAddr) ToRange(length uint64) (AddrRange, bool) {
	end, ok := v.AddLength(length)
	return AddrRange{v, end}, ok
}

// Add returns v advanced by off bytes. Callers check for overflow with
// AddLength first.
func (v GuestPhysAddr) Add(off uint64) GuestPhysAddr {
	return v + GuestPhysAddr(off)
}

// LinearHostAddr returns the host physical address that v maps to under a
// linear mapping with the given guest-minus-host offset.
func (v GuestPhysAddr) LinearHostAddr(offset uint64) HostPhysAddr {
	return HostPhysAddr(uint64(v) - offset)
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (v GuestVirtAddr) RoundDown() GuestVirtAddr {
	return v &^ (PageSize - 1)
}

// PageOffset returns the offset of v into the current page.
func (v GuestVirtAddr) PageOffset() uint64 {
	return uint64(v & (PageSize - 1))
}

// IsPageAligned returns true if v is aligned to a page boundary.
func (v HostPhysAddr) IsPageAligned() bool {
	return v&(PageSize-1) == 0
}

// IsAligned returns true if v is a multiple of align, which must be a power
// of 2.
func (v HostPhysAddr) IsAligned(align uint64) bool {
	return uint64(v)&(align-1) == 0
}

// Add returns v advanced by off bytes.
func (v HostPhysAddr) Add(off uint64) HostPhysAddr {
	return v + HostPhysAddr(off)
}

// Add returns v advanced by off bytes.
func (v HostVirtAddr) Add(off uint64) HostVirtAddr {
	return v + HostVirtAddr(off)
}

// PageRoundUp rounds n up to a multiple of PageSize. ok is false if the
// result would overflow.
func PageRoundUp(n uint64) (uint64, bool) {
	r := (n + PageSize - 1) &^ (PageSize - 1)
	return r, r >= n
}

// IsPowerOfTwo returns true if n is a non-zero power of 2.
func IsPowerOfTwo(n uint64) bool {
	return n != 0 && n&(n-1) == 0
}
