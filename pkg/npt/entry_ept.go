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

	"hvmem.dev/hvmem/pkg/hostarch"
)

// EPT entry bits.
const (
	eptRead       = 1 << 0
	eptWrite      = 1 << 1
	eptExecute    = 1 << 2
	eptMemShift   = 3
	eptMemMask    = 0x7 << eptMemShift
	eptIgnorePAT  = 1 << 6
	eptHugePage   = 1 << 7
	eptAccessed   = 1 << 8
	eptDirty      = 1 << 9
	eptDeviceSoft = 1 << 52 // Ignored by hardware.

	eptAddrMask = 0x000f_ffff_ffff_f000
)

// EPTEntry is an Intel extended page table entry.
type EPTEntry uint64

// NewEPTPage returns a leaf entry mapping pa with flags.
func NewEPTPage(pa hostarch.HostPhysAddr, flags hostarch.MappingFlags, huge bool) EPTEntry {
	var e EPTEntry
	e.SetPaddr(pa)
	e.SetFlags(flags, huge)
	return e
}

// NewEPTTable returns a non-leaf entry pointing at the table at pa.
func NewEPTTable(pa hostarch.HostPhysAddr) EPTEntry {
	return EPTEntry(eptRead|eptWrite|eptExecute) | EPTEntry(uint64(pa)&eptAddrMask)
}

// Paddr returns the address the entry refers to.
func (e EPTEntry) Paddr() hostarch.HostPhysAddr {
	return hostarch.HostPhysAddr(uint64(e) & eptAddrMask)
}

// Flags returns the mapping flags of a leaf entry.
func (e EPTEntry) Flags() hostarch.MappingFlags {
	if !e.IsPresent() {
		return hostarch.NoAccess
	}
	var f hostarch.MappingFlags
	if e&eptRead != 0 {
		f |= hostarch.Read
	}
	if e&eptWrite != 0 {
		f |= hostarch.Write
	}
	if e&eptExecute != 0 {
		f |= hostarch.Execute
	}
	switch {
	case e&eptDeviceSoft != 0:
		f |= hostarch.Device
	case (uint64(e)&eptMemMask)>>eptMemShift == hostarch.MemoryTypeUncached.EPTType():
		f |= hostarch.Uncached
	}
	return f
}

// SetPaddr replaces the address, keeping all other bits.
func (e *EPTEntry) SetPaddr(pa hostarch.HostPhysAddr) {
	*e = *e&^eptAddrMask | EPTEntry(uint64(pa)&eptAddrMask)
}

// SetFlags replaces the permission and memory-type bits, keeping the address.
func (e *EPTEntry) SetFlags(flags hostarch.MappingFlags, huge bool) {
	v := uint64(*e) & eptAddrMask
	if flags.Contains(hostarch.Read) {
		v |= eptRead
	}
	if flags.Contains(hostarch.Write) {
		v |= eptWrite
	}
	if flags.Contains(hostarch.Execute) {
		v |= eptExecute
	}
	if v&(eptRead|eptWrite|eptExecute) != 0 {
		v |= flags.MemoryType().EPTType() << eptMemShift
		if flags.Contains(hostarch.Device) {
			v |= eptDeviceSoft
		}
		if huge {
			v |= eptHugePage
		}
	}
	*e = EPTEntry(v)
}

// IsPresent returns true if any access right is granted.
func (e EPTEntry) IsPresent() bool {
	return e&(eptRead|eptWrite|eptExecute) != 0
}

// IsHuge returns true if a non-last-level entry maps a 2M or 1G page.
func (e EPTEntry) IsHuge() bool {
	return e&eptHugePage != 0
}

// IsUnused returns true if the entry is zero.
func (e EPTEntry) IsUnused() bool {
	return e == 0
}

// Clear zeroes the entry.
func (e *EPTEntry) Clear() {
	*e = 0
}

// Bits returns the raw entry.
func (e EPTEntry) Bits() uint64 {
	return uint64(e)
}

// String implements fmt.Stringer.String.
func (e EPTEntry) String() string {
	return fmt.Sprintf("EPT{%v %v huge=%t raw=%#x}", e.Paddr(), e.Flags(), e.IsHuge(), uint64(e))
}
