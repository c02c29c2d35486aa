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

// x86-64 first-level page table bits.
const (
	ptePresent      = 1 << 0
	pteWritable     = 1 << 1
	pteUser         = 1 << 2
	pteWriteThrough = 1 << 3
	pteNoCache      = 1 << 4
	pteAccessed     = 1 << 5
	pteDirty        = 1 << 6
	pteHugePage     = 1 << 7
	pteGlobal       = 1 << 8
	pteNoExecute    = 1 << 63

	pteAddrMask = 0x000f_ffff_ffff_f000
)

// EntriesPerTable is the number of entries in one table at any level.
const EntriesPerTable = 512

// P4Index returns the level-4 table index of va.
func P4Index(va hostarch.GuestVirtAddr) int {
	return int(va>>(hostarch.PageShift+27)) & (EntriesPerTable - 1)
}

// P3Index returns the level-3 table index of va.
func P3Index(va hostarch.GuestVirtAddr) int {
	return int(va>>(hostarch.PageShift+18)) & (EntriesPerTable - 1)
}

// P2Index returns the level-2 table index of va.
func P2Index(va hostarch.GuestVirtAddr) int {
	return int(va>>(hostarch.PageShift+9)) & (EntriesPerTable - 1)
}

// P1Index returns the level-1 table index of va.
func P1Index(va hostarch.GuestVirtAddr) int {
	return int(va>>hostarch.PageShift) & (EntriesPerTable - 1)
}

// GuestEntry is an x86-64 page table entry as written by a guest into its
// own tables. Addresses in it are guest-physical.
type GuestEntry uint64

// NewGuestPage returns a leaf entry mapping pa with flags.
func NewGuestPage(pa hostarch.GuestPhysAddr, flags hostarch.MappingFlags, huge bool) GuestEntry {
	var e GuestEntry
	e.SetPaddr(pa)
	e.SetFlags(flags, huge)
	return e
}

// NewGuestTable returns a non-leaf entry pointing at the table at pa.
func NewGuestTable(pa hostarch.GuestPhysAddr) GuestEntry {
	return GuestEntry(ptePresent|pteWritable|pteUser) | GuestEntry(uint64(pa)&pteAddrMask)
}

// Paddr returns the guest-physical address the entry refers to.
func (e GuestEntry) Paddr() hostarch.GuestPhysAddr {
	return hostarch.GuestPhysAddr(uint64(e) & pteAddrMask)
}

// Flags returns the mapping flags.
func (e GuestEntry) Flags() hostarch.MappingFlags {
	if !e.IsPresent() {
		return hostarch.NoAccess
	}
	f := hostarch.Read
	if e&pteWritable != 0 {
		f |= hostarch.Write
	}
	if e&pteNoExecute == 0 {
		f |= hostarch.Execute
	}
	if e&pteUser != 0 {
		f |= hostarch.User
	}
	switch {
	case e&(pteNoCache|pteWriteThrough) == pteNoCache|pteWriteThrough:
		f |= hostarch.Device
	case e&pteNoCache != 0:
		f |= hostarch.Uncached
	}
	return f
}

// SetPaddr replaces the address, keeping all other bits.
func (e *GuestEntry) SetPaddr(pa hostarch.GuestPhysAddr) {
	*e = *e&^pteAddrMask | GuestEntry(uint64(pa)&pteAddrMask)
}

// SetFlags replaces the flag bits, keeping the address.
func (e *GuestEntry) SetFlags(flags hostarch.MappingFlags, huge bool) {
	v := uint64(*e) & pteAddrMask
	if flags != hostarch.NoAccess {
		v |= ptePresent
		if flags.Contains(hostarch.Write) {
			v |= pteWritable
		}
		if !flags.Contains(hostarch.Execute) {
			v |= pteNoExecute
		}
		if flags.Contains(hostarch.User) {
			v |= pteUser
		}
		switch {
		case flags.Contains(hostarch.Device):
			v |= pteNoCache | pteWriteThrough
		case flags.Contains(hostarch.Uncached):
			v |= pteNoCache
		}
		if huge {
			v |= pteHugePage
		}
	}
	*e = GuestEntry(v)
}

// IsPresent returns true if the present bit is set.
func (e GuestEntry) IsPresent() bool {
	return e&ptePresent != 0
}

// IsHuge returns true if a level 2 or 3 entry maps a 2M or 1G page.
func (e GuestEntry) IsHuge() bool {
	return e&pteHugePage != 0
}

// IsUnused returns true if the entry is zero.
func (e GuestEntry) IsUnused() bool {
	return e == 0
}

// Clear zeroes the entry.
func (e *GuestEntry) Clear() {
	*e = 0
}

// Bits returns the raw entry.
func (e GuestEntry) Bits() uint64 {
	return uint64(e)
}

// String implements fmt.Stringer.String.
func (e GuestEntry) String() string {
	return fmt.Sprintf("GuestEntry{%v %v huge=%t raw=%#x}", e.Paddr(), e.Flags(), e.IsHuge(), uint64(e))
}
