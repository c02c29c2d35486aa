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

// ARMv8 stage-2 descriptor bits.
const (
	s2Valid     = 1 << 0
	s2TableOrPg = 1 << 1 // Table at levels 0-2, page at level 3; clear for a block.
	s2AttrShift = 2
	s2AttrMask  = 0xf << s2AttrShift
	s2APRead    = 1 << 6
	s2APWrite   = 1 << 7
	s2ShInner   = 3 << 8
	s2AF        = 1 << 10
	s2XN        = 1 << 54

	s2AddrMask = 0x0000_ffff_ffff_f000
)

// Stage2Entry is an ARMv8 stage-2 translation table descriptor.
type Stage2Entry uint64

// NewStage2Page returns a page (or block, if huge) descriptor for pa.
func NewStage2Page(pa hostarch.HostPhysAddr, flags hostarch.MappingFlags, huge bool) Stage2Entry {
	var e Stage2Entry
	e.SetPaddr(pa)
	e.SetFlags(flags, huge)
	return e
}

// NewStage2Table returns a table descriptor pointing at pa.
func NewStage2Table(pa hostarch.HostPhysAddr) Stage2Entry {
	return Stage2Entry(s2Valid|s2TableOrPg) | Stage2Entry(uint64(pa)&s2AddrMask)
}

// Paddr returns the output address.
func (e Stage2Entry) Paddr() hostarch.HostPhysAddr {
	return hostarch.HostPhysAddr(uint64(e) & s2AddrMask)
}

// Flags returns the mapping flags of a page or block descriptor.
func (e Stage2Entry) Flags() hostarch.MappingFlags {
	if !e.IsPresent() {
		return hostarch.NoAccess
	}
	var f hostarch.MappingFlags
	if e&s2APRead != 0 {
		f |= hostarch.Read
	}
	if e&s2APWrite != 0 {
		f |= hostarch.Write
	}
	if e&s2XN == 0 {
		f |= hostarch.Execute
	}
	switch (uint64(e) & s2AttrMask) >> s2AttrShift {
	case hostarch.MemoryTypeDevice.Stage2Attr():
		f |= hostarch.Device
	case hostarch.MemoryTypeUncached.Stage2Attr():
		f |= hostarch.Uncached
	}
	return f
}

// SetPaddr replaces the output address, keeping all other bits.
func (e *Stage2Entry) SetPaddr(pa hostarch.HostPhysAddr) {
	*e = *e&^s2AddrMask | Stage2Entry(uint64(pa)&s2AddrMask)
}

// SetFlags replaces the attribute bits, keeping the address.
func (e *Stage2Entry) SetFlags(flags hostarch.MappingFlags, huge bool) {
	v := uint64(*e)&s2AddrMask | s2Valid | s2AF
	if !huge {
		v |= s2TableOrPg
	}
	if flags.Contains(hostarch.Read) {
		v |= s2APRead
	}
	if flags.Contains(hostarch.Write) {
		v |= s2APWrite
	}
	if !flags.Contains(hostarch.Execute) {
		v |= s2XN
	}
	mt := flags.MemoryType()
	v |= mt.Stage2Attr() << s2AttrShift
	if mt != hostarch.MemoryTypeDevice {
		v |= s2ShInner
	}
	if !flags.Any() {
		v = 0
	}
	*e = Stage2Entry(v)
}

// IsPresent returns true if the descriptor is valid.
func (e Stage2Entry) IsPresent() bool {
	return e&s2Valid != 0
}

// IsHuge returns true if a level 1 or 2 descriptor is a block. It is
// meaningless at level 3.
func (e Stage2Entry) IsHuge() bool {
	return e.IsPresent() && e&s2TableOrPg == 0
}

// IsUnused returns true if the descriptor is zero.
func (e Stage2Entry) IsUnused() bool {
	return e == 0
}

// Clear zeroes the descriptor.
func (e *Stage2Entry) Clear() {
	*e = 0
}

// Bits returns the raw descriptor.
func (e Stage2Entry) Bits() uint64 {
	return uint64(e)
}

// String implements fmt.Stringer.String.
func (e Stage2Entry) String() string {
	return fmt.Sprintf("Stage2{%v %v block=%t raw=%#x}", e.Paddr(), e.Flags(), e.IsHuge(), uint64(e))
}
