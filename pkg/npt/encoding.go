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

// Package npt implements nested page tables: the second-level translation
// from guest-physical to host-physical addresses, held in frames obtained
// from a frame.Allocator.
//
// The hardware entry format is an Encoding injected at construction. EPT
// (Intel) and Stage2 (ARMv8) are provided; Guest describes the guest's own
// x86-64 first-level tables and is used to walk them.
package npt

import (
	"fmt"

	"hvmem.dev/hvmem/pkg/hostarch"
)

// Encoding converts between mapping descriptions and raw entry bits.
//
// Leaf and table entries share a format at every level. Whether a present
// entry above the last level is a leaf is reported by IsHuge.
type Encoding interface {
	fmt.Stringer

	// NewPage returns a leaf entry mapping pa with flags. huge is set for
	// leaves above the last level.
	NewPage(pa uint64, flags hostarch.MappingFlags, huge bool) uint64

	// NewTable returns an entry pointing at the next-level table at pa.
	NewTable(pa uint64) uint64

	// Paddr returns the address held by an entry.
	Paddr(bits uint64) uint64

	// Flags returns the mapping flags held by a leaf entry.
	Flags(bits uint64) hostarch.MappingFlags

	// IsPresent returns true if the entry is valid.
	IsPresent(bits uint64) bool

	// IsHuge returns true if a present entry above the last level is a
	// leaf.
	IsHuge(bits uint64) bool
}

// Provided encodings.
var (
	EPT    Encoding = eptEncoding{}
	Stage2 Encoding = stage2Encoding{}
	Guest  Encoding = guestEncoding{}
)

// EncodingByName returns the encoding called name ("ept", "stage2" or
// "guest").
func EncodingByName(name string) (Encoding, error) {
	for _, e := range []Encoding{EPT, Stage2, Guest} {
		if e.String() == name {
			return e, nil
		}
	}
	return nil, fmt.Errorf("unknown page table encoding %q", name)
}

type eptEncoding struct{}

func (eptEncoding) String() string { return "ept" }

func (eptEncoding) NewPage(pa uint64, flags hostarch.MappingFlags, huge bool) uint64 {
	return NewEPTPage(hostarch.HostPhysAddr(pa), flags, huge).Bits()
}

func (eptEncoding) NewTable(pa uint64) uint64 {
	return NewEPTTable(hostarch.HostPhysAddr(pa)).Bits()
}

func (eptEncoding) Paddr(bits uint64) uint64 { return uint64(EPTEntry(bits).Paddr()) }
func (eptEncoding) Flags(bits uint64) hostarch.MappingFlags { return EPTEntry(bits).Flags() }
func (eptEncoding) IsPresent(bits uint64) bool { return EPTEntry(bits).IsPresent() }
func (eptEncoding) IsHuge(bits uint64) bool { return EPTEntry(bits).IsHuge() }

type stage2Encoding struct{}

func (stage2Encoding) String() string { return "stage2" }

func (stage2Encoding) NewPage(pa uint64, flags hostarch.MappingFlags, huge bool) uint64 {
	return NewStage2Page(hostarch.HostPhysAddr(pa), flags, huge).Bits()
}

func (stage2Encoding) NewTable(pa uint64) uint64 {
	return NewStage2Table(hostarch.HostPhysAddr(pa)).Bits()
}

func (stage2Encoding) Paddr(bits uint64) uint64 { return uint64(Stage2Entry(bits).Paddr()) }
func (stage2Encoding) Flags(bits uint64) hostarch.MappingFlags { return Stage2Entry(bits).Flags() }
func (stage2Encoding) IsPresent(bits uint64) bool { return Stage2Entry(bits).IsPresent() }
func (stage2Encoding) IsHuge(bits uint64) bool { return Stage2Entry(bits).IsHuge() }

type guestEncoding struct{}

func (guestEncoding) String() string { return "guest" }

func (guestEncoding) NewPage(pa uint64, flags hostarch.MappingFlags, huge bool) uint64 {
	return NewGuestPage(hostarch.GuestPhysAddr(pa), flags, huge).Bits()
}

func (guestEncoding) NewTable(pa uint64) uint64 {
	return NewGuestTable(hostarch.GuestPhysAddr(pa)).Bits()
}

func (guestEncoding) Paddr(bits uint64) uint64 { return uint64(GuestEntry(bits).Paddr()) }
func (guestEncoding) Flags(bits uint64) hostarch.MappingFlags { return GuestEntry(bits).Flags() }
func (guestEncoding) IsPresent(bits uint64) bool { return GuestEntry(bits).IsPresent() }
func (guestEncoding) IsHuge(bits uint64) bool { return GuestEntry(bits).IsHuge() }
