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

package hostarch

import "strings"

// MappingFlags describes the access rights and memory type of a mapping.
//
// MappingFlags is an immutable value type; flags are combined with |.
type MappingFlags uint32

const (
	// Read allows loads.
	Read MappingFlags = 1 << iota

	// Write allows stores.
	Write

	// Execute allows instruction fetches.
	Execute

	// User allows access from the guest's unprivileged mode.
	User

	// Device marks device memory (MMIO); implies an uncached memory type.
	Device

	// Uncached marks normal memory that must not be cached.
	Uncached
)

// Common combinations.
const (
	NoAccess  MappingFlags = 0
	ReadWrite              = Read | Write
	ReadExec               = Read | Execute
	AnyAccess              = Read | Write | Execute

	// accessMask covers the access-right bits, as opposed to memory
	// attributes.
	accessMask = Read | Write | Execute | User
)

// Contains returns true if every bit of other is set in f.
func (f MappingFlags) Contains(other MappingFlags) bool {
	return f&other == other
}

// Any returns true if at least one access right is set.
func (f MappingFlags) Any() bool {
	return f&(Read|Write|Execute) != 0
}

// Access returns f with memory-type attributes removed.
func (f MappingFlags) Access() MappingFlags {
	return f & accessMask
}

// Without returns f with the bits of other cleared.
func (f MappingFlags) Without(other MappingFlags) MappingFlags {
	return f &^ other
}

// MemoryType returns the memory type implied by f.
func (f MappingFlags) MemoryType() MemoryType {
	switch {
	case f&Device != 0:
		return MemoryTypeDevice
	case f&Uncached != 0:
		return MemoryTypeUncached
	default:
		return MemoryTypeWriteBack
	}
}

// String implements fmt.Stringer.String.
func (f MappingFlags) String() string {
	var b strings.Builder
	for _, bit := range []struct {
		flag MappingFlags
		c    byte
	}{
		{Read, 'r'},
		{Write, 'w'},
		{Execute, 'x'},
		{User, 'u'},
		{Device, 'd'},
		{Uncached, 'c'},
	} {
		if f&bit.flag != 0 {
			b.WriteByte(bit.c)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}
