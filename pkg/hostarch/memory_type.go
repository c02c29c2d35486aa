// Copyright 2025 The gVisor Authors.
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

import "fmt"

// MemoryType specifies how the CPU caches accesses to a mapping.
type MemoryType uint8

const (
	// MemoryTypeWriteBack is normal cacheable memory: x86 WB, ARM64 Normal
	// inner and outer write-back. It is used for guest RAM and must be the
	// zero value for MemoryType.
	MemoryTypeWriteBack MemoryType = iota

	// MemoryTypeUncached is normal memory that is never cached: x86 UC,
	// ARM64 Normal non-cacheable.
	MemoryTypeUncached

	// MemoryTypeDevice is memory-mapped I/O: x86 UC, ARM64 Device-nGnRE.
	MemoryTypeDevice

	// NumMemoryTypes is the number of memory types.
	NumMemoryTypes
)

// String implements fmt.Stringer.String.
func (mt MemoryType) String() string {
	switch mt {
	case MemoryTypeWriteBack:
		return "WriteBack"
	case MemoryTypeUncached:
		return "Uncached"
	case MemoryTypeDevice:
		return "Device"
	default:
		return fmt.Sprintf("MemoryType(%d)", mt)
	}
}

// EPTType returns the EPT memory-type field (bits 5:3 of a leaf) for mt.
// x86 has no separate device type, so Device is UC.
func (mt MemoryType) EPTType() uint64 {
	if mt == MemoryTypeWriteBack {
		return 6
	}
	return 0
}

// Stage2Attr returns the ARMv8 stage-2 MemAttr[3:0] field for mt, with FWB
// disabled.
func (mt MemoryType) Stage2Attr() uint64 {
	switch mt {
	case MemoryTypeDevice:
		return 0b0001
	case MemoryTypeUncached:
		return 0b0101
	default:
		return 0b1111
	}
}
