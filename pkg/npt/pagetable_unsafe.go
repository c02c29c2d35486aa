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
	"unsafe"

	"hvmem.dev/hvmem/pkg/hostarch"
)

// tableEntries is one table frame viewed as entries.
type tableEntries [EntriesPerTable]uint64

// empty returns true if every entry is zero.
func (t *tableEntries) empty() bool {
	for _, e := range t {
		if e != 0 {
			return false
		}
	}
	return true
}

// ptes returns the entries of the table frame at pa.
func (p *PageTable) ptes(pa hostarch.HostPhysAddr) *tableEntries {
	return (*tableEntries)(unsafe.Pointer(&p.alloc.Slice(pa, hostarch.PageSize)[0]))
}
