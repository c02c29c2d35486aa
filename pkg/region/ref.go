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

package region

import (
	"fmt"
	"sync/atomic"

	"hvmem.dev/hvmem/pkg/frame"
)

// Ref is a reference-counted handle on a HostPhysicalRegion. The region is
// released when the last reference is dropped.
//
// Ref is how a frame is shared between address spaces after fork.
type Ref struct {
	*HostPhysicalRegion

	refCount atomic.Int64
}

// NewRef wraps r with a single reference.
func NewRef(r *HostPhysicalRegion) *Ref {
	ref := &Ref{HostPhysicalRegion: r}
	ref.refCount.Store(1)
	return ref
}

// AllocateRef is Allocate followed by NewRef.
func AllocateRef(a frame.Allocator, size, alignPow2 uint64) (*Ref, error) {
	r, err := Allocate(a, size, alignPow2)
	if err != nil {
		return nil, err
	}
	return NewRef(r), nil
}

// ReadRefs returns the current number of references. The returned count is
// inherently racy and is unsafe to use without external synchronization.
func (r *Ref) ReadRefs() int64 {
	return r.refCount.Load()
}

// IncRef adds a reference.
func (r *Ref) IncRef() {
	if v := r.refCount.Add(1); v <= 1 {
		panic(fmt.Sprintf("Incrementing non-positive ref count on %v", r.HostPhysicalRegion))
	}
}

// DecRef drops a reference, releasing the region when none remain.
func (r *Ref) DecRef() {
	switch v := r.refCount.Add(-1); {
	case v < 0:
		panic(fmt.Sprintf("Decrementing non-positive ref count on %v", r.HostPhysicalRegion))
	case v == 0:
		r.Release()
	}
}
