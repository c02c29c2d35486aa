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

// Package sync provides synchronization primitives that are safe to use on
// the page-fault path.
package sync

import (
	"runtime"
	"sync/atomic"
)

// spinIterations is the number of busy iterations before Lock starts yielding
// the processor between attempts.
const spinIterations = 64

// SpinMutex is a mutual exclusion lock that never parks the calling thread.
//
// Acquisition is a compare-and-swap; contended callers busy-wait and then
// yield the processor, so holders must keep critical sections short and must
// not block while holding the lock.
//
// The zero value is an unlocked mutex. A SpinMutex must not be copied after
// first use.
type SpinMutex struct {
	_     noCopy
	state atomic.Uint32
}

// TryLock acquires the lock if it is free and reports whether it did.
func (m *SpinMutex) TryLock() bool {
	return m.state.CompareAndSwap(0, 1)
}

// Lock acquires the lock, spinning until it becomes available.
func (m *SpinMutex) Lock() {
	for i := 0; !m.TryLock(); i++ {
		if i < spinIterations {
			// Only retry the CAS once the lock looks free.
			for j := 0; j < i && m.state.Load() != 0; j++ {
			}
			continue
		}
		runtime.Gosched()
	}
}

// Unlock releases the lock.
//
// Preconditions: m is locked.
func (m *SpinMutex) Unlock() {
	if m.state.Swap(0) != 1 {
		panic("sync: unlock of unlocked SpinMutex")
	}
}

// IsLocked reports whether the lock is currently held by anyone. It is only
// useful for assertions.
func (m *SpinMutex) IsLocked() bool {
	return m.state.Load() != 0
}

// noCopy may be embedded into structs which must not be copied after the
// first use. It is recognized by go vet's copylocks checker.
type noCopy struct{}

// Lock is a no-op used by -copylocks checker from `go vet`.
func (*noCopy) Lock() {}

// Unlock is a no-op used by -copylocks checker from `go vet`.
func (*noCopy) Unlock() {}
