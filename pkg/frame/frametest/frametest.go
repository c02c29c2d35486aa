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

// Package frametest provides frame allocators for tests.
package frametest

import (
	"sync/atomic"
	"testing"

	"hvmem.dev/hvmem/pkg/frame"
	"hvmem.dev/hvmem/pkg/hostarch"
)

// NewArena returns a BitmapAllocator over size bytes that is closed when the
// test ends. The test fails if frames are still allocated at that point.
func NewArena(t testing.TB, size uint64) *frame.BitmapAllocator {
	t.Helper()
	b, err := frame.NewBitmapAllocator(frame.BitmapOpts{Size: size})
	if err != nil {
		t.Fatalf("NewBitmapAllocator(%#x) failed: %v", size, err)
	}
	t.Cleanup(func() {
		if used := b.Stats().UsedFrames; used != 0 {
			t.Errorf("%d frames leaked", used)
		}
		if err := b.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return b
}

// Limited wraps an Allocator and fails every AllocFrames call once Budget
// successful calls have been made.
type Limited struct {
	frame.Allocator

	// Budget is the number of AllocFrames calls that may still succeed.
	Budget atomic.Int64

	// Calls counts AllocFrames calls, successful or not.
	Calls atomic.Int64
}

// NewLimited returns a Limited allowing budget allocations from a.
func NewLimited(a frame.Allocator, budget int64) *Limited {
	l := &Limited{Allocator: a}
	l.Budget.Store(budget)
	return l
}

// AllocFrames implements frame.Allocator.AllocFrames.
func (l *Limited) AllocFrames(count, alignPow2 uint64) (hostarch.HostPhysAddr, bool) {
	l.Calls.Add(1)
	if l.Budget.Add(-1) < 0 {
		return 0, false
	}
	return l.Allocator.AllocFrames(count, alignPow2)
}
