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

package sync

import (
	"testing"

	"golang.org/x/sync/errgroup"
)

func TestTryLock(t *testing.T) {
	var m SpinMutex
	if !m.TryLock() {
		t.Fatalf("TryLock on a free mutex failed")
	}
	if m.TryLock() {
		t.Fatalf("TryLock on a held mutex succeeded")
	}
	if !m.IsLocked() {
		t.Errorf("IsLocked() = false while held")
	}
	m.Unlock()
	if m.IsLocked() {
		t.Errorf("IsLocked() = true after Unlock")
	}
}

func TestUnlockUnlockedPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("Unlock of an unlocked mutex did not panic")
		}
	}()
	var m SpinMutex
	m.Unlock()
}

func TestMutualExclusion(t *testing.T) {
	const (
		workers = 8
		iters   = 2000
	)
	var (
		m       SpinMutex
		counter int
	)
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := 0; i < iters; i++ {
				m.Lock()
				counter++
				m.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("workers failed: %v", err)
	}
	if counter != workers*iters {
		t.Errorf("counter = %d, want %d", counter, workers*iters)
	}
}
