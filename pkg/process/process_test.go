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

package process

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"hvmem.dev/hvmem/pkg/errors"
	"hvmem.dev/hvmem/pkg/frame"
	"hvmem.dev/hvmem/pkg/frame/frametest"
	"hvmem.dev/hvmem/pkg/hostarch"
	"hvmem.dev/hvmem/pkg/mm"
	"hvmem.dev/hvmem/pkg/npt"
)

func addrSpaceFactory(a frame.Allocator) func(pid int) (*mm.AddrSpace, error) {
	return func(pid int) (*mm.AddrSpace, error) {
		return mm.New(a, mm.Opts{ProcessID: pid, Encoding: npt.Stage2, Levels: npt.Levels3})
	}
}

func newRegistry(t *testing.T) (*Registry, func(pid int) (*mm.AddrSpace, error)) {
	arena := frametest.NewArena(t, 2<<20)
	r := NewRegistry()
	t.Cleanup(r.ExitAll)
	return r, addrSpaceFactory(arena)
}

func TestNewMismatchPanics(t *testing.T) {
	_, newAS := newRegistry(t)
	as, err := newAS(4)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer as.Release()
	defer func() {
		if recover() == nil {
			t.Errorf("New(5, <space of 4>) did not panic")
		}
	}()
	New(5, as)
}

func TestRegisterDuplicatePanics(t *testing.T) {
	r, newAS := newRegistry(t)
	p, err := r.Spawn(InitProcessID, newAS)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Errorf("second Register of %v did not panic", p)
		}
	}()
	r.Register(p)
}

func TestSpawnExisting(t *testing.T) {
	r, newAS := newRegistry(t)
	if _, err := r.Spawn(1, newAS); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if _, err := r.Spawn(1, newAS); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("second Spawn(1) = %v, want %v", err, errors.ErrInvalidInput)
	}
}

func TestFork(t *testing.T) {
	r, newAS := newRegistry(t)
	parent, err := r.Spawn(InitProcessID, newAS)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	const page = 0x10000
	if err := parent.AddrSpace().MapAlloc(page, hostarch.PageSize, hostarch.ReadWrite, false); err != nil {
		t.Fatalf("MapAlloc failed: %v", err)
	}
	if !parent.HandlePageFault(page, hostarch.Write) {
		t.Fatalf("HandlePageFault failed")
	}
	if err := parent.AddrSpace().CopyToGuest(page, []byte{42}); err != nil {
		t.Fatalf("CopyToGuest failed: %v", err)
	}

	if _, err := parent.Fork(InitProcessID); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("Fork to own id = %v, want %v", err, errors.ErrInvalidInput)
	}
	child, err := r.Fork(InitProcessID, 2)
	if err != nil {
		t.Fatalf("Fork failed: %v", err)
	}
	if child.PID() != 2 || child.AddrSpace().ProcessID() != 2 {
		t.Errorf("child ids = %d, %d, want 2", child.PID(), child.AddrSpace().ProcessID())
	}
	if !child.HandlePageFault(page, hostarch.Write) {
		t.Fatalf("child write fault failed")
	}
	b := []byte{0}
	if err := child.AddrSpace().CopyFromGuest(page, b); err != nil || b[0] != 42 {
		t.Errorf("child reads %v, %v, want 42", b, err)
	}

	if _, err := r.Fork(9, 10); !errors.Is(err, errors.ErrBadState) {
		t.Errorf("Fork of missing process = %v, want %v", err, errors.ErrBadState)
	}
	if _, err := r.Fork(InitProcessID, 2); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("Fork into existing process = %v, want %v", err, errors.ErrInvalidInput)
	}
	if diff := cmp.Diff([]int{InitProcessID, 2}, r.PIDs()); diff != "" {
		t.Errorf("PIDs mismatch (-want +got):\n%s", diff)
	}
}

func TestExit(t *testing.T) {
	r, newAS := newRegistry(t)
	for _, pid := range []int{3, 1, 2} {
		if _, err := r.Spawn(pid, newAS); err != nil {
			t.Fatalf("Spawn(%d) failed: %v", pid, err)
		}
	}
	if err := r.Exit(2); err != nil {
		t.Fatalf("Exit failed: %v", err)
	}
	if err := r.Exit(2); !errors.Is(err, errors.ErrBadState) {
		t.Errorf("second Exit = %v, want %v", err, errors.ErrBadState)
	}
	if _, ok := r.Get(2); ok {
		t.Errorf("process 2 still registered")
	}
	if diff := cmp.Diff([]int{1, 3}, r.PIDs()); diff != "" {
		t.Errorf("PIDs mismatch (-want +got):\n%s", diff)
	}
	r.ExitAll()
	if r.Len() != 0 {
		t.Errorf("Len() = %d after ExitAll", r.Len())
	}
}
