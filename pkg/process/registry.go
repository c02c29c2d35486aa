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
	"fmt"
	"slices"
	"sync"

	"hvmem.dev/hvmem/pkg/errors"
	"hvmem.dev/hvmem/pkg/log"
	"hvmem.dev/hvmem/pkg/mm"
)

// Registry maps process ids to processes.
type Registry struct {
	// mu protects procs.
	mu    sync.RWMutex
	procs map[int]*Process
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{procs: make(map[int]*Process)}
}

// Register adds p.
//
// Preconditions: no process with p's id is registered.
func (r *Registry) Register(p *Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.procs[p.pid]; ok {
		panic(fmt.Sprintf("duplicate registration of process %d", p.pid))
	}
	r.procs[p.pid] = p
}

// Get returns the process with the given id.
func (r *Registry) Get(pid int) (*Process, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.procs[pid]
	return p, ok
}

// PIDs returns the registered ids in increasing order.
func (r *Registry) PIDs() []int {
	r.mu.RLock()
	pids := make([]int, 0, len(r.procs))
	for pid := range r.procs {
		pids = append(pids, pid)
	}
	r.mu.RUnlock()
	slices.Sort(pids)
	return pids
}

// Len returns the number of registered processes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.procs)
}

// Spawn creates and registers process pid with a fresh address space
// allocated by newAS.
func (r *Registry) Spawn(pid int, newAS func(pid int) (*mm.AddrSpace, error)) (*Process, error) {
	if _, ok := r.Get(pid); ok {
		return nil, errors.Errorf(errors.InvalidInput, "process %d already exists", pid)
	}
	as, err := newAS(pid)
	if err != nil {
		return nil, fmt.Errorf("creating address space of process %d: %w", pid, err)
	}
	p := New(pid, as)
	r.Register(p)
	return p, nil
}

// Fork forks process pid into a new registered process newPid.
func (r *Registry) Fork(pid, newPid int) (*Process, error) {
	parent, ok := r.Get(pid)
	if !ok {
		return nil, errors.Errorf(errors.BadState, "no process %d to fork", pid)
	}
	if _, ok := r.Get(newPid); ok {
		return nil, errors.Errorf(errors.InvalidInput, "process %d already exists", newPid)
	}
	child, err := parent.Fork(newPid)
	if err != nil {
		return nil, err
	}
	r.Register(child)
	return child, nil
}

// Exit unregisters process pid and releases its address space.
func (r *Registry) Exit(pid int) error {
	r.mu.Lock()
	p, ok := r.procs[pid]
	delete(r.procs, pid)
	r.mu.Unlock()
	if !ok {
		return errors.Errorf(errors.BadState, "no process %d", pid)
	}
	p.Release()
	log.Debugf("Process %d exited", pid)
	return nil
}

// ExitAll releases every registered process.
func (r *Registry) ExitAll() {
	for _, pid := range r.PIDs() {
		// A concurrent Exit may have won; that is fine.
		_ = r.Exit(pid)
	}
}
