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

// Package process binds guest address spaces to process ids.
package process

import (
	"fmt"

	"hvmem.dev/hvmem/pkg/errors"
	"hvmem.dev/hvmem/pkg/hostarch"
	"hvmem.dev/hvmem/pkg/log"
	"hvmem.dev/hvmem/pkg/mm"
)

// InitProcessID is the id of the first process of a guest.
const InitProcessID = 0

// Process is a guest process: an id and the address space it owns.
type Process struct {
	// pid is immutable and equals as.ProcessID().
	pid int
	as  *mm.AddrSpace
}

// New returns the process pid owning as.
//
// Preconditions: as.ProcessID() == pid.
func New(pid int, as *mm.AddrSpace) *Process {
	if got := as.ProcessID(); got != pid {
		panic(fmt.Sprintf("process %d given the address space of process %d", pid, got))
	}
	return &Process{pid: pid, as: as}
}

// PID returns the process id.
func (p *Process) PID() int {
	return p.pid
}

// AddrSpace returns the address space of p.
func (p *Process) AddrSpace() *mm.AddrSpace {
	return p.as
}

// String implements fmt.Stringer.String.
func (p *Process) String() string {
	return fmt.Sprintf("process %d", p.pid)
}

// Fork returns a child process newPid whose address space is a
// copy-on-write copy of p's.
func (p *Process) Fork(newPid int) (*Process, error) {
	if newPid == p.pid {
		return nil, errors.Errorf(errors.InvalidInput, "process %d cannot fork into its own id", p.pid)
	}
	as, err := p.as.Fork(newPid)
	if err != nil {
		return nil, err
	}
	log.Infof("Process %d forked process %d", p.pid, newPid)
	return New(newPid, as), nil
}

// HandlePageFault implements vmexit.FaultHandler.HandlePageFault.
func (p *Process) HandlePageFault(addr hostarch.GuestPhysAddr, access hostarch.MappingFlags) bool {
	return p.as.HandlePageFault(addr, access)
}

// Release frees the address space. p must not be used afterwards.
func (p *Process) Release() {
	p.as.Release()
}
