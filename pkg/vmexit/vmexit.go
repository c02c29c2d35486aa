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

// Package vmexit routes nested page faults reported by VM exits to the
// address space of the running process.
//
// The dispatcher decides only whether the vCPU may be resumed. It never
// injects faults into the guest.
package vmexit

import (
	"fmt"
	"sync/atomic"
	"time"

	"hvmem.dev/hvmem/pkg/hostarch"
	"hvmem.dev/hvmem/pkg/log"
)

// FaultHandler resolves nested page faults. process.Process implements it.
type FaultHandler interface {
	// HandlePageFault resolves an access to addr and reports whether the
	// guest may be resumed.
	HandlePageFault(addr hostarch.GuestPhysAddr, access hostarch.MappingFlags) bool
}

// Action is what the caller must do with the vCPU after an exit.
type Action int

const (
	// Resume re-enters the guest.
	Resume Action = iota

	// Fatal stops the vCPU; the fault could not be resolved.
	Fatal
)

// String implements fmt.Stringer.String.
func (a Action) String() string {
	switch a {
	case Resume:
		return "Resume"
	case Fatal:
		return "Fatal"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// EPT violation exit qualification bits.
const (
	qualRead  = 1 << 0
	qualWrite = 1 << 1
	qualFetch = 1 << 2
)

// DecodeEPTQualification returns the access that caused an EPT violation.
func DecodeEPTQualification(q uint64) hostarch.MappingFlags {
	var access hostarch.MappingFlags
	if q&qualRead != 0 {
		access |= hostarch.Read
	}
	if q&qualWrite != 0 {
		access |= hostarch.Write
	}
	if q&qualFetch != 0 {
		access |= hostarch.Execute
	}
	return access
}

// ESR_EL2 fields of a stage-2 abort.
const (
	esrECShift     = 26
	esrECMask      = 0x3f
	esrECInstAbort = 0x20
	esrECDataAbort = 0x24
	esrISSWnR      = 1 << 6
)

// DecodeStage2Syndrome returns the access that caused a stage-2 abort from
// the guest. ok is false if esr is not a lower-EL instruction or data abort.
func DecodeStage2Syndrome(esr uint64) (access hostarch.MappingFlags, ok bool) {
	switch (esr >> esrECShift) & esrECMask {
	case esrECInstAbort:
		return hostarch.Execute, true
	case esrECDataAbort:
		if esr&esrISSWnR != 0 {
			return hostarch.Write, true
		}
		return hostarch.Read, true
	default:
		return hostarch.NoAccess, false
	}
}

// Stats are dispatcher counters.
type Stats struct {
	Exits   uint64
	Resumed uint64
	Fatal   uint64
}

// Dispatcher hands nested page faults to the current FaultHandler.
type Dispatcher struct {
	handler atomic.Pointer[FaultHandler]
	log     log.Logger

	exits   atomic.Uint64
	resumed atomic.Uint64
	fatal   atomic.Uint64
}

// NewDispatcher returns a Dispatcher sending faults to h. Unresolved faults
// are logged at most once per logInterval.
func NewDispatcher(h FaultHandler, logInterval time.Duration) *Dispatcher {
	d := &Dispatcher{log: log.BasicRateLimitedLogger(logInterval)}
	d.SetHandler(h)
	return d
}

// SetHandler switches the handler, as on a process switch.
func (d *Dispatcher) SetHandler(h FaultHandler) {
	d.handler.Store(&h)
}

// HandleEPTViolation handles an EPT violation at gpa with exit
// qualification q.
func (d *Dispatcher) HandleEPTViolation(gpa hostarch.GuestPhysAddr, q uint64) Action {
	return d.dispatch(gpa, DecodeEPTQualification(q), "EPT violation", q)
}

// HandleStage2Abort handles a stage-2 abort at ipa with syndrome esr.
func (d *Dispatcher) HandleStage2Abort(ipa hostarch.GuestPhysAddr, esr uint64) Action {
	access, ok := DecodeStage2Syndrome(esr)
	if !ok {
		d.exits.Add(1)
		d.fatal.Add(1)
		d.log.Warningf("Unexpected exception class in syndrome %#x at %v", esr, ipa)
		return Fatal
	}
	return d.dispatch(ipa, access, "stage-2 abort", esr)
}

func (d *Dispatcher) dispatch(addr hostarch.GuestPhysAddr, access hostarch.MappingFlags, kind string, raw uint64) Action {
	d.exits.Add(1)
	h := d.handler.Load()
	if !access.Any() || h == nil || *h == nil || !(*h).HandlePageFault(addr, access) {
		d.fatal.Add(1)
		d.log.Warningf("Unresolved %s at %v (%v, %#x)", kind, addr, access, raw)
		return Fatal
	}
	d.resumed.Add(1)
	return Resume
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Exits:   d.exits.Load(),
		Resumed: d.resumed.Load(),
		Fatal:   d.fatal.Load(),
	}
}
