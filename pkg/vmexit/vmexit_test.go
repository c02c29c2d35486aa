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

package vmexit

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"hvmem.dev/hvmem/pkg/frame/frametest"
	"hvmem.dev/hvmem/pkg/hostarch"
	"hvmem.dev/hvmem/pkg/mm"
	"hvmem.dev/hvmem/pkg/npt"
	"hvmem.dev/hvmem/pkg/process"
)

type recorder struct {
	addr   hostarch.GuestPhysAddr
	access hostarch.MappingFlags
	ok     bool
}

func (r *recorder) HandlePageFault(addr hostarch.GuestPhysAddr, access hostarch.MappingFlags) bool {
	r.addr, r.access = addr, access
	return r.ok
}

func TestDecodeEPTQualification(t *testing.T) {
	for _, test := range []struct {
		q    uint64
		want hostarch.MappingFlags
	}{
		{0, hostarch.NoAccess},
		{1 << 0, hostarch.Read},
		{1<<1 | 1<<0, hostarch.ReadWrite},
		{1 << 2, hostarch.Execute},
		// Entry permission and address-valid bits do not affect the access.
		{1<<0 | 1<<3 | 1<<7 | 1<<8, hostarch.Read},
	} {
		if got := DecodeEPTQualification(test.q); got != test.want {
			t.Errorf("DecodeEPTQualification(%#x) = %v, want %v", test.q, got, test.want)
		}
	}
}

func TestDecodeStage2Syndrome(t *testing.T) {
	for _, test := range []struct {
		esr    uint64
		want   hostarch.MappingFlags
		wantOK bool
	}{
		{0x24 << 26, hostarch.Read, true},
		{0x24<<26 | 1<<6, hostarch.Write, true},
		{0x20 << 26, hostarch.Execute, true},
		{0x16 << 26, hostarch.NoAccess, false},
	} {
		got, ok := DecodeStage2Syndrome(test.esr)
		if got != test.want || ok != test.wantOK {
			t.Errorf("DecodeStage2Syndrome(%#x) = %v, %t, want %v, %t", test.esr, got, ok, test.want, test.wantOK)
		}
	}
}

func TestDispatch(t *testing.T) {
	r := &recorder{ok: true}
	d := NewDispatcher(r, time.Hour)
	if got := d.HandleEPTViolation(0x1234, 1<<1); got != Resume {
		t.Errorf("HandleEPTViolation = %v, want %v", got, Resume)
	}
	if r.addr != 0x1234 || r.access != hostarch.Write {
		t.Errorf("handler saw %v %v, want 0x1234 %v", r.addr, r.access, hostarch.Write)
	}

	r.ok = false
	if got := d.HandleStage2Abort(0x5000, 0x20<<26); got != Fatal {
		t.Errorf("HandleStage2Abort = %v, want %v", got, Fatal)
	}
	if got := d.HandleStage2Abort(0x5000, 0x16<<26); got != Fatal {
		t.Errorf("HandleStage2Abort on a non-abort = %v, want %v", got, Fatal)
	}
	if got := d.HandleEPTViolation(0x5000, 0); got != Fatal {
		t.Errorf("HandleEPTViolation without access = %v, want %v", got, Fatal)
	}
	d.SetHandler(nil)
	if got := d.HandleEPTViolation(0x5000, 1); got != Fatal {
		t.Errorf("HandleEPTViolation without handler = %v, want %v", got, Fatal)
	}

	want := Stats{Exits: 5, Resumed: 1, Fatal: 4}
	if diff := cmp.Diff(want, d.Stats()); diff != "" {
		t.Errorf("Stats mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatchToProcess(t *testing.T) {
	arena := frametest.NewArena(t, 2<<20)
	as, err := mm.New(arena, mm.Opts{ProcessID: process.InitProcessID, Encoding: npt.EPT, Levels: npt.Levels4})
	if err != nil {
		t.Fatalf("mm.New failed: %v", err)
	}
	p := process.New(process.InitProcessID, as)
	defer p.Release()
	if err := as.MapAlloc(0, 16*hostarch.PageSize, hostarch.ReadWrite, false); err != nil {
		t.Fatalf("MapAlloc failed: %v", err)
	}

	d := NewDispatcher(p, time.Hour)
	var g errgroup.Group
	for vcpu := 0; vcpu < 4; vcpu++ {
		vcpu := vcpu
		g.Go(func() error {
			for page := uint64(0); page < 16; page++ {
				if got := d.HandleEPTViolation(hostarch.GuestPhysAddr(page*hostarch.PageSize), 1<<1); got != Resume {
					t.Errorf("vCPU %d: page %d: %v", vcpu, page, got)
				}
			}
			return nil
		})
	}
	g.Wait()
	if n := as.OwnedFrames(); n != 16 {
		t.Errorf("OwnedFrames() = %d, want 16", n)
	}
	if got := d.HandleEPTViolation(0x10_0000, 1); got != Fatal {
		t.Errorf("fault outside any area = %v, want %v", got, Fatal)
	}
}
