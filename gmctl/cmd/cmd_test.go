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

package cmd

import (
	"testing"

	"hvmem.dev/hvmem/gmctl/config"
	"hvmem.dev/hvmem/pkg/log"
	"hvmem.dev/hvmem/pkg/npt"
	"hvmem.dev/hvmem/pkg/process"
)

func testMachine(t *testing.T, edit func(c *config.Config)) *machine {
	t.Helper()
	prev := log.Log().Emitter
	log.SetTarget(&log.TestEmitter{TestLogger: t})
	t.Cleanup(func() { log.SetTarget(prev) })
	conf := config.Default()
	conf.ArenaSize = "4 MiB"
	conf.PAWidth = 46
	if edit != nil {
		edit(conf)
	}
	if err := conf.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	m, err := newMachine(conf)
	if err != nil {
		t.Fatalf("newMachine failed: %v", err)
	}
	t.Cleanup(func() {
		m.procs.ExitAll()
		if used := m.arena.Stats().UsedFrames; used != 0 {
			t.Errorf("%d frames leaked", used)
		}
		m.close()
	})
	return m
}

func TestNewMachineLevels(t *testing.T) {
	for _, test := range []struct {
		width int
		want  int
	}{
		{36, npt.Levels3},
		{39, npt.Levels3},
		{46, npt.Levels4},
	} {
		m := testMachine(t, func(c *config.Config) { c.PAWidth = test.width })
		if m.opts.Levels != test.want {
			t.Errorf("width %d: %d levels, want %d", test.width, m.opts.Levels, test.want)
		}
	}
}

func TestPAWidthOverride(t *testing.T) {
	conf := config.Default()
	conf.PAWidth = 40
	if got, err := paWidth(conf); err != nil || got != 40 {
		t.Errorf("paWidth = %d, %v, want 40", got, err)
	}
}

func TestRunScenario(t *testing.T) {
	for _, enc := range []string{"ept", "stage2"} {
		t.Run(enc, func(t *testing.T) {
			m := testMachine(t, func(c *config.Config) { c.Encoding = enc })
			p, err := m.spawn(process.InitProcessID)
			if err != nil {
				t.Fatalf("spawn failed: %v", err)
			}
			if err := runScenario(p.AddrSpace(), 0x10_0000); err != nil {
				t.Fatalf("runScenario failed: %v", err)
			}
			if s := p.AddrSpace().Stats(); s.Faults != 2 || s.FramesAllocated != 2 {
				t.Errorf("Faults, FramesAllocated = %d, %d, want 2, 2", s.Faults, s.FramesAllocated)
			}
		})
	}
}

func TestRunFork(t *testing.T) {
	m := testMachine(t, nil)
	p, err := m.spawn(process.InitProcessID)
	if err != nil {
		t.Fatalf("spawn failed: %v", err)
	}
	if err := runFork(m.procs, p, 4); err != nil {
		t.Fatalf("runFork failed: %v", err)
	}
	if n := m.procs.Len(); n != 2 {
		t.Errorf("%d processes registered, want 2", n)
	}
}
