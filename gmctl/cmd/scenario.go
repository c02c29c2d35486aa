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
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"
	"hvmem.dev/hvmem/gmctl/config"
	"hvmem.dev/hvmem/pkg/hostarch"
	"hvmem.dev/hvmem/pkg/mm"
	"hvmem.dev/hvmem/pkg/process"
)

// Scenario implements subcommands.Command for the "scenario" command.
type Scenario struct {
	base uint64
}

// Name implements subcommands.Command.Name.
func (*Scenario) Name() string {
	return "scenario"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Scenario) Synopsis() string {
	return "fault in and unmap a three-page lazy area, reporting frame accounting"
}

// Usage implements subcommands.Command.Usage.
func (*Scenario) Usage() string {
	return `scenario [flags] - run the three-page lazy fault scenario:

Map three lazy read-write pages, fault page 1 then page 0, unmap the area
and check that every frame returned to the allocator.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Scenario) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&s.base, "base", 0x10_0000, "guest-physical address of the area.")
}

// Execute implements subcommands.Command.Execute.
func (s *Scenario) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	m, err := newMachine(conf)
	if err != nil {
		Fatalf("%v", err)
	}
	defer m.close()
	p, err := m.spawn(process.InitProcessID)
	if err != nil {
		Fatalf("%v", err)
	}
	if err := runScenario(p.AddrSpace(), hostarch.GuestPhysAddr(s.base)); err != nil {
		Fatalf("scenario failed: %v", err)
	}
	fmt.Printf("frames: %s\n", frameUsage(m.arena.Stats()))
	return subcommands.ExitSuccess
}

// runScenario runs the three-page scenario in as and reports each step on
// stdout.
func runScenario(as *mm.AddrSpace, base hostarch.GuestPhysAddr) error {
	const pages = 3
	if err := as.MapAlloc(base, pages*hostarch.PageSize, hostarch.ReadWrite, false); err != nil {
		return err
	}
	fmt.Printf("mapped [%v, +%d pages) lazily: %d frames owned\n", base, pages, as.OwnedFrames())

	for _, step := range []struct {
		page   int
		access hostarch.MappingFlags
	}{
		{1, hostarch.Read},
		{0, hostarch.Write},
	} {
		addr := base + hostarch.GuestPhysAddr(step.page*hostarch.PageSize)
		if !as.HandlePageFault(addr, step.access) {
			return fmt.Errorf("%v fault on page %d not resolved", step.access, step.page)
		}
		hpa, flags, err := as.Translate(addr)
		if err != nil {
			return err
		}
		fmt.Printf("fault on page %d (%v): %v -> %v %v, %d frames owned\n", step.page, step.access, addr, hpa, flags, as.OwnedFrames())
	}
	if _, _, err := as.Translate(base + 2*hostarch.PageSize); err == nil {
		return fmt.Errorf("page 2 present without a fault")
	}

	if err := as.Unmap(base, pages*hostarch.PageSize); err != nil {
		return err
	}
	st := as.Stats()
	fmt.Printf("unmapped: %d frames owned, %d page tables, %d faults, %d frames allocated\n", st.OwnedFrames, st.PageTables, st.Faults, st.FramesAllocated)
	if st.OwnedFrames != 0 {
		return fmt.Errorf("%d frames still owned after unmap", st.OwnedFrames)
	}
	return nil
}
