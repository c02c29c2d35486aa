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
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"hvmem.dev/hvmem/gmctl/config"
	"hvmem.dev/hvmem/pkg/hostarch"
	"hvmem.dev/hvmem/pkg/process"
	"hvmem.dev/hvmem/pkg/vmexit"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	vcpus int
	pages int
	base  uint64
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "fault one lazy area from many vCPUs at once"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - fault every page of a lazy area from concurrent vCPUs.

Each vCPU raises a write EPT violation on every page, starting at a different
page. Every page must end up with exactly one frame.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.vcpus, "vcpus", 4, "number of concurrent vCPUs.")
	f.IntVar(&s.pages, "pages", 256, "number of pages in the area.")
	f.Uint64Var(&s.base, "base", 0x4000_0000, "guest-physical address of the area.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || s.vcpus <= 0 || s.pages <= 0 {
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
	as := p.AddrSpace()
	base := hostarch.GuestPhysAddr(s.base)
	if err := as.MapAlloc(base, uint64(s.pages)*hostarch.PageSize, hostarch.ReadWrite, false); err != nil {
		Fatalf("mapping the area: %v", err)
	}

	const writeViolation = 1 << 1
	d := vmexit.NewDispatcher(p, conf.FaultLogInterval)
	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for vcpu := 0; vcpu < s.vcpus; vcpu++ {
		vcpu := vcpu
		g.Go(func() error {
			first := vcpu * s.pages / s.vcpus
			for i := 0; i < s.pages; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				page := (first + i) % s.pages
				addr := base + hostarch.GuestPhysAddr(page*hostarch.PageSize)
				if a := d.HandleEPTViolation(addr, writeViolation); a != vmexit.Resume {
					return fmt.Errorf("vCPU %d: fault at %v: %v", vcpu, addr, a)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		Fatalf("%v", err)
	}
	elapsed := time.Since(start)

	st, ds := as.Stats(), d.Stats()
	fmt.Printf("vCPUs:            %d\n", s.vcpus)
	fmt.Printf("pages:            %d (%s)\n", s.pages, humanize.IBytes(uint64(s.pages)*hostarch.PageSize))
	fmt.Printf("exits:            %s in %v\n", humanize.Comma(int64(ds.Exits)), elapsed)
	fmt.Printf("frames allocated: %d\n", st.FramesAllocated)
	fmt.Printf("page tables:      %d\n", st.PageTables)
	fmt.Printf("arena:            %s\n", frameUsage(m.arena.Stats()))
	if st.FramesAllocated != uint64(s.pages) || st.OwnedFrames != s.pages {
		Fatalf("%d frames allocated for %d pages", st.FramesAllocated, s.pages)
	}
	return subcommands.ExitSuccess
}
