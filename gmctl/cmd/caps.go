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
	"hvmem.dev/hvmem/pkg/hostcap"
	"hvmem.dev/hvmem/pkg/npt"
)

// Caps implements subcommands.Command for the "caps" command.
type Caps struct{}

// Name implements subcommands.Command.Name.
func (*Caps) Name() string {
	return "caps"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Caps) Synopsis() string {
	return "print host address widths and the nested page table depth they select"
}

// Usage implements subcommands.Command.Usage.
func (*Caps) Usage() string {
	return "caps - print host address widths and the selected page table depth\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Caps) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Caps) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	caps, err := hostcap.Probe()
	if err != nil {
		Fatalf("probing host: %v", err)
	}
	fmt.Printf("machine:          %s\n", caps.Machine)
	fmt.Printf("kernel:           %s\n", caps.Release)
	fmt.Printf("physical bits:    %s\n", bitsString(caps.PhysicalAddressBits))
	fmt.Printf("virtual bits:     %s\n", bitsString(caps.VirtualAddressBits))

	width, err := paWidth(conf)
	if err != nil {
		Fatalf("%v", err)
	}
	levels, err := npt.SelectLevels(width, conf.Levels)
	if err != nil {
		Fatalf("%v", err)
	}
	fmt.Printf("nested levels:    %d (%d-bit guest-physical space, %s)\n", levels, npt.AddressBits(levels), conf.Encoding)
	return subcommands.ExitSuccess
}

func bitsString(bits int) string {
	if bits == 0 {
		return "unknown"
	}
	return fmt.Sprint(bits)
}
