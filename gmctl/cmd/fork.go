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
	"bytes"
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"
	"hvmem.dev/hvmem/gmctl/config"
	"hvmem.dev/hvmem/pkg/hostarch"
	"hvmem.dev/hvmem/pkg/mm"
	"hvmem.dev/hvmem/pkg/process"
)

// Fork implements subcommands.Command for the "fork" command.
type Fork struct {
	pages int
}

// Name implements subcommands.Command.Name.
func (*Fork) Name() string {
	return "fork"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Fork) Synopsis() string {
	return "fork a process and show copy-on-write isolation"
}

// Usage implements subcommands.Command.Usage.
func (*Fork) Usage() string {
	return `fork [flags] - fork a process with populated memory.

The child overwrites every page; the parent's contents must be unchanged and
each written page must have been copied exactly once.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (f *Fork) SetFlags(fs *flag.FlagSet) {
	fs.IntVar(&f.pages, "pages", 8, "number of populated pages.")
}

// Execute implements subcommands.Command.Execute.
func (f *Fork) Execute(_ context.Context, fs *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if fs.NArg() != 0 || f.pages <= 0 {
		fs.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	m, err := newMachine(conf)
	if err != nil {
		Fatalf("%v", err)
	}
	defer m.close()
	parent, err := m.spawn(process.InitProcessID)
	if err != nil {
		Fatalf("%v", err)
	}
	if err := runFork(m.procs, parent, f.pages); err != nil {
		Fatalf("fork failed: %v", err)
	}
	fmt.Printf("arena: %s\n", frameUsage(m.arena.Stats()))
	return subcommands.ExitSuccess
}

// runFork populates parent, forks it and checks isolation, reporting on
// stdout.
func runFork(procs *process.Registry, parent *process.Process, pages int) error {
	const base = 0x20_0000
	pas := parent.AddrSpace()
	size := uint64(pages) * hostarch.PageSize
	if err := pas.MapAlloc(base, size, hostarch.ReadWrite, true); err != nil {
		return err
	}
	if err := pas.CopyToGuest(base, bytes.Repeat([]byte{'p'}, int(size))); err != nil {
		return err
	}

	child, err := procs.Fork(parent.PID(), parent.PID()+1)
	if err != nil {
		return err
	}
	cas := child.AddrSpace()
	report := func(who string, as *mm.AddrSpace) {
		st := as.Stats()
		fmt.Printf("%-6s pid %d: %d frames owned, %d shared, %d copied, %d reused\n", who, as.ProcessID(), st.OwnedFrames, st.SharedFrames, st.COWCopied, st.COWReused)
	}
	report("parent", pas)
	report("child", cas)

	if err := cas.CopyToGuest(base, bytes.Repeat([]byte{'c'}, int(size))); err != nil {
		return err
	}
	fmt.Printf("child overwrote %d pages\n", pages)
	report("parent", pas)
	report("child", cas)

	got := make([]byte, size)
	if err := pas.CopyFromGuest(base, got); err != nil {
		return err
	}
	if i := bytes.IndexFunc(got, func(r rune) bool { return r != 'p' }); i >= 0 {
		return fmt.Errorf("parent byte %d changed to %q by the child", i, got[i])
	}
	if st := cas.Stats(); st.COWCopied != uint64(pages) {
		return fmt.Errorf("child copied %d pages, want %d", st.COWCopied, pages)
	}
	return nil
}
