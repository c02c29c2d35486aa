// Copyright 2018 The gVisor Authors.
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

// Package cmd holds implementations of the gmctl commands.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"hvmem.dev/hvmem/gmctl/config"
	"hvmem.dev/hvmem/pkg/frame"
	"hvmem.dev/hvmem/pkg/hostarch"
	"hvmem.dev/hvmem/pkg/hostcap"
	"hvmem.dev/hvmem/pkg/log"
	"hvmem.dev/hvmem/pkg/mm"
	"hvmem.dev/hvmem/pkg/npt"
	"hvmem.dev/hvmem/pkg/process"
)

// Fatalf logs to stderr and exits with a failure status code.
func Fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	log.Warningf(format, args...)
	os.Exit(128)
}

// paWidth returns the configured physical address width, or the host's.
// If the host does not report one, the configured depth stands in for it.
func paWidth(conf *config.Config) (int, error) {
	if conf.PAWidth != 0 {
		return conf.PAWidth, nil
	}
	bits, err := hostcap.PhysicalAddressBits()
	switch {
	case err == nil:
		return bits, nil
	case errors.Is(err, hostcap.ErrUnknown) && conf.Levels != 0:
		log.Infof("Host does not report its address width; using the configured %d-level depth", conf.Levels)
		return npt.AddressBits(conf.Levels), nil
	default:
		return 0, fmt.Errorf("probing host physical address width: %w", err)
	}
}

// machine is the state shared by one gmctl command: a frame arena and the
// processes whose address spaces allocate from it.
type machine struct {
	arena *frame.BitmapAllocator
	opts  mm.Opts
	procs *process.Registry
}

func newMachine(conf *config.Config) (*machine, error) {
	size, err := conf.ArenaBytes()
	if err != nil {
		return nil, err
	}
	enc, err := conf.NPTEncoding()
	if err != nil {
		return nil, err
	}
	width, err := paWidth(conf)
	if err != nil {
		return nil, err
	}
	levels, err := npt.SelectLevels(width, conf.Levels)
	if err != nil {
		return nil, err
	}
	arena, err := frame.NewBitmapAllocator(frame.BitmapOpts{Base: hostarch.HostPhysAddr(conf.PhysBase), Size: size})
	if err != nil {
		return nil, err
	}
	log.Infof("Arena of %s at %v, %d-bit physical addresses, %d-level %v tables", humanize.IBytes(size), arena.Base(), width, levels, enc)
	return &machine{
		arena: arena,
		opts: mm.Opts{
			Encoding:         enc,
			Levels:           levels,
			FaultLogInterval: conf.FaultLogInterval,
		},
		procs: process.NewRegistry(),
	}, nil
}

// newAddrSpace creates the address space of process pid.
func (m *machine) newAddrSpace(pid int) (*mm.AddrSpace, error) {
	opts := m.opts
	opts.ProcessID = pid
	return mm.New(m.arena, opts)
}

// spawn creates and registers process pid.
func (m *machine) spawn(pid int) (*process.Process, error) {
	return m.procs.Spawn(pid, m.newAddrSpace)
}

// close releases every process and the arena.
func (m *machine) close() {
	m.procs.ExitAll()
	if err := m.arena.Close(); err != nil {
		log.Warningf("Closing arena: %v", err)
	}
}

// frameUsage formats allocator usage for reports.
func frameUsage(s frame.Stats) string {
	return fmt.Sprintf("%d/%d frames in use (%s), %d allocations, %d frees, %d failures",
		s.UsedFrames, s.TotalFrames, humanize.IBytes(s.UsedFrames*hostarch.PageSize), s.Allocs, s.Frees, s.Failures)
}
