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

// Package hostcap probes the host properties that fix the nested page table
// layout.
package hostcap

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrUnknown is returned when the host does not report a value.
var ErrUnknown = errors.New("host does not report address sizes")

// Caps are the probed host capabilities.
type Caps struct {
	// Machine is the uname machine field, e.g. "x86_64".
	Machine string

	// Release is the kernel release.
	Release string

	// PhysicalAddressBits is the width of host physical addresses, or
	// zero if unknown.
	PhysicalAddressBits int

	// VirtualAddressBits is the width of virtual addresses, or zero if
	// unknown.
	VirtualAddressBits int
}

var addressSizes = regexp.MustCompile(`^address sizes\s*:\s*(\d+) bits physical, (\d+) bits virtual`)

// ParseCPUInfo extracts the address sizes from /proc/cpuinfo contents. It
// returns ErrUnknown if no processor reports them, as on arm64.
func ParseCPUInfo(r io.Reader) (phys, virt int, err error) {
	s := bufio.NewScanner(r)
	for s.Scan() {
		m := addressSizes.FindStringSubmatch(strings.TrimSpace(s.Text()))
		if m == nil {
			continue
		}
		if phys, err = strconv.Atoi(m[1]); err != nil {
			return 0, 0, fmt.Errorf("parsing physical address bits %q: %w", m[1], err)
		}
		if virt, err = strconv.Atoi(m[2]); err != nil {
			return 0, 0, fmt.Errorf("parsing virtual address bits %q: %w", m[2], err)
		}
		return phys, virt, nil
	}
	if err := s.Err(); err != nil {
		return 0, 0, err
	}
	return 0, 0, ErrUnknown
}

// PhysicalAddressBits returns the host physical address width reported by
// /proc/cpuinfo.
func PhysicalAddressBits() (int, error) {
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return 0, err
	}
	defer f.Close()
	phys, _, err := ParseCPUInfo(f)
	return phys, err
}

// Probe returns the host capabilities. Address sizes the host does not
// report are left zero; other failures are errors.
func Probe() (Caps, error) {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return Caps{}, fmt.Errorf("uname: %w", err)
	}
	c := Caps{
		Machine: unix.ByteSliceToString(u.Machine[:]),
		Release: unix.ByteSliceToString(u.Release[:]),
	}
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return c, err
	}
	defer f.Close()
	phys, virt, err := ParseCPUInfo(f)
	switch {
	case err == ErrUnknown:
	case err != nil:
		return c, err
	default:
		c.PhysicalAddressBits = phys
		c.VirtualAddressBits = virt
	}
	return c, nil
}
