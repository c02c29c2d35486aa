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

package npt

import (
	"fmt"

	"hvmem.dev/hvmem/pkg/errors"
)

// Supported table depths.
const (
	// Levels3 covers 39 bits of guest-physical address space.
	Levels3 = 3

	// Levels4 covers 48 bits of guest-physical address space.
	Levels4 = 4
)

// SelectLevels returns the table depth for a host with the given physical
// address width in bits. If expected is non-zero it is the depth the caller
// was configured for, and a different result is an error.
func SelectLevels(paWidth, expected int) (int, error) {
	var levels int
	switch {
	case paWidth <= 0:
		return 0, errors.Errorf(errors.InvalidInput, "physical address width %d", paWidth)
	case paWidth <= 39:
		levels = Levels3
	case paWidth <= 48:
		levels = Levels4
	default:
		return 0, errors.Errorf(errors.InvalidInput, "physical address width %d needs 5-level tables, which are not supported", paWidth)
	}
	if expected != 0 && expected != levels {
		return 0, errors.Errorf(errors.BadState, "physical address width %d selects %d-level tables, configured for %d", paWidth, levels, expected)
	}
	return levels, nil
}

// MustSelectLevels is SelectLevels for startup paths; it panics on error.
func MustSelectLevels(paWidth, expected int) int {
	levels, err := SelectLevels(paWidth, expected)
	if err != nil {
		panic(fmt.Sprintf("selecting page table depth: %v", err))
	}
	return levels
}

// AddressBits returns the number of input address bits translated by a
// table of the given depth.
func AddressBits(levels int) int {
	return 12 + 9*levels
}
