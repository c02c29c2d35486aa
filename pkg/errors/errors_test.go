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

package errors

import (
	"fmt"
	"testing"
)

func TestIsMatchesKind(t *testing.T) {
	err := Errorf(NoMemory, "allocating %d frames", 3)
	if !Is(err, ErrNoMemory) {
		t.Errorf("Is(%v, ErrNoMemory) = false, want true", err)
	}
	if Is(err, ErrInvalidInput) {
		t.Errorf("Is(%v, ErrInvalidInput) = true, want false", err)
	}

	wrapped := fmt.Errorf("fault at %#x: %w", 0x1000, err)
	if !Is(wrapped, ErrNoMemory) {
		t.Errorf("wrapped error lost its kind: %v", wrapped)
	}
	if got := KindOf(wrapped); got != NoMemory {
		t.Errorf("KindOf(%v) = %v, want %v", wrapped, got, NoMemory)
	}
	if got := KindOf(fmt.Errorf("plain")); got != 0 {
		t.Errorf("KindOf(plain) = %v, want 0", got)
	}
}

func TestErrorString(t *testing.T) {
	if got, want := New(AlreadyMapped, "page 0x1000").Error(), "AlreadyMapped: page 0x1000"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
