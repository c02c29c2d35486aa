// Copyright 2021 The gVisor Authors.
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

// Package errors holds the standardized error definitions for the guest
// address-space packages.
//
// Every error returned across package boundaries carries a Kind. Callers
// test for a kind with Is and the package-level sentinels:
//
//	if errors.Is(err, errors.ErrNoMemory) {
//		...
//	}
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies an error.
type Kind int

const (
	// NoMemory means the frame allocator could not satisfy a request.
	NoMemory Kind = iota + 1

	// InvalidInput means an argument was misaligned or out of bounds.
	InvalidInput

	// AlreadyMapped means a mapping was requested over present entries or
	// an existing area.
	AlreadyMapped

	// NotMapped means an address has no area or no present entry.
	NotMapped

	// BadState means an operation is not valid in the current state.
	BadState
)

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	switch k {
	case NoMemory:
		return "NoMemory"
	case InvalidInput:
		return "InvalidInput"
	case AlreadyMapped:
		return "AlreadyMapped"
	case NotMapped:
		return "NotMapped"
	case BadState:
		return "BadState"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error represents a classified error with a descriptive message.
type Error struct {
	kind    Kind
	message string
}

// New creates a new *Error.
func New(kind Kind, message string) *Error {
	return &Error{
		kind:    kind,
		message: message,
	}
}

// Errorf creates a new *Error with a formatted message.
func Errorf(kind Kind, format string, v ...any) *Error {
	return New(kind, fmt.Sprintf(format, v...))
}

// Error implements error.Error.
func (e *Error) Error() string { return e.kind.String() + ": " + e.message }

// Kind returns the error's classification.
func (e *Error) Kind() Kind { return e.kind }

// Is reports whether target is an *Error of the same Kind, so that any
// NoMemory error matches ErrNoMemory.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.kind == e.kind
}

// Sentinels for use with Is.
var (
	ErrNoMemory      = New(NoMemory, "out of memory")
	ErrInvalidInput  = New(InvalidInput, "invalid input")
	ErrAlreadyMapped = New(AlreadyMapped, "already mapped")
	ErrNotMapped     = New(NotMapped, "not mapped")
	ErrBadState      = New(BadState, "bad state")
)

// Is is errors.Is from the standard library.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// KindOf returns the Kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.kind
	}
	return 0
}
