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

package log

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// PatternOpts are the values substituted into a log file pattern.
type PatternOpts struct {
	// PID replaces %PID%.
	PID int

	// Command replaces %COMMAND%.
	Command string
}

// Build expands %PID% and %COMMAND% in pattern.
func (o PatternOpts) Build(pattern string) string {
	return strings.NewReplacer(
		"%PID%", strconv.Itoa(o.PID),
		"%COMMAND%", o.Command,
	).Replace(pattern)
}

// OpenFile opens the log file named by pattern after expansion with opts,
// creating it and its directory as needed. Writes append. An empty pattern
// yields a nil file.
func OpenFile(pattern string, opts PatternOpts) (*os.File, error) {
	if pattern == "" {
		return nil, nil
	}
	path := opts.Build(pattern)
	if err := os.MkdirAll(filepath.Dir(path), 0o775); err != nil {
		return nil, fmt.Errorf("creating directory for log file %q: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o664)
	if err != nil {
		return nil, fmt.Errorf("opening log file %q: %w", path, err)
	}
	return f, nil
}
