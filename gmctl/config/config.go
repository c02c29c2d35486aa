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

// Package config holds the gmctl configuration, read from a TOML file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
	"hvmem.dev/hvmem/pkg/frame"
	"hvmem.dev/hvmem/pkg/hostarch"
	"hvmem.dev/hvmem/pkg/log"
	"hvmem.dev/hvmem/pkg/mm"
	"hvmem.dev/hvmem/pkg/npt"
)

// Config is the gmctl configuration.
type Config struct {
	// ArenaSize is the size of the host memory arena frames are allocated
	// from, in humanized form ("64 MiB").
	ArenaSize string `toml:"arena_size"`

	// PhysBase is the host-physical address of the first arena frame.
	PhysBase uint64 `toml:"phys_base"`

	// Encoding is the nested page table format: "ept" or "stage2".
	Encoding string `toml:"encoding"`

	// Levels is the expected table depth. Zero accepts whatever the
	// physical address width selects.
	Levels int `toml:"levels"`

	// PAWidth overrides the host physical address width. Zero probes the
	// host.
	PAWidth int `toml:"pa_width"`

	// LogFormat is "text" or "json".
	LogFormat string `toml:"log_format"`

	// Debug enables debug logging.
	Debug bool `toml:"debug"`

	// FaultLogInterval is the minimum interval between unresolved fault
	// warnings of one address space.
	FaultLogInterval time.Duration `toml:"fault_log_interval"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		ArenaSize:        "64 MiB",
		PhysBase:         uint64(frame.DefaultPhysBase),
		Encoding:         npt.EPT.String(),
		LogFormat:        "text",
		FaultLogInterval: mm.DefaultFaultLogInterval,
	}
}

// Load reads the configuration at path over the defaults and validates it.
// An empty path yields the defaults.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, c)
		if err != nil {
			return nil, fmt.Errorf("reading config %q: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) != 0 {
			return nil, fmt.Errorf("config %q: unknown keys %v", path, undecoded)
		}
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config %q: %w", path, err)
	}
	return c, nil
}

// ArenaBytes returns ArenaSize in bytes.
func (c *Config) ArenaBytes() (uint64, error) {
	n, err := humanize.ParseBytes(c.ArenaSize)
	if err != nil {
		return 0, fmt.Errorf("arena_size %q: %w", c.ArenaSize, err)
	}
	return n, nil
}

// NPTEncoding returns the configured nested page table encoding.
func (c *Config) NPTEncoding() (npt.Encoding, error) {
	if c.Encoding == npt.Guest.String() {
		return nil, fmt.Errorf("encoding %q is not a nested page table format", c.Encoding)
	}
	return npt.EncodingByName(c.Encoding)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	size, err := c.ArenaBytes()
	if err != nil {
		return err
	}
	if size == 0 || size%hostarch.PageSize != 0 {
		return fmt.Errorf("arena_size %s is not a positive multiple of %d", humanize.IBytes(size), hostarch.PageSize)
	}
	if !hostarch.HostPhysAddr(c.PhysBase).IsPageAligned() {
		return fmt.Errorf("phys_base %#x is not page-aligned", c.PhysBase)
	}
	if _, err := c.NPTEncoding(); err != nil {
		return err
	}
	switch c.Levels {
	case 0, npt.Levels3, npt.Levels4:
	default:
		return fmt.Errorf("levels %d: want 0, %d or %d", c.Levels, npt.Levels3, npt.Levels4)
	}
	if c.PAWidth != 0 {
		if _, err := npt.SelectLevels(c.PAWidth, c.Levels); err != nil {
			return fmt.Errorf("pa_width: %w", err)
		}
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format %q: want \"text\" or \"json\"", c.LogFormat)
	}
	if c.FaultLogInterval < 0 {
		return fmt.Errorf("fault_log_interval %v is negative", c.FaultLogInterval)
	}
	return nil
}

// Log logs the configuration.
func (c *Config) Log() {
	var b strings.Builder
	if err := toml.NewEncoder(&b).Encode(c); err != nil {
		log.Warningf("Encoding config: %v", err)
		return
	}
	log.Infof("Config:")
	for _, line := range strings.Split(strings.TrimSpace(b.String()), "\n") {
		log.Infof("\t%s", line)
	}
}
