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

// Package cli is the main entrypoint for gmctl.
package cli

import (
	"context"
	"flag"
	"io"
	"os"
	"runtime"

	"github.com/google/subcommands"
	"hvmem.dev/hvmem/gmctl/cmd"
	"hvmem.dev/hvmem/gmctl/config"
	"hvmem.dev/hvmem/pkg/log"
)

var (
	configPath = flag.String("config", "", "path to a TOML configuration file.")
	debug      = flag.Bool("debug", false, "enable debug logging.")
	logFormat  = flag.String("log-format", "", "log format: text (default) or json. Overrides the configuration file.")
	logFile    = flag.String("log", "", "file to log to, instead of stderr. %PID% and %COMMAND% are expanded.")
	alsoStderr = flag.Bool("alsologtostderr", false, "send log messages to stderr as well as to -log.")
)

// Main is the main entrypoint.
func Main() {
	forEachCmd(subcommands.Register)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	conf, err := config.Load(*configPath)
	if err != nil {
		cmd.Fatalf("%v", err)
	}
	if *debug {
		conf.Debug = true
	}
	if *logFormat != "" {
		conf.LogFormat = *logFormat
		if err := conf.Validate(); err != nil {
			cmd.Fatalf("%v", err)
		}
	}

	subcommand := flag.CommandLine.Arg(0)
	var out io.Writer = os.Stderr
	if *logFile != "" {
		f, err := log.OpenFile(*logFile, log.PatternOpts{PID: os.Getpid(), Command: subcommand})
		if err != nil {
			cmd.Fatalf("error opening log file %q: %v", *logFile, err)
		}
		out = f
	}
	e := newEmitter(conf.LogFormat, out)
	if *alsoStderr && *logFile != "" {
		e = &log.MultiEmitter{e, newEmitter(conf.LogFormat, os.Stderr)}
	}
	log.SetTarget(e)
	if conf.Debug {
		log.SetLevel(log.Debug)
	}

	const delimString = `**************** gmctl ****************`
	log.Infof(delimString)
	log.Infof("%s, %s, %d CPUs, %s, PID %d", runtime.Version(), runtime.GOARCH, runtime.NumCPU(), runtime.GOOS, os.Getpid())
	log.Debugf("Page size: 0x%x (%d bytes)", os.Getpagesize(), os.Getpagesize())
	log.Infof("Args: %v", os.Args)
	conf.Log()
	log.Infof(delimString)

	subcmdCode := subcommands.Execute(context.Background(), conf)
	if subcmdCode != subcommands.ExitSuccess {
		log.Warningf("Failure to execute command, err: %v", subcmdCode)
	}
	os.Exit(int(subcmdCode))
}

func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")

	cb(new(cmd.Caps), "")
	cb(new(cmd.Scenario), "")
	cb(new(cmd.Stress), "")
	cb(new(cmd.Fork), "")
}

func newEmitter(format string, logFile io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{Emitter: &log.Writer{Next: logFile}}
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: logFile}}
	}
	cmd.Fatalf("invalid log format %q, must be 'text' or 'json'", format)
	panic("unreachable")
}
