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

// Package config provides basic infrastructure to set configuration settings
// for vmsim. Each setting that can be changed from the command line or from
// a configuration file must be added to Config and have a corresponding flag
// registered in RegisterFlags.
package config

import (
	"fmt"

	"gvisor.dev/pagevm/pkg/hostarch"
	"gvisor.dev/pagevm/pkg/log"
	"gvisor.dev/pagevm/pkg/sentry/mm"
	"gvisor.dev/pagevm/pkg/sentry/swap"
)

// Config holds configuration that is not part of a workload.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name and the same name as a toml tag.
//  3. Register the flag in flags.go, in RegisterFlags().
//  4. Add any necessary validation into Validate().
type Config struct {
	// Frames is the number of physical page frames.
	Frames int `flag:"frames" toml:"frames"`

	// SwapFile is the path of the host file backing the swap device. The
	// swap device is in memory if empty.
	SwapFile string `flag:"swap-file" toml:"swap-file"`

	// SwapSectors is the size of the swap device in sectors.
	SwapSectors uint64 `flag:"swap-sectors" toml:"swap-sectors"`

	// StackMax is the maximum size of a process stack in bytes.
	StackMax uint64 `flag:"stack-max" toml:"stack-max"`

	// StackGap is how far below the stack pointer an access still grows
	// the stack.
	StackGap uint64 `flag:"stack-gap" toml:"stack-gap"`

	// MmapBase is where mappings without a fixed address are placed.
	MmapBase uint64 `flag:"mmap-base" toml:"mmap-base"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug" toml:"debug"`

	// LogFilename is the filename to log to, if not empty. %PID% is
	// replaced with the process ID.
	LogFilename string `flag:"log" toml:"log"`

	// LogFormat is the log format: "text" or "json".
	LogFormat string `flag:"log-format" toml:"log-format"`

	// MetricsFile is where paging statistics are written in the Prometheus
	// text format after a run, if not empty.
	MetricsFile string `flag:"metrics-file" toml:"metrics-file"`
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Frames <= 0 {
		return fmt.Errorf("--frames must be positive, got %d", c.Frames)
	}
	if c.SwapSectors < swap.SectorsPerPage {
		return fmt.Errorf("--swap-sectors must hold at least one page (%d sectors), got %d", swap.SectorsPerPage, c.SwapSectors)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid --log-format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if err := c.Layout().Validate(); err != nil {
		return fmt.Errorf("invalid address space layout: %w", err)
	}
	return nil
}

// Layout returns the address space layout of every simulated process.
func (c *Config) Layout() mm.Layout {
	l := mm.DefaultLayout()
	l.MaxStackSize = c.StackMax
	l.StackGap = c.StackGap
	l.MmapBase = hostarch.Addr(c.MmapBase)
	return l
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	log.Infof("\t\tFrames: %d (%d KB)", c.Frames, c.Frames*hostarch.PageSize/1024)
	if c.SwapFile != "" {
		log.Infof("\t\tSwap: %s, %d sectors", c.SwapFile, c.SwapSectors)
	} else {
		log.Infof("\t\tSwap: memory, %d sectors", c.SwapSectors)
	}
	log.Infof("\t\tStack: max %#x, gap %#x", c.StackMax, c.StackGap)
	log.Infof("\t\tMmap base: %#x", c.MmapBase)
	log.Infof("\t\tDebug: %t, log format: %s", c.Debug, c.LogFormat)
}
