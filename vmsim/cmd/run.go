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
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/google/subcommands"
	"gvisor.dev/pagevm/pkg/hostarch"
	"gvisor.dev/pagevm/pkg/log"
	"gvisor.dev/pagevm/vmsim/cmd/util"
	"gvisor.dev/pagevm/vmsim/config"
	"gvisor.dev/pagevm/vmsim/flag"
	"gvisor.dev/pagevm/vmsim/metrics"
	"gvisor.dev/pagevm/vmsim/workload"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	// dumpMaps is the file where process maps listings are written. "-" is
	// stdout.
	dumpMaps string
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run a workload of simulated processes"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] <workload file> - runs every process of the workload concurrently
against one frame table and reports paging statistics.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.dumpMaps, "dump-maps", "", "write each process's memory maps before it exits to this file, or - for stdout.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	w, err := workload.Load(f.Arg(0))
	if err != nil {
		util.Fatalf("%v", err)
	}
	frames, release, err := newFrameTable(ctx, conf)
	if err != nil {
		util.Fatalf("%v", err)
	}
	defer release()

	runner := &workload.Runner{
		Frames: frames,
		Layout: conf.Layout(),
	}
	switch r.dumpMaps {
	case "":
	case "-":
		runner.Maps = os.Stdout
	default:
		mf, err := os.OpenFile(r.dumpMaps, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			util.Fatalf("error opening maps file: %v", err)
		}
		defer mf.Close()
		runner.Maps = mf
	}

	res, err := runner.Run(ctx, w)
	if err != nil {
		util.Fatalf("workload failed: %v", err)
	}
	printResult(os.Stdout, res)

	if conf.MetricsFile != "" {
		if err := metrics.WriteFile(conf.MetricsFile, frames); err != nil {
			util.Fatalf("error writing metrics: %v", err)
		}
		log.Infof("Wrote metrics to %s", conf.MetricsFile)
	}
	return subcommands.ExitSuccess
}

func printResult(w io.Writer, res *workload.Result) {
	s := res.Stats
	fmt.Fprintf(w, "processes:       %d (%d killed)\n", res.Processes, len(res.Killed))
	fmt.Fprintf(w, "faults:          %d (%d major)\n", s.Paging.Faults, s.Paging.MajorFaults)
	fmt.Fprintf(w, "stack growths:   %d\n", s.Paging.StackGrowths)
	fmt.Fprintf(w, "evictions:       %d\n", s.Paging.Evictions)
	fmt.Fprintf(w, "swap outs/ins:   %d/%d\n", s.Paging.SwapOuts, s.Paging.SwapIns)
	fmt.Fprintf(w, "file writebacks: %d\n", s.Paging.FileWriteBacks)
	fmt.Fprintf(w, "swap in use:     %d of %d slots (%d KB)\n", s.SwapUsed, s.SwapSlots, s.SwapUsed*hostarch.PageSize/1024)

	names := make([]string, 0, len(res.Killed))
	for name := range res.Killed {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "killed %s: %v\n", name, res.Killed[name])
	}
}
