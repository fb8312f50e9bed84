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
	"os"

	"github.com/BurntSushi/toml"
	"github.com/google/subcommands"
	"gvisor.dev/pagevm/vmsim/cmd/util"
	"gvisor.dev/pagevm/vmsim/config"
	"gvisor.dev/pagevm/vmsim/flag"
)

// PrintConfig implements subcommands.Command for the "config" command.
type PrintConfig struct {
	flags bool
}

// Name implements subcommands.Command.Name.
func (*PrintConfig) Name() string {
	return "config"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*PrintConfig) Synopsis() string {
	return "print the effective configuration"
}

// Usage implements subcommands.Command.Usage.
func (*PrintConfig) Usage() string {
	return `config [flags] - prints the configuration in effect, as a TOML file that
can be passed back with --config.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (p *PrintConfig) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&p.flags, "flags", false, "print the configuration as command line flags instead.")
}

// Execute implements subcommands.Command.Execute.
func (p *PrintConfig) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if p.flags {
		for _, arg := range conf.ToFlags() {
			os.Stdout.WriteString(arg + "\n")
		}
		return subcommands.ExitSuccess
	}
	if err := toml.NewEncoder(os.Stdout).Encode(conf); err != nil {
		util.Fatalf("error encoding config: %v", err)
	}
	return subcommands.ExitSuccess
}
