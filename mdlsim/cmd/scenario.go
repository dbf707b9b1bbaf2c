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
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"gvisor.dev/mdl/mdlsim/config"
)

// RunScenario implements subcommands.Command for the "scenario" command.
type RunScenario struct{}

// Name implements subcommands.Command.Name.
func (*RunScenario) Name() string {
	return "scenario"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*RunScenario) Synopsis() string {
	return "replay a named scenario on a fresh machine"
}

// Usage implements subcommands.Command.Usage.
func (*RunScenario) Usage() string {
	return `scenario [<name>...] - replay each named scenario on its own machine.
With no names, list the scenarios.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*RunScenario) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*RunScenario) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	if f.NArg() == 0 {
		for _, s := range Scenarios() {
			fmt.Fprintf(os.Stdout, "%-16s %s\n", s.Name, s.Description)
		}
		return subcommands.ExitSuccess
	}

	status := subcommands.ExitSuccess
	for _, name := range f.Args() {
		s, ok := FindScenario(name)
		if !ok {
			fmt.Fprintf(os.Stderr, "unknown scenario %q\n", name)
			return subcommands.ExitUsageError
		}
		fmt.Fprintf(os.Stdout, "== %s\n", s.Name)
		if err := replay(ctx, conf, s); err != nil {
			fmt.Fprintf(os.Stdout, "FAIL: %v\n", err)
			status = subcommands.ExitFailure
			continue
		}
		fmt.Fprintln(os.Stdout, "ok")
	}
	return status
}

// replay runs s on a machine built from conf.
func replay(ctx context.Context, conf *config.Config, s Scenario) error {
	mach, err := newMachine(conf)
	if err != nil {
		return err
	}
	defer mach.Release()
	return s.Run(ctx, mach, os.Stdout)
}
