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
	"gvisor.dev/mdl/pkg/log"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	workload Workload
	stats    bool
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run a concurrent lock and map workload against the machine"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] - lock, map, unmap and unlock random ranges from several
processes at once, then check that every charge was returned.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.IntVar(&r.workload.Workers, "workers", 4, "number of concurrent processes.")
	f.IntVar(&r.workload.Iterations, "iterations", 1000, "lock cycles per process.")
	f.IntVar(&r.workload.Pages, "pages", 16, "size of each process's buffer in pages.")
	f.Uint64Var(&r.workload.Seed, "seed", 1, "random seed.")
	f.BoolVar(&r.stats, "stats", false, "print machine statistics before and after the run.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	mach, err := newMachine(conf)
	if err != nil {
		Fatalf("%v", err)
	}
	defer mach.Release()

	log.Infof("Running workload %+v", r.workload)
	report, err := r.workload.Run(ctx, mach)
	if report != nil {
		fmt.Fprintln(os.Stdout, report)
		if r.stats {
			fmt.Fprintf(os.Stdout, "before: %v\nafter:  %v\n", report.Before, report.After)
		}
	}
	if err != nil {
		log.Warningf("Workload failed: %v", err)
		fmt.Fprintf(os.Stderr, "workload failed: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
