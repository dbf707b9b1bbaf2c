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
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/google/subcommands"
	"github.com/prometheus/common/expfmt"

	"gvisor.dev/mdl/mdlsim/config"
)

// Metrics implements subcommands.Command for the "metrics" command.
type Metrics struct {
	iterations int
	check      bool
}

// Name implements subcommands.Command.Name.
func (*Metrics) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Metrics) Synopsis() string {
	return "print the memory manager's counters in Prometheus text format"
}

// Usage implements subcommands.Command.Usage.
func (*Metrics) Usage() string {
	return `metrics [flags] - run a short workload and print the counters it produced.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Metrics) SetFlags(f *flag.FlagSet) {
	f.IntVar(&m.iterations, "iterations", 64, "workload iterations to run first, 0 for none.")
	f.BoolVar(&m.check, "check", false, "parse the output back and report the metric families found.")
}

// Execute implements subcommands.Command.Execute.
func (m *Metrics) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
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
	if m.iterations > 0 {
		w := Workload{Workers: 2, Iterations: m.iterations, Pages: 8, Seed: 1}
		if _, err := w.Run(ctx, mach); err != nil {
			Fatalf("running workload: %v", err)
		}
	}

	var buf bytes.Buffer
	if err := mach.MM.Metrics().WriteText(&buf); err != nil {
		Fatalf("writing metrics: %v", err)
	}
	os.Stdout.Write(buf.Bytes())
	if m.check {
		names, err := CheckExposition(&buf)
		if err != nil {
			Fatalf("metrics do not parse: %v", err)
		}
		fmt.Fprintf(os.Stderr, "%d metric families: %v\n", len(names), names)
	}
	return subcommands.ExitSuccess
}

// CheckExposition parses r as Prometheus text format and returns the sorted
// names of the metric families in it.
func CheckExposition(r io.Reader) ([]string, error) {
	var p expfmt.TextParser
	families, err := p.TextToMetricFamilies(r)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(families))
	for name := range families {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
