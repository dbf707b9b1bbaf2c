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
	"os"

	"github.com/google/subcommands"

	"gvisor.dev/mdl/mdlsim/config"
)

// Config implements subcommands.Command for the "config" command.
type Config struct {
	output string
}

// Name implements subcommands.Command.Name.
func (*Config) Name() string {
	return "config"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Config) Synopsis() string {
	return "print the effective machine file"
}

// Usage implements subcommands.Command.Usage.
func (*Config) Usage() string {
	return `config [flags] - print the machine described by --config and the
machine flags, as a TOML file that reproduces it.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Config) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.output, "o", "", "write the machine file to this path instead of stdout.")
}

// Execute implements subcommands.Command.Execute.
func (c *Config) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if c.output != "" {
		if err := conf.WriteFile(c.output); err != nil {
			Fatalf("writing %q: %v", c.output, err)
		}
		return subcommands.ExitSuccess
	}
	if err := conf.Encode(os.Stdout); err != nil {
		Fatalf("encoding machine: %v", err)
	}
	return subcommands.ExitSuccess
}
