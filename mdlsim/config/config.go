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

// Package config holds the simulated machine description used by mdlsim.
//
// A machine is read from a TOML file and then adjusted by command line flags.
// Flags never modify the loaded file; they are applied to a copy.
package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"

	"gvisor.dev/mdl/pkg/log"
	"gvisor.dev/mdl/pkg/mm"
	"gvisor.dev/mdl/pkg/mm/mmtest"
	"gvisor.dev/mdl/pkg/mm/physmem"
)

// Config is a simulated machine plus the simulator's own settings.
type Config struct {
	// Runs are the RAM frame runs. Frames outside every run are I/O space.
	Runs []physmem.Run `toml:"runs"`

	// RefCountCeiling is the reference count at which locking a frame
	// fails. Zero selects the frame database default.
	RefCountCeiling int32 `toml:"ref_count_ceiling"`

	// CommitLimit is the system commit limit in pages. Zero is unlimited.
	CommitLimit uint64 `toml:"commit_limit"`

	// MaxCacheRanges bounds the programmable cache ranges. Zero is
	// unlimited.
	MaxCacheRanges int `toml:"max_cache_ranges"`

	MM mm.Config `toml:"mm"`

	// LogFormat is one of "text", "json" or "logrus".
	LogFormat string `toml:"-"`

	// Debug enables debug logging.
	Debug bool `toml:"-"`
}

// Default returns the built-in machine: 16MiB of RAM at 16MiB and 1024
// system mapping slots.
func Default() *Config {
	c := &Config{
		Runs:      []physmem.Run{{Base: 0x1000, Count: 4096}},
		MM:        mm.DefaultConfig(),
		LogFormat: "text",
	}
	c.MM.SystemPTEs = 1024
	return c
}

// Load reads a machine file. Fields missing from the file keep their
// Default values; unknown keys are an error.
func Load(path string) (*Config, error) {
	c := Default()
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("reading machine file %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("machine file %q: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return c, nil
}

// RegisterFlags registers the flags that populate Config.
func RegisterFlags(fs *flag.FlagSet) {
	fs.String("config", "", "path to a TOML machine file. Empty uses the built-in machine.")
	fs.String("log-format", "text", "log format: text (default), json, or logrus.")
	fs.Bool("debug", false, "enable debug logging.")

	// Machine overrides. These take precedence over the machine file.
	fs.Int("ref-count-ceiling", 0, "frame reference count at which locks fail.")
	fs.Uint64("commit-limit", 0, "system commit limit in pages, 0 for unlimited.")
	fs.Uint("system-ptes", 0, "number of system mapping slots.")
	fs.Int("max-io-space-retries", 0, "times a lock restarts after I/O space is remapped.")
	fs.Int("flush-threshold", 0, "largest number of pages flushed individually.")
	fs.Bool("deferred-unlock", true, "queue unlocks from other contexts instead of taking the frame lock.")
	fs.Int("nodes", 0, "number of deferred unlock queues.")
	fs.Bool("track", true, "run the diagnostic trackers.")
}

// NewFromFlags returns the machine named by --config with every flag set on
// the command line applied to it.
func NewFromFlags(fs *flag.FlagSet) (*Config, error) {
	file := Default()
	if path := fs.Lookup("config").Value.String(); path != "" {
		var err error
		if file, err = Load(path); err != nil {
			return nil, err
		}
	}
	c := deepcopy.Copy(file).(*Config)
	var err error
	fs.Visit(func(f *flag.Flag) {
		if err == nil && f.Name != "config" {
			err = c.Override(f.Name, f.Value.String())
		}
	})
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Override sets the field controlled by flag name to value.
func (c *Config) Override(name, value string) error {
	var err error
	switch name {
	case "log-format":
		switch value {
		case "text", "json", "logrus":
			c.LogFormat = value
		default:
			return fmt.Errorf("invalid log format %q", value)
		}
	case "debug":
		c.Debug, err = strconv.ParseBool(value)
	case "ref-count-ceiling":
		var v int64
		v, err = strconv.ParseInt(value, 0, 32)
		c.RefCountCeiling = int32(v)
	case "commit-limit":
		c.CommitLimit, err = strconv.ParseUint(value, 0, 64)
	case "system-ptes":
		var v uint64
		v, err = strconv.ParseUint(value, 0, 32)
		c.MM.SystemPTEs = uint32(v)
	case "max-io-space-retries":
		c.MM.MaxIOSpaceRetries, err = strconv.Atoi(value)
	case "flush-threshold":
		c.MM.FlushThreshold, err = strconv.Atoi(value)
	case "deferred-unlock":
		c.MM.DeferredUnlock, err = strconv.ParseBool(value)
	case "nodes":
		c.MM.Nodes, err = strconv.Atoi(value)
	case "track":
		var on bool
		on, err = strconv.ParseBool(value)
		c.MM.Trackers.LockedMDLs = on
		c.MM.Trackers.SystemPTEs = on
		c.MM.Trackers.IOMappings = on
	default:
		return fmt.Errorf("flag %q does not configure the machine", name)
	}
	if err != nil {
		return fmt.Errorf("invalid value %q for flag %q: %w", value, name, err)
	}
	return nil
}

// Validate checks that c describes a machine that can be built.
func (c *Config) Validate() error {
	if len(c.Runs) == 0 {
		return fmt.Errorf("machine has no RAM")
	}
	if _, err := physmem.SortRuns(c.Runs); err != nil {
		return err
	}
	if c.MM.SystemPTEs == 0 {
		return fmt.Errorf("machine has no system mapping slots")
	}
	if c.MM.MaxIOSpaceRetries < 0 {
		return fmt.Errorf("negative I/O space retry limit %d", c.MM.MaxIOSpaceRetries)
	}
	return nil
}

// Machine returns the mmtest configuration of c.
func (c *Config) Machine() mmtest.Config {
	return mmtest.Config{
		Runs:            append([]physmem.Run(nil), c.Runs...),
		RefCountCeiling: c.RefCountCeiling,
		CommitLimit:     c.CommitLimit,
		MaxCacheRanges:  c.MaxCacheRanges,
		MM:              c.MM,
	}
}

// Encode writes c as a machine file.
func (c *Config) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

// Log logs the configuration.
func (c *Config) Log() {
	var frames uint64
	runs := make([]string, 0, len(c.Runs))
	for _, r := range c.Runs {
		frames += r.Count
		runs = append(runs, r.String())
	}
	sort.Strings(runs)
	log.Infof("Machine: %d frames in %s", frames, strings.Join(runs, ", "))
	log.Infof("Config: %+v", c.MM)
	if c.CommitLimit != 0 {
		log.Infof("Commit limit: %d pages", c.CommitLimit)
	}
}

// WriteFile writes c to path as a machine file.
func (c *Config) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := c.Encode(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
