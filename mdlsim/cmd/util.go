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
	"fmt"
	"os"

	"gvisor.dev/mdl/mdlsim/config"
	"gvisor.dev/mdl/pkg/log"
	"gvisor.dev/mdl/pkg/mm/mmtest"
)

// Fatalf logs to stderr and the debug log, then exits.
func Fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	log.Warningf(format, args...)
	os.Exit(128)
}

// newMachine builds the machine described by conf. The caller must Release
// it.
func newMachine(conf *config.Config) (*mmtest.Machine, error) {
	mach, err := mmtest.New(conf.Machine())
	if err != nil {
		return nil, fmt.Errorf("building machine: %w", err)
	}
	log.Debugf("Machine built: %v", mach.MM.Stats())
	return mach, nil
}
