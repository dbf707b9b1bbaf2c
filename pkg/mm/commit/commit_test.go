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

package commit

import (
	"testing"

	"golang.org/x/sync/errgroup"
)

func TestChargeLimit(t *testing.T) {
	l := NewLedger("system", 10, nil)
	if !l.Charge(6) {
		t.Fatalf("Charge(6) failed")
	}
	if l.Charge(5) {
		t.Fatalf("Charge(5) past the limit succeeded")
	}
	if got := l.Charged(); got != 6 {
		t.Errorf("Charged = %d after a failed charge, want 6", got)
	}
	l.Uncharge(6)
	if got, peak := l.Charged(), l.Peak(); got != 0 || peak != 6 {
		t.Errorf("Charged, Peak = %d, %d; want 0, 6", got, peak)
	}
}

func TestParentRollback(t *testing.T) {
	system := NewLedger("system", 4, nil)
	proc := NewLedger("process", 0, system)
	if !proc.Charge(3) {
		t.Fatalf("Charge(3) failed")
	}
	if proc.Charge(2) {
		t.Fatalf("Charge past the parent limit succeeded")
	}
	if proc.Charged() != 3 || system.Charged() != 3 {
		t.Errorf("charges after rollback: process %d, system %d; want 3, 3", proc.Charged(), system.Charged())
	}
	proc.Uncharge(3)
	if system.Charged() != 0 {
		t.Errorf("system charge = %d after uncharge, want 0", system.Charged())
	}
}

func TestUnchargeUnderflowPanics(t *testing.T) {
	l := NewLedger("x", 0, nil)
	defer func() {
		if recover() == nil {
			t.Errorf("Uncharge below zero did not panic")
		}
	}()
	l.Uncharge(1)
}

func TestConcurrentCharges(t *testing.T) {
	l := NewLedger("system", 1000, nil)
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			for j := 0; j < 100; j++ {
				if l.Charge(1) {
					l.Uncharge(1)
				}
			}
			return nil
		})
	}
	g.Wait()
	if got := l.Charged(); got != 0 {
		t.Errorf("Charged = %d after balanced charges, want 0", got)
	}
}
