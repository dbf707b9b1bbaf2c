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

package locking

import (
	"strings"
	"testing"
)

var (
	testLow  = NewMutexClass("low", 10)
	testHigh = NewMutexClass("high", 20)
	testFree = NewMutexClass("free", Unranked)
)

func expectPanic(t *testing.T, substr string, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		if r == nil {
			t.Fatalf("expected panic containing %q", substr)
		}
		if s, ok := r.(string); !ok || !strings.Contains(s, substr) {
			t.Fatalf("panic %v does not contain %q", r, substr)
		}
	}()
	fn()
}

func TestOrderedAcquisition(t *testing.T) {
	var (
		h    Held
		low  RWMutex
		high Mutex
	)
	low.Init(testLow)
	high.Init(testHigh)

	low.RLock(&h)
	high.Lock(&h)
	if !h.Holds(testLow) || !h.Holds(testHigh) {
		t.Fatalf("held = %v, want both classes", &h)
	}
	high.Unlock(&h)
	low.RUnlock(&h)
	if !h.Empty() {
		t.Errorf("held = %v after release, want empty", &h)
	}
}

func TestInversionPanics(t *testing.T) {
	var (
		h    Held
		low  Mutex
		high Mutex
	)
	low.Init(testLow)
	high.Init(testHigh)

	high.Lock(&h)
	defer high.Unlock(&h)
	expectPanic(t, "lock order violation", func() { low.Lock(&h) })
}

func TestRecursivePanics(t *testing.T) {
	var h Held
	a := NewMutex(testLow)
	b := NewMutex(testLow)
	a.Lock(&h)
	defer a.Unlock(&h)
	expectPanic(t, "recursively", func() { b.Lock(&h) })
}

func TestUnrankedIsIndependent(t *testing.T) {
	var h Held
	high := NewMutex(testHigh)
	free := NewMutex(testFree)
	high.Lock(&h)
	free.Lock(&h)
	free.Unlock(&h)
	high.Unlock(&h)
}

func TestObserver(t *testing.T) {
	var got []string
	restore := SetObserver(func(acquired *MutexClass, held []*MutexClass) {
		var names []string
		for _, c := range held {
			names = append(names, c.Name())
		}
		got = append(got, acquired.Name()+"<-"+strings.Join(names, ","))
	})
	defer restore()

	var h Held
	low := NewMutex(testLow)
	high := NewMutex(testHigh)
	low.Lock(&h)
	high.Lock(&h)
	high.Unlock(&h)
	low.Unlock(&h)

	want := []string{"low<-", "high<-low"}
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("observed %v, want %v", got, want)
	}
}

func TestNilHeldSkipsValidation(t *testing.T) {
	low := NewMutex(testLow)
	high := NewMutex(testHigh)
	high.Lock(nil)
	low.Lock(nil)
	low.Unlock(nil)
	high.Unlock(nil)
}

func TestAssertEmpty(t *testing.T) {
	var h Held
	h.AssertEmpty("fault handler")
	m := NewMutex(testLow)
	m.Lock(&h)
	defer m.Unlock(&h)
	expectPanic(t, "fault handler", func() { h.AssertEmpty("fault handler") })
}

func TestTryLock(t *testing.T) {
	var h Held
	m := NewMutex(testLow)
	if !m.TryLock(&h) {
		t.Fatalf("TryLock on an unlocked mutex failed")
	}
	var other Held
	if m.TryLock(&other) {
		t.Fatalf("TryLock on a locked mutex succeeded")
	}
	if !other.Empty() {
		t.Errorf("failed TryLock recorded a hold")
	}
	m.Unlock(&h)
}
