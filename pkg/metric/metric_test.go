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

package metric

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/common/expfmt"
)

func TestFieldMapperRoundTrip(t *testing.T) {
	f, err := newFieldMapper(
		NewField("kind", []string{"single", "multiple", "entire"}),
		NewField("space", []string{"user", "system"}),
	)
	if err != nil {
		t.Fatalf("newFieldMapper: %v", err)
	}
	seen := make(map[int]bool)
	for _, kind := range []string{"single", "multiple", "entire"} {
		for _, space := range []string{"user", "system"} {
			key := f.lookup(kind, space)
			if seen[key] {
				t.Errorf("duplicate key %d for (%s, %s)", key, kind, space)
			}
			seen[key] = true
			if diff := cmp.Diff([]string{kind, space}, f.keyToMultiField(key)); diff != "" {
				t.Errorf("keyToMultiField(%d) mismatch (-want +got):\n%s", key, diff)
			}
		}
	}
}

func TestNoAllowedValues(t *testing.T) {
	r := NewRegistry()
	if _, err := r.NewUint64Metric("/bad", "", NewField("f", nil)); err != ErrFieldHasNoAllowedValues {
		t.Errorf("got %v, want ErrFieldHasNoAllowedValues", err)
	}
}

func TestNameInUse(t *testing.T) {
	r := NewRegistry()
	r.MustCreateNewUint64Metric("/mm/a", "a")
	if _, err := r.NewUint64Metric("/mm/a", "again"); err != ErrNameInUse {
		t.Errorf("got %v, want ErrNameInUse", err)
	}
}

func TestIncrement(t *testing.T) {
	r := NewRegistry()
	m := r.MustCreateNewUint64Metric("/mm/unlock_path", "Unlocks by path.", NewField("path", []string{"fast", "general"}))
	m.Increment("fast")
	m.IncrementBy(4, "general")
	m.Increment("general")
	if got := m.Value("fast"); got != 1 {
		t.Errorf("fast = %d, want 1", got)
	}
	if got := m.Value("general"); got != 5 {
		t.Errorf("general = %d, want 5", got)
	}
}

func TestDisallowedValuePanics(t *testing.T) {
	r := NewRegistry()
	m := r.MustCreateNewUint64Metric("/x", "x", NewField("f", []string{"a"}))
	defer func() {
		if recover() == nil {
			t.Errorf("Increment with a disallowed value did not panic")
		}
	}()
	m.Increment("b")
}

func TestWriteTextParses(t *testing.T) {
	r := NewRegistry()
	flush := r.MustCreateNewUint64Metric("/mm/tlb_flush", "Translation buffer flushes.", NewField("kind", []string{"single", "multiple", "entire"}))
	plain := r.MustCreateNewUint64Metric("/mm/plain", "No fields.")
	flush.IncrementBy(3, "multiple")
	plain.Increment()

	var buf bytes.Buffer
	if err := r.WriteText(&buf); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(&buf)
	if err != nil {
		t.Fatalf("TextToMetricFamilies: %v\n%s", err, buf.String())
	}

	got := make(map[string]float64)
	for _, m := range families["mm_tlb_flush"].GetMetric() {
		for _, l := range m.GetLabel() {
			if l.GetName() == "kind" {
				got[l.GetValue()] = m.GetCounter().GetValue()
			}
		}
	}
	want := map[string]float64{"single": 0, "multiple": 3, "entire": 0}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("tlb_flush mismatch (-want +got):\n%s", diff)
	}
	if ms := families["mm_plain"].GetMetric(); len(ms) != 1 || ms[0].GetCounter().GetValue() != 1 {
		t.Errorf("mm_plain = %v, want a single series of 1", ms)
	}
}

func TestTooManyCombinations(t *testing.T) {
	values := make([]string, 300)
	for i := range values {
		values[i] = string(rune('a'+i%26)) + string(rune('a'+i/26))
	}
	f := NewField("f", values)
	if _, err := newFieldMapper(f, f); err != ErrTooManyFieldCombinations {
		t.Errorf("got %v, want ErrTooManyFieldCombinations", err)
	}
}
