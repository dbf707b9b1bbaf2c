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

// Package metric provides labelled counters and their text exposition.
package metric

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"gvisor.dev/mdl/pkg/atomicbitops"
	"gvisor.dev/mdl/pkg/sync"
)

// maxSeries bounds the number of series a single metric may carry.
const maxSeries = 1 << 16

var (
	// ErrNameInUse is returned when a registry already holds the name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrFieldValueContainsIllegalChar is returned for field values that
	// cannot be written as a label value.
	ErrFieldValueContainsIllegalChar = errors.New("metric field value contains illegal character")

	// ErrFieldHasNoAllowedValues is returned for a field with no values.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")

	// ErrTooManyFieldCombinations is returned when the fields of a metric
	// describe more than maxSeries series.
	ErrTooManyFieldCombinations = errors.New("metric has too many combinations of allowed field values")
)

// Field is a label of a metric together with the values it may take.
type Field struct {
	name          string
	allowedValues []string
}

// NewField returns a Field named name that takes one of allowedValues.
func NewField(name string, allowedValues []string) Field {
	return Field{name: name, allowedValues: allowedValues}
}

// fieldMapper numbers the combinations of field values of a metric. The
// last field varies fastest.
type fieldMapper struct {
	fields []Field

	// strides[i] is the distance between consecutive values of fields[i].
	strides []int
	size    int
}

func newFieldMapper(fields ...Field) (fieldMapper, error) {
	size := 1
	for _, f := range fields {
		if len(f.allowedValues) == 0 {
			return fieldMapper{}, ErrFieldHasNoAllowedValues
		}
		for _, v := range f.allowedValues {
			if strings.ContainsAny(v, "\"\\\n") {
				return fieldMapper{}, ErrFieldValueContainsIllegalChar
			}
		}
		size *= len(f.allowedValues)
		if size > maxSeries {
			return fieldMapper{}, ErrTooManyFieldCombinations
		}
	}
	strides := make([]int, len(fields))
	stride := size
	for i, f := range fields {
		stride /= len(f.allowedValues)
		strides[i] = stride
	}
	return fieldMapper{fields: fields, strides: strides, size: size}, nil
}

// lookup returns the key of a combination of values. It panics if values does
// not name one value per field.
func (m fieldMapper) lookup(values ...string) int {
	if len(values) != len(m.fields) {
		panic(fmt.Sprintf("got %d field values, want %d", len(values), len(m.fields)))
	}
	key := 0
	for i, v := range values {
		idx := -1
		for j, allowed := range m.fields[i].allowedValues {
			if v == allowed {
				idx = j
				break
			}
		}
		if idx < 0 {
			panic(fmt.Sprintf("disallowed field value %q for field %q", v, m.fields[i].name))
		}
		key += idx * m.strides[i]
	}
	return key
}

func (m fieldMapper) numKeys() int {
	return m.size
}

// keyToMultiField inverts lookup.
func (m fieldMapper) keyToMultiField(key int) []string {
	if len(m.fields) == 0 {
		return nil
	}
	values := make([]string, len(m.fields))
	for i, f := range m.fields {
		values[i] = f.allowedValues[key/m.strides[i]]
		key %= m.strides[i]
	}
	return values
}

// Uint64Metric is a cumulative counter with one series per combination of
// its field values.
type Uint64Metric struct {
	name        string
	description string
	fields      []atomicbitops.Uint64
	fieldMapper fieldMapper
}

// Name returns the metric name.
func (m *Uint64Metric) Name() string {
	return m.name
}

// Value returns the series named by fieldValues.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.fields[m.fieldMapper.lookup(fieldValues...)].Load()
}

// Increment adds one to the series named by fieldValues.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.IncrementBy(1, fieldValues...)
}

// IncrementBy adds v to the series named by fieldValues. Like Value, it
// panics unless fieldValues holds one allowed value per field.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.fields[m.fieldMapper.lookup(fieldValues...)].Add(v)
}

// Registry is a named set of metrics. A memory manager keeps its counters in
// its own Registry so that independent instances do not share values.
type Registry struct {
	mu      sync.Mutex
	metrics map[string]*Uint64Metric
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{metrics: make(map[string]*Uint64Metric)}
}

// NewUint64Metric creates and registers a new cumulative metric with the
// given name.
func (r *Registry) NewUint64Metric(name, description string, fields ...Field) (*Uint64Metric, error) {
	f, err := newFieldMapper(fields...)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.metrics[name]; ok {
		return nil, ErrNameInUse
	}
	m := &Uint64Metric{
		name:        name,
		description: description,
		fields:      make([]atomicbitops.Uint64, f.numKeys()),
		fieldMapper: f,
	}
	r.metrics[name] = m
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns
// an error.
func (r *Registry) MustCreateNewUint64Metric(name, description string, fields ...Field) *Uint64Metric {
	m, err := r.NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("creating metric %q: %v", name, err))
	}
	return m
}

// Get returns the metric registered under name, or nil.
func (r *Registry) Get(name string) *Uint64Metric {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metrics[name]
}

// sorted returns the registered metrics ordered by name.
func (r *Registry) sorted() []*Uint64Metric {
	r.mu.Lock()
	defer r.mu.Unlock()
	ms := make([]*Uint64Metric, 0, len(r.metrics))
	for _, m := range r.metrics {
		ms = append(ms, m)
	}
	sort.Slice(ms, func(i, j int) bool { return ms[i].name < ms[j].name })
	return ms
}
