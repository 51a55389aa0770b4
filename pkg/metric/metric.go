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

// Package metric provides primitives for collecting metrics.
//
// Unlike a process-wide registry, every Registry is owned by one device
// instance, so two devices attached in the same process keep separate
// counters.
package metric

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"gvisor.dev/vgpu/pkg/sync"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")

	// ErrTooManyFieldCombinations indicates that the number of unique
	// combinations of fields is too large to support.
	ErrTooManyFieldCombinations = errors.New("metric has too many combinations of allowed field values")
)

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric.
type Field struct {
	// name is the metric field name.
	name string

	// allowedValues is the list of allowed values for the field.
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues ...string) Field {
	return Field{
		name:          name,
		allowedValues: allowedValues,
	}
}

// fieldMapper maps multi-dimensional field values to a single unique
// integer key, and back.
type fieldMapper struct {
	fields []Field

	// numFieldCombinations is the number of unique keys for all possible field
	// combinations.
	numFieldCombinations int
}

func newFieldMapper(fields ...Field) (fieldMapper, error) {
	numFieldCombinations := 1
	for _, f := range fields {
		// Disallow fields with no possible values. Passing in a
		// no-allowed-values field is probably a mistake.
		if len(f.allowedValues) == 0 {
			return fieldMapper{}, ErrFieldHasNoAllowedValues
		}
		numFieldCombinations *= len(f.allowedValues)
		if numFieldCombinations > math.MaxUint16 {
			return fieldMapper{}, ErrTooManyFieldCombinations
		}
	}
	return fieldMapper{
		fields:               fields,
		numFieldCombinations: numFieldCombinations,
	}, nil
}

// lookup returns the key for the given field values. It must be called with
// the correct number of allowed values, or it will panic.
func (m fieldMapper) lookup(values ...string) int {
	if len(values) != len(m.fields) {
		panic("invalid field lookup depth")
	}
	idx := 0
	remaining := m.numFieldCombinations
Lookup:
	for i, val := range values {
		for valIdx, allowed := range m.fields[i].allowedValues {
			if val == allowed {
				remaining /= len(m.fields[i].allowedValues)
				idx += remaining * valIdx
				continue Lookup
			}
		}
		panic(fmt.Sprintf("disallowed value %q for field %q", val, m.fields[i].name))
	}
	return idx
}

// keyToFields is the inverse of lookup.
func (m fieldMapper) keyToFields(key int) map[string]string {
	if len(m.fields) == 0 {
		return nil
	}
	labels := make(map[string]string, len(m.fields))
	remaining := m.numFieldCombinations
	for _, f := range m.fields {
		remaining /= len(f.allowedValues)
		labels[f.name] = f.allowedValues[key/remaining]
		key %= remaining
	}
	return labels
}

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored.
type Uint64Metric struct {
	name        string
	description string
	cumulative  bool

	// fields is indexed by field value combination key.
	fields []atomic.Uint64

	// value, when set, computes the metric on demand instead of fields.
	value func(fieldValues ...string) uint64

	fieldMapper fieldMapper
}

// Value returns the current value of the metric for the given set of fields.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	if m.value != nil {
		return m.value(fieldValues...)
	}
	return m.fields[m.fieldMapper.lookup(fieldValues...)].Load()
}

// Increment increments the metric field by 1.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.IncrementBy(1, fieldValues...)
}

// IncrementBy increments the metric by v.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.fields[m.fieldMapper.lookup(fieldValues...)].Add(v)
}

// Registry holds the metrics of one device.
type Registry struct {
	mu            sync.Mutex
	uint64Metrics map[string]*Uint64Metric
	distributions map[string]*DistributionMetric
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		uint64Metrics: make(map[string]*Uint64Metric),
		distributions: make(map[string]*DistributionMetric),
	}
}

func (r *Registry) checkNameLocked(name string) error {
	if _, ok := r.uint64Metrics[name]; ok {
		return ErrNameInUse
	}
	if _, ok := r.distributions[name]; ok {
		return ErrNameInUse
	}
	return nil
}

// NewUint64Metric creates and registers a new cumulative metric with the given
// name.
func (r *Registry) NewUint64Metric(name, description string, fields ...Field) (*Uint64Metric, error) {
	mapper, err := newFieldMapper(fields...)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkNameLocked(name); err != nil {
		return nil, err
	}
	m := &Uint64Metric{
		name:        name,
		description: description,
		cumulative:  true,
		fields:      make([]atomic.Uint64, mapper.numFieldCombinations),
		fieldMapper: mapper,
	}
	r.uint64Metrics[name] = m
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns
// an error.
func (r *Registry) MustCreateNewUint64Metric(name, description string, fields ...Field) *Uint64Metric {
	m, err := r.NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// RegisterCustomUint64Metric registers a metric with the given name whose
// value is computed by calling value. Non-cumulative metrics are exported as
// gauges.
func (r *Registry) RegisterCustomUint64Metric(name string, cumulative bool, description string, value func(...string) uint64, fields ...Field) error {
	mapper, err := newFieldMapper(fields...)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkNameLocked(name); err != nil {
		return err
	}
	r.uint64Metrics[name] = &Uint64Metric{
		name:        name,
		description: description,
		cumulative:  cumulative,
		value:       value,
		fieldMapper: mapper,
	}
	return nil
}

// MustRegisterCustomUint64Metric calls RegisterCustomUint64Metric and panics
// if it returns an error.
func (r *Registry) MustRegisterCustomUint64Metric(name string, cumulative bool, description string, value func(...string) uint64, fields ...Field) {
	if err := r.RegisterCustomUint64Metric(name, cumulative, description, value, fields...); err != nil {
		panic(fmt.Sprintf("Unable to register metric %q: %s", name, err))
	}
}

// DistributionMetric represents a distribution of values in finite buckets.
type DistributionMetric struct {
	name        string
	description string
	bucketer    *ExponentialBucketer
	fieldMapper fieldMapper

	// samples is indexed by field key. The 0-th value of each list is the
	// underflow bucket, the last one is the infinite bucket.
	samples [][]atomic.Uint64

	// sums is the sum of all samples, per field key.
	sums []atomic.Int64
}

// NewDistributionMetric creates and registers a new distribution metric.
func (r *Registry) NewDistributionMetric(name string, bucketer *ExponentialBucketer, description string, fields ...Field) (*DistributionMetric, error) {
	mapper, err := newFieldMapper(fields...)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkNameLocked(name); err != nil {
		return nil, err
	}
	d := &DistributionMetric{
		name:        name,
		description: description,
		bucketer:    bucketer,
		fieldMapper: mapper,
		samples:     make([][]atomic.Uint64, mapper.numFieldCombinations),
		sums:        make([]atomic.Int64, mapper.numFieldCombinations),
	}
	for i := range d.samples {
		d.samples[i] = make([]atomic.Uint64, bucketer.NumFiniteBuckets()+2)
	}
	r.distributions[name] = d
	return d, nil
}

// MustCreateNewDistributionMetric creates and registers a distribution metric.
// If an error occurs, it panics.
func (r *Registry) MustCreateNewDistributionMetric(name string, bucketer *ExponentialBucketer, description string, fields ...Field) *DistributionMetric {
	d, err := r.NewDistributionMetric(name, bucketer, description, fields...)
	if err != nil {
		panic(err)
	}
	return d
}

// AddSample adds a sample to the distribution.
func (d *DistributionMetric) AddSample(sample int64, fields ...string) {
	key := d.fieldMapper.lookup(fields...)
	d.samples[key][d.bucketer.BucketIndex(sample)+1].Add(1)
	d.sums[key].Add(sample)
}

// Count returns the number of samples recorded for the given fields.
func (d *DistributionMetric) Count(fields ...string) uint64 {
	var n uint64
	buckets := d.samples[d.fieldMapper.lookup(fields...)]
	for i := range buckets {
		n += buckets[i].Load()
	}
	return n
}

// TimedOperation is used by TimerMetric to keep track of the time elapsed
// between an operation starting and stopping.
type TimedOperation struct {
	d      *DistributionMetric
	start  time.Time
	fields []string
}

// StartTimer starts a timer measurement for the given combination of fields.
// The sample is recorded in nanoseconds.
func (d *DistributionMetric) StartTimer(fields ...string) TimedOperation {
	return TimedOperation{d: d, start: time.Now(), fields: fields}
}

// Finish marks an operation as finished and records its duration.
func (o TimedOperation) Finish() {
	o.d.AddSample(time.Since(o.start).Nanoseconds(), o.fields...)
}

// sortedNames returns the names in m in lexicographic order.
func sortedNames[T any](m map[string]T) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
