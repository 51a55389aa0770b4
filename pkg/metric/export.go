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
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
)

// promName converts a metric path such as "/vgpu/commands" to a Prometheus
// metric name ("vgpu_commands").
func promName(name string) string {
	return strings.NewReplacer("/", "_", "-", "_", ".", "_").Replace(strings.TrimPrefix(name, "/"))
}

// formatLabels renders labels in the text exposition format, with extra
// appended last.
func formatLabels(labels map[string]string, extra ...string) string {
	if len(labels) == 0 && len(extra) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys)+len(extra)/2)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, labels[k]))
	}
	for i := 0; i+1 < len(extra); i += 2 {
		parts = append(parts, fmt.Sprintf("%s=%q", extra[i], extra[i+1]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// values returns the metric value for each field combination key.
func (m *Uint64Metric) values() []uint64 {
	out := make([]uint64, m.fieldMapper.numFieldCombinations)
	for key := range out {
		if m.value != nil {
			labels := m.fieldMapper.keyToFields(key)
			args := make([]string, len(m.fieldMapper.fields))
			for i, f := range m.fieldMapper.fields {
				args[i] = labels[f.name]
			}
			out[key] = m.value(args...)
			continue
		}
		out[key] = m.fields[key].Load()
	}
	return out
}

// WritePrometheus writes every metric in r to w in the Prometheus text
// exposition format.
func (r *Registry) WritePrometheus(w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	bw := bufio.NewWriter(w)
	for _, name := range sortedNames(r.uint64Metrics) {
		m := r.uint64Metrics[name]
		pn := promName(name)
		typ := "counter"
		if !m.cumulative {
			typ = "gauge"
		}
		fmt.Fprintf(bw, "# HELP %s %s\n# TYPE %s %s\n", pn, m.description, pn, typ)
		for key, v := range m.values() {
			fmt.Fprintf(bw, "%s%s %d\n", pn, formatLabels(m.fieldMapper.keyToFields(key)), v)
		}
	}
	for _, name := range sortedNames(r.distributions) {
		d := r.distributions[name]
		pn := promName(name)
		fmt.Fprintf(bw, "# HELP %s %s\n# TYPE %s histogram\n", pn, d.description, pn)
		for key := range d.samples {
			labels := d.fieldMapper.keyToFields(key)
			buckets := d.samples[key]
			// The underflow bucket is folded into the first finite bucket.
			cumulative := buckets[0].Load()
			for i := 0; i < d.bucketer.NumFiniteBuckets(); i++ {
				cumulative += buckets[i+1].Load()
				le := fmt.Sprintf("%d", d.bucketer.LowerBound(i+1))
				fmt.Fprintf(bw, "%s_bucket%s %d\n", pn, formatLabels(labels, "le", le), cumulative)
			}
			cumulative += buckets[len(buckets)-1].Load()
			fmt.Fprintf(bw, "%s_bucket%s %d\n", pn, formatLabels(labels, "le", "+Inf"), cumulative)
			fmt.Fprintf(bw, "%s_sum%s %d\n", pn, formatLabels(labels), d.sums[key].Load())
			fmt.Fprintf(bw, "%s_count%s %d\n", pn, formatLabels(labels), cumulative)
		}
	}
	return bw.Flush()
}

// Snapshot returns the current value of every metric as a tree of maps,
// suitable for JSON encoding. Metrics without fields map to a number; metrics
// with fields map to an object keyed by the comma-joined field values.
// Distributions map to an object holding "count" and "sum".
func (r *Registry) Snapshot() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]any, len(r.uint64Metrics)+len(r.distributions))
	for name, m := range r.uint64Metrics {
		vals := m.values()
		if len(m.fieldMapper.fields) == 0 {
			out[name] = float64(vals[0])
			continue
		}
		byField := make(map[string]any, len(vals))
		for key, v := range vals {
			byField[fieldKey(m.fieldMapper, key)] = float64(v)
		}
		out[name] = byField
	}
	for name, d := range r.distributions {
		byField := make(map[string]any, len(d.samples))
		for key := range d.samples {
			var count uint64
			for i := range d.samples[key] {
				count += d.samples[key][i].Load()
			}
			byField[fieldKey(d.fieldMapper, key)] = map[string]any{
				"count": float64(count),
				"sum":   float64(d.sums[key].Load()),
			}
		}
		if len(d.fieldMapper.fields) == 0 {
			out[name] = byField[""]
			continue
		}
		out[name] = byField
	}
	return out
}

func fieldKey(m fieldMapper, key int) string {
	labels := m.keyToFields(key)
	vals := make([]string, len(m.fields))
	for i, f := range m.fields {
		vals[i] = labels[f.name]
	}
	return strings.Join(vals, ",")
}
