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

package vgpu

import (
	"time"

	"gvisor.dev/vgpu/pkg/metric"
	"gvisor.dev/vgpu/pkg/vgpu/virtq"
	"gvisor.dev/vgpu/pkg/vgpu/wire"
)

// commandKinds are the commands the device sends.
var commandKinds = []wire.CmdType{
	wire.CmdGetDisplayInfo,
	wire.CmdResourceCreate2D,
	wire.CmdResourceUnref,
	wire.CmdSetScanout,
	wire.CmdResourceFlush,
	wire.CmdTransferToHost2D,
	wire.CmdCtxCreate,
	wire.CmdCtxDestroy,
	wire.CmdCtxAttachResource,
	wire.CmdCtxDetachResource,
	wire.CmdResourceCreate3D,
	wire.CmdTransferToHost3D,
	wire.CmdTransferFromHost3D,
	wire.CmdSubmit3D,
	wire.CmdUpdateCursor,
	wire.CmdMoveCursor,
}

type deviceMetrics struct {
	registry *metric.Registry

	commands      *metric.Uint64Metric
	failures      *metric.Uint64Metric
	fencesEmitted *metric.Uint64Metric
	fenceLatency  *metric.DistributionMetric
}

func newDeviceMetrics(d *Device) (*deviceMetrics, error) {
	r := metric.NewRegistry()
	names := make([]string, len(commandKinds))
	for i, k := range commandKinds {
		names[i] = k.String()
	}
	m := &deviceMetrics{registry: r}
	var err error
	if m.commands, err = r.NewUint64Metric("/vgpu/commands", "Commands queued, by kind.", metric.NewField("command", names...)); err != nil {
		return nil, err
	}
	if m.failures, err = r.NewUint64Metric("/vgpu/command_failures", "Commands that could not be queued, by stage.", metric.NewField("stage", "alloc", "enqueue")); err != nil {
		return nil, err
	}
	if m.fencesEmitted, err = r.NewUint64Metric("/vgpu/fence/emitted", "Fences emitted."); err != nil {
		return nil, err
	}
	if m.fenceLatency, err = r.NewDistributionMetric("/vgpu/fence/latency", metric.NewDurationBucketer(16, 10*time.Microsecond, 10*time.Second), "Time from emitting a fence to observing it signaled, in nanoseconds."); err != nil {
		return nil, err
	}

	ring := metric.NewField("ring", virtq.ControlQueue.String(), virtq.CursorQueue.String())
	ringStat := func(get func(virtq.Stats) uint64) func(...string) uint64 {
		return func(fields ...string) uint64 {
			s := d.Stats()
			if fields[0] == virtq.CursorQueue.String() {
				return get(s.Cursor)
			}
			return get(s.Control)
		}
	}
	for _, c := range []struct {
		name, desc string
		get        func(virtq.Stats) uint64
	}{
		{"/vgpu/ring/queued", "Buffers queued on the ring.", func(s virtq.Stats) uint64 { return s.Queued }},
		{"/vgpu/ring/reclaimed", "Buffers reclaimed from the ring.", func(s virtq.Stats) uint64 { return s.Reclaimed }},
		{"/vgpu/ring/stalls", "Enqueues that blocked on a full ring.", func(s virtq.Stats) uint64 { return s.Stalls }},
		{"/vgpu/ring/kicks", "Host notifications.", func(s virtq.Stats) uint64 { return s.Kicks }},
		{"/vgpu/ring/error_responses", "Host error responses.", func(s virtq.Stats) uint64 { return s.ErrorResponses }},
	} {
		if err := r.RegisterCustomUint64Metric(c.name, true, c.desc, ringStat(c.get), ring); err != nil {
			return nil, err
		}
	}

	for _, c := range []struct {
		name       string
		cumulative bool
		desc       string
		value      func(...string) uint64
	}{
		{"/vgpu/fence/last_completed", false, "Last completed fence sequence.", func(...string) uint64 { return d.fences.LastCompleted() }},
		{"/vgpu/fence/lockups", true, "Suspected device lockups.", func(...string) uint64 { return d.fences.Lockups() }},
		{"/vgpu/buffers", false, "Outstanding transport buffers.", func(...string) uint64 { return uint64(d.pool.Outstanding()) }},
		{"/vgpu/resources", false, "Live resource ids.", func(...string) uint64 { return uint64(d.resIDs.Live()) }},
		{"/vgpu/id_contention", true, "Resource id table reservations discarded under contention.", func(...string) uint64 { return d.resIDs.Contended() }},
	} {
		if err := r.RegisterCustomUint64Metric(c.name, c.cumulative, c.desc, c.value); err != nil {
			return nil, err
		}
	}
	return m, nil
}
