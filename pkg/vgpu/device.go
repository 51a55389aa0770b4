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

// Package vgpu implements the guest side of a paravirtualized GPU: the
// command dispatcher and the device context that owns the rings, the buffer
// pool, the id allocators and the fence tracker.
//
// Lock ordering:
//
//   - Device.mu
//   - virtq.Ring.mu
//   - fence.Tracker emit lock
//
// Device.mu is never held while blocking on a ring.
package vgpu

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"gvisor.dev/vgpu/pkg/cleanup"
	"gvisor.dev/vgpu/pkg/errors/linuxerr"
	"gvisor.dev/vgpu/pkg/log"
	"gvisor.dev/vgpu/pkg/metric"
	"gvisor.dev/vgpu/pkg/sync"
	"gvisor.dev/vgpu/pkg/vgpu/bo"
	"gvisor.dev/vgpu/pkg/vgpu/fence"
	"gvisor.dev/vgpu/pkg/vgpu/idr"
	"gvisor.dev/vgpu/pkg/vgpu/irq"
	"gvisor.dev/vgpu/pkg/vgpu/vbuf"
	"gvisor.dev/vgpu/pkg/vgpu/virtq"
	"gvisor.dev/vgpu/pkg/vgpu/wire"
)

// pollInterval bounds fence waits on devices without an interrupt line.
const pollInterval = time.Millisecond

// Device is one attached GPU.
type Device struct {
	cfg       Config
	transport virtq.Transport

	control *virtq.Ring
	cursor  *virtq.Ring

	pool   *vbuf.Pool
	resIDs *idr.Allocator
	ctxIDs *idr.Allocator
	fences *fence.Tracker

	// notifier is nil when no interrupt line was given; completions are
	// then collected by Poll and by fence waits.
	notifier *irq.Notifier

	metrics *deviceMetrics

	detached atomic.Bool

	mu sync.Mutex

	// +checklocks:mu
	resources map[uint32]*Resource
	// +checklocks:mu
	contexts map[uint32]*Context
}

// Resource is a guest handle on a host resource.
type Resource struct {
	id     uint32
	params CreateParams
	bpp    uint32

	// backing is the guest storage of every level, packed back to back.
	backing *bo.Object
}

// ID returns the resource id.
func (r *Resource) ID() uint32 {
	return r.id
}

// Params returns the parameters the resource was created with.
func (r *Resource) Params() CreateParams {
	return r.params
}

// Backing returns the guest storage. Transfers move data between it and the
// host copy.
func (r *Resource) Backing() *bo.Object {
	return r.backing
}

// Stride returns the packed row size of level 0.
func (r *Resource) Stride() uint32 {
	return r.params.Width * r.bpp
}

// Context is a 3D rendering context.
type Context struct {
	id   uint32
	name string

	// resources attached to the context.
	resources map[uint32]struct{}
}

// Attach attaches a device over transport. line, if not nil, is the
// interrupt line the host raises when it returns buffers.
func Attach(cfg Config, transport virtq.Transport, line irq.Line) (*Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cq := transport.Queue(virtq.ControlQueue)
	if cq == nil {
		return nil, fmt.Errorf("transport has no control queue: %w", linuxerr.ENODEV)
	}
	d := &Device{
		cfg:       cfg,
		transport: transport,
		pool:      vbuf.NewPool(cfg.MaxBuffers),
		resIDs:    idr.New(cfg.MaxResources),
		ctxIDs:    idr.New(cfg.MaxContexts),
		resources: make(map[uint32]*Resource),
		contexts:  make(map[uint32]*Context),
	}
	ropts := virtq.Options{BatchNotify: cfg.BatchNotify, LowWater: cfg.LowWater}
	d.control = virtq.NewRing(virtq.ControlQueue, cq, ropts)
	rings := []irq.Reclaimer{d.control}
	if q := transport.Queue(virtq.CursorQueue); q != nil {
		d.cursor = virtq.NewRing(virtq.CursorQueue, q, virtq.Options{})
		rings = append(rings, d.cursor)
	}

	fopts := fence.Options{
		CounterBits:     cfg.CounterBits,
		LockupWindow:    cfg.LockupWindow,
		MaxProcessLoops: cfg.MaxProcessLoops,
	}
	if cfg.KickBeforeWait {
		fopts.Kick = d.Notify
	}
	if line == nil {
		fopts.PollInterval = pollInterval
	}
	var err error
	if d.fences, err = fence.NewTracker(transport, fopts); err != nil {
		return nil, err
	}
	if d.metrics, err = newDeviceMetrics(d); err != nil {
		return nil, err
	}
	if line != nil {
		d.notifier = irq.NewNotifier(line, d.fences, rings...)
		d.notifier.Start()
	}

	log.Infof("vgpu: attached device: control ring %d slots, cursor ring %v, 3D %t, %d-bit completion counter",
		cq.Size(), d.cursor != nil, cfg.Enable3D, cfg.CounterBits)
	return d, nil
}

// Detach waits for the host to return every outstanding buffer, stops
// interrupt handling and fails further operations with ENODEV. Waiting
// stops when ctx is done or the drain timeout passes; buffers still held
// by the host are then abandoned and ETIMEDOUT is returned.
func (d *Device) Detach(ctx context.Context) error {
	if d.detached.Swap(true) {
		return linuxerr.ENODEV
	}
	d.control.Close()
	if d.cursor != nil {
		d.cursor.Close()
	}
	d.Notify()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	b.MaxElapsedTime = d.cfg.DrainTimeout
	drain := func() error {
		d.Poll()
		if n := d.outstanding(); n > 0 {
			return fmt.Errorf("%d buffers still queued", n)
		}
		return nil
	}
	err := backoff.Retry(drain, backoff.WithContext(b, ctx))

	if d.notifier != nil {
		if err := d.notifier.Stop(); err != nil {
			log.Warningf("vgpu: interrupt line failed: %v", err)
		}
	}

	d.mu.Lock()
	for id, r := range d.resources {
		r.backing.DecRef()
		delete(d.resources, id)
	}
	d.mu.Unlock()

	if err != nil {
		log.Warningf("vgpu: detached with buffers outstanding: %v", err)
		return fmt.Errorf("draining device: %v: %w", err, linuxerr.ETIMEDOUT)
	}
	log.Infof("vgpu: detached device")
	return nil
}

func (d *Device) outstanding() int {
	n := d.control.Outstanding()
	if d.cursor != nil {
		n += d.cursor.Outstanding()
	}
	return n
}

// Poll collects returned buffers and advances fences, as an interrupt
// would.
func (d *Device) Poll() {
	d.control.Reclaim()
	if d.cursor != nil {
		d.cursor.Reclaim()
	}
	d.fences.Process()
}

// Notify tells the host about commands held back by batched notification.
func (d *Device) Notify() {
	d.control.Notify()
	if d.cursor != nil {
		d.cursor.Notify()
	}
}

// Fences returns the fence tracker.
func (d *Device) Fences() *fence.Tracker {
	return d.fences
}

// Metrics returns the device metrics registry.
func (d *Device) Metrics() *metric.Registry {
	return d.metrics.registry
}

// Resource returns the live resource id.
func (d *Device) Resource(id uint32) (*Resource, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lookupLocked(id)
}

// +checklocks:d.mu
func (d *Device) lookupLocked(id uint32) (*Resource, error) {
	r, ok := d.resources[id]
	if !ok {
		return nil, fmt.Errorf("resource %d: %w", id, linuxerr.ENOENT)
	}
	return r, nil
}

// Stats is a snapshot of device counters.
type Stats struct {
	Control       virtq.Stats
	Cursor        virtq.Stats
	Buffers       int
	Resources     int
	Contexts      int
	LastEmitted   uint64
	LastCompleted uint64
	Lockups       uint64
	Interrupts    uint64
}

// Stats returns the device counters.
func (d *Device) Stats() Stats {
	s := Stats{
		Control:       d.control.Stats(),
		Buffers:       d.pool.Outstanding(),
		Resources:     d.resIDs.Live(),
		Contexts:      d.ctxIDs.Live(),
		LastEmitted:   d.fences.LastEmitted(),
		LastCompleted: d.fences.LastCompleted(),
		Lockups:       d.fences.Lockups(),
	}
	if d.cursor != nil {
		s.Cursor = d.cursor.Stats()
	}
	if d.notifier != nil {
		s.Interrupts = d.notifier.Interrupts()
	}
	return s
}

// queue builds a buffer for req and queues it on r. If fenced, a fence is
// emitted while the buffer is placed on the ring and returned holding one
// reference for the caller; the buffer holds another until it is released.
//
// On error nothing stays allocated and no command reaches the host.
func (d *Device) queue(r *virtq.Ring, req vbuf.Request, fenced bool) (*fence.Fence, error) {
	if d.detached.Load() {
		return nil, linuxerr.ENODEV
	}
	var f *fence.Fence
	done := req.OnComplete
	req.OnComplete = func(resp []byte) {
		if done != nil {
			done(resp)
		}
		if f != nil {
			f.DecRef()
		}
	}
	buf, err := d.pool.Allocate(req)
	if err != nil {
		d.metrics.failures.Increment("alloc")
		return nil, err
	}
	cu := cleanup.Make(buf.Release)
	defer cu.Clean()

	hdr := buf.Header()
	var prepare func()
	if fenced {
		prepare = func() {
			f = d.fences.Emit()
			f.IncRef()
			hdr.Flags |= wire.FlagFence
			hdr.FenceID = f.Seq()
		}
	}
	if _, err := r.Enqueue(buf, prepare); err != nil {
		if f != nil {
			f.DecRef()
			f.DecRef()
			f = nil
		}
		d.metrics.failures.Increment("enqueue")
		return nil, err
	}
	cu.Release()

	d.metrics.commands.Increment(hdr.Type.String())
	if f != nil {
		d.metrics.fencesEmitted.Increment()
		op := d.metrics.fenceLatency.StartTimer()
		f.OnSignal(op.Finish)
	}
	return f, nil
}
