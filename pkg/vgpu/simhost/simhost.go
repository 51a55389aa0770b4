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

// Package simhost is an in-process host device for the pipeline.
//
// It accepts buffers on the control and cursor queues, executes the commands
// they carry against a table of host resources, writes responses, advances
// the fence completion counter and raises the interrupt line. It is used by
// tests and by vgpuctl in place of a hypervisor.
package simhost

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"gvisor.dev/vgpu/pkg/errors/linuxerr"
	"gvisor.dev/vgpu/pkg/log"
	"gvisor.dev/vgpu/pkg/sync"
	"gvisor.dev/vgpu/pkg/vgpu/irq"
	"gvisor.dev/vgpu/pkg/vgpu/virtq"
	"gvisor.dev/vgpu/pkg/vgpu/wire"
)

// Options configures a Host.
type Options struct {
	// QueueSize is the number of slots in the control queue. Zero means
	// 256.
	QueueSize int

	// CursorQueueSize is the number of slots in the cursor queue. Zero
	// means 16.
	CursorQueueSize int

	// WideCounter reports completions through a 64-bit shared page instead
	// of a 32-bit register.
	WideCounter bool

	// Scanouts are the display heads reported by GET_DISPLAY_INFO. Nil
	// means one 1024x768 head.
	Scanouts []wire.Rect

	// Delay is slept before each command executed by Run.
	Delay time.Duration
}

// Host is a simulated device. It implements virtq.Transport.
type Host struct {
	line  irq.Line
	wide  bool
	delay time.Duration

	// counter is the completion counter written by the host.
	counter atomic.Uint64

	// wake is signaled by queue notifications.
	wake chan struct{}

	mu sync.Mutex

	// +checklocks:mu
	queues map[virtq.QueueID]*queue
	// +checklocks:mu
	resources map[uint32]*resource
	// +checklocks:mu
	contexts map[uint32]*hostContext
	// +checklocks:mu
	scanouts [wire.MaxScanouts]scanout
	// +checklocks:mu
	cursor Cursor

	executed atomic.Uint64
	failed   atomic.Uint64
}

var _ virtq.Transport = (*Host)(nil)

// New returns a host raising completions on line, which may be nil.
func New(line irq.Line, opts Options) *Host {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.CursorQueueSize <= 0 {
		opts.CursorQueueSize = 16
	}
	if opts.Scanouts == nil {
		opts.Scanouts = []wire.Rect{{Width: 1024, Height: 768}}
	}
	h := &Host{
		line:      line,
		wide:      opts.WideCounter,
		delay:     opts.Delay,
		wake:      make(chan struct{}, 1),
		queues:    make(map[virtq.QueueID]*queue),
		resources: make(map[uint32]*resource),
		contexts:  make(map[uint32]*hostContext),
	}
	h.queues[virtq.ControlQueue] = &queue{host: h, id: virtq.ControlQueue, size: opts.QueueSize, free: opts.QueueSize}
	h.queues[virtq.CursorQueue] = &queue{host: h, id: virtq.CursorQueue, size: opts.CursorQueueSize, free: opts.CursorQueueSize}
	for i, r := range opts.Scanouts {
		if i >= wire.MaxScanouts {
			break
		}
		h.scanouts[i].mode = r
		h.scanouts[i].enabled = true
	}
	return h
}

// Queue implements virtq.Transport.Queue.
func (h *Host) Queue(id virtq.QueueID) virtq.Queue {
	h.mu.Lock()
	defer h.mu.Unlock()
	if q, ok := h.queues[id]; ok {
		return q
	}
	return nil
}

// ReadCompletionCounter implements virtq.Transport.ReadCompletionCounter.
func (h *Host) ReadCompletionCounter() uint64 {
	v := h.counter.Load()
	if !h.wide {
		v &= math.MaxUint32
	}
	return v
}

// SetCompletionCounter overwrites the completion counter.
func (h *Host) SetCompletionCounter(v uint64) {
	h.counter.Store(v)
}

// element is one buffer held by the host.
type element struct {
	out     [][]byte
	in      [][]byte
	token   any
	slots   int
	written uint32
}

// queue is the host side of one queue. Its state is protected by the host
// mutex.
type queue struct {
	host *Host
	id   virtq.QueueID
	size int

	// +checklocks:host.mu
	free int
	// +checklocks:host.mu
	pending []*element
	// +checklocks:host.mu
	used []*element

	notifies atomic.Uint64
}

// AddBuffer implements virtq.Queue.AddBuffer.
func (q *queue) AddBuffer(out, in [][]byte, token any) error {
	n := len(out) + len(in)
	q.host.mu.Lock()
	defer q.host.mu.Unlock()
	if n > q.free {
		return linuxerr.ENOSPC
	}
	q.free -= n
	q.pending = append(q.pending, &element{out: out, in: in, token: token, slots: n})
	return nil
}

// GetCompleted implements virtq.Queue.GetCompleted.
func (q *queue) GetCompleted() (any, uint32, bool) {
	q.host.mu.Lock()
	defer q.host.mu.Unlock()
	if len(q.used) == 0 {
		return nil, 0, false
	}
	e := q.used[0]
	q.used[0] = nil
	q.used = q.used[1:]
	q.free += e.slots
	return e.token, e.written, true
}

// Notify implements virtq.Queue.Notify.
func (q *queue) Notify() {
	q.notifies.Add(1)
	select {
	case q.host.wake <- struct{}{}:
	default:
	}
}

// NumFree implements virtq.Queue.NumFree.
func (q *queue) NumFree() int {
	q.host.mu.Lock()
	defer q.host.mu.Unlock()
	return q.free
}

// Size implements virtq.Queue.Size.
func (q *queue) Size() int {
	return q.size
}

// Pending returns the number of buffers the host has not executed yet on
// queue id.
func (h *Host) Pending(id virtq.QueueID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queues[id].pending)
}

// Notifies returns the number of notifications received on queue id.
func (h *Host) Notifies(id virtq.QueueID) uint64 {
	h.mu.Lock()
	q := h.queues[id]
	h.mu.Unlock()
	return q.notifies.Load()
}

// Step executes the oldest pending buffer on queue id and raises the
// interrupt. It reports whether there was one.
func (h *Host) Step(id virtq.QueueID) bool {
	h.mu.Lock()
	ok := h.stepLocked(h.queues[id])
	h.mu.Unlock()
	if ok {
		h.raise()
	}
	return ok
}

// StepAll executes every pending buffer on every queue, raises the interrupt
// once if anything ran, and returns the number of buffers executed.
func (h *Host) StepAll() int {
	n := 0
	h.mu.Lock()
	for _, id := range []virtq.QueueID{virtq.ControlQueue, virtq.CursorQueue} {
		for h.stepLocked(h.queues[id]) {
			n++
		}
	}
	h.mu.Unlock()
	if n > 0 {
		h.raise()
	}
	return n
}

// +checklocks:h.mu
func (h *Host) stepLocked(q *queue) bool {
	if len(q.pending) == 0 {
		return false
	}
	e := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	e.written = h.execLocked(q.id, e)
	q.used = append(q.used, e)
	return true
}

func (h *Host) raise() {
	if h.line == nil {
		return
	}
	if err := h.line.Notify(); err != nil {
		log.Warningf("simhost: raising interrupt: %v", err)
	}
}

// Run executes buffers as they are notified until ctx is done.
func (h *Host) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.wake:
		}
		for {
			if h.delay > 0 {
				time.Sleep(h.delay)
			}
			if !h.Step(virtq.CursorQueue) && !h.Step(virtq.ControlQueue) {
				break
			}
		}
	}
}

// Executed returns the number of commands executed.
func (h *Host) Executed() uint64 {
	return h.executed.Load()
}

// Failed returns the number of commands answered with an error.
func (h *Host) Failed() uint64 {
	return h.failed.Load()
}

// hostError is a command failure reported in a response.
type hostError struct {
	resp wire.CmdType
	msg  string
}

func (e *hostError) Error() string {
	return fmt.Sprintf("%v: %s", e.resp, e.msg)
}

func fail(resp wire.CmdType, format string, v ...any) error {
	return &hostError{resp: resp, msg: fmt.Sprintf(format, v...)}
}
