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

// Package virtq implements the guest side of a command ring shared with a
// host renderer.
//
// The host side is reached through the Transport and Queue interfaces, which
// carry only the operations the pipeline needs. A Ring adds buffer
// ownership, backpressure and notification batching on top of a Queue.
package virtq

import (
	"fmt"
	"sync/atomic"
	"time"

	"gvisor.dev/vgpu/pkg/errors/linuxerr"
	"gvisor.dev/vgpu/pkg/log"
	"gvisor.dev/vgpu/pkg/sync"
	"gvisor.dev/vgpu/pkg/vgpu/vbuf"
	"gvisor.dev/vgpu/pkg/vgpu/wire"
)

// QueueID identifies one of the device queues.
type QueueID int

const (
	// ControlQueue carries every command except cursor updates.
	ControlQueue QueueID = iota

	// CursorQueue carries cursor updates.
	CursorQueue
)

// String implements fmt.Stringer.
func (id QueueID) String() string {
	switch id {
	case ControlQueue:
		return "control"
	case CursorQueue:
		return "cursor"
	default:
		return fmt.Sprintf("queue%d", int(id))
	}
}

// Queue is the producer side of one host queue.
type Queue interface {
	// AddBuffer exposes out segments for the host to read and in segments
	// for it to write, using one slot per segment. It fails with ENOSPC if
	// fewer than len(out)+len(in) slots are free. token is returned by
	// GetCompleted once the host is done.
	AddBuffer(out, in [][]byte, token any) error

	// GetCompleted returns the next buffer the host has finished with, and
	// how many bytes it wrote, freeing its slots.
	GetCompleted() (token any, written uint32, ok bool)

	// Notify tells the host that new buffers are available.
	Notify()

	// NumFree returns the number of free slots.
	NumFree() int

	// Size returns the total number of slots.
	Size() int
}

// Transport is the host device.
type Transport interface {
	// Queue returns the given queue, or nil if the device lacks it.
	Queue(id QueueID) Queue

	// ReadCompletionCounter returns the sequence number of the last fenced
	// command the host completed. Hosts with a 32-bit register only report
	// the low 32 bits.
	ReadCompletionCounter() uint64
}

// Options configures a Ring.
type Options struct {
	// BatchNotify defers notifications until Notify is called, unless the
	// ring runs low.
	BatchNotify bool

	// LowWater forces a notification when fewer free slots remain after an
	// enqueue.
	LowWater int
}

// Ring owns the buffers queued on one Queue.
type Ring struct {
	id   QueueID
	q    Queue
	opts Options

	// errLog reports host error responses without flooding.
	errLog log.Logger

	mu sync.Mutex

	// space is signaled when slots are freed or the ring closes. It is
	// separate from any fence wait queue.
	space sync.Cond

	// +checklocks:mu
	outstanding int
	// +checklocks:mu
	pendingKick bool
	// +checklocks:mu
	closed bool

	queued      atomic.Uint64
	reclaimed   atomic.Uint64
	stalls      atomic.Uint64
	kicks       atomic.Uint64
	errorsSeen  atomic.Uint64
	emptyCycles atomic.Uint64
}

// NewRing returns a ring over q.
func NewRing(id QueueID, q Queue, opts Options) *Ring {
	r := &Ring{
		id:     id,
		q:      q,
		opts:   opts,
		errLog: log.RateLimitedLogger(log.Log(), time.Second),
	}
	r.space.L = &r.mu
	return r
}

// ID returns the queue this ring runs on.
func (r *Ring) ID() QueueID {
	return r.id
}

// Enqueue queues buf and returns the number of free slots left.
//
// When the ring lacks slots, Enqueue first reclaims completed buffers and
// retries; if nothing has completed it blocks until Reclaim frees slots or
// the ring is closed. prepare, if not nil, runs under the ring lock once
// space is reserved and before the command is serialized, so anything it
// stamps into the header is ordered with respect to other enqueues.
//
// On error the caller still owns buf.
func (r *Ring) Enqueue(buf *vbuf.Buffer, prepare func()) (int, error) {
	need := buf.Descriptors()
	if need > r.q.Size() {
		return 0, linuxerr.EINVAL
	}

	r.mu.Lock()
	for {
		if r.closed {
			r.mu.Unlock()
			return 0, linuxerr.ENODEV
		}
		if r.q.NumFree() >= need {
			break
		}
		// Drain without blocking first; only wait if the host has not
		// returned anything.
		if done := r.collectLocked(); len(done) > 0 {
			r.mu.Unlock()
			r.finish(done)
			r.mu.Lock()
			continue
		}
		kick := r.pendingKick
		r.pendingKick = false
		if kick {
			// The host cannot free anything it was never told about.
			r.mu.Unlock()
			r.kick()
			r.mu.Lock()
			continue
		}
		r.stalls.Add(1)
		r.space.Wait()
	}

	if prepare != nil {
		prepare()
	}
	buf.Encode()
	buf.MarkQueued()
	if err := r.q.AddBuffer(buf.Out(), buf.In(), buf); err != nil {
		buf.Unqueue()
		r.mu.Unlock()
		log.Warningf("virtq: %v ring rejected %v with %d free slots: %v", r.id, buf.Header().Type, r.q.NumFree(), err)
		return 0, linuxerr.EIO
	}
	r.outstanding++
	r.queued.Add(1)
	free := r.q.NumFree()
	kick := !r.opts.BatchNotify || free < r.opts.LowWater
	r.pendingKick = !kick
	r.mu.Unlock()

	if log.IsLogging(log.Debug) {
		h := buf.Header()
		log.Debugf("virtq: %v ring queued %v fence=%d flags=%#x free=%d", r.id, h.Type, h.FenceID, h.Flags, free)
	}
	if kick {
		r.kick()
	}
	return free, nil
}

func (r *Ring) kick() {
	r.kicks.Add(1)
	r.q.Notify()
}

// Notify commits commands held back by batched notification.
func (r *Ring) Notify() {
	r.mu.Lock()
	kick := r.pendingKick
	r.pendingKick = false
	r.mu.Unlock()
	if kick {
		r.kick()
	}
}

// Reclaim releases every buffer the host has returned and returns how many
// there were. Zero is a normal outcome.
func (r *Ring) Reclaim() int {
	r.mu.Lock()
	done := r.collectLocked()
	r.mu.Unlock()
	if len(done) == 0 {
		r.emptyCycles.Add(1)
		log.Debugf("virtq: %v ring reclaim found nothing to release", r.id)
		return 0
	}
	r.finish(done)
	return len(done)
}

type completion struct {
	buf     *vbuf.Buffer
	written uint32
}

// +checklocks:r.mu
func (r *Ring) collectLocked() []completion {
	var done []completion
	for {
		token, written, ok := r.q.GetCompleted()
		if !ok {
			return done
		}
		buf, isBuf := token.(*vbuf.Buffer)
		if !isBuf {
			panic(fmt.Sprintf("virtq: %v ring returned foreign token %T", r.id, token))
		}
		r.outstanding--
		done = append(done, completion{buf, written})
	}
}

// finish inspects the responses, releases the buffers and wakes blocked
// enqueuers. It runs without the ring lock held.
func (r *Ring) finish(done []completion) {
	for _, c := range done {
		c.buf.Complete(c.written)
		if t := wire.DecodeResponseType(c.buf.Response()); t.IsError() {
			r.errorsSeen.Add(1)
			r.errLog.Warningf("virtq: host answered %v on %v ring with %v", c.buf.Header().Type, r.id, t)
		}
		c.buf.Release()
	}
	r.reclaimed.Add(uint64(len(done)))
	// Slots freed by an enqueuer draining for itself must reach other
	// waiters too, or they sleep until some later completion.
	r.space.Broadcast()
}

// Close fails blocked and future enqueues with ENODEV. Buffers already
// queued can still be reclaimed.
func (r *Ring) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.space.Broadcast()
}

// Outstanding returns the number of buffers owned by the ring.
func (r *Ring) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outstanding
}

// NumFree returns the number of free slots.
func (r *Ring) NumFree() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.q.NumFree()
}

// Stats is a snapshot of ring counters.
type Stats struct {
	Queued         uint64
	Reclaimed      uint64
	Stalls         uint64
	Kicks          uint64
	ErrorResponses uint64
	EmptyReclaims  uint64
}

// Stats returns the ring counters.
func (r *Ring) Stats() Stats {
	return Stats{
		Queued:         r.queued.Load(),
		Reclaimed:      r.reclaimed.Load(),
		Stalls:         r.stalls.Load(),
		Kicks:          r.kicks.Load(),
		ErrorResponses: r.errorsSeen.Load(),
		EmptyReclaims:  r.emptyCycles.Load(),
	}
}
