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

// Package fence tracks completion of device commands.
//
// Every fenced command carries a sequence number taken from a monotonically
// increasing 64-bit counter. The device reports the highest sequence it has
// finished through a completion counter, which may be only 32 bits wide; the
// Tracker reconstructs the full 64-bit value and never lets the completed
// sequence move backwards or past the last emitted sequence.
package fence

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"gvisor.dev/vgpu/pkg/errors/linuxerr"
	"gvisor.dev/vgpu/pkg/log"
	"gvisor.dev/vgpu/pkg/refs"
	"gvisor.dev/vgpu/pkg/sync"
)

// SignaledSeq is stored in a Fence once it has been observed signaled. No
// real sequence can reach it.
const SignaledSeq = math.MaxUint64

const (
	// DefaultLockupWindow is how long waiters tolerate no progress before
	// suspecting a lockup.
	DefaultLockupWindow = 500 * time.Millisecond

	// DefaultMinTimeout is the wait used once the device has already been
	// idle for longer than the lockup window.
	DefaultMinTimeout = time.Millisecond

	// DefaultMaxProcessLoops bounds the reconciliation loop in Process.
	DefaultMaxProcessLoops = 10
)

// Counter reads the raw device completion counter.
type Counter interface {
	ReadCompletionCounter() uint64
}

// CounterFunc adapts a function to Counter.
type CounterFunc func() uint64

// ReadCompletionCounter implements Counter.ReadCompletionCounter.
func (f CounterFunc) ReadCompletionCounter() uint64 {
	return f()
}

// Options configures a Tracker.
type Options struct {
	// CounterBits is the width of the device completion counter, 32 or 64.
	// Zero means 32.
	CounterBits int

	// LockupWindow defaults to DefaultLockupWindow.
	LockupWindow time.Duration

	// MinTimeout defaults to DefaultMinTimeout.
	MinTimeout time.Duration

	// MaxProcessLoops defaults to DefaultMaxProcessLoops.
	MaxProcessLoops int

	// PollInterval, if set, bounds each sleep of a waiter. It is needed when
	// completions are not signaled by interrupt and nobody else calls
	// Process.
	PollInterval time.Duration

	// Kick, if set, is called before a Fence blocks so that batched commands
	// reach the device.
	Kick func()
}

// Tracker hands out fence sequence numbers and reconciles them with the
// device completion counter.
type Tracker struct {
	counter         Counter
	wrap32          bool
	window          time.Duration
	minTimeout      time.Duration
	maxProcessLoops int
	poll            time.Duration
	kick            func()

	// emitMu serializes Emit. Callers additionally hold the ring lock so that
	// sequence order matches ring order.
	emitMu sync.Mutex

	// lastEmitted is written only under emitMu.
	lastEmitted atomic.Uint64

	// lastCompleted only moves forward and never exceeds lastEmitted.
	lastCompleted atomic.Uint64

	// lastActivity is the time, in Unix nanoseconds, of the last observed
	// progress.
	lastActivity atomic.Int64

	mu sync.Mutex

	// changed is closed and replaced every time lastCompleted advances.
	//
	// +checklocks:mu
	changed chan struct{}

	// pending indexes fences with OnSignal callbacks by sequence.
	//
	// +checklocks:mu
	pending *btree.BTreeG[*Fence]

	lockups     atomic.Uint64
	processLoop atomic.Uint64

	lockupLog log.Logger
}

// NewTracker returns a Tracker reading completions from counter.
func NewTracker(counter Counter, opts Options) (*Tracker, error) {
	switch opts.CounterBits {
	case 0, 32, 64:
	default:
		return nil, fmt.Errorf("fence: unsupported counter width %d: %w", opts.CounterBits, linuxerr.EINVAL)
	}
	if opts.LockupWindow <= 0 {
		opts.LockupWindow = DefaultLockupWindow
	}
	if opts.MinTimeout <= 0 {
		opts.MinTimeout = DefaultMinTimeout
	}
	if opts.MaxProcessLoops <= 0 {
		opts.MaxProcessLoops = DefaultMaxProcessLoops
	}
	t := &Tracker{
		counter:         counter,
		wrap32:          opts.CounterBits != 64,
		window:          opts.LockupWindow,
		minTimeout:      opts.MinTimeout,
		maxProcessLoops: opts.MaxProcessLoops,
		poll:            opts.PollInterval,
		kick:            opts.Kick,
		changed:         make(chan struct{}),
		pending: btree.NewG[*Fence](8, func(a, b *Fence) bool {
			return a.seq < b.seq
		}),
		lockupLog: log.RateLimitedLogger(log.Log(), time.Second),
	}
	t.lastActivity.Store(time.Now().UnixNano())
	return t, nil
}

// Emit allocates the next sequence number and returns a fence for it holding
// one reference.
//
// Emit must be called while the command carrying the fence is being placed
// on the ring, under the ring lock, so that sequence numbers reach the device
// in increasing order.
func (t *Tracker) Emit() *Fence {
	t.emitMu.Lock()
	prev := t.lastEmitted.Load()
	seq := prev + 1
	t.lastEmitted.Store(seq)
	t.emitMu.Unlock()

	// Restart the activity clock when leaving idle, so the first wait after a
	// quiet period gets the whole window.
	if t.lastCompleted.Load() == prev {
		t.lastActivity.Store(time.Now().UnixNano())
	}

	f := &Fence{tracker: t, seq: seq}
	f.cached.Store(seq)
	f.InitRefs("fence.Fence")
	return f
}

// reconstruct extends a raw counter value to 64 bits relative to last.
func (t *Tracker) reconstruct(raw, last uint64) uint64 {
	if !t.wrap32 {
		return raw
	}
	seq := (last &^ math.MaxUint32) | (raw & math.MaxUint32)
	if seq < last {
		seq += 1 << 32
	}
	return seq
}

// Process reconciles the completion counter with the tracked state and wakes
// waiters if progress was made. It is safe to call concurrently from any
// context and reports whether any progress was observed.
func (t *Tracker) Process() bool {
	var (
		progressed bool
		seq        uint64
	)
	for loops := 0; ; loops++ {
		last := t.lastCompleted.Load()
		emitted := t.lastEmitted.Load()
		seq = t.reconstruct(t.counter.ReadCompletionCounter(), last)
		if seq <= last || seq > emitted {
			// Nothing new, someone else already got further, or the device
			// reported a sequence that was never emitted.
			break
		}
		if t.lastCompleted.CompareAndSwap(last, seq) {
			progressed = true
			break
		}
		t.processLoop.Add(1)
		if loops >= t.maxProcessLoops {
			// Give up; a later Process will pick up whatever was missed.
			log.Debugf("fence: gave up reconciling after %d loops at seq %d", loops, last)
			break
		}
	}
	if !progressed {
		return false
	}

	t.lastActivity.Store(time.Now().UnixNano())

	completed := t.lastCompleted.Load()
	var ready []*Fence
	t.mu.Lock()
	close(t.changed)
	t.changed = make(chan struct{})
	for {
		f, ok := t.pending.Min()
		if !ok || f.seq > completed {
			break
		}
		t.pending.DeleteMin()
		ready = append(ready, f)
	}
	t.mu.Unlock()

	for _, f := range ready {
		f.signal()
	}
	return true
}

// SeqSignaled reports whether seq has completed, processing the counter once
// if the cached state says it has not.
func (t *Tracker) SeqSignaled(seq uint64) bool {
	if t.lastCompleted.Load() >= seq {
		return true
	}
	t.Process()
	return t.lastCompleted.Load() >= seq
}

// Wait blocks until seq completes.
//
// Wait never gives up on a slow device. If no progress is seen for a whole
// lockup window it logs a rate-limited warning, counts a suspected lockup
// and keeps waiting. Cancellation of ctx interrupts the wait with EINTR only
// when interruptible is set; otherwise ctx is ignored.
func (t *Tracker) Wait(ctx context.Context, seq uint64, interruptible bool) error {
	var done <-chan struct{}
	if interruptible {
		done = ctx.Done()
	}
	for !t.SeqSignaled(seq) {
		activity := t.lastActivity.Load()
		timeout := time.Duration(activity + int64(t.window) - time.Now().UnixNano())
		if timeout <= 0 {
			timeout = t.minTimeout
		}
		if t.poll > 0 && timeout > t.poll {
			timeout = t.poll
		}
		completed := t.lastCompleted.Load()

		t.mu.Lock()
		changed := t.changed
		t.mu.Unlock()

		// Re-check after picking up the channel so that an advance between
		// the check above and here is not missed.
		if t.SeqSignaled(seq) {
			return nil
		}

		timer := time.NewTimer(timeout)
		select {
		case <-changed:
			timer.Stop()
			continue
		case <-done:
			timer.Stop()
			if t.SeqSignaled(seq) {
				return nil
			}
			return linuxerr.EINTR
		case <-timer.C:
		}

		if t.SeqSignaled(seq) {
			return nil
		}
		if t.lastCompleted.Load() != completed || t.lastActivity.Load() != activity {
			continue
		}
		if time.Since(time.Unix(0, activity)) < t.window {
			// Woken early to poll.
			continue
		}
		// Only the waiter that moves the activity clock reports the lockup.
		if t.lastActivity.CompareAndSwap(activity, time.Now().UnixNano()) {
			t.lockups.Add(1)
			t.lockupLog.Warningf("fence: device lockup suspected (waiting for %#x, last completed %#x, last emitted %#x)", seq, completed, t.lastEmitted.Load())
		}
	}
	return nil
}

// LastEmitted returns the highest sequence handed out by Emit.
func (t *Tracker) LastEmitted() uint64 {
	return t.lastEmitted.Load()
}

// LastCompleted returns the highest sequence known to have completed.
func (t *Tracker) LastCompleted() uint64 {
	return t.lastCompleted.Load()
}

// LastActivity returns the time progress was last observed.
func (t *Tracker) LastActivity() time.Time {
	return time.Unix(0, t.lastActivity.Load())
}

// Lockups returns the number of suspected lockups.
func (t *Tracker) Lockups() uint64 {
	return t.lockups.Load()
}

// ProcessRetries returns the number of failed reconciliation attempts.
func (t *Tracker) ProcessRetries() uint64 {
	return t.processLoop.Load()
}

// Idle reports whether every emitted sequence has completed.
func (t *Tracker) Idle() bool {
	return t.SeqSignaled(t.lastEmitted.Load())
}

// Fence is a handle on one sequence number.
//
// A fence is referenced by its creator and by every in-flight command buffer
// carrying it.
type Fence struct {
	refs.Refs

	tracker *Tracker
	seq     uint64

	// cached holds seq until the fence is observed signaled, then
	// SignaledSeq.
	cached atomic.Uint64

	// callbacks run once the fence signals.
	//
	// +checklocks:tracker.mu
	callbacks []func()
}

// Seq returns the fence's sequence number.
func (f *Fence) Seq() uint64 {
	return f.seq
}

// Signaled reports whether the fence has completed.
func (f *Fence) Signaled() bool {
	if f.cached.Load() == SignaledSeq {
		return true
	}
	if f.tracker.SeqSignaled(f.seq) {
		f.cached.Store(SignaledSeq)
		return true
	}
	return false
}

// Wait blocks until the fence signals. See Tracker.Wait.
func (f *Fence) Wait(ctx context.Context, interruptible bool) error {
	if f.Signaled() {
		return nil
	}
	if f.tracker.kick != nil {
		f.tracker.kick()
	}
	if err := f.tracker.Wait(ctx, f.seq, interruptible); err != nil {
		return err
	}
	f.cached.Store(SignaledSeq)
	return nil
}

// OnSignal arranges for fn to run once the fence signals. If it already has,
// fn runs immediately on the caller's goroutine; otherwise it runs on the
// goroutine that observes the completion.
func (f *Fence) OnSignal(fn func()) {
	t := f.tracker
	t.mu.Lock()
	if t.lastCompleted.Load() >= f.seq {
		t.mu.Unlock()
		f.cached.Store(SignaledSeq)
		fn()
		return
	}
	f.callbacks = append(f.callbacks, fn)
	if len(f.callbacks) == 1 {
		t.pending.ReplaceOrInsert(f)
	}
	t.mu.Unlock()
}

func (f *Fence) signal() {
	f.cached.Store(SignaledSeq)
	f.tracker.mu.Lock()
	cbs := f.callbacks
	f.callbacks = nil
	f.tracker.mu.Unlock()
	for _, fn := range cbs {
		fn()
	}
}

// DecRef drops a reference.
func (f *Fence) DecRef() {
	f.Refs.DecRef(nil)
}

// String implements fmt.Stringer.
func (f *Fence) String() string {
	return fmt.Sprintf("fence %d", f.seq)
}
