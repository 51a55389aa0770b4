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

package virtq

import (
	"bytes"
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"gvisor.dev/vgpu/pkg/errors/linuxerr"
	"gvisor.dev/vgpu/pkg/log"
	"gvisor.dev/vgpu/pkg/sync"
	"gvisor.dev/vgpu/pkg/vgpu/vbuf"
	"gvisor.dev/vgpu/pkg/vgpu/wire"
)

// fakeQueue is a queue whose host side is driven by the test.
type fakeQueue struct {
	mu       sync.Mutex
	size     int
	free     int
	pending  []fakeEntry
	used     []fakeEntry
	notifies int
	reject   bool
}

type fakeEntry struct {
	slots int
	in    [][]byte
	token any
}

func newFakeQueue(size int) *fakeQueue {
	return &fakeQueue{size: size, free: size}
}

func (q *fakeQueue) AddBuffer(out, in [][]byte, token any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(out) + len(in)
	if q.reject || n > q.free {
		return linuxerr.ENOSPC
	}
	q.free -= n
	q.pending = append(q.pending, fakeEntry{slots: n, in: in, token: token})
	return nil
}

func (q *fakeQueue) GetCompleted() (any, uint32, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.used) == 0 {
		return nil, 0, false
	}
	e := q.used[0]
	q.used = q.used[1:]
	q.free += e.slots
	return e.token, 24, true
}

func (q *fakeQueue) Notify() {
	q.mu.Lock()
	q.notifies++
	q.mu.Unlock()
}

func (q *fakeQueue) NumFree() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.free
}

func (q *fakeQueue) Size() int {
	return q.size
}

// complete moves up to n pending buffers to the used list, writing resp as
// the response type.
func (q *fakeQueue) complete(n int, resp wire.CmdType) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.pending) {
		n = len(q.pending)
	}
	for _, e := range q.pending[:n] {
		last := e.in[len(e.in)-1]
		wire.EncodeResponse(last, resp, nil)
	}
	q.used = append(q.used, q.pending[:n]...)
	q.pending = q.pending[n:]
	return n
}

func (q *fakeQueue) notifyCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.notifies
}

func newBuf(t *testing.T, p *vbuf.Pool, id uint32) *vbuf.Buffer {
	t.Helper()
	c := wire.New(wire.CmdResourceFlush).(*wire.ResourceFlush)
	c.ResourceID = id
	b, err := p.Allocate(vbuf.Request{Cmd: c})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	return b
}

func TestEnqueueReclaim(t *testing.T) {
	q := newFakeQueue(8)
	r := NewRing(ControlQueue, q, Options{})
	p := vbuf.NewPool(0)

	prepared := false
	free, err := r.Enqueue(newBuf(t, p, 1), func() { prepared = true })
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if free != 6 || !prepared {
		t.Errorf("Enqueue = %d (prepared %v), want 6 (prepared true)", free, prepared)
	}
	if q.notifyCount() != 1 {
		t.Errorf("notifies = %d, want 1", q.notifyCount())
	}
	if got := r.Reclaim(); got != 0 {
		t.Errorf("Reclaim before completion = %d, want 0", got)
	}
	q.complete(1, wire.RespOKNoData)
	if got := r.Reclaim(); got != 1 {
		t.Errorf("Reclaim = %d, want 1", got)
	}
	if r.Outstanding() != 0 || p.Outstanding() != 0 {
		t.Errorf("outstanding ring=%d pool=%d, want 0", r.Outstanding(), p.Outstanding())
	}
	if s := r.Stats(); s.Queued != 1 || s.Reclaimed != 1 || s.EmptyReclaims != 1 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestEmptyReclaimLogged(t *testing.T) {
	old := log.Log()
	var out bytes.Buffer
	log.SetTarget(&log.Writer{Next: &out})
	log.SetLevel(log.Debug)
	defer func() {
		log.SetTarget(old.Emitter)
		log.SetLevel(old.Level)
	}()

	r := NewRing(ControlQueue, newFakeQueue(4), Options{})
	if got := r.Reclaim(); got != 0 {
		t.Fatalf("Reclaim() = %d, want 0", got)
	}
	if !strings.Contains(out.String(), "reclaim found nothing") {
		t.Errorf("empty reclaim not logged; got %q", out.String())
	}
	if got := r.Stats().EmptyReclaims; got != 1 {
		t.Errorf("EmptyReclaims = %d, want 1", got)
	}
}

func TestPrepareStampsHeader(t *testing.T) {
	q := newFakeQueue(8)
	r := NewRing(ControlQueue, q, Options{})
	p := vbuf.NewPool(0)
	b := newBuf(t, p, 1)
	if _, err := r.Enqueue(b, func() {
		b.Header().Flags |= wire.FlagFence
		b.Header().FenceID = 77
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	var hdr wire.CtrlHdr
	hdr.UnmarshalBytes(q.pending[0].token.(*vbuf.Buffer).Out()[0])
	if hdr.FenceID != 77 || !hdr.Fenced() {
		t.Errorf("serialized header = %+v, want fence 77", hdr)
	}
}

func TestErrorResponsesCounted(t *testing.T) {
	q := newFakeQueue(4)
	r := NewRing(ControlQueue, q, Options{})
	p := vbuf.NewPool(0)
	if _, err := r.Enqueue(newBuf(t, p, 9), nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	q.complete(1, wire.RespErrInvalidResourceID)
	r.Reclaim()
	if got := r.Stats().ErrorResponses; got != 1 {
		t.Errorf("ErrorResponses = %d, want 1", got)
	}
}

func TestBatchNotify(t *testing.T) {
	q := newFakeQueue(10)
	r := NewRing(ControlQueue, q, Options{BatchNotify: true, LowWater: 5})
	p := vbuf.NewPool(0)

	// 10 -> 8 -> 6 free: above the low water mark, no kicks.
	for i := 0; i < 2; i++ {
		if _, err := r.Enqueue(newBuf(t, p, 1), nil); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if q.notifyCount() != 0 {
		t.Errorf("notifies = %d with batching, want 0", q.notifyCount())
	}
	r.Notify()
	if q.notifyCount() != 1 {
		t.Errorf("notifies = %d after Notify, want 1", q.notifyCount())
	}
	r.Notify()
	if q.notifyCount() != 1 {
		t.Errorf("notifies = %d after empty Notify, want 1", q.notifyCount())
	}
	// 6 -> 4 free: below the low water mark, forced kick.
	if _, err := r.Enqueue(newBuf(t, p, 1), nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if q.notifyCount() != 2 {
		t.Errorf("notifies = %d below low water, want 2", q.notifyCount())
	}
}

// TestBackpressure fills the ring, checks that the next enqueue blocks, then
// completes one buffer and checks that exactly that enqueue goes through.
func TestBackpressure(t *testing.T) {
	const slots = 6
	q := newFakeQueue(slots)
	r := NewRing(ControlQueue, q, Options{})
	p := vbuf.NewPool(0)
	for i := 0; i < slots/2; i++ {
		if _, err := r.Enqueue(newBuf(t, p, 1), nil); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		b := newBuf(t, p, 2)
		go func() {
			_, err := r.Enqueue(b, nil)
			done <- err
		}()
	}
	select {
	case err := <-done:
		t.Fatalf("Enqueue on a full ring returned %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	q.complete(1, wire.RespOKNoData)
	r.Reclaim()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Enqueue after completion: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Enqueue did not unblock after a completion")
	}
	select {
	case err := <-done:
		t.Fatalf("second waiter went through with one completion: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	if got := r.Stats().Stalls; got == 0 {
		t.Errorf("Stalls = 0, want > 0")
	}

	r.Close()
	select {
	case err := <-done:
		if !linuxerr.Equals(linuxerr.ENODEV, err) {
			t.Fatalf("blocked Enqueue after Close = %v, want ENODEV", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Close did not wake the blocked enqueuer")
	}
}

// waitStalls waits until the ring has recorded at least n blocked enqueues.
func waitStalls(t *testing.T, r *Ring, n uint64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for r.Stats().Stalls < n {
		if time.Now().After(deadline) {
			t.Fatalf("Stalls = %d, want >= %d", r.Stats().Stalls, n)
		}
		time.Sleep(time.Millisecond)
	}
}

// TestDrainingEnqueueWakesWaiters checks that slots freed by an enqueuer
// reclaiming on its own behalf wake enqueuers that are already blocked.
func TestDrainingEnqueueWakesWaiters(t *testing.T) {
	for _, batch := range []bool{false, true} {
		t.Run(fmt.Sprintf("batch=%t", batch), func(t *testing.T) {
			// Each buffer takes two descriptors, so the ring holds two.
			q := newFakeQueue(4)
			r := NewRing(ControlQueue, q, Options{BatchNotify: batch})
			p := vbuf.NewPool(0)
			for i := 0; i < 2; i++ {
				if _, err := r.Enqueue(newBuf(t, p, 1), nil); err != nil {
					t.Fatalf("Enqueue %d: %v", i, err)
				}
			}

			blocked := make(chan error, 1)
			a := newBuf(t, p, 2)
			go func() {
				_, err := r.Enqueue(a, nil)
				blocked <- err
			}()
			waitStalls(t, r, 1)

			// The host returns both buffers, but the next enqueuer
			// collects them before any interrupt does.
			q.complete(2, wire.RespOKNoData)
			if _, err := r.Enqueue(newBuf(t, p, 3), nil); err != nil {
				t.Fatalf("Enqueue: %v", err)
			}
			if got := r.Reclaim(); got != 0 {
				t.Errorf("Reclaim() = %d, want 0", got)
			}

			select {
			case err := <-blocked:
				if err != nil {
					t.Fatalf("blocked Enqueue: %v", err)
				}
			case <-time.After(5 * time.Second):
				t.Fatalf("blocked Enqueue never woke; %d slots free", q.NumFree())
			}
			if got := r.Outstanding(); got != 2 {
				t.Errorf("Outstanding() = %d, want 2", got)
			}
		})
	}
}

// TestConcurrentBackpressure blocks many enqueuers on a full ring and checks
// that each completion lets exactly one more through.
func TestConcurrentBackpressure(t *testing.T) {
	const (
		capacity = 2
		waiters  = 6
	)
	q := newFakeQueue(2 * capacity)
	r := NewRing(ControlQueue, q, Options{})
	p := vbuf.NewPool(0)
	for i := 0; i < capacity; i++ {
		if _, err := r.Enqueue(newBuf(t, p, 1), nil); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	done := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		b := newBuf(t, p, uint32(i+2))
		go func() {
			_, err := r.Enqueue(b, nil)
			done <- err
		}()
	}
	waitStalls(t, r, waiters)

	for i := 0; i < waiters; i++ {
		if n := q.complete(1, wire.RespOKNoData); n != 1 {
			t.Fatalf("round %d: host completed %d buffers, want 1", i, n)
		}
		// A waiter still rechecking from the last round may collect the
		// completion itself; either way one buffer is freed.
		r.Reclaim()
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("round %d: Enqueue: %v", i, err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("round %d: no blocked enqueuer went through", i)
		}
		select {
		case err := <-done:
			t.Fatalf("round %d: two enqueuers went through one completion (%v)", i, err)
		case <-time.After(20 * time.Millisecond):
		}
	}
	if got := r.Outstanding(); got != capacity {
		t.Errorf("Outstanding() = %d, want %d", got, capacity)
	}
	if got, want := r.Stats().Reclaimed, uint64(waiters); got != want {
		t.Errorf("Reclaimed = %d, want %d", got, want)
	}
}

// TestEnqueueReclaimsBeforeBlocking checks that a full ring whose host has
// already returned buffers does not block.
func TestEnqueueReclaimsBeforeBlocking(t *testing.T) {
	q := newFakeQueue(2)
	r := NewRing(ControlQueue, q, Options{})
	p := vbuf.NewPool(0)
	if _, err := r.Enqueue(newBuf(t, p, 1), nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	q.complete(1, wire.RespOKNoData)
	if _, err := r.Enqueue(newBuf(t, p, 1), nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if got := r.Stats().Reclaimed; got != 1 {
		t.Errorf("Reclaimed = %d, want 1", got)
	}
}

func TestBatchedFullRingKicksBeforeWaiting(t *testing.T) {
	q := newFakeQueue(2)
	r := NewRing(ControlQueue, q, Options{BatchNotify: true})
	p := vbuf.NewPool(0)
	if _, err := r.Enqueue(newBuf(t, p, 1), nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if q.notifyCount() != 0 {
		t.Fatalf("notifies = %d, want 0", q.notifyCount())
	}
	done := make(chan error, 1)
	b := newBuf(t, p, 1)
	go func() {
		_, err := r.Enqueue(b, nil)
		done <- err
	}()
	deadline := time.Now().Add(5 * time.Second)
	for q.notifyCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("blocked enqueuer never kicked the host")
		}
		time.Sleep(time.Millisecond)
	}
	q.complete(1, wire.RespOKNoData)
	r.Reclaim()
	if err := <-done; err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
}

func TestErrors(t *testing.T) {
	q := newFakeQueue(1)
	r := NewRing(ControlQueue, q, Options{})
	p := vbuf.NewPool(0)
	b := newBuf(t, p, 1)
	if _, err := r.Enqueue(b, nil); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("Enqueue larger than the ring = %v, want EINVAL", err)
	}
	b.Release()

	q = newFakeQueue(4)
	q.reject = true
	r = NewRing(ControlQueue, q, Options{})
	b = newBuf(t, p, 1)
	if _, err := r.Enqueue(b, nil); !linuxerr.Equals(linuxerr.EIO, err) {
		t.Errorf("Enqueue rejected by the queue = %v, want EIO", err)
	}
	if b.State() != vbuf.Building {
		t.Errorf("rejected buffer state = %v, want %v", b.State(), vbuf.Building)
	}
	b.Release()
}

// TestOwnershipFuzz interleaves enqueues, host completions and reclaims from
// several goroutines. Buffer state transitions panic on any double owner, so
// the test checks for clean accounting at the end.
func TestOwnershipFuzz(t *testing.T) {
	q := newFakeQueue(16)
	r := NewRing(ControlQueue, q, Options{BatchNotify: true, LowWater: 4})
	p := vbuf.NewPool(0)

	const producers, perProducer = 4, 200
	var wg sync.WaitGroup
	stop := make(chan struct{})
	var hostWG sync.WaitGroup
	hostWG.Add(1)
	go func() {
		defer hostWG.Done()
		rng := rand.New(rand.NewSource(7))
		for {
			select {
			case <-stop:
				return
			default:
			}
			q.complete(rng.Intn(3)+1, wire.RespOKNoData)
			r.Reclaim()
			time.Sleep(time.Duration(rng.Intn(50)) * time.Microsecond)
		}
	}()
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < perProducer; j++ {
				c := wire.New(wire.CmdResourceFlush)
				b, err := p.Allocate(vbuf.Request{Cmd: c})
				if err != nil {
					t.Errorf("Allocate: %v", err)
					return
				}
				if _, err := r.Enqueue(b, nil); err != nil {
					t.Errorf("Enqueue: %v", err)
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(stop)
	hostWG.Wait()

	for q.complete(16, wire.RespOKNoData) > 0 || r.Outstanding() > 0 {
		r.Reclaim()
	}
	if got := r.Stats().Reclaimed; got != producers*perProducer {
		t.Errorf("Reclaimed = %d, want %d", got, producers*perProducer)
	}
	if p.Outstanding() != 0 {
		t.Errorf("pool outstanding = %d, want 0", p.Outstanding())
	}
}
