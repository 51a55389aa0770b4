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

// Package irq turns device interrupts into completion processing.
package irq

import (
	"sync/atomic"

	"gvisor.dev/vgpu/pkg/eventfd"
	"gvisor.dev/vgpu/pkg/log"
	"gvisor.dev/vgpu/pkg/sync"
)

// Line is an interrupt line shared between the device and the driver.
//
// Notify raises the line and Wait blocks until it has been raised at least
// once since the last Wait returned.
type Line interface {
	Wait() error
	Notify() error
}

var _ Line = eventfd.Eventfd{}

// Reclaimer is a ring whose completed buffers can be collected.
type Reclaimer interface {
	Reclaim() int
}

// Processor reconciles fence state with the device.
type Processor interface {
	Process() bool
}

// Notifier services an interrupt line.
type Notifier struct {
	line  Line
	rings []Reclaimer
	fence Processor

	// stopRequested is set by Stop and checked by the worker after every
	// wakeup.
	stopRequested atomic.Bool

	// completed is done once the worker goroutine has exited. It holds the
	// error that made the worker give up on the line, if any.
	completed sync.WaitGroupErr

	mu sync.Mutex

	// +checklocks:mu
	workerStarted bool

	interrupts atomic.Uint64
	reclaimed  atomic.Uint64
}

// NewNotifier returns a Notifier that reclaims rings and then processes
// fences on every interrupt.
func NewNotifier(line Line, fence Processor, rings ...Reclaimer) *Notifier {
	return &Notifier{
		line:  line,
		rings: rings,
		fence: fence,
	}
}

// Start launches the goroutine servicing the line. Calling Start after Stop
// has no effect.
func (n *Notifier) Start() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.workerStarted || n.stopRequested.Load() {
		return
	}
	n.workerStarted = true
	n.completed.Add(1)
	go n.loop()
}

func (n *Notifier) loop() {
	defer n.completed.Done()
	for {
		if err := n.line.Wait(); err != nil {
			log.Warningf("irq: waiting on interrupt line: %v", err)
			n.completed.ReportError(err)
			return
		}
		if n.stopRequested.Load() {
			return
		}
		n.HandleInterrupt()
	}
}

// HandleInterrupt collects completions from every ring and then advances
// fence state. Completions must be reclaimed first so that buffers holding a
// fence are released before its waiters run.
//
// It may be called directly when the line is polled instead of serviced.
func (n *Notifier) HandleInterrupt() {
	n.interrupts.Add(1)
	total := 0
	for _, r := range n.rings {
		total += r.Reclaim()
	}
	n.reclaimed.Add(uint64(total))
	if n.fence != nil {
		n.fence.Process()
	}
}

// Stop asks the worker to exit and waits for it to do so. It returns the
// error that stopped the worker early, if any.
func (n *Notifier) Stop() error {
	// Tell the worker to stop, then raise the line so that it wakes up in
	// case it's sleeping.
	n.stopRequested.Store(true)
	n.mu.Lock()
	started := n.workerStarted
	n.mu.Unlock()
	if !started {
		return nil
	}
	if err := n.line.Notify(); err != nil {
		log.Warningf("irq: kicking interrupt line: %v", err)
	}
	return n.completed.Error()
}

// Interrupts returns the number of handled interrupts.
func (n *Notifier) Interrupts() uint64 {
	return n.interrupts.Load()
}

// Reclaimed returns the number of buffers reclaimed by interrupt handling.
func (n *Notifier) Reclaimed() uint64 {
	return n.reclaimed.Load()
}
