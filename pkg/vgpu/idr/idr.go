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

// Package idr allocates small integer handles for host resources.
//
// Handles start at 1; 0 is never returned. The lowest free handle is always
// handed out first, so a released handle is reused by the next allocation.
package idr

import (
	"fmt"
	"sync/atomic"

	"gvisor.dev/vgpu/pkg/bitmap"
	"gvisor.dev/vgpu/pkg/errors/linuxerr"
	"gvisor.dev/vgpu/pkg/sync"
)

// MaxLimit is the largest supported handle.
const MaxLimit = bitmap.MaxBitEntryLimit - 1

// Allocator hands out unique non-zero handles.
type Allocator struct {
	limit uint32

	mu sync.Mutex

	// live has bit i set while handle i is allocated. Bit 0 is never set.
	//
	// +checklocks:mu
	live bitmap.Bitmap

	// contended counts reservations thrown away because another allocation
	// grew the table first.
	contended atomic.Uint64
}

// New returns an allocator for handles in [1, limit]. A limit of zero means
// MaxLimit.
func New(limit uint32) *Allocator {
	if limit == 0 || limit > MaxLimit {
		limit = MaxLimit
	}
	return &Allocator{limit: limit}
}

// Allocate returns the lowest free handle. It fails with ENOMEM once every
// handle up to the limit is live.
//
// Table growth is reserved outside the lock and attached under it; if
// another allocation grew the table in between, the reservation is dropped
// and the allocation retried.
func (a *Allocator) Allocate() (uint32, error) {
	var (
		spare        []uint64
		reservedSize = -1
	)
	for {
		a.mu.Lock()
		if id, err := a.live.FirstZero(1); err == nil && id <= a.limit {
			a.live.Add(id)
			a.mu.Unlock()
			return id, nil
		}
		if a.live.GetNumOnes() >= a.limit {
			a.mu.Unlock()
			return 0, linuxerr.ENOMEM
		}
		size := a.live.Size()
		if spare != nil {
			if size == reservedSize {
				err := a.live.Extend(spare)
				a.mu.Unlock()
				if err != nil {
					return 0, linuxerr.ENOMEM
				}
				spare = nil
				continue
			}
			a.contended.Add(1)
			spare = nil
		}
		a.mu.Unlock()

		grow := uint32(size)
		if grow < 64 {
			grow = 64
		}
		var err error
		if spare, err = bitmap.Reserve(grow); err != nil {
			return 0, linuxerr.ENOMEM
		}
		reservedSize = size
	}
}

// Release makes id available again. Releasing a handle that is not live is a
// bug and panics.
func (a *Allocator) Release(id uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id == 0 || !a.live.Contains(id) {
		panic(fmt.Sprintf("idr: releasing handle %d which is not live", id))
	}
	a.live.Remove(id)
}

// IsLive reports whether id is allocated.
func (a *Allocator) IsLive(id uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live.Contains(id)
}

// Live returns the number of allocated handles.
func (a *Allocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.live.GetNumOnes())
}

// Contended returns the number of discarded reservations.
func (a *Allocator) Contended() uint64 {
	return a.contended.Load()
}
