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

package simhost

import (
	"gvisor.dev/vgpu/pkg/vgpu/wire"
)

// ResourceInfo describes a host resource.
type ResourceInfo struct {
	Format    uint32
	Width     uint32
	Height    uint32
	Depth     uint32
	Levels    int
	Attached  bool
	Flushes   int
	LastFlush wire.Rect
}

// Resource returns the state of resource id.
func (h *Host) Resource(id uint32) (ResourceInfo, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.resources[id]
	if !ok {
		return ResourceInfo{}, false
	}
	return ResourceInfo{
		Format:    r.format,
		Width:     r.width,
		Height:    r.height,
		Depth:     r.depth,
		Levels:    len(r.levels),
		Attached:  r.attached,
		Flushes:   r.flushes,
		LastFlush: r.lastFlush,
	}, true
}

// Resources returns the number of live host resources.
func (h *Host) Resources() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.resources)
}

// ReadResource returns a copy of level of resource id, tightly packed.
func (h *Host) ReadResource(id, level uint32) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.resources[id]
	if !ok || int(level) >= len(r.levels) {
		return nil, false
	}
	return append([]byte(nil), r.levels[level]...), true
}

// WriteResource replaces the contents of level of resource id, as if the
// host had rendered into it.
func (h *Host) WriteResource(id, level uint32, data []byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.resources[id]
	if !ok || int(level) >= len(r.levels) || len(data) != len(r.levels[level]) {
		return false
	}
	copy(r.levels[level], data)
	return true
}

// Scanout returns the resource bound to display head i and the visible
// rectangle.
func (h *Host) Scanout(i int) (uint32, wire.Rect, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if i < 0 || i >= wire.MaxScanouts || !h.scanouts[i].enabled {
		return 0, wire.Rect{}, false
	}
	return h.scanouts[i].resourceID, h.scanouts[i].rect, true
}

// Cursor returns the cursor state.
func (h *Host) Cursor() Cursor {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cursor
}

// ContextInfo describes a rendering context.
type ContextInfo struct {
	Name      string
	Resources int
	Submits   int
	Bytes     uint64
}

// Context returns the state of context id.
func (h *Host) Context(id uint32) (ContextInfo, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.contexts[id]
	if !ok {
		return ContextInfo{}, false
	}
	return ContextInfo{
		Name:      c.name,
		Resources: len(c.resources),
		Submits:   c.submits,
		Bytes:     c.bytes,
	}, true
}
