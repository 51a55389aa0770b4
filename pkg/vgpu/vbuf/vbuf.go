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

// Package vbuf implements the transport buffer pool.
//
// A Buffer carries one command, an optional attached backing range described
// by a scatter-gather list, and room for the host response. A Buffer has
// exactly one owner at a time: the dispatcher building it, the ring it was
// queued on, or the pool's free list.
package vbuf

import (
	"fmt"
	"sync/atomic"

	"gvisor.dev/vgpu/pkg/cleanup"
	"gvisor.dev/vgpu/pkg/errors/linuxerr"
	"gvisor.dev/vgpu/pkg/sync"
	"gvisor.dev/vgpu/pkg/vgpu/sg"
	"gvisor.dev/vgpu/pkg/vgpu/wire"
)

const (
	// InlineCmdSize is the command storage recycled with every buffer.
	// Larger commands are allocated separately.
	InlineCmdSize = 96

	// InlineRespSize is the response storage recycled with every buffer.
	InlineRespSize = 24
)

// Direction says which way the attached backing range moves.
type Direction int

const (
	// ToHost backing pages are read by the host.
	ToHost Direction = iota

	// FromHost backing pages are written by the host.
	FromHost
)

// String implements fmt.Stringer.
func (d Direction) String() string {
	switch d {
	case ToHost:
		return "to-host"
	case FromHost:
		return "from-host"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// Backing is the storage a command may attach. *bo.Object implements it.
type Backing interface {
	IncRef()
	DecRef()
	Pin() error
	Unpin()
	SGTable(off, length uint64) ([]sg.Entry, error)
}

// Request describes the buffer to allocate.
type Request struct {
	// Cmd is the command to carry. It is serialized when the buffer is
	// queued, after the header has been finalized.
	Cmd wire.Command

	// Data is opaque payload sent after the command.
	Data []byte

	// RespSize is the response size. Zero means a bare header.
	RespSize int

	// Backing, if set, is attached for [Offset, Offset+Length).
	Backing Backing
	Dir     Direction
	Offset  uint64
	Length  uint64

	// OnComplete is called with the response once the host has returned the
	// buffer, before the buffer is released.
	OnComplete func(resp []byte)
}

// State is the ownership state of a Buffer.
type State int32

const (
	// Free buffers belong to the pool.
	Free State = iota

	// Building buffers belong to the dispatcher that allocated them.
	Building

	// Queued buffers belong to the ring.
	Queued

	// Completed buffers have been returned by the host and await release.
	Completed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Building:
		return "building"
	case Queued:
		return "queued"
	case Completed:
		return "completed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// storage is the inline memory recycled through the pool free list.
type storage struct {
	cmd  [InlineCmdSize]byte
	resp [InlineRespSize]byte
}

// Buffer is one transport buffer.
type Buffer struct {
	pool  *Pool
	state atomic.Int32

	cmd        wire.Command
	cmdBuf     []byte
	data       []byte
	resp       []byte
	respLen    uint32
	entries    []sg.Entry
	backing    Backing
	dir        Direction
	onComplete func([]byte)

	// inline is returned to the pool on release.
	inline *storage
}

// Command returns the typed command carried by b.
func (b *Buffer) Command() wire.Command {
	return b.cmd
}

// Header returns the command header.
func (b *Buffer) Header() *wire.CtrlHdr {
	return b.cmd.Header()
}

// State returns the current ownership state.
func (b *Buffer) State() State {
	return State(b.state.Load())
}

// Entries returns the scatter-gather entries of the attached range.
func (b *Buffer) Entries() []sg.Entry {
	return b.entries
}

// Encode serializes the command into its wire bytes. The ring calls it once
// the header is final.
func (b *Buffer) Encode() {
	b.cmd.MarshalBytes(b.cmdBuf)
}

// Out returns the segments the host reads: the command, any payload, and the
// attached pages when moving to the host.
func (b *Buffer) Out() [][]byte {
	out := make([][]byte, 0, 2+len(b.entries))
	out = append(out, b.cmdBuf)
	if len(b.data) > 0 {
		out = append(out, b.data)
	}
	if b.dir == ToHost {
		out = append(out, sg.Segments(b.entries)...)
	}
	return out
}

// In returns the segments the host writes: the attached pages when moving
// from the host, then the response.
func (b *Buffer) In() [][]byte {
	in := make([][]byte, 0, 1+len(b.entries))
	if b.dir == FromHost {
		in = append(in, sg.Segments(b.entries)...)
	}
	return append(in, b.resp)
}

// Descriptors returns the number of ring slots b needs.
func (b *Buffer) Descriptors() int {
	n := 2 + len(b.entries)
	if len(b.data) > 0 {
		n++
	}
	return n
}

// Response returns the bytes written by the host. It is only meaningful once
// the buffer has completed.
func (b *Buffer) Response() []byte {
	if int(b.respLen) < len(b.resp) {
		return b.resp[:b.respLen]
	}
	return b.resp
}

// MarkQueued hands b to the ring.
func (b *Buffer) MarkQueued() {
	if !b.state.CompareAndSwap(int32(Building), int32(Queued)) {
		panic(fmt.Sprintf("vbuf: queueing buffer in state %v", b.State()))
	}
}

// Unqueue returns a buffer the ring could not queue to its builder.
func (b *Buffer) Unqueue() {
	if !b.state.CompareAndSwap(int32(Queued), int32(Building)) {
		panic(fmt.Sprintf("vbuf: unqueueing buffer in state %v", b.State()))
	}
}

// Complete records that the host returned b with n response bytes written
// and runs the completion callback.
func (b *Buffer) Complete(n uint32) {
	if !b.state.CompareAndSwap(int32(Queued), int32(Completed)) {
		panic(fmt.Sprintf("vbuf: completing buffer in state %v", b.State()))
	}
	b.respLen = n
	if b.onComplete != nil {
		b.onComplete(b.Response())
	}
}

// Release drops the backing reference and returns b to the pool. It panics
// if the ring still owns b or if b was already released.
func (b *Buffer) Release() {
	s := b.State()
	if s != Building && s != Completed || !b.state.CompareAndSwap(int32(s), int32(Free)) {
		panic(fmt.Sprintf("vbuf: releasing buffer in state %v", s))
	}
	if b.backing != nil {
		b.backing.Unpin()
		b.backing.DecRef()
		b.backing = nil
	}
	b.pool.put(b)
}

// Pool allocates transport buffers. The zero value is not usable; use
// NewPool.
type Pool struct {
	// limit is the maximum number of outstanding buffers, 0 for no limit.
	limit int

	mu sync.Mutex

	// +checklocks:mu
	outstanding int
	// +checklocks:mu
	free []*storage
	// +checklocks:mu
	allocs uint64
}

// NewPool returns a pool allowing at most limit outstanding buffers. A limit
// of zero means unlimited.
func NewPool(limit int) *Pool {
	return &Pool{limit: limit}
}

// Allocate builds a buffer for req. It fails with ENOMEM when the pool limit
// is reached, with EIO when the backing cannot be pinned, and with EINVAL
// for malformed requests. On failure nothing is left allocated.
func (p *Pool) Allocate(req Request) (*Buffer, error) {
	if req.Cmd == nil || req.RespSize < 0 {
		return nil, linuxerr.EINVAL
	}
	if req.Backing == nil && req.Length != 0 {
		return nil, linuxerr.EINVAL
	}

	p.mu.Lock()
	if p.limit > 0 && p.outstanding >= p.limit {
		p.mu.Unlock()
		return nil, linuxerr.ENOMEM
	}
	p.outstanding++
	p.allocs++
	var st *storage
	if n := len(p.free); n > 0 {
		st = p.free[n-1]
		p.free = p.free[:n-1]
	}
	p.mu.Unlock()
	cu := cleanup.Make(func() {
		p.mu.Lock()
		p.outstanding--
		if st != nil {
			p.free = append(p.free, st)
		}
		p.mu.Unlock()
	})
	defer cu.Clean()

	if st == nil {
		st = &storage{}
	}
	b := &Buffer{
		pool:       p,
		cmd:        req.Cmd,
		data:       req.Data,
		dir:        req.Dir,
		onComplete: req.OnComplete,
		inline:     st,
	}
	if size := req.Cmd.SizeBytes(); size <= InlineCmdSize {
		b.cmdBuf = st.cmd[:size]
		clear(b.cmdBuf)
	} else {
		b.cmdBuf = make([]byte, size)
	}
	respSize := req.RespSize
	if respSize == 0 {
		respSize = (*wire.CtrlHdr)(nil).SizeBytes()
	}
	if respSize <= InlineRespSize {
		b.resp = st.resp[:respSize]
		clear(b.resp)
	} else {
		b.resp = make([]byte, respSize)
	}

	if req.Backing != nil {
		if err := req.Backing.Pin(); err != nil {
			return nil, linuxerr.EIO
		}
		cu.Add(req.Backing.Unpin)
		entries, err := req.Backing.SGTable(req.Offset, req.Length)
		if err != nil {
			return nil, err
		}
		req.Backing.IncRef()
		b.backing = req.Backing
		b.entries = entries
	}

	b.state.Store(int32(Building))
	cu.Release()
	return b, nil
}

func (p *Pool) put(b *Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outstanding--
	if b.inline != nil {
		p.free = append(p.free, b.inline)
		b.inline = nil
	}
}

// Outstanding returns the number of buffers not yet released.
func (p *Pool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstanding
}

// Allocs returns the number of allocations admitted by the pool limit.
func (p *Pool) Allocs() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocs
}
