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
	"context"
	"fmt"

	"gvisor.dev/vgpu/pkg/cleanup"
	"gvisor.dev/vgpu/pkg/errors/linuxerr"
	"gvisor.dev/vgpu/pkg/log"
	"gvisor.dev/vgpu/pkg/vgpu/bo"
	"gvisor.dev/vgpu/pkg/vgpu/fence"
	"gvisor.dev/vgpu/pkg/vgpu/vbuf"
	"gvisor.dev/vgpu/pkg/vgpu/wire"
)

func invalid(format string, v ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, v...), linuxerr.EINVAL)
}

// CreateResource creates a host resource with guest backing large enough
// for every mip level, and returns its id.
func (d *Device) CreateResource(p CreateParams) (uint32, error) {
	bpp, ok := wire.BytesPerPixel(p.Format)
	if !ok {
		return 0, invalid("unknown format %d", p.Format)
	}
	if p.Width == 0 || p.Height == 0 {
		return 0, invalid("empty resource %dx%d", p.Width, p.Height)
	}
	p.Depth = max(p.Depth, 1)
	p.ArraySize = max(p.ArraySize, 1)
	switch {
	case p.Target == wire.TargetTexture3D && p.ArraySize != 1:
		return 0, invalid("3D texture with %d layers", p.ArraySize)
	case p.Target != wire.TargetTexture3D && p.Depth != 1:
		return 0, invalid("depth %d on target %d", p.Depth, p.Target)
	case p.Target == wire.TargetBuffer && p.Height != 1:
		return 0, invalid("buffer with height %d", p.Height)
	case p.Target > wire.TargetCubeArray:
		return 0, invalid("unknown target %d", p.Target)
	}
	if !d.cfg.Enable3D {
		if p.Target != wire.TargetTexture2D || !wire.Is2DFormat(p.Format) || p.LastLevel != 0 || p.ArraySize != 1 || p.Bind != 0 {
			return 0, invalid("resource needs 3D support")
		}
	}
	if p.LastLevel >= 16 || p.Width>>p.LastLevel == 0 && p.Height>>p.LastLevel == 0 {
		return 0, invalid("%d mip levels for %dx%d", p.LastLevel+1, p.Width, p.Height)
	}
	var size uint64
	for l := uint32(0); l <= p.LastLevel; l++ {
		w, h, dd := p.levelDims(l)
		size += uint64(w) * uint64(h) * uint64(dd) * uint64(bpp)
	}

	id, err := d.resIDs.Allocate()
	if err != nil {
		return 0, err
	}
	cu := cleanup.Make(func() { d.resIDs.Release(id) })
	defer cu.Clean()

	backing, err := bo.New(size)
	if err != nil {
		return 0, err
	}
	cu.Add(backing.DecRef)

	var cmd wire.Command
	if d.cfg.Enable3D {
		c := wire.New(wire.CmdResourceCreate3D).(*wire.ResourceCreate3D)
		c.ResourceID = id
		c.Target = p.Target
		c.Format = p.Format
		c.Bind = p.Bind
		c.Width = p.Width
		c.Height = p.Height
		c.Depth = p.Depth
		c.ArraySize = p.ArraySize
		c.LastLevel = p.LastLevel
		c.NrSamples = 0
		c.Flags = p.Flags
		cmd = c
	} else {
		c := wire.New(wire.CmdResourceCreate2D).(*wire.ResourceCreate2D)
		c.ResourceID = id
		c.Format = p.Format
		c.Width = p.Width
		c.Height = p.Height
		cmd = c
	}
	if _, err := d.queue(d.control, vbuf.Request{Cmd: cmd}, false); err != nil {
		return 0, err
	}
	cu.Release()

	d.mu.Lock()
	d.resources[id] = &Resource{id: id, params: p, bpp: bpp, backing: backing}
	d.mu.Unlock()
	log.Debugf("vgpu: created resource %d: %+v, %d bytes of backing", id, p, size)
	return id, nil
}

// UnrefResource destroys resource id. The id becomes reusable only once the
// host has returned the buffer carrying the destroy command, so a new
// resource can never be confused with the old one on the wire.
func (d *Device) UnrefResource(id uint32) error {
	d.mu.Lock()
	r, err := d.lookupLocked(id)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	delete(d.resources, id)
	for _, c := range d.contexts {
		delete(c.resources, id)
	}
	d.mu.Unlock()

	cmd := wire.New(wire.CmdResourceUnref).(*wire.ResourceCmd)
	cmd.ResourceID = id
	req := vbuf.Request{
		Cmd:        cmd,
		OnComplete: func([]byte) { d.resIDs.Release(id) },
	}
	if _, err := d.queue(d.control, req, false); err != nil {
		d.mu.Lock()
		d.resources[id] = r
		d.mu.Unlock()
		return err
	}
	// Buffers still in flight hold their own references.
	r.backing.DecRef()
	return nil
}

// transferRange validates a transfer of box at level of r and returns the
// guest byte range it covers.
func (r *Resource) transferRange(box wire.Box, level uint32, offset uint64, stride uint32) (uint64, uint32, error) {
	if box.Empty() {
		return 0, 0, invalid("empty box %v", box)
	}
	if level > r.params.LastLevel {
		return 0, 0, invalid("level %d of resource %d with %d levels", level, r.id, r.params.LastLevel+1)
	}
	w, h, dd := r.params.levelDims(level)
	if !box.Within(w, h, dd) {
		return 0, 0, invalid("box %v outside resource %d level %d (%dx%dx%d)", box, r.id, level, w, h, dd)
	}
	rowBytes := uint64(box.W) * uint64(r.bpp)
	if stride == 0 {
		stride = uint32(rowBytes)
	}
	if uint64(stride) < rowBytes {
		return 0, 0, invalid("stride %d below row size %d", stride, rowBytes)
	}
	layer := uint64(stride) * uint64(box.H)
	span := uint64(box.D-1)*layer + uint64(box.H-1)*uint64(stride) + rowBytes
	if end := offset + span; end < offset || end > r.backing.Size() {
		return 0, 0, invalid("range [%d, %d) outside backing of %d bytes", offset, offset+span, r.backing.Size())
	}
	return span, stride, nil
}

// acquire returns resource id with an extra reference on its backing, which
// the caller must drop.
func (d *Device) acquire(id uint32) (*Resource, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, err := d.lookupLocked(id)
	if err != nil {
		return nil, err
	}
	r.backing.IncRef()
	return r, nil
}

func (d *Device) transfer(dir vbuf.Direction, id uint32, box wire.Box, level uint32, offset uint64, stride uint32, fenced bool) (*fence.Fence, error) {
	r, err := d.acquire(id)
	if err != nil {
		return nil, err
	}
	defer r.backing.DecRef()
	span, stride, err := r.transferRange(box, level, offset, stride)
	if err != nil {
		return nil, err
	}

	var cmd wire.Command
	switch {
	case d.cfg.Enable3D:
		t := wire.CmdTransferToHost3D
		if dir == vbuf.FromHost {
			t = wire.CmdTransferFromHost3D
		}
		c := wire.New(t).(*wire.TransferHost3D)
		c.Box = box
		c.Offset = offset
		c.ResourceID = id
		c.Level = level
		c.Stride = stride
		cmd = c
	case dir == vbuf.FromHost:
		return nil, invalid("transfer from host needs 3D support")
	default:
		// The 2D command has no stride; rows must be laid out as in the
		// resource.
		if stride != r.Stride() || box.Z != 0 || box.D != 1 {
			return nil, invalid("2D transfer of %v with stride %d, resource stride %d", box, stride, r.Stride())
		}
		c := wire.New(wire.CmdTransferToHost2D).(*wire.TransferToHost2D)
		c.R = box.Rect()
		c.Offset = offset
		c.ResourceID = id
		cmd = c
	}
	return d.queue(d.control, vbuf.Request{
		Cmd:     cmd,
		Backing: r.backing,
		Dir:     dir,
		Offset:  offset,
		Length:  span,
	}, fenced)
}

// TransferToHost copies box of level from the guest backing of resource id,
// starting at byte offset with rows stride bytes apart, into the host copy.
// A zero stride means tightly packed rows.
func (d *Device) TransferToHost(id uint32, box wire.Box, level uint32, offset uint64, stride uint32, fenced bool) (*fence.Fence, error) {
	return d.transfer(vbuf.ToHost, id, box, level, offset, stride, fenced)
}

// TransferFromHost copies box of level from the host copy of resource id
// into its guest backing. The layout is as for TransferToHost.
func (d *Device) TransferFromHost(id uint32, box wire.Box, level uint32, offset uint64, stride uint32, fenced bool) (*fence.Fence, error) {
	return d.transfer(vbuf.FromHost, id, box, level, offset, stride, fenced)
}

// SetScanout shows the width x height rectangle at (x, y) of resource id on
// display head scanout. A zero id disables the head.
func (d *Device) SetScanout(scanout, id, width, height, x, y uint32) error {
	if scanout >= wire.MaxScanouts {
		return invalid("scanout %d", scanout)
	}
	rect := wire.Rect{X: x, Y: y, Width: width, Height: height}
	if id != 0 {
		r, err := d.Resource(id)
		if err != nil {
			return err
		}
		if width == 0 || height == 0 || !(wire.Box{X: x, Y: y, W: width, H: height, D: 1}).Within(r.params.Width, r.params.Height, 1) {
			return invalid("scanout rectangle %+v outside resource %d", rect, id)
		}
	}
	cmd := wire.New(wire.CmdSetScanout).(*wire.SetScanout)
	cmd.R = rect
	cmd.ScanoutID = scanout
	cmd.ResourceID = id
	_, err := d.queue(d.control, vbuf.Request{Cmd: cmd}, false)
	return err
}

// Flush marks the 2D extent of box of resource id as ready for display.
func (d *Device) Flush(id uint32, box wire.Box) error {
	r, err := d.Resource(id)
	if err != nil {
		return err
	}
	rect := box.Rect()
	if rect.Width == 0 || rect.Height == 0 || !(wire.Box{X: rect.X, Y: rect.Y, W: rect.Width, H: rect.Height, D: 1}).Within(r.params.Width, r.params.Height, 1) {
		return invalid("flush of %v outside resource %d", box, id)
	}
	cmd := wire.New(wire.CmdResourceFlush).(*wire.ResourceFlush)
	cmd.R = rect
	cmd.ResourceID = id
	_, err = d.queue(d.control, vbuf.Request{Cmd: cmd}, false)
	return err
}

// SubmitCommandStream sends an opaque command stream to context ctxID. If
// resID is not zero, that resource is kept alive until the host has
// consumed the stream.
func (d *Device) SubmitCommandStream(ctxID, resID uint32, data []byte, fenced bool) (*fence.Fence, error) {
	if !d.cfg.Enable3D {
		return nil, invalid("command submission needs 3D support")
	}
	if len(data) == 0 || len(data) > d.cfg.MaxSubmitBytes {
		return nil, invalid("command stream of %d bytes, limit %d", len(data), d.cfg.MaxSubmitBytes)
	}
	d.mu.Lock()
	_, ok := d.contexts[ctxID]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("context %d: %w", ctxID, linuxerr.ENOENT)
	}
	var r *Resource
	if resID != 0 {
		var err error
		if r, err = d.acquire(resID); err != nil {
			return nil, err
		}
		defer r.backing.DecRef()
	}

	cmd := wire.New(wire.CmdSubmit3D).(*wire.CmdSubmit)
	cmd.CtxID = ctxID
	cmd.Size = uint32(len(data))
	req := vbuf.Request{
		Cmd:  cmd,
		Data: append([]byte(nil), data...),
	}
	if r != nil {
		req.Backing = r.backing
	}
	return d.queue(d.control, req, fenced)
}

// FenceWait blocks until f signals. See fence.Tracker.Wait.
func (d *Device) FenceWait(ctx context.Context, f *fence.Fence, interruptible bool) error {
	if f == nil {
		return nil
	}
	return f.Wait(ctx, interruptible)
}
