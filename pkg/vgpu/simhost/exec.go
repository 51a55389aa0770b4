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
	"gvisor.dev/vgpu/pkg/log"
	"gvisor.dev/vgpu/pkg/vgpu/virtq"
	"gvisor.dev/vgpu/pkg/vgpu/wire"
)

// maxResourceBytes caps the host storage of a single resource.
const maxResourceBytes = 256 << 20

// maxLevels caps the mip chain of a resource.
const maxLevels = 16

type resource struct {
	id     uint32
	format uint32
	bpp    uint32
	target uint32
	width  uint32
	height uint32
	depth  uint32

	// levels holds the tightly packed storage of each mip level.
	levels [][]byte

	attached  bool
	flushes   int
	lastFlush wire.Rect
}

// levelDims returns the dimensions of mip level l.
func (r *resource) levelDims(l uint32) (uint32, uint32, uint32) {
	w, h, d := r.width>>l, r.height>>l, r.depth
	if r.target == wire.TargetTexture3D {
		d >>= l
	}
	return max(w, 1), max(h, 1), max(d, 1)
}

type hostContext struct {
	name      string
	resources map[uint32]struct{}
	submits   int
	bytes     uint64
}

type scanout struct {
	mode       wire.Rect
	enabled    bool
	resourceID uint32
	rect       wire.Rect
}

// Cursor is the state of the hardware cursor.
type Cursor struct {
	ResourceID uint32
	ScanoutID  uint32
	X          uint32
	Y          uint32
	HotX       uint32
	HotY       uint32
	Updates    int
	Moves      int
}

// execLocked runs the command in e and fills in its response. It returns
// the number of bytes written to the inbound segments.
//
// +checklocks:h.mu
func (h *Host) execLocked(qid virtq.QueueID, e *element) uint32 {
	h.executed.Add(1)
	if len(e.out) == 0 || len(e.in) == 0 {
		h.failed.Add(1)
		log.Warningf("simhost: malformed buffer with %d out and %d in segments", len(e.out), len(e.in))
		return 0
	}
	resp := e.in[len(e.in)-1]
	hdrSize := uint32((*wire.CtrlHdr)(nil).SizeBytes())

	cmd, _, err := wire.DecodeCommand(e.out[0])
	var (
		hdr     *wire.CtrlHdr
		rt      = wire.RespErrUnspec
		written uint32
	)
	if err != nil && uint32(len(e.out[0])) >= hdrSize {
		// Unknown commands are still answered and still complete their
		// fence.
		hdr = &wire.CtrlHdr{}
		hdr.UnmarshalBytes(e.out[0])
		err = fail(wire.RespErrUnspec, "undecodable %v: %v", hdr.Type, err)
	} else if err == nil {
		hdr = cmd.Header()
		if hdr.Type.IsCursor() != (qid == virtq.CursorQueue) {
			err = fail(wire.RespErrUnspec, "%v on %v queue", hdr.Type, qid)
		} else {
			rt, written, err = h.dispatchLocked(cmd, e.out[1:], e.in[:len(e.in)-1], resp)
		}
	}
	if err != nil {
		h.failed.Add(1)
		if he, ok := err.(*hostError); ok {
			rt = he.resp
		}
		log.Debugf("simhost: command failed: %v", err)
	}
	if rt != wire.RespOKDisplayInfo {
		if uint32(len(resp)) >= hdrSize {
			wire.EncodeResponse(resp, rt, hdr)
			written += hdrSize
		}
	}

	if hdr != nil && hdr.Fenced() && hdr.FenceID > h.counter.Load() {
		h.counter.Store(hdr.FenceID)
	}
	return written
}

// dispatchLocked executes cmd. out and in are the payload segments that
// follow the command and precede the response.
//
// +checklocks:h.mu
func (h *Host) dispatchLocked(cmd wire.Command, out, in [][]byte, resp []byte) (wire.CmdType, uint32, error) {
	switch c := cmd.(type) {
	case *wire.CtrlHdr:
		switch c.Type {
		case wire.CmdGetDisplayInfo:
			return h.displayInfoLocked(c, resp)
		case wire.CmdCtxDestroy:
			if _, ok := h.contexts[c.CtxID]; !ok {
				return 0, 0, fail(wire.RespErrInvalidContextID, "destroying context %d", c.CtxID)
			}
			delete(h.contexts, c.CtxID)
		}
	case *wire.ResourceCreate2D:
		if !wire.Is2DFormat(c.Format) {
			return 0, 0, fail(wire.RespErrInvalidParameter, "format %d is not a 2D format", c.Format)
		}
		return wire.RespOKNoData, 0, h.createLocked(c.ResourceID, c.Format, wire.TargetTexture2D, c.Width, c.Height, 1, 1, 0)
	case *wire.ResourceCreate3D:
		return wire.RespOKNoData, 0, h.createLocked(c.ResourceID, c.Format, c.Target, c.Width, c.Height, c.Depth, c.ArraySize, c.LastLevel)
	case *wire.ResourceCmd:
		return h.resourceCmdLocked(c)
	case *wire.SetScanout:
		return h.setScanoutLocked(c)
	case *wire.ResourceFlush:
		r, err := h.lookupLocked(c.ResourceID)
		if err != nil {
			return 0, 0, err
		}
		if !(wire.Box{X: c.R.X, Y: c.R.Y, W: c.R.Width, H: c.R.Height, D: 1}).Within(r.width, r.height, 1) {
			return 0, 0, fail(wire.RespErrInvalidParameter, "flush %+v outside resource %d", c.R, r.id)
		}
		r.flushes++
		r.lastFlush = c.R
	case *wire.TransferToHost2D:
		r, err := h.lookupLocked(c.ResourceID)
		if err != nil {
			return 0, 0, err
		}
		box := wire.Box{X: c.R.X, Y: c.R.Y, W: c.R.Width, H: c.R.Height, D: 1}
		if _, err := copyBox(r, 0, box, r.width*r.bpp, 0, out, true); err != nil {
			return 0, 0, err
		}
	case *wire.TransferHost3D:
		r, err := h.lookupLocked(c.ResourceID)
		if err != nil {
			return 0, 0, err
		}
		if c.Type == wire.CmdTransferToHost3D {
			if _, err := copyBox(r, c.Level, c.Box, c.Stride, c.LayerStride, out, true); err != nil {
				return 0, 0, err
			}
			break
		}
		n, err := copyBox(r, c.Level, c.Box, c.Stride, c.LayerStride, in, false)
		if err != nil {
			return 0, 0, err
		}
		return wire.RespOKNoData, n, nil
	case *wire.CtxCreate:
		if c.CtxID == 0 {
			return 0, 0, fail(wire.RespErrInvalidContextID, "creating context 0")
		}
		if _, ok := h.contexts[c.CtxID]; ok {
			return 0, 0, fail(wire.RespErrInvalidContextID, "context %d exists", c.CtxID)
		}
		h.contexts[c.CtxID] = &hostContext{name: c.Name(), resources: make(map[uint32]struct{})}
	case *wire.CmdSubmit:
		ctx, ok := h.contexts[c.CtxID]
		if !ok {
			return 0, 0, fail(wire.RespErrInvalidContextID, "submit to context %d", c.CtxID)
		}
		var total uint64
		for _, seg := range out {
			total += uint64(len(seg))
		}
		if total < uint64(c.Size) {
			return 0, 0, fail(wire.RespErrInvalidParameter, "submit of %d bytes with %d present", c.Size, total)
		}
		ctx.submits++
		ctx.bytes += uint64(c.Size)
	case *wire.UpdateCursor:
		return h.cursorLocked(c)
	case *wire.ResourceAttachBacking:
		r, err := h.lookupLocked(c.ResourceID)
		if err != nil {
			return 0, 0, err
		}
		r.attached = true
	default:
		return 0, 0, fail(wire.RespErrUnspec, "unsupported command %v", cmd.Header().Type)
	}
	return wire.RespOKNoData, 0, nil
}

// +checklocks:h.mu
func (h *Host) lookupLocked(id uint32) (*resource, error) {
	r, ok := h.resources[id]
	if !ok {
		return nil, fail(wire.RespErrInvalidResourceID, "no resource %d", id)
	}
	return r, nil
}

// +checklocks:h.mu
func (h *Host) createLocked(id, format, target, width, height, depth, arraySize, lastLevel uint32) error {
	if id == 0 {
		return fail(wire.RespErrInvalidResourceID, "creating resource 0")
	}
	if _, ok := h.resources[id]; ok {
		return fail(wire.RespErrInvalidResourceID, "resource %d exists", id)
	}
	bpp, ok := wire.BytesPerPixel(format)
	if !ok {
		return fail(wire.RespErrInvalidParameter, "unknown format %d", format)
	}
	if width == 0 || height == 0 || lastLevel >= maxLevels {
		return fail(wire.RespErrInvalidParameter, "bad geometry %dx%d levels %d", width, height, lastLevel+1)
	}
	r := &resource{
		id:     id,
		format: format,
		bpp:    bpp,
		target: target,
		width:  width,
		height: height,
		depth:  max(depth, 1) * max(arraySize, 1),
	}
	var total uint64
	for l := uint32(0); l <= lastLevel; l++ {
		lw, lh, ld := r.levelDims(l)
		size := uint64(lw) * uint64(lh) * uint64(ld) * uint64(bpp)
		total += size
		if total > maxResourceBytes {
			return fail(wire.RespErrOutOfMemory, "resource %d needs more than %d bytes", id, maxResourceBytes)
		}
		r.levels = append(r.levels, make([]byte, size))
	}
	h.resources[id] = r
	return nil
}

// +checklocks:h.mu
func (h *Host) resourceCmdLocked(c *wire.ResourceCmd) (wire.CmdType, uint32, error) {
	r, err := h.lookupLocked(c.ResourceID)
	if err != nil {
		return 0, 0, err
	}
	switch c.Type {
	case wire.CmdResourceUnref:
		delete(h.resources, r.id)
		for i := range h.scanouts {
			if h.scanouts[i].resourceID == r.id {
				h.scanouts[i].resourceID = 0
			}
		}
		for _, ctx := range h.contexts {
			delete(ctx.resources, r.id)
		}
		if h.cursor.ResourceID == r.id {
			h.cursor.ResourceID = 0
		}
	case wire.CmdResourceDetachBacking:
		r.attached = false
	case wire.CmdCtxAttachResource, wire.CmdCtxDetachResource:
		ctx, ok := h.contexts[c.CtxID]
		if !ok {
			return 0, 0, fail(wire.RespErrInvalidContextID, "no context %d", c.CtxID)
		}
		if c.Type == wire.CmdCtxAttachResource {
			ctx.resources[r.id] = struct{}{}
		} else {
			delete(ctx.resources, r.id)
		}
	}
	return wire.RespOKNoData, 0, nil
}

// +checklocks:h.mu
func (h *Host) setScanoutLocked(c *wire.SetScanout) (wire.CmdType, uint32, error) {
	if c.ScanoutID >= wire.MaxScanouts || !h.scanouts[c.ScanoutID].enabled {
		return 0, 0, fail(wire.RespErrInvalidScanoutID, "no scanout %d", c.ScanoutID)
	}
	s := &h.scanouts[c.ScanoutID]
	if c.ResourceID == 0 {
		s.resourceID = 0
		s.rect = wire.Rect{}
		return wire.RespOKNoData, 0, nil
	}
	r, err := h.lookupLocked(c.ResourceID)
	if err != nil {
		return 0, 0, err
	}
	if !(wire.Box{X: c.R.X, Y: c.R.Y, W: c.R.Width, H: c.R.Height, D: 1}).Within(r.width, r.height, 1) {
		return 0, 0, fail(wire.RespErrInvalidParameter, "scanout %+v outside resource %d", c.R, r.id)
	}
	s.resourceID = r.id
	s.rect = c.R
	return wire.RespOKNoData, 0, nil
}

// +checklocks:h.mu
func (h *Host) cursorLocked(c *wire.UpdateCursor) (wire.CmdType, uint32, error) {
	if c.Pos.ScanoutID >= wire.MaxScanouts {
		return 0, 0, fail(wire.RespErrInvalidScanoutID, "no scanout %d", c.Pos.ScanoutID)
	}
	if c.Type == wire.CmdUpdateCursor {
		if c.ResourceID != 0 {
			if _, err := h.lookupLocked(c.ResourceID); err != nil {
				return 0, 0, err
			}
		}
		h.cursor.ResourceID = c.ResourceID
		h.cursor.HotX = c.HotX
		h.cursor.HotY = c.HotY
		h.cursor.Updates++
	} else {
		h.cursor.Moves++
	}
	h.cursor.ScanoutID = c.Pos.ScanoutID
	h.cursor.X = c.Pos.X
	h.cursor.Y = c.Pos.Y
	return wire.RespOKNoData, 0, nil
}

// +checklocks:h.mu
func (h *Host) displayInfoLocked(req *wire.CtrlHdr, resp []byte) (wire.CmdType, uint32, error) {
	info := wire.RespDisplayInfo{
		CtrlHdr: wire.CtrlHdr{
			Type:    wire.RespOKDisplayInfo,
			Flags:   req.Flags & wire.FlagFence,
			FenceID: req.FenceID,
			CtxID:   req.CtxID,
		},
	}
	if len(resp) < info.SizeBytes() {
		return 0, 0, fail(wire.RespErrUnspec, "display info response of %d bytes", len(resp))
	}
	for i := range h.scanouts {
		info.Modes[i].R = h.scanouts[i].mode
		if h.scanouts[i].enabled {
			info.Modes[i].Enabled = 1
		}
	}
	info.MarshalBytes(resp)
	return wire.RespOKDisplayInfo, uint32(info.SizeBytes()), nil
}

// guest is the guest memory of a transfer, seen as one flat range made of
// the given segments.
type guest [][]byte

// access copies between b and the guest range at off. It reads from the
// guest unless write is set, and reports whether the range held all of b.
func (g guest) access(off uint64, b []byte, write bool) bool {
	for _, seg := range g {
		if len(b) == 0 {
			break
		}
		if off >= uint64(len(seg)) {
			off -= uint64(len(seg))
			continue
		}
		var n int
		if write {
			n = copy(seg[off:], b)
		} else {
			n = copy(b, seg[off:])
		}
		b = b[n:]
		off = 0
	}
	return len(b) == 0
}

// copyBox moves box between level of r and the guest segments, whose
// layout is described by stride and layerStride. A zero stride or layer
// stride means tightly packed. It returns the number of bytes moved.
func copyBox(r *resource, level uint32, box wire.Box, stride, layerStride uint32, segs [][]byte, toHost bool) (uint32, error) {
	if int(level) >= len(r.levels) {
		return 0, fail(wire.RespErrInvalidParameter, "resource %d has no level %d", r.id, level)
	}
	w, h, d := r.levelDims(level)
	if box.Empty() || !box.Within(w, h, d) {
		return 0, fail(wire.RespErrInvalidParameter, "box %v outside resource %d level %d (%dx%dx%d)", box, r.id, level, w, h, d)
	}
	rowBytes := uint64(box.W) * uint64(r.bpp)
	gStride := uint64(stride)
	if gStride == 0 {
		gStride = rowBytes
	}
	gLayer := uint64(layerStride)
	if gLayer == 0 {
		gLayer = gStride * uint64(box.H)
	}
	if gStride < rowBytes || (box.D > 1 && gLayer < gStride*uint64(box.H)) {
		return 0, fail(wire.RespErrInvalidParameter, "stride %d layer stride %d too small for box %v", gStride, gLayer, box)
	}
	hStride := uint64(w) * uint64(r.bpp)
	hLayer := hStride * uint64(h)
	mem := r.levels[level]
	g := guest(segs)
	var moved uint32
	for z := uint64(0); z < uint64(box.D); z++ {
		for y := uint64(0); y < uint64(box.H); y++ {
			hoff := (uint64(box.Z)+z)*hLayer + (uint64(box.Y)+y)*hStride + uint64(box.X)*uint64(r.bpp)
			row := mem[hoff : hoff+rowBytes]
			if !g.access(z*gLayer+y*gStride, row, !toHost) {
				return moved, fail(wire.RespErrInvalidParameter, "guest range too short for box %v", box)
			}
			moved += uint32(rowBytes)
		}
	}
	return moved, nil
}
