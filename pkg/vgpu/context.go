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
	"time"

	"gvisor.dev/vgpu/pkg/cleanup"
	"gvisor.dev/vgpu/pkg/errors/linuxerr"
	"gvisor.dev/vgpu/pkg/vgpu/vbuf"
	"gvisor.dev/vgpu/pkg/vgpu/wire"
)

// CreateContext creates a 3D rendering context and returns its id.
func (d *Device) CreateContext(name string) (uint32, error) {
	if !d.cfg.Enable3D {
		return 0, invalid("contexts need 3D support")
	}
	if len(name) > wire.MaxDebugName {
		return 0, invalid("context name of %d bytes", len(name))
	}
	id, err := d.ctxIDs.Allocate()
	if err != nil {
		return 0, err
	}
	cu := cleanup.Make(func() { d.ctxIDs.Release(id) })
	defer cu.Clean()

	cmd := wire.New(wire.CmdCtxCreate).(*wire.CtxCreate)
	cmd.CtxID = id
	cmd.NLen = uint32(len(name))
	copy(cmd.DebugName[:], name)
	if _, err := d.queue(d.control, vbuf.Request{Cmd: cmd}, false); err != nil {
		return 0, err
	}
	cu.Release()

	d.mu.Lock()
	d.contexts[id] = &Context{id: id, name: name, resources: make(map[uint32]struct{})}
	d.mu.Unlock()
	return id, nil
}

// DestroyContext destroys context id. Like resource ids, the context id is
// reused only after the host has returned the destroy command.
func (d *Device) DestroyContext(id uint32) error {
	d.mu.Lock()
	c, ok := d.contexts[id]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("context %d: %w", id, linuxerr.ENOENT)
	}
	delete(d.contexts, id)
	d.mu.Unlock()

	cmd := wire.New(wire.CmdCtxDestroy)
	cmd.Header().CtxID = id
	req := vbuf.Request{
		Cmd:        cmd,
		OnComplete: func([]byte) { d.ctxIDs.Release(id) },
	}
	if _, err := d.queue(d.control, req, false); err != nil {
		d.mu.Lock()
		d.contexts[id] = c
		d.mu.Unlock()
		return err
	}
	return nil
}

// ContextAttachResource makes resource resID usable by context ctxID.
func (d *Device) ContextAttachResource(ctxID, resID uint32) error {
	return d.contextResource(wire.CmdCtxAttachResource, ctxID, resID)
}

// ContextDetachResource undoes ContextAttachResource.
func (d *Device) ContextDetachResource(ctxID, resID uint32) error {
	return d.contextResource(wire.CmdCtxDetachResource, ctxID, resID)
}

func (d *Device) contextResource(t wire.CmdType, ctxID, resID uint32) error {
	d.mu.Lock()
	c, ok := d.contexts[ctxID]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("context %d: %w", ctxID, linuxerr.ENOENT)
	}
	if _, err := d.lookupLocked(resID); err != nil {
		d.mu.Unlock()
		return err
	}
	_, attached := c.resources[resID]
	d.mu.Unlock()
	if attached == (t == wire.CmdCtxAttachResource) {
		return nil
	}

	cmd := wire.New(t).(*wire.ResourceCmd)
	cmd.CtxID = ctxID
	cmd.ResourceID = resID
	if _, err := d.queue(d.control, vbuf.Request{Cmd: cmd}, false); err != nil {
		return err
	}
	d.mu.Lock()
	if t == wire.CmdCtxAttachResource {
		c.resources[resID] = struct{}{}
	} else {
		delete(c.resources, resID)
	}
	d.mu.Unlock()
	return nil
}

// ContextResources returns the number of resources attached to context id.
func (d *Device) ContextResources(id uint32) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.contexts[id]
	if !ok {
		return 0, fmt.Errorf("context %d: %w", id, linuxerr.ENOENT)
	}
	return len(c.resources), nil
}

// UpdateCursor shows resource id as the cursor on scanout at (x, y), with
// its hot spot at (hotX, hotY). A zero id hides the cursor.
func (d *Device) UpdateCursor(scanout, id, x, y, hotX, hotY uint32) error {
	if id != 0 {
		if _, err := d.Resource(id); err != nil {
			return err
		}
	}
	cmd := wire.New(wire.CmdUpdateCursor).(*wire.UpdateCursor)
	cmd.ResourceID = id
	cmd.HotX = hotX
	cmd.HotY = hotY
	return d.cursorCmd(cmd, scanout, x, y)
}

// MoveCursor moves the cursor on scanout to (x, y).
func (d *Device) MoveCursor(scanout, x, y uint32) error {
	return d.cursorCmd(wire.New(wire.CmdMoveCursor).(*wire.UpdateCursor), scanout, x, y)
}

func (d *Device) cursorCmd(cmd *wire.UpdateCursor, scanout, x, y uint32) error {
	if d.cursor == nil {
		return fmt.Errorf("no cursor queue: %w", linuxerr.ENODEV)
	}
	if scanout >= wire.MaxScanouts {
		return invalid("scanout %d", scanout)
	}
	cmd.Pos = wire.CursorPos{ScanoutID: scanout, X: x, Y: y}
	_, err := d.queue(d.cursor, vbuf.Request{Cmd: cmd}, false)
	return err
}

// DisplayInfo asks the host for its display heads and waits for the answer.
func (d *Device) DisplayInfo(ctx context.Context) ([]wire.DisplayMode, error) {
	var (
		info wire.RespDisplayInfo
		resp wire.CmdType
		done = make(chan struct{})
	)
	req := vbuf.Request{
		Cmd:      wire.New(wire.CmdGetDisplayInfo),
		RespSize: info.SizeBytes(),
		OnComplete: func(b []byte) {
			resp = wire.DecodeResponseType(b)
			if resp == wire.RespOKDisplayInfo && len(b) >= info.SizeBytes() {
				info.UnmarshalBytes(b)
			}
			close(done)
		},
	}
	f, err := d.queue(d.control, req, true)
	if err != nil {
		return nil, err
	}
	defer f.DecRef()
	if err := f.Wait(ctx, true); err != nil {
		return nil, err
	}
	// The host may publish the fence before it returns the buffer.
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()
	for waiting := true; waiting; {
		d.control.Reclaim()
		select {
		case <-done:
			waiting = false
		case <-ctx.Done():
			return nil, linuxerr.EINTR
		case <-tick.C:
		}
	}
	if resp != wire.RespOKDisplayInfo {
		return nil, fmt.Errorf("host answered %v: %w", resp, linuxerr.EIO)
	}
	var modes []wire.DisplayMode
	for _, m := range info.Modes {
		if m.Enabled != 0 {
			modes = append(modes, m)
		}
	}
	return modes, nil
}
