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
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/vgpu/pkg/errors/linuxerr"
	"gvisor.dev/vgpu/pkg/marshal"
	"gvisor.dev/vgpu/pkg/vgpu/virtq"
	"gvisor.dev/vgpu/pkg/vgpu/wire"
)

// exec sends cmd with the given payload on queue id and returns the
// response type.
func exec(t *testing.T, h *Host, id virtq.QueueID, cmd wire.Command, out, in [][]byte) wire.CmdType {
	t.Helper()
	resp := make([]byte, 24)
	q := h.Queue(id)
	if err := q.AddBuffer(append([][]byte{marshal.Marshal(cmd)}, out...), append(in, resp), cmd); err != nil {
		t.Fatalf("AddBuffer: %v", err)
	}
	if !h.Step(id) {
		t.Fatalf("Step found nothing pending")
	}
	token, _, ok := q.GetCompleted()
	if !ok || token != cmd {
		t.Fatalf("GetCompleted() = %v, %v", token, ok)
	}
	return wire.DecodeResponseType(resp)
}

func create2D(t *testing.T, h *Host, id, w, hh uint32) {
	t.Helper()
	c := wire.New(wire.CmdResourceCreate2D).(*wire.ResourceCreate2D)
	c.ResourceID, c.Format, c.Width, c.Height = id, wire.FormatB8G8R8X8Unorm, w, hh
	if rt := exec(t, h, virtq.ControlQueue, c, nil, nil); rt != wire.RespOKNoData {
		t.Fatalf("create resource %d: %v", id, rt)
	}
}

func TestCreateTransferFlush(t *testing.T) {
	h := New(nil, Options{})
	create2D(t, h, 1, 4, 2)

	pix := make([]byte, 4*2*4)
	for i := range pix {
		pix[i] = byte(i)
	}
	xfer := wire.New(wire.CmdTransferToHost2D).(*wire.TransferToHost2D)
	xfer.ResourceID = 1
	xfer.R = wire.Rect{Width: 4, Height: 2}
	xfer.Flags = wire.FlagFence
	xfer.FenceID = 7
	// Split the guest range across two segments.
	if rt := exec(t, h, virtq.ControlQueue, xfer, [][]byte{pix[:5], pix[5:]}, nil); rt != wire.RespOKNoData {
		t.Fatalf("transfer: %v", rt)
	}
	got, _ := h.ReadResource(1, 0)
	if !bytes.Equal(got, pix) {
		t.Errorf("resource contents = %v, want %v", got, pix)
	}
	if c := h.ReadCompletionCounter(); c != 7 {
		t.Errorf("ReadCompletionCounter() = %d, want 7", c)
	}

	flush := wire.New(wire.CmdResourceFlush).(*wire.ResourceFlush)
	flush.ResourceID = 1
	flush.R = wire.Rect{Width: 4, Height: 2}
	if rt := exec(t, h, virtq.ControlQueue, flush, nil, nil); rt != wire.RespOKNoData {
		t.Fatalf("flush: %v", rt)
	}
	info, ok := h.Resource(1)
	if !ok {
		t.Fatalf("resource 1 missing")
	}
	want := ResourceInfo{Format: wire.FormatB8G8R8X8Unorm, Width: 4, Height: 2, Depth: 1, Levels: 1, Flushes: 1, LastFlush: flush.R}
	if diff := cmp.Diff(want, info); diff != "" {
		t.Errorf("Resource(1) mismatch (-want +got):\n%s", diff)
	}
}

func TestErrors(t *testing.T) {
	h := New(nil, Options{})
	create2D(t, h, 1, 4, 4)

	for _, tc := range []struct {
		name string
		cmd  func() wire.Command
		want wire.CmdType
	}{
		{
			name: "unknown resource",
			cmd: func() wire.Command {
				c := wire.New(wire.CmdResourceUnref).(*wire.ResourceCmd)
				c.ResourceID = 9
				return c
			},
			want: wire.RespErrInvalidResourceID,
		},
		{
			name: "duplicate resource",
			cmd: func() wire.Command {
				c := wire.New(wire.CmdResourceCreate2D).(*wire.ResourceCreate2D)
				c.ResourceID, c.Format, c.Width, c.Height = 1, wire.FormatB8G8R8X8Unorm, 1, 1
				return c
			},
			want: wire.RespErrInvalidResourceID,
		},
		{
			name: "3D format in 2D create",
			cmd: func() wire.Command {
				c := wire.New(wire.CmdResourceCreate2D).(*wire.ResourceCreate2D)
				c.ResourceID, c.Format, c.Width, c.Height = 2, wire.FormatR32Float, 1, 1
				return c
			},
			want: wire.RespErrInvalidParameter,
		},
		{
			name: "flush outside",
			cmd: func() wire.Command {
				c := wire.New(wire.CmdResourceFlush).(*wire.ResourceFlush)
				c.ResourceID = 1
				c.R = wire.Rect{X: 2, Width: 4, Height: 1}
				return c
			},
			want: wire.RespErrInvalidParameter,
		},
		{
			name: "bad scanout",
			cmd: func() wire.Command {
				c := wire.New(wire.CmdSetScanout).(*wire.SetScanout)
				c.ScanoutID = 3
				return c
			},
			want: wire.RespErrInvalidScanoutID,
		},
		{
			name: "submit without context",
			cmd: func() wire.Command {
				c := wire.New(wire.CmdSubmit3D).(*wire.CmdSubmit)
				c.CtxID = 4
				return c
			},
			want: wire.RespErrInvalidContextID,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := exec(t, h, virtq.ControlQueue, tc.cmd(), nil, nil); got != tc.want {
				t.Errorf("response = %v, want %v", got, tc.want)
			}
		})
	}
	if h.Failed() != 6 {
		t.Errorf("Failed() = %d, want 6", h.Failed())
	}
}

func TestCursorOnWrongQueue(t *testing.T) {
	h := New(nil, Options{})
	c := wire.New(wire.CmdMoveCursor).(*wire.UpdateCursor)
	if rt := exec(t, h, virtq.ControlQueue, c, nil, nil); rt != wire.RespErrUnspec {
		t.Errorf("cursor command on control queue = %v, want ERR_UNSPEC", rt)
	}
	c.Pos = wire.CursorPos{X: 10, Y: 20}
	if rt := exec(t, h, virtq.CursorQueue, c, nil, nil); rt != wire.RespOKNoData {
		t.Errorf("move cursor = %v", rt)
	}
	if got := h.Cursor(); got.X != 10 || got.Y != 20 || got.Moves != 1 {
		t.Errorf("Cursor() = %+v", got)
	}
}

func TestTransferFromHost3D(t *testing.T) {
	h := New(nil, Options{})
	c := wire.New(wire.CmdResourceCreate3D).(*wire.ResourceCreate3D)
	c.ResourceID, c.Format, c.Target = 5, wire.FormatR8Unorm, wire.TargetTexture3D
	c.Width, c.Height, c.Depth, c.ArraySize = 4, 4, 2, 1
	if rt := exec(t, h, virtq.ControlQueue, c, nil, nil); rt != wire.RespOKNoData {
		t.Fatalf("create 3D: %v", rt)
	}
	src := make([]byte, 4*4*2)
	for i := range src {
		src[i] = byte(i + 1)
	}
	h.WriteResource(5, 0, src)

	// Read a 2x2x2 box at (1,1,0) into a guest layout with an 8 byte row
	// stride and a 32 byte layer stride.
	x := wire.New(wire.CmdTransferFromHost3D).(*wire.TransferHost3D)
	x.ResourceID = 5
	x.Box = wire.Box{X: 1, Y: 1, W: 2, H: 2, D: 2}
	x.Stride, x.LayerStride = 8, 32
	dst := make([]byte, 64)
	if rt := exec(t, h, virtq.ControlQueue, x, nil, [][]byte{dst[:3], dst[3:]}); rt != wire.RespOKNoData {
		t.Fatalf("transfer from host: %v", rt)
	}
	want := make([]byte, 64)
	for z := 0; z < 2; z++ {
		for y := 0; y < 2; y++ {
			for xx := 0; xx < 2; xx++ {
				want[z*32+y*8+xx] = src[z*16+(y+1)*4+xx+1]
			}
		}
	}
	if diff := cmp.Diff(want, dst); diff != "" {
		t.Errorf("guest contents mismatch (-want +got):\n%s", diff)
	}
}

func TestNarrowCounter(t *testing.T) {
	h := New(nil, Options{})
	h.SetCompletionCounter(1<<32 + 3)
	if got := h.ReadCompletionCounter(); got != 3 {
		t.Errorf("32-bit ReadCompletionCounter() = %#x, want 3", got)
	}
	w := New(nil, Options{WideCounter: true})
	w.SetCompletionCounter(1<<32 + 3)
	if got := w.ReadCompletionCounter(); got != 1<<32+3 {
		t.Errorf("64-bit ReadCompletionCounter() = %#x, want %#x", got, uint64(1<<32+3))
	}
}

func TestSlots(t *testing.T) {
	h := New(nil, Options{QueueSize: 4})
	q := h.Queue(virtq.ControlQueue)
	cmd := marshal.Marshal(wire.New(wire.CmdGetDisplayInfo))
	if err := q.AddBuffer([][]byte{cmd, nil}, [][]byte{make([]byte, 24)}, 1); err != nil {
		t.Fatalf("AddBuffer: %v", err)
	}
	if got := q.NumFree(); got != 1 {
		t.Errorf("NumFree() = %d, want 1", got)
	}
	if err := q.AddBuffer([][]byte{cmd}, [][]byte{make([]byte, 24)}, 2); !linuxerr.Equals(linuxerr.ENOSPC, err) {
		t.Errorf("AddBuffer over capacity = %v, want ENOSPC", err)
	}
	h.StepAll()
	if _, _, ok := q.GetCompleted(); !ok {
		t.Fatalf("GetCompleted() found nothing")
	}
	if got := q.NumFree(); got != 4 {
		t.Errorf("NumFree() = %d after completion, want 4", got)
	}
}

func TestDisplayInfo(t *testing.T) {
	h := New(nil, Options{Scanouts: []wire.Rect{{Width: 640, Height: 480}, {Width: 800, Height: 600}}})
	q := h.Queue(virtq.ControlQueue)
	resp := make([]byte, (*wire.RespDisplayInfo)(nil).SizeBytes())
	if err := q.AddBuffer([][]byte{marshal.Marshal(wire.New(wire.CmdGetDisplayInfo))}, [][]byte{resp}, nil); err != nil {
		t.Fatalf("AddBuffer: %v", err)
	}
	h.StepAll()
	_, n, _ := q.GetCompleted()
	if int(n) != len(resp) {
		t.Errorf("written = %d, want %d", n, len(resp))
	}
	var info wire.RespDisplayInfo
	info.UnmarshalBytes(resp)
	if info.Type != wire.RespOKDisplayInfo || info.Modes[1].R.Width != 800 || info.Modes[1].Enabled != 1 || info.Modes[2].Enabled != 0 {
		t.Errorf("display info = %+v", info)
	}
}

type line struct {
	raised chan struct{}
}

func (l *line) Wait() error { return nil }

func (l *line) Notify() error {
	select {
	case l.raised <- struct{}{}:
	default:
	}
	return nil
}

func TestRun(t *testing.T) {
	l := &line{raised: make(chan struct{}, 1)}
	h := New(l, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- h.Run(ctx) }()

	q := h.Queue(virtq.ControlQueue)
	if err := q.AddBuffer([][]byte{marshal.Marshal(wire.New(wire.CmdCtxDestroy))}, [][]byte{make([]byte, 24)}, nil); err != nil {
		t.Fatalf("AddBuffer: %v", err)
	}
	q.Notify()
	select {
	case <-l.raised:
	case <-time.After(5 * time.Second):
		t.Fatalf("interrupt not raised")
	}
	if h.Pending(virtq.ControlQueue) != 0 {
		t.Errorf("buffer still pending after interrupt")
	}
	cancel()
	if err := <-done; err != context.Canceled {
		t.Errorf("Run() = %v, want context.Canceled", err)
	}
}
