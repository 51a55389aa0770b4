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

package vbuf

import (
	"testing"

	"gvisor.dev/vgpu/pkg/errors/linuxerr"
	"gvisor.dev/vgpu/pkg/vgpu/bo"
	"gvisor.dev/vgpu/pkg/vgpu/sg"
	"gvisor.dev/vgpu/pkg/vgpu/wire"
)

func unref(id uint32) wire.Command {
	c := wire.New(wire.CmdResourceUnref).(*wire.ResourceCmd)
	c.ResourceID = id
	return c
}

// failingBacking refuses to be pinned.
type failingBacking struct {
	refs int
}

func (f *failingBacking) IncRef()    { f.refs++ }
func (f *failingBacking) DecRef()    { f.refs-- }
func (f *failingBacking) Pin() error { return linuxerr.EIO }
func (f *failingBacking) Unpin()     {}
func (f *failingBacking) SGTable(off, length uint64) ([]sg.Entry, error) {
	return nil, linuxerr.EIO
}

func TestAllocateRelease(t *testing.T) {
	p := NewPool(0)
	b, err := p.Allocate(Request{Cmd: unref(3)})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if got := b.State(); got != Building {
		t.Errorf("State() = %v, want %v", got, Building)
	}
	b.Encode()
	if got := len(b.Out()); got != 1 {
		t.Errorf("len(Out()) = %d, want 1", got)
	}
	if got := len(b.In()); got != 1 || len(b.In()[0]) != 24 {
		t.Errorf("In() = %v, want one 24 byte response", b.In())
	}
	cmd, _, err := wire.DecodeCommand(b.Out()[0])
	if err != nil {
		t.Fatalf("DecodeCommand: %v", err)
	}
	if got := cmd.(*wire.ResourceCmd).ResourceID; got != 3 {
		t.Errorf("encoded resource id = %d, want 3", got)
	}
	if p.Outstanding() != 1 {
		t.Errorf("Outstanding() = %d, want 1", p.Outstanding())
	}
	b.Release()
	if p.Outstanding() != 0 {
		t.Errorf("Outstanding() = %d after release, want 0", p.Outstanding())
	}
}

func TestLimit(t *testing.T) {
	p := NewPool(2)
	b1, err := p.Allocate(Request{Cmd: unref(1)})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	b2, err := p.Allocate(Request{Cmd: unref(2)})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if _, err := p.Allocate(Request{Cmd: unref(3)}); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Fatalf("Allocate over limit = %v, want ENOMEM", err)
	}
	b1.Release()
	b3, err := p.Allocate(Request{Cmd: unref(3)})
	if err != nil {
		t.Fatalf("Allocate after release: %v", err)
	}
	b2.Release()
	b3.Release()
}

func TestOwnership(t *testing.T) {
	p := NewPool(0)
	b, err := p.Allocate(Request{Cmd: unref(1)})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	b.MarkQueued()
	func() {
		defer func() {
			if recover() == nil {
				t.Errorf("Release of a queued buffer did not panic")
			}
		}()
		b.Release()
	}()
	var got []byte
	b.onComplete = func(resp []byte) { got = resp }
	b.Complete(24)
	if len(got) != 24 {
		t.Errorf("completion saw %d response bytes, want 24", len(got))
	}
	b.Release()
	defer func() {
		if recover() == nil {
			t.Errorf("double Release did not panic")
		}
	}()
	b.Release()
}

func TestBacking(t *testing.T) {
	obj, err := bo.New(4 * bo.PageSize)
	if err != nil {
		t.Fatalf("bo.New: %v", err)
	}
	defer obj.DecRef()

	p := NewPool(0)
	cmd := wire.New(wire.CmdTransferToHost3D)
	b, err := p.Allocate(Request{Cmd: cmd, Backing: obj, Dir: ToHost, Offset: bo.PageSize - 8, Length: bo.PageSize})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if got := obj.ReadRefs(); got != 2 {
		t.Errorf("backing refs = %d while attached, want 2", got)
	}
	if !obj.Pinned() {
		t.Errorf("backing not pinned while attached")
	}
	if got := len(b.Entries()); got != 2 {
		t.Errorf("len(Entries()) = %d, want 2", got)
	}
	if got, want := len(b.Out()), 3; got != want {
		t.Errorf("len(Out()) = %d, want %d", got, want)
	}
	if got, want := b.Descriptors(), 4; got != want {
		t.Errorf("Descriptors() = %d, want %d", got, want)
	}
	b.Release()
	if got := obj.ReadRefs(); got != 1 {
		t.Errorf("backing refs = %d after release, want 1", got)
	}
	if obj.Pinned() {
		t.Errorf("backing still pinned after release")
	}

	b, err = p.Allocate(Request{Cmd: cmd, Backing: obj, Dir: FromHost, Length: 16})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if got := len(b.In()); got != 2 {
		t.Errorf("len(In()) = %d for a readback, want 2", got)
	}
	b.Release()
}

func TestBackingFailure(t *testing.T) {
	p := NewPool(1)
	f := &failingBacking{}
	if _, err := p.Allocate(Request{Cmd: unref(1), Backing: f, Length: 4}); !linuxerr.Equals(linuxerr.EIO, err) {
		t.Fatalf("Allocate with unpinnable backing = %v, want EIO", err)
	}
	if f.refs != 0 {
		t.Errorf("failed allocation leaked %d backing refs", f.refs)
	}
	if p.Outstanding() != 0 {
		t.Errorf("failed allocation left %d outstanding", p.Outstanding())
	}
	if _, err := p.Allocate(Request{}); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("Allocate without command = %v, want EINVAL", err)
	}
}

func TestLargeCommand(t *testing.T) {
	p := NewPool(0)
	// A display info response does not fit inline.
	b, err := p.Allocate(Request{Cmd: wire.New(wire.CmdGetDisplayInfo), RespSize: (*wire.RespDisplayInfo)(nil).SizeBytes()})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if got := len(b.In()[0]); got != 408 {
		t.Errorf("response segment = %d bytes, want 408", got)
	}
	b.Release()
}
