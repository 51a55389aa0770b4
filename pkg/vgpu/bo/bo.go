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

// Package bo implements guest buffer objects: page-backed storage that backs
// a host resource and is handed to the host through scatter-gather lists.
package bo

import (
	"fmt"
	"io"

	"golang.org/x/sys/unix"
	"gvisor.dev/vgpu/pkg/errors/linuxerr"
	"gvisor.dev/vgpu/pkg/log"
	"gvisor.dev/vgpu/pkg/refs"
	"gvisor.dev/vgpu/pkg/sync"
	"gvisor.dev/vgpu/pkg/vgpu/sg"
)

// PageSize is the granularity of buffer object storage.
var PageSize = uint64(unix.Getpagesize())

// Object is a reference counted, anonymous-memory backed buffer object.
//
// Object starts with one reference. The memory is unmapped when the last
// reference is dropped; pinning does not hold a reference by itself.
type Object struct {
	refs.Refs

	// size is the requested size; len(mem) is size rounded up to PageSize.
	size uint64

	mu sync.Mutex

	// mem and pages are nil once the object has been destroyed.
	//
	// +checklocks:mu
	mem []byte
	// +checklocks:mu
	pages [][]byte

	// pins is the number of outstanding Pin calls.
	//
	// +checklocks:mu
	pins int
}

// New allocates an object of at least size bytes.
func New(size uint64) (*Object, error) {
	if size == 0 {
		return nil, linuxerr.EINVAL
	}
	mapped := (size + PageSize - 1) &^ (PageSize - 1)
	if mapped < size || mapped > 1<<40 {
		return nil, linuxerr.EINVAL
	}
	mem, err := unix.Mmap(-1, 0, int(mapped), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		log.Warningf("bo: mmap of %d bytes failed: %v", mapped, err)
		return nil, linuxerr.ENOMEM
	}
	o := &Object{size: size, mem: mem}
	for off := uint64(0); off < mapped; off += PageSize {
		o.pages = append(o.pages, mem[off:off+PageSize:off+PageSize])
	}
	o.InitRefs("bo.Object")
	return o, nil
}

// Size returns the size requested at allocation.
func (o *Object) Size() uint64 {
	return o.size
}

// NumPages returns the number of backing pages.
func (o *Object) NumPages() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pages)
}

// DecRef drops a reference, unmapping the storage on the last one.
func (o *Object) DecRef() {
	o.Refs.DecRef(o.destroy)
}

func (o *Object) destroy() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pins != 0 {
		panic(fmt.Sprintf("bo: destroying object with %d pins", o.pins))
	}
	if err := unix.Munmap(o.mem); err != nil {
		log.Warningf("bo: munmap failed: %v", err)
	}
	o.mem, o.pages = nil, nil
}

// Pin keeps the pages resident for host access. It fails with EIO if the
// object has been destroyed.
func (o *Object) Pin() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.mem == nil {
		return linuxerr.EIO
	}
	o.pins++
	return nil
}

// Unpin undoes one Pin.
func (o *Object) Unpin() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pins == 0 {
		panic("bo: Unpin without Pin")
	}
	o.pins--
}

// Pinned reports whether the object is pinned.
func (o *Object) Pinned() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pins > 0
}

// SGTable returns the scatter-gather entries covering [off, off+length) of
// the object. The caller must hold a pin.
func (o *Object) SGTable(off, length uint64) ([]sg.Entry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.mem == nil {
		return nil, linuxerr.EIO
	}
	if o.pins == 0 {
		return nil, linuxerr.EINVAL
	}
	if off+length > o.size || off+length < off {
		return nil, linuxerr.EINVAL
	}
	return sg.Range(o.pages, off, length)
}

// ReadAt implements io.ReaderAt.
func (o *Object) ReadAt(p []byte, off int64) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.mem == nil {
		return 0, linuxerr.EIO
	}
	if off < 0 {
		return 0, linuxerr.EINVAL
	}
	if uint64(off) >= o.size {
		return 0, io.EOF
	}
	n := copy(p, o.mem[off:o.size])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt.
func (o *Object) WriteAt(p []byte, off int64) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.mem == nil {
		return 0, linuxerr.EIO
	}
	if off < 0 || uint64(off)+uint64(len(p)) > o.size {
		return 0, linuxerr.EINVAL
	}
	return copy(o.mem[off:], p), nil
}
