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

package wire

// ResourceCreate2D is RESOURCE_CREATE_2D.
type ResourceCreate2D struct {
	CtrlHdr
	ResourceID uint32
	Format     uint32
	Width      uint32
	Height     uint32
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (*ResourceCreate2D) SizeBytes() int {
	return 40
}

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (c *ResourceCreate2D) MarshalBytes(dst []byte) []byte {
	dst = c.CtrlHdr.MarshalBytes(dst)
	dst = put32(dst, c.ResourceID)
	dst = put32(dst, c.Format)
	dst = put32(dst, c.Width)
	return put32(dst, c.Height)
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (c *ResourceCreate2D) UnmarshalBytes(src []byte) []byte {
	src = c.CtrlHdr.UnmarshalBytes(src)
	src = get32(src, &c.ResourceID)
	src = get32(src, &c.Format)
	src = get32(src, &c.Width)
	return get32(src, &c.Height)
}

// ResourceCreate3D is RESOURCE_CREATE_3D.
type ResourceCreate3D struct {
	CtrlHdr
	ResourceID uint32
	Target     uint32
	Format     uint32
	Bind       uint32
	Width      uint32
	Height     uint32
	Depth      uint32
	ArraySize  uint32
	LastLevel  uint32
	NrSamples  uint32
	Flags      uint32
	Padding    uint32
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (*ResourceCreate3D) SizeBytes() int {
	return 72
}

func (c *ResourceCreate3D) fields() []*uint32 {
	return []*uint32{&c.ResourceID, &c.Target, &c.Format, &c.Bind, &c.Width, &c.Height,
		&c.Depth, &c.ArraySize, &c.LastLevel, &c.NrSamples, &c.Flags, &c.Padding}
}

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (c *ResourceCreate3D) MarshalBytes(dst []byte) []byte {
	dst = c.CtrlHdr.MarshalBytes(dst)
	for _, f := range c.fields() {
		dst = put32(dst, *f)
	}
	return dst
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (c *ResourceCreate3D) UnmarshalBytes(src []byte) []byte {
	src = c.CtrlHdr.UnmarshalBytes(src)
	for _, f := range c.fields() {
		src = get32(src, f)
	}
	return src
}

// ResourceCmd is the layout shared by every command that names a single
// resource: RESOURCE_UNREF, RESOURCE_DETACH_BACKING, CTX_ATTACH_RESOURCE and
// CTX_DETACH_RESOURCE.
type ResourceCmd struct {
	CtrlHdr
	ResourceID uint32
	Padding    uint32
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (*ResourceCmd) SizeBytes() int {
	return 32
}

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (c *ResourceCmd) MarshalBytes(dst []byte) []byte {
	dst = c.CtrlHdr.MarshalBytes(dst)
	dst = put32(dst, c.ResourceID)
	return put32(dst, c.Padding)
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (c *ResourceCmd) UnmarshalBytes(src []byte) []byte {
	src = c.CtrlHdr.UnmarshalBytes(src)
	src = get32(src, &c.ResourceID)
	return get32(src, &c.Padding)
}

// SetScanout is SET_SCANOUT.
type SetScanout struct {
	CtrlHdr
	R          Rect
	ScanoutID  uint32
	ResourceID uint32
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (*SetScanout) SizeBytes() int {
	return 48
}

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (c *SetScanout) MarshalBytes(dst []byte) []byte {
	dst = c.CtrlHdr.MarshalBytes(dst)
	dst = c.R.MarshalBytes(dst)
	dst = put32(dst, c.ScanoutID)
	return put32(dst, c.ResourceID)
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (c *SetScanout) UnmarshalBytes(src []byte) []byte {
	src = c.CtrlHdr.UnmarshalBytes(src)
	src = c.R.UnmarshalBytes(src)
	src = get32(src, &c.ScanoutID)
	return get32(src, &c.ResourceID)
}

// ResourceFlush is RESOURCE_FLUSH.
type ResourceFlush struct {
	CtrlHdr
	R          Rect
	ResourceID uint32
	Padding    uint32
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (*ResourceFlush) SizeBytes() int {
	return 48
}

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (c *ResourceFlush) MarshalBytes(dst []byte) []byte {
	dst = c.CtrlHdr.MarshalBytes(dst)
	dst = c.R.MarshalBytes(dst)
	dst = put32(dst, c.ResourceID)
	return put32(dst, c.Padding)
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (c *ResourceFlush) UnmarshalBytes(src []byte) []byte {
	src = c.CtrlHdr.UnmarshalBytes(src)
	src = c.R.UnmarshalBytes(src)
	src = get32(src, &c.ResourceID)
	return get32(src, &c.Padding)
}

// TransferToHost2D is TRANSFER_TO_HOST_2D.
type TransferToHost2D struct {
	CtrlHdr
	R          Rect
	Offset     uint64
	ResourceID uint32
	Padding    uint32
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (*TransferToHost2D) SizeBytes() int {
	return 56
}

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (c *TransferToHost2D) MarshalBytes(dst []byte) []byte {
	dst = c.CtrlHdr.MarshalBytes(dst)
	dst = c.R.MarshalBytes(dst)
	dst = put64(dst, c.Offset)
	dst = put32(dst, c.ResourceID)
	return put32(dst, c.Padding)
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (c *TransferToHost2D) UnmarshalBytes(src []byte) []byte {
	src = c.CtrlHdr.UnmarshalBytes(src)
	src = c.R.UnmarshalBytes(src)
	src = get64(src, &c.Offset)
	src = get32(src, &c.ResourceID)
	return get32(src, &c.Padding)
}

// TransferHost3D is TRANSFER_TO_HOST_3D and TRANSFER_FROM_HOST_3D. Offset is
// the byte offset of the box origin in the guest backing; Stride and
// LayerStride describe the guest layout, zero meaning tightly packed.
type TransferHost3D struct {
	CtrlHdr
	Box         Box
	Offset      uint64
	ResourceID  uint32
	Level       uint32
	Stride      uint32
	LayerStride uint32
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (*TransferHost3D) SizeBytes() int {
	return 72
}

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (c *TransferHost3D) MarshalBytes(dst []byte) []byte {
	dst = c.CtrlHdr.MarshalBytes(dst)
	dst = c.Box.MarshalBytes(dst)
	dst = put64(dst, c.Offset)
	dst = put32(dst, c.ResourceID)
	dst = put32(dst, c.Level)
	dst = put32(dst, c.Stride)
	return put32(dst, c.LayerStride)
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (c *TransferHost3D) UnmarshalBytes(src []byte) []byte {
	src = c.CtrlHdr.UnmarshalBytes(src)
	src = c.Box.UnmarshalBytes(src)
	src = get64(src, &c.Offset)
	src = get32(src, &c.ResourceID)
	src = get32(src, &c.Level)
	src = get32(src, &c.Stride)
	return get32(src, &c.LayerStride)
}

// CmdSubmit is SUBMIT_3D. Size bytes of opaque command stream follow the
// struct in the outbound segments.
type CmdSubmit struct {
	CtrlHdr
	Size    uint32
	Padding uint32
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (*CmdSubmit) SizeBytes() int {
	return 32
}

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (c *CmdSubmit) MarshalBytes(dst []byte) []byte {
	dst = c.CtrlHdr.MarshalBytes(dst)
	dst = put32(dst, c.Size)
	return put32(dst, c.Padding)
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (c *CmdSubmit) UnmarshalBytes(src []byte) []byte {
	src = c.CtrlHdr.UnmarshalBytes(src)
	src = get32(src, &c.Size)
	return get32(src, &c.Padding)
}

// MaxDebugName is the size of CtxCreate.DebugName.
const MaxDebugName = 64

// CtxCreate is CTX_CREATE.
type CtxCreate struct {
	CtrlHdr
	NLen        uint32
	ContextInit uint32
	DebugName   [MaxDebugName]byte
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (*CtxCreate) SizeBytes() int {
	return 96
}

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (c *CtxCreate) MarshalBytes(dst []byte) []byte {
	dst = c.CtrlHdr.MarshalBytes(dst)
	dst = put32(dst, c.NLen)
	dst = put32(dst, c.ContextInit)
	copy(dst, c.DebugName[:])
	return dst[MaxDebugName:]
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (c *CtxCreate) UnmarshalBytes(src []byte) []byte {
	src = c.CtrlHdr.UnmarshalBytes(src)
	src = get32(src, &c.NLen)
	src = get32(src, &c.ContextInit)
	copy(c.DebugName[:], src)
	return src[MaxDebugName:]
}

// Name returns the debug name.
func (c *CtxCreate) Name() string {
	n := c.NLen
	if n > MaxDebugName {
		n = MaxDebugName
	}
	return string(c.DebugName[:n])
}

// CursorPos is the position of the cursor on a scanout.
type CursorPos struct {
	ScanoutID uint32
	X         uint32
	Y         uint32
	Padding   uint32
}

// UpdateCursor is UPDATE_CURSOR and MOVE_CURSOR.
type UpdateCursor struct {
	CtrlHdr
	Pos        CursorPos
	ResourceID uint32
	HotX       uint32
	HotY       uint32
	Padding    uint32
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (*UpdateCursor) SizeBytes() int {
	return 56
}

func (c *UpdateCursor) fields() []*uint32 {
	return []*uint32{&c.Pos.ScanoutID, &c.Pos.X, &c.Pos.Y, &c.Pos.Padding,
		&c.ResourceID, &c.HotX, &c.HotY, &c.Padding}
}

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (c *UpdateCursor) MarshalBytes(dst []byte) []byte {
	dst = c.CtrlHdr.MarshalBytes(dst)
	for _, f := range c.fields() {
		dst = put32(dst, *f)
	}
	return dst
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (c *UpdateCursor) UnmarshalBytes(src []byte) []byte {
	src = c.CtrlHdr.UnmarshalBytes(src)
	for _, f := range c.fields() {
		src = get32(src, f)
	}
	return src
}

// ResourceAttachBacking is RESOURCE_ATTACH_BACKING. NrEntries MemEntry
// structs follow it.
type ResourceAttachBacking struct {
	CtrlHdr
	ResourceID uint32
	NrEntries  uint32
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (*ResourceAttachBacking) SizeBytes() int {
	return 32
}

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (c *ResourceAttachBacking) MarshalBytes(dst []byte) []byte {
	dst = c.CtrlHdr.MarshalBytes(dst)
	dst = put32(dst, c.ResourceID)
	return put32(dst, c.NrEntries)
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (c *ResourceAttachBacking) UnmarshalBytes(src []byte) []byte {
	src = c.CtrlHdr.UnmarshalBytes(src)
	src = get32(src, &c.ResourceID)
	return get32(src, &c.NrEntries)
}

// MemEntry describes one guest memory region of a backing store.
type MemEntry struct {
	Addr    uint64
	Length  uint32
	Padding uint32
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (*MemEntry) SizeBytes() int {
	return 16
}

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (e *MemEntry) MarshalBytes(dst []byte) []byte {
	dst = put64(dst, e.Addr)
	dst = put32(dst, e.Length)
	return put32(dst, e.Padding)
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (e *MemEntry) UnmarshalBytes(src []byte) []byte {
	src = get64(src, &e.Addr)
	src = get32(src, &e.Length)
	return get32(src, &e.Padding)
}

// GetCapsetInfo is GET_CAPSET_INFO.
type GetCapsetInfo struct {
	CtrlHdr
	CapsetIndex uint32
	Padding     uint32
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (*GetCapsetInfo) SizeBytes() int {
	return 32
}

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (c *GetCapsetInfo) MarshalBytes(dst []byte) []byte {
	dst = c.CtrlHdr.MarshalBytes(dst)
	dst = put32(dst, c.CapsetIndex)
	return put32(dst, c.Padding)
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (c *GetCapsetInfo) UnmarshalBytes(src []byte) []byte {
	src = c.CtrlHdr.UnmarshalBytes(src)
	src = get32(src, &c.CapsetIndex)
	return get32(src, &c.Padding)
}

// DisplayMode is one entry of RespDisplayInfo.
type DisplayMode struct {
	R       Rect
	Enabled uint32
	Flags   uint32
}

// RespDisplayInfo is the OK_DISPLAY_INFO response.
type RespDisplayInfo struct {
	CtrlHdr
	Modes [MaxScanouts]DisplayMode
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (*RespDisplayInfo) SizeBytes() int {
	return 24 + MaxScanouts*24
}

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (r *RespDisplayInfo) MarshalBytes(dst []byte) []byte {
	dst = r.CtrlHdr.MarshalBytes(dst)
	for i := range r.Modes {
		dst = r.Modes[i].R.MarshalBytes(dst)
		dst = put32(dst, r.Modes[i].Enabled)
		dst = put32(dst, r.Modes[i].Flags)
	}
	return dst
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (r *RespDisplayInfo) UnmarshalBytes(src []byte) []byte {
	src = r.CtrlHdr.UnmarshalBytes(src)
	for i := range r.Modes {
		src = r.Modes[i].R.UnmarshalBytes(src)
		src = get32(src, &r.Modes[i].Enabled)
		src = get32(src, &r.Modes[i].Flags)
	}
	return src
}
