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

// Package wire defines the fixed-layout command structures exchanged between
// the guest pipeline and the host renderer.
//
// All structures are little endian and bit-exact with the virtio-gpu device
// ABI. Inside the pipeline commands are handled as typed values; they are
// translated to bytes only at the ring boundary.
package wire

import (
	"encoding/binary"
	"fmt"
)

// ByteOrder is the byte order of every field on the wire.
var ByteOrder = binary.LittleEndian

// CmdType is the discriminant carried in CtrlHdr.Type. Commands and responses
// share the same space.
type CmdType uint32

// 2D commands.
const (
	CmdGetDisplayInfo CmdType = 0x0100 + iota
	CmdResourceCreate2D
	CmdResourceUnref
	CmdSetScanout
	CmdResourceFlush
	CmdTransferToHost2D
	CmdResourceAttachBacking
	CmdResourceDetachBacking
	CmdGetCapsetInfo
	CmdGetCapset
	CmdGetEDID
)

// 3D commands.
const (
	CmdCtxCreate CmdType = 0x0200 + iota
	CmdCtxDestroy
	CmdCtxAttachResource
	CmdCtxDetachResource
	CmdResourceCreate3D
	CmdTransferToHost3D
	CmdTransferFromHost3D
	CmdSubmit3D
)

// Cursor commands.
const (
	CmdUpdateCursor CmdType = 0x0300 + iota
	CmdMoveCursor
)

// Success responses.
const (
	RespOKNoData CmdType = 0x1100 + iota
	RespOKDisplayInfo
	RespOKCapsetInfo
	RespOKCapset
	RespOKEDID
)

// Error responses.
const (
	RespErrUnspec CmdType = 0x1200 + iota
	RespErrOutOfMemory
	RespErrInvalidScanoutID
	RespErrInvalidResourceID
	RespErrInvalidContextID
	RespErrInvalidParameter
)

var cmdNames = map[CmdType]string{
	CmdGetDisplayInfo:        "GET_DISPLAY_INFO",
	CmdResourceCreate2D:      "RESOURCE_CREATE_2D",
	CmdResourceUnref:         "RESOURCE_UNREF",
	CmdSetScanout:            "SET_SCANOUT",
	CmdResourceFlush:         "RESOURCE_FLUSH",
	CmdTransferToHost2D:      "TRANSFER_TO_HOST_2D",
	CmdResourceAttachBacking: "RESOURCE_ATTACH_BACKING",
	CmdResourceDetachBacking: "RESOURCE_DETACH_BACKING",
	CmdGetCapsetInfo:         "GET_CAPSET_INFO",
	CmdGetCapset:             "GET_CAPSET",
	CmdGetEDID:               "GET_EDID",
	CmdCtxCreate:             "CTX_CREATE",
	CmdCtxDestroy:            "CTX_DESTROY",
	CmdCtxAttachResource:     "CTX_ATTACH_RESOURCE",
	CmdCtxDetachResource:     "CTX_DETACH_RESOURCE",
	CmdResourceCreate3D:      "RESOURCE_CREATE_3D",
	CmdTransferToHost3D:      "TRANSFER_TO_HOST_3D",
	CmdTransferFromHost3D:    "TRANSFER_FROM_HOST_3D",
	CmdSubmit3D:              "SUBMIT_3D",
	CmdUpdateCursor:          "UPDATE_CURSOR",
	CmdMoveCursor:            "MOVE_CURSOR",
	RespOKNoData:             "OK_NODATA",
	RespOKDisplayInfo:        "OK_DISPLAY_INFO",
	RespOKCapsetInfo:         "OK_CAPSET_INFO",
	RespOKCapset:             "OK_CAPSET",
	RespOKEDID:               "OK_EDID",
	RespErrUnspec:            "ERR_UNSPEC",
	RespErrOutOfMemory:       "ERR_OUT_OF_MEMORY",
	RespErrInvalidScanoutID:  "ERR_INVALID_SCANOUT_ID",
	RespErrInvalidResourceID: "ERR_INVALID_RESOURCE_ID",
	RespErrInvalidContextID:  "ERR_INVALID_CONTEXT_ID",
	RespErrInvalidParameter:  "ERR_INVALID_PARAMETER",
}

// String implements fmt.Stringer.
func (t CmdType) String() string {
	if s, ok := cmdNames[t]; ok {
		return s
	}
	return fmt.Sprintf("CmdType(%#x)", uint32(t))
}

// IsError reports whether t is an error response.
func (t CmdType) IsError() bool {
	return t >= RespErrUnspec && t < 0x1300
}

// IsCursor reports whether t belongs on the cursor queue.
func (t CmdType) IsCursor() bool {
	return t >= CmdUpdateCursor && t < 0x0400
}

// Is3D reports whether t requires a device with 3D support.
func (t CmdType) Is3D() bool {
	return t >= CmdCtxCreate && t < 0x0300
}

// FlagFence in CtrlHdr.Flags asks the host to report completion of the
// command through the fence counter.
const FlagFence = 1 << 0

// MaxScanouts is the number of display heads described by
// RespDisplayInfo.
const MaxScanouts = 16

// Pipe texture targets, as used by ResourceCreate3D.Target.
const (
	TargetBuffer    = 0
	TargetTexture1D = 1
	TargetTexture2D = 2
	TargetTexture3D = 3
	TargetCube      = 4
	TargetRect      = 5
	Target1DArray   = 6
	Target2DArray   = 7
	TargetCubeArray = 8
)

// Bind flags for ResourceCreate3D.Bind.
const (
	BindDepthStencil   = 1 << 0
	BindRenderTarget   = 1 << 1
	BindSamplerView    = 1 << 3
	BindVertexBuffer   = 1 << 4
	BindIndexBuffer    = 1 << 5
	BindConstantBuffer = 1 << 6
	BindStaging        = 1 << 19
)

// ResourceFlagYZeroTop marks resources whose first row is the top one.
const ResourceFlagYZeroTop = 1 << 0

// Formats.
const (
	FormatB8G8R8A8Unorm     = 1
	FormatB8G8R8X8Unorm     = 2
	FormatA8R8G8B8Unorm     = 3
	FormatX8R8G8B8Unorm     = 4
	FormatZ24X8Unorm        = 21
	FormatR32Float          = 28
	FormatR32G32Float       = 29
	FormatR32G32B32Float    = 30
	FormatR32G32B32A32Float = 31
	FormatR8Unorm           = 64
	FormatR8G8B8A8Unorm     = 67
	FormatX8B8G8R8Unorm     = 68
	FormatR16Float          = 91
	FormatB8G8R8A8SRGB      = 100
	FormatA8R8G8B8SRGB      = 102
	FormatA8B8G8R8Unorm     = 121
	FormatR8G8B8X8Unorm     = 134
)

var formatSizes = map[uint32]uint32{
	FormatB8G8R8A8Unorm:     4,
	FormatB8G8R8X8Unorm:     4,
	FormatA8R8G8B8Unorm:     4,
	FormatX8R8G8B8Unorm:     4,
	FormatZ24X8Unorm:        4,
	FormatR32Float:          4,
	FormatR32G32Float:       8,
	FormatR32G32B32Float:    12,
	FormatR32G32B32A32Float: 16,
	FormatR8Unorm:           1,
	FormatR8G8B8A8Unorm:     4,
	FormatX8B8G8R8Unorm:     4,
	FormatR16Float:          2,
	FormatB8G8R8A8SRGB:      4,
	FormatA8R8G8B8SRGB:      4,
	FormatA8B8G8R8Unorm:     4,
	FormatR8G8B8X8Unorm:     4,
}

// BytesPerPixel returns the size of one pixel of format.
func BytesPerPixel(format uint32) (uint32, bool) {
	n, ok := formatSizes[format]
	return n, ok
}

// Is2DFormat reports whether format may be used with RESOURCE_CREATE_2D.
func Is2DFormat(format uint32) bool {
	switch format {
	case FormatB8G8R8A8Unorm, FormatB8G8R8X8Unorm, FormatA8R8G8B8Unorm, FormatX8R8G8B8Unorm,
		FormatR8G8B8A8Unorm, FormatX8B8G8R8Unorm, FormatA8B8G8R8Unorm, FormatR8G8B8X8Unorm:
		return true
	}
	return false
}

func put32(dst []byte, v uint32) []byte {
	ByteOrder.PutUint32(dst[:4], v)
	return dst[4:]
}

func put64(dst []byte, v uint64) []byte {
	ByteOrder.PutUint64(dst[:8], v)
	return dst[8:]
}

func get32(src []byte, v *uint32) []byte {
	*v = ByteOrder.Uint32(src[:4])
	return src[4:]
}

func get64(src []byte, v *uint64) []byte {
	*v = ByteOrder.Uint64(src[:8])
	return src[8:]
}

// CtrlHdr is the header of every command and response.
type CtrlHdr struct {
	Type    CmdType
	Flags   uint32
	FenceID uint64
	CtxID   uint32
	Padding uint32
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (*CtrlHdr) SizeBytes() int {
	return 24
}

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (h *CtrlHdr) MarshalBytes(dst []byte) []byte {
	dst = put32(dst, uint32(h.Type))
	dst = put32(dst, h.Flags)
	dst = put64(dst, h.FenceID)
	dst = put32(dst, h.CtxID)
	return put32(dst, h.Padding)
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (h *CtrlHdr) UnmarshalBytes(src []byte) []byte {
	src = get32(src, (*uint32)(&h.Type))
	src = get32(src, &h.Flags)
	src = get64(src, &h.FenceID)
	src = get32(src, &h.CtxID)
	return get32(src, &h.Padding)
}

// Header implements Command.Header.
func (h *CtrlHdr) Header() *CtrlHdr {
	return h
}

// Fenced reports whether the host must signal completion of this command.
func (h *CtrlHdr) Fenced() bool {
	return h.Flags&FlagFence != 0
}

// Rect is a 2D rectangle.
type Rect struct {
	X      uint32
	Y      uint32
	Width  uint32
	Height uint32
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (*Rect) SizeBytes() int {
	return 16
}

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (r *Rect) MarshalBytes(dst []byte) []byte {
	dst = put32(dst, r.X)
	dst = put32(dst, r.Y)
	dst = put32(dst, r.Width)
	return put32(dst, r.Height)
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (r *Rect) UnmarshalBytes(src []byte) []byte {
	src = get32(src, &r.X)
	src = get32(src, &r.Y)
	src = get32(src, &r.Width)
	return get32(src, &r.Height)
}

// Box is a 3D region of a resource.
type Box struct {
	X uint32
	Y uint32
	Z uint32
	W uint32
	H uint32
	D uint32
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (*Box) SizeBytes() int {
	return 24
}

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (b *Box) MarshalBytes(dst []byte) []byte {
	for _, v := range [...]uint32{b.X, b.Y, b.Z, b.W, b.H, b.D} {
		dst = put32(dst, v)
	}
	return dst
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (b *Box) UnmarshalBytes(src []byte) []byte {
	for _, v := range [...]*uint32{&b.X, &b.Y, &b.Z, &b.W, &b.H, &b.D} {
		src = get32(src, v)
	}
	return src
}

// Rect returns the 2D projection of b.
func (b Box) Rect() Rect {
	return Rect{X: b.X, Y: b.Y, Width: b.W, Height: b.H}
}

// Empty reports whether b covers no pixels.
func (b Box) Empty() bool {
	return b.W == 0 || b.H == 0 || b.D == 0
}

// Within reports whether b lies inside a resource of the given dimensions.
func (b Box) Within(width, height, depth uint32) bool {
	return uint64(b.X)+uint64(b.W) <= uint64(width) &&
		uint64(b.Y)+uint64(b.H) <= uint64(height) &&
		uint64(b.Z)+uint64(b.D) <= uint64(depth)
}

// String implements fmt.Stringer.
func (b Box) String() string {
	return fmt.Sprintf("{%d,%d,%d %dx%dx%d}", b.X, b.Y, b.Z, b.W, b.H, b.D)
}
