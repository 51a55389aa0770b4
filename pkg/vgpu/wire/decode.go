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

import (
	"gvisor.dev/vgpu/pkg/errors/linuxerr"
	"gvisor.dev/vgpu/pkg/marshal"
)

// Command is one typed command. The concrete type is selected by the
// discriminant in its header.
type Command interface {
	marshal.Marshallable

	// Header returns the command header, which may be modified in place.
	Header() *CtrlHdr
}

// New returns a zero command of the layout used by t, with the header type
// set. It returns nil for types that are not commands.
func New(t CmdType) Command {
	var c Command
	switch t {
	case CmdGetDisplayInfo, CmdCtxDestroy:
		c = &CtrlHdr{}
	case CmdResourceCreate2D:
		c = &ResourceCreate2D{}
	case CmdResourceUnref, CmdResourceDetachBacking, CmdCtxAttachResource, CmdCtxDetachResource:
		c = &ResourceCmd{}
	case CmdSetScanout:
		c = &SetScanout{}
	case CmdResourceFlush:
		c = &ResourceFlush{}
	case CmdTransferToHost2D:
		c = &TransferToHost2D{}
	case CmdResourceAttachBacking:
		c = &ResourceAttachBacking{}
	case CmdGetCapsetInfo:
		c = &GetCapsetInfo{}
	case CmdCtxCreate:
		c = &CtxCreate{}
	case CmdResourceCreate3D:
		c = &ResourceCreate3D{}
	case CmdTransferToHost3D, CmdTransferFromHost3D:
		c = &TransferHost3D{}
	case CmdSubmit3D:
		c = &CmdSubmit{}
	case CmdUpdateCursor, CmdMoveCursor:
		c = &UpdateCursor{}
	default:
		return nil
	}
	c.Header().Type = t
	return c
}

// DecodeCommand parses the command at the start of b and returns it along
// with the bytes that follow it. It fails with EPROTO if the type is unknown
// and with EINVAL if b is too short.
func DecodeCommand(b []byte) (Command, []byte, error) {
	var hdr CtrlHdr
	if len(b) < hdr.SizeBytes() {
		return nil, nil, linuxerr.EINVAL
	}
	hdr.UnmarshalBytes(b)
	c := New(hdr.Type)
	if c == nil {
		return nil, nil, linuxerr.EPROTO
	}
	if len(b) < c.SizeBytes() {
		return nil, nil, linuxerr.EINVAL
	}
	rest := c.UnmarshalBytes(b)
	return c, rest, nil
}

// EncodeResponse writes a header-only response of type t into dst, which
// must hold at least a CtrlHdr. The fence id and context of req are echoed.
func EncodeResponse(dst []byte, t CmdType, req *CtrlHdr) {
	resp := CtrlHdr{Type: t}
	if req != nil {
		resp.Flags = req.Flags & FlagFence
		resp.FenceID = req.FenceID
		resp.CtxID = req.CtxID
	}
	resp.MarshalBytes(dst)
}

// DecodeResponseType returns the response type in b, or RespErrUnspec when
// b is too short to hold a header.
func DecodeResponseType(b []byte) CmdType {
	if len(b) < 4 {
		return RespErrUnspec
	}
	return CmdType(ByteOrder.Uint32(b))
}
