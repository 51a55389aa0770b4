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
	"fmt"
	"time"

	"gvisor.dev/vgpu/pkg/errors/linuxerr"
	"gvisor.dev/vgpu/pkg/vgpu/fence"
	"gvisor.dev/vgpu/pkg/vgpu/idr"
	"gvisor.dev/vgpu/pkg/vgpu/wire"
)

// Config holds the device settings fixed at attach time.
type Config struct {
	// ControlQueueSize and CursorQueueSize are the slot counts requested
	// from the host for each queue. The device itself uses whatever the
	// transport reports; these feed simulated hosts.
	ControlQueueSize int `flag:"control-queue-size" toml:"control_queue_size"`
	CursorQueueSize  int `flag:"cursor-queue-size" toml:"cursor_queue_size"`

	// MaxBuffers bounds the outstanding transport buffers. Zero means no
	// bound.
	MaxBuffers int `flag:"max-buffers" toml:"max_buffers"`

	// MaxResources bounds resource ids. Zero means idr.MaxLimit.
	MaxResources uint32 `flag:"max-resources" toml:"max_resources"`

	// MaxContexts bounds rendering context ids. Zero means idr.MaxLimit.
	MaxContexts uint32 `flag:"max-contexts" toml:"max_contexts"`

	// Enable3D allows 3D resources, contexts and command submission.
	Enable3D bool `flag:"enable-3d" toml:"enable_3d"`

	// BatchNotify holds back host notifications until Notify is called or
	// the ring falls below LowWater free slots.
	BatchNotify bool `flag:"batch-notify" toml:"batch_notify"`
	LowWater    int  `flag:"low-water" toml:"low_water"`

	// CounterBits is the width of the host completion counter, 32 or 64.
	CounterBits int `flag:"counter-bits" toml:"counter_bits"`

	// LockupWindow is how long a fence wait tolerates no progress before
	// suspecting a lockup.
	LockupWindow time.Duration `flag:"lockup-window" toml:"lockup_window"`

	// MaxProcessLoops bounds fence reconciliation retries.
	MaxProcessLoops int `flag:"max-process-loops" toml:"max_process_loops"`

	// KickBeforeWait notifies the host before blocking on a fence.
	KickBeforeWait bool `flag:"kick-before-wait" toml:"kick_before_wait"`

	// MaxSubmitBytes bounds one command stream submission.
	MaxSubmitBytes int `flag:"max-submit-bytes" toml:"max_submit_bytes"`

	// DrainTimeout bounds how long Detach waits for the host to return
	// outstanding buffers.
	DrainTimeout time.Duration `flag:"drain-timeout" toml:"drain_timeout"`
}

// DefaultConfig returns the default device configuration.
func DefaultConfig() Config {
	return Config{
		ControlQueueSize: 256,
		CursorQueueSize:  16,
		MaxBuffers:       0,
		MaxResources:     idr.MaxLimit,
		MaxContexts:      1024,
		Enable3D:         true,
		BatchNotify:      false,
		LowWater:         8,
		CounterBits:      32,
		LockupWindow:     fence.DefaultLockupWindow,
		MaxProcessLoops:  fence.DefaultMaxProcessLoops,
		KickBeforeWait:   true,
		MaxSubmitBytes:   1 << 20,
		DrainTimeout:     5 * time.Second,
	}
}

// Validate checks c for settings the device cannot honor.
func (c *Config) Validate() error {
	switch {
	case c.ControlQueueSize < 0 || c.CursorQueueSize < 0:
		return fmt.Errorf("negative queue size: %w", linuxerr.EINVAL)
	case c.MaxBuffers < 0:
		return fmt.Errorf("negative buffer limit %d: %w", c.MaxBuffers, linuxerr.EINVAL)
	case c.MaxResources > idr.MaxLimit || c.MaxContexts > idr.MaxLimit:
		return fmt.Errorf("id limit above %d: %w", idr.MaxLimit, linuxerr.EINVAL)
	case c.LowWater < 0:
		return fmt.Errorf("negative low-water mark %d: %w", c.LowWater, linuxerr.EINVAL)
	case c.CounterBits != 32 && c.CounterBits != 64:
		return fmt.Errorf("completion counter width %d not 32 or 64: %w", c.CounterBits, linuxerr.EINVAL)
	case c.LockupWindow < 0 || c.DrainTimeout < 0:
		return fmt.Errorf("negative timeout: %w", linuxerr.EINVAL)
	case c.MaxProcessLoops < 0:
		return fmt.Errorf("negative reconciliation bound %d: %w", c.MaxProcessLoops, linuxerr.EINVAL)
	case c.MaxSubmitBytes < 0:
		return fmt.Errorf("negative submit limit %d: %w", c.MaxSubmitBytes, linuxerr.EINVAL)
	}
	return nil
}

// CreateParams describes a resource to create.
type CreateParams struct {
	Format    uint32
	Width     uint32
	Height    uint32
	Depth     uint32
	ArraySize uint32
	LastLevel uint32
	Target    uint32
	Bind      uint32
	Flags     uint32
}

// levelDims returns the dimensions of mip level l.
func (p *CreateParams) levelDims(l uint32) (uint32, uint32, uint32) {
	w, h, d := p.Width>>l, p.Height>>l, p.Depth*max(p.ArraySize, 1)
	if p.Target == wire.TargetTexture3D {
		d = p.Depth >> l
	}
	return max(w, 1), max(h, 1), max(d, 1)
}
