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

// Package config provides basic infrastructure to set configuration settings
// for vgpuctl. Settings come from flags and, optionally, from a TOML file.
package config

import (
	"fmt"
	"time"

	"gvisor.dev/vgpu/pkg/refs"
	"gvisor.dev/vgpu/pkg/vgpu"
	"gvisor.dev/vgpu/pkg/vgpu/simhost"
)

// Config holds configuration that is shared by all vgpuctl commands.
//
// Fields with a flag tag are bound to the flag of that name. Fields with a
// toml tag can also be set by the file named by --config. A flag given on the
// command line always wins over the file.
type Config struct {
	// File is the TOML file the remaining settings were read from, if any.
	File string `flag:"config" toml:"-"`

	// LogFilename is the file to log to, in addition to stderr when
	// AlsoLogToStderr is set. Empty means no log file.
	LogFilename string `flag:"log" toml:"log"`

	// LogFormat is the log format, "text" or "json".
	LogFormat string `flag:"log-format" toml:"log_format"`

	// Debug enables debug logging.
	Debug bool `flag:"debug" toml:"debug"`

	// AlsoLogToStderr sends log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr" toml:"alsologtostderr"`

	// ReferenceLeak sets the reference leak check mode.
	ReferenceLeak refs.LeakMode `flag:"ref-leak-mode" toml:"-"`

	// Device configures the guest side of the pipeline.
	Device vgpu.Config `toml:"device"`

	// Host configures the simulated host.
	Host Host `toml:"host"`
}

// Host configures the simulated host renderer.
type Host struct {
	// Delay is slept before each command the host executes.
	Delay time.Duration `flag:"host-delay" toml:"delay"`

	// Interrupts makes the host signal completions through an eventfd.
	// Otherwise the device polls the completion counter.
	Interrupts bool `flag:"interrupts" toml:"interrupts"`
}

// HostOptions returns the simulated host options matching c. The queue sizes
// and counter width follow the device settings.
func (c *Config) HostOptions() simhost.Options {
	return simhost.Options{
		QueueSize:       c.Device.ControlQueueSize,
		CursorQueueSize: c.Device.CursorQueueSize,
		WideCounter:     c.Device.CounterBits == 64,
		Delay:           c.Host.Delay,
	}
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if c.Host.Delay < 0 {
		return fmt.Errorf("negative host delay %v", c.Host.Delay)
	}
	if err := c.Device.Validate(); err != nil {
		return fmt.Errorf("device config: %w", err)
	}
	return nil
}
