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

package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/vgpu/pkg/refs"
	"gvisor.dev/vgpu/pkg/vgpu"
)

func newFlags(t *testing.T, args ...string) *flag.FlagSet {
	t.Helper()
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	if err := testFlags.Parse(args); err != nil {
		t.Fatalf("Parse(%v): %v", args, err)
	}
	return testFlags
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vgpuctl.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault(t *testing.T) {
	c, err := NewFromFlags(newFlags(t))
	if err != nil {
		t.Fatal(err)
	}
	want := Config{
		LogFormat:     "text",
		ReferenceLeak: refs.NoLeakChecking,
		Device:        vgpu.DefaultConfig(),
		Host:          Host{Interrupts: true},
	}
	if diff := cmp.Diff(want, *c); diff != "" {
		t.Errorf("default config mismatch (-want +got):\n%s", diff)
	}
}

func TestFromFlags(t *testing.T) {
	c, err := NewFromFlags(newFlags(t,
		"--debug",
		"--log-format=json",
		"--control-queue-size=8",
		"--max-resources=100",
		"--counter-bits=64",
		"--lockup-window=2s",
		"--enable-3d=false",
		"--ref-leak-mode=log-names",
		"--host-delay=1ms",
	))
	if err != nil {
		t.Fatal(err)
	}
	if !c.Debug {
		t.Errorf("Debug=false, want: true")
	}
	if want := "json"; c.LogFormat != want {
		t.Errorf("LogFormat=%q, want: %q", c.LogFormat, want)
	}
	if want := 8; c.Device.ControlQueueSize != want {
		t.Errorf("ControlQueueSize=%d, want: %d", c.Device.ControlQueueSize, want)
	}
	if want := uint32(100); c.Device.MaxResources != want {
		t.Errorf("MaxResources=%d, want: %d", c.Device.MaxResources, want)
	}
	if want := 2 * time.Second; c.Device.LockupWindow != want {
		t.Errorf("LockupWindow=%v, want: %v", c.Device.LockupWindow, want)
	}
	if c.Device.Enable3D {
		t.Errorf("Enable3D=true, want: false")
	}
	if want := refs.LeaksLogWarning; c.ReferenceLeak != want {
		t.Errorf("ReferenceLeak=%v, want: %v", c.ReferenceLeak, want)
	}

	opts := c.HostOptions()
	if !opts.WideCounter {
		t.Errorf("WideCounter=false with a 64-bit device counter")
	}
	if opts.QueueSize != 8 || opts.Delay != time.Millisecond {
		t.Errorf("HostOptions() = %+v, want queue size 8 and delay 1ms", opts)
	}
}

func TestFileOverlay(t *testing.T) {
	path := writeFile(t, `
debug = true
log_format = "json"

[device]
control_queue_size = 32
lockup_window = "250ms"
batch_notify = true

[host]
delay = "5ms"
interrupts = false
`)
	// Explicit flags win over the file, even when they spell the default.
	c, err := NewFromFlags(newFlags(t, "--config="+path, "--control-queue-size=16", "--log-format=text"))
	if err != nil {
		t.Fatal(err)
	}
	if c.File != path {
		t.Errorf("File=%q, want: %q", c.File, path)
	}
	if !c.Debug {
		t.Errorf("Debug=false, want: true from file")
	}
	if want := "text"; c.LogFormat != want {
		t.Errorf("LogFormat=%q, want: %q from flag", c.LogFormat, want)
	}
	if want := 16; c.Device.ControlQueueSize != want {
		t.Errorf("ControlQueueSize=%d, want: %d from flag", c.Device.ControlQueueSize, want)
	}
	if want := 250 * time.Millisecond; c.Device.LockupWindow != want {
		t.Errorf("LockupWindow=%v, want: %v from file", c.Device.LockupWindow, want)
	}
	if !c.Device.BatchNotify {
		t.Errorf("BatchNotify=false, want: true from file")
	}
	if want := 5 * time.Millisecond; c.Host.Delay != want {
		t.Errorf("Host.Delay=%v, want: %v from file", c.Host.Delay, want)
	}
	if c.Host.Interrupts {
		t.Errorf("Host.Interrupts=true, want: false from file")
	}
	// Untouched settings keep their defaults.
	if want := vgpu.DefaultConfig().CursorQueueSize; c.Device.CursorQueueSize != want {
		t.Errorf("CursorQueueSize=%d, want default %d", c.Device.CursorQueueSize, want)
	}
}

func TestInvalid(t *testing.T) {
	for _, tc := range []struct {
		name string
		args []string
		file string
	}{
		{name: "log format", args: []string{"--log-format=xml"}},
		{name: "counter width", args: []string{"--counter-bits=48"}},
		{name: "negative delay", args: []string{"--host-delay=-1s"}},
		{name: "unknown key", file: "[device]\nring_size = 4\n"},
		{name: "bad type", file: "[device]\ncontrol_queue_size = \"big\"\n"},
		{name: "missing file", args: []string{"--config=/nonexistent/vgpuctl.toml"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			args := tc.args
			if tc.file != "" {
				args = append(args, "--config="+writeFile(t, tc.file))
			}
			if c, err := NewFromFlags(newFlags(t, args...)); err == nil {
				t.Errorf("NewFromFlags(%v) = %+v, want error", args, c)
			}
		})
	}
}
