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

package cmd

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/vgpu/pkg/vgpu"
	"gvisor.dev/vgpu/pkg/vgpu/wire"
	"gvisor.dev/vgpu/vgpuctl/cmd/util"
	"gvisor.dev/vgpu/vgpuctl/config"
)

// Scenario implements subcommands.Command for the "scenario" command.
type Scenario struct {
	params scenarioParams
}

type scenarioParams struct {
	width  uint
	height uint
	frames int
}

// Name implements subcommands.Command.Name.
func (*Scenario) Name() string {
	return "scenario"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Scenario) Synopsis() string {
	return "create a resource, upload frames to it and scan it out on a simulated host"
}

// Usage implements subcommands.Command.Usage.
func (*Scenario) Usage() string {
	return `scenario [flags] - runs create, transfer, flush and fence wait against a simulated host.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Scenario) SetFlags(f *flag.FlagSet) {
	s.params.setFlags(f)
}

func (p *scenarioParams) setFlags(f *flag.FlagSet) {
	f.UintVar(&p.width, "width", 64, "resource width in pixels.")
	f.UintVar(&p.height, "height", 64, "resource height in pixels.")
	f.IntVar(&p.frames, "frames", 3, "number of frames to upload and flush.")
}

// Execute implements subcommands.Command.Execute.
func (s *Scenario) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	if err := runScenario(ctx, conf, s.params, os.Stdout); err != nil {
		return util.Errorf("scenario failed: %v", err)
	}
	return subcommands.ExitSuccess
}

// runScenario drives one resource through the full pipeline and writes a
// report to w.
func runScenario(ctx context.Context, conf *config.Config, p scenarioParams, w io.Writer) error {
	if p.width == 0 || p.height == 0 || p.width > math.MaxUint16 || p.height > math.MaxUint16 || p.frames <= 0 {
		return fmt.Errorf("empty scenario: %dx%d, %d frames", p.width, p.height, p.frames)
	}
	s, err := newSession(ctx, conf)
	if err != nil {
		return err
	}
	defer s.close()
	return s.scenario(ctx, p, w)
}

func (s *session) scenario(ctx context.Context, p scenarioParams, w io.Writer) error {
	for i, m := range s.modes {
		fmt.Fprintf(w, "head %d: %dx%d+%d+%d\n", i, m.R.Width, m.R.Height, m.R.X, m.R.Y)
	}

	width, height := uint32(p.width), uint32(p.height)
	id, err := s.dev.CreateResource(vgpu.CreateParams{
		Format: wire.FormatB8G8R8X8Unorm,
		Width:  width,
		Height: height,
		Target: wire.TargetTexture2D,
	})
	if err != nil {
		return fmt.Errorf("creating resource: %w", err)
	}
	fmt.Fprintf(w, "resource %d: %dx%d\n", id, width, height)

	if err := s.dev.SetScanout(0, id, width, height, 0, 0); err != nil {
		return fmt.Errorf("setting scanout: %w", err)
	}

	r, err := s.dev.Resource(id)
	if err != nil {
		return err
	}
	box := wire.Box{W: width, H: height, D: 1}
	frame := make([]byte, int(r.Stride())*int(height))
	for i := 0; i < p.frames; i++ {
		fill(frame, byte(i))
		if _, err := r.Backing().WriteAt(frame, 0); err != nil {
			return fmt.Errorf("writing frame %d: %w", i, err)
		}
		f, err := s.dev.TransferToHost(id, box, 0, 0, r.Stride(), true)
		if err != nil {
			return fmt.Errorf("uploading frame %d: %w", i, err)
		}
		err = s.dev.FenceWait(ctx, f, true)
		seq := f.Seq()
		f.DecRef()
		if err != nil {
			return fmt.Errorf("waiting for frame %d: %w", i, err)
		}
		if err := s.dev.Flush(id, box); err != nil {
			return fmt.Errorf("flushing frame %d: %w", i, err)
		}
		got, ok := s.host.ReadResource(id, 0)
		if !ok || !bytes.Equal(got, frame) {
			return fmt.Errorf("frame %d: host contents differ from guest backing", i)
		}
		fmt.Fprintf(w, "frame %d: fence %d signaled\n", i, seq)
	}

	if s.enable3D {
		if err := s.submit(ctx, id, w); err != nil {
			return err
		}
	}

	if err := s.dev.SetScanout(0, 0, 0, 0, 0, 0); err != nil {
		return fmt.Errorf("disabling scanout: %w", err)
	}
	if err := s.dev.UnrefResource(id); err != nil {
		return fmt.Errorf("releasing resource: %w", err)
	}
	s.report(w)
	return nil
}

// submit runs a command stream through a rendering context bound to id.
func (s *session) submit(ctx context.Context, id uint32, w io.Writer) error {
	ctxID, err := s.dev.CreateContext("vgpuctl")
	if err != nil {
		return fmt.Errorf("creating context: %w", err)
	}
	if err := s.dev.ContextAttachResource(ctxID, id); err != nil {
		return fmt.Errorf("attaching resource to context: %w", err)
	}
	f, err := s.dev.SubmitCommandStream(ctxID, id, make([]byte, 64), true)
	if err != nil {
		return fmt.Errorf("submitting commands: %w", err)
	}
	err = s.dev.FenceWait(ctx, f, true)
	f.DecRef()
	if err != nil {
		return fmt.Errorf("waiting for submission: %w", err)
	}
	if err := s.dev.ContextDetachResource(ctxID, id); err != nil {
		return fmt.Errorf("detaching resource from context: %w", err)
	}
	if err := s.dev.DestroyContext(ctxID); err != nil {
		return fmt.Errorf("destroying context: %w", err)
	}
	fmt.Fprintf(w, "context %d: submission signaled\n", ctxID)
	return nil
}

// report writes the device counters to w.
func (s *session) report(w io.Writer) {
	st := s.dev.Stats()
	fmt.Fprintf(w, "fences: emitted %d, completed %d, lockups %d\n", st.LastEmitted, st.LastCompleted, st.Lockups)
	fmt.Fprintf(w, "control ring: queued %d, reclaimed %d, stalls %d, kicks %d, errors %d\n",
		st.Control.Queued, st.Control.Reclaimed, st.Control.Stalls, st.Control.Kicks, st.Control.ErrorResponses)
	fmt.Fprintf(w, "host: executed %d, failed %d, interrupts %d\n", s.host.Executed(), s.host.Failed(), st.Interrupts)
}

// fill writes a pattern that differs per frame.
func fill(b []byte, seed byte) {
	for i := range b {
		b[i] = byte(i) ^ seed
	}
}
