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
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/vgpu/pkg/log"
	"gvisor.dev/vgpu/pkg/vgpu"
	"gvisor.dev/vgpu/pkg/vgpu/wire"
	"gvisor.dev/vgpu/vgpuctl/cmd/util"
	"gvisor.dev/vgpu/vgpuctl/config"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	params stressParams
}

type stressParams struct {
	submitters int
	iterations int
	queueSize  int
	size       uint
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "run concurrent fenced submitters over a small ring"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - runs concurrent submitters and reports ring stalls and fence latency.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.params.submitters, "submitters", 4, "number of concurrent submitters.")
	f.IntVar(&s.params.iterations, "iterations", 100, "fenced transfers per submitter.")
	f.IntVar(&s.params.queueSize, "queue-size", 8, "control queue slots for the run, overriding --control-queue-size. 0 keeps the configured size.")
	f.UintVar(&s.params.size, "size", 16, "edge of each submitter's square resource, in pixels.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	rep, err := runStress(ctx, conf, s.params)
	if err != nil {
		return util.Errorf("stress failed: %v", err)
	}
	rep.write(os.Stdout)
	return subcommands.ExitSuccess
}

// stressReport summarizes a stress run.
type stressReport struct {
	submissions int
	elapsed     time.Duration
	stats       vgpu.Stats
	latencies   []time.Duration
}

func (r *stressReport) percentile(p int) time.Duration {
	if len(r.latencies) == 0 {
		return 0
	}
	i := (len(r.latencies) - 1) * p / 100
	return r.latencies[i]
}

func (r *stressReport) write(w io.Writer) {
	fmt.Fprintf(w, "submissions: %d in %v\n", r.submissions, r.elapsed)
	fmt.Fprintf(w, "ring: queued %d, stalls %d, kicks %d\n", r.stats.Control.Queued, r.stats.Control.Stalls, r.stats.Control.Kicks)
	fmt.Fprintf(w, "fences: emitted %d, completed %d, lockups %d\n", r.stats.LastEmitted, r.stats.LastCompleted, r.stats.Lockups)
	fmt.Fprintf(w, "fence latency: p50 %v, p90 %v, p99 %v, max %v\n", r.percentile(50), r.percentile(90), r.percentile(99), r.percentile(100))
}

// runStress runs p.submitters goroutines, each uploading to its own resource
// and waiting on every upload's fence.
func runStress(ctx context.Context, conf *config.Config, p stressParams) (*stressReport, error) {
	if p.submitters <= 0 || p.iterations <= 0 || p.size == 0 || p.size > 4096 {
		return nil, fmt.Errorf("invalid stress parameters: %d submitters, %d iterations, size %d", p.submitters, p.iterations, p.size)
	}
	c := *conf
	if p.queueSize > 0 {
		c.Device.ControlQueueSize = p.queueSize
	}
	s, err := newSession(ctx, &c)
	if err != nil {
		return nil, err
	}
	defer s.close()

	latencies := make([][]time.Duration, p.submitters)
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.submitters; i++ {
		i := i
		g.Go(func() error {
			lat, err := s.submitter(gctx, uint32(p.size), p.iterations)
			latencies[i] = lat
			if err != nil {
				return fmt.Errorf("submitter %d: %w", i, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	rep := &stressReport{
		submissions: p.submitters * p.iterations,
		elapsed:     time.Since(start),
		stats:       s.dev.Stats(),
	}
	for _, l := range latencies {
		rep.latencies = append(rep.latencies, l...)
	}
	sort.Slice(rep.latencies, func(i, j int) bool { return rep.latencies[i] < rep.latencies[j] })
	log.Infof("Stress run done: %d submissions, %d stalls", rep.submissions, rep.stats.Control.Stalls)
	return rep, nil
}

func (s *session) submitter(ctx context.Context, size uint32, iterations int) ([]time.Duration, error) {
	id, err := s.dev.CreateResource(vgpu.CreateParams{
		Format: wire.FormatB8G8R8A8Unorm,
		Width:  size,
		Height: size,
		Target: wire.TargetTexture2D,
	})
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}
	defer func() {
		if err := s.dev.UnrefResource(id); err != nil {
			log.Warningf("Releasing resource %d: %v", id, err)
		}
	}()
	r, err := s.dev.Resource(id)
	if err != nil {
		return nil, err
	}

	box := wire.Box{W: size, H: size, D: 1}
	frame := make([]byte, int(r.Stride())*int(size))
	lat := make([]time.Duration, 0, iterations)
	for i := 0; i < iterations; i++ {
		fill(frame, byte(i))
		if _, err := r.Backing().WriteAt(frame, 0); err != nil {
			return lat, err
		}
		queued := time.Now()
		f, err := s.dev.TransferToHost(id, box, 0, 0, r.Stride(), true)
		if err != nil {
			return lat, fmt.Errorf("transfer %d: %w", i, err)
		}
		err = s.dev.FenceWait(ctx, f, true)
		f.DecRef()
		if err != nil {
			return lat, fmt.Errorf("waiting for transfer %d: %w", i, err)
		}
		lat = append(lat, time.Since(queued))
	}
	return lat, nil
}
