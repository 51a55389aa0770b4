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

	"github.com/google/subcommands"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
	"gvisor.dev/vgpu/pkg/metric"
	"gvisor.dev/vgpu/vgpuctl/cmd/util"
	"gvisor.dev/vgpu/vgpuctl/config"
)

// Metrics implements subcommands.Command for the "metrics" command.
type Metrics struct {
	format   string
	scenario scenarioParams
}

// Name implements subcommands.Command.Name.
func (*Metrics) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Metrics) Synopsis() string {
	return "run a scenario and print the device metrics"
}

// Usage implements subcommands.Command.Usage.
func (*Metrics) Usage() string {
	return `metrics [flags] - runs a scenario, then prints the device metrics.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Metrics) SetFlags(f *flag.FlagSet) {
	f.StringVar(&m.format, "format", "prometheus", "output format: prometheus (default) or json.")
	m.scenario.setFlags(f)
}

// Execute implements subcommands.Command.Execute.
func (m *Metrics) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	if err := runMetrics(ctx, conf, m.scenario, m.format, os.Stdout); err != nil {
		return util.Errorf("metrics failed: %v", err)
	}
	return subcommands.ExitSuccess
}

// runMetrics runs a scenario, discarding its report, and writes the metrics
// of the device it used to w.
func runMetrics(ctx context.Context, conf *config.Config, p scenarioParams, format string, w io.Writer) error {
	if format != "prometheus" && format != "json" {
		return fmt.Errorf("invalid format %q, must be 'prometheus' or 'json'", format)
	}
	s, err := newSession(ctx, conf)
	if err != nil {
		return err
	}
	defer s.close()
	if err := s.scenario(ctx, p, io.Discard); err != nil {
		return err
	}
	if format == "json" {
		return writeJSON(s.dev.Metrics(), w)
	}
	return s.dev.Metrics().WritePrometheus(w)
}

// writeJSON writes a snapshot of r as a JSON object.
func writeJSON(r *metric.Registry, w io.Writer) error {
	st, err := structpb.NewStruct(r.Snapshot())
	if err != nil {
		return fmt.Errorf("converting metrics: %w", err)
	}
	b, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding metrics: %w", err)
	}
	b = append(b, '\n')
	_, err = w.Write(b)
	return err
}
