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

// Package cmd holds implementations of the vgpuctl commands.
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"gvisor.dev/vgpu/pkg/cleanup"
	"gvisor.dev/vgpu/pkg/errors/linuxerr"
	"gvisor.dev/vgpu/pkg/eventfd"
	"gvisor.dev/vgpu/pkg/log"
	"gvisor.dev/vgpu/pkg/vgpu"
	"gvisor.dev/vgpu/pkg/vgpu/irq"
	"gvisor.dev/vgpu/pkg/vgpu/simhost"
	"gvisor.dev/vgpu/pkg/vgpu/wire"
	"gvisor.dev/vgpu/vgpuctl/config"
)

const (
	// probeTimeout bounds how long a session waits for the host to answer
	// its first display query.
	probeTimeout = 5 * time.Second

	// probeAttempt bounds a single display query.
	probeAttempt = 250 * time.Millisecond
)

// session is a device attached to a simulated host that is served from its
// own goroutine.
type session struct {
	dev      *vgpu.Device
	host     *simhost.Host
	modes    []wire.DisplayMode
	enable3D bool
	stop     func()
}

// newSession starts a host, attaches a device to it and waits until the host
// answers. The caller must call close.
func newSession(ctx context.Context, conf *config.Config) (*session, error) {
	cu := cleanup.Make(func() {})
	defer cu.Clean()

	var line irq.Line
	if conf.Host.Interrupts {
		ev, err := eventfd.Create()
		if err != nil {
			return nil, fmt.Errorf("creating interrupt line: %w", err)
		}
		cu.Add(func() { ev.Close() })
		line = ev
	}

	host := simhost.New(line, conf.HostOptions())
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := host.Run(runCtx); err != nil && err != context.Canceled {
			log.Warningf("simulated host stopped: %v", err)
		}
	}()
	cu.Add(func() {
		cancel()
		<-done
	})

	dev, err := vgpu.Attach(conf.Device, host, line)
	if err != nil {
		return nil, fmt.Errorf("attaching device: %w", err)
	}
	cu.Add(func() {
		ctx, cancel := context.WithTimeout(context.Background(), conf.Device.DrainTimeout+time.Second)
		defer cancel()
		if err := dev.Detach(ctx); err != nil {
			log.Warningf("Detach: %v", err)
		}
	})

	modes, err := probe(ctx, dev)
	if err != nil {
		return nil, err
	}
	log.Infof("Host ready, %d display head(s)", len(modes))
	return &session{
		dev:      dev,
		host:     host,
		modes:    modes,
		enable3D: conf.Device.Enable3D,
		stop:     cu.Release(),
	}, nil
}

// close detaches the device, then stops the host.
func (s *session) close() {
	s.stop()
}

// probe queries the display configuration until the host answers.
func probe(ctx context.Context, dev *vgpu.Device) ([]wire.DisplayMode, error) {
	var modes []wire.DisplayMode
	op := func() error {
		ctx, cancel := context.WithTimeout(ctx, probeAttempt)
		defer cancel()
		m, err := dev.DisplayInfo(ctx)
		switch {
		case err == nil:
			modes = m
			return nil
		case linuxerr.Equals(linuxerr.EINTR, err):
			log.Debugf("Host not ready yet: %v", err)
			return err
		default:
			return backoff.Permanent(err)
		}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxElapsedTime = probeTimeout
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("waiting for host: %w", err)
	}
	return modes, nil
}
