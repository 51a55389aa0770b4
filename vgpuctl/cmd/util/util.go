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

// Package util groups helpers shared by vgpuctl commands.
package util

import (
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/vgpu/pkg/log"
)

// ErrorLogger is where error messages should be written to. These messages
// are consumed by whoever runs vgpuctl, in addition to being logged.
var ErrorLogger io.Writer

// Errorf logs error to the log and to stderr, then returns
// subcommands.ExitFailure so callers can write `return util.Errorf(...)`.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	writeError(format, args...)
	return subcommands.ExitFailure
}

// Fatalf logs the same way as Errorf and exits the process with status 128.
func Fatalf(format string, args ...any) {
	writeError(format, args...)
	os.Exit(128)
}

func writeError(format string, args ...any) {
	log.Warningf(format, args...)
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, msg)
	if ErrorLogger != nil {
		fmt.Fprintln(ErrorLogger, msg)
	}
}
