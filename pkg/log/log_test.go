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

package log

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	expected := []string{
		"line 1\n",
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if len(tw.lines) != len(expected) {
		t.Fatalf("Writer should have logged %d lines, got: %q, expected: %q", len(expected), tw.lines, expected)
	}
	for i, l := range tw.lines {
		if l != expected[i] {
			t.Fatalf("line %d doesn't match, got: %q, expected: %q", i, l, expected[i])
		}
	}
}

func TestGoogleEmitterFormat(t *testing.T) {
	tw := &testWriter{}
	e := GoogleEmitter{&Writer{Next: tw}}
	ts := time.Date(2026, time.March, 7, 9, 5, 3, 42000, time.UTC)
	e.Emit(0, Warning, ts, "ring %s stalled %d times", "control", 3)
	if len(tw.lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(tw.lines), tw.lines)
	}
	line := tw.lines[0]
	if !strings.HasPrefix(line, "W0307 09:05:03.000042 ") {
		t.Errorf("unexpected header: %q", line)
	}
	if !strings.HasSuffix(line, "] ring control stalled 3 times\n") {
		t.Errorf("unexpected message: %q", line)
	}
	if !strings.Contains(line, "log_test.go:") {
		t.Errorf("caller missing from %q", line)
	}
}

func TestLevels(t *testing.T) {
	tw := &testWriter{}
	l := &BasicLogger{Level: Info, Emitter: &Writer{Next: tw}}
	l.Debugf("hidden\n")
	l.Infof("shown\n")
	l.Warningf("shown too\n")
	if got, want := len(tw.lines), 2; got != want {
		t.Fatalf("got %d lines, want %d: %q", got, want, tw.lines)
	}
	l.SetLevel(Debug)
	l.Debugf("now shown\n")
	if got, want := len(tw.lines), 3; got != want {
		t.Fatalf("got %d lines, want %d: %q", got, want, tw.lines)
	}
}

func TestRateLimitedLogger(t *testing.T) {
	tw := &testWriter{}
	l := &BasicLogger{Level: Debug, Emitter: &Writer{Next: tw}}
	rl := RateLimitedLogger(l, time.Hour)
	for i := 0; i < 10; i++ {
		rl.Warningf("lockup suspected %d\n", i)
	}
	if got, want := len(tw.lines), 1; got != want {
		t.Fatalf("got %d lines, want %d: %q", got, want, tw.lines)
	}
	if got, want := rl.Dropped(), uint64(9); got != want {
		t.Errorf("Dropped() = %d, want %d", got, want)
	}
	if !rl.IsLogging(Debug) {
		t.Errorf("IsLogging(Debug) = false, want true")
	}
}

func TestRateLimitedReportsSuppressed(t *testing.T) {
	tw := &testWriter{}
	l := &BasicLogger{Level: Debug, Emitter: &Writer{Next: tw}}
	rl := RateLimitedLogger(l, 10*time.Millisecond)
	rl.Warningf("host error")
	rl.Warningf("host error")
	rl.Warningf("host error")
	time.Sleep(20 * time.Millisecond)
	rl.Warningf("host error")
	if got, want := len(tw.lines), 4; got != want {
		// Each message is followed by its own newline write.
		t.Fatalf("got %d writes, want %d: %q", got, want, tw.lines)
	}
	if want := "host error (2 similar messages suppressed)"; tw.lines[2] != want {
		t.Errorf("second message = %q, want %q", tw.lines[2], want)
	}
}
