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

package bitmap

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestAddRemove(t *testing.T) {
	b := New(64)
	for _, i := range []uint32{1, 3, 64, 200} {
		b.Add(i)
	}
	b.Add(3)
	if got := b.GetNumOnes(); got != 4 {
		t.Fatalf("GetNumOnes() = %d, want 4", got)
	}
	if diff := cmp.Diff([]uint32{1, 3, 64, 200}, b.ToSlice()); diff != "" {
		t.Errorf("ToSlice() mismatch (-want +got):\n%s", diff)
	}
	b.Remove(64)
	b.Remove(64)
	b.Remove(100000)
	if b.Contains(64) || !b.Contains(200) {
		t.Errorf("Contains mismatch after Remove: %v", b.ToSlice())
	}
	if got := b.GetNumOnes(); got != 3 {
		t.Errorf("GetNumOnes() = %d, want 3", got)
	}
}

func TestFirstZero(t *testing.T) {
	for _, tc := range []struct {
		name string
		set  []uint32
		from uint32
		want uint32
		err  bool
	}{
		{name: "empty", from: 1, want: 1},
		{name: "skip set", set: []uint32{1, 2, 3}, from: 1, want: 4},
		{name: "cross block", set: seq(0, 64), from: 0, want: 64},
		{name: "full", set: seq(0, 128), from: 0, err: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b := New(128)
			for _, i := range tc.set {
				b.Add(i)
			}
			got, err := b.FirstZero(tc.from)
			if tc.err {
				if err == nil {
					t.Fatalf("FirstZero(%d) = %d, want error", tc.from, got)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Errorf("FirstZero(%d) = %d, %v, want %d", tc.from, got, err, tc.want)
			}
		})
	}
}

func TestReserveExtend(t *testing.T) {
	b := New(0)
	if _, err := b.FirstZero(0); err == nil {
		t.Fatalf("FirstZero on empty bitmap succeeded")
	}
	blocks, err := Reserve(65)
	if err != nil {
		t.Fatalf("Reserve(65): %v", err)
	}
	if err := b.Extend(blocks); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if got := b.Size(); got != 128 {
		t.Errorf("Size() = %d, want 128", got)
	}
	if err := b.Grow(1); err != nil {
		t.Fatalf("Grow(1): %v", err)
	}
	if got := b.Size(); got != 192 {
		t.Errorf("Size() = %d, want 192", got)
	}
}

func seq(from, to uint32) []uint32 {
	var out []uint32
	for i := from; i < to; i++ {
		out = append(out, i)
	}
	return out
}
