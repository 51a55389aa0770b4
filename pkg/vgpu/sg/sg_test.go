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

package sg

import (
	"math/rand"
	"testing"

	"gvisor.dev/vgpu/pkg/errors/linuxerr"
)

func makePages(n, size int) [][]byte {
	pages := make([][]byte, n)
	for i := range pages {
		pages[i] = make([]byte, size)
		for j := range pages[i] {
			pages[i][j] = byte(i*size + j)
		}
	}
	return pages
}

func TestRange(t *testing.T) {
	pages := makePages(4, 16)
	for _, tc := range []struct {
		name       string
		start, len uint64
		wantPages  []int
		wantFirst  byte
	}{
		{name: "whole", start: 0, len: 64, wantPages: []int{0, 1, 2, 3}, wantFirst: 0},
		{name: "inside one page", start: 17, len: 3, wantPages: []int{1}, wantFirst: 17},
		{name: "straddle", start: 15, len: 2, wantPages: []int{0, 1}, wantFirst: 15},
		{name: "page aligned", start: 32, len: 16, wantPages: []int{2}, wantFirst: 32},
		{name: "tail", start: 40, len: 24, wantPages: []int{2, 3}, wantFirst: 40},
	} {
		t.Run(tc.name, func(t *testing.T) {
			entries, err := Range(pages, tc.start, tc.len)
			if err != nil {
				t.Fatalf("Range(%d, %d): %v", tc.start, tc.len, err)
			}
			if len(entries) != len(tc.wantPages) {
				t.Fatalf("got %d entries, want %d", len(entries), len(tc.wantPages))
			}
			for i, e := range entries {
				if e.Page != tc.wantPages[i] {
					t.Errorf("entry %d page = %d, want %d", i, e.Page, tc.wantPages[i])
				}
			}
			if got := Total(entries); got != tc.len {
				t.Errorf("Total() = %d, want %d", got, tc.len)
			}
			if got := entries[0].Data[0]; got != tc.wantFirst {
				t.Errorf("first byte = %d, want %d", got, tc.wantFirst)
			}
		})
	}
}

func TestRangeEdges(t *testing.T) {
	pages := makePages(2, 16)
	if entries, err := Range(pages, 5, 0); err != nil || entries != nil {
		t.Errorf("zero length: got %v, %v", entries, err)
	}
	if _, err := Range(pages, 20, 13); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("past end: got %v, want EINVAL", err)
	}
	if _, err := Range(pages, ^uint64(0), 2); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("overflow: got %v, want EINVAL", err)
	}
}

// TestRangeCoversExactlyIntersectingPages checks random ranges against a
// direct computation of the pages that intersect them.
func TestRangeCoversExactlyIntersectingPages(t *testing.T) {
	const pageSize, numPages = 64, 9
	pages := makePages(numPages, pageSize)
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		start := uint64(r.Intn(pageSize * numPages))
		length := uint64(r.Intn(pageSize*numPages-int(start))) + 1
		entries, err := Range(pages, start, length)
		if err != nil {
			t.Fatalf("Range(%d, %d): %v", start, length, err)
		}
		first, last := int(start/pageSize), int((start+length-1)/pageSize)
		if len(entries) != last-first+1 {
			t.Fatalf("Range(%d, %d) has %d entries, want %d", start, length, len(entries), last-first+1)
		}
		for j, e := range entries {
			if e.Page != first+j {
				t.Fatalf("Range(%d, %d) entry %d is page %d, want %d", start, length, j, e.Page, first+j)
			}
		}
		var flat []byte
		for _, s := range Segments(entries) {
			flat = append(flat, s...)
		}
		for j, b := range flat {
			if want := byte(start + uint64(j)); b != want {
				t.Fatalf("Range(%d, %d) byte %d = %d, want %d", start, length, j, b, want)
			}
		}
	}
}
