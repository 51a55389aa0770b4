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

// Package sg translates byte ranges of page-backed storage into
// scatter-gather lists.
package sg

import (
	"gvisor.dev/vgpu/pkg/errors/linuxerr"
)

// Entry is one scatter-gather descriptor: a window into one backing page.
type Entry struct {
	// Page is the index of the page within the backing store.
	Page int

	// Data is the part of the page covered by the range.
	Data []byte
}

// Range returns the entries describing [start, start+length) of the storage
// made of pages, laid out back to back. Pages wholly before start are
// skipped, the first and last entries are trimmed, and exactly the pages
// intersecting the range are returned. A zero length yields no entries; a
// range past the end of the storage fails with EINVAL.
func Range(pages [][]byte, start, length uint64) ([]Entry, error) {
	if length == 0 {
		return nil, nil
	}
	end := start + length
	if end < start {
		return nil, linuxerr.EINVAL
	}
	var (
		entries []Entry
		off     uint64
	)
	for i, p := range pages {
		pageEnd := off + uint64(len(p))
		if pageEnd <= start {
			off = pageEnd
			continue
		}
		lo := uint64(0)
		if start > off {
			lo = start - off
		}
		hi := uint64(len(p))
		if end < pageEnd {
			hi = end - off
		}
		entries = append(entries, Entry{Page: i, Data: p[lo:hi]})
		if pageEnd >= end {
			return entries, nil
		}
		off = pageEnd
	}
	return nil, linuxerr.EINVAL
}

// Total returns the number of bytes described by entries.
func Total(entries []Entry) uint64 {
	var n uint64
	for _, e := range entries {
		n += uint64(len(e.Data))
	}
	return n
}

// Segments returns the data of every entry, in order.
func Segments(entries []Entry) [][]byte {
	segs := make([][]byte, len(entries))
	for i, e := range entries {
		segs[i] = e.Data
	}
	return segs
}
