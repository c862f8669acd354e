// Copyright 2026 The pandamem Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package poolsrc

import "sort"

// freeSpan is a contiguous run of freed, address-adjacent pool granules.
type freeSpan struct {
	addr uintptr
	size int
}

// freeMap is the MMAP source's "MmapPoolMap" (spec.md §4.4): freed
// object-heap pools are kept sorted by address so that adjacent spans
// can be coalesced in O(log n), and a best-fit search serves the
// "lower_bound(size), splitting if larger" allocation rule.
type freeMap struct {
	spans []freeSpan // sorted by addr ascending
}

// insert returns a freed span to the map, coalescing with an
// address-adjacent neighbor on either side.
func (f *freeMap) insert(addr uintptr, size int) {
	i := sort.Search(len(f.spans), func(i int) bool { return f.spans[i].addr >= addr })
	f.spans = append(f.spans, freeSpan{})
	copy(f.spans[i+1:], f.spans[i:])
	f.spans[i] = freeSpan{addr: addr, size: size}

	if i+1 < len(f.spans) && f.spans[i].addr+uintptr(f.spans[i].size) == f.spans[i+1].addr {
		f.spans[i].size += f.spans[i+1].size
		f.spans = append(f.spans[:i+1], f.spans[i+2:]...)
	}
	if i > 0 && f.spans[i-1].addr+uintptr(f.spans[i-1].size) == f.spans[i].addr {
		f.spans[i-1].size += f.spans[i].size
		f.spans = append(f.spans[:i], f.spans[i+1:]...)
	}
}

// take finds the smallest free span that is at least want bytes,
// consumes want bytes from its front, and returns its address. The
// remainder, if any, stays in the map as a smaller free span.
func (f *freeMap) take(want int) (uintptr, bool) {
	best := -1
	for i, s := range f.spans {
		if s.size >= want && (best == -1 || s.size < f.spans[best].size) {
			best = i
		}
	}
	if best == -1 {
		return 0, false
	}

	s := f.spans[best]
	if s.size == want {
		f.spans = append(f.spans[:best], f.spans[best+1:]...)
		return s.addr, true
	}

	f.spans[best] = freeSpan{addr: s.addr + uintptr(want), size: s.size - want}
	return s.addr, true
}
