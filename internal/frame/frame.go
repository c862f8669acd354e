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

// Package frame implements a strictly LIFO stack of page-aligned arenas,
// growing on demand, used for interpreter frames. Free must release
// exactly the most recent allocation; calling it out of order is a
// usage error.
package frame

import (
	"unsafe"

	"github.com/pandamem/core/internal/arena"
	"github.com/pandamem/core/internal/debug"
	"github.com/pandamem/core/internal/xunsafe"
)

const (
	// FirstArenaSize is the size of the first arena the stack ever
	// requests.
	FirstArenaSize = 256 << 10
	// ArenaSizeGrewLevel is the fixed step each subsequent arena in the
	// growth schedule is larger by.
	ArenaSizeGrewLevel = 256 << 10
	// MaxFreeArenasThreshold bounds how many emptied-but-cached arenas
	// are kept linked before the farthest from top (the last linked) is
	// returned to the source.
	MaxFreeArenasThreshold = 2
)

// growthSize returns the target size of the (level+1)-th arena ever
// requested (level 0 is the first arena), rounded up to fit want if want
// exceeds the schedule.
func growthSize(level int, want int) int {
	scheduled := FirstArenaSize + level*ArenaSizeGrewLevel
	if want <= scheduled {
		return scheduled
	}
	// Requested frame exceeds the growth schedule: round up to the next
	// step multiple instead.
	return ((want + ArenaSizeGrewLevel - 1) / ArenaSizeGrewLevel) * ArenaSizeGrewLevel
}

// node is one arena in the doubly linked frame stack.
type node struct {
	buf        *arena.Arena
	prev, next *node
}

// Allocator is the frame allocator: a LIFO stack of arenas that grows
// on demand and caches emptied arenas for reuse up to
// [MaxFreeArenasThreshold].
type Allocator struct {
	src   arena.Source
	top   *node
	level int // arenas ever requested from src, for the growth schedule

	cachedEmpty int // count of emptied nodes linked after top

	// ZeroFill, when true, zeroes every allocation before returning it.
	ZeroFill bool
}

// NewAllocator creates a frame allocator that requests arenas from src.
func NewAllocator(src arena.Source) *Allocator {
	return &Allocator{src: src}
}

// Alloc allocates size bytes (default-aligned) from the current frame
// arena, growing the stack if neither the current nor a cached empty
// arena has room.
func (a *Allocator) Alloc(size int) *byte {
	if a.top != nil {
		if p := a.top.buf.Alloc(size, arena.Align); p != nil {
			return a.maybeZero(p, size)
		}
	}

	if a.top != nil && a.top.next != nil && a.top.next.buf.Capacity() >= size {
		a.top = a.top.next
		a.cachedEmpty--
		if p := a.top.buf.Alloc(size, arena.Align); p != nil {
			return a.maybeZero(p, size)
		}
	}

	want := growthSize(a.level, size)
	buf := a.src.AllocArena(want)
	if buf == nil {
		return nil
	}
	a.level++

	n := &node{buf: buf, prev: a.top}
	if a.top != nil {
		a.top.next = n
	}
	a.top = n

	p := a.top.buf.Alloc(size, arena.Align)
	if p == nil {
		return nil
	}
	return a.maybeZero(p, size)
}

func (a *Allocator) maybeZero(p *byte, size int) *byte {
	if a.ZeroFill {
		clear(unsafe.Slice(p, size))
	}
	return p
}

// Free releases the most recent allocation. The order is not checked:
// Free rewinds the top arena's cursor to p, so a p allocated earlier in
// that arena also releases every later allocation there. A p outside the
// top arena is a fatal [debug.InvalidFree].
func (a *Allocator) Free(p *byte) {
	debug.Assert(a.top != nil, "frame: Free called on an empty stack")

	a.top.buf.Free(p)

	if a.top.buf.Occupied() == 0 && a.top.prev != nil {
		a.top = a.top.prev
		a.cachedEmpty++

		if a.cachedEmpty > MaxFreeArenasThreshold {
			a.evictFarthestCached()
		}
	}
}

// evictFarthestCached walks to the last cached-empty node (farthest
// from top) and returns its arena to the source, unlinking it.
func (a *Allocator) evictFarthestCached() {
	n := a.top
	for n.next != nil {
		n = n.next
	}
	if n == a.top {
		return
	}

	if n.prev != nil {
		n.prev.next = nil
	}
	a.src.FreeArena(n.buf)
	a.cachedEmpty--
}

// Contains reports whether p lies within the currently live portion of
// the frame stack.
func (a *Allocator) Contains(p *byte) bool {
	addr := xunsafe.AddrOf(p)
	for n := a.top; n != nil; n = n.prev {
		if addr >= n.buf.Start() && addr < n.buf.Cursor() {
			return true
		}
	}
	return false
}
