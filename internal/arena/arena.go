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

// Package arena implements the bump-pointer [Arena] (spec.md §4.5), the
// stack-of-arenas [Allocator] built on top of it (§4.6), and the STL-style
// adapter that lets generic containers allocate out of an arena.
package arena

import (
	"math/bits"
	"unsafe"

	"github.com/pandamem/core/internal/debug"
	"github.com/pandamem/core/internal/xunsafe"
)

// Align is the alignment every arena-level allocation is rounded up to
// unless the caller requests a coarser one. It matches the platform's
// pointer alignment, per spec.md §3 ("Default alignment equals native
// pointer alignment").
const Align = int(unsafe.Sizeof(uintptr(0)))

// Arena is a contiguous buffer with a bump pointer (spec.md §3, "Arena").
//
// It supports stacked free (Free rewinds the cursor to a previously
// returned pointer) but never random free: to return a single object,
// use one of the object-granularity allocators (runslots, freelist,
// humongous) instead.
type Arena struct {
	_ xunsafe.NoCopy

	buff  []byte // backing storage, obtained from a pool.
	start xunsafe.Addr[byte]
	cursor xunsafe.Addr[byte]
	end   xunsafe.Addr[byte]
	next  *Arena
}

// New wraps buff (which must come from a pool, per spec.md §4.4) in a
// fresh, empty Arena.
func New(buff []byte) *Arena {
	a := &Arena{buff: buff}
	if len(buff) > 0 {
		a.start = xunsafe.AddrOf(&buff[0])
	}
	a.cursor = a.start
	a.end = a.start.Add(len(buff))
	return a
}

// Buffer returns the raw memory backing this arena.
func (a *Arena) Buffer() []byte { return a.buff }

// Start returns the address of the first byte of the arena.
func (a *Arena) Start() xunsafe.Addr[byte] { return a.start }

// End returns the one-past-the-end address of the arena.
func (a *Arena) End() xunsafe.Addr[byte] { return a.end }

// Cursor returns the current bump pointer.
func (a *Arena) Cursor() xunsafe.Addr[byte] { return a.cursor }

// Occupied returns the number of bytes allocated so far.
func (a *Arena) Occupied() int { return a.cursor.Sub(a.start) }

// Capacity returns the total usable size of this arena's buffer.
func (a *Arena) Capacity() int { return a.end.Sub(a.start) }

// Alloc bumps the cursor forward by size bytes, aligned to align (which
// must be a power of two), and returns a pointer to the start of the
// allocation. It returns nil when the arena does not have enough room —
// spec.md §4.5 and testable property #12.
func (a *Arena) Alloc(size, align int) *byte {
	if align < 1 {
		align = 1
	}

	pad := a.cursor.Padding(align)
	p := a.cursor.ByteAdd(pad)
	next := p.Add(size)
	if next > a.end {
		return nil
	}

	a.cursor = next
	a.Log("alloc", "%v:%v, %d:%d", p, next, size, align)
	return p.AssertValid()
}

// Free resets the cursor to p, releasing everything allocated after it.
// p must lie within [start, end); violating this is an [debug.InvalidFree]
// fatal error, per spec.md §7.
func (a *Arena) Free(p *byte) {
	addr := xunsafe.AddrOf(p)
	if addr < a.start || addr >= a.end {
		debug.Fatal(debug.InvalidFree, "arena", "", addr)
	}
	a.cursor = addr
}

// Resize sets the number of occupied bytes to n, which must not exceed
// the arena's capacity.
func (a *Arena) Resize(n int) {
	debug.Assert(n >= 0 && n <= a.Capacity(), "arena: Resize(%d) out of range [0, %d]", n, a.Capacity())
	a.cursor = a.start.Add(n)
}

// ExpandArena increases the usable end of the arena when extra is known to
// be contiguous with the current buffer (spec.md §4.5): extra's first byte
// must be the arena's current end. It never reallocates — unlike append,
// which could hand back a fresh backing array while end's address
// arithmetic kept pointing at the old one — it only widens the view over
// the same backing storage and bumps end forward.
func (a *Arena) ExpandArena(extra []byte) {
	if len(extra) == 0 {
		return
	}
	debug.Assert(xunsafe.AddrOf(&extra[0]) == a.end, "arena: ExpandArena(extra) is not contiguous with the current buffer")

	a.buff = unsafe.Slice(unsafe.SliceData(a.buff), len(a.buff)+len(extra))
	a.end = a.end.Add(len(extra))
}

// LinkTo attaches next as the successor of this arena, forming (part of) a
// singly linked list.
func (a *Arena) LinkTo(next *Arena) { a.next = next }

// GetNextArena returns the successor of this arena, or nil.
func (a *Arena) GetNextArena() *Arena { return a.next }

// Log emits a structured "ALLOC" diagnostic event for this arena (spec.md
// §6, "Diagnostics surface").
func (a *Arena) Log(op, format string, args ...any) {
	if !debug.Enabled {
		return
	}
	debug.Logf("ALLOC", "%p %v:%v %s: "+format, append([]any{a, a.cursor, a.end, op}, args...)...)
}

// suggestSizeLog rounds bytes up to the next power of two, with a floor of
// 64 bytes, and returns its log2.
func suggestSizeLog(bytes int) uint {
	return max(6, uint(bits.Len(uint(max(bytes, 1))-1)))
}

// SuggestSize rounds bytes up to the next power of two, with a 64-byte
// floor.
func SuggestSize(bytes int) int {
	return 1 << suggestSizeLog(bytes)
}
