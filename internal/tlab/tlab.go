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

// Package tlab splits a single memory pool into a bump area growing
// from the start and a TLAB area growing from the end, with an unused
// middle that shrinks as both sides advance. Alloc serves directly from
// the bump area; CreateNewTLAB carves thread-local buffers from the end
// for compiled mutator code to bump through without any locking.
package tlab

import (
	"unsafe"

	"github.com/pandamem/core/internal/arena"
	"github.com/pandamem/core/internal/debug"
	"github.com/pandamem/core/internal/xunsafe"
)

// TLAB is a bump buffer owned by exactly one mutator thread. The byte
// offsets of cursor and end within this struct are part of the ABI:
// compiled mutator code reads them directly to implement an inline
// allocation fast path, so their relative order must never change.
type TLAB struct {
	start  xunsafe.Addr[byte]
	cursor xunsafe.Addr[byte]
	end    xunsafe.Addr[byte]

	prev, next *TLAB
}

// Fixed byte offsets of the TLAB's pointer fields, exposed as ABI
// constants for compiled code that bumps cursor without calling Alloc.
const (
	StartAddrOffset    = unsafe.Offsetof(TLAB{}.start)
	FreePointerOffset  = unsafe.Offsetof(TLAB{}.cursor)
	EndAddrOffset      = unsafe.Offsetof(TLAB{}.end)
)

// Start returns the first address owned by this TLAB.
func (t *TLAB) Start() xunsafe.Addr[byte] { return t.start }

// End returns the one-past-the-end address of this TLAB.
func (t *TLAB) End() xunsafe.Addr[byte] { return t.end }

// Cursor returns the current bump (free) pointer.
func (t *TLAB) Cursor() xunsafe.Addr[byte] { return t.cursor }

// Occupied returns the number of bytes bumped so far.
func (t *TLAB) Occupied() int { return t.cursor.Sub(t.start) }

// Capacity returns this TLAB's total usable size.
func (t *TLAB) Capacity() int { return t.end.Sub(t.start) }

// Alloc bumps cursor forward by size bytes, aligned to the platform
// default. It never blocks or grows the TLAB, returning nil once
// cursor+size would exceed end.
func (t *TLAB) Alloc(size int) *byte {
	pad := t.cursor.Padding(arena.Align)
	p := t.cursor.ByteAdd(pad)
	next := p.Add(size)
	if next > t.end {
		return nil
	}
	t.cursor = next
	return p.AssertValid()
}

// liveObject records one allocation made directly in the bump area, so
// a later collection pass can walk exactly the objects that are live.
type liveObject struct {
	addr xunsafe.Addr[byte]
	size int
}

// ObjectVisitor is invoked once per live object found in the bump area
// during CollectAndMove.
type ObjectVisitor func(addr *byte, size int)

// TLABVisitor is invoked once per registered TLAB, in allocation order,
// during CollectAndMove.
type TLABVisitor func(t *TLAB)

// Allocator is the bump/TLAB allocator carved out of a single pool: a
// bump area growing up from the start and a TLAB area growing down from
// the end, sharing the same backing memory.
type Allocator struct {
	_ xunsafe.NoCopy

	mem   []byte
	start xunsafe.Addr[byte]
	end   xunsafe.Addr[byte]

	bumpCursor xunsafe.Addr[byte]
	tlabCursor xunsafe.Addr[byte] // moves downward as TLABs are carved

	objects []liveObject

	tlabs         []*TLAB
	tlabsMaxCount int
}

// NewAllocator wraps mem (which must come from a pool) in a fresh
// bump/TLAB allocator that will carve at most tlabsMaxCount TLABs from
// its tail.
func NewAllocator(mem []byte, tlabsMaxCount int) *Allocator {
	a := &Allocator{mem: mem, tlabsMaxCount: tlabsMaxCount}
	if len(mem) > 0 {
		a.start = xunsafe.AddrOf(&mem[0])
	}
	a.end = a.start.Add(len(mem))
	a.bumpCursor = a.start
	a.tlabCursor = a.end
	return a
}

// Alloc bumps from the start of the pool, aligned to align. Returns nil
// if the request would collide with the TLAB area growing from the end.
func (a *Allocator) Alloc(size, align int) *byte {
	pad := a.bumpCursor.Padding(align)
	p := a.bumpCursor.ByteAdd(pad)
	next := p.Add(size)
	if next > a.tlabCursor {
		return nil
	}
	a.bumpCursor = next
	a.objects = append(a.objects, liveObject{addr: p, size: size})
	return p.AssertValid()
}

// CreateNewTLAB carves a size-byte TLAB off the end of the pool and
// links it onto the tail of the TLAB list. Returns nil if the
// configured TLAB count has been reached or the bump and TLAB areas
// would otherwise overlap.
func (a *Allocator) CreateNewTLAB(size int) *TLAB {
	if len(a.tlabs) >= a.tlabsMaxCount {
		return nil
	}

	newCursor := a.tlabCursor.ByteAdd(-size)
	if newCursor < a.bumpCursor {
		return nil
	}

	t := &TLAB{start: newCursor, cursor: newCursor, end: newCursor.Add(size)}
	if n := len(a.tlabs); n > 0 {
		prev := a.tlabs[n-1]
		prev.next = t
		t.prev = prev
	}
	a.tlabs = append(a.tlabs, t)
	a.tlabCursor = newCursor
	return t
}

// TLABs returns the TLABs carved so far, oldest first.
func (a *Allocator) TLABs() []*TLAB { return a.tlabs }

// Reset wipes both the bump and TLAB regions, discarding every
// allocation and every TLAB this allocator has handed out.
func (a *Allocator) Reset() {
	a.bumpCursor = a.start
	a.tlabCursor = a.end
	a.objects = a.objects[:0]
	a.tlabs = a.tlabs[:0]
}

// CollectAndMove is the GC hook: it walks every live object in the bump
// area, invoking visit for each, then walks the TLAB list in
// registration order invoking visitTLAB for each. It does not itself
// relocate bytes; the visitors are expected to do so and the caller is
// expected to Reset once they have.
func (a *Allocator) CollectAndMove(visit ObjectVisitor, visitTLAB TLABVisitor) {
	debug.Assert(visit != nil, "tlab: CollectAndMove requires a non-nil object visitor")

	for _, obj := range a.objects {
		visit(obj.addr.AssertValid(), obj.size)
	}
	if visitTLAB != nil {
		for _, t := range a.tlabs {
			visitTLAB(t)
		}
	}
}

// Occupied returns the number of bytes bumped in the bump area so far.
func (a *Allocator) Occupied() int { return a.bumpCursor.Sub(a.start) }

// Contains reports whether addr falls anywhere within this allocator's
// backing pool (bump area, TLAB area, or the unused gap between them).
func (a *Allocator) Contains(addr *byte) bool {
	p := xunsafe.AddrOf(addr)
	return p >= a.start && p < a.end
}

// IterateOverObjects visits every live bump-area object's address and
// size, in allocation order, without disturbing allocator state.
func (a *Allocator) IterateOverObjects(visit func(addr *byte, size int)) {
	for _, obj := range a.objects {
		visit(obj.addr.AssertValid(), obj.size)
	}
}

// MemRange returns the backing pool's [start, end) address range.
func (a *Allocator) MemRange() (start, end uintptr) {
	return uintptr(a.start), uintptr(a.end)
}

// FreeTLABBytes returns how many bytes remain between the bump cursor
// and the TLAB cursor, the room available for further bump allocations
// or new TLABs.
func (a *Allocator) FreeTLABBytes() int { return a.tlabCursor.Sub(a.bumpCursor) }
