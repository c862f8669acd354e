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

package arena

import (
	"errors"

	"github.com/pandamem/core/internal/xunsafe"
	"github.com/pandamem/core/internal/xunsafe/layout"
)

// DefaultArenaSize is the default size of a freshly requested arena
// (spec.md §6, "DefaultArenaSize").
const DefaultArenaSize = 1 << 20 // 1 MiB

// ErrOutOfMemory is returned when the configured [Source] cannot supply a
// new arena and no OOM handler has been installed (spec.md §4.6).
var ErrOutOfMemory = errors.New("pandamem: arena allocator out of memory")

// Source supplies and reclaims whole arenas. [internal/poolsrc] implements
// this by carving arenas out of pool-granularity memory (spec.md §4.4).
type Source interface {
	AllocArena(size int) *Arena
	FreeArena(a *Arena)
}

// ArenaExpander is implemented by a [Source] that can sometimes grow an
// arena's existing backing memory in place — e.g. when the bytes
// immediately following it are still unclaimed bump-cursor space in the
// same mapping — instead of linking a whole new arena. ExpandArena
// reports whether it grew a by extra bytes; a false return means the
// caller must fall back to requesting a fresh arena.
type ArenaExpander interface {
	ExpandArena(a *Arena, extra int) bool
}

// Allocator is a stack of arenas with scoped Resize and no per-object free
// (spec.md §4.6). New arenas are requested from a [Source] on demand.
type Allocator struct {
	_ xunsafe.NoCopy

	src  Source
	head *Arena

	// arenaSize is the size requested for a new arena when sizeToFit is
	// false; when true, new arenas are sized to max(request+header,
	// arenaSize), rounded up to pool granularity by the Source.
	arenaSize int
	sizeToFit bool

	oomHandler func(size int) bool
}

// NewAllocator creates an allocator that requests arenas of arenaSize (or
// [DefaultArenaSize] if zero) from src.
func NewAllocator(src Source, arenaSize int) *Allocator {
	if arenaSize <= 0 {
		arenaSize = DefaultArenaSize
	}
	return &Allocator{src: src, arenaSize: arenaSize}
}

// SetSizeToFit configures whether new arenas are sized to fit a single
// large request (true) or always sized at arenaSize (false, default).
func (a *Allocator) SetSizeToFit(v bool) { a.sizeToFit = v }

// SetOOMHandler installs a callback invoked before Alloc gives up and
// returns nil; if it returns true, one more arena request is attempted
// (spec.md §4.6, "An optional OOM-handler variant").
func (a *Allocator) SetOOMHandler(f func(size int) bool) { a.oomHandler = f }

// Alloc allocates size bytes aligned to align from the head arena, growing
// the arena stack as needed. Returns nil only if the [Source] cannot
// supply a new arena, even after invoking the OOM handler (if any).
func (a *Allocator) Alloc(size, align int) *byte {
	if a.head != nil {
		if p := a.head.Alloc(size, align); p != nil {
			return p
		}

		if exp, ok := a.src.(ArenaExpander); ok {
			want := a.wantSize(size, align)
			if exp.ExpandArena(a.head, want) {
				if p := a.head.Alloc(size, align); p != nil {
					return p
				}
			}
		}
	}

	for {
		want := a.wantSize(size, align)

		next := a.src.AllocArena(want)
		if next == nil {
			if a.oomHandler != nil && a.oomHandler(size) {
				continue
			}
			return nil
		}

		next.LinkTo(a.head)
		a.head = next
		if p := a.head.Alloc(size, align); p != nil {
			return p
		}
		// The request is larger than even a freshly sized arena; this can
		// only happen when sizeToFit is false and size > arenaSize.
		return nil
	}
}

// wantSize computes how many bytes a new (or in-place-grown) arena needs
// to satisfy a size/align request, per the sizeToFit policy.
func (a *Allocator) wantSize(size, align int) int {
	if a.sizeToFit {
		return max(size+align, a.arenaSize)
	}
	return a.arenaSize
}

// New allocates space for, and copy-constructs, a value of type T on this
// allocator.
func New[T any](a *Allocator, value T) *T {
	l := layout.Of[T]()
	p := xunsafe.Cast[T](a.Alloc(l.Size, l.Align))
	*p = value
	return p
}

// NewArray allocates space for n contiguous, zero-valued values of type T,
// storing the element count in a size-aligned header immediately before the
// data so that [ArrayLen] can recover it without a caller-supplied length
// (spec.md §4.6).
func NewArray[T any](a *Allocator, n int) *T {
	l := layout.Of[T]()
	hdr := xunsafe.Cast[int](a.Alloc(layout.Size[int]()+l.Size*n, max(l.Align, layout.Align[int]())))
	*hdr = n
	return xunsafe.Cast[T](xunsafe.ByteAdd[byte](hdr, layout.Size[int]()))
}

// ArrayLen recovers the element count stored by [NewArray] immediately
// before p.
func ArrayLen[T any](p *T) int {
	return *xunsafe.ByteAdd[int](p, -layout.Size[int]())
}

// GetAllocatedSize sums the occupied bytes of every arena linked into this
// allocator's stack (spec.md §4.6).
func (a *Allocator) GetAllocatedSize() int {
	total := 0
	for n := a.head; n != nil; n = n.GetNextArena() {
		total += n.Occupied()
	}
	return total
}

// Resize trims the arena stack from the head down to n total occupied
// bytes: whole arenas fully covered by the reduction are freed via the
// [Source], and the first partially covered arena is resized to fit
// (spec.md §4.6). Resize never grows the stack; n must not exceed the
// value last returned by GetAllocatedSize.
func (a *Allocator) Resize(n int) {
	reduction := a.GetAllocatedSize() - n
	for reduction > 0 && a.head != nil {
		occ := a.head.Occupied()
		if occ <= reduction {
			dead := a.head
			a.head = dead.GetNextArena()
			a.src.FreeArena(dead)
			reduction -= occ
			continue
		}

		a.head.Resize(occ - reduction)
		reduction = 0
	}
}

// ResizeScope captures GetAllocatedSize() at creation and resizes back to
// it on Close, implementing the scoped-resource idiom of spec.md §9
// ("ArenaResizeWrapper").
type ResizeScope struct {
	a     *Allocator
	saved int
}

// NewResizeScope snapshots a's current allocated size.
func NewResizeScope(a *Allocator) *ResizeScope {
	return &ResizeScope{a: a, saved: a.GetAllocatedSize()}
}

// Close resizes the allocator back to the size captured at scope entry.
// Safe to call via defer.
func (s *ResizeScope) Close() { s.a.Resize(s.saved) }
