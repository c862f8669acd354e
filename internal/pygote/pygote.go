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

// Package pygote implements the pre-fork non-movable allocator: a
// three-state allocator that serves small non-movable allocations out
// of an embedded runslots instance until the process forks, at which
// point its live objects are relocated into a bump-pointer arena and
// the allocator becomes read-only.
package pygote

import (
	"sync"
	"unsafe"

	"github.com/tiendc/go-deepcopy"

	"github.com/pandamem/core/internal/arena"
	"github.com/pandamem/core/internal/debug"
	"github.com/pandamem/core/internal/runslots"
)

// State is one of the three stages of a pygote allocator's lifecycle.
type State int

const (
	// Init accepts allocations via the embedded runslots instance.
	Init State = iota
	// Forking is entered by BeginFork while live objects are relocated
	// into the fork arena; no further allocations are accepted.
	Forking
	// Forked is the terminal, read-only state: all further allocations
	// are rejected.
	Forked
)

func (s State) String() string {
	switch s {
	case Init:
		return "Init"
	case Forking:
		return "Forking"
	case Forked:
		return "Forked"
	default:
		return "Unknown"
	}
}

// Remap describes where a live object moved to during fork, so the
// caller (the class linker, GC roots, frame locals) can fix up any
// pointer it held into the pre-fork runslots region.
type Remap struct {
	OldAddr uintptr
	NewAddr uintptr
	Size    int
}

// Allocator is the pygote allocator.
//
// Before fork it is a thin front-end over a runslots instance. BeginFork
// snapshots the live set, deep-copies the descriptor slice with
// [deepcopy.Copy] so the snapshot cannot alias the allocator's own
// mutable bookkeeping, then relocates every live object into a freshly
// allocated arena. CompleteFork then makes the allocator read-only. A
// per-pool live bitmap (liveBitmap) records the post-fork address of
// every relocated object, for a subsequent GC to seed its mark state
// from.
type Allocator struct {
	mu    sync.Mutex
	state State

	runslots *runslots.Allocator
	objects  map[uintptr]int // addr -> size, objects handed out in Init

	arenaSrc  arena.Source
	forkArena *arena.Arena

	liveBitmap map[uintptr]int // post-fork addr -> size
}

// NewAllocator builds a pygote allocator in the Init state, serving
// allocations from rs until BeginFork is called.
func NewAllocator(rs *runslots.Allocator) *Allocator {
	return &Allocator{
		runslots: rs,
		objects:  make(map[uintptr]int),
	}
}

// State reports the current lifecycle stage.
func (a *Allocator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Alloc serves a small non-movable allocation from the embedded
// runslots instance. It returns nil outside the Init state, or if the
// runslots instance itself cannot serve the request.
func (a *Allocator) Alloc(size, align int) *byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != Init {
		return nil
	}

	p := a.runslots.Alloc(size, align)
	if p == nil {
		return nil
	}
	a.objects[uintptr(unsafe.Pointer(p))] = size
	return p
}

// BeginFork transitions Init -> Forking: it deep-copies the live-object
// descriptor list (so the snapshot this method walks cannot alias a.objects,
// which a concurrent Alloc could still be mutating up to the moment the
// lock above was taken), carves a fork arena out of src sized to fit the
// whole live set, and bump-allocates a copy of every live object into it.
// The returned remap table is the old -> new address mapping the caller
// must apply to anything that held a pointer into the pre-fork region.
func (a *Allocator) BeginFork(src arena.Source) []Remap {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != Init {
		debug.Fatal(debug.UnsupportedOperation, "pygote", "", "BeginFork called outside the Init state")
	}
	a.state = Forking
	a.arenaSrc = src

	type descriptor struct {
		Addr uintptr
		Size int
	}
	live := make([]descriptor, 0, len(a.objects))
	for addr, size := range a.objects {
		live = append(live, descriptor{Addr: addr, Size: size})
	}

	var snapshot []descriptor
	if err := deepcopy.Copy(&snapshot, &live); err != nil {
		debug.Fatal(debug.UnsupportedOperation, "pygote", "", err)
	}

	total := 0
	for _, obj := range snapshot {
		total += obj.Size + arena.Align
	}

	forkArena := src.AllocArena(max(total, arena.Align))
	if forkArena == nil {
		debug.Fatal(debug.PoolReservationFailed, "pygote", "", "could not reserve a fork arena")
	}
	a.forkArena = forkArena

	remap := make([]Remap, 0, len(snapshot))
	bitmap := make(map[uintptr]int, len(snapshot))
	for _, obj := range snapshot {
		oldPtr := (*byte)(unsafe.Pointer(obj.Addr))
		newPtr := forkArena.Alloc(obj.Size, arena.Align)
		if newPtr == nil {
			debug.Fatal(debug.PoolReservationFailed, "pygote", "", "fork arena undersized for live set")
		}
		copy(unsafe.Slice(newPtr, obj.Size), unsafe.Slice(oldPtr, obj.Size))

		newAddr := uintptr(unsafe.Pointer(newPtr))
		remap = append(remap, Remap{OldAddr: obj.Addr, NewAddr: newAddr, Size: obj.Size})
		bitmap[newAddr] = obj.Size
	}
	a.liveBitmap = bitmap

	return remap
}

// CompleteFork transitions Forking -> Forked. From this point on the
// allocator is read-only and Alloc always returns nil.
func (a *Allocator) CompleteFork() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != Forking {
		debug.Fatal(debug.UnsupportedOperation, "pygote", "", "CompleteFork called outside the Forking state")
	}
	a.state = Forked
}

// ContainObject reports whether addr is an object this allocator
// currently accounts for: a live runslots slot in the Init state, or a
// relocated object in the fork arena afterward.
func (a *Allocator) ContainObject(addr *byte) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.containObjectLocked(addr)
}

func (a *Allocator) containObjectLocked(addr *byte) bool {
	switch a.state {
	case Init:
		_, ok := a.objects[uintptr(unsafe.Pointer(addr))]
		return ok
	default:
		_, ok := a.liveBitmap[uintptr(unsafe.Pointer(addr))]
		return ok
	}
}

// IsLive reports whether addr names a live object. Before fork this is
// identical to ContainObject, since pygote never frees; after fork it
// checks the snapshot taken at BeginFork time.
func (a *Allocator) IsLive(addr *byte) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.containObjectLocked(addr)
}

// IterateOverObjectsInRange visits every live object whose address falls
// within [lo, hi), delegating to the runslots instance in the Init state
// and walking the post-fork live bitmap otherwise.
func (a *Allocator) IterateOverObjectsInRange(visit func(addr *byte), lo, hi uintptr) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.state {
	case Init:
		a.runslots.IterateOverObjectsInRange(visit, lo, hi)
	default:
		for addr := range a.liveBitmap {
			if addr >= lo && addr < hi {
				visit((*byte)(unsafe.Pointer(addr)))
			}
		}
	}
}

// LiveBitmap returns the post-fork addr -> size map of every object
// relocated by BeginFork, for a subsequent GC to seed its mark state
// from. It is nil until BeginFork has run.
func (a *Allocator) LiveBitmap() map[uintptr]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.liveBitmap
}

// ForkArena returns the arena live objects were relocated into, or nil
// before BeginFork has run.
func (a *Allocator) ForkArena() *arena.Arena {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.forkArena
}
