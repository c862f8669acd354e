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

// Package internalalloc routes allocations for runtime metadata — GC
// bookkeeping, class descriptors, remembered sets, anything that is not
// itself a managed object — away from the object heap. It offers two
// configurations: [PandaAllocators], which reuses the same
// runslots/freelist/humongous tiers the object allocator is built from,
// and [MallocAllocator], a thin proxy over Go's own allocator kept only
// for allocation statistics.
package internalalloc

import (
	"sync"
	"unsafe"

	"github.com/pandamem/core/internal/debug"
	"github.com/pandamem/core/internal/freelist"
	"github.com/pandamem/core/internal/humongous"
	"github.com/pandamem/core/internal/mutator"
	"github.com/pandamem/core/internal/runslots"
	"github.com/pandamem/core/internal/xsync"
	"github.com/pandamem/core/internal/xunsafe"
	"github.com/pandamem/core/internal/xunsafe/layout"
)

// Allocator is the narrow interface [New], [NewArray], [Delete], and
// [DeleteArray] need: anything that can hand back size-and-aligned
// bytes and later reclaim them. Both [PandaAllocators] and
// [MallocAllocator] satisfy it.
type Allocator interface {
	Alloc(size, align int) *byte
	Free(addr *byte)
}

// tier records which backing allocator a [PandaAllocators] pointer came
// from, so Free can route to the right one without a pool-address-map
// lookup: unlike the object heap, internal allocations may sit on a
// Malloc-backed source with no map at all (spec.md §9, open question
// #1), so this allocator keeps its own per-pointer tag instead.
type tier int

const (
	tierRunSlots tier = iota
	tierFreeList
	tierHumongous
)

// PandaAllocators composes runslots, freelist, and humongous into one
// metadata allocator, the same way [objalloc.NonGenerational] composes
// them for object memory. It is the "RawMemory" configuration: requests
// are served from real pool-backed memory.
type PandaAllocators struct {
	runslots  *runslots.Allocator
	freelist  *freelist.Allocator
	humongous *humongous.Allocator

	// tierOf records which backing allocator served each outstanding
	// pointer. Alloc and Free each touch exactly one key, never a range
	// of them, so an [xsync.Map] gives this all the atomicity it needs
	// without a mutex guarding the whole table.
	tierOf xsync.Map[uintptr, tier]
}

// NewPandaAllocators builds a metadata allocator over the given tiers.
func NewPandaAllocators(rs *runslots.Allocator, fl *freelist.Allocator, hg *humongous.Allocator) *PandaAllocators {
	return &PandaAllocators{
		runslots:  rs,
		freelist:  fl,
		humongous: hg,
	}
}

// Alloc dispatches size to the smallest tier that can serve it.
func (p *PandaAllocators) Alloc(size, align int) *byte {
	var addr *byte
	var t tier

	switch {
	case size <= runslots.MaxSlotSize():
		addr, t = p.runslots.Alloc(size, align), tierRunSlots
	case size <= p.freelist.GetMaxSize():
		addr, t = p.freelist.Alloc(size, align), tierFreeList
	default:
		addr, t = p.humongous.Alloc(size), tierHumongous
	}
	if addr == nil {
		return nil
	}

	p.tierOf.Store(uintptr(unsafe.Pointer(addr)), t)
	return addr
}

// Free returns addr to whichever tier served it.
func (p *PandaAllocators) Free(addr *byte) {
	key := uintptr(unsafe.Pointer(addr))

	t, ok := p.tierOf.LoadAndDelete(key)

	debug.Assert(ok, "internalalloc: Free(%v) is not a live allocation", addr)

	switch t {
	case tierRunSlots:
		p.runslots.Free(addr)
	case tierFreeList:
		p.freelist.Free(addr)
	case tierHumongous:
		p.humongous.Free(addr)
	}
}

// MallocAllocator is the "EmptyMemory" configuration: it proxies
// straight to Go's own allocator and keeps a side table mapping each
// returned address to its size and backing slice, purely for the
// allocation statistics the heap manager reports. Go gives no way to
// force early reclamation of a []byte the runtime still considers
// reachable, so Free's only real effect is dropping this allocator's
// own reference — the memory becomes collectible once the caller's
// last reference goes too, which is the same release discipline a
// deliberate custom allocator would give a caller, just enforced by the
// Go runtime instead of by this package.
type MallocAllocator struct {
	mu    sync.Mutex
	sizes map[uintptr]int
	live  map[uintptr][]byte

	allocated int64
	freed     int64
}

// NewMallocAllocator creates an empty malloc-proxy allocator.
func NewMallocAllocator() *MallocAllocator {
	return &MallocAllocator{
		sizes: make(map[uintptr]int),
		live:  make(map[uintptr][]byte),
	}
}

// Alloc allocates size bytes aligned to align via make([]byte, ...) and
// records the mapping needed to free and account for it later.
func (m *MallocAllocator) Alloc(size, align int) *byte {
	if size <= 0 {
		return nil
	}

	buf := make([]byte, size+align)
	base := uintptr(unsafe.Pointer(&buf[0]))
	aligned := (base + uintptr(align-1)) &^ uintptr(align-1)
	p := (*byte)(unsafe.Pointer(aligned))

	m.mu.Lock()
	m.sizes[aligned] = size
	m.live[aligned] = buf
	m.allocated += int64(size)
	m.mu.Unlock()
	return p
}

// Free drops this allocator's reference to addr's backing slice.
func (m *MallocAllocator) Free(addr *byte) {
	key := uintptr(unsafe.Pointer(addr))

	m.mu.Lock()
	defer m.mu.Unlock()

	size, ok := m.sizes[key]
	debug.Assert(ok, "internalalloc: Free(%v) is not a live allocation", addr)
	delete(m.sizes, key)
	delete(m.live, key)
	m.freed += int64(size)
}

// AllocatedBytes reports bytes currently outstanding (allocated minus
// freed), for heap-manager statistics.
func (m *MallocAllocator) AllocatedBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocated - m.freed
}

// Internal is the metadata allocator a heap manager actually holds: a
// shared allocator used by [Internal.Alloc], plus a per-goroutine local
// allocator (built lazily by localFactory) used by [Internal.AllocLocal]
// for thread-scoped metadata where contending on the shared allocator's
// lock would be wasted work — the Go equivalent of the original's
// unlocked "local" allocator config, since each goroutine gets tiers it
// alone ever touches rather than a lock-free mode on shared ones.
type Internal struct {
	shared       Allocator
	localFactory func() Allocator
	locals       *mutator.Registry[Allocator]
}

// NewInternal builds a metadata allocator around shared (used by Alloc)
// and localFactory (invoked once per goroutine, lazily, to build the
// allocator AllocLocal uses for that goroutine).
func NewInternal(shared Allocator, localFactory func() Allocator) *Internal {
	return &Internal{
		shared:       shared,
		localFactory: localFactory,
		locals:       mutator.NewRegistry[Allocator](),
	}
}

// Alloc serves size bytes from the shared allocator.
func (in *Internal) Alloc(size, align int) *byte {
	return in.shared.Alloc(size, align)
}

// Free returns addr to the shared allocator.
func (in *Internal) Free(addr *byte) {
	in.shared.Free(addr)
}

// AllocLocal serves size bytes from the calling goroutine's own
// allocator, building one via localFactory on first use.
func (in *Internal) AllocLocal(size, align int) *byte {
	return in.localFor().Alloc(size, align)
}

// FreeLocal returns addr to the calling goroutine's own allocator. addr
// must have come from a prior AllocLocal call on the same goroutine.
func (in *Internal) FreeLocal(addr *byte) {
	in.localFor().Free(addr)
}

func (in *Internal) localFor() Allocator {
	if a, ok := in.locals.Get(); ok {
		return a
	}
	a := in.localFactory()
	in.locals.Set(a)
	return a
}

// New allocates space for a T on a, copies value into it, and returns a
// pointer to the copy.
func New[T any](a Allocator, value T) *T {
	l := layout.Of[T]()
	p := xunsafe.Cast[T](a.Alloc(l.Size, l.Align))
	*p = value
	return p
}

// NewArray allocates space for n contiguous, zero-valued T values on a,
// storing the element count in a size-aligned header immediately before
// the data so that [DeleteArray] can release it without a
// caller-supplied length.
func NewArray[T any](a Allocator, n int) *T {
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

// Delete returns the T allocated by [New] at p back to a.
func Delete[T any](a Allocator, p *T) {
	a.Free(xunsafe.Cast[byte](p))
}

// DeleteArray returns the array allocated by [NewArray] at p back to a,
// recovering its true starting address from the element-count header.
func DeleteArray[T any](a Allocator, p *T) {
	a.Free(xunsafe.ByteAdd[byte](p, -layout.Size[int]()))
}
