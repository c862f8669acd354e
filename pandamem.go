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

// Package pandamem is the heap-manager facade: the only exported
// surface of this module. It owns the object allocator, the internal
// (metadata) allocator, the frame allocator, the TLAB-enablement flag,
// and the target-utilization setting, and turns their nil-on-failure
// allocation contract into a retry-then-collect-then-throw contract for
// callers: [HeapManager.AllocateObject], [HeapManager.AllocateNonMovableObject],
// and [HeapManager.AllocateFrame] are the only operations that can
// return an error, and the only error they ever return is
// [OutOfMemoryError].
//
// This package deliberately does not implement a collector — spec.md's
// non-goals exclude "implementing GC" — so it calls out to a
// caller-supplied [Collector] exactly the way it calls out to an
// external scheduler for per-thread state (internal/mutator).
package pandamem

import (
	"fmt"
	"unsafe"

	"github.com/pandamem/core/internal/debug"
	"github.com/pandamem/core/internal/frame"
	"github.com/pandamem/core/internal/internalalloc"
	"github.com/pandamem/core/internal/mutator"
	"github.com/pandamem/core/internal/objalloc"
	"github.com/pandamem/core/internal/tlab"
	"github.com/pandamem/core/internal/xunsafe"
)

// maxGCRetries bounds the allocate-collect-retry loop of spec.md §4.15
// step 4.
const maxGCRetries = 4

// OutOfMemoryError is the only error that escapes this package, per
// spec.md §7's "the only errors escaping the core are OutOfMemoryError
// at the language level".
type OutOfMemoryError struct {
	Space string
	Size  int
}

func (e *OutOfMemoryError) Error() string {
	return fmt.Sprintf("pandamem: out of memory allocating %d bytes in %s space", e.Size, e.Space)
}

// GCCause identifies why [Collector.Collect] was invoked.
type GCCause int

const (
	// CauseYoung requests an ordinary collection, tried on every retry
	// but the last.
	CauseYoung GCCause = iota
	// CauseOOM requests a maximally thorough collection: the last retry
	// before giving up, or every retry for a heap with no young
	// generation to speak of.
	CauseOOM
)

// Collector is the GC hook HeapManager calls on the slow allocation
// path. Implementing an actual collector is out of scope for this
// module (spec.md §1 non-goals); a real deployment supplies one the
// same way it supplies the per-thread state internal/mutator models.
type Collector interface {
	// Collect runs one collection cycle for cause and reports how many
	// bytes it reclaimed.
	Collect(cause GCCause) (bytesReclaimed int64)
	// ShouldTriggerBefore reports whether a GC should run proactively
	// before an allocation of size bytes is attempted at all (spec.md
	// §4.15 step 1).
	ShouldTriggerBefore(size int) bool
}

// Class is the minimal per-allocation descriptor [HeapManager] needs.
// The class linker itself is out of scope (spec.md §1 non-goals); this
// only carries what AllocateObject's header-initialization step acts
// on.
type Class struct {
	// Finalizable marks that a freshly allocated instance must be
	// registered with the FinalizerRegistry.
	Finalizable bool
}

// NotificationManager receives one event per completed object
// allocation, for whatever profiling or sampling hooks a caller wants.
type NotificationManager interface {
	OnAllocation(addr *byte, size int, cls *Class)
}

// FinalizerRegistry receives finalizable objects at allocation time, so
// that a later GC cycle knows to run their finalizer before reclaiming
// them.
type FinalizerRegistry interface {
	Register(addr *byte, cls *Class)
}

// ObjectHeap is the object-allocator surface HeapManager drives. Both
// [objalloc.NonGenerational] and [objalloc.Generational] are adapted to
// it by [NewNonGenerationalHeap] and [NewGenerationalHeap]: a
// non-generational heap has no TLAB tier and no separately-movable
// space, so its adapter's CreateNewTLAB always reports "no TLAB
// available" and its AllocateNonMovable is just Allocate — every object
// in a non-generational heap is already non-movable.
type ObjectHeap interface {
	Allocate(size, align int) *byte
	AllocateNonMovable(size, align int) *byte
	CreateNewTLAB(size int) *tlab.TLAB
}

// nonGenerationalHeap adapts *objalloc.NonGenerational to [ObjectHeap].
type nonGenerationalHeap struct{ *objalloc.NonGenerational }

func (nonGenerationalHeap) CreateNewTLAB(int) *tlab.TLAB { return nil }

func (h nonGenerationalHeap) AllocateNonMovable(size, align int) *byte {
	return h.Allocate(size, align)
}

// NewNonGenerationalHeap adapts a flat object allocator to [ObjectHeap].
func NewNonGenerationalHeap(a *objalloc.NonGenerational) ObjectHeap {
	return nonGenerationalHeap{a}
}

// generationalHeap adapts *objalloc.Generational to [ObjectHeap]; every
// method it needs is already defined with a matching signature, so no
// overrides are required.
type generationalHeap struct{ *objalloc.Generational }

// NewGenerationalHeap adapts a generational object allocator to
// [ObjectHeap].
func NewGenerationalHeap(a *objalloc.Generational) ObjectHeap {
	return generationalHeap{a}
}

// HeapManager is the top-level entry point: object and frame allocation
// with retry-on-GC, TLAB lifecycle, and allocation statistics.
type HeapManager struct {
	heap     ObjectHeap
	internal *internalalloc.Internal
	frames   *frame.Allocator

	collector  Collector
	notify     NotificationManager
	finalizers FinalizerRegistry

	tlabEnabled       bool
	tlabSize          int
	tlabMaxAllocSize  int
	targetUtilization float64

	activeTLAB *mutator.Registry[*tlab.TLAB]
}

// Config gathers the pieces [NewHeapManager] wires together.
type Config struct {
	Heap       ObjectHeap
	Internal   *internalalloc.Internal
	Frames     *frame.Allocator
	Collector  Collector
	Notify     NotificationManager
	Finalizers FinalizerRegistry

	// TLABEnabled, TLABSize, and TLABMaxAllocSize come from
	// memconfig.Options; leave TLABEnabled false for a non-generational
	// heap, which has no TLAB tier to enable.
	TLABEnabled       bool
	TLABSize          int
	TLABMaxAllocSize  int
	TargetUtilization float64
}

// NewHeapManager builds a heap manager from cfg.
func NewHeapManager(cfg Config) *HeapManager {
	debug.Assert(cfg.Heap != nil, "pandamem: NewHeapManager requires a non-nil object heap")
	return &HeapManager{
		heap:              cfg.Heap,
		internal:          cfg.Internal,
		frames:            cfg.Frames,
		collector:         cfg.Collector,
		notify:            cfg.Notify,
		finalizers:        cfg.Finalizers,
		tlabEnabled:       cfg.TLABEnabled,
		tlabSize:          cfg.TLABSize,
		tlabMaxAllocSize:  cfg.TLABMaxAllocSize,
		targetUtilization: cfg.TargetUtilization,
		activeTLAB:        mutator.NewRegistry[*tlab.TLAB](),
	}
}

// TargetUtilization returns the configured heap-utilization target used
// to decide whether to grow the heap instead of collecting.
func (h *HeapManager) TargetUtilization() float64 { return h.targetUtilization }

// InternalAllocator returns the metadata allocator this heap manager
// owns, for components (class descriptors, remembered sets) that need
// to allocate outside the object heap.
func (h *HeapManager) InternalAllocator() *internalalloc.Internal { return h.internal }

// AllocateObject implements spec.md §4.15's five-step flow: an optional
// pre-emptive GC trigger, the TLAB fast path, the object-allocator slow
// path with bounded GC retry, and object initialization.
func (h *HeapManager) AllocateObject(cls *Class, size, align int) (*byte, error) {
	if h.collector != nil && h.collector.ShouldTriggerBefore(size) {
		h.collector.Collect(CauseYoung)
	}

	addr := h.allocateViaTLABOrHeap(size, align)
	if addr == nil {
		addr = h.retryWithCollection(func() *byte { return h.allocateViaTLABOrHeap(size, align) })
	}
	if addr == nil {
		return nil, &OutOfMemoryError{Space: "object", Size: size}
	}

	h.initializeObject(addr, size, cls)
	return addr, nil
}

// AllocateNonMovableObject is AllocateObject's counterpart for
// allocations that must never be relocated by a moving collector.
func (h *HeapManager) AllocateNonMovableObject(cls *Class, size, align int) (*byte, error) {
	alloc := func() *byte { return h.heap.AllocateNonMovable(size, align) }

	addr := alloc()
	if addr == nil {
		addr = h.retryWithCollection(alloc)
	}
	if addr == nil {
		return nil, &OutOfMemoryError{Space: "non-movable", Size: size}
	}

	h.initializeObject(addr, size, cls)
	return addr, nil
}

// AllocateFrame allocates size bytes of interpreter-frame memory,
// retrying under GC pressure the same way object allocation does.
func (h *HeapManager) AllocateFrame(size int) (*byte, error) {
	debug.Assert(h.frames != nil, "pandamem: AllocateFrame requires a configured frame allocator")

	alloc := func() *byte { return h.frames.Alloc(size) }

	addr := alloc()
	if addr == nil {
		addr = h.retryWithCollection(alloc)
	}
	if addr == nil {
		return nil, &OutOfMemoryError{Space: "frame", Size: size}
	}
	return addr, nil
}

// FreeFrame releases the most recent frame allocation. See
// [frame.Allocator.Free]: frame release is strictly LIFO.
func (h *HeapManager) FreeFrame(addr *byte) {
	h.frames.Free(addr)
}

// allocateViaTLABOrHeap implements steps 2 and 3: try the current
// TLAB, carve a fresh one on miss and retry once, then fall back to the
// object allocator directly.
func (h *HeapManager) allocateViaTLABOrHeap(size, align int) *byte {
	if h.tlabEnabled && size <= h.tlabMaxAllocSize {
		if addr := h.allocFromTLAB(size, align); addr != nil {
			return addr
		}
	}
	return h.heap.Allocate(size, align)
}

func (h *HeapManager) allocFromTLAB(size, align int) *byte {
	if t, ok := h.activeTLAB.Get(); ok {
		if addr := t.Alloc(size); addr != nil {
			return addr
		}
	}

	want := h.tlabSize
	if size > want {
		want = size
	}
	t := h.heap.CreateNewTLAB(want)
	if t == nil {
		return nil
	}
	h.activeTLAB.Set(t)
	return t.Alloc(size)
}

// retryWithCollection implements step 4: up to [maxGCRetries]
// collect-then-retry rounds. A round that reclaims no bytes counts
// against the cap; one that reclaims any bytes does not, since it made
// real progress. The final counted round (or every round, for a heap
// with no TLAB tier to speak of) asks for a maximally thorough
// collection instead of an ordinary one.
func (h *HeapManager) retryWithCollection(alloc func() *byte) *byte {
	if h.collector == nil {
		return nil
	}

	nonGenerational := !h.tlabEnabled
	for attempt := 0; attempt < maxGCRetries; {
		cause := CauseYoung
		if nonGenerational || attempt == maxGCRetries-1 {
			cause = CauseOOM
		}

		reclaimed := h.collector.Collect(cause)
		if addr := alloc(); addr != nil {
			return addr
		}
		if reclaimed == 0 {
			attempt++
		}
	}
	return nil
}

// initializeObject implements spec.md §4.15 step 5: zero the object,
// initialize its GC bits, and only then write the class pointer — the
// ordering spec.md §5 requires so a concurrent sweeper that observes a
// null class field knows to skip the object rather than read a
// half-initialized one.
func (h *HeapManager) initializeObject(addr *byte, size int, cls *Class) {
	clear(unsafe.Slice(addr, size))

	if init, ok := h.collector.(interface{ InitGCBits(addr *byte) }); ok {
		init.InitGCBits(addr)
	}

	if cls != nil {
		*xunsafe.Cast[uintptr](addr) = uintptr(unsafe.Pointer(cls))
		if cls.Finalizable && h.finalizers != nil {
			h.finalizers.Register(addr, cls)
		}
	}

	if h.notify != nil {
		h.notify.OnAllocation(addr, size, cls)
	}
}
