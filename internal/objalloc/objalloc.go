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

// Package objalloc is the object-allocator facade: it dispatches an
// allocation request to the allocator tier sized to serve it, and
// exposes the two heap configurations the rest of this module supports
// — non-generational (one flat set of tiers) and generational (a young
// bump/TLAB space in front of a tenured set, plus a separate non-movable
// set).
package objalloc

import (
	"github.com/pandamem/core/internal/freelist"
	"github.com/pandamem/core/internal/humongous"
	"github.com/pandamem/core/internal/pygote"
	"github.com/pandamem/core/internal/runslots"
	"github.com/pandamem/core/internal/tlab"
)

// CollectMode selects which generation(s) a [Generational.Collect] call
// sweeps.
type CollectMode int

const (
	CollectYoung CollectMode = iota
	CollectTenured
	CollectFull
)

// NonGenerational composes runslots, freelist, and humongous into one
// flat object allocator: small requests go to runslots, medium to
// freelist, everything else to humongous.
type NonGenerational struct {
	runslots  *runslots.Allocator
	freelist  *freelist.Allocator
	humongous *humongous.Allocator

	// pygote, if set, fronts every allocation up to fork: a flat
	// allocator never moves objects, so everything it serves already
	// satisfies pygote's non-movable requirement.
	pygote *pygote.Allocator
}

// NewNonGenerational builds a flat object allocator over the given
// tiers.
func NewNonGenerational(rs *runslots.Allocator, fl *freelist.Allocator, hg *humongous.Allocator) *NonGenerational {
	return &NonGenerational{runslots: rs, freelist: fl, humongous: hg}
}

// SetPygote installs p as the pre-fork front-end for this allocator's
// requests. Once p has forked, its Alloc always returns nil and every
// request falls through to the regular tiers below it.
func (a *NonGenerational) SetPygote(p *pygote.Allocator) { a.pygote = p }

// Allocate dispatches size to the smallest tier that can serve it. If a
// pygote front-end is installed and still pre-fork, it is tried first.
func (a *NonGenerational) Allocate(size, align int) *byte {
	if a.pygote != nil {
		if p := a.pygote.Alloc(size, align); p != nil {
			return p
		}
	}
	switch {
	case size <= runslots.MaxSlotSize():
		return a.runslots.Alloc(size, align)
	case size <= a.freelist.GetMaxSize():
		return a.freelist.Alloc(size, align)
	default:
		return a.humongous.Alloc(size)
	}
}

// IterateOverObjects visits every live object across all three tiers,
// plus the pygote front-end's own objects if one is installed.
func (a *NonGenerational) IterateOverObjects(visit func(addr *byte)) {
	if a.pygote != nil {
		a.pygote.IterateOverObjectsInRange(visit, 0, ^uintptr(0))
	}
	a.runslots.IterateOverObjects(visit)
	a.freelist.IterateOverObjects(visit)
	a.humongous.IterateOverObjects(visit)
}

// IterateOverObjectsInRange visits live objects in [lo, hi) across the
// runslots and freelist tiers (humongous objects are never small enough
// to meaningfully intersect a sub-pool range query), plus the pygote
// front-end if one is installed.
func (a *NonGenerational) IterateOverObjectsInRange(visit func(addr *byte), lo, hi uintptr) {
	if a.pygote != nil {
		a.pygote.IterateOverObjectsInRange(visit, lo, hi)
	}
	a.runslots.IterateOverObjectsInRange(visit, lo, hi)
	a.freelist.IterateOverObjectsInRange(visit, lo, hi)
}

// Collect sweeps every tier, freeing objects isDead reports dead.
func (a *NonGenerational) Collect(isDead func(addr *byte) bool) {
	a.runslots.Collect(isDead)
	a.freelist.Collect(isDead)
	a.humongous.Collect(isDead)
}

// Generational composes a young bump/TLAB space in front of tenured
// runslots+freelist+humongous tiers, plus a separate non-movable
// runslots+freelist pair that never moves under GC.
type Generational struct {
	young             *tlab.Allocator
	youngAllocMaxSize int

	tenuredRunslots *runslots.Allocator
	tenuredFreelist *freelist.Allocator
	humongous       *humongous.Allocator

	nonMovableRunslots *runslots.Allocator
	nonMovableFreelist *freelist.Allocator
}

// NewGenerational builds a generational object allocator. youngAllocMaxSize
// is the largest request routed to the young bump space; larger requests
// go straight to the tenured tiers.
func NewGenerational(
	young *tlab.Allocator, youngAllocMaxSize int,
	tenuredRunslots *runslots.Allocator, tenuredFreelist *freelist.Allocator, hg *humongous.Allocator,
	nonMovableRunslots *runslots.Allocator, nonMovableFreelist *freelist.Allocator,
) *Generational {
	return &Generational{
		young:              young,
		youngAllocMaxSize:  youngAllocMaxSize,
		tenuredRunslots:    tenuredRunslots,
		tenuredFreelist:    tenuredFreelist,
		humongous:          hg,
		nonMovableRunslots: nonMovableRunslots,
		nonMovableFreelist: nonMovableFreelist,
	}
}

// Allocate routes size-and-under-youngAllocMaxSize requests to the young
// bump space; everything else goes to the tenured tiers directly. A nil
// return for a young-sized request means the caller (the heap manager)
// must create a fresh TLAB, or trigger GC, and retry — this allocator
// never grows the young space on its own.
func (a *Generational) Allocate(size, align int) *byte {
	if size <= a.youngAllocMaxSize {
		return a.young.Alloc(size, align)
	}
	return a.AllocateTenured(size, align)
}

// AllocateTenured serves size directly from the tenured tiers,
// regardless of the young-space threshold.
func (a *Generational) AllocateTenured(size, align int) *byte {
	switch {
	case size <= runslots.MaxSlotSize():
		return a.tenuredRunslots.Alloc(size, align)
	case size <= a.tenuredFreelist.GetMaxSize():
		return a.tenuredFreelist.Alloc(size, align)
	default:
		return a.humongous.Alloc(size)
	}
}

// AllocateNonMovable serves size from the dedicated non-movable tiers.
func (a *Generational) AllocateNonMovable(size, align int) *byte {
	switch {
	case size <= runslots.MaxSlotSize():
		return a.nonMovableRunslots.Alloc(size, align)
	case size <= a.nonMovableFreelist.GetMaxSize():
		return a.nonMovableFreelist.Alloc(size, align)
	default:
		return a.humongous.Alloc(size)
	}
}

// CreateNewTLAB carves a new thread-local buffer from the young space.
func (a *Generational) CreateNewTLAB(size int) *tlab.TLAB {
	return a.young.CreateNewTLAB(size)
}

// IsAddressInYoungSpace reports whether addr falls within the young
// space's backing pool.
func (a *Generational) IsAddressInYoungSpace(addr *byte) bool {
	return a.young.Contains(addr)
}

// GetYoungSpaceMemRange returns the young space's [start, end) range.
func (a *Generational) GetYoungSpaceMemRange() (start, end uintptr) {
	return a.young.MemRange()
}

// ResetYoungAllocator discards every young-space allocation and TLAB.
// Called once a minor GC has relocated (or condemned) everything live
// in the young space.
func (a *Generational) ResetYoungAllocator() {
	a.young.Reset()
}

// IterateOverYoungObjects visits every live object in the young bump
// area (not including TLAB-resident objects, which the TLAB owner
// tracks itself).
func (a *Generational) IterateOverYoungObjects(visit func(addr *byte, size int)) {
	a.young.IterateOverObjects(visit)
}

// IterateOverTenuredObjects visits every live object across the tenured
// tiers.
func (a *Generational) IterateOverTenuredObjects(visit func(addr *byte)) {
	a.tenuredRunslots.IterateOverObjects(visit)
	a.tenuredFreelist.IterateOverObjects(visit)
	a.humongous.IterateOverObjects(visit)
}

// IterateOverObjects visits every live object across every tier: young,
// tenured, and non-movable.
func (a *Generational) IterateOverObjects(visit func(addr *byte)) {
	a.young.IterateOverObjects(func(addr *byte, _ int) { visit(addr) })
	a.IterateOverTenuredObjects(visit)
	a.nonMovableRunslots.IterateOverObjects(visit)
	a.nonMovableFreelist.IterateOverObjects(visit)
}

// IterateOverObjectsInRange visits live objects in [lo, hi) across the
// tenured and non-movable runslots/freelist tiers.
func (a *Generational) IterateOverObjectsInRange(visit func(addr *byte), lo, hi uintptr) {
	a.tenuredRunslots.IterateOverObjectsInRange(visit, lo, hi)
	a.tenuredFreelist.IterateOverObjectsInRange(visit, lo, hi)
	a.nonMovableRunslots.IterateOverObjectsInRange(visit, lo, hi)
	a.nonMovableFreelist.IterateOverObjectsInRange(visit, lo, hi)
}

// Collect sweeps the tier(s) selected by mode, freeing objects isDead
// reports dead. CollectYoung does nothing here (the caller relocates
// survivors and calls ResetYoungAllocator itself; Collect here exists
// for tenured/full sweeps where in-place freeing, not relocation,
// reclaims memory).
func (a *Generational) Collect(isDead func(addr *byte) bool, mode CollectMode) {
	if mode == CollectYoung {
		return
	}
	a.tenuredRunslots.Collect(isDead)
	a.tenuredFreelist.Collect(isDead)
	a.humongous.Collect(isDead)
	if mode == CollectFull {
		a.nonMovableRunslots.Collect(isDead)
		a.nonMovableFreelist.Collect(isDead)
	}
}

// ContainObject reports whether addr falls within the young space, or is
// the start of a live object in any other tier.
func (a *Generational) ContainObject(addr *byte) bool {
	if a.young.Contains(addr) {
		return true
	}
	found := false
	visit := func(p *byte) {
		if p == addr {
			found = true
		}
	}
	a.tenuredRunslots.IterateOverObjects(visit)
	a.tenuredFreelist.IterateOverObjects(visit)
	a.humongous.IterateOverObjects(visit)
	a.nonMovableRunslots.IterateOverObjects(visit)
	a.nonMovableFreelist.IterateOverObjects(visit)
	return found
}

// IsLive reports whether addr is a currently allocated (not yet freed)
// object start. This module has no per-address liveness oracle cheaper
// than the membership scan ContainObject performs, so the two currently
// coincide; a real deployment would back this with the crossing map or
// a mark bitmap instead.
func (a *Generational) IsLive(addr *byte) bool {
	return a.ContainObject(addr)
}
