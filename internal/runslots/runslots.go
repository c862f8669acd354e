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

// Package runslots implements the size-class slab allocator: every run
// is one pool-sized page sliced into homogeneous power-of-two slots
// (8..256 bytes), with a per-slot-size doubly linked list of partially
// used runs and a reusable-runs list for emptied pages.
//
// A run's metadata (slot size, bump cursor, free list head, liveness
// bitmap) lives in an ordinary Go struct next to the run rather than
// packed into the front of the slab's own bytes, so there is no
// in-band header to size around; a run's slot count is simply
// len(mem)/slotSize. Locating the owning run of a freed pointer
// therefore uses an address-sorted index instead of masking the
// pointer by a fixed run alignment, since pool memory here isn't
// guaranteed to be run-size-aligned the way a dedicated mmap reservation
// would be.
package runslots

import (
	"sort"
	"sync"
	"unsafe"

	"github.com/google/uuid"

	"github.com/pandamem/core/internal/debug"
	"github.com/pandamem/core/internal/poolmap"
	"github.com/pandamem/core/internal/poolsrc"
	"github.com/pandamem/core/internal/stats"
)

// DefaultRunSize is the default page size for a run; must be a power of
// two.
const DefaultRunSize = 4096

var slotSizes = [...]int{8, 16, 32, 64, 128, 256}

// MaxSlotSize is the largest size this allocator will ever serve;
// requests above it must be routed to another allocator family.
func MaxSlotSize() int { return slotSizes[len(slotSizes)-1] }

func slotSizeFor(size int) (int, bool) {
	for _, s := range slotSizes {
		if size <= s {
			return s, true
		}
	}
	return 0, false
}

// run is one page-sized slab, sliced into slotCount slots of slotSize
// bytes each.
type run struct {
	pool *poolsrc.Pool
	addr uintptr
	mem  []byte

	slotSize  int
	slotCount int

	bump     int // index of the next never-used slot
	freeHead int // index of the first freed slot, or -1
	used     int

	bitmap []uint64 // one bit per slot; set means occupied

	prev, next *run // per-slot-size partial-run list
	linked     bool
}

func (r *run) reinit(slotSize int) {
	r.slotSize = slotSize
	r.slotCount = len(r.mem) / slotSize
	r.bump = 0
	r.freeHead = -1
	r.used = 0
	r.bitmap = make([]uint64, (r.slotCount+63)/64)
}

func (r *run) full() bool { return r.used == r.slotCount }

func (r *run) slotAddr(idx int) *byte { return &r.mem[idx*r.slotSize] }

func (r *run) setBit(i int)        { r.bitmap[i/64] |= 1 << uint(i%64) }
func (r *run) clearBit(i int)      { r.bitmap[i/64] &^= 1 << uint(i%64) }
func (r *run) testBit(i int) bool  { return r.bitmap[i/64]&(1<<uint(i%64)) != 0 }

// popFree takes a free slot (from the free list if one exists,
// otherwise by bumping the uninitialised cursor) and returns its
// address, or nil if the run is full.
func (r *run) popFree() *byte {
	if r.freeHead >= 0 {
		idx := r.freeHead
		p := r.slotAddr(idx)
		r.freeHead = int(*(*int64)(unsafe.Pointer(p)))
		r.setBit(idx)
		r.used++
		return p
	}
	if r.bump < r.slotCount {
		idx := r.bump
		r.bump++
		r.setBit(idx)
		r.used++
		return r.slotAddr(idx)
	}
	return nil
}

// pushFree returns slot idx to the free list.
func (r *run) pushFree(idx int) {
	p := r.slotAddr(idx)
	*(*int64)(unsafe.Pointer(p)) = int64(r.freeHead)
	r.freeHead = idx
	r.clearBit(idx)
	r.used--
}

// Allocator is the per-(space) RunSlots allocator.
type Allocator struct {
	mu sync.Mutex

	src       poolsrc.Source
	space     poolmap.Space
	header    uuid.UUID
	hasHeader bool
	runSize   int

	partialHead map[int]*run // slot size -> head of its partial-run list
	free        []*run       // emptied runs, parked for reuse at any slot size
	runsByAddr  []*run        // all live runs, sorted by addr

	stats *stats.Stats
}

// SetStats installs s as this allocator's MemStats hook: every Alloc
// and Free past this point records its slot-size delta against s,
// tagged with this allocator's space and [poolmap.KindRunSlots].
func (a *Allocator) SetStats(s *stats.Stats) { a.stats = s }

// NewAllocator creates a RunSlots allocator that requests runSize-byte
// pools (or [DefaultRunSize] if zero) tagged with space/header from
// src.
func NewAllocator(src poolsrc.Source, space poolmap.Space, header uuid.UUID, hasHeader bool, runSize int) *Allocator {
	if runSize <= 0 {
		runSize = DefaultRunSize
	}
	return &Allocator{
		src:         src,
		space:       space,
		header:      header,
		hasHeader:   hasHeader,
		runSize:     runSize,
		partialHead: make(map[int]*run),
	}
}

func (a *Allocator) linkPartial(r *run) {
	if r.linked {
		return
	}
	head := a.partialHead[r.slotSize]
	r.prev = nil
	r.next = head
	if head != nil {
		head.prev = r
	}
	a.partialHead[r.slotSize] = r
	r.linked = true
}

func (a *Allocator) unlinkPartial(r *run) {
	if !r.linked {
		return
	}
	if r.prev != nil {
		r.prev.next = r.next
	} else {
		a.partialHead[r.slotSize] = r.next
	}
	if r.next != nil {
		r.next.prev = r.prev
	}
	r.prev, r.next = nil, nil
	r.linked = false
}

func (a *Allocator) takeFreeRun(slotSize int) *run {
	if len(a.free) == 0 {
		return nil
	}
	r := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	r.reinit(slotSize)
	a.linkPartial(r)
	return r
}

func (a *Allocator) newRun(slotSize int) *run {
	pool := a.src.AllocPool(a.runSize, a.space, poolmap.KindRunSlots, a.header, a.hasHeader)
	if pool == nil {
		return nil
	}
	r := &run{pool: pool, addr: pool.Addr, mem: pool.Mem}
	r.reinit(slotSize)
	a.runsByAddr = append(a.runsByAddr, r)
	sort.Slice(a.runsByAddr, func(i, j int) bool { return a.runsByAddr[i].addr < a.runsByAddr[j].addr })
	a.linkPartial(r)
	return r
}

func (a *Allocator) findRun(addr uintptr) *run {
	i := sort.Search(len(a.runsByAddr), func(i int) bool {
		r := a.runsByAddr[i]
		return r.addr+uintptr(len(r.mem)) > addr
	})
	if i < len(a.runsByAddr) && addr >= a.runsByAddr[i].addr {
		return a.runsByAddr[i]
	}
	return nil
}

// Alloc rounds size up to the next supported slot size and serves it
// from the first partially used run of that size, reusing a parked
// empty run or requesting a fresh pool as needed. Returns nil if size
// exceeds [MaxSlotSize] or no pool is available.
func (a *Allocator) Alloc(size, align int) *byte {
	_ = align // every slot size is already a power of two ≥ 8

	a.mu.Lock()
	defer a.mu.Unlock()

	slotSize, ok := slotSizeFor(size)
	if !ok {
		return nil
	}

	r := a.partialHead[slotSize]
	if r == nil {
		r = a.takeFreeRun(slotSize)
	}
	if r == nil {
		r = a.newRun(slotSize)
		if r == nil {
			return nil
		}
	}

	p := r.popFree()
	debug.Assert(p != nil, "runslots: popFree returned nil from a non-full run")

	if r.full() {
		a.unlinkPartial(r)
	}
	if a.stats != nil {
		a.stats.Record(a.space, poolmap.KindRunSlots, slotSize, int64(slotSize))
	}
	return p
}

// Free returns the slot containing p to its run's free list, re-linking
// a previously full run into the partial list and parking a now-empty
// run on the reusable list.
func (a *Allocator) Free(p *byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	addr := uintptr(unsafe.Pointer(p))
	r := a.findRun(addr)
	debug.Assert(r != nil, "runslots: Free(%v) address not owned by any run", p)

	wasFull := r.full()
	idx := int(addr-r.addr) / r.slotSize
	slotSize := r.slotSize
	r.pushFree(idx)

	if wasFull {
		a.linkPartial(r)
	}
	if r.used == 0 {
		a.unlinkPartial(r)
		a.free = append(a.free, r)
	}
	if a.stats != nil {
		a.stats.Record(a.space, poolmap.KindRunSlots, slotSize, -int64(slotSize))
	}
}

// Collect sweeps every occupied slot across every run, freeing it when
// isDead reports the object at that address is no longer live.
func (a *Allocator) Collect(isDead func(addr *byte) bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, r := range a.runsByAddr {
		for i := 0; i < r.slotCount; i++ {
			if !r.testBit(i) || !isDead(r.slotAddr(i)) {
				continue
			}
			wasFull := r.full()
			r.pushFree(i)
			if wasFull {
				a.linkPartial(r)
			}
			if r.used == 0 {
				a.unlinkPartial(r)
				a.free = append(a.free, r)
			}
		}
	}
}

// IterateOverObjects visits every occupied slot across every run.
func (a *Allocator) IterateOverObjects(visit func(addr *byte)) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, r := range a.runsByAddr {
		for i := 0; i < r.slotCount; i++ {
			if r.testBit(i) {
				visit(r.slotAddr(i))
			}
		}
	}
}

// IterateOverObjectsInRange visits every occupied slot whose address
// falls within [lo, hi), restricted to the run(s) that intersect it.
func (a *Allocator) IterateOverObjectsInRange(visit func(addr *byte), lo, hi uintptr) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, r := range a.runsByAddr {
		end := r.addr + uintptr(len(r.mem))
		if end <= lo || r.addr >= hi {
			continue
		}
		for i := 0; i < r.slotCount; i++ {
			if !r.testBit(i) {
				continue
			}
			addr := r.addr + uintptr(i*r.slotSize)
			if addr >= lo && addr < hi {
				visit(r.slotAddr(i))
			}
		}
	}
}
