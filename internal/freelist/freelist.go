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

// Package freelist implements a segregated-fit free-list allocator over
// pool memory: every block (free or used) is prefixed by a header
// carrying its own size and its physical predecessor's size, so that
// Free can always locate and coalesce with adjacent blocks without a
// separate index.
//
// Unlike coarser alignment support in the source material, this
// allocator only guarantees pointer (8-byte) alignment: the header's own
// size is always a multiple of 8 and block sizes are rounded up to 8, so
// the payload immediately following a header is always 8-aligned with
// no extra padding bytes to track. Callers needing a coarser alignment
// should round their own size up and over-request; true arbitrary
// alignment is out of scope here.
package freelist

import (
	"sync"
	"unsafe"

	"github.com/google/uuid"

	"github.com/pandamem/core/internal/debug"
	"github.com/pandamem/core/internal/poolmap"
	"github.com/pandamem/core/internal/poolsrc"
	"github.com/pandamem/core/internal/stats"
)

// header prefixes every block, free or used, directly in pool memory.
type header struct {
	size     int
	prevSize int // size of the physical predecessor block; 0 if first in pool
	used     bool
	last     bool // last-in-pool: no physical successor to coalesce with

	next, prev *header // free-list links; meaningful only while free
}

var headerSize = int(unsafe.Sizeof(header{}))

// minSplitSize is the smallest block worth carving off as a free
// remainder; anything smaller is left attached to the satisfied request
// instead of split out.
const minSplitSize = 64

func roundUp8(n int) int { return (n + 7) &^ 7 }

type poolRegion struct {
	addr uintptr
	size int
}

// Allocator is a segregated-fit free-list allocator bound to one pool
// space.
type Allocator struct {
	mu sync.RWMutex

	src       poolsrc.Source
	space     poolmap.Space
	header    uuid.UUID
	hasHeader bool
	poolSize  int

	minSize, maxSize, rangeWidth int
	lists                        []*header

	pools []poolRegion

	stats *stats.Stats
}

// SetStats installs s as this allocator's MemStats hook: every Alloc
// and Free past this point records its payload-size delta against s,
// tagged with this allocator's space and [poolmap.KindFreeList].
func (a *Allocator) SetStats(s *stats.Stats) { a.stats = s }

// NewAllocator creates a free-list allocator that requests poolSize-byte
// pools (or poolSize rounded up to cover one request if smaller) from
// src, and buckets free blocks in rangeWidth-byte-wide segregated lists
// spanning [minSize, maxSize].
func NewAllocator(src poolsrc.Source, space poolmap.Space, header uuid.UUID, hasHeader bool, minSize, maxSize, rangeWidth, poolSize int) *Allocator {
	if rangeWidth <= 0 {
		rangeWidth = 64
	}
	numLists := (maxSize+headerSize)/rangeWidth + 2
	return &Allocator{
		src:        src,
		space:      space,
		header:     header,
		hasHeader:  hasHeader,
		poolSize:   poolSize,
		minSize:    minSize,
		maxSize:    maxSize,
		rangeWidth: rangeWidth,
		lists:      make([]*header, numLists),
	}
}

// GetMaxSize returns the largest payload size this allocator will ever
// serve.
func (a *Allocator) GetMaxSize() int { return a.maxSize }

func (a *Allocator) bucketIndex(blockSize int) int {
	idx := blockSize / a.rangeWidth
	if idx >= len(a.lists) {
		idx = len(a.lists) - 1
	}
	return idx
}

func (a *Allocator) insertFree(h *header) {
	idx := a.bucketIndex(h.size)
	h.next = a.lists[idx]
	h.prev = nil
	if a.lists[idx] != nil {
		a.lists[idx].prev = h
	}
	a.lists[idx] = h
}

func (a *Allocator) removeFree(h *header) {
	idx := a.bucketIndex(h.size)
	if h.prev != nil {
		h.prev.next = h.next
	} else {
		a.lists[idx] = h.next
	}
	if h.next != nil {
		h.next.prev = h.prev
	}
	h.prev, h.next = nil, nil
}

// takeFreeBlock scans buckets from the one sized for need upward,
// returning the first block found that is at least need bytes (first
// fit within ordered-mode semantics).
func (a *Allocator) takeFreeBlock(need int) *header {
	for idx := a.bucketIndex(need); idx < len(a.lists); idx++ {
		for h := a.lists[idx]; h != nil; h = h.next {
			if h.size >= need {
				a.removeFree(h)
				return h
			}
		}
	}
	return nil
}

func (a *Allocator) growPool(need int) bool {
	size := a.poolSize
	if size < need {
		size = need
	}
	pool := a.src.AllocPool(size, a.space, poolmap.KindFreeList, a.header, a.hasHeader)
	if pool == nil {
		return false
	}

	h := (*header)(unsafe.Pointer(pool.Addr))
	h.size = len(pool.Mem)
	h.prevSize = 0
	h.used = false
	h.last = true
	a.insertFree(h)
	a.pools = append(a.pools, poolRegion{addr: pool.Addr, size: len(pool.Mem)})
	return true
}

func (a *Allocator) splitBlock(h *header, firstSize, remSize int) {
	remAddr := uintptr(unsafe.Pointer(h)) + uintptr(firstSize)
	rem := (*header)(unsafe.Pointer(remAddr))
	rem.size = remSize
	rem.prevSize = firstSize
	rem.used = false
	rem.last = h.last
	rem.next, rem.prev = nil, nil

	if !rem.last {
		after := (*header)(unsafe.Pointer(remAddr + uintptr(remSize)))
		after.prevSize = remSize
	}

	h.size = firstSize
	h.last = false

	a.insertFree(rem)
}

// Alloc serves size bytes from a segregated free list, requesting a
// fresh pool from the source if no existing block is large enough.
// Returns nil only when the source cannot supply a new pool.
func (a *Allocator) Alloc(size, align int) *byte {
	_ = align // only 8-byte alignment is guaranteed; see package doc

	size = roundUp8(size)
	need := headerSize + size

	a.mu.Lock()
	defer a.mu.Unlock()

	h := a.takeFreeBlock(need)
	if h == nil {
		if !a.growPool(need) {
			return nil
		}
		h = a.takeFreeBlock(need)
		if h == nil {
			return nil
		}
	}

	if rem := h.size - need; rem >= minSplitSize {
		a.splitBlock(h, need, rem)
	}
	h.used = true

	if a.stats != nil {
		carved := h.size - headerSize
		a.stats.Record(a.space, poolmap.KindFreeList, carved, int64(carved))
	}

	payload := uintptr(unsafe.Pointer(h)) + uintptr(headerSize)
	return (*byte)(unsafe.Pointer(payload))
}

// freeLocked releases the block containing p, coalescing with any free
// physical neighbors, and returns the resulting block's address, size,
// and last-in-pool flag so iterating callers (Collect) can resume
// traversal correctly across a merge.
func (a *Allocator) freeLocked(p *byte) (uintptr, int, bool) {
	addr := uintptr(unsafe.Pointer(p)) - uintptr(headerSize)
	h := (*header)(unsafe.Pointer(addr))
	debug.Assert(h.used, "freelist: double Free at %#x", addr)
	h.used = false

	if h.prevSize > 0 {
		prevAddr := addr - uintptr(h.prevSize)
		prev := (*header)(unsafe.Pointer(prevAddr))
		if !prev.used {
			a.removeFree(prev)
			prev.size += h.size
			prev.last = h.last
			h = prev
			addr = prevAddr
		}
	}

	if !h.last {
		nextAddr := addr + uintptr(h.size)
		next := (*header)(unsafe.Pointer(nextAddr))
		if !next.used {
			a.removeFree(next)
			h.size += next.size
			h.last = next.last
		}
	}

	if !h.last {
		after := (*header)(unsafe.Pointer(addr + uintptr(h.size)))
		after.prevSize = h.size
	}

	a.insertFree(h)
	return addr, h.size, h.last
}

// Free releases p, coalescing with free physical neighbors.
func (a *Allocator) Free(p *byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	addr := uintptr(unsafe.Pointer(p)) - uintptr(headerSize)
	h := (*header)(unsafe.Pointer(addr))
	size := h.size - headerSize

	a.freeLocked(p)

	if a.stats != nil {
		a.stats.Record(a.space, poolmap.KindFreeList, size, -int64(size))
	}
}

// Collect sweeps used blocks in address order; for each one isDead
// reports dead, it is freed (and coalesced) in place.
func (a *Allocator) Collect(isDead func(addr *byte) bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, pr := range a.pools {
		addr := pr.addr
		for {
			h := (*header)(unsafe.Pointer(addr))
			size, last, used := h.size, h.last, h.used

			if used {
				payload := (*byte)(unsafe.Pointer(addr + uintptr(headerSize)))
				if isDead(payload) {
					addr, size, last = a.freeLocked(payload)
				}
			}

			if last {
				break
			}
			addr += uintptr(size)
		}
	}
}

// IterateOverObjects visits every used block's payload address, across
// every pool, in address order.
func (a *Allocator) IterateOverObjects(visit func(addr *byte)) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for _, pr := range a.pools {
		addr := pr.addr
		for {
			h := (*header)(unsafe.Pointer(addr))
			if h.used {
				visit((*byte)(unsafe.Pointer(addr + uintptr(headerSize))))
			}
			if h.last {
				break
			}
			addr += uintptr(h.size)
		}
	}
}

// IterateOverObjectsInRange visits used blocks whose payload address
// falls in [lo, hi), clamped to the pool(s) that intersect the range.
func (a *Allocator) IterateOverObjectsInRange(visit func(addr *byte), lo, hi uintptr) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for _, pr := range a.pools {
		if pr.addr+uintptr(pr.size) <= lo || pr.addr >= hi {
			continue
		}
		addr := pr.addr
		for {
			h := (*header)(unsafe.Pointer(addr))
			payload := addr + uintptr(headerSize)
			if h.used && payload >= lo && payload < hi {
				visit((*byte)(unsafe.Pointer(payload)))
			}
			if h.last {
				break
			}
			addr += uintptr(h.size)
		}
	}
}
