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

// Package crossingmap tracks, for every page-sized region of the object
// heap, where the nearest enclosing object begins. It underpins
// generational/remembered-set GC: given a dirty card's address range, the
// collector needs to find the first live object to start scanning from
// without walking the whole heap from its base.
//
// Physical layout mirrors poolmap's two-level scheme: a lazily populated
// map from pool-granularity region base to a leaf array of one 16-bit,
// 2-bit-tagged entry per page in that region.
package crossingmap

import (
	"sync"

	"github.com/pandamem/core/internal/debug"
)

type tag uint16

const (
	uninitialised tag = iota
	initialised
	crossedBorder
	initialisedAndCrossedBorder
)

const (
	offsetBits = 14
	offsetMask = 1<<offsetBits - 1
	maxOffset  = offsetMask

	// minUnit is the granularity Initialised's in-page offset is counted
	// in; object starts are pointer-aligned, so 8 bytes loses no
	// precision while keeping the offset well within 14 bits for any
	// realistic page size.
	minUnit = 8
)

func encode(t tag, off int) uint16 {
	if off < 0 {
		off = 0
	} else if off > maxOffset {
		off = maxOffset
	}
	return uint16(t)<<offsetBits | uint16(off)
}

func decode(e uint16) (tag, int) {
	return tag(e >> offsetBits), int(e & offsetMask)
}

// Map is the crossing map for one contiguous object heap.
type Map struct {
	mu sync.RWMutex

	pageSize     int
	granularity  int
	pagesPerLeaf int

	leaves map[uintptr][]uint16
}

// New creates an empty crossing map. pageSize is the granularity queries
// and entries are bucketed by (the OS page size); granularity is the
// pool-allocation granularity leaves are sized to cover in one shot.
func New(pageSize, granularity int) *Map {
	debug.Assert(pageSize > 0 && pageSize&(pageSize-1) == 0, "crossingmap: pageSize must be a power of two")
	debug.Assert(granularity > 0 && granularity%pageSize == 0, "crossingmap: granularity must be a multiple of pageSize")
	return &Map{
		pageSize:     pageSize,
		granularity:  granularity,
		pagesPerLeaf: granularity / pageSize,
		leaves:       make(map[uintptr][]uint16),
	}
}

func (m *Map) pageBase(addr uintptr) uintptr {
	return addr &^ uintptr(m.pageSize-1)
}

func (m *Map) regionBase(addr uintptr) uintptr {
	return addr &^ uintptr(m.granularity-1)
}

// InitializeCrossingMapForMemory lazily allocates the leaves covering
// [addr, addr+size); it is idempotent for regions already covered.
func (m *Map) InitializeCrossingMapForMemory(addr uintptr, size int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	end := addr + uintptr(size)
	for region := m.regionBase(addr); region < end; region += uintptr(m.granularity) {
		if _, ok := m.leaves[region]; !ok {
			m.leaves[region] = make([]uint16, m.pagesPerLeaf)
		}
	}
}

// RemoveCrossingMapForMemory frees the leaves covering [addr, addr+size).
func (m *Map) RemoveCrossingMapForMemory(addr uintptr, size int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	end := addr + uintptr(size)
	for region := m.regionBase(addr); region < end; region += uintptr(m.granularity) {
		delete(m.leaves, region)
	}
}

// entry requires the page's leaf to already exist (the caller's heap
// region must have been registered via InitializeCrossingMapForMemory).
func (m *Map) entry(page uintptr) (leaf []uint16, idx int) {
	region := m.regionBase(page)
	leaf, ok := m.leaves[region]
	debug.Assert(ok, "crossingmap: page %#x not covered by InitializeCrossingMapForMemory", page)
	idx = int((page - region) / uintptr(m.pageSize))
	return leaf, idx
}

// tryEntry is entry's non-fatal counterpart, used by FindFirstObject when
// probing pages that may lie outside any registered region.
func (m *Map) tryEntry(page uintptr) (tag, int, bool) {
	region := m.regionBase(page)
	leaf, ok := m.leaves[region]
	if !ok {
		return uninitialised, 0, false
	}
	idx := int((page - region) / uintptr(m.pageSize))
	t, off := decode(leaf[idx])
	return t, off, true
}

// AddObject records a newly allocated object of size bytes starting at
// obj: its own page gets an Initialised (or InitialisedAndCrossedBorder,
// if that page already had an earlier object crossing into it) entry at
// its in-page offset, and every further page it spans gets a
// CrossedBorder entry chained one page back toward the start.
func (m *Map) AddObject(obj uintptr, size int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	startPage := m.pageBase(obj)
	leaf, idx := m.entry(startPage)
	off := int(obj-startPage) / minUnit

	// Only the first-starting object in a page gets the page's Initialised
	// offset; a later object sharing that page leaves the earlier one as
	// the page's anchor (the allocator hands out addresses in increasing
	// order, so "first added" and "first starting" coincide).
	switch t, _ := decode(leaf[idx]); t {
	case uninitialised:
		leaf[idx] = encode(initialised, off)
	case crossedBorder:
		leaf[idx] = encode(initialisedAndCrossedBorder, off)
	}

	end := obj + uintptr(size)
	for page := startPage + uintptr(m.pageSize); page < end; page += uintptr(m.pageSize) {
		leaf2, idx2 := m.entry(page)
		t2, off2 := decode(leaf2[idx2])
		if t2 == initialised || t2 == initialisedAndCrossedBorder {
			leaf2[idx2] = encode(initialisedAndCrossedBorder, off2)
		} else {
			leaf2[idx2] = encode(crossedBorder, 1) // one page back toward its anchor
		}
	}
}

// RemoveObject erases a freed object of size bytes at obj. nextInPage (if
// hasNext and it starts on obj's own page) becomes that page's new
// Initialised offset; otherwise the page is cleared. Pages fully covered
// by the removed object revert to Uninitialised. Finally, if prevObj (of
// prevSize, when hasPrev) still crosses into obj's start page, that
// page's CrossedBorder linkage is re-established.
func (m *Map) RemoveObject(obj uintptr, size int, nextObj uintptr, hasNext bool, prevObj uintptr, prevSize int, hasPrev bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	startPage := m.pageBase(obj)
	leaf, idx := m.entry(startPage)

	if hasNext && m.pageBase(nextObj) == startPage {
		leaf[idx] = encode(initialised, int(nextObj-startPage)/minUnit)
	} else {
		leaf[idx] = encode(uninitialised, 0)
	}

	end := obj + uintptr(size)
	for page := startPage + uintptr(m.pageSize); page < end; page += uintptr(m.pageSize) {
		leaf2, idx2 := m.entry(page)
		leaf2[idx2] = encode(uninitialised, 0)
	}

	if hasPrev && prevObj+uintptr(prevSize) > startPage {
		t, off := decode(leaf[idx])
		if t == initialised {
			leaf[idx] = encode(initialisedAndCrossedBorder, off)
		} else {
			leaf[idx] = encode(crossedBorder, 1)
		}
	}
}

// FindFirstObject scans pages in [start, end] and reports the address of
// the first live object reachable from that range, walking the
// CrossedBorder chain back to its Initialised anchor. Returns ok == false
// ("null") if every page in range is Uninitialised or unregistered.
func (m *Map) FindFirstObject(start, end uintptr) (uintptr, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	first := m.pageBase(start)
	last := m.pageBase(end)

	for page := first; page <= last; page += uintptr(m.pageSize) {
		t, off, ok := m.tryEntry(page)
		if !ok || t == uninitialised {
			continue
		}
		if t == initialised || t == initialisedAndCrossedBorder {
			return page + uintptr(off*minUnit), true
		}

		// crossedBorder: walk the chain back one page at a time.
		back := page
		for {
			back -= uintptr(m.pageSize)
			t2, off2, ok2 := m.tryEntry(back)
			debug.Assert(ok2, "crossingmap: CrossedBorder chain walked off a registered region")
			if t2 == initialised || t2 == initialisedAndCrossedBorder {
				return back + uintptr(off2*minUnit), true
			}
		}
	}
	return 0, false
}
