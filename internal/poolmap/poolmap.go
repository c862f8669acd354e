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

// Package poolmap is the reverse address → pool-owner lookup table
// (spec.md §3 "Pool-address map", §4.3): a dense array indexed by
// address/granularity that answers, for any managed pointer, which
// space, allocator kind, and allocator header own it.
package poolmap

import (
	"sync"

	"github.com/google/uuid"

	"github.com/pandamem/core/internal/debug"
)

// Space is the closed enumeration of spec.md §3.
type Space int

const (
	Undefined Space = iota
	Object
	HumongousObject
	NonMovableObject
	Internal
	Code
	Compiler
)

// Kind is the closed allocator-kind tag used only for diagnostics and
// reverse lookup (spec.md §3, "Allocator type").
type Kind int

const (
	KindUndefined Kind = iota
	KindRunSlots
	KindFreeList
	KindHumongous
	KindArena
	KindTlab
	KindBump
	KindRegion
	KindFrame
	KindBumpWithTlabs
)

// Info is the answer to a [Map.Lookup]: the owning space, allocator
// kind, opaque allocator-header token, and the pool's start address.
type Info struct {
	Space      Space
	Kind       Kind
	Header     uuid.UUID
	HasHeader  bool
	PoolStart  uintptr
}

// entry is one granularity-sized slot of the dense array.
type entry struct {
	firstByte bool
	kind      Kind
	space     Space
	header    uuid.UUID
	hasHeader bool
	poolStart uintptr
	present   bool
}

// Map is the dense pool-address map. It covers one contiguous address
// window (the reserved object-heap region) of up to granularity *
// len(entries) bytes, per spec.md §3 ("Covers the full reserved
// object-heap window (≤ 4 GiB)").
type Map struct {
	mu          sync.RWMutex
	base        uintptr
	granularity int
	entries     []entry

	// walkCache memoizes the last PoolStartOf walk-back, invalidated on
	// every AddPool/RemovePool (SPEC_FULL.md §5, "pool-address-map
	// first_byte_flag walk-back cache").
	walkCache struct {
		addr  uintptr
		start uintptr
		valid bool
	}
}

// New creates a Map covering [base, base+granularity*slots).
func New(base uintptr, granularity int, slots int) *Map {
	debug.Assert(granularity > 0 && granularity&(granularity-1) == 0, "poolmap: granularity must be a power of two")
	return &Map{base: base, granularity: granularity, entries: make([]entry, slots)}
}

func (m *Map) index(addr uintptr) (int, bool) {
	if addr < m.base {
		return 0, false
	}
	idx := int((addr - m.base) / uintptr(m.granularity))
	if idx < 0 || idx >= len(m.entries) {
		return 0, false
	}
	return idx, true
}

// AddPool registers a live pool spanning [addr, addr+size) with the given
// space, allocator kind, and opaque header token. addr and size must be
// granularity-aligned; overlapping adds are forbidden (spec.md §4.3).
func (m *Map) AddPool(addr uintptr, size int, space Space, kind Kind, header uuid.UUID, hasHeader bool) {
	debug.Assert(addr%uintptr(m.granularity) == 0, "poolmap: addr not granularity-aligned")
	debug.Assert(size > 0 && size%m.granularity == 0, "poolmap: size not a multiple of granularity")

	m.mu.Lock()
	defer m.mu.Unlock()

	start, ok := m.index(addr)
	if !ok {
		debug.Fatal(debug.AllocatorNotInitialised, "poolmap", "", "AddPool out of range")
	}
	n := size / m.granularity
	for i := 0; i < n; i++ {
		if m.entries[start+i].present {
			debug.Fatal(debug.UnsupportedOperation, "poolmap", "", "overlapping AddPool")
		}
	}
	for i := 0; i < n; i++ {
		m.entries[start+i] = entry{
			firstByte: i == 0,
			kind:      kind,
			space:     space,
			header:    header,
			hasHeader: hasHeader,
			poolStart: addr,
			present:   true,
		}
	}
	m.invalidateCache()
}

// RemovePool unregisters the pool spanning [addr, addr+size).
func (m *Map) RemovePool(addr uintptr, size int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start, ok := m.index(addr)
	if !ok {
		return
	}
	n := size / m.granularity
	for i := 0; i < n && start+i < len(m.entries); i++ {
		m.entries[start+i] = entry{}
	}
	m.invalidateCache()
}

func (m *Map) invalidateCache() {
	m.walkCache.valid = false
}

// Lookup returns ownership info for addr. A failure to find a live entry
// is a fatal runtime error (spec.md §4.3).
func (m *Map) Lookup(addr uintptr) Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx, ok := m.index(addr)
	if !ok || !m.entries[idx].present {
		debug.Fatal(debug.AllocatorNotInitialised, "poolmap", "", addr)
	}
	e := m.entries[idx]
	return Info{Space: e.space, Kind: e.kind, Header: e.header, HasHeader: e.hasHeader, PoolStart: e.poolStart}
}

// TryLookup is like Lookup but reports Undefined instead of failing
// fatally when addr is outside any live pool (spec.md testable property
// #5: "for addresses outside any live pool, Lookup(p) reports Undefined").
func (m *Map) TryLookup(addr uintptr) (Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx, ok := m.index(addr)
	if !ok || !m.entries[idx].present {
		return Info{}, false
	}
	e := m.entries[idx]
	return Info{Space: e.space, Kind: e.kind, Header: e.header, HasHeader: e.hasHeader, PoolStart: e.poolStart}, true
}

// SpaceOf is a convenience accessor over Lookup.
func (m *Map) SpaceOf(addr uintptr) Space { return m.Lookup(addr).Space }

// PoolStartOf walks backward through the map until it finds the entry
// with firstByte set, the iterator-termination rule GC card scans rely
// on (spec.md §4.3). The single-entry result is memoized until the next
// AddPool/RemovePool (SPEC_FULL.md §5).
func (m *Map) PoolStartOf(addr uintptr) uintptr {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.walkCache.valid && m.walkCache.addr == addr {
		return m.walkCache.start
	}

	idx, ok := m.index(addr)
	if !ok || !m.entries[idx].present {
		debug.Fatal(debug.AllocatorNotInitialised, "poolmap", "", addr)
	}
	for !m.entries[idx].firstByte {
		idx--
		debug.Assert(idx >= 0, "poolmap: walked off the start of the map without a first-byte entry")
	}
	start := m.entries[idx].poolStart
	m.walkCache = struct {
		addr  uintptr
		start uintptr
		valid bool
	}{addr: addr, start: start, valid: true}
	return start
}
