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

package poolsrc

import (
	"sync"
	"unsafe"

	"github.com/google/uuid"

	"github.com/pandamem/core/internal/arena"
	"github.com/pandamem/core/internal/debug"
	"github.com/pandamem/core/internal/osmem"
	"github.com/pandamem/core/internal/poolmap"
	"github.com/pandamem/core/internal/stats"
)

// nonObjectSpace tracks the running-size cap for one of the non-heap
// spaces (Internal, Code, Compiler), each backed by its own individual
// OS mappings rather than the shared object-heap window.
type nonObjectSpace struct {
	budget int
	used   int
}

// Mmap is the MMAP pool source (spec.md §4.4). At construction it
// reserves the whole object-heap budget as one contiguous mapping and
// sub-allocates object-heap pools from it with a cursor, reusing freed
// pools out of a coalescing [freeMap] first. Internal/Code/Compiler
// pools are backed by individual mappings with their own budget.
//
// One mutex guards every mutating operation, matching spec.md's "one
// process-wide recursive mutex guards pool/arena ops" — Go has no
// recursive mutex, so internal helpers that run under the lock never
// re-enter Lock themselves.
type Mmap struct {
	mu sync.Mutex

	granularity int
	region      []byte
	base        uintptr
	cursor      int
	free        freeMap

	pmap *poolmap.Map

	nonObject map[poolmap.Space]*nonObjectSpace

	arenaPools map[*arena.Arena]*Pool

	stats *stats.Stats
}

// SetStats installs s as this source's MemStats hook: every AllocPool
// and FreePool past this point records its pool-size delta against s.
func (m *Mmap) SetStats(s *stats.Stats) { m.stats = s }

// NewMmap reserves objectHeapSize bytes (rounded up to granularity) for
// the object heap, plus independent budgets for the internal, code, and
// compiler spaces.
func NewMmap(objectHeapSize, internalBudget, codeBudget, compilerBudget, granularity int) *Mmap {
	size := roundUpPow2(objectHeapSize, granularity)
	region := osmem.MapAnonymousAligned(size, granularity)
	if region == nil {
		debug.Fatal(debug.PoolReservationFailed, "poolsrc.Mmap", "Object", "failed to reserve object-heap region")
	}

	m := &Mmap{
		granularity: granularity,
		region:      region,
		base:        addrOf(region),
		pmap:        poolmap.New(addrOf(region), granularity, size/granularity),
		nonObject: map[poolmap.Space]*nonObjectSpace{
			poolmap.Internal: {budget: internalBudget},
			poolmap.Code:     {budget: codeBudget},
			poolmap.Compiler: {budget: compilerBudget},
		},
		arenaPools: make(map[*arena.Arena]*Pool),
	}
	return m
}

func addrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

// AllocPool implements [Source].
func (m *Mmap) AllocPool(size int, space poolmap.Space, kind poolmap.Kind, header uuid.UUID, hasHeader bool) *Pool {
	debug.Assert(size > 0 && size%m.granularity == 0, "poolsrc.Mmap: size must be a non-zero multiple of granularity")

	m.mu.Lock()
	defer m.mu.Unlock()

	var p *Pool
	if isObjectHeapSpace(space) {
		p = m.allocObjectPoolLocked(size, space, kind, header, hasHeader)
	} else {
		p = m.allocNonObjectPoolLocked(size, space, kind, header, hasHeader)
	}
	if p != nil && m.stats != nil {
		m.stats.Record(space, kind, p.Size, int64(p.Size))
	}
	return p
}

func (m *Mmap) allocObjectPoolLocked(size int, space poolmap.Space, kind poolmap.Kind, header uuid.UUID, hasHeader bool) *Pool {
	var addr uintptr
	if a, ok := m.free.take(size); ok {
		addr = a
	} else {
		if m.cursor+size > len(m.region) {
			return nil
		}
		addr = m.base + uintptr(m.cursor)
		m.cursor += size
	}

	m.pmap.AddPool(addr, size, space, kind, header, hasHeader)
	off := int(addr - m.base)
	return &Pool{ID: uuid.New(), Addr: addr, Size: size, Mem: m.region[off : off+size : off+size], Space: space, Kind: kind}
}

func (m *Mmap) allocNonObjectPoolLocked(size int, space poolmap.Space, kind poolmap.Kind, _ uuid.UUID, _ bool) *Pool {
	ns, ok := m.nonObject[space]
	if !ok {
		debug.Fatal(debug.AllocatorNotInitialised, "poolsrc.Mmap", "", space)
	}
	if ns.used+size > ns.budget {
		return nil
	}

	mem := osmem.MapAnonymousAligned(size, m.granularity)
	if mem == nil {
		return nil
	}
	ns.used += size
	return &Pool{ID: uuid.New(), Addr: addrOf(mem), Size: size, Mem: mem, Space: space, Kind: kind}
}

// FreePool implements [Source].
func (m *Mmap) FreePool(p *Pool) {
	if p == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stats != nil {
		m.stats.Record(p.Space, p.Kind, p.Size, -int64(p.Size))
	}

	if isObjectHeapSpace(p.Space) {
		m.pmap.RemovePool(p.Addr, p.Size)
		m.free.insert(p.Addr, p.Size)
		return
	}

	ns := m.nonObject[p.Space]
	ns.used -= p.Size
	_ = osmem.UnmapRaw(p.Mem)
}

// AllocArena implements [Source]: it sizes a pool to hold size bytes and
// wraps its buffer in a fresh [arena.Arena].
func (m *Mmap) AllocArena(size int, space poolmap.Space, kind poolmap.Kind, header uuid.UUID, hasHeader bool) *arena.Arena {
	poolSize := roundUpPow2(size, m.granularity)
	p := m.AllocPool(poolSize, space, kind, header, hasHeader)
	if p == nil {
		return nil
	}

	a := arena.New(p.Mem)
	m.mu.Lock()
	m.arenaPools[a] = p
	m.mu.Unlock()
	return a
}

// ExpandArena implements [arena.ArenaExpander]: when a's backing pool
// sits at the very top of the object-heap bump cursor — nothing has been
// allocated past it yet — the extra bytes a caller wants are still
// unclaimed space in the same mapping, so this grows the pool and arena
// in place with no new mapping and no data movement.
func (m *Mmap) ExpandArena(a *arena.Arena, extra int) bool {
	if extra <= 0 {
		return true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.arenaPools[a]
	if !ok || !isObjectHeapSpace(p.Space) {
		return false
	}

	off := int(p.Addr - m.base)
	if off+p.Size != m.cursor || m.cursor+extra > len(m.region) {
		return false
	}

	info := m.pmap.Lookup(p.Addr)
	m.pmap.RemovePool(p.Addr, p.Size)
	m.pmap.AddPool(p.Addr, p.Size+extra, p.Space, p.Kind, info.Header, info.HasHeader)

	newEnd := off + p.Size + extra
	a.ExpandArena(m.region[off+p.Size : newEnd : newEnd])

	m.cursor = newEnd
	p.Size += extra
	p.Mem = m.region[off:newEnd:newEnd]

	if m.stats != nil {
		m.stats.Record(p.Space, p.Kind, p.Size-extra, int64(extra))
	}
	return true
}

// FreeArena implements [Source].
func (m *Mmap) FreeArena(a *arena.Arena) {
	if a == nil {
		return
	}

	m.mu.Lock()
	p, ok := m.arenaPools[a]
	if ok {
		delete(m.arenaPools, a)
	}
	m.mu.Unlock()

	if ok {
		m.FreePool(p)
	}
}

// PoolMap implements [Source].
func (m *Mmap) PoolMap() *poolmap.Map { return m.pmap }
