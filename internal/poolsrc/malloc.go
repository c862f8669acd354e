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

	"github.com/google/uuid"

	"github.com/pandamem/core/internal/arena"
	"github.com/pandamem/core/internal/debug"
	"github.com/pandamem/core/internal/osmem"
	"github.com/pandamem/core/internal/poolmap"
	"github.com/pandamem/core/internal/stats"
)

// Malloc is the MALLOC pool source (spec.md §4.4): every pool is a
// freestanding, aligned allocation with no coalescing and no reverse
// lookup — [Malloc.PoolMap] returns nil, so code that needs address-map
// lookups does not work over it. Allocator unit tests use it, and
// poolmgr.Initialize picks it when the configured pool source is MALLOC
// (SPEC_FULL.md §7.1).
type Malloc struct {
	mu         sync.Mutex
	granularity int
	arenaPools  map[*arena.Arena]*Pool

	stats *stats.Stats
}

// NewMalloc creates a Malloc source that rounds every pool request up to
// granularity, matching the pool-granularity invariant of spec.md §3.
func NewMalloc(granularity int) *Malloc {
	return &Malloc{granularity: granularity, arenaPools: make(map[*arena.Arena]*Pool)}
}

// SetStats installs s as this source's MemStats hook: every AllocPool
// and FreePool past this point records its pool-size delta against s.
func (m *Malloc) SetStats(s *stats.Stats) { m.stats = s }

// AllocPool implements [Source].
func (m *Malloc) AllocPool(size int, space poolmap.Space, kind poolmap.Kind, _ uuid.UUID, _ bool) *Pool {
	size = roundUpPow2(size, m.granularity)
	mem := osmem.AlignedAlloc(size, m.granularity)
	if mem == nil {
		return nil
	}
	if m.stats != nil {
		m.stats.Record(space, kind, size, int64(size))
	}
	return &Pool{ID: uuid.New(), Addr: addrOf(mem), Size: size, Mem: mem, Space: space, Kind: kind}
}

// FreePool implements [Source]. It is a bookkeeping no-op: the pool's
// backing array is reclaimed by the garbage collector once unreferenced,
// matching [osmem.AlignedFree]'s own no-op contract.
func (m *Malloc) FreePool(p *Pool) {
	osmem.AlignedFree(p.Mem)
	if m.stats != nil {
		m.stats.Record(p.Space, p.Kind, p.Size, -int64(p.Size))
	}
}

// AllocArena implements [Source].
func (m *Malloc) AllocArena(size int, space poolmap.Space, kind poolmap.Kind, header uuid.UUID, hasHeader bool) *arena.Arena {
	p := m.AllocPool(size, space, kind, header, hasHeader)
	if p == nil {
		return nil
	}
	a := arena.New(p.Mem)

	m.mu.Lock()
	m.arenaPools[a] = p
	m.mu.Unlock()
	return a
}

// FreeArena implements [Source].
func (m *Malloc) FreeArena(a *arena.Arena) {
	if a == nil {
		return
	}
	m.mu.Lock()
	delete(m.arenaPools, a)
	m.mu.Unlock()
}

// PoolMap implements [Source]: the MALLOC source supports no reverse
// lookup, per spec.md §9's open question and §4.4's "no pool-address
// map population (reverse lookup is unsupported and fatal)".
func (m *Malloc) PoolMap() *poolmap.Map { return nil }

// AssertLookupUnsupported is a convenience for tests asserting the fatal
// contract of spec.md §4.4 when code mistakenly calls into a pool-address
// map that was never populated for this source.
func AssertLookupUnsupported() {
	debug.Fatal(debug.UnsupportedOperation, "poolsrc.Malloc", "", "pool-address map lookup is unsupported on the MALLOC source")
}
