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

// Package humongous implements the one-pool-per-object allocator for
// objects too large for runslots or freelist. A freed pool either goes
// into a small reserved cache for reuse or is returned straight to the
// pool source, depending on its size and how full the cache already is.
package humongous

import (
	"sort"
	"sync"
	"unsafe"

	"github.com/google/uuid"

	"github.com/pandamem/core/internal/debug"
	"github.com/pandamem/core/internal/osmem"
	"github.com/pandamem/core/internal/poolmap"
	"github.com/pandamem/core/internal/poolsrc"
	"github.com/pandamem/core/internal/stats"
)

// overheadBytes is reserved, on top of the requested size, for the
// object header and alignment drift the object allocator places at the
// front of a humongous pool.
const overheadBytes = 64

// Allocator is the humongous (one-pool-per-object) allocator.
type Allocator struct {
	mu sync.Mutex

	src           poolsrc.Source
	space         poolmap.Space
	header        uuid.UUID
	hasHeader     bool
	granularity   int
	maxObjectSize int64

	occupied []*poolsrc.Pool
	byAddr   map[uintptr]*poolsrc.Pool

	reserved         []*poolsrc.Pool // kept sorted ascending by size
	reservedMaxCount int
	reservedMaxSize  int64

	stats *stats.Stats
}

// SetStats installs s as this allocator's MemStats hook: every Alloc
// and Free past this point records its pool-size delta against s,
// tagged with this allocator's space and [poolmap.KindHumongous].
func (a *Allocator) SetStats(s *stats.Stats) { a.stats = s }

// NewAllocator creates a humongous allocator bound to one (space,
// header) pair. reservedMaxCount and reservedMaxSize bound the reserved
// cache: a freed pool larger than reservedMaxSize is always returned to
// src; once the cache holds reservedMaxCount pools, the largest is
// evicted to make room for a new, smaller one.
func NewAllocator(src poolsrc.Source, space poolmap.Space, header uuid.UUID, hasHeader bool, granularity int, maxObjectSize int64, reservedMaxCount int, reservedMaxSize int64) *Allocator {
	return &Allocator{
		src:              src,
		space:            space,
		header:           header,
		hasHeader:        hasHeader,
		granularity:      granularity,
		maxObjectSize:    maxObjectSize,
		byAddr:           make(map[uintptr]*poolsrc.Pool),
		reservedMaxCount: reservedMaxCount,
		reservedMaxSize:  reservedMaxSize,
	}
}

func roundUp(n, align int) int { return (n + align - 1) &^ (align - 1) }

// GetMinPoolSize computes the pool size needed to hold a size-byte
// object, rounded up to the pool granularity.
func (a *Allocator) GetMinPoolSize(size int) int {
	return roundUp(size+overheadBytes, a.granularity)
}

func (a *Allocator) takeReserved(need int) *poolsrc.Pool {
	idx := sort.Search(len(a.reserved), func(i int) bool { return a.reserved[i].Size >= need })
	if idx == len(a.reserved) {
		return nil
	}
	p := a.reserved[idx]
	a.reserved = append(a.reserved[:idx], a.reserved[idx+1:]...)
	return p
}

func (a *Allocator) insertReserved(pool *poolsrc.Pool) {
	if int64(pool.Size) > a.reservedMaxSize {
		a.src.FreePool(pool)
		return
	}

	idx := sort.Search(len(a.reserved), func(i int) bool { return a.reserved[i].Size >= pool.Size })
	a.reserved = append(a.reserved, nil)
	copy(a.reserved[idx+1:], a.reserved[idx:])
	a.reserved[idx] = pool

	if len(a.reserved) > a.reservedMaxCount {
		evicted := a.reserved[len(a.reserved)-1] // largest cached pool
		a.reserved = a.reserved[:len(a.reserved)-1]
		a.src.FreePool(evicted)
	}
}

// Alloc requests (or reuses from the reserved cache) a pool large
// enough for a size-byte object and returns a pointer to its start.
// Rejects size == 0 and size >= the configured maximum object size.
func (a *Allocator) Alloc(size int) *byte {
	if size <= 0 {
		return nil
	}
	if int64(size) >= a.maxObjectSize {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	need := a.GetMinPoolSize(size)

	pool := a.takeReserved(need)
	if pool != nil {
		if pool.Size > need {
			osmem.ReleasePages(pool.Mem, need, pool.Size)
		}
	} else {
		pool = a.src.AllocPool(need, a.space, poolmap.KindHumongous, a.header, a.hasHeader)
		if pool == nil {
			return nil
		}
	}

	a.occupied = append(a.occupied, pool)
	a.byAddr[pool.Addr] = pool
	if a.stats != nil {
		a.stats.Record(a.space, poolmap.KindHumongous, pool.Size, int64(pool.Size))
	}
	return &pool.Mem[0]
}

// Free removes p's pool from the occupied list, parking it in the
// reserved cache or returning it to the source.
func (a *Allocator) Free(p *byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	addr := uintptr(unsafe.Pointer(p))
	pool, ok := a.byAddr[addr]
	debug.Assert(ok, "humongous: Free(%v) is not a live humongous allocation", p)
	delete(a.byAddr, addr)

	for i, q := range a.occupied {
		if q == pool {
			a.occupied = append(a.occupied[:i], a.occupied[i+1:]...)
			break
		}
	}

	a.insertReserved(pool)
	if a.stats != nil {
		a.stats.Record(a.space, poolmap.KindHumongous, pool.Size, -int64(pool.Size))
	}
}

// IterateOverObjects visits every occupied object's start address, in
// allocation order.
func (a *Allocator) IterateOverObjects(visit func(addr *byte)) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, pool := range a.occupied {
		visit(&pool.Mem[0])
	}
}

// Collect frees every occupied object isDead reports dead.
func (a *Allocator) Collect(isDead func(addr *byte) bool) {
	a.mu.Lock()
	dead := make([]*byte, 0)
	for _, pool := range a.occupied {
		p := &pool.Mem[0]
		if isDead(p) {
			dead = append(dead, p)
		}
	}
	a.mu.Unlock()

	for _, p := range dead {
		a.Free(p)
	}
}
