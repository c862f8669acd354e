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

// Package poolsrc implements the two pool-source variants of spec.md
// §4.4: [Mmap], which reserves the whole object-heap budget as one
// contiguous mapping and coalesces freed pools, and [Malloc], a thin
// per-pool wrapper over the system allocator with no reverse lookup.
//
// Unlike the original, an [arena.Arena] here is an ordinary Go value
// managed by the garbage collector; only its backing buffer comes from
// a pool. A pool source therefore keeps a side table from *arena.Arena
// to the [Pool] it was carved from, rather than placing an arena header
// inside the pool's own bytes as the source material does.
package poolsrc

import (
	"github.com/google/uuid"

	"github.com/pandamem/core/internal/arena"
	"github.com/pandamem/core/internal/debug"
	"github.com/pandamem/core/internal/osmem"
	"github.com/pandamem/core/internal/poolmap"
)

// Pool is a pool-granularity-aligned region handed out by a [Source]
// (spec.md §3, "Pool").
type Pool struct {
	ID    uuid.UUID
	Addr  uintptr
	Size  int
	Mem   []byte
	Space poolmap.Space
	Kind  poolmap.Kind
}

// Source is implemented by [Mmap] and [Malloc].
type Source interface {
	AllocPool(size int, space poolmap.Space, kind poolmap.Kind, header uuid.UUID, hasHeader bool) *Pool
	FreePool(p *Pool)
	AllocArena(size int, space poolmap.Space, kind poolmap.Kind, header uuid.UUID, hasHeader bool) *arena.Arena
	FreeArena(a *arena.Arena)
	PoolMap() *poolmap.Map // nil for Malloc (spec.md §9, open question #1)
}

// ArenaSource adapts a [Source] bound to one (space, kind, header) triple
// into the narrow [arena.Source] interface the arena package itself
// depends on, so arena need not import poolsrc (avoiding an import
// cycle; see DESIGN.md).
type ArenaSource struct {
	Src       Source
	Space     poolmap.Space
	Kind      poolmap.Kind
	Header    uuid.UUID
	HasHeader bool
}

func (s ArenaSource) AllocArena(size int) *arena.Arena {
	return s.Src.AllocArena(size, s.Space, s.Kind, s.Header, s.HasHeader)
}

func (s ArenaSource) FreeArena(a *arena.Arena) { s.Src.FreeArena(a) }

func roundUpPow2(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

func isObjectHeapSpace(space poolmap.Space) bool {
	switch space {
	case poolmap.Object, poolmap.HumongousObject, poolmap.NonMovableObject:
		return true
	default:
		return false
	}
}
