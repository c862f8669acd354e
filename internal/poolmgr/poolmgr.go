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

// Package poolmgr is the process-wide pool-manager singleton (spec.md
// §4.16): it chooses the MMAP or MALLOC pool source at Initialize,
// owns its lifetime, and forwards static AllocArena/FreeArena calls to
// it. Double-initialisation and use-before-init are fatal.
package poolmgr

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/pandamem/core/internal/arena"
	"github.com/pandamem/core/internal/debug"
	"github.com/pandamem/core/internal/memconfig"
	"github.com/pandamem/core/internal/poolmap"
	"github.com/pandamem/core/internal/poolsrc"
	"github.com/pandamem/core/internal/stats"
)

var (
	mu          sync.Mutex
	initialized atomic.Bool
	src         poolsrc.Source
	memStats    *stats.Stats
)

// statsSetter is implemented by the pool-source variants that can
// report to a MemStats hook ([poolsrc.Mmap], [poolsrc.Malloc]).
type statsSetter interface {
	SetStats(*stats.Stats)
}

// Initialize constructs exactly one pool source according to the
// installed [memconfig.Options]. Calling it twice without an
// intervening Finalize is fatal.
func Initialize(opts memconfig.Options) {
	mu.Lock()
	defer mu.Unlock()

	if !initialized.CompareAndSwap(false, true) {
		debug.Fatal(debug.AllocatorNotInitialised, "poolmgr", "", "Initialize called twice")
	}

	switch opts.PoolSource {
	case memconfig.MALLOC:
		src = poolsrc.NewMalloc(opts.PoolGranularity)
	default:
		src = poolsrc.NewMmap(
			int(opts.ObjectPoolSize),
			int(opts.InternalPoolSize),
			int(opts.CodePoolSize),
			int(opts.CompilerPoolSize),
			opts.PoolGranularity,
		)
	}

	memStats = stats.New()
	if s, ok := src.(statsSetter); ok {
		s.SetStats(memStats)
	}
}

// Finalize tears down the pool source. All allocator state it owned
// becomes invalid; spec.md §6 documents no persisted state to reconcile.
func Finalize() {
	mu.Lock()
	defer mu.Unlock()
	src = nil
	memStats = nil
	initialized.Store(false)
}

// Stats returns the MemStats hook the active pool source reports to.
// Pass it to each runslots/freelist/humongous allocator built over
// [Source] via their own SetStats method so every tier shares one
// combined view of the heap's traffic.
func Stats() *stats.Stats { return memStats }

func assertInit() poolsrc.Source {
	mu.Lock()
	defer mu.Unlock()
	if src == nil {
		debug.Fatal(debug.AllocatorNotInitialised, "poolmgr", "", "use before Initialize")
	}
	return src
}

// Source returns the active pool source, asserting it has been
// initialised.
func Source() poolsrc.Source { return assertInit() }

// AllocArena forwards to the active pool source.
func AllocArena(size int, space poolmap.Space, kind poolmap.Kind, header uuid.UUID, hasHeader bool) *arena.Arena {
	return assertInit().AllocArena(size, space, kind, header, hasHeader)
}

// FreeArena forwards to the active pool source.
func FreeArena(a *arena.Arena) { assertInit().FreeArena(a) }
