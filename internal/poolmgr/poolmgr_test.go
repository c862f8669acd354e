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

package poolmgr_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pandamem/core/internal/memconfig"
	"github.com/pandamem/core/internal/poolmap"
	"github.com/pandamem/core/internal/poolmgr"
)

func mallocOptions() memconfig.Options {
	opts := memconfig.Default()
	opts.PoolSource = memconfig.MALLOC
	return opts
}

func TestInitializeThenFinalizeAllowsReinitialize(t *testing.T) {
	poolmgr.Initialize(mallocOptions())
	defer poolmgr.Finalize()

	assert.NotPanics(t, func() {
		poolmgr.AllocArena(4096, poolmap.Internal, poolmap.KindArena, uuid.Nil, false)
	})

	poolmgr.Finalize()
	assert.NotPanics(t, func() { poolmgr.Initialize(mallocOptions()) })
	poolmgr.Finalize()
}

func TestDoubleInitializeIsFatal(t *testing.T) {
	poolmgr.Initialize(mallocOptions())
	defer poolmgr.Finalize()

	assert.Panics(t, func() { poolmgr.Initialize(mallocOptions()) })
}

func TestUseBeforeInitializeIsFatal(t *testing.T) {
	poolmgr.Finalize() // in case a prior test left it initialized

	assert.Panics(t, func() {
		poolmgr.AllocArena(4096, poolmap.Internal, poolmap.KindArena, uuid.Nil, false)
	})
}

func TestAllocArenaAndFreeArenaForwardToTheActiveSource(t *testing.T) {
	poolmgr.Initialize(mallocOptions())
	defer poolmgr.Finalize()

	a := poolmgr.AllocArena(4096, poolmap.Internal, poolmap.KindArena, uuid.Nil, false)
	require.NotNil(t, a)

	assert.NotPanics(t, func() { poolmgr.FreeArena(a) })
}

func TestSourceReturnsTheActivePoolSource(t *testing.T) {
	poolmgr.Initialize(mallocOptions())
	defer poolmgr.Finalize()

	src := poolmgr.Source()
	require.NotNil(t, src)
	assert.Nil(t, src.PoolMap(), "a MALLOC source has no reverse address map")
}

func TestStatsTracksPoolAllocAndFree(t *testing.T) {
	poolmgr.Initialize(memconfig.Default()) // MMAP source: FreeArena actually releases the pool
	defer poolmgr.Finalize()

	a := poolmgr.AllocArena(4096, poolmap.Internal, poolmap.KindArena, uuid.Nil, false)
	require.NotNil(t, a)

	snap := poolmgr.Stats().Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, poolmap.Internal, snap[0].Space)
	assert.Equal(t, poolmap.KindArena, snap[0].AllocatorKind)
	assert.Positive(t, snap[0].LiveBytes)

	poolmgr.FreeArena(a)
	snap = poolmgr.Stats().Snapshot()
	require.Len(t, snap, 1)
	assert.Zero(t, snap[0].LiveBytes)
}
