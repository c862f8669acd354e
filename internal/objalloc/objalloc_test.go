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

package objalloc_test

import (
	"testing"
	"unsafe"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pandamem/core/internal/arena"
	"github.com/pandamem/core/internal/freelist"
	"github.com/pandamem/core/internal/humongous"
	"github.com/pandamem/core/internal/objalloc"
	"github.com/pandamem/core/internal/poolmap"
	"github.com/pandamem/core/internal/poolsrc"
	"github.com/pandamem/core/internal/pygote"
	"github.com/pandamem/core/internal/runslots"
	"github.com/pandamem/core/internal/tlab"
)

type fakeSource struct{}

func (f *fakeSource) AllocPool(size int, space poolmap.Space, kind poolmap.Kind, header uuid.UUID, hasHeader bool) *poolsrc.Pool {
	mem := make([]byte, size)
	return &poolsrc.Pool{Addr: uintptr(unsafe.Pointer(&mem[0])), Mem: mem, Size: size, Space: space, Kind: kind}
}

func (f *fakeSource) FreePool(*poolsrc.Pool) {}
func (f *fakeSource) AllocArena(int, poolmap.Space, poolmap.Kind, uuid.UUID, bool) *arena.Arena {
	return nil
}
func (f *fakeSource) FreeArena(*arena.Arena) {}
func (f *fakeSource) PoolMap() *poolmap.Map  { return nil }

func newNonGenerational() *objalloc.NonGenerational {
	src := &fakeSource{}
	rs := runslots.NewAllocator(src, poolmap.Object, uuid.Nil, false, runslots.DefaultRunSize)
	fl := freelist.NewAllocator(src, poolmap.Object, uuid.Nil, false, 257, 1<<16, 64, 1<<20)
	hg := humongous.NewAllocator(src, poolmap.HumongousObject, uuid.Nil, false, 4096, 2<<30, 4, 1<<20)
	return objalloc.NewNonGenerational(rs, fl, hg)
}

func TestNonGenerationalDispatchesBySize(t *testing.T) {
	t.Parallel()

	a := newNonGenerational()

	small := a.Allocate(16, 8)
	medium := a.Allocate(1000, 8)
	large := a.Allocate(1<<20, 8)

	require.NotNil(t, small)
	require.NotNil(t, medium)
	require.NotNil(t, large)

	var seen []*byte
	a.IterateOverObjects(func(addr *byte) { seen = append(seen, addr) })
	assert.ElementsMatch(t, []*byte{small, medium, large}, seen)
}

func TestNonGenerationalCollectFreesDeadObjects(t *testing.T) {
	t.Parallel()

	a := newNonGenerational()
	p := a.Allocate(16, 8)
	require.NotNil(t, p)

	a.Collect(func(addr *byte) bool { return addr == p })

	var seen []*byte
	a.IterateOverObjects(func(addr *byte) { seen = append(seen, addr) })
	assert.Empty(t, seen)
}

func TestNonGenerationalPreforkAllocationsComeFromPygoteFrontEnd(t *testing.T) {
	t.Parallel()

	a := newNonGenerational()
	src := &fakeSource{}
	rs := runslots.NewAllocator(src, poolmap.NonMovableObject, uuid.Nil, false, runslots.DefaultRunSize)
	pg := pygote.NewAllocator(rs)
	a.SetPygote(pg)

	p := a.Allocate(16, 8)
	require.NotNil(t, p)
	assert.True(t, pg.ContainObject(p), "a pre-fork request must be served by the pygote front-end")
}

func TestNonGenerationalFallsBackToTheRegularTiersOncePygoteHasForked(t *testing.T) {
	t.Parallel()

	a := newNonGenerational()
	src := &fakeSource{}
	rs := runslots.NewAllocator(src, poolmap.NonMovableObject, uuid.Nil, false, runslots.DefaultRunSize)
	pg := pygote.NewAllocator(rs)
	a.SetPygote(pg)

	arenaSrc := &fakeArenaSource{}
	pg.BeginFork(arenaSrc)
	pg.CompleteFork()

	p := a.Allocate(16, 8)
	require.NotNil(t, p)
	assert.False(t, pg.ContainObject(p), "once forked, pygote must reject the allocation and fall through")
}

type fakeArenaSource struct{}

func (f *fakeArenaSource) AllocArena(size int) *arena.Arena { return arena.New(make([]byte, size)) }
func (f *fakeArenaSource) FreeArena(*arena.Arena)           {}

func newGenerational(t *testing.T) *objalloc.Generational {
	t.Helper()
	src := &fakeSource{}

	youngMem := make([]byte, 64<<10)
	young := tlab.NewAllocator(youngMem, 4)

	tenuredRS := runslots.NewAllocator(src, poolmap.Object, uuid.Nil, false, runslots.DefaultRunSize)
	tenuredFL := freelist.NewAllocator(src, poolmap.Object, uuid.Nil, false, 257, 1<<16, 64, 1<<20)
	hg := humongous.NewAllocator(src, poolmap.HumongousObject, uuid.Nil, false, 4096, 2<<30, 4, 1<<20)
	nonMovRS := runslots.NewAllocator(src, poolmap.NonMovableObject, uuid.Nil, false, runslots.DefaultRunSize)
	nonMovFL := freelist.NewAllocator(src, poolmap.NonMovableObject, uuid.Nil, false, 257, 1<<16, 64, 1<<20)

	return objalloc.NewGenerational(young, 4<<10, tenuredRS, tenuredFL, hg, nonMovRS, nonMovFL)
}

func TestGenerationalRoutesSmallRequestsToYoungSpace(t *testing.T) {
	t.Parallel()

	a := newGenerational(t)

	p := a.Allocate(64, 8)
	require.NotNil(t, p)
	assert.True(t, a.IsAddressInYoungSpace(p))

	start, end := a.GetYoungSpaceMemRange()
	addr := uintptr(unsafe.Pointer(p))
	assert.GreaterOrEqual(t, addr, start)
	assert.Less(t, addr, end)
}

func TestGenerationalRoutesLargeRequestsPastYoungSpace(t *testing.T) {
	t.Parallel()

	a := newGenerational(t)

	p := a.Allocate(1<<20, 8)
	require.NotNil(t, p)
	assert.False(t, a.IsAddressInYoungSpace(p))
}

func TestGenerationalAllocateNonMovableUsesSeparateTiers(t *testing.T) {
	t.Parallel()

	a := newGenerational(t)

	p := a.AllocateNonMovable(16, 8)
	require.NotNil(t, p)
	assert.True(t, a.ContainObject(p))
	assert.False(t, a.IsAddressInYoungSpace(p))
}

func TestGenerationalResetYoungAllocatorClearsYoungObjects(t *testing.T) {
	t.Parallel()

	a := newGenerational(t)
	p := a.Allocate(64, 8)
	require.NotNil(t, p)

	var before []*byte
	a.IterateOverYoungObjects(func(addr *byte, _ int) { before = append(before, addr) })
	require.Len(t, before, 1)

	a.ResetYoungAllocator()

	var after []*byte
	a.IterateOverYoungObjects(func(addr *byte, _ int) { after = append(after, addr) })
	assert.Empty(t, after)
}

func TestGenerationalCollectTenuredLeavesYoungUntouched(t *testing.T) {
	t.Parallel()

	a := newGenerational(t)
	young := a.Allocate(64, 8)
	tenured := a.Allocate(1<<20, 8)
	require.NotNil(t, young)
	require.NotNil(t, tenured)

	a.Collect(func(addr *byte) bool { return true }, objalloc.CollectTenured)

	assert.True(t, a.IsAddressInYoungSpace(young))
	assert.False(t, a.ContainObject(tenured))
}
