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

package internalalloc_test

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pandamem/core/internal/arena"
	"github.com/pandamem/core/internal/freelist"
	"github.com/pandamem/core/internal/humongous"
	"github.com/pandamem/core/internal/internalalloc"
	"github.com/pandamem/core/internal/poolmap"
	"github.com/pandamem/core/internal/poolsrc"
	"github.com/pandamem/core/internal/runslots"
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

func newPandaAllocators() *internalalloc.PandaAllocators {
	src := &fakeSource{}
	rs := runslots.NewAllocator(src, poolmap.Internal, uuid.Nil, false, runslots.DefaultRunSize)
	fl := freelist.NewAllocator(src, poolmap.Internal, uuid.Nil, false, 257, 1<<16, 64, 1<<20)
	hg := humongous.NewAllocator(src, poolmap.Internal, uuid.Nil, false, 4096, 2<<30, 4, 1<<20)
	return internalalloc.NewPandaAllocators(rs, fl, hg)
}

func TestPandaAllocatorsRoutesFreeToTheTierThatServedIt(t *testing.T) {
	t.Parallel()

	a := newPandaAllocators()

	small := a.Alloc(16, 8)
	medium := a.Alloc(1000, 8)
	large := a.Alloc(1 << 20, 8)
	require.NotNil(t, small)
	require.NotNil(t, medium)
	require.NotNil(t, large)

	assert.NotPanics(t, func() {
		a.Free(small)
		a.Free(medium)
		a.Free(large)
	})
}

func TestMallocAllocatorTracksOutstandingBytes(t *testing.T) {
	t.Parallel()

	m := internalalloc.NewMallocAllocator()
	assert.Zero(t, m.AllocatedBytes())

	p := m.Alloc(128, 8)
	require.NotNil(t, p)
	assert.EqualValues(t, 128, m.AllocatedBytes())

	q := m.Alloc(256, 8)
	require.NotNil(t, q)
	assert.EqualValues(t, 384, m.AllocatedBytes())

	m.Free(p)
	assert.EqualValues(t, 256, m.AllocatedBytes())

	m.Free(q)
	assert.Zero(t, m.AllocatedBytes())
}

func TestMallocAllocatorRespectsAlignment(t *testing.T) {
	t.Parallel()

	m := internalalloc.NewMallocAllocator()
	for _, align := range []int{8, 16, 32, 64} {
		p := m.Alloc(24, align)
		require.NotNil(t, p)
		assert.Zero(t, uintptr(unsafe.Pointer(p))%uintptr(align))
	}
}

func TestInternalAllocSharesOneAllocatorAcrossGoroutines(t *testing.T) {
	t.Parallel()

	shared := internalalloc.NewMallocAllocator()
	in := internalalloc.NewInternal(shared, func() internalalloc.Allocator { return internalalloc.NewMallocAllocator() })

	var wg sync.WaitGroup
	ptrs := make(chan *byte, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ptrs <- in.Alloc(64, 8)
		}()
	}
	wg.Wait()
	close(ptrs)

	var seen []*byte
	for p := range ptrs {
		require.NotNil(t, p)
		seen = append(seen, p)
	}
	assert.Len(t, seen, 8)
	assert.EqualValues(t, 8*64, shared.AllocatedBytes())
}

func TestInternalAllocLocalGivesEachGoroutineItsOwnAllocator(t *testing.T) {
	t.Parallel()

	shared := internalalloc.NewMallocAllocator()
	var built int32
	var mu sync.Mutex
	in := internalalloc.NewInternal(shared, func() internalalloc.Allocator {
		mu.Lock()
		built++
		mu.Unlock()
		return internalalloc.NewMallocAllocator()
	})

	p := in.AllocLocal(32, 8)
	require.NotNil(t, p)
	q := in.AllocLocal(32, 8)
	require.NotNil(t, q)

	mu.Lock()
	defer mu.Unlock()
	assert.EqualValues(t, 1, built, "the same goroutine must reuse its local allocator across calls")
	assert.Zero(t, shared.AllocatedBytes(), "AllocLocal must never touch the shared allocator")
}

type point struct{ x, y int64 }

func TestNewAndDeleteRoundTripAValue(t *testing.T) {
	t.Parallel()

	a := internalalloc.NewMallocAllocator()
	p := internalalloc.New(a, point{x: 3, y: 4})
	require.NotNil(t, p)
	assert.Equal(t, point{x: 3, y: 4}, *p)

	assert.NotPanics(t, func() { internalalloc.Delete(a, p) })
}

func TestNewArrayRecordsLengthAndDeleteArrayReleasesIt(t *testing.T) {
	t.Parallel()

	a := internalalloc.NewMallocAllocator()
	const n = 5
	arr := internalalloc.NewArray[point](a, n)
	require.NotNil(t, arr)
	assert.Equal(t, n, internalalloc.ArrayLen(arr))

	before := a.AllocatedBytes()
	assert.Positive(t, before)

	assert.NotPanics(t, func() { internalalloc.DeleteArray(a, arr) })
	assert.Zero(t, a.AllocatedBytes())
}
