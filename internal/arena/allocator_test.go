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

package arena_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pandamem/core/internal/arena"
)

// fakeSource hands out arenas backed by plain Go byte slices, standing
// in for a pool source in allocator-only tests.
type fakeSource struct {
	freed int
}

func (f *fakeSource) AllocArena(size int) *arena.Arena {
	return arena.New(make([]byte, size))
}

func (f *fakeSource) FreeArena(*arena.Arena) { f.freed++ }

// TestArenaResizeWrapperScope is scenario S2.
func TestArenaResizeWrapperScope(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	alloc := arena.NewAllocator(src, arena.DefaultArenaSize)

	marker := arena.New(alloc, uint64(0xdeadbeef))

	before := alloc.GetAllocatedSize()
	func() {
		scope := arena.NewResizeScope(alloc)
		defer scope.Close()

		for i := 0; i < 1000; i++ {
			arena.New(alloc, uint64(i))
		}
	}()

	assert.Equal(t, before, alloc.GetAllocatedSize())
	assert.EqualValues(t, 0xdeadbeef, *marker)
}

func TestAllocatorGrowsArenaStack(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	alloc := arena.NewAllocator(src, 64)

	p1 := alloc.Alloc(64, 1)
	require.NotNil(t, p1)
	p2 := alloc.Alloc(64, 1)
	require.NotNil(t, p2)

	assert.Equal(t, 128, alloc.GetAllocatedSize())
}

func TestAllocatorOOMHandler(t *testing.T) {
	t.Parallel()

	src := &exhaustingSource{limit: 1}
	alloc := arena.NewAllocator(src, 64)

	calls := 0
	alloc.SetOOMHandler(func(int) bool {
		calls++
		return false
	})

	p := alloc.Alloc(64, 1)
	require.NotNil(t, p)

	p2 := alloc.Alloc(64, 1)
	assert.Nil(t, p2)
	assert.Equal(t, 1, calls)
}

type exhaustingSource struct {
	limit   int
	granted int
}

func (s *exhaustingSource) AllocArena(size int) *arena.Arena {
	if s.granted >= s.limit {
		return nil
	}
	s.granted++
	return arena.New(make([]byte, size))
}

func (s *exhaustingSource) FreeArena(*arena.Arena) {}

func TestAllocatorResizeFreesWholeArenas(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	// Arena size exactly fits one uint64, so each New call forces a new
	// arena onto the stack.
	alloc := arena.NewAllocator(src, 8)

	arena.New(alloc, uint64(1))
	arena.New(alloc, uint64(2))
	arena.New(alloc, uint64(3))
	require.Equal(t, 24, alloc.GetAllocatedSize())

	alloc.Resize(8) // one size_t's worth
	assert.Equal(t, 8, alloc.GetAllocatedSize())
	assert.Equal(t, 2, src.freed)
}

// expandingSource hands out one arena over a single backing buffer and
// implements [arena.ArenaExpander] by widening that same buffer, standing
// in for a pool source whose bump cursor still has room past an arena's
// current end.
type expandingSource struct {
	backing  []byte
	used     int
	expanded int
}

func (s *expandingSource) AllocArena(size int) *arena.Arena {
	if s.used+size > len(s.backing) {
		return nil
	}
	a := arena.New(s.backing[s.used : s.used+size])
	s.used += size
	return a
}

func (s *expandingSource) FreeArena(*arena.Arena) {}

func (s *expandingSource) ExpandArena(a *arena.Arena, extra int) bool {
	if s.used+extra > len(s.backing) {
		return false
	}
	a.ExpandArena(s.backing[s.used : s.used+extra])
	s.used += extra
	s.expanded++
	return true
}

// TestAllocatorExpandsArenaInPlaceBeforeRequestingANewOne covers the
// ArenaExpander fast path: a source that can grow the head arena in place
// is preferred over linking a second arena onto the stack.
func TestAllocatorExpandsArenaInPlaceBeforeRequestingANewOne(t *testing.T) {
	t.Parallel()

	src := &expandingSource{backing: make([]byte, 256)}
	alloc := arena.NewAllocator(src, 64)

	p1 := alloc.Alloc(64, 1)
	require.NotNil(t, p1)

	p2 := alloc.Alloc(64, 1)
	require.NotNil(t, p2)

	assert.Equal(t, 1, src.expanded, "the head arena should grow in place")
	assert.Equal(t, 128, alloc.GetAllocatedSize(), "one arena grown in place, not two linked")
}

func TestArrayRoundTrip(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	alloc := arena.NewAllocator(src, arena.DefaultArenaSize)

	p := arena.NewArray[uint32](alloc, 16)
	require.NotNil(t, p)
	assert.Equal(t, 16, arena.ArrayLen(p))
}
