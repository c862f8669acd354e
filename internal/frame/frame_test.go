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

package frame_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pandamem/core/internal/arena"
	"github.com/pandamem/core/internal/frame"
)

// fakeSource hands out plain Go-backed arenas and counts allocations and
// frees, standing in for a pool source in frame-allocator-only tests.
type fakeSource struct {
	allocated int
	freed     int
}

func (f *fakeSource) AllocArena(size int) *arena.Arena {
	f.allocated++
	return arena.New(make([]byte, size))
}

func (f *fakeSource) FreeArena(*arena.Arena) { f.freed++ }

// TestFrameLIFO is scenario S6: frames must be released in exactly the
// reverse order they were allocated.
func TestFrameLIFO(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	a := frame.NewAllocator(src)

	p1 := a.Alloc(64)
	require.NotNil(t, p1)
	p2 := a.Alloc(64)
	require.NotNil(t, p2)
	p3 := a.Alloc(64)
	require.NotNil(t, p3)

	assert.True(t, a.Contains(p1))
	assert.True(t, a.Contains(p2))
	assert.True(t, a.Contains(p3))

	a.Free(p3)
	a.Free(p2)
	a.Free(p1)

	assert.False(t, a.Contains(p1))
}

// TestFrameGrowsAcrossArenas forces enough allocations to outgrow the
// first arena and confirms the stack still behaves as one contiguous
// LIFO region across the arena boundary.
func TestFrameGrowsAcrossArenas(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	a := frame.NewAllocator(src)

	var ptrs []*byte
	for i := 0; i < 4096; i++ {
		p := a.Alloc(256)
		require.NotNil(t, p)
		ptrs = append(ptrs, p)
	}

	for i := len(ptrs) - 1; i >= 0; i-- {
		assert.True(t, a.Contains(ptrs[i]))
		a.Free(ptrs[i])
	}
}

// TestFrameCachesEmptyArenaForReuse checks that popping back off a
// freshly grown arena allows the next push to reuse it without
// requesting a new one from the source.
func TestFrameCachesEmptyArenaForReuse(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	a := frame.NewAllocator(src)

	p1 := a.Alloc(frame.FirstArenaSize)
	require.NotNil(t, p1)
	p2 := a.Alloc(64) // forces a second arena
	require.NotNil(t, p2)

	a.Free(p2) // empties and retreats off the second arena

	before := src.freed
	allocsBefore := src.allocated
	p3 := a.Alloc(64) // should reuse the cached second arena, not grow again
	require.NotNil(t, p3)
	assert.Equal(t, before, src.freed)
	assert.Equal(t, allocsBefore, src.allocated)

	a.Free(p3)
	a.Free(p1)
}

// TestFrameEvictsBeyondThreshold confirms that once more empty arenas
// pile up than MaxFreeArenasThreshold allows, the farthest one is
// returned to the source. Each allocation requests exactly its arena's
// scheduled capacity so it fully fills a fresh arena, forcing the stack
// to grow once per allocation instead of reusing leftover room.
func TestFrameEvictsBeyondThreshold(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	a := frame.NewAllocator(src)

	n := frame.MaxFreeArenasThreshold + 2
	var ptrs []*byte
	for i := 0; i < n; i++ {
		size := frame.FirstArenaSize + i*frame.ArenaSizeGrewLevel
		p := a.Alloc(size)
		require.NotNil(t, p)
		ptrs = append(ptrs, p)
	}

	for i := len(ptrs) - 1; i >= 0; i-- {
		a.Free(ptrs[i])
	}

	assert.Positive(t, src.freed)
}
