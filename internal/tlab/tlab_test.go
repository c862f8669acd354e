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

package tlab_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pandamem/core/internal/tlab"
)

func TestBumpAllocSucceedsUntilItMeetsTLABArea(t *testing.T) {
	t.Parallel()

	mem := make([]byte, 1024)
	a := tlab.NewAllocator(mem, 4)

	p1 := a.Alloc(100, 1)
	require.NotNil(t, p1)
	p2 := a.Alloc(100, 1)
	require.NotNil(t, p2)
	assert.Equal(t, 200, a.Occupied())
}

func TestCreateNewTLABCarvesFromEnd(t *testing.T) {
	t.Parallel()

	mem := make([]byte, 4096)
	a := tlab.NewAllocator(mem, 2)

	tl := a.CreateNewTLAB(1024)
	require.NotNil(t, tl)
	assert.Equal(t, 1024, tl.Capacity())
	assert.Equal(t, 0, tl.Occupied())

	p := tl.Alloc(64)
	require.NotNil(t, p)
	assert.Equal(t, 64, tl.Occupied())
}

func TestTLABAllocNeverBlocksReturnsNilAtCapacity(t *testing.T) {
	t.Parallel()

	mem := make([]byte, 4096)
	a := tlab.NewAllocator(mem, 1)
	tl := a.CreateNewTLAB(128)
	require.NotNil(t, tl)

	require.NotNil(t, tl.Alloc(128))
	assert.Nil(t, tl.Alloc(1))
}

func TestCreateNewTLABRespectsMaxCount(t *testing.T) {
	t.Parallel()

	mem := make([]byte, 4096)
	a := tlab.NewAllocator(mem, 1)

	require.NotNil(t, a.CreateNewTLAB(64))
	assert.Nil(t, a.CreateNewTLAB(64))
}

func TestBumpAndTLABAreasCannotOverlap(t *testing.T) {
	t.Parallel()

	mem := make([]byte, 256)
	a := tlab.NewAllocator(mem, 4)

	require.NotNil(t, a.CreateNewTLAB(200))
	// Only 56 bytes remain between bump and TLAB cursors.
	assert.Nil(t, a.Alloc(100, 1))
	assert.NotNil(t, a.Alloc(50, 1))
}

func TestResetWipesBothRegions(t *testing.T) {
	t.Parallel()

	mem := make([]byte, 4096)
	a := tlab.NewAllocator(mem, 2)

	require.NotNil(t, a.Alloc(100, 1))
	require.NotNil(t, a.CreateNewTLAB(128))

	a.Reset()
	assert.Equal(t, 0, a.Occupied())
	assert.Empty(t, a.TLABs())
	assert.Equal(t, len(mem), a.FreeTLABBytes())
}

func TestCollectAndMoveVisitsObjectsAndTLABs(t *testing.T) {
	t.Parallel()

	mem := make([]byte, 4096)
	a := tlab.NewAllocator(mem, 2)

	require.NotNil(t, a.Alloc(32, 1))
	require.NotNil(t, a.Alloc(64, 1))
	require.NotNil(t, a.CreateNewTLAB(128))

	var seenSizes []int
	var seenTLABs int
	a.CollectAndMove(
		func(addr *byte, size int) { seenSizes = append(seenSizes, size) },
		func(tl *tlab.TLAB) { seenTLABs++ },
	)

	assert.Equal(t, []int{32, 64}, seenSizes)
	assert.Equal(t, 1, seenTLABs)
}

// TestABIOffsetsAreDistinctAndOrdered documents that cursor and end
// occupy fixed, increasing offsets within the TLAB header, which
// compiled mutator code depends on.
func TestABIOffsetsAreDistinctAndOrdered(t *testing.T) {
	t.Parallel()

	assert.Less(t, tlab.StartAddrOffset, tlab.FreePointerOffset)
	assert.Less(t, tlab.FreePointerOffset, tlab.EndAddrOffset)
}
