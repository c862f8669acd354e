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

package crossingmap_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pandamem/core/internal/crossingmap"
)

const (
	pageSize    = 4096
	granularity = 256 << 10
	region      = uintptr(64 << 20)
)

func newMap(t *testing.T) (*crossingmap.Map, uintptr) {
	t.Helper()
	m := crossingmap.New(pageSize, granularity)
	m.InitializeCrossingMapForMemory(region, 64<<20)
	return m, region
}

// TestFindFirstObjectAtPageBoundary is scenario S7(a).
func TestFindFirstObjectAtPageBoundary(t *testing.T) {
	t.Parallel()

	m, p := newMap(t)
	m.AddObject(p, 1)

	got, ok := m.FindFirstObject(p, p)
	require.True(t, ok)
	assert.Equal(t, p, got)

	_, ok = m.FindFirstObject(p+pageSize, p+pageSize)
	assert.False(t, ok)
}

// TestFindFirstObjectCrossesIntoNextPage is scenario S7(b)/(c).
func TestFindFirstObjectCrossesIntoNextPage(t *testing.T) {
	t.Parallel()

	m, p := newMap(t)
	m.AddObject(p, 2*pageSize)

	got, ok := m.FindFirstObject(p+pageSize, p+pageSize)
	require.True(t, ok)
	assert.Equal(t, p, got)

	m.RemoveObject(p, 2*pageSize, 0, false, 0, 0, false)

	_, ok = m.FindFirstObject(p+pageSize, p+pageSize)
	assert.False(t, ok)
}

// TestFindFirstObjectReturnsNextObjectInIncreasingAddressOrder covers
// property #6: querying just past a live object returns either the next
// object or null.
func TestFindFirstObjectReturnsNextObjectInIncreasingAddressOrder(t *testing.T) {
	t.Parallel()

	m, p := newMap(t)
	const size = pageSize // ends exactly at the next page

	next := p + size

	m.AddObject(p, size)
	m.AddObject(next, 64)

	got, ok := m.FindFirstObject(p, p+size-1)
	require.True(t, ok)
	assert.Equal(t, p, got)

	got, ok = m.FindFirstObject(next, next)
	require.True(t, ok)
	assert.Equal(t, next, got)
}

// TestAddThenRemoveRestoresPriorState covers property #10: AddObject
// followed by RemoveObject (with correct next/prev) leaves the map
// indistinguishable from before.
func TestAddThenRemoveRestoresPriorState(t *testing.T) {
	t.Parallel()

	m, p := newMap(t)
	const prevSize = 3*pageSize + 8 // crosses 8 bytes into the fourth page

	m.AddObject(p, prevSize) // an earlier object crossing forward

	before, ok := m.FindFirstObject(p+3*pageSize, p+3*pageSize)
	require.True(t, ok)
	assert.Equal(t, p, before)

	obj := p + prevSize
	m.AddObject(obj, 8)
	m.RemoveObject(obj, 8, 0, false, p, prevSize, true)

	after, ok := m.FindFirstObject(p+3*pageSize, p+3*pageSize)
	require.True(t, ok)
	assert.Equal(t, p, after)

	// obj starts where p ends, on the page p crosses into (p reaches 8
	// bytes past that page's boundary), so that page still resolves back
	// to p, not to the now-removed object.
	got, ok := m.FindFirstObject(obj, obj)
	require.True(t, ok)
	assert.Equal(t, p, got)
}

// TestSmallObjectLeavesOnlyItsPageInitialised is the first half of
// property #15.
func TestSmallObjectLeavesOnlyItsPageInitialised(t *testing.T) {
	t.Parallel()

	m, p := newMap(t)
	m.AddObject(p, 32)

	got, ok := m.FindFirstObject(p, p)
	require.True(t, ok)
	assert.Equal(t, p, got)

	_, ok = m.FindFirstObject(p+pageSize, p+pageSize)
	assert.False(t, ok)
}

// TestObjectCrossingPageBoundaryMarksBothPages is the second half of
// property #15: an object starting 8 bytes before a page boundary and
// ending in the next page produces Initialised at the first page and
// CrossedBorder at the second (observable: both pages
// resolve FindFirstObject back to the object's start).
func TestObjectCrossingPageBoundaryMarksBothPages(t *testing.T) {
	t.Parallel()

	m, base := newMap(t)
	p := base + pageSize - 8 // starts 8 bytes before the page boundary
	m.AddObject(p, 16)       // ends 8 bytes into the next page

	got, ok := m.FindFirstObject(p, p)
	require.True(t, ok)
	assert.Equal(t, p, got)

	got, ok = m.FindFirstObject(base+pageSize, base+pageSize)
	require.True(t, ok)
	assert.Equal(t, p, got)
}

// TestThreeSequentialObjectsMiddleRemovalKeepsFirstReachable covers S7(d):
// three sequential objects, the first two each crossing into a following
// page and the third alone on its own page; removing the middle one must
// not disturb lookups that resolve back to the first.
func TestThreeSequentialObjectsMiddleRemovalKeepsFirstReachable(t *testing.T) {
	t.Parallel()

	m, base := newMap(t)

	first := base
	second := first + 3*pageSize
	third := base + 5*pageSize

	m.AddObject(first, 3*pageSize+1) // crosses into the second object's page
	m.AddObject(second, pageSize+8)  // starts in the crossed-into page, crosses further
	m.AddObject(third, 32)           // standalone, on its own page

	mid, ok := m.FindFirstObject(second, second)
	require.True(t, ok)
	assert.Equal(t, second, mid)

	m.RemoveObject(second, pageSize+8, third, true, first, 3*pageSize+1, true)

	got, ok := m.FindFirstObject(base+pageSize, base+pageSize)
	require.True(t, ok)
	assert.Equal(t, first, got)
}
