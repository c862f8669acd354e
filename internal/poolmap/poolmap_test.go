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

package poolmap_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pandamem/core/internal/poolmap"
)

const granularity = 256 << 10

func TestAddLookupRemove(t *testing.T) {
	t.Parallel()

	m := poolmap.New(0x1000_0000, granularity, 64)
	header := uuid.New()
	m.AddPool(0x1000_0000, granularity*4, poolmap.Object, poolmap.KindBump, header, true)

	for off := 0; off < 4; off++ {
		addr := uintptr(0x1000_0000 + off*granularity + 123)
		info := m.Lookup(addr)
		assert.Equal(t, poolmap.Object, info.Space)
		assert.Equal(t, poolmap.KindBump, info.Kind)
		assert.Equal(t, header, info.Header)
		assert.EqualValues(t, 0x1000_0000, info.PoolStart)
	}

	assert.EqualValues(t, 0x1000_0000, m.PoolStartOf(0x1000_0000+3*granularity+77))

	m.RemovePool(0x1000_0000, granularity*4)
	_, ok := m.TryLookup(0x1000_0000 + 123)
	assert.False(t, ok)
}

func TestLookupOutsideLivePoolIsUndefined(t *testing.T) {
	t.Parallel()

	m := poolmap.New(0x2000_0000, granularity, 8)
	_, ok := m.TryLookup(0x2000_0000 + 5*granularity)
	assert.False(t, ok)
}

func TestLookupFatalOnMissingEntry(t *testing.T) {
	t.Parallel()

	m := poolmap.New(0x3000_0000, granularity, 4)
	assert.Panics(t, func() { m.Lookup(0x3000_0000) })
}

func TestAddPoolRejectsOverlap(t *testing.T) {
	t.Parallel()

	m := poolmap.New(0x4000_0000, granularity, 8)
	m.AddPool(0x4000_0000, granularity*2, poolmap.Internal, poolmap.KindArena, uuid.Nil, false)
	require.Panics(t, func() {
		m.AddPool(0x4000_0000+granularity, granularity, poolmap.Internal, poolmap.KindArena, uuid.Nil, false)
	})
}
