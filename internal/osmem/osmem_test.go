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

package osmem_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pandamem/core/internal/osmem"
)

func TestMapAnonymousAligned(t *testing.T) {
	t.Parallel()

	for _, align := range []int{osmem.PageSize(), osmem.PageSize() * 2, osmem.PageSize() * 16} {
		region := osmem.MapAnonymousAligned(osmem.PageSize()*4, align)
		require.NotNil(t, region)
		assert.Len(t, region, osmem.PageSize()*4)

		addr := uintptr(unsafe.Pointer(unsafe.SliceData(region)))
		assert.Zero(t, addr%uintptr(align))

		// Usable: write and read back the full range.
		for i := range region {
			region[i] = byte(i)
		}
		for i := range region {
			assert.Equal(t, byte(i), region[i])
		}

		require.NoError(t, osmem.UnmapRaw(region))
	}
}

func TestMapAnonymousAlignedRejectsBadSize(t *testing.T) {
	t.Parallel()

	assert.Nil(t, osmem.MapAnonymousAligned(osmem.PageSize()+1, osmem.PageSize()))
	assert.Nil(t, osmem.MapAnonymousAligned(osmem.PageSize(), osmem.PageSize()-1))
}

func TestAlignedAlloc(t *testing.T) {
	t.Parallel()

	for _, align := range []int{8, 16, 64, 256} {
		buf := osmem.AlignedAlloc(1024, align)
		require.NotNil(t, buf)
		assert.Len(t, buf, 1024)
		addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
		assert.Zero(t, addr%uintptr(align))
	}
}

func TestReleasePages(t *testing.T) {
	t.Parallel()

	region := osmem.MapAnonymousAligned(osmem.PageSize()*4, osmem.PageSize())
	require.NotNil(t, region)
	defer osmem.UnmapRaw(region)

	// Must not panic or error visibly; it's advisory.
	osmem.ReleasePages(region, osmem.PageSize(), osmem.PageSize()*2)
}
