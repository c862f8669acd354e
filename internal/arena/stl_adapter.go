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

package arena

import (
	"unsafe"

	"github.com/pandamem/core/internal/xunsafe"
	"github.com/pandamem/core/internal/xunsafe/layout"
)

func unsafeSlice[T any](p *byte, n int) []T {
	return unsafe.Slice(xunsafe.Cast[T](p), n)
}

// STLAdapter lets a generic container (the Go analogue of a C++ STL
// container) allocate its backing storage out of an [Allocator], per
// spec.md §4.6's "STL-style adapter". Deallocate is a no-op: arenas are
// only ever freed in bulk, via [Allocator.Resize] or destruction.
type STLAdapter[T any] struct {
	A *Allocator
}

// Allocate returns a freshly allocated slice of n zero-valued T, backed by
// the adapter's arena allocator.
func (s STLAdapter[T]) Allocate(n int) []T {
	if n == 0 {
		return nil
	}
	l := layout.Of[T]()
	p := s.A.Alloc(l.Size*n, l.Align)
	if p == nil {
		return nil
	}
	return unsafeSlice[T](p, n)
}

// Deallocate is a no-op: the adapter never frees individual allocations,
// only the whole arena stack at once (spec.md §4.6).
func (s STLAdapter[T]) Deallocate([]T) {}
