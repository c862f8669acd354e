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

// Package mutator supplies the per-thread local state spec.md §1 says is
// provided by an external scheduler: the active TLAB, the current frame
// stack, and whatever else a mutator thread needs attached to it. Each
// kind of state gets its own [Registry], keyed by the calling
// goroutine's id via github.com/timandy/routine, since Go has no native
// OS-thread-local storage and a managed mutator is modeled here as one
// goroutine cooperating with the allocators it calls into.
package mutator

import (
	"github.com/timandy/routine"

	"github.com/pandamem/core/internal/xsync"
)

// ID identifies the calling goroutine, standing in for the OS thread id
// the original scheduler hands allocator code.
func ID() int64 { return routine.Goid() }

// Registry is a per-goroutine slot for a value of type T. TLAB
// registration, per-thread frame stacks, and similar mutator-local state
// each get their own Registry instance (SPEC_FULL.md §3, domain stack).
// Every operation touches exactly one goroutine's own key, so the
// per-key atomicity [xsync.Map] gets from sync.Map is all this needs —
// no registry operation spans more than one entry.
type Registry[T any] struct {
	m xsync.Map[int64, T]
}

// NewRegistry creates an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{}
}

// Set installs v as the calling goroutine's value.
func (r *Registry[T]) Set(v T) {
	r.m.Store(routine.Goid(), v)
}

// Get returns the calling goroutine's value, if any.
func (r *Registry[T]) Get() (T, bool) {
	return r.m.Load(routine.Goid())
}

// Clear removes the calling goroutine's value.
func (r *Registry[T]) Clear() {
	r.m.Delete(routine.Goid())
}

// Len reports how many goroutines currently have a registered value.
// Used by tests and diagnostics; not on any allocation fast path.
func (r *Registry[T]) Len() int {
	n := 0
	for range r.m.All() {
		n++
	}
	return n
}
