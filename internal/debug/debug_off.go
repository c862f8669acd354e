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

//go:build !debug

package debug

import "github.com/timandy/routine"

// Enabled is false in release builds.
const Enabled = false

// ThreadID returns an identifier for the calling OS-scheduled goroutine.
func ThreadID() int64 {
	return routine.Goid()
}

// Logf is a no-op in release builds.
func Logf(string, string, ...any) {}

// Assert is a no-op in release builds.
func Assert(bool, string, ...any) {}

// Value is replaced with an empty struct in release builds.
type Value[T any] struct{}

// Get panics: values are unavailable outside of debug builds.
func (v *Value[T]) Get() *T {
	panic("pandamem: debug.Value accessed outside of a debug build")
}
