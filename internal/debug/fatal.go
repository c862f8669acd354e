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

package debug

import "fmt"

// FatalKind enumerates the process-terminating error kinds of spec.md §7.
// These all indicate corruption of an allocator's internal invariants, as
// opposed to routine allocation failure (which allocators report by
// returning nil).
type FatalKind string

const (
	InvalidFree             FatalKind = "InvalidFree"
	AllocatorNotInitialised FatalKind = "AllocatorNotInitialised"
	UnsupportedOperation    FatalKind = "UnsupportedOperation"
	LayoutOverflow          FatalKind = "LayoutOverflow"
	// PoolReservationFailed marks a construction-time failure to reserve a
	// pool source's backing address space, as opposed to routine
	// PoolExhausted (spec.md §7), which returns nil from AllocPool instead.
	PoolReservationFailed FatalKind = "PoolReservationFailed"
)

// Fatal panics with a structured message identifying the
// allocator, the space, and the failing size or address, per spec.md §7's
// "User-visible behaviour" clause: every non-OutOfMemory failure is fatal
// and carries this context.
func Fatal(kind FatalKind, allocator, space string, detail any) {
	panic(fmt.Sprintf("pandamem: fatal %s in allocator=%s space=%s: %v\n%s",
		kind, allocator, space, detail, Stack(2)))
}
