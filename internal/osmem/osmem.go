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

// Package osmem is the OS memory facade (spec.md §4.1): it reserves,
// releases, and reports on raw anonymous address space, and wraps the
// system allocator for the MALLOC pool source. Every other package in
// this module that touches raw memory goes through here rather than
// calling unix/runtime facilities directly.
package osmem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// pageSize is resolved once at init and never changes afterwards,
// matching spec.md's "PageSize(): constant after init".
var pageSize = unix.Getpagesize()

// PageSize returns the OS page size in bytes.
func PageSize() int { return pageSize }

// roundUpPow2 rounds n up to the next multiple of align, align a power of two.
func roundUpPow2(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// MapAnonymousAligned reserves and commits size bytes of anonymous memory
// aligned to alignment. alignment must be a power of two no smaller than
// the page size, and size must be a multiple of the page size. Returns nil
// on failure rather than an error, per spec.md §7's "allocators return
// null on routine failure" policy.
func MapAnonymousAligned(size, alignment int) []byte {
	if size <= 0 || size%pageSize != 0 {
		return nil
	}
	if alignment < pageSize || alignment&(alignment-1) != 0 {
		return nil
	}

	// Over-map by alignment so there is always room to find an aligned
	// sub-region, then trim the slack on either side.
	raw, err := unix.Mmap(-1, 0, size+alignment, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil
	}

	base := uintptr(unsafe.Pointer(unsafe.SliceData(raw)))
	aligned := (base + uintptr(alignment) - 1) &^ (uintptr(alignment) - 1)
	lead := int(aligned - base)

	if lead > 0 {
		if err := unix.Munmap(raw[:lead]); err != nil {
			_ = unix.Munmap(raw)
			return nil
		}
	}
	trail := len(raw) - lead - size
	if trail > 0 {
		if err := unix.Munmap(raw[lead+size:]); err != nil {
			_ = unix.Munmap(raw[lead : lead+size])
			return nil
		}
	}

	return raw[lead : lead+size]
}

// MapAnonymousFixed maps size bytes at the fixed address at, used to pin
// the object heap within a 32-bit-addressable range (spec.md §4.1). at
// must already be page-aligned. The higher-level unix.Mmap wrapper has no
// way to request a fixed address, so this issues the mmap(2) syscall
// directly, as the MAP_FIXED contract requires.
func MapAnonymousFixed(at uintptr, size int) []byte {
	if size <= 0 || size%pageSize != 0 || at%uintptr(pageSize) != 0 {
		return nil
	}

	addr, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		at,
		uintptr(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_FIXED,
		^uintptr(0), // fd = -1
		0,
	)
	if errno != 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

// UnmapRaw unmaps a region previously returned by MapAnonymousAligned or
// MapAnonymousFixed.
func UnmapRaw(region []byte) error {
	if len(region) == 0 {
		return nil
	}
	if err := unix.Munmap(region); err != nil {
		return fmt.Errorf("pandamem: munmap: %w", err)
	}
	return nil
}

// ReleasePages hints the OS that the byte range [from, to) is no longer
// needed without unmapping it, so that physical pages can be reclaimed
// while the virtual reservation is kept intact (spec.md §4.1, used by the
// humongous allocator to trim slack in a reused pool).
func ReleasePages(region []byte, from, to int) {
	if from >= to || from < 0 || to > len(region) {
		return
	}
	_ = unix.Madvise(region[from:to], unix.MADV_DONTNEED)
}

// AlignedAlloc allocates size bytes aligned to alignment, for use by the
// MALLOC pool source, which has no mmap-backed reservation to slice up.
func AlignedAlloc(size, alignment int) []byte {
	if size <= 0 || alignment <= 0 || alignment&(alignment-1) != 0 {
		return nil
	}
	buf := make([]byte, size+alignment)
	base := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	aligned := (base + uintptr(alignment) - 1) &^ (uintptr(alignment) - 1)
	off := int(aligned - base)
	return buf[off : off+size : off+size]
}

// AlignedFree is a no-op: Go's garbage collector reclaims the backing
// array of slices returned by AlignedAlloc once unreferenced. It exists
// so that MALLOC-pool-source code can pair Alloc/Free calls symmetrically
// with the MMAP source, matching spec.md §4.1's listed operation pair.
func AlignedFree([]byte) {}
