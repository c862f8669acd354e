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

// Package memconfig holds the process-wide byte budgets and tuning
// constants set once at startup (spec.md §4.2, §6). All getters assert
// initialisation; there is no concurrent mutation after Init.
package memconfig

import (
	"fmt"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/pandamem/core/internal/debug"
)

// PoolSourceKind selects which pool source backs the object heap.
type PoolSourceKind string

const (
	MMAP   PoolSourceKind = "mmap"
	MALLOC PoolSourceKind = "malloc"
)

// Options is the full set of configuration parameters from spec.md §6,
// loadable from a YAML document via [Load] or set directly via [Init].
type Options struct {
	ObjectPoolSize   int64          `yaml:"objectPoolSize"`
	InternalPoolSize int64          `yaml:"internalPoolSize"`
	CompilerPoolSize int64          `yaml:"compilerPoolSize"`
	CodePoolSize     int64          `yaml:"codePoolSize"`
	PoolSource       PoolSourceKind `yaml:"poolSource"`
	PoolGranularity  int            `yaml:"poolGranularity"`
	DefaultArenaSize int            `yaml:"defaultArenaSize"`
	// OnStackBufferSize is kept for config-shape parity with spec.md §6;
	// the Go port has no on-stack inline arena buffer (SPEC_FULL.md §7.3),
	// so this field is accepted but never consulted.
	OnStackBufferSize int    `yaml:"onStackBufferSize"`
	TLABSize          int    `yaml:"tlabSize"`
	TLABMaxAllocSize  int    `yaml:"tlabMaxAllocSize"`
	RunSlotsSize      int    `yaml:"runSlotsSize"`
	FreeListMinSize   int    `yaml:"freeListMinSize"`
	FreeListMaxSize   int    `yaml:"freeListMaxSize"`
	TargetUtilization float64 `yaml:"targetUtilization"`

	HumongousMaxObjectSize      int64 `yaml:"humongousMaxObjectSize"`
	HumongousReservedCacheCount int   `yaml:"humongousReservedCacheCount"`
	HumongousReservedCacheMax   int64 `yaml:"humongousReservedCacheMax"`
}

// Default returns the default configuration documented in spec.md §6.
func Default() Options {
	return Options{
		ObjectPoolSize:    4 << 30, // 4 GiB
		InternalPoolSize:  256 << 20,
		CompilerPoolSize:  64 << 20,
		CodePoolSize:      64 << 20,
		PoolSource:        MMAP,
		PoolGranularity:   256 << 10,
		DefaultArenaSize:  1 << 20,
		OnStackBufferSize: 128 << 10,
		TLABSize:          4 << 10,
		TLABMaxAllocSize:  4 << 10,
		RunSlotsSize:      4 << 10,
		FreeListMinSize:   257,
		FreeListMaxSize:   1 << 16,
		TargetUtilization: 0.5,

		HumongousMaxObjectSize:      2 << 30, // 2 GiB, debug-mode ceiling
		HumongousReservedCacheCount: 4,
		HumongousReservedCacheMax:   16 << 20,
	}
}

// Validate checks the structural invariants spec.md §3/§6 place on these
// parameters: power-of-two granularities, non-negative budgets, a
// utilization target in [0, 1].
func (o Options) Validate() error {
	switch {
	case o.ObjectPoolSize <= 0:
		return fmt.Errorf("pandamem: ObjectPoolSize must be positive")
	case o.InternalPoolSize < 0 || o.CompilerPoolSize < 0 || o.CodePoolSize < 0:
		return fmt.Errorf("pandamem: pool budgets must be non-negative")
	case o.PoolGranularity <= 0 || o.PoolGranularity&(o.PoolGranularity-1) != 0:
		return fmt.Errorf("pandamem: PoolGranularity must be a power of two")
	case o.RunSlotsSize <= 0 || o.RunSlotsSize&(o.RunSlotsSize-1) != 0:
		return fmt.Errorf("pandamem: RunSlotsSize must be a power of two")
	case o.PoolSource != MMAP && o.PoolSource != MALLOC:
		return fmt.Errorf("pandamem: PoolSource must be %q or %q", MMAP, MALLOC)
	case o.FreeListMinSize <= 0 || o.FreeListMaxSize <= o.FreeListMinSize:
		return fmt.Errorf("pandamem: FreeListMinSize/FreeListMaxSize out of range")
	case o.TargetUtilization < 0 || o.TargetUtilization > 1:
		return fmt.Errorf("pandamem: TargetUtilization must be in [0, 1]")
	case o.HumongousMaxObjectSize <= 0:
		return fmt.Errorf("pandamem: HumongousMaxObjectSize must be positive")
	case o.HumongousReservedCacheCount < 0:
		return fmt.Errorf("pandamem: HumongousReservedCacheCount must be non-negative")
	}
	return nil
}

// Load parses a YAML budget document into an [Options], starting from
// [Default] so that a document only needs to override what it changes.
func Load(doc []byte) (Options, error) {
	opts := Default()
	if err := yaml.Unmarshal(doc, &opts); err != nil {
		return Options{}, fmt.Errorf("pandamem: parsing memconfig: %w", err)
	}
	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

var (
	initialized atomic.Bool
	current     Options
)

// Init installs the process-wide configuration. Calling it twice is
// fatal (spec.md §7, AllocatorNotInitialised's counterpart for
// double-init), matching the pool manager's own double-init policy.
func Init(opts Options) {
	if !initialized.CompareAndSwap(false, true) {
		debug.Fatal(debug.AllocatorNotInitialised, "memconfig", "", "Init called twice")
	}
	current = opts
}

// Reset clears the singleton. Only safe between tests; production code
// never calls this.
func Reset() { initialized.Store(false) }

// assertInit panics if Init has not yet been called (spec.md §4.2, "all
// getters assert initialisation").
func assertInit() {
	if !initialized.Load() {
		debug.Fatal(debug.AllocatorNotInitialised, "memconfig", "", "read before Init")
	}
}

// Get returns the installed configuration, asserting it has been set.
func Get() Options {
	assertInit()
	return current
}
