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

// Package stats implements the MemStats callback spec.md §6 names but
// leaves unspecified: a statistics object the four raw-memory
// allocators (poolsrc, runslots, freelist, humongous) update on every
// alloc/free, tagged by which space and allocator kind the memory came
// from and what size class it was requested at.
package stats

import (
	"sort"
	"sync/atomic"

	"github.com/pandamem/core/internal/poolmap"
	"github.com/pandamem/core/internal/sync2"
	"github.com/pandamem/core/internal/xsync"
)

// Mean tracks an average statistic.
//
// The zero value is ready to use. Concurrent writes are safe, but calling
// [Mean.Get] concurrently with other operations may result in torn reads (and
// thus inaccuracy).
type Mean struct {
	total, samples sync2.AtomicFloat64
}

// Record records a sample.
func (m *Mean) Record(sample float64) {
	m.total.Add(sample)
	m.samples.Add(1)
}

// Get returns the mean value of this statistic.
func (m *Mean) Get() float64 {
	total, samples := m.total.Load(), m.samples.Load()
	if samples == 0 {
		return 0
	}
	return total / samples
}

// Merge adds all of the samples from that to m.
func (m *Mean) Merge(that *Mean) {
	m.total.Add(that.total.Load())
	m.samples.Add(that.samples.Load())
}

// Key identifies one traffic class a [Stats] hook tracks: which pool
// space the memory lives in, which allocator kind served it, and the
// size class (slot size, bucket, or pool size, depending on the caller)
// the request was made at.
type Key struct {
	Space         poolmap.Space
	AllocatorKind poolmap.Kind
	SizeClass     int
}

// Counter is the running state kept for one [Key]: the live byte count
// (sum of every delta recorded for the key) alongside a mean and
// median of the allocation sizes (the positive deltas) seen for it, so
// a snapshot can report both the current footprint and the shape of
// the requests that produced it.
type Counter struct {
	live  atomic.Int64
	count atomic.Int64
	mean  Mean
	med   *Median
}

func newCounter() *Counter {
	return &Counter{med: NewMedian(256)}
}

func (c *Counter) record(delta int64) {
	c.live.Add(delta)
	if delta > 0 {
		c.count.Add(1)
		c.mean.Record(float64(delta))
		c.med.Record(float64(delta))
	}
}

// Entry is one [Key]'s state as of a [Stats.Snapshot] call.
type Entry struct {
	Key
	LiveBytes       int64
	AllocCount      int64
	MeanAllocSize   float64
	MedianAllocSize float64
}

// Stats is a process-wide MemStats hook. The zero value is ready to
// use; every allocator that shares a Stats instance contributes to the
// same per-Key counters, so a heap manager composing several
// allocators over one object space sees one combined view of it.
type Stats struct {
	byKey xsync.Map[Key, *Counter]
}

// New creates an empty statistics hook.
func New() *Stats { return &Stats{} }

// Record updates the counter for (space, allocatorKind, sizeClass) by
// delta bytes: positive on an allocation, negative on a free. Called
// on every raw alloc/free by the allocator that owns the memory.
func (s *Stats) Record(space poolmap.Space, allocatorKind poolmap.Kind, sizeClass int, delta int64) {
	key := Key{Space: space, AllocatorKind: allocatorKind, SizeClass: sizeClass}
	c, _ := s.byKey.LoadOrStore(key, newCounter)
	c.record(delta)
}

// Snapshot returns one [Entry] per traffic class Record has ever been
// called with, sorted for deterministic reporting. Get on the
// underlying median is documented as unsafe to call concurrently with
// Record, so a snapshot taken while allocators are still running
// concurrently may observe a torn median for a key still being
// written to.
func (s *Stats) Snapshot() []Entry {
	var out []Entry
	for key, c := range s.byKey.All() {
		out = append(out, Entry{
			Key:             key,
			LiveBytes:       c.live.Load(),
			AllocCount:      c.count.Load(),
			MeanAllocSize:   c.mean.Get(),
			MedianAllocSize: c.med.Get(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key, out[j].Key
		switch {
		case a.Space != b.Space:
			return a.Space < b.Space
		case a.AllocatorKind != b.AllocatorKind:
			return a.AllocatorKind < b.AllocatorKind
		default:
			return a.SizeClass < b.SizeClass
		}
	})
	return out
}
