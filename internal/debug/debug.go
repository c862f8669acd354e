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

//go:build debug

// Package debug includes the structured diagnostics surface used by every
// allocator: a tag-keyed log (spec.md §6, "Diagnostics surface"), a debug-only
// assertion, and the goroutine-local id mutator code is keyed on.
package debug

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/timandy/routine"
)

// Enabled is true when this binary was built with the debug tag, which turns
// on the structured log below and debug-only assertions.
const Enabled = true

var (
	logPattern *regexp.Regexp
	nocapture  = flag.Bool("pandamem.nocapture", false, "accepted for compatibility; debug logs always go to stderr")
)

func init() {
	flag.Func("pandamem.filter", "regexp to filter debug logs by tag", func(s string) (err error) {
		logPattern, err = regexp.Compile(s)
		return err
	})
}

// ThreadID returns an identifier for the calling OS-scheduled goroutine.
//
// This stands in for the "per-thread local state" spec.md §1 says an
// external scheduler supplies; allocator components that need a stable key
// for thread-local structures (mutator TLABs, frame stacks) use this.
func ThreadID() int64 {
	return routine.Goid()
}

// Logf emits a structured diagnostic event tagged by component (one of
// "ALLOC", "MEMORYPOOL", "GC", "POOLMAP", ...), matching spec.md §6's
// diagnostics surface.
//
// It is a no-op unless built with the debug tag.
func Logf(tag, format string, args ...any) {
	skip := 2
	pc, file, line, _ := runtime.Caller(skip)

	fn := runtime.FuncForPC(pc)
	name := fn.Name()
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}

	file = filepath.Base(file)

	buf := new(strings.Builder)
	fmt.Fprintf(buf, "[%s] %s:%d g%d %s: ", tag, file, line, ThreadID(), name)
	fmt.Fprintf(buf, format, args...)

	msg := buf.String()
	if logPattern != nil && !logPattern.MatchString(msg) {
		return
	}

	if !*nocapture {
		fmt.Fprintln(os.Stderr, msg)
		return
	}

	fmt.Fprintln(os.Stderr, msg)
}

// Assert panics if cond is false. Only active in debug builds; release
// builds trust the invariant instead of paying for the check.
func Assert(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Errorf("pandamem: internal assertion failed: " + fmt.Sprintf(format, args...)))
	}
}

// Value is a value of type T that only exists in debug builds. In release
// builds, [Value] shrinks to an empty struct.
type Value[T any] struct {
	x T
}

// Get returns a pointer to the wrapped value.
func (v *Value[T]) Get() *T { return &v.x }
