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

package mutator_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pandamem/core/internal/mutator"
)

func TestRegistryIsPerGoroutine(t *testing.T) {
	t.Parallel()

	reg := mutator.NewRegistry[int]()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			reg.Set(i)
			v, ok := reg.Get()
			assert.True(t, ok)
			assert.Equal(t, i, v)
			reg.Clear()
			_, ok = reg.Get()
			assert.False(t, ok)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, reg.Len())
}

func TestIDIsStableWithinGoroutine(t *testing.T) {
	t.Parallel()
	assert.Equal(t, mutator.ID(), mutator.ID())
}
