// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cancelbus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCancelIsIdempotentAndScoped(t *testing.T) {
	b := New()

	assert.False(t, b.IsCancelled("t1"))

	b.Cancel("t1")
	b.Cancel("t1")
	assert.True(t, b.IsCancelled("t1"))
	assert.False(t, b.IsCancelled("t2"))
}

func TestClearResetsForReuse(t *testing.T) {
	b := New()
	b.Cancel("t1")
	b.Clear("t1")
	assert.False(t, b.IsCancelled("t1"))
}

func TestConcurrentAccess(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n%10))
			b.Cancel(id)
			_ = b.IsCancelled(id)
			if n%3 == 0 {
				b.Clear(id)
			}
		}(i)
	}
	wg.Wait()
}
