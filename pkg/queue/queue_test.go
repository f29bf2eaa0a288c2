/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package queue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_Empty(t *testing.T) {
	q := New[string]()

	assert.False(t, q.HasEntries())
	assert.Equal(t, 0, q.Len())

	_, ok := q.Peek()
	assert.False(t, ok)

	_, ok = q.Dequeue()
	assert.False(t, ok, "dequeue on empty queue is a no-op")
	assert.Equal(t, 0, q.Len())
}

func TestQueue_FIFOOrder(t *testing.T) {
	q := New[int]()
	for i := 0; i < 100; i++ {
		q.Enqueue(i)
	}
	require.Equal(t, 100, q.Len())

	for i := 0; i < 100; i++ {
		v, ok := q.Dequeue()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	assert.False(t, q.HasEntries())
}

func TestQueue_PeekDoesNotRemove(t *testing.T) {
	q := New[string]()
	q.Enqueue("a")
	q.Enqueue("b")

	for i := 0; i < 3; i++ {
		v, ok := q.Peek()
		require.True(t, ok)
		assert.Equal(t, "a", v)
	}
	assert.Equal(t, 2, q.Len())

	v, _ := q.Dequeue()
	assert.Equal(t, "a", v)
	v, _ = q.Peek()
	assert.Equal(t, "b", v)
}

func TestQueue_EnqueueAllKeepsBatchContiguous(t *testing.T) {
	q := New[int]()
	q.Enqueue(0)
	q.EnqueueAll(1, 2, 3)
	q.EnqueueAll()
	q.Enqueue(4)

	assert.Equal(t, []int{0, 1, 2, 3, 4}, q.Snapshot())
}

func TestQueue_ConcurrentProducers(t *testing.T) {
	q := New[int]()
	const producers = 8
	const perProducer = 500

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Enqueue(base*perProducer + i)
			}
		}(p)
	}
	wg.Wait()

	require.Equal(t, producers*perProducer, q.Len())

	// Per-producer order must survive interleaving.
	last := make(map[int]int)
	for q.HasEntries() {
		v, ok := q.Dequeue()
		require.True(t, ok)
		producer := v / perProducer
		if prev, seen := last[producer]; seen {
			assert.Greater(t, v, prev)
		}
		last[producer] = v
	}
}

func TestQueue_ConcurrentDequeueNeverDuplicates(t *testing.T) {
	q := New[int]()
	const n = 2000
	for i := 0; i < n; i++ {
		q.Enqueue(i)
	}

	var (
		mu   sync.Mutex
		seen = make(map[int]bool, n)
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				v, ok := q.Dequeue()
				if !ok {
					return
				}
				mu.Lock()
				assert.False(t, seen[v], "value %d dequeued twice", v)
				seen[v] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
}
