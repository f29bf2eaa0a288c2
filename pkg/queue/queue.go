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

// Package queue provides the unbounded pending-event FIFO that backs
// asynchronous audit delivery.
package queue

import (
	"container/list"
	"sync"
)

// Queue is an unbounded FIFO that is safe for concurrent use.
// Entries leave the queue only through Dequeue; Peek lets a consumer attempt
// delivery of the head while it stays owned by the queue.
type Queue[T any] struct {
	mu    sync.Mutex
	items *list.List
}

// New creates an empty Queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{items: list.New()}
}

// Enqueue appends v to the tail. It never blocks and never rejects.
func (q *Queue[T]) Enqueue(v T) {
	q.mu.Lock()
	q.items.PushBack(v)
	q.mu.Unlock()
}

// EnqueueAll appends vs in order as a single step, so no concurrent
// Enqueue can interleave with the batch.
func (q *Queue[T]) EnqueueAll(vs ...T) {
	if len(vs) == 0 {
		return
	}
	q.mu.Lock()
	for _, v := range vs {
		q.items.PushBack(v)
	}
	q.mu.Unlock()
}

// Peek returns the head without removing it. ok is false when empty.
func (q *Queue[T]) Peek() (v T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	front := q.items.Front()
	if front == nil {
		return v, false
	}
	return front.Value.(T), true
}

// Dequeue removes and returns the head. ok is false (and nothing changes)
// when the queue is empty.
func (q *Queue[T]) Dequeue() (v T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	front := q.items.Front()
	if front == nil {
		return v, false
	}
	q.items.Remove(front)
	return front.Value.(T), true
}

// HasEntries reports whether the queue holds at least one entry.
func (q *Queue[T]) HasEntries() bool {
	return q.Len() > 0
}

// Len returns the number of queued entries.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Snapshot returns a copy of the queued entries, head first.
func (q *Queue[T]) Snapshot() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]T, 0, q.items.Len())
	for e := q.items.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(T))
	}
	return out
}
