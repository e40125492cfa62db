// Copyright 2023 The emqx-go Authors
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

package cluster

import (
	"sync"

	"github.com/turtacn/clusterguard/pkg/metrics"
)

// Queue is an unbounded FIFO buffer safe for concurrent enqueue. Drain
// hands the whole content to one caller and leaves the queue empty.
type Queue[T any] struct {
	name  string
	mu    sync.Mutex
	items []T
}

// NewQueue creates an empty queue. name labels its depth gauge.
func NewQueue[T any](name string) *Queue[T] {
	return &Queue[T]{name: name}
}

// Enqueue appends item and returns the new length.
func (q *Queue[T]) Enqueue(item T) int {
	q.mu.Lock()
	q.items = append(q.items, item)
	n := len(q.items)
	q.mu.Unlock()

	metrics.QueueDepth.WithLabelValues(q.name).Set(float64(n))
	return n
}

// Drain removes and returns every queued item in enqueue order. It returns
// nil when the queue is empty.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()

	metrics.QueueDepth.WithLabelValues(q.name).Set(0)
	return items
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
