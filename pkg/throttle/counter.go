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

// Package throttle tracks how many payload bytes a throttled client has
// published in the current calendar month.
package throttle

import (
	"context"
	"math"
	"sync"
	"time"
)

// Counter is a per-client cumulative byte counter with an expiry.
type Counter interface {
	// Add atomically adds n bytes to the client's running total if the new
	// total stays within limit, creating the counter with expiresAt when
	// absent. It reports whether the bytes were admitted. A total that is
	// already at the limit, or an addition that would overflow, is refused.
	Add(ctx context.Context, clientID string, n, limit int64, expiresAt time.Time) (bool, error)
}

// EndOfMonth returns the first instant of the month following t, in t's
// location. Counters created during a month expire at that instant.
func EndOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
}

// admit applies the shared admission arithmetic.
func admit(current, n, limit int64) bool {
	if n < 0 || current >= limit {
		return false
	}
	if current > math.MaxInt64-n {
		return false
	}
	return current+n <= limit
}

type memoryEntry struct {
	total     int64
	expiresAt time.Time
}

// MemoryCounter is a process-local Counter.
type MemoryCounter struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

// NewMemoryCounter creates an empty MemoryCounter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
}

// Add implements Counter.
func (c *MemoryCounter) Add(_ context.Context, clientID string, n, limit int64, expiresAt time.Time) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[clientID]
	if ok && !c.now().Before(e.expiresAt) {
		delete(c.entries, clientID)
		ok = false
	}

	var current int64
	if ok {
		current = e.total
	}
	if !admit(current, n, limit) {
		return false, nil
	}

	if !ok {
		e = &memoryEntry{expiresAt: expiresAt}
		c.entries[clientID] = e
	}
	e.total += n
	return true, nil
}

// Total returns the running total for clientID, ignoring expired counters.
func (c *MemoryCounter) Total(clientID string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[clientID]
	if !ok || !c.now().Before(e.expiresAt) {
		return 0
	}
	return e.total
}
