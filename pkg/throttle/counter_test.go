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

package throttle

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndOfMonth(t *testing.T) {
	tests := []struct {
		in   time.Time
		want time.Time
	}{
		{time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC), time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)},
		{time.Date(2024, 12, 31, 23, 59, 59, 0, time.UTC), time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
		{time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, EndOfMonth(tt.in))
	}
}

func TestAdmit(t *testing.T) {
	assert.True(t, admit(0, 10, 10))
	assert.False(t, admit(0, 11, 10))
	assert.False(t, admit(10, 0, 10))
	assert.False(t, admit(5, -1, 10))
	assert.False(t, admit(math.MaxInt64-1, 5, math.MaxInt64))
}

func TestMemoryCounter_Cumulative(t *testing.T) {
	c := NewMemoryCounter()
	ctx := context.Background()
	exp := time.Now().Add(time.Hour)

	ok, err := c.Add(ctx, "client", 60, 100, exp)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Add(ctx, "client", 60, 100, exp)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(60), c.Total("client"))

	ok, err = c.Add(ctx, "client", 40, 100, exp)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Add(ctx, "client", 1, 100, exp)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryCounter_SingleMessageOverLimit(t *testing.T) {
	c := NewMemoryCounter()
	ok, err := c.Add(context.Background(), "client", 20, 10, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(0), c.Total("client"))
}

func TestMemoryCounter_Expiry(t *testing.T) {
	c := NewMemoryCounter()
	now := time.Date(2024, 1, 31, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	ok, _ := c.Add(ctx, "client", 10, 10, EndOfMonth(now))
	assert.True(t, ok)
	ok, _ = c.Add(ctx, "client", 1, 10, EndOfMonth(now))
	assert.False(t, ok)

	now = time.Date(2024, 2, 1, 0, 0, 1, 0, time.UTC)
	ok, _ = c.Add(ctx, "client", 1, 10, EndOfMonth(now))
	assert.True(t, ok)
	assert.Equal(t, int64(1), c.Total("client"))
}

func TestMemoryCounter_ConcurrentAddsNeverExceedLimit(t *testing.T) {
	c := NewMemoryCounter()
	ctx := context.Background()
	exp := time.Now().Add(time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Add(ctx, "client", 7, 1000, exp)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Total("client"), int64(1000))
	assert.Equal(t, int64(994), c.Total("client"))
}
