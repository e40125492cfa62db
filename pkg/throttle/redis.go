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
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "clusterguard:datalimit:"

// addScript performs the admission check and the increment in one round trip
// so concurrent publishes from the same client on different brokers cannot
// push the total past the limit.
var addScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local n = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
if n < 0 or current >= limit or n > limit - current then
	return 0
end
local created = redis.call('EXISTS', KEYS[1]) == 0
redis.call('INCRBY', KEYS[1], n)
if created then
	redis.call('EXPIREAT', KEYS[1], ARGV[3])
end
return 1
`)

// RedisCounter is a Counter shared by every broker that points at the same
// Redis instance.
type RedisCounter struct {
	client redis.Scripter
}

// NewRedisCounter wraps an existing Redis client.
func NewRedisCounter(client redis.Scripter) *RedisCounter {
	return &RedisCounter{client: client}
}

// Dial connects to Redis and returns a RedisCounter backed by the connection.
func Dial(ctx context.Context, addr, password string, db int) (*RedisCounter, *redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return NewRedisCounter(client), client, nil
}

// Add implements Counter.
func (c *RedisCounter) Add(ctx context.Context, clientID string, n, limit int64, expiresAt time.Time) (bool, error) {
	res, err := addScript.Run(ctx, c.client, []string{keyPrefix + clientID}, n, limit, expiresAt.Unix()).Int()
	if err != nil {
		return false, fmt.Errorf("data limit counter for %s: %w", clientID, err)
	}
	return res == 1, nil
}
