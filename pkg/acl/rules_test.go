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

package acl

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/clusterguard/pkg/auth"
	"github.com/turtacn/clusterguard/pkg/throttle"
)

func entries(d Direction, values ...string) []Entry {
	out := make([]Entry, 0, len(values))
	for _, v := range values {
		out = append(out, Entry{ID: uuid.New(), Direction: d, Value: v})
	}
	return out
}

func testUser() *User {
	return &User{
		ID:           uuid.New(),
		UserName:     "Test",
		PasswordHash: "plain$test",
	}
}

func TestValidateConnect(t *testing.T) {
	hasher := auth.NewHasher()

	t.Run("absent user", func(t *testing.T) {
		assert.False(t, ValidateConnect(nil, ConnectRequest{UserName: "Test", Password: "test"}, hasher))
	})

	t.Run("user name mismatch", func(t *testing.T) {
		assert.False(t, ValidateConnect(testUser(), ConnectRequest{UserName: "test", Password: "test"}, hasher))
	})

	t.Run("wrong password rejects regardless of other fields", func(t *testing.T) {
		u := testUser()
		for _, clientID := range []string{"", "Test", "other"} {
			assert.False(t, ValidateConnect(u, ConnectRequest{ClientID: clientID, UserName: "Test", Password: "nope"}, hasher))
		}
		u.ValidateClientID = true
		u.ClientID = "Test"
		assert.False(t, ValidateConnect(u, ConnectRequest{ClientID: "Test", UserName: "Test", Password: "nope"}, hasher))
	})

	t.Run("no client id validation accepts any client id", func(t *testing.T) {
		u := testUser()
		for _, clientID := range []string{"", "Test", "anything-else"} {
			assert.True(t, ValidateConnect(u, ConnectRequest{ClientID: clientID, UserName: "Test", Password: "test"}, hasher))
		}
	})

	t.Run("exact client id", func(t *testing.T) {
		u := testUser()
		u.ValidateClientID = true
		u.ClientID = "device-1"
		assert.True(t, ValidateConnect(u, ConnectRequest{ClientID: "device-1", UserName: "Test", Password: "test"}, hasher))
		assert.False(t, ValidateConnect(u, ConnectRequest{ClientID: "device-2", UserName: "Test", Password: "test"}, hasher))
	})

	t.Run("client id prefix accepts", func(t *testing.T) {
		u := testUser()
		u.ValidateClientID = true
		u.ClientIDPrefix = "fleet-"
		assert.True(t, ValidateConnect(u, ConnectRequest{ClientID: "fleet-7", UserName: "Test", Password: "test"}, hasher))
	})
}

type failingCounter struct{}

func (failingCounter) Add(context.Context, string, int64, int64, time.Time) (bool, error) {
	return false, errors.New("counter unavailable")
}

func TestValidateTopic(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	snap := &Snapshot{
		PublishWhitelist:   entries(Publish, "a/b", "a/d", "shared", "open/#"),
		PublishBlacklist:   entries(Publish, "shared", "open/secret/+"),
		SubscribeWhitelist: entries(Subscribe, "d/e", "e", "f/#"),
		SubscribeBlacklist: entries(Subscribe, "f/private"),
	}
	u := testUser()

	tests := []struct {
		name  string
		check TopicCheck
		want  Decision
	}{
		{"publish exact whitelist", TopicCheck{Direction: Publish, Topic: "a/b"}, Allow},
		{"publish second whitelist", TopicCheck{Direction: Publish, Topic: "a/d"}, Allow},
		{"blacklist exact wins over whitelist exact", TopicCheck{Direction: Publish, Topic: "shared"}, Deny},
		{"blacklist pattern wins over whitelist pattern", TopicCheck{Direction: Publish, Topic: "open/secret/x"}, Deny},
		{"whitelist pattern", TopicCheck{Direction: Publish, Topic: "open/data"}, Allow},
		{"publish unmatched", TopicCheck{Direction: Publish, Topic: "z"}, Unmatched},
		{"subscribe exact", TopicCheck{Direction: Subscribe, Topic: "d/e"}, Allow},
		{"subscribe single level", TopicCheck{Direction: Subscribe, Topic: "e"}, Allow},
		{"subscribe blacklist exact", TopicCheck{Direction: Subscribe, Topic: "f/private"}, Deny},
		{"subscribe wildcard filter covered", TopicCheck{Direction: Subscribe, Topic: "f/+"}, Allow},
		{"direction scoping", TopicCheck{Direction: Subscribe, Topic: "a/b"}, Unmatched},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateTopic(ctx, u, snap, tt.check, nil, now)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateTopic_AbsentUser(t *testing.T) {
	got, err := ValidateTopic(context.Background(), nil, &Snapshot{}, TopicCheck{Topic: "a"}, nil, time.Now())
	require.NoError(t, err)
	assert.Equal(t, Deny, got)
}

func TestValidateTopic_Throttle(t *testing.T) {
	ctx := context.Background()
	limit := int64(10)
	u := testUser()
	u.ThrottleUser = true
	u.MonthlyByteLimit = &limit
	snap := &Snapshot{PublishWhitelist: entries(Publish, "a/b")}
	counter := throttle.NewMemoryCounter()

	got, err := ValidateTopic(ctx, u, snap, TopicCheck{Direction: Publish, ClientID: "c", Topic: "a/b", Size: 11}, counter, time.Now())
	require.NoError(t, err)
	assert.Equal(t, Deny, got, "single message above the limit")

	got, err = ValidateTopic(ctx, u, snap, TopicCheck{Direction: Publish, ClientID: "c", Topic: "a/b", Size: 6}, counter, time.Now())
	require.NoError(t, err)
	assert.Equal(t, Allow, got)

	got, err = ValidateTopic(ctx, u, snap, TopicCheck{Direction: Publish, ClientID: "c", Topic: "a/b", Size: 6}, counter, time.Now())
	require.NoError(t, err)
	assert.Equal(t, Deny, got, "cumulative total above the limit")

	got, err = ValidateTopic(ctx, u, &Snapshot{SubscribeWhitelist: entries(Subscribe, "a/b")}, TopicCheck{Direction: Subscribe, ClientID: "c", Topic: "a/b", Size: 100}, counter, time.Now())
	require.NoError(t, err)
	assert.Equal(t, Allow, got, "subscribe checks are not throttled")
}

func TestValidateTopic_ThrottleErrors(t *testing.T) {
	limit := int64(10)
	u := testUser()
	u.ThrottleUser = true
	u.MonthlyByteLimit = &limit

	_, err := ValidateTopic(context.Background(), u, &Snapshot{}, TopicCheck{Direction: Publish, Topic: "a"}, failingCounter{}, time.Now())
	assert.Error(t, err)

	got, err := ValidateTopic(context.Background(), u, &Snapshot{}, TopicCheck{Direction: Publish, Topic: "a"}, nil, time.Now())
	assert.Error(t, err)
	assert.Equal(t, Deny, got)
}

func TestDirectionAndDecisionStrings(t *testing.T) {
	assert.Equal(t, "publish", Publish.String())
	assert.Equal(t, "subscribe", Subscribe.String())
	assert.Equal(t, "unmatched", Unmatched.String())
	assert.True(t, Allow.Allowed())
	assert.False(t, Unmatched.Allowed())
}
