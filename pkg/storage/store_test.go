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

package storage

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/clusterguard/pkg/acl"
)

func TestMemStore_Users(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	_, err := s.GetUserByName(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	u := s.AddUser(acl.User{UserName: "Test", PasswordHash: "plain$test"})
	assert.NotEqual(t, uuid.Nil, u.ID)

	got, err := s.GetUserByName(ctx, "Test")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	// Callers receive copies.
	got.UserName = "changed"
	again, err := s.GetUserByName(ctx, "Test")
	require.NoError(t, err)
	assert.Equal(t, "Test", again.UserName)
}

func TestMemStore_Snapshot(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	u := s.AddUser(acl.User{UserName: "Test"})
	s.AddUser(acl.User{UserName: "fleet", ClientIDPrefix: "fleet-"})
	s.AddUser(acl.User{UserName: "fleet2", ClientIDPrefix: "fleet-"})
	s.AddUser(acl.User{UserName: "cars", ClientIDPrefix: "car-"})

	require.NoError(t, s.AddEntry("Test", acl.Whitelist, acl.Publish, "a/b"))
	require.NoError(t, s.AddEntry("Test", acl.Whitelist, acl.Publish, "a/d"))
	require.NoError(t, s.AddEntry("Test", acl.Blacklist, acl.Publish, "a/x"))
	require.NoError(t, s.AddEntry("Test", acl.Whitelist, acl.Subscribe, "d/e"))
	require.NoError(t, s.AddEntry("Test", acl.Blacklist, acl.Subscribe, "d/x"))
	assert.ErrorIs(t, s.AddEntry("nobody", acl.Whitelist, acl.Publish, "a"), ErrNotFound)

	snap, err := s.GetUserAccessSnapshot(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, snap.PublishWhitelist, 2)
	assert.Equal(t, "a/b", snap.PublishWhitelist[0].Value)
	assert.Equal(t, "a/d", snap.PublishWhitelist[1].Value)
	require.Len(t, snap.PublishBlacklist, 1)
	require.Len(t, snap.SubscribeWhitelist, 1)
	require.Len(t, snap.SubscribeBlacklist, 1)
	assert.Equal(t, []string{"car-", "fleet-"}, snap.ClientIDPrefixes)

	empty, err := s.GetUserAccessSnapshot(ctx, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, empty.PublishWhitelist)
}

func TestMemStore_Records(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	require.NoError(t, s.InsertAuditEvents(ctx, []AuditEvent{
		NewAuditEvent(AuditConnect, "one"),
		NewAuditEvent(AuditDisconnect, "two"),
	}))
	require.NoError(t, s.InsertOutboundMessages(ctx, []OutboundMessage{
		NewOutboundMessage(acl.PublishRequest{ClientID: "c", Topic: "a/b", Payload: []byte("x"), QoS: 1}),
	}))

	events := s.AuditEvents()
	require.Len(t, events, 2)
	assert.Equal(t, "one", events[0].Detail)
	assert.Equal(t, AuditDisconnect, events[1].Kind)

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "a/b", msgs[0].Topic)
	assert.Equal(t, byte(1), msgs[0].QoS)
}

func TestNewOutboundMessage_CopiesPayload(t *testing.T) {
	payload := []byte("hello")
	msg := NewOutboundMessage(acl.PublishRequest{ClientID: "c", Topic: "t", Payload: payload, Retain: true})
	payload[0] = 'j'
	assert.Equal(t, "hello", string(msg.Payload))
	assert.True(t, msg.Retain)
	assert.NotEqual(t, uuid.Nil, msg.ID)
	assert.False(t, msg.CreatedAt.IsZero())
}
