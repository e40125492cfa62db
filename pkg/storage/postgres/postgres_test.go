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

package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/clusterguard/pkg/acl"
	"github.com/turtacn/clusterguard/pkg/storage"
)

// openTestStore connects to the database named by CLUSTERGUARD_POSTGRES_DSN
// and skips the test when it is unset.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("CLUSTERGUARD_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CLUSTERGUARD_POSTGRES_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := Open(ctx, Config{DSN: dsn, MaxOpenConns: 4, Timeout: 5 * time.Second})
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_UserAndSnapshot(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	userID := uuid.New()
	name := "pg-" + userID.String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, user_name, password_hash, client_id_prefix, throttle_user, monthly_byte_limit)
		 VALUES ($1, $2, $3, $4, TRUE, 1024)`, userID, name, "plain$test", "pg-prefix-")
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = s.db.ExecContext(context.Background(), `DELETE FROM users WHERE id = $1`, userID) })

	for _, e := range []struct {
		list acl.List
		dir  acl.Direction
		val  string
	}{
		{acl.Whitelist, acl.Publish, "a/b"},
		{acl.Whitelist, acl.Publish, "a/d"},
		{acl.Blacklist, acl.Subscribe, "x/#"},
	} {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO access_entries (id, user_id, list, direction, value) VALUES ($1, $2, $3, $4, $5)`,
			uuid.New(), userID, int16(e.list), int16(e.dir), e.val)
		require.NoError(t, err)
	}

	u, err := s.GetUserByName(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, userID, u.ID)
	require.NotNil(t, u.MonthlyByteLimit)
	assert.Equal(t, int64(1024), *u.MonthlyByteLimit)

	_, err = s.GetUserByName(ctx, "missing-"+name)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	snap, err := s.GetUserAccessSnapshot(ctx, userID)
	require.NoError(t, err)
	require.Len(t, snap.PublishWhitelist, 2)
	assert.Equal(t, "a/b", snap.PublishWhitelist[0].Value)
	require.Len(t, snap.SubscribeBlacklist, 1)
	assert.Contains(t, snap.ClientIDPrefixes, "pg-prefix-")
}

func TestStore_InsertBatches(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	events := []storage.AuditEvent{
		storage.NewAuditEvent(storage.AuditConnect, "pg test"),
		storage.NewAuditEvent(storage.AuditDisconnect, "pg test"),
	}
	require.NoError(t, s.InsertAuditEvents(ctx, events))
	require.NoError(t, s.InsertAuditEvents(ctx, nil))

	msgs := []storage.OutboundMessage{
		storage.NewOutboundMessage(acl.PublishRequest{ClientID: "c", Topic: "a/b", Payload: []byte("x")}),
	}
	require.NoError(t, s.InsertOutboundMessages(ctx, msgs))

	var n int
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM audit_events WHERE id = ANY($1::uuid[])`,
		"{"+events[0].ID.String()+","+events[1].ID.String()+"}").Scan(&n))
	assert.Equal(t, 2, n)

	// A duplicate id aborts the whole batch.
	err := s.InsertAuditEvents(ctx, []storage.AuditEvent{storage.NewAuditEvent(storage.AuditConnect, "new"), events[0]})
	assert.Error(t, err)
}
