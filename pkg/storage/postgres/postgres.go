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

// Package postgres implements storage.Store on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/turtacn/clusterguard/pkg/acl"
	"github.com/turtacn/clusterguard/pkg/storage"
)

//go:embed schema.sql
var schema string

const (
	selectUser = `SELECT id, user_name, password_hash, client_id, client_id_prefix,
       validate_client_id, throttle_user, monthly_byte_limit, is_sync_user
  FROM users WHERE user_name = $1`

	selectEntries = `SELECT id, user_id, list, direction, value, created_at, updated_at
  FROM access_entries WHERE user_id = $1 ORDER BY seq`

	selectPrefixes = `SELECT DISTINCT client_id_prefix FROM users
  WHERE client_id_prefix <> '' ORDER BY client_id_prefix`

	insertAudit = `INSERT INTO audit_events (id, kind, detail, created_at) VALUES ($1, $2, $3, $4)`

	insertMessage = `INSERT INTO outbound_messages (id, client_id, topic, payload, qos, retain, created_at)
  VALUES ($1, $2, $3, $4, $5, $6, $7)`
)

// Config holds PostgreSQL-specific configuration
type Config struct {
	DSN             string        `json:"dsn" yaml:"dsn"`
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time" yaml:"conn_max_idle_time"`
	// Timeout bounds each batch insert.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// Store is a storage.Store backed by PostgreSQL.
type Store struct {
	db      *sql.DB
	timeout time.Duration
}

var _ storage.Store = (*Store)(nil)

// Open connects to PostgreSQL, configures the pool, and verifies the
// connection.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL connection: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach PostgreSQL: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Store{db: db, timeout: timeout}, nil
}

// Migrate creates the tables the store needs when they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetUserByName implements storage.Store.
func (s *Store) GetUserByName(ctx context.Context, name string) (*acl.User, error) {
	var (
		u     acl.User
		limit sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, selectUser, name).Scan(
		&u.ID, &u.UserName, &u.PasswordHash, &u.ClientID, &u.ClientIDPrefix,
		&u.ValidateClientID, &u.ThrottleUser, &limit, &u.IsSyncUser,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user %s: %w", name, err)
	}
	if limit.Valid {
		v := limit.Int64
		u.MonthlyByteLimit = &v
	}
	return &u, nil
}

// GetUserAccessSnapshot implements storage.Store.
func (s *Store) GetUserAccessSnapshot(ctx context.Context, userID uuid.UUID) (*acl.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, selectEntries, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load access entries for %s: %w", userID, err)
	}
	defer rows.Close()

	var entries []acl.Entry
	for rows.Next() {
		var (
			e         acl.Entry
			list, dir int16
		)
		if err := rows.Scan(&e.ID, &e.UserID, &list, &dir, &e.Value, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan access entry: %w", err)
		}
		e.List = acl.List(list)
		e.Direction = acl.Direction(dir)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read access entries: %w", err)
	}

	prefixes, err := s.prefixes(ctx)
	if err != nil {
		return nil, err
	}
	return acl.NewSnapshot(entries, prefixes), nil
}

func (s *Store) prefixes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, selectPrefixes)
	if err != nil {
		return nil, fmt.Errorf("failed to load client id prefixes: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan client id prefix: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertAuditEvents implements storage.Store.
func (s *Store) InsertAuditEvents(ctx context.Context, events []storage.AuditEvent) error {
	return s.batch(ctx, insertAudit, len(events), func(ctx context.Context, stmt *sql.Stmt, i int) error {
		e := events[i]
		_, err := stmt.ExecContext(ctx, e.ID, string(e.Kind), e.Detail, e.CreatedAt)
		return err
	})
}

// InsertOutboundMessages implements storage.Store.
func (s *Store) InsertOutboundMessages(ctx context.Context, messages []storage.OutboundMessage) error {
	return s.batch(ctx, insertMessage, len(messages), func(ctx context.Context, stmt *sql.Stmt, i int) error {
		m := messages[i]
		_, err := stmt.ExecContext(ctx, m.ID, m.ClientID, m.Topic, m.Payload, int16(m.QoS), m.Retain, m.CreatedAt)
		return err
	})
}

// batch runs exec for n rows inside one transaction with a prepared
// statement; either every row is written or none is.
func (s *Store) batch(ctx context.Context, query string, n int, exec func(context.Context, *sql.Stmt, int) error) error {
	if n == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare batch insert: %w", err)
	}
	defer stmt.Close()

	for i := 0; i < n; i++ {
		if err := exec(ctx, stmt, i); err != nil {
			return fmt.Errorf("failed to insert row %d of %d: %w", i+1, n, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}
