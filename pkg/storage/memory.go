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
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/turtacn/clusterguard/pkg/acl"
)

// MemStore is an in-memory implementation of the Store interface.
// It uses maps guarded by a RWMutex to ensure thread safety, making it safe
// for concurrent use. Persisted audit events and messages are kept in
// insertion order and can be read back with AuditEvents and Messages.
type MemStore struct {
	mu       sync.RWMutex
	users    map[string]*acl.User
	entries  map[uuid.UUID][]acl.Entry
	audit    []AuditEvent
	messages []OutboundMessage
}

// NewMemStore creates and returns a new instance of MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		users:   make(map[string]*acl.User),
		entries: make(map[uuid.UUID][]acl.Entry),
	}
}

// AddUser adds or replaces a user. A zero ID is replaced by a random one.
func (s *MemStore) AddUser(u acl.User) acl.User {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := u
	s.users[u.UserName] = &stored
	return stored
}

// AddEntry appends an ACL entry for the named user.
func (s *MemStore) AddEntry(userName string, list acl.List, d acl.Direction, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userName]
	if !ok {
		return fmt.Errorf("user %s: %w", userName, ErrNotFound)
	}
	now := time.Now().UTC()
	s.entries[u.ID] = append(s.entries[u.ID], acl.Entry{
		ID:        uuid.New(),
		UserID:    u.ID,
		List:      list,
		Direction: d,
		Value:     value,
		CreatedAt: now,
		UpdatedAt: now,
	})
	return nil
}

// GetUserByName implements Store.
func (s *MemStore) GetUserByName(_ context.Context, name string) (*acl.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[name]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// GetUserAccessSnapshot implements Store.
func (s *MemStore) GetUserAccessSnapshot(_ context.Context, userID uuid.UUID) (*acl.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]acl.Entry, len(s.entries[userID]))
	copy(entries, s.entries[userID])

	seen := make(map[string]struct{})
	var prefixes []string
	for _, u := range s.users {
		if u.ClientIDPrefix == "" {
			continue
		}
		if _, ok := seen[u.ClientIDPrefix]; ok {
			continue
		}
		seen[u.ClientIDPrefix] = struct{}{}
		prefixes = append(prefixes, u.ClientIDPrefix)
	}
	sort.Strings(prefixes)

	return acl.NewSnapshot(entries, prefixes), nil
}

// InsertAuditEvents implements Store.
func (s *MemStore) InsertAuditEvents(_ context.Context, events []AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, events...)
	return nil
}

// InsertOutboundMessages implements Store.
func (s *MemStore) InsertOutboundMessages(_ context.Context, messages []OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, messages...)
	return nil
}

// AuditEvents returns a copy of every persisted audit event.
func (s *MemStore) AuditEvents() []AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AuditEvent, len(s.audit))
	copy(out, s.audit)
	return out
}

// Messages returns a copy of every persisted outbound message.
func (s *MemStore) Messages() []OutboundMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]OutboundMessage, len(s.messages))
	copy(out, s.messages)
	return out
}
