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

// package storage defines the access control store the authorization core
// reads users and ACL entries from and writes audit events and published
// messages to, together with an in-memory implementation.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/turtacn/clusterguard/pkg/acl"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
)

// AuditKind classifies an audit event.
type AuditKind string

const (
	AuditConnect          AuditKind = "connect"
	AuditDisconnect       AuditKind = "disconnect"
	AuditSubscribe        AuditKind = "subscribe"
	AuditUnsubscribe      AuditKind = "unsubscribe"
	AuditBrokerConnect    AuditKind = "broker-connect"
	AuditBrokerDisconnect AuditKind = "broker-disconnect"
)

// AuditEvent is a write-once record of something that happened on a broker.
type AuditEvent struct {
	ID        uuid.UUID `json:"id"`
	Kind      AuditKind `json:"kind"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// NewAuditEvent stamps a new event with an id and the current time.
func NewAuditEvent(kind AuditKind, detail string) AuditEvent {
	return AuditEvent{
		ID:        uuid.New(),
		Kind:      kind,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}
}

// OutboundMessage is the record of one accepted publish.
type OutboundMessage struct {
	ID        uuid.UUID `json:"id"`
	ClientID  string    `json:"client_id"`
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload"`
	QoS       byte      `json:"qos"`
	Retain    bool      `json:"retain"`
	CreatedAt time.Time `json:"created_at"`
}

// NewOutboundMessage builds the record for an accepted publish.
func NewOutboundMessage(req acl.PublishRequest) OutboundMessage {
	payload := make([]byte, len(req.Payload))
	copy(payload, req.Payload)
	return OutboundMessage{
		ID:        uuid.New(),
		ClientID:  req.ClientID,
		Topic:     req.Topic,
		Payload:   payload,
		QoS:       req.QoS,
		Retain:    req.Retain,
		CreatedAt: time.Now().UTC(),
	}
}

// Store is the system of record for users and ACL entries, and the sink for
// audit events and published messages. Every method may block on I/O.
type Store interface {
	// GetUserByName returns the user with the given name or ErrNotFound.
	GetUserByName(ctx context.Context, name string) (*acl.User, error)
	// GetUserAccessSnapshot loads the four ACL lists of a user together
	// with the client id prefixes known across all users.
	GetUserAccessSnapshot(ctx context.Context, userID uuid.UUID) (*acl.Snapshot, error)
	// InsertAuditEvents persists a batch of audit events.
	InsertAuditEvents(ctx context.Context, events []AuditEvent) error
	// InsertOutboundMessages persists a batch of published messages.
	InsertOutboundMessages(ctx context.Context, messages []OutboundMessage) error
}
