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

// Package acl holds the access control data model and the rules that decide
// whether a client may connect, publish, or subscribe.
package acl

import (
	"time"

	"github.com/google/uuid"
)

// Direction scopes an access control entry to publishing or subscribing.
type Direction int

const (
	// Publish entries govern topics a client may publish to.
	Publish Direction = iota
	// Subscribe entries govern filters a client may subscribe to.
	Subscribe
)

// String returns the string representation of Direction
func (d Direction) String() string {
	switch d {
	case Publish:
		return "publish"
	case Subscribe:
		return "subscribe"
	default:
		return "unknown"
	}
}

// List tells whether an entry denies or allows.
type List int

const (
	// Whitelist entries allow matching topics.
	Whitelist List = iota
	// Blacklist entries deny matching topics.
	Blacklist
)

// String returns the string representation of List
func (l List) String() string {
	switch l {
	case Whitelist:
		return "whitelist"
	case Blacklist:
		return "blacklist"
	default:
		return "unknown"
	}
}

// User is the identity record a client authenticates as.
type User struct {
	ID           uuid.UUID `json:"id" yaml:"id"`
	UserName     string    `json:"user_name" yaml:"user_name"`
	PasswordHash string    `json:"password_hash" yaml:"password_hash"`

	// ClientID and ClientIDPrefix constrain which client identifiers may
	// use this account when ValidateClientID is set.
	ClientID         string `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	ClientIDPrefix   string `json:"client_id_prefix,omitempty" yaml:"client_id_prefix,omitempty"`
	ValidateClientID bool   `json:"validate_client_id" yaml:"validate_client_id"`

	ThrottleUser     bool   `json:"throttle_user" yaml:"throttle_user"`
	MonthlyByteLimit *int64 `json:"monthly_byte_limit,omitempty" yaml:"monthly_byte_limit,omitempty"`

	// IsSyncUser marks the broker-to-broker replication identity.
	IsSyncUser bool `json:"is_sync_user" yaml:"is_sync_user"`
}

// Entry is one blacklist or whitelist item.
type Entry struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	List      List      `json:"list"`
	Direction Direction `json:"direction"`
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Snapshot is the cached access bundle for one user. It is replaced as a
// whole on refresh and never modified in place.
type Snapshot struct {
	PublishWhitelist   []Entry
	PublishBlacklist   []Entry
	SubscribeWhitelist []Entry
	SubscribeBlacklist []Entry

	// ClientIDPrefixes is the set of client id prefixes configured across
	// all users.
	ClientIDPrefixes []string
}

// NewSnapshot sorts entries into the four direction-scoped lists, keeping
// their relative order.
func NewSnapshot(entries []Entry, prefixes []string) *Snapshot {
	s := &Snapshot{ClientIDPrefixes: prefixes}
	for _, e := range entries {
		switch {
		case e.Direction == Publish && e.List == Whitelist:
			s.PublishWhitelist = append(s.PublishWhitelist, e)
		case e.Direction == Publish && e.List == Blacklist:
			s.PublishBlacklist = append(s.PublishBlacklist, e)
		case e.Direction == Subscribe && e.List == Whitelist:
			s.SubscribeWhitelist = append(s.SubscribeWhitelist, e)
		case e.Direction == Subscribe && e.List == Blacklist:
			s.SubscribeBlacklist = append(s.SubscribeBlacklist, e)
		}
	}
	return s
}

// Lists returns the blacklist and whitelist for the given direction.
func (s *Snapshot) Lists(d Direction) (blacklist, whitelist []Entry) {
	if s == nil {
		return nil, nil
	}
	if d == Subscribe {
		return s.SubscribeBlacklist, s.SubscribeWhitelist
	}
	return s.PublishBlacklist, s.PublishWhitelist
}

// ConnectRequest carries the fields of a CONNECT the core needs.
type ConnectRequest struct {
	ClientID     string
	UserName     string
	Password     string
	Endpoint     string
	CleanSession bool
}

// PublishRequest carries an application message offered for publishing.
type PublishRequest struct {
	ClientID string
	Topic    string
	Payload  []byte
	QoS      byte
	Retain   bool
}

// SubscribeRequest carries one topic filter of a SUBSCRIBE.
type SubscribeRequest struct {
	ClientID    string
	TopicFilter string
}

// UnsubscribeRequest carries one topic filter of an UNSUBSCRIBE.
type UnsubscribeRequest struct {
	ClientID    string
	TopicFilter string
}

// DisconnectRequest describes a client leaving the broker.
type DisconnectRequest struct {
	ClientID string
	Reason   string
}
