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

// Package cluster coordinates authorization decisions across a cluster of
// brokers. It tracks which brokers are live, records audit events and
// accepted publishes for batched persistence, and replicates accepted
// publishes to peer brokers.
package cluster

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/google/uuid"
)

var (
	// ErrInvalidBrokerID is returned when a broker id is the zero UUID.
	ErrInvalidBrokerID = errors.New("invalid broker id")
	// ErrMissingSettings is returned when a broker registers without
	// connection settings.
	ErrMissingSettings = errors.New("missing broker settings")
	// ErrMissingField is returned when a request lacks a required field.
	ErrMissingField = errors.New("missing required field")
)

// BrokerID identifies a broker instance.
type BrokerID = uuid.UUID

// BrokerSettings holds what is needed to replicate messages to a broker.
type BrokerSettings struct {
	Host         string `yaml:"host" json:"host"`
	Port         int    `yaml:"port" json:"port"`
	UserName     string `yaml:"username" json:"username"`
	Password     string `yaml:"password" json:"-"`
	TLS          bool   `yaml:"tls" json:"tls"`
	CleanSession bool   `yaml:"clean_session" json:"clean_session"`
}

// Address returns host:port.
func (s BrokerSettings) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// URL returns the broker URL in the form understood by MQTT clients.
func (s BrokerSettings) URL() string {
	scheme := "tcp"
	if s.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s", scheme, s.Address())
}

// BrokerRegistration is a live broker known to the coordinator.
type BrokerRegistration struct {
	ID       BrokerID
	Settings BrokerSettings
}
