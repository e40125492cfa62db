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

package cluster

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/turtacn/clusterguard/pkg/storage"
)

// Replicator delivers one accepted publish to one peer broker.
type Replicator interface {
	Replicate(ctx context.Context, peer BrokerSettings, msg storage.OutboundMessage) error
}

// PahoReplicator opens a short-lived MQTT connection per message: connect,
// publish once, disconnect.
type PahoReplicator struct {
	// ClientIDPrefix is prepended to the random client id of every
	// replication connection.
	ClientIDPrefix string
	// TLSConfig is used for peers registered with TLS. A nil value uses
	// the system roots.
	TLSConfig *tls.Config
	// ConnectTimeout bounds the MQTT handshake.
	ConnectTimeout time.Duration
}

// NewPahoReplicator creates a replicator with defaults suitable for
// in-cluster peers.
func NewPahoReplicator(clientIDPrefix string) *PahoReplicator {
	return &PahoReplicator{
		ClientIDPrefix: clientIDPrefix,
		ConnectTimeout: 5 * time.Second,
	}
}

// Replicate implements Replicator.
func (p *PahoReplicator) Replicate(ctx context.Context, peer BrokerSettings, msg storage.OutboundMessage) error {
	opts := mqtt.NewClientOptions().
		AddBroker(peer.URL()).
		SetClientID(p.ClientIDPrefix + uuid.NewString()).
		SetUsername(peer.UserName).
		SetPassword(peer.Password).
		SetCleanSession(peer.CleanSession).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectTimeout(p.ConnectTimeout)
	if peer.TLS {
		cfg := p.TLSConfig
		if cfg == nil {
			cfg = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		opts.SetTLSConfig(cfg)
	}

	client := mqtt.NewClient(opts)
	connect := client.Connect()
	if err := wait(ctx, connect); err != nil {
		// The handshake may still complete after ctx ends.
		go func() {
			<-connect.Done()
			if client.IsConnected() {
				client.Disconnect(0)
			}
		}()
		return fmt.Errorf("connect to %s: %w", peer.Address(), err)
	}
	defer client.Disconnect(250)

	if err := wait(ctx, client.Publish(msg.Topic, msg.QoS, msg.Retain, msg.Payload)); err != nil {
		return fmt.Errorf("publish to %s: %w", peer.Address(), err)
	}
	return nil
}

func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
