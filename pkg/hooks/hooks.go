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

// Package hooks connects an embedded mochi-mqtt server to the cluster
// coordinator. Every connect, publish, subscribe, unsubscribe and
// disconnect seen by the listener is forwarded for authorization and
// auditing.
package hooks

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/turtacn/clusterguard/pkg/acl"
	"github.com/turtacn/clusterguard/pkg/cluster"
)

// ErrInvalidConfig is returned by Init when the hook options are unusable.
var ErrInvalidConfig = errors.New("invalid hook config")

// Coordinator is the subset of cluster.Coordinator the hook calls.
type Coordinator interface {
	ProceedConnect(ctx context.Context, req acl.ConnectRequest) bool
	ProceedDisconnect(ctx context.Context, req acl.DisconnectRequest) error
	ProceedSubscribe(ctx context.Context, req acl.SubscribeRequest) bool
	ProceedUnsubscribe(ctx context.Context, req acl.UnsubscribeRequest) error
	ProceedPublish(ctx context.Context, req acl.PublishRequest, origin cluster.BrokerID) bool
	ReleaseClient(ctx context.Context, clientID string) error
}

// sessionStripes is the number of locks serializing connect and
// disconnect handling per client id.
const sessionStripes = 64

// Options configures a Hook.
type Options struct {
	Coordinator Coordinator
	// BrokerID is this broker's own registration; publishes received here
	// are not replicated back to it.
	BrokerID cluster.BrokerID
	// Timeout bounds each forwarded request.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Hook is a mochi-mqtt hook forwarding client events to a Coordinator.
type Hook struct {
	mqtt.HookBase
	coordinator Coordinator
	brokerID    cluster.BrokerID
	timeout     time.Duration
	logger      *slog.Logger

	stripes [sessionStripes]sync.Mutex

	mu sync.Mutex
	// owners maps a client id to the connection holding its session.
	owners map[string]*mqtt.Client
	// pending holds the decisions for a SUBSCRIBE being processed, keyed
	// by connection and filter.
	pending map[*mqtt.Client]map[string]bool
}

// ID implements mqtt.Hook.
func (h *Hook) ID() string {
	return "clusterguard"
}

// Provides implements mqtt.Hook.
func (h *Hook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnConnectAuthenticate,
		mqtt.OnACLCheck,
		mqtt.OnSubscribe,
		mqtt.OnSubscribed,
		mqtt.OnPublish,
		mqtt.OnUnsubscribed,
		mqtt.OnDisconnect,
	}, []byte{b})
}

// Init implements mqtt.Hook. config must be *Options.
func (h *Hook) Init(config any) error {
	opts, ok := config.(*Options)
	if !ok || opts == nil {
		return ErrInvalidConfig
	}
	if opts.Coordinator == nil {
		return errors.Join(ErrInvalidConfig, errors.New("coordinator is required"))
	}

	h.coordinator = opts.Coordinator
	h.brokerID = opts.BrokerID
	h.timeout = opts.Timeout
	if h.timeout <= 0 {
		h.timeout = 5 * time.Second
	}
	h.logger = opts.Logger
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.owners = make(map[string]*mqtt.Client)
	h.pending = make(map[*mqtt.Client]map[string]bool)
	return nil
}

// OnConnectAuthenticate authorizes a CONNECT. An accepted connection
// becomes the owner of its client id.
func (h *Hook) OnConnectAuthenticate(cl *mqtt.Client, pk packets.Packet) bool {
	lock := h.stripe(cl.ID)
	lock.Lock()
	defer lock.Unlock()

	ctx, cancel := h.context()
	defer cancel()

	ok := h.coordinator.ProceedConnect(ctx, acl.ConnectRequest{
		ClientID:     cl.ID,
		UserName:     string(pk.Connect.Username),
		Password:     string(pk.Connect.Password),
		Endpoint:     cl.Net.Remote,
		CleanSession: pk.Connect.Clean,
	})
	if !ok {
		h.logger.Info("connect rejected", "client_id", cl.ID, "remote", cl.Net.Remote)
		return false
	}

	h.mu.Lock()
	h.owners[cl.ID] = cl
	h.mu.Unlock()
	return true
}

// OnSubscribe authorizes and records every valid filter of a SUBSCRIBE.
// The decisions are returned by OnACLCheck while mochi processes the
// packet.
func (h *Hook) OnSubscribe(cl *mqtt.Client, pk packets.Packet) packets.Packet {
	if cl.Net.Inline {
		return pk
	}
	ctx, cancel := h.context()
	defer cancel()

	decisions := make(map[string]bool, len(pk.Filters))
	for _, sub := range pk.Filters {
		if !mqtt.IsValidFilter(sub.Filter, false) {
			continue
		}
		decisions[sub.Filter] = h.coordinator.ProceedSubscribe(ctx, acl.SubscribeRequest{ClientID: cl.ID, TopicFilter: sub.Filter})
	}

	h.mu.Lock()
	h.pending[cl] = decisions
	h.mu.Unlock()
	return pk
}

// OnSubscribed discards the decisions of a processed SUBSCRIBE.
func (h *Hook) OnSubscribed(cl *mqtt.Client, _ packets.Packet, _ []byte) {
	h.mu.Lock()
	delete(h.pending, cl)
	h.mu.Unlock()
}

// OnACLCheck returns the SUBSCRIBE decision for a filter being subscribed.
// Other read checks come from message delivery on subscriptions that were
// already authorized, and writes are authorized in OnPublish so that each
// message is checked and metered once.
func (h *Hook) OnACLCheck(cl *mqtt.Client, topic string, write bool) bool {
	if write || cl.Net.Inline {
		return true
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if allowed, ok := h.pending[cl][topic]; ok {
		return allowed
	}
	return true
}

// OnPublish authorizes a PUBLISH. Rejected messages are dropped.
func (h *Hook) OnPublish(cl *mqtt.Client, pk packets.Packet) (packets.Packet, error) {
	if cl.Net.Inline {
		return pk, nil
	}

	ctx, cancel := h.context()
	defer cancel()

	ok := h.coordinator.ProceedPublish(ctx, acl.PublishRequest{
		ClientID: cl.ID,
		Topic:    pk.TopicName,
		Payload:  pk.Payload,
		QoS:      pk.FixedHeader.Qos,
		Retain:   pk.FixedHeader.Retain,
	}, h.brokerID)
	if !ok {
		h.logger.Debug("publish rejected", "client_id", cl.ID, "topic", pk.TopicName)
		return pk, packets.ErrRejectPacket
	}
	return pk, nil
}

// OnUnsubscribed records every removed filter.
func (h *Hook) OnUnsubscribed(cl *mqtt.Client, pk packets.Packet) {
	ctx, cancel := h.context()
	defer cancel()

	for _, sub := range pk.Filters {
		if err := h.coordinator.ProceedUnsubscribe(ctx, acl.UnsubscribeRequest{ClientID: cl.ID, TopicFilter: sub.Filter}); err != nil {
			h.logger.Warn("unsubscribe not recorded", "client_id", cl.ID, "error", err)
		}
	}
}

// OnDisconnect records the end of a session. The client's cached
// authorization state is released unless a newer connection took the
// session over.
func (h *Hook) OnDisconnect(cl *mqtt.Client, err error, expire bool) {
	if cl.Net.Inline {
		return
	}
	lock := h.stripe(cl.ID)
	lock.Lock()
	defer lock.Unlock()

	ctx, cancel := h.context()
	defer cancel()

	reason := ""
	if err != nil {
		reason = err.Error()
	}
	if err := h.coordinator.ProceedDisconnect(ctx, acl.DisconnectRequest{ClientID: cl.ID, Reason: reason}); err != nil {
		h.logger.Warn("disconnect not recorded", "client_id", cl.ID, "error", err)
	}

	h.mu.Lock()
	owner := h.owners[cl.ID] == cl
	if owner {
		delete(h.owners, cl.ID)
	}
	delete(h.pending, cl)
	h.mu.Unlock()
	if !owner {
		return
	}
	if err := h.coordinator.ReleaseClient(ctx, cl.ID); err != nil {
		h.logger.Warn("client state not released", "client_id", cl.ID, "error", err)
	}
}

func (h *Hook) stripe(clientID string) *sync.Mutex {
	return &h.stripes[xxhash.Sum64String(clientID)%sessionStripes]
}

func (h *Hook) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), h.timeout)
}
