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

package discovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/turtacn/clusterguard/pkg/actor"
	"github.com/turtacn/clusterguard/pkg/cluster"
)

// Registry receives broker membership changes. cluster.Coordinator
// implements it.
type Registry interface {
	ConnectBroker(id cluster.BrokerID, settings *cluster.BrokerSettings) error
	DisconnectBroker(id cluster.BrokerID) error
}

// Syncer reconciles discovered peers into a Registry. Host and port come
// from discovery; credentials, TLS and session flags from Template.
type Syncer struct {
	discovery Discovery
	registry  Registry
	template  cluster.BrokerSettings
	interval  time.Duration
	logger    *slog.Logger

	known map[uuid.UUID]cluster.BrokerSettings
}

// NewSyncer creates a Syncer polling d every interval.
func NewSyncer(d Discovery, registry Registry, template cluster.BrokerSettings, interval time.Duration, logger *slog.Logger) *Syncer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Syncer{
		discovery: d,
		registry:  registry,
		template:  template,
		interval:  interval,
		logger:    logger,
		known:     make(map[uuid.UUID]cluster.BrokerSettings),
	}
}

// Sync performs one reconciliation. New or changed peers are registered,
// vanished peers are removed. A discovery error leaves registrations as
// they are.
func (s *Syncer) Sync(ctx context.Context) error {
	peers, err := s.discovery.DiscoverPeers(ctx)
	if err != nil {
		return err
	}

	current := make(map[uuid.UUID]cluster.BrokerSettings, len(peers))
	for _, p := range peers {
		settings := s.template
		settings.Host = p.Host
		settings.Port = p.Port
		current[p.ID()] = settings
	}

	for id, settings := range current {
		if prev, ok := s.known[id]; ok && prev == settings {
			continue
		}
		if err := s.registry.ConnectBroker(id, &settings); err != nil {
			s.logger.Warn("failed to register peer", "broker_id", id, "address", settings.Address(), "error", err)
			continue
		}
		s.known[id] = settings
	}
	for id := range s.known {
		if _, ok := current[id]; ok {
			continue
		}
		if err := s.registry.DisconnectBroker(id); err != nil {
			s.logger.Warn("failed to remove peer", "broker_id", id, "error", err)
			continue
		}
		delete(s.known, id)
	}
	return nil
}

// Start implements actor.Actor: it syncs immediately and then on every
// interval until ctx is done. Any message on the mailbox triggers an
// extra sync.
func (s *Syncer) Start(ctx context.Context, mb *actor.Mailbox) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.syncAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.syncAndLog(ctx)
		case <-mb.Chan():
			s.syncAndLog(ctx)
		}
	}
}

func (s *Syncer) syncAndLog(ctx context.Context) {
	if err := s.Sync(ctx); err != nil {
		s.logger.Warn("peer discovery failed", "error", err)
	}
}
