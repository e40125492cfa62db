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
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/clusterguard/pkg/actor"
	"github.com/turtacn/clusterguard/pkg/cluster"
	"github.com/turtacn/clusterguard/pkg/logger"
)

type fakeRegistry struct {
	mu          sync.Mutex
	brokers     map[cluster.BrokerID]cluster.BrokerSettings
	connects    int
	disconnects int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{brokers: make(map[cluster.BrokerID]cluster.BrokerSettings)}
}

func (r *fakeRegistry) ConnectBroker(id cluster.BrokerID, settings *cluster.BrokerSettings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connects++
	r.brokers[id] = *settings
	return nil
}

func (r *fakeRegistry) DisconnectBroker(id cluster.BrokerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects++
	delete(r.brokers, id)
	return nil
}

func (r *fakeRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.brokers)
}

// mutableDiscovery returns whatever peers currently holds.
type mutableDiscovery struct {
	mu    sync.Mutex
	peers []Peer
}

func (m *mutableDiscovery) set(peers ...Peer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers = peers
}

func (m *mutableDiscovery) DiscoverPeers(context.Context) ([]Peer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Peer(nil), m.peers...), nil
}

func TestSyncer_Reconciles(t *testing.T) {
	d := &mutableDiscovery{}
	reg := newFakeRegistry()
	template := cluster.BrokerSettings{UserName: "sync", Password: "secret", CleanSession: true}
	s := NewSyncer(d, reg, template, time.Hour, logger.Discard())
	ctx := context.Background()

	a := Peer{Name: "a", Host: "10.0.0.1", Port: 1883}
	b := Peer{Name: "b", Host: "10.0.0.2", Port: 1883}
	d.set(a, b)
	require.NoError(t, s.Sync(ctx))
	require.Len(t, reg.brokers, 2)
	assert.Equal(t, cluster.BrokerSettings{Host: "10.0.0.1", Port: 1883, UserName: "sync", Password: "secret", CleanSession: true}, reg.brokers[a.ID()])

	require.NoError(t, s.Sync(ctx))
	assert.Equal(t, 2, reg.connects, "unchanged peers are not re-registered")

	b.Host = "10.0.0.3"
	d.set(b)
	require.NoError(t, s.Sync(ctx))
	assert.Equal(t, 3, reg.connects)
	assert.Equal(t, 1, reg.disconnects)
	assert.Equal(t, map[cluster.BrokerID]cluster.BrokerSettings{
		b.ID(): {Host: "10.0.0.3", Port: 1883, UserName: "sync", Password: "secret", CleanSession: true},
	}, reg.brokers)
}

func TestSyncer_DiscoveryErrorKeepsRegistrations(t *testing.T) {
	reg := newFakeRegistry()
	s := NewSyncer(Static{{Name: "a", Host: "h", Port: 1}}, reg, cluster.BrokerSettings{}, time.Hour, logger.Discard())
	require.NoError(t, s.Sync(context.Background()))

	s.discovery = failingDiscovery{}
	assert.Error(t, s.Sync(context.Background()))
	assert.Equal(t, 1, reg.len())
}

func TestSyncer_RegistersWithCoordinator(t *testing.T) {
	coord := cluster.NewCoordinator(nil, nil, nil, logger.Discard(), cluster.Options{})
	s := NewSyncer(Static{{Name: "a", Host: "h", Port: 1883}}, coord, cluster.BrokerSettings{}, time.Hour, logger.Discard())

	require.NoError(t, s.Sync(context.Background()))
	brokers := coord.Brokers()
	require.Len(t, brokers, 1)
	assert.Equal(t, uuid.NewSHA1(peerNamespace, []byte("a")), brokers[0].ID)
}

func TestSyncer_StartPollsAndStops(t *testing.T) {
	d := &mutableDiscovery{}
	reg := newFakeRegistry()
	s := NewSyncer(d, reg, cluster.BrokerSettings{}, time.Hour, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	mb := actor.NewMailbox(1)
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx, mb) }()

	d.set(Peer{Name: "a", Host: "h", Port: 1})
	mb.Send(struct{}{})
	assert.Eventually(t, func() bool { return reg.len() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
