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

// Package discovery finds peer brokers and keeps the coordinator's broker
// registrations in step with them.
package discovery

import (
	"context"
	"net"
	"strconv"

	"github.com/google/uuid"
)

// peerNamespace scopes the name-based UUIDs given to discovered peers.
var peerNamespace = uuid.MustParse("8f0c5d1e-3b0a-4a53-9a52-6c1f0e6b7d21")

// Peer represents another broker in the cluster.
type Peer struct {
	Name string `yaml:"name" json:"name"`
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

// ID returns a broker id that is stable for the peer's name.
func (p Peer) ID() uuid.UUID {
	return uuid.NewSHA1(peerNamespace, []byte(p.Name))
}

// Address returns host:port.
func (p Peer) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// Discovery defines the interface for service discovery.
type Discovery interface {
	// DiscoverPeers returns a list of all peer brokers in the cluster.
	DiscoverPeers(ctx context.Context) ([]Peer, error)
}

// Static is a fixed peer list, typically from configuration.
type Static []Peer

// DiscoverPeers implements Discovery.
func (s Static) DiscoverPeers(context.Context) ([]Peer, error) {
	out := make([]Peer, len(s))
	copy(out, s)
	return out, nil
}

// Multi merges the peers of several sources. The first source to report a
// name wins.
type Multi []Discovery

// DiscoverPeers implements Discovery. It fails if any source fails.
func (m Multi) DiscoverPeers(ctx context.Context) ([]Peer, error) {
	seen := make(map[string]struct{})
	var out []Peer
	for _, d := range m {
		peers, err := d.DiscoverPeers(ctx)
		if err != nil {
			return nil, err
		}
		for _, p := range peers {
			if _, ok := seen[p.Name]; ok {
				continue
			}
			seen[p.Name] = struct{}{}
			out = append(out, p)
		}
	}
	return out, nil
}
