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

// Package grain hosts one authorization actor per MQTT client identifier.
//
// Each actor caches the user record and ACL snapshot of the client it
// represents. The protoactor mailbox processes one message at a time, so all
// checks for a client identifier are serialized while different clients are
// checked in parallel.
package grain

import (
	"context"

	"github.com/turtacn/clusterguard/pkg/acl"
)

// connectMsg asks the actor to validate a CONNECT.
type connectMsg struct {
	ctx context.Context
	req acl.ConnectRequest
}

// publishMsg asks the actor to validate a PUBLISH.
type publishMsg struct {
	ctx context.Context
	req acl.PublishRequest
}

// subscribeMsg asks the actor to validate one SUBSCRIBE filter.
type subscribeMsg struct {
	ctx context.Context
	req acl.SubscribeRequest
}

// isSyncUserMsg asks whether the cached user is a replication identity.
type isSyncUserMsg struct{}

// refreshCacheMsg asks the actor to reload its ACL snapshot.
type refreshCacheMsg struct {
	ctx   context.Context
	force bool
}

// verdict is the reply to every boolean request.
type verdict struct {
	allowed bool
}

// refreshed is the reply to refreshCacheMsg.
type refreshed struct {
	err error
}
