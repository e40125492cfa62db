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

package grain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/turtacn/clusterguard/pkg/acl"
	"github.com/turtacn/clusterguard/pkg/auth"
	"github.com/turtacn/clusterguard/pkg/metrics"
	"github.com/turtacn/clusterguard/pkg/storage"
	"github.com/turtacn/clusterguard/pkg/throttle"
)

// Dependencies are the collaborators every client actor shares.
type Dependencies struct {
	Store   storage.Store
	Hasher  auth.Hasher
	Counter throttle.Counter
	Logger  *slog.Logger
	// Now is the clock used for data limit expiry. Defaults to time.Now.
	Now func() time.Time
	// IdleTimeout stops an actor without an authenticated user that
	// received no message for this long. Zero disables idle stops.
	IdleTimeout time.Duration
}

// clientActor is the authorization state of a single client identifier.
type clientActor struct {
	clientID string
	deps     *Dependencies
	onStop   func(self *actor.PID)
	logger   *slog.Logger

	user        *acl.User
	snapshot    *acl.Snapshot
	cacheLoaded bool
}

func newClientActor(clientID string, deps *Dependencies, onStop func(*actor.PID)) *clientActor {
	return &clientActor{
		clientID: clientID,
		deps:     deps,
		onStop:   onStop,
		logger:   deps.Logger.With("client_id", clientID),
		snapshot: &acl.Snapshot{},
	}
}

// Receive is the message handler for the client actor.
func (a *clientActor) Receive(c actor.Context) {
	switch msg := c.Message().(type) {
	case *actor.Started:
		if a.deps.IdleTimeout > 0 {
			c.SetReceiveTimeout(a.deps.IdleTimeout)
		}
	case *actor.ReceiveTimeout:
		// Authenticated actors live until Release.
		if a.user == nil {
			a.logger.Debug("client actor idle, stopping")
			c.Stop(c.Self())
		}
	case *actor.Stopped:
		if a.onStop != nil {
			a.onStop(c.Self())
		}
	case *connectMsg:
		c.Respond(&verdict{allowed: a.guard("connect", func() (bool, error) {
			return a.proceedConnect(msg.ctx, msg.req)
		})})
	case *publishMsg:
		c.Respond(&verdict{allowed: a.guard("publish", func() (bool, error) {
			return a.proceedTopic(msg.ctx, acl.TopicCheck{
				Direction: acl.Publish,
				ClientID:  msg.req.ClientID,
				Topic:     msg.req.Topic,
				Size:      int64(len(msg.req.Payload)),
			})
		})})
	case *subscribeMsg:
		c.Respond(&verdict{allowed: a.guard("subscribe", func() (bool, error) {
			return a.proceedTopic(msg.ctx, acl.TopicCheck{
				Direction: acl.Subscribe,
				ClientID:  msg.req.ClientID,
				Topic:     msg.req.TopicFilter,
			})
		})})
	case *isSyncUserMsg:
		c.Respond(&verdict{allowed: a.user != nil && a.user.IsSyncUser})
	case *refreshCacheMsg:
		c.Respond(&refreshed{err: a.guardRefresh(msg.ctx, msg.force)})
	}
}

// guard runs an authorization step and fails closed on error or panic.
func (a *clientActor) guard(op string, fn func() (bool, error)) (allowed bool) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("authorization check panicked", "operation", op, "panic", r)
			allowed = false
		}
		result := "deny"
		if allowed {
			result = "allow"
		}
		metrics.AuthorizationDecisions.WithLabelValues(op, result).Inc()
	}()

	ok, err := fn()
	if err != nil {
		a.logger.Warn("authorization check failed", "operation", op, "error", err)
		return false
	}
	return ok
}

func (a *clientActor) proceedConnect(ctx context.Context, req acl.ConnectRequest) (bool, error) {
	user, err := a.deps.Store.GetUserByName(ctx, req.UserName)
	if errors.Is(err, storage.ErrNotFound) {
		a.logger.Info("connect rejected: unknown user", "user", req.UserName)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load user %s: %w", req.UserName, err)
	}

	// The cached identity changes only after a successful connect, so a
	// rejected attempt never alters the live session's permissions.
	if !acl.ValidateConnect(user, req, a.deps.Hasher) {
		a.logger.Info("connect rejected", "user", req.UserName)
		return false, nil
	}

	snapshot := a.snapshot
	if !a.cacheLoaded || a.user == nil || a.user.ID != user.ID {
		snapshot, err = a.deps.Store.GetUserAccessSnapshot(ctx, user.ID)
		if err != nil {
			return false, fmt.Errorf("load access snapshot for %s: %w", user.UserName, err)
		}
	}
	a.user = user
	a.snapshot = snapshot
	a.cacheLoaded = true
	return true, nil
}

func (a *clientActor) proceedTopic(ctx context.Context, check acl.TopicCheck) (bool, error) {
	now := time.Now
	if a.deps.Now != nil {
		now = a.deps.Now
	}

	decision, err := acl.ValidateTopic(ctx, a.user, a.snapshot, check, a.deps.Counter, now())
	if err != nil {
		return false, err
	}
	if decision == acl.Unmatched {
		metrics.UnmatchedDecisions.WithLabelValues(check.Direction.String()).Inc()
		a.logger.Error("no access control entry resolved the request",
			"operation", check.Direction.String(), "topic", check.Topic)
	}
	return decision.Allowed(), nil
}

// guardRefresh runs refreshCache, turning a panic into an error so the
// cached user survives.
func (a *clientActor) guardRefresh(ctx context.Context, force bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("cache refresh panicked", "panic", r)
			err = fmt.Errorf("refresh cache for %s: panic: %v", a.clientID, r)
		}
	}()
	return a.refreshCache(ctx, force)
}

// refreshCache reloads the snapshot when forced or when it was never loaded.
// The snapshot is replaced only after a successful load.
func (a *clientActor) refreshCache(ctx context.Context, force bool) error {
	if !force && a.cacheLoaded {
		return nil
	}
	if a.user == nil {
		return nil
	}

	snapshot, err := a.deps.Store.GetUserAccessSnapshot(ctx, a.user.ID)
	if err != nil {
		return fmt.Errorf("load access snapshot for %s: %w", a.user.UserName, err)
	}
	a.snapshot = snapshot
	a.cacheLoaded = true
	return nil
}
