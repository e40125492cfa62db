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
	"strings"
	"sync"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/turtacn/clusterguard/pkg/acl"
	"github.com/turtacn/clusterguard/pkg/metrics"
)

const namePrefix = "client$"

// ErrEmptyClientID is returned for requests that carry no client identifier.
var ErrEmptyClientID = errors.New("empty client id")

// Router locates the actor for a client identifier, spawning it on first
// use, and turns actor replies into plain return values.
type Router struct {
	system  *actor.ActorSystem
	deps    Dependencies
	timeout time.Duration

	mu   sync.Mutex
	pids map[string]*actor.PID
}

// NewRouter creates a Router spawning actors in system. timeout bounds every
// request when the caller's context has no earlier deadline.
func NewRouter(system *actor.ActorSystem, deps Dependencies, timeout time.Duration) *Router {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Router{
		system:  system,
		deps:    deps,
		timeout: timeout,
		pids:    make(map[string]*actor.PID),
	}
}

// ProceedConnect validates a CONNECT for req.ClientID.
func (r *Router) ProceedConnect(ctx context.Context, req acl.ConnectRequest) (bool, error) {
	return r.ask(ctx, req.ClientID, &connectMsg{ctx: ctx, req: req})
}

// ProceedPublish validates a PUBLISH for req.ClientID.
func (r *Router) ProceedPublish(ctx context.Context, req acl.PublishRequest) (bool, error) {
	return r.ask(ctx, req.ClientID, &publishMsg{ctx: ctx, req: req})
}

// ProceedSubscribe validates one SUBSCRIBE filter for req.ClientID.
func (r *Router) ProceedSubscribe(ctx context.Context, req acl.SubscribeRequest) (bool, error) {
	return r.ask(ctx, req.ClientID, &subscribeMsg{ctx: ctx, req: req})
}

// IsSyncUser reports whether clientID is connected as a replication identity.
func (r *Router) IsSyncUser(ctx context.Context, clientID string) (bool, error) {
	return r.ask(ctx, clientID, &isSyncUserMsg{})
}

// RefreshCache reloads the ACL snapshot held by clientID's actor. Without
// force, an already loaded snapshot is kept.
func (r *Router) RefreshCache(ctx context.Context, clientID string, force bool) error {
	res, err := r.request(ctx, clientID, &refreshCacheMsg{ctx: ctx, force: force})
	if err != nil {
		return err
	}
	reply, ok := res.(*refreshed)
	if !ok {
		return fmt.Errorf("unexpected reply %T from client actor %s", res, clientID)
	}
	return reply.err
}

// Release stops the actor of clientID, dropping its cached user and ACL
// snapshot. A client without an actor is ignored.
func (r *Router) Release(_ context.Context, clientID string) error {
	if clientID == "" {
		return ErrEmptyClientID
	}
	r.mu.Lock()
	pid, ok := r.pids[clientID]
	delete(r.pids, clientID)
	metrics.ActiveGrains.Set(float64(len(r.pids)))
	r.mu.Unlock()
	if !ok {
		return nil
	}

	if err := r.system.Root.StopFuture(pid).Wait(); err != nil {
		return fmt.Errorf("stop client actor %s: %w", clientID, err)
	}
	return nil
}

// Active returns the number of live client actors.
func (r *Router) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pids)
}

// Close stops every client actor and waits for them to terminate.
func (r *Router) Close() {
	r.mu.Lock()
	pids := make([]*actor.PID, 0, len(r.pids))
	for _, pid := range r.pids {
		pids = append(pids, pid)
	}
	r.mu.Unlock()

	for _, pid := range pids {
		_ = r.system.Root.StopFuture(pid).Wait()
	}
}

func (r *Router) ask(ctx context.Context, clientID string, msg any) (bool, error) {
	res, err := r.request(ctx, clientID, msg)
	if err != nil {
		return false, err
	}
	reply, ok := res.(*verdict)
	if !ok {
		return false, fmt.Errorf("unexpected reply %T from client actor %s", res, clientID)
	}
	return reply.allowed, nil
}

// request delivers msg to the client's actor and waits for the reply. An
// actor that stopped between lookup and delivery is respawned once.
func (r *Router) request(ctx context.Context, clientID string, msg any) (any, error) {
	if clientID == "" {
		return nil, ErrEmptyClientID
	}

	timeout := r.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return nil, context.DeadlineExceeded
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		pid, err := r.lookup(clientID)
		if err != nil {
			return nil, err
		}
		res, err := r.system.Root.RequestFuture(pid, msg, timeout).Result()
		if errors.Is(err, actor.ErrDeadLetter) {
			r.forget(pid)
			lastErr = err
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("client actor %s: %w", clientID, err)
		}
		return res, nil
	}
	return nil, fmt.Errorf("client actor %s: %w", clientID, lastErr)
}

// lookup returns the actor for clientID, spawning it when absent.
func (r *Router) lookup(clientID string) (*actor.PID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if pid, ok := r.pids[clientID]; ok {
		return pid, nil
	}

	props := actor.PropsFromProducer(func() actor.Actor {
		return newClientActor(clientID, &r.deps, r.forget)
	})
	pid, err := r.system.Root.SpawnNamed(props, namePrefix+clientID)
	if err != nil && !errors.Is(err, actor.ErrNameExists) {
		return nil, fmt.Errorf("spawn client actor %s: %w", clientID, err)
	}
	r.pids[clientID] = pid
	metrics.ActiveGrains.Set(float64(len(r.pids)))
	return pid, nil
}

// forget drops pid from the routing table if it is still the current actor
// for its client.
func (r *Router) forget(pid *actor.PID) {
	if pid == nil || !strings.HasPrefix(pid.Id, namePrefix) {
		return
	}
	clientID := strings.TrimPrefix(pid.Id, namePrefix)

	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.pids[clientID]; ok && current.Id == pid.Id && current.Address == pid.Address {
		delete(r.pids, clientID)
	}
	metrics.ActiveGrains.Set(float64(len(r.pids)))
}
