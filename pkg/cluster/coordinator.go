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
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/turtacn/clusterguard/pkg/acl"
	"github.com/turtacn/clusterguard/pkg/actor"
	"github.com/turtacn/clusterguard/pkg/metrics"
	"github.com/turtacn/clusterguard/pkg/storage"
	"github.com/turtacn/clusterguard/pkg/supervisor"
)

// Authorizer makes the per-client decisions the coordinator relies on.
// grain.Router is the production implementation.
type Authorizer interface {
	ProceedConnect(ctx context.Context, req acl.ConnectRequest) (bool, error)
	ProceedPublish(ctx context.Context, req acl.PublishRequest) (bool, error)
	ProceedSubscribe(ctx context.Context, req acl.SubscribeRequest) (bool, error)
	IsSyncUser(ctx context.Context, clientID string) (bool, error)
	RefreshCache(ctx context.Context, clientID string, force bool) error
	Release(ctx context.Context, clientID string) error
}

// Options tune the coordinator's background work.
type Options struct {
	// FlushInitialDelay is the wait before the first periodic flush.
	FlushInitialDelay time.Duration
	// FlushInterval is the period between flushes.
	FlushInterval time.Duration
	// FlushTimeout bounds a single flush, including the final one on Close.
	FlushTimeout time.Duration
	// FlushThreshold triggers an early flush once a queue holds this many
	// records. Zero disables it.
	FlushThreshold int
	// ReplicationTimeout bounds delivery to one peer.
	ReplicationTimeout time.Duration
}

// DefaultOptions returns the options used when a field is left zero.
func DefaultOptions() Options {
	return Options{
		FlushInitialDelay:  time.Second,
		FlushInterval:      10 * time.Second,
		FlushTimeout:       30 * time.Second,
		ReplicationTimeout: 5 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.FlushInitialDelay <= 0 {
		o.FlushInitialDelay = d.FlushInitialDelay
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = d.FlushInterval
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = d.FlushTimeout
	}
	if o.ReplicationTimeout <= 0 {
		o.ReplicationTimeout = d.ReplicationTimeout
	}
	return o
}

// Coordinator is the single cluster-wide entry point for authorization
// requests. Request methods may be called concurrently; only the broker
// table and the two queues are shared between calls.
type Coordinator struct {
	auth       Authorizer
	store      storage.Store
	replicator Replicator
	logger     *slog.Logger
	opts       Options

	mu      sync.RWMutex
	brokers map[BrokerID]BrokerSettings
	closed  bool
	fanout  sync.WaitGroup

	audits   *Queue[storage.AuditEvent]
	messages *Queue[storage.OutboundMessage]

	mailbox   *actor.Mailbox
	sup       *supervisor.OneForOneSupervisor
	cancel    context.CancelFunc
	startOnce sync.Once
	closeOnce sync.Once
}

// NewCoordinator creates a coordinator. Start must be called to enable the
// periodic flush.
func NewCoordinator(auth Authorizer, store storage.Store, replicator Replicator, logger *slog.Logger, opts Options) *Coordinator {
	return &Coordinator{
		auth:       auth,
		store:      store,
		replicator: replicator,
		logger:     logger,
		opts:       opts.withDefaults(),
		brokers:    make(map[BrokerID]BrokerSettings),
		audits:     NewQueue[storage.AuditEvent]("audit"),
		messages:   NewQueue[storage.OutboundMessage]("message"),
		mailbox:    actor.NewMailbox(16),
		sup:        supervisor.NewOneForOneSupervisor(logger),
	}
}

// Start launches the supervised flush loop. It returns immediately.
func (c *Coordinator) Start(ctx context.Context) error {
	var err error
	c.startOnce.Do(func() {
		ctx, c.cancel = context.WithCancel(ctx)
		err = c.sup.Start(ctx, []supervisor.Spec{{
			ID: "coordinator-flusher",
			Actor: &flusher{
				flush:        c.Flush,
				initialDelay: c.opts.FlushInitialDelay,
				interval:     c.opts.FlushInterval,
				timeout:      c.opts.FlushTimeout,
				logger:       c.logger,
			},
			Restart: supervisor.RestartPermanent,
			Mailbox: c.mailbox,
		}})
	})
	return err
}

// Close waits for in-flight replication, stops the flush loop and drains
// both queues one last time.
func (c *Coordinator) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.fanout.Wait()

		if c.cancel != nil {
			c.cancel()
			c.sup.Wait()
		}

		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.FlushTimeout)
		defer cancel()
		err = c.Flush(flushCtx)
		c.logger.Info("coordinator stopped")
	})
	return err
}

// ConnectBroker registers a broker, replacing any previous registration
// with the same id.
func (c *Coordinator) ConnectBroker(id BrokerID, settings *BrokerSettings) error {
	if id == (BrokerID{}) {
		return ErrInvalidBrokerID
	}
	if settings == nil {
		return ErrMissingSettings
	}

	c.enqueueAudit(storage.AuditBrokerConnect, fmt.Sprintf("broker_id=%s address=%s", id, settings.Address()))

	c.mu.Lock()
	c.brokers[id] = *settings
	n := len(c.brokers)
	c.mu.Unlock()

	metrics.RegisteredBrokers.Set(float64(n))
	c.logger.Info("broker connected", "broker_id", id, "address", settings.Address())
	return nil
}

// DisconnectBroker removes a broker registration. Unknown ids are ignored.
func (c *Coordinator) DisconnectBroker(id BrokerID) error {
	if id == (BrokerID{}) {
		return ErrInvalidBrokerID
	}

	c.enqueueAudit(storage.AuditBrokerDisconnect, fmt.Sprintf("broker_id=%s", id))

	c.mu.Lock()
	delete(c.brokers, id)
	n := len(c.brokers)
	c.mu.Unlock()

	metrics.RegisteredBrokers.Set(float64(n))
	c.logger.Info("broker disconnected", "broker_id", id)
	return nil
}

// Brokers returns the registered brokers ordered by id.
func (c *Coordinator) Brokers() []BrokerRegistration {
	c.mu.RLock()
	out := make([]BrokerRegistration, 0, len(c.brokers))
	for id, settings := range c.brokers {
		out = append(out, BrokerRegistration{ID: id, Settings: settings})
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

// ProceedConnect authorizes a CONNECT and records it when accepted.
func (c *Coordinator) ProceedConnect(ctx context.Context, req acl.ConnectRequest) (allowed bool) {
	defer c.recoverReject("connect", req.ClientID, &allowed)

	ok, err := c.auth.ProceedConnect(ctx, req)
	if err != nil {
		c.logger.Warn("connect check failed", "client_id", req.ClientID, "error", err)
		return false
	}
	if !ok {
		return false
	}

	c.enqueueAudit(storage.AuditConnect, fmt.Sprintf("client_id=%s endpoint=%s user_name=%s clean_session=%t",
		req.ClientID, req.Endpoint, req.UserName, req.CleanSession))
	return true
}

// ProceedDisconnect records a client disconnect.
func (c *Coordinator) ProceedDisconnect(ctx context.Context, req acl.DisconnectRequest) error {
	if req.ClientID == "" {
		return fmt.Errorf("disconnect: client id: %w", ErrMissingField)
	}
	c.enqueueAudit(storage.AuditDisconnect, fmt.Sprintf("client_id=%s reason=%s", req.ClientID, req.Reason))
	return nil
}

// ProceedSubscribe authorizes one subscription filter and records it when
// accepted.
func (c *Coordinator) ProceedSubscribe(ctx context.Context, req acl.SubscribeRequest) (allowed bool) {
	defer c.recoverReject("subscribe", req.ClientID, &allowed)

	ok, err := c.auth.ProceedSubscribe(ctx, req)
	if err != nil {
		c.logger.Warn("subscribe check failed", "client_id", req.ClientID, "error", err)
		return false
	}
	if !ok {
		return false
	}

	c.enqueueAudit(storage.AuditSubscribe, fmt.Sprintf("client_id=%s topic_filter=%s", req.ClientID, req.TopicFilter))
	return true
}

// ProceedUnsubscribe records an unsubscription. It is not authorized.
func (c *Coordinator) ProceedUnsubscribe(ctx context.Context, req acl.UnsubscribeRequest) error {
	if req.ClientID == "" {
		return fmt.Errorf("unsubscribe: client id: %w", ErrMissingField)
	}
	if req.TopicFilter == "" {
		return fmt.Errorf("unsubscribe: topic filter: %w", ErrMissingField)
	}
	c.enqueueAudit(storage.AuditUnsubscribe, fmt.Sprintf("client_id=%s topic_filter=%s", req.ClientID, req.TopicFilter))
	return nil
}

// ProceedPublish authorizes a PUBLISH. An accepted message is queued for
// persistence and, unless it was published by a replication identity,
// replicated to every registered broker except origin. Replication runs in
// the background.
func (c *Coordinator) ProceedPublish(ctx context.Context, req acl.PublishRequest, origin BrokerID) (allowed bool) {
	defer c.recoverReject("publish", req.ClientID, &allowed)

	ok, err := c.auth.ProceedPublish(ctx, req)
	if err != nil {
		c.logger.Warn("publish check failed", "client_id", req.ClientID, "topic", req.Topic, "error", err)
		return false
	}
	if !ok {
		return false
	}

	// Nothing after the enqueue may turn the result into a rejection.
	isSync := c.isSyncUser(ctx, req.ClientID)
	msg := storage.NewOutboundMessage(req)
	if n := c.messages.Enqueue(msg); c.opts.FlushThreshold > 0 && n >= c.opts.FlushThreshold {
		c.requestFlush()
	}
	if !isSync {
		c.replicate(msg, origin)
	}
	return true
}

// isSyncUser reports whether clientID is a replication identity. Failures
// count as false.
func (c *Coordinator) isSyncUser(ctx context.Context, clientID string) (isSync bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("sync user lookup panicked", "client_id", clientID, "panic", r)
			isSync = false
		}
	}()
	isSync, err := c.auth.IsSyncUser(ctx, clientID)
	if err != nil {
		c.logger.Warn("sync user lookup failed", "client_id", clientID, "error", err)
		return false
	}
	return isSync
}

// ReleaseClient drops the cached authorization state of a client whose
// session ended.
func (c *Coordinator) ReleaseClient(ctx context.Context, clientID string) error {
	if clientID == "" {
		return fmt.Errorf("release: client id: %w", ErrMissingField)
	}
	return c.auth.Release(ctx, clientID)
}

// RefreshClient reloads the cached access lists of a client.
func (c *Coordinator) RefreshClient(ctx context.Context, clientID string) error {
	return c.auth.RefreshCache(ctx, clientID, true)
}

// Pending returns the number of queued audit events and messages.
func (c *Coordinator) Pending() (audits, messages int) {
	return c.audits.Len(), c.messages.Len()
}

// Flush drains both queues into the store with one batch call each. A
// failed batch is dropped.
func (c *Coordinator) Flush(ctx context.Context) error {
	audits := c.audits.Drain()
	messages := c.messages.Drain()
	if len(audits) == 0 && len(messages) == 0 {
		return nil
	}
	c.logger.Debug("flushing queues", "audit_events", len(audits), "messages", len(messages))

	var errs []error
	if len(audits) > 0 {
		if err := c.store.InsertAuditEvents(ctx, audits); err != nil {
			metrics.FlushFailures.WithLabelValues("audit").Inc()
			errs = append(errs, fmt.Errorf("insert %d audit events: %w", len(audits), err))
		} else {
			metrics.FlushedRecords.WithLabelValues("audit").Add(float64(len(audits)))
		}
	}
	if len(messages) > 0 {
		if err := c.store.InsertOutboundMessages(ctx, messages); err != nil {
			metrics.FlushFailures.WithLabelValues("message").Inc()
			errs = append(errs, fmt.Errorf("insert %d messages: %w", len(messages), err))
		} else {
			metrics.FlushedRecords.WithLabelValues("message").Add(float64(len(messages)))
		}
	}
	return errors.Join(errs...)
}

func (c *Coordinator) enqueueAudit(kind storage.AuditKind, detail string) {
	if n := c.audits.Enqueue(storage.NewAuditEvent(kind, detail)); c.opts.FlushThreshold > 0 && n >= c.opts.FlushThreshold {
		c.requestFlush()
	}
}

// requestFlush asks the flush loop for an early flush without waiting.
func (c *Coordinator) requestFlush() {
	if !c.mailbox.TrySend(&flushRequest{}) {
		c.logger.Debug("flush already pending")
	}
}

// replicate sends msg to every registered broker except origin, one
// goroutine per peer.
func (c *Coordinator) replicate(msg storage.OutboundMessage, origin BrokerID) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("replication fan-out panicked", "topic", msg.Topic, "panic", r)
		}
	}()
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}

	for id, peer := range c.brokers {
		if id == origin {
			continue
		}
		c.fanout.Add(1)
		go func(id BrokerID, peer BrokerSettings) {
			defer c.fanout.Done()
			defer func() {
				if r := recover(); r != nil {
					metrics.ReplicationAttempts.WithLabelValues("failure").Inc()
					c.logger.Error("replication panicked", "broker_id", id, "panic", r)
				}
			}()

			ctx, cancel := context.WithTimeout(context.Background(), c.opts.ReplicationTimeout)
			defer cancel()
			if err := c.replicator.Replicate(ctx, peer, msg); err != nil {
				metrics.ReplicationAttempts.WithLabelValues("failure").Inc()
				c.logger.Warn("replication failed", "broker_id", id, "address", peer.Address(), "topic", msg.Topic, "error", err)
				return
			}
			metrics.ReplicationAttempts.WithLabelValues("success").Inc()
		}(id, peer)
	}
}

func (c *Coordinator) recoverReject(op, clientID string, allowed *bool) {
	if r := recover(); r != nil {
		c.logger.Error("request handling panicked", "operation", op, "client_id", clientID, "panic", r)
		*allowed = false
	}
}
