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

// Package supervisor restarts the process's background actors, such as the
// coordinator flusher and the peer discovery loop, when they fail.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/turtacn/clusterguard/pkg/actor"
	"github.com/turtacn/clusterguard/pkg/metrics"
)

// RestartStrategy defines the restart behavior for a supervised child actor.
type RestartStrategy int

const (
	// RestartPermanent always restarts the child.
	RestartPermanent RestartStrategy = iota
	// RestartTransient restarts the child only after an error or a panic.
	RestartTransient
	// RestartTemporary never restarts the child.
	RestartTemporary
)

func (r RestartStrategy) restarts(err error) bool {
	switch r {
	case RestartPermanent:
		return true
	case RestartTransient:
		return err != nil
	default:
		return false
	}
}

// Spec describes one supervised child.
type Spec struct {
	// ID names the child in logs and metrics.
	ID      string
	Actor   actor.Actor
	Restart RestartStrategy
	Mailbox *actor.Mailbox
}

// Supervisor defines the interface for a supervisor process.
type Supervisor interface {
	Start(ctx context.Context, specs []Spec) error
	StartChild(ctx context.Context, spec Spec)
	Wait()
}

// OneForOneSupervisor restarts only the child that terminated.
type OneForOneSupervisor struct {
	logger *slog.Logger
	// RestartDelay is the pause before a terminated child is started again.
	RestartDelay time.Duration
	// MaxRestarts within Period gives up on a child. Zero means no limit.
	MaxRestarts int
	Period      time.Duration

	wg sync.WaitGroup
}

// NewOneForOneSupervisor creates a new one-for-one supervisor.
func NewOneForOneSupervisor(logger *slog.Logger) *OneForOneSupervisor {
	return &OneForOneSupervisor{
		logger:       logger,
		RestartDelay: time.Second,
		Period:       time.Minute,
	}
}

// Start launches the initial set of children without blocking.
func (s *OneForOneSupervisor) Start(ctx context.Context, specs []Spec) error {
	if len(specs) == 0 {
		return errors.New("no child specs provided")
	}
	for _, spec := range specs {
		s.StartChild(ctx, spec)
	}
	return nil
}

// StartChild launches and monitors a single child in its own goroutine.
func (s *OneForOneSupervisor) StartChild(ctx context.Context, spec Spec) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.supervise(ctx, spec)
	}()
}

// Wait blocks until every child has terminated and will not be restarted.
func (s *OneForOneSupervisor) Wait() {
	s.wg.Wait()
}

func (s *OneForOneSupervisor) supervise(ctx context.Context, spec Spec) {
	var recent []time.Time
	for {
		err := s.run(ctx, spec)
		if ctx.Err() != nil {
			s.logger.Debug("actor stopped", "actor_id", spec.ID)
			return
		}
		if !spec.Restart.restarts(err) {
			s.logger.Debug("actor terminated, not restarting", "actor_id", spec.ID, "reason", err)
			return
		}

		now := time.Now()
		if s.MaxRestarts > 0 {
			recent = append(recent, now)
			for len(recent) > 0 && now.Sub(recent[0]) > s.Period {
				recent = recent[1:]
			}
			if len(recent) > s.MaxRestarts {
				s.logger.Error("actor restart intensity exceeded, giving up",
					"actor_id", spec.ID, "restarts", len(recent)-1, "period", s.Period, "reason", err)
				return
			}
		}

		metrics.SupervisorRestartsTotal.WithLabelValues(spec.ID).Inc()
		s.logger.Warn("restarting actor", "actor_id", spec.ID, "reason", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.RestartDelay):
		}
	}
}

// run starts the actor once, converting a panic into an error.
func (s *OneForOneSupervisor) run(ctx context.Context, spec Spec) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("actor %s panicked: %v", spec.ID, r)
		}
	}()
	s.logger.Debug("starting actor", "actor_id", spec.ID)
	return spec.Actor.Start(ctx, spec.Mailbox)
}
