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
	"fmt"
	"log/slog"
	"time"

	"github.com/turtacn/clusterguard/pkg/actor"
)

// flushRequest asks the flusher for an immediate flush. done, when set,
// receives the result.
type flushRequest struct {
	done chan error
}

// flusher is the background actor draining the coordinator's queues into
// the store, first after initialDelay and then every interval.
type flusher struct {
	flush        func(context.Context) error
	initialDelay time.Duration
	interval     time.Duration
	timeout      time.Duration
	logger       *slog.Logger
}

// Start implements actor.Actor.
func (f *flusher) Start(ctx context.Context, mb *actor.Mailbox) error {
	timer := time.NewTimer(f.initialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			f.run(ctx)
			timer.Reset(f.interval)
		case msg := <-mb.Chan():
			switch m := msg.(type) {
			case *flushRequest:
				err := f.run(ctx)
				if m.done != nil {
					m.done <- err
				}
			default:
				f.logger.Warn("flusher received unknown message", "type", fmt.Sprintf("%T", msg))
			}
		}
	}
}

// run performs one flush. A flush in progress is allowed to finish even
// when ctx is cancelled, bounded by the flush timeout.
func (f *flusher) run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("flush panicked: %v", r)
			f.logger.Error("flush panicked", "panic", r)
		}
	}()

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
	defer cancel()

	if err = f.flush(flushCtx); err != nil {
		f.logger.Error("flush failed", "error", err)
	}
	return err
}
