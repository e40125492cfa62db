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

package actor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncNow struct{ reason string }

// counterActor counts syncNow messages until its context ends.
type counterActor struct {
	seen chan string
}

func (a *counterActor) Start(ctx context.Context, mb *Mailbox) error {
	for {
		msg, err := mb.Receive(ctx)
		if err != nil {
			return nil
		}
		if m, ok := msg.(syncNow); ok {
			a.seen <- m.reason
		}
	}
}

func TestMailboxDeliversInOrder(t *testing.T) {
	mb := NewMailbox(3)
	for _, r := range []string{"startup", "timer", "manual"} {
		mb.Send(syncNow{reason: r})
	}
	assert.Equal(t, 3, mb.Len())

	for _, want := range []string{"startup", "timer", "manual"} {
		msg, err := mb.Receive(context.Background())
		require.NoError(t, err)
		assert.Equal(t, syncNow{reason: want}, msg)
	}
	assert.Zero(t, mb.Len())
}

func TestMailboxReceiveCancelled(t *testing.T) {
	mb := NewMailbox(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := mb.Receive(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestMailboxTrySendCoalesces(t *testing.T) {
	// A full mailbox already holds a pending request, so extra ones drop.
	mb := NewMailbox(1)
	assert.True(t, mb.TrySend(syncNow{reason: "threshold"}))
	assert.False(t, mb.TrySend(syncNow{reason: "threshold"}))
	assert.Equal(t, 1, mb.Len())

	msg := <-mb.Chan()
	assert.Equal(t, syncNow{reason: "threshold"}, msg)
	assert.True(t, mb.TrySend(syncNow{reason: "again"}))
}

func TestMailboxSendBlocksUntilReceived(t *testing.T) {
	mb := NewMailbox(1)
	mb.Send(syncNow{reason: "first"})

	sent := make(chan struct{})
	go func() {
		mb.Send(syncNow{reason: "second"})
		close(sent)
	}()

	select {
	case <-sent:
		t.Fatal("Send returned while the mailbox was full")
	case <-time.After(20 * time.Millisecond):
	}

	_, err := mb.Receive(context.Background())
	require.NoError(t, err)
	select {
	case <-sent:
	case <-time.After(time.Second):
		t.Fatal("Send did not complete after receive")
	}
}

func TestActorConsumesMailbox(t *testing.T) {
	a := &counterActor{seen: make(chan string, 2)}
	mb := NewMailbox(2)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Start(ctx, mb) }()

	mb.Send(syncNow{reason: "one"})
	mb.Send("ignored")
	mb.Send(syncNow{reason: "two"})
	assert.Equal(t, "one", <-a.seen)
	assert.Equal(t, "two", <-a.seen)

	cancel()
	assert.NoError(t, <-done)
}
