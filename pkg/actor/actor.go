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

// Package actor provides a minimal mailbox actor used for long-running
// background loops such as the coordinator's periodic flush.
package actor

import "context"

// Actor is a long-running process driven by messages from its Mailbox.
type Actor interface {
	// Start runs the actor until ctx is cancelled or the actor fails. A
	// non-nil error tells the supervisor the termination was abnormal.
	Start(ctx context.Context, mb *Mailbox) error
}

// Mailbox is a channel-based message queue for an actor.
type Mailbox struct {
	messages chan any
}

// NewMailbox creates a new mailbox with the given buffer size.
func NewMailbox(size int) *Mailbox {
	return &Mailbox{
		messages: make(chan any, size),
	}
}

// Send puts a message into the mailbox, blocking while the buffer is full.
func (mb *Mailbox) Send(msg any) {
	mb.messages <- msg
}

// TrySend puts a message into the mailbox without blocking. It reports
// false when the buffer is full and the message was not delivered.
func (mb *Mailbox) TrySend(msg any) bool {
	select {
	case mb.messages <- msg:
		return true
	default:
		return false
	}
}

// Receive blocks until a message is received from the mailbox or the context
// is canceled, in which case it returns the context's error.
func (mb *Mailbox) Receive(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-mb.messages:
		return msg, nil
	}
}

// Chan returns the underlying message channel for use in select statements.
func (mb *Mailbox) Chan() <-chan any {
	return mb.messages
}

// Len returns the number of messages waiting in the mailbox.
func (mb *Mailbox) Len() int {
	return len(mb.messages)
}
