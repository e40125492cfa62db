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

package acl

import (
	"context"
	"fmt"
	"time"

	"github.com/turtacn/clusterguard/pkg/auth"
	"github.com/turtacn/clusterguard/pkg/throttle"
	"github.com/turtacn/clusterguard/pkg/topic"
)

// Decision is the outcome of a publish or subscribe check.
type Decision int

const (
	// Deny is an ordinary rejection.
	Deny Decision = iota
	// Allow admits the request.
	Allow
	// Unmatched means no list resolved the request. It is rejected, but a
	// well-formed configuration never gets here.
	Unmatched
)

// String returns the string representation of Decision
func (d Decision) String() string {
	switch d {
	case Deny:
		return "deny"
	case Allow:
		return "allow"
	case Unmatched:
		return "unmatched"
	default:
		return "unknown"
	}
}

// Allowed reports whether the decision admits the request.
func (d Decision) Allowed() bool {
	return d == Allow
}

// ValidateConnect decides whether req may connect as user.
//
// When the user carries a client id prefix the request is accepted without
// comparing the supplied client id to it; prefix membership is tracked
// through Snapshot.ClientIDPrefixes.
func ValidateConnect(user *User, req ConnectRequest, hasher auth.Hasher) bool {
	if user == nil {
		return false
	}
	if req.UserName != user.UserName {
		return false
	}
	if hasher.Verify(user.UserName, user.PasswordHash, req.Password) != auth.Success {
		return false
	}
	if !user.ValidateClientID {
		return true
	}
	if user.ClientIDPrefix == "" {
		return req.ClientID == user.ClientID
	}
	return true
}

// TopicCheck is the input to ValidateTopic.
type TopicCheck struct {
	Direction Direction
	ClientID  string
	Topic     string
	// Size is the payload length; only publish checks consume it.
	Size int64
}

// ValidateTopic applies the blacklist/whitelist rules for the check's
// direction. Throttled users with a monthly limit have the payload charged
// against their data limit counter before the lists are consulted.
func ValidateTopic(ctx context.Context, user *User, snapshot *Snapshot, check TopicCheck, counter throttle.Counter, now time.Time) (Decision, error) {
	if user == nil {
		return Deny, nil
	}

	if check.Direction == Publish && user.ThrottleUser && user.MonthlyByteLimit != nil {
		if counter == nil {
			return Deny, fmt.Errorf("user %s is throttled but no data limit counter is configured", user.UserName)
		}
		ok, err := counter.Add(ctx, check.ClientID, check.Size, *user.MonthlyByteLimit, throttle.EndOfMonth(now))
		if err != nil {
			return Deny, err
		}
		if !ok {
			return Deny, nil
		}
	}

	blacklist, whitelist := snapshot.Lists(check.Direction)

	if containsExact(blacklist, check.Topic) {
		return Deny, nil
	}
	if containsExact(whitelist, check.Topic) {
		return Allow, nil
	}
	if containsMatch(blacklist, check.Topic) {
		return Deny, nil
	}
	if containsMatch(whitelist, check.Topic) {
		return Allow, nil
	}
	return Unmatched, nil
}

func containsExact(entries []Entry, t string) bool {
	for _, e := range entries {
		if e.Value == t {
			return true
		}
	}
	return false
}

func containsMatch(entries []Entry, t string) bool {
	for _, e := range entries {
		if topic.Matches(e.Value, t) {
			return true
		}
	}
	return false
}
