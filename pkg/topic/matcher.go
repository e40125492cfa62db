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

// Package topic evaluates MQTT topic filters against concrete topics.
//
// Matching is used by the access control rules: an ACL entry carries a
// filter that may contain the single-level wildcard '+' and the multi-level
// wildcard '#', and every publish or subscribe attempt is tested against it.
package topic

import (
	"regexp"
	"strings"
	"sync"
)

const (
	singleLevel = "+"
	multiLevel  = "#"
)

// compiled caches filter expressions keyed by the raw filter string. ACL
// filters are a small, slowly changing set, so the cache is never pruned.
var compiled sync.Map

// Matches reports whether topic is covered by filter.
//
// Topics are compared verbatim first. A topic carrying more than one '#', or
// a '#' anywhere but the final character, never matches. Otherwise the filter
// is compiled so that '+' covers the characters of a single level and '#'
// covers everything that follows, and the whole topic must match.
//
// The topic side is allowed to contain '+' and '#' literals so that a
// subscription filter can itself be checked against an ACL filter: "a/#"
// covers "a/+/b", while "a/+" does not cover "a/#".
func Matches(filter, topic string) bool {
	if filter == topic {
		return true
	}

	switch strings.Count(topic, multiLevel) {
	case 0:
	case 1:
		if !strings.HasSuffix(topic, multiLevel) {
			return false
		}
	default:
		return false
	}

	return expression(filter).MatchString(topic)
}

// expression returns the anchored expression for filter, compiling it on
// first use.
func expression(filter string) *regexp.Regexp {
	if re, ok := compiled.Load(filter); ok {
		return re.(*regexp.Regexp)
	}
	re := regexp.MustCompile(compile(filter))
	actual, _ := compiled.LoadOrStore(filter, re)
	return actual.(*regexp.Regexp)
}

// compile translates an MQTT filter into a regular expression source. Every
// '+' and '#' in the filter is a wildcard; all other characters are literal.
func compile(filter string) string {
	var sb strings.Builder
	sb.WriteString("^")
	for _, r := range filter {
		switch string(r) {
		case singleLevel:
			sb.WriteString(`[^/#]*`)
		case multiLevel:
			sb.WriteString(`.*`)
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	return sb.String()
}
