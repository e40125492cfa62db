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

package topic

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatches(t *testing.T) {
	tests := []struct {
		filter string
		topic  string
		want   bool
	}{
		{"a/#", "a/b", true},
		{"a/#", "a/b/c", true},
		{"a/#", "a/#", true},
		{"a/#", "a/+", true},
		{"a/#", "a/+/a/#", true},
		{"a/#", "a/+/+/a", true},
		{"a/#", "a/+/a", true},
		{"a/+/+/a", "a/b/b/a", true},
		{"a/+", "a/b", true},
		{"a/+", "a/+", true},
		{"a/#", "a/+/+/#/a", false},
		{"a/+", "a/b/c", false},
		{"a/+", "a/#", false},
		{"a/+/+/a", "a/b/a", false},
		{"a/#", "b/c", false},
		{"d/e", "d/e", true},
		{"#", "anything/at/all", true},
		{"a.b/+", "aXb/c", false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s~%s", tt.filter, tt.topic), func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(tt.filter, tt.topic))
		})
	}
}

func TestMatches_LiteralFilterRequiresEquality(t *testing.T) {
	filters := []string{"a", "a/b", "a/b/c", "sensors/temp", "x.y/z", "(a)/[b]"}
	topics := []string{"a", "a/b", "a/b/c", "sensors/temp", "x.y/z", "(a)/[b]", "a/", "/a", "sensors/tempx"}

	for _, f := range filters {
		for _, tp := range topics {
			assert.Equal(t, f == tp, Matches(f, tp), "filter %q topic %q", f, tp)
		}
	}
}

func TestMatches_RejectsMultipleMultiLevelWildcards(t *testing.T) {
	topics := []string{"a/#/#", "#/#", "a/#/b/#", "##"}
	filters := []string{"#", "a/#", "+/+/+", "a/+/b/#"}

	for _, f := range filters {
		for _, tp := range topics {
			assert.False(t, Matches(f, tp), "filter %q topic %q", f, tp)
		}
	}
}

func TestMatches_MultiLevelWildcardMustTerminateTopic(t *testing.T) {
	assert.False(t, Matches("#", "a/#/b"))
	assert.False(t, Matches("a/+/#", "a/b/#c"))
	assert.True(t, Matches("a/+/#", "a/b/#"))
}

func TestMatches_CachesCompiledFilters(t *testing.T) {
	assert.True(t, Matches("cache/+/x", "cache/1/x"))
	_, ok := compiled.Load("cache/+/x")
	assert.True(t, ok)
	assert.True(t, Matches("cache/+/x", "cache/2/x"))
}
