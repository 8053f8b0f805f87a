// Copyright 2025 Tom Barlow
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

package template

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testScope() *Scope {
	return &Scope{
		Parameters: map[string]any{
			"name":  "acme",
			"count": float64(3),
			"items": []any{"a", "b", "c"},
		},
		Steps: map[string]any{
			"fetch": map[string]any{
				"output": map[string]any{"rows": float64(10)},
			},
			"download": map[string]any{
				"result": map[string]any{"files": []any{"a.csv", "b.csv"}},
			},
		},
		Shared: map[string]any{},
	}
}

func TestResolveStringWholeExpressionPreservesType(t *testing.T) {
	tracker := NewTracker()
	value := ResolveString("{{ parameters.count }}", testScope(), tracker)
	require.Equal(t, float64(3), value)
	require.False(t, tracker.HasIssues())
}

func TestResolveStringWholeExpressionPreservesArray(t *testing.T) {
	tracker := NewTracker()
	value := ResolveString("{{ parameters.items }}", testScope(), tracker)
	require.Equal(t, []any{"a", "b", "c"}, value)
}

func TestResolveStringMixedTextStringifies(t *testing.T) {
	tracker := NewTracker()
	value := ResolveString("hello {{ parameters.name }}, count={{ parameters.count }}", testScope(), tracker)
	require.Equal(t, "hello acme, count=3", value)
}

func TestResolveStringUnresolvedRecordsAndSubstitutesEmpty(t *testing.T) {
	tracker := NewTracker()
	value := ResolveString("value: {{ parameters.missing }}", testScope(), tracker)
	require.Equal(t, "value: ", value)
	require.True(t, tracker.HasIssues())
	require.Equal(t, "parameters.missing", tracker.Unresolved[0].Path)
}

func TestResolveStringUnresolvedWholeStringIsNull(t *testing.T) {
	tracker := NewTracker()
	value := ResolveString("{{ parameters.missing }}", testScope(), tracker)
	require.Nil(t, value)
	require.True(t, tracker.HasIssues())
}

func TestResolveStringLegacyDollarSyntax(t *testing.T) {
	tracker := NewTracker()
	value := ResolveString("$parameters.name", testScope(), tracker)
	require.Equal(t, "acme", value)
}

func TestResolveStringModernTakesPrecedenceOverLegacy(t *testing.T) {
	tracker := NewTracker()
	value := ResolveString("{{ parameters.name }} and $parameters.count", testScope(), tracker)
	require.Equal(t, "acme and $parameters.count", value)
}

func TestResolveStringOutputAliasesToResult(t *testing.T) {
	tracker := NewTracker()
	value := ResolveString("{{ steps.download.output }}", testScope(), tracker)
	require.Equal(t, []any{"a.csv", "b.csv"}, value)
	require.False(t, tracker.HasIssues())
}

func TestResolveStringDefaultFilter(t *testing.T) {
	tracker := NewTracker()
	value := ResolveString("{{ parameters.missing | default:'fallback' }}", testScope(), tracker)
	require.Equal(t, "fallback", value)
}

func TestResolveStringDefaultFilterSkipsWhenPresent(t *testing.T) {
	tracker := NewTracker()
	value := ResolveString("{{ parameters.name | default:'fallback' }}", testScope(), tracker)
	require.Equal(t, "acme", value)
}

func TestResolveStringSliceFilter(t *testing.T) {
	tracker := NewTracker()
	value := ResolveString("{{ parameters.items | slice:1,1 }}", testScope(), tracker)
	require.Equal(t, []any{"b"}, value)
}

func TestResolveStringReplaceFilter(t *testing.T) {
	tracker := NewTracker()
	value := ResolveString("{{ parameters.name | replace:'ac','AC' }}", testScope(), tracker)
	require.Equal(t, "ACme", value)
}

func TestResolveStringUnsupportedFilterFailsSilently(t *testing.T) {
	tracker := NewTracker()
	value := ResolveString("{{ parameters.name | uppercase }}", testScope(), tracker)
	require.Equal(t, "acme", value)
	require.Len(t, tracker.Filters, 1)
	require.Equal(t, "uppercase", tracker.Filters[0].Filter)
}

func TestResolveValueRecursesThroughObjectsAndArrays(t *testing.T) {
	tracker := NewTracker()
	input := map[string]any{
		"name": "{{ parameters.name }}",
		"tags": []any{"{{ parameters.count }}", "static"},
	}
	resolved := ResolveValue(input, testScope(), tracker)
	out, ok := resolved.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "acme", out["name"])
	require.Equal(t, []any{float64(3), "static"}, out["tags"])
}

func TestStringifyObjectsAsJSON(t *testing.T) {
	require.Equal(t, `{"a":1}`, Stringify(map[string]any{"a": float64(1)}))
	require.Equal(t, "", Stringify(nil))
	require.Equal(t, "true", Stringify(true))
}
