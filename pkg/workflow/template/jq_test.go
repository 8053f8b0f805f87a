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

func TestResolveStringJQWholeExpressionProjectsNestedValue(t *testing.T) {
	tracker := NewTracker()
	value := ResolveString("{{ jq: .steps.download.result.files[0] }}", testScope(), tracker)
	require.Equal(t, "a.csv", value)
	require.False(t, tracker.HasIssues())
}

func TestResolveStringJQFilterProjectsCollection(t *testing.T) {
	tracker := NewTracker()
	value := ResolveString("{{ jq: .parameters.items | length }}", testScope(), tracker)
	require.Equal(t, 3, value)
	require.False(t, tracker.HasIssues())
}

func TestResolveStringJQParseErrorRecordsUnresolved(t *testing.T) {
	tracker := NewTracker()
	value := ResolveString("{{ jq: .[ }}", testScope(), tracker)
	require.Nil(t, value)
	require.True(t, tracker.HasIssues())
}
