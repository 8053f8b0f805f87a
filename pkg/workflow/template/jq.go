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
	"strings"

	"github.com/itchyny/gojq"
)

// jqPrefix marks a modern expression as a jq query rather than a
// "path | filter:arg" pipeline — an escape hatch for filters the
// pipeline grammar has no stage for (arbitrary slicing/reshaping of
// nested step output, map/select-style projections).
const jqPrefix = "jq:"

// isJQExpr reports whether a modern expression's body is jq-prefixed,
// returning the query with the prefix and surrounding whitespace
// trimmed.
func isJQExpr(body string) (string, bool) {
	trimmed := strings.TrimSpace(body)
	if !strings.HasPrefix(trimmed, jqPrefix) {
		return "", false
	}
	return strings.TrimSpace(trimmed[len(jqPrefix):]), true
}

// evalJQExpr runs query against scope's full root map (the same roots a
// path lookup walks) and returns its first emitted value. A parse
// failure, an empty result stream, or gojq reporting its own error value
// all resolve the same way an unresolved path lookup does: tracker
// records the expression and the caller substitutes the usual
// empty-string/null per finalizeUndefined.
func evalJQExpr(query string, scope *Scope, expr string, tracker *Tracker) any {
	parsed, err := gojq.Parse(query)
	if err != nil {
		tracker.record(expr, expr)
		return undefined
	}

	iter := parsed.Run(scope.roots())
	v, ok := iter.Next()
	if !ok {
		tracker.record(expr, expr)
		return undefined
	}
	if _, isErr := v.(error); isErr {
		tracker.record(expr, expr)
		return undefined
	}
	return v
}
