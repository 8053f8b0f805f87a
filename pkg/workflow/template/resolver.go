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
	"encoding/json"
	"regexp"
	"strconv"
)

var modernExprPattern = regexp.MustCompile(`\{\{\s*(.*?)\s*\}\}`)
var legacyExprPattern = regexp.MustCompile(`\$[A-Za-z_][A-Za-z0-9_.\[\]]*`)

// ResolveValue walks value recursively, resolving template expressions in
// every string leaf against scope. Maps and slices are rebuilt with
// resolved children; any unresolved lookups or failed filters encountered
// along the way are appended to tracker.
func ResolveValue(value any, scope *Scope, tracker *Tracker) any {
	switch v := value.(type) {
	case string:
		return ResolveString(v, scope, tracker)
	case map[string]any:
		resolved := make(map[string]any, len(v))
		for key, child := range v {
			resolved[key] = ResolveValue(child, scope, tracker)
		}
		return resolved
	case []any:
		resolved := make([]any, len(v))
		for i, child := range v {
			resolved[i] = ResolveValue(child, scope, tracker)
		}
		return resolved
	default:
		return value
	}
}

// ResolveString resolves a single string's template expressions. A
// string that is in its entirety one "{{ ... }}" (or, absent any modern
// match, one legacy "$a.b") expression returns the raw resolved value,
// preserving object/array/number/bool types. Any other string has each
// expression substituted via Stringify, modern expressions taking
// precedence over legacy ones.
func ResolveString(s string, scope *Scope, tracker *Tracker) any {
	if loc := wholeModernMatch(s); loc != nil {
		return evalModernExpr(loc.body, scope, tracker, true)
	}
	if !modernExprPattern.MatchString(s) {
		if loc := wholeLegacyMatch(s); loc != "" {
			return evalLegacyPath(loc, scope, tracker, true)
		}
	}
	return resolveMixedText(s, scope, tracker)
}

type wholeMatch struct{ body string }

// wholeModernMatch reports whether s is, once surrounding whitespace is
// accounted for by the pattern itself, exactly one "{{ expr }}".
func wholeModernMatch(s string) *wholeMatch {
	loc := modernExprPattern.FindStringSubmatchIndex(s)
	if loc == nil || loc[0] != 0 || loc[1] != len(s) {
		return nil
	}
	return &wholeMatch{body: s[loc[2]:loc[3]]}
}

func wholeLegacyMatch(s string) string {
	loc := legacyExprPattern.FindStringIndex(s)
	if loc == nil || loc[0] != 0 || loc[1] != len(s) {
		return ""
	}
	return s[1:] // drop leading '$'
}

// resolveMixedText substitutes every modern expression it finds via
// Stringify; if no modern expressions are present, it falls back to
// substituting legacy expressions once.
func resolveMixedText(s string, scope *Scope, tracker *Tracker) string {
	if modernExprPattern.MatchString(s) {
		return modernExprPattern.ReplaceAllStringFunc(s, func(match string) string {
			sub := modernExprPattern.FindStringSubmatch(match)
			value := evalModernExpr(sub[1], scope, tracker, false)
			return Stringify(value)
		})
	}
	return legacyExprPattern.ReplaceAllStringFunc(s, func(match string) string {
		value := evalLegacyPath(match[1:], scope, tracker, false)
		return Stringify(value)
	})
}

func evalModernExpr(body string, scope *Scope, tracker *Tracker, wholeString bool) any {
	if query, ok := isJQExpr(body); ok {
		value := evalJQExpr(query, scope, body, tracker)
		return finalizeUndefined(value, wholeString)
	}
	p := parsePipeline(body)
	value := evalPipeline(p, scope, body, tracker)
	return finalizeUndefined(value, wholeString)
}

func evalLegacyPath(path string, scope *Scope, tracker *Tracker, wholeString bool) any {
	value := lookupPath(scope, path)
	if value == undefined {
		tracker.record(path, "$"+path)
	}
	return finalizeUndefined(value, wholeString)
}

// finalizeUndefined implements "the engine substitutes an empty string in
// mixed-text mode and null in whole-string mode" for a failed lookup.
func finalizeUndefined(value any, wholeString bool) any {
	if value != undefined {
		return value
	}
	if wholeString {
		return nil
	}
	return ""
}

// Stringify renders a resolved value for embedding into mixed text:
// objects/arrays are JSON-encoded, scalars are cast to their normal
// string form, nil renders as the empty string.
func Stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case map[string]any, []any:
		encoded, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(encoded)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(encoded)
	}
}
