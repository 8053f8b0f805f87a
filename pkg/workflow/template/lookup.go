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
	"strconv"
	"strings"
)

// unresolved is a sentinel distinguishing "looked up, found nothing" from
// "looked up, found an explicit nil/null value" — the filter `default`
// only fires on the former plus explicit null/empty-string, per the
// engine's "undefined | null | \"\"" rule.
type unresolved struct{}

var undefined = unresolved{}

// splitPath splits a dotted/bracketed path into segments: "files[0].url"
// becomes ["files", "0", "url"]. Bracket indices are kept as plain
// numeric segments so lookup can apply them uniformly.
func splitPath(path string) []string {
	var segments []string
	var current strings.Builder
	for i := 0; i < len(path); i++ {
		c := path[i]
		switch c {
		case '.':
			if current.Len() > 0 {
				segments = append(segments, current.String())
				current.Reset()
			}
		case '[':
			if current.Len() > 0 {
				segments = append(segments, current.String())
				current.Reset()
			}
			end := strings.IndexByte(path[i:], ']')
			if end < 0 {
				current.WriteByte(c)
				continue
			}
			segments = append(segments, path[i+1:i+end])
			i += end
		default:
			current.WriteByte(c)
		}
	}
	if current.Len() > 0 {
		segments = append(segments, current.String())
	}
	return segments
}

// lookupPath walks scope for the dotted path. Any segment named "output"
// that fails to resolve is retried as "result" (the legacy alias), and
// any resolved object carrying a top-level files[] array is unwrapped to
// that array, per §4.3's aliasing note.
func lookupPath(scope *Scope, path string) any {
	segments := splitPath(path)
	if len(segments) == 0 {
		return undefined
	}

	roots := scope.roots()
	root, ok := roots[segments[0]]
	if !ok {
		return undefined
	}
	if len(segments) == 1 {
		return valueOrUndefined(root, true)
	}

	current := root
	present := true
	for _, seg := range segments[1:] {
		if !present {
			return undefined
		}
		current, present = stepWithAlias(current, seg)
	}
	if !present {
		return undefined
	}
	return valueOrUndefined(current, true)
}

// stepWithAlias resolves one path segment, retrying "output" as "result"
// on failure, and unwrapping a files[] array from whatever it finds.
func stepWithAlias(current any, seg string) (any, bool) {
	value, ok := step(current, seg)
	if !ok && seg == "output" {
		value, ok = step(current, "result")
	}
	if !ok {
		return nil, false
	}
	return unwrapFiles(value), true
}

// unwrapFiles implements "when resolved value is an object with
// files[], that array is returned" from the legacy-aliasing rule.
func unwrapFiles(value any) any {
	obj, ok := value.(map[string]any)
	if !ok {
		return value
	}
	files, ok := obj["files"]
	if !ok {
		return value
	}
	if _, isArray := files.([]any); isArray {
		return files
	}
	return value
}

// step descends one path segment into current, handling maps, slices
// (numeric segment), and structs passed as map[string]any (callers
// convert before invoking Resolve).
func step(current any, seg string) (any, bool) {
	switch v := current.(type) {
	case map[string]any:
		value, ok := v[seg]
		return value, ok
	case []any:
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= len(v) {
			return nil, false
		}
		return v[idx], true
	default:
		return nil, false
	}
}

func valueOrUndefined(v any, present bool) any {
	if !present {
		return undefined
	}
	return v
}
