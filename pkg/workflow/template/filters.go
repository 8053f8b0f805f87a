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

import "strings"

// filterCall is one pipeline stage: "default:<literal|lookup>",
// "slice:start,length", "replace:'find','replace'".
type filterCall struct {
	name string
	args []any // each arg is either a literal value or a lookup path string wrapped in lookupArg
}

type lookupArg struct {
	path string
}

// applyFilter runs one filter stage against value. An unsupported filter
// name fails silently (returns value unchanged) and reports ok=false so
// the caller can record the issue without aborting the whole pipeline.
func applyFilter(call filterCall, value any, scope *Scope) (any, bool) {
	switch call.name {
	case "default":
		if isEmptyForDefault(value) {
			return resolveArg(call.args, 0, scope), true
		}
		return value, true
	case "slice":
		return applySlice(value, call.args, scope), true
	case "replace":
		return applyReplace(value, call.args, scope), true
	default:
		return value, false
	}
}

// isEmptyForDefault implements "default emits its fallback only when the
// base resolved to undefined | null | \"\"".
func isEmptyForDefault(value any) bool {
	if value == undefined || value == nil {
		return true
	}
	if s, ok := value.(string); ok && s == "" {
		return true
	}
	return false
}

func resolveArg(args []any, index int, scope *Scope) any {
	if index >= len(args) {
		return nil
	}
	arg := args[index]
	if la, ok := arg.(lookupArg); ok {
		resolved := lookupPath(scope, la.path)
		if resolved == undefined {
			return nil
		}
		return resolved
	}
	return arg
}

func applySlice(value any, args []any, scope *Scope) any {
	arr, ok := value.([]any)
	if !ok {
		if s, ok := value.(string); ok {
			return sliceString(s, args, scope)
		}
		return value
	}
	start := intArg(args, 0, scope, 0)
	length := intArg(args, 1, scope, len(arr)-start)
	return sliceSlice(arr, start, length)
}

func sliceSlice(arr []any, start, length int) []any {
	if start < 0 {
		start = 0
	}
	if start > len(arr) {
		start = len(arr)
	}
	end := start + length
	if length < 0 || end > len(arr) {
		end = len(arr)
	}
	if end < start {
		end = start
	}
	return append([]any(nil), arr[start:end]...)
}

func sliceString(s string, args []any, scope *Scope) string {
	runes := []rune(s)
	start := intArg(args, 0, scope, 0)
	length := intArg(args, 1, scope, len(runes)-start)
	if start < 0 {
		start = 0
	}
	if start > len(runes) {
		start = len(runes)
	}
	end := start + length
	if length < 0 || end > len(runes) {
		end = len(runes)
	}
	if end < start {
		end = start
	}
	return string(runes[start:end])
}

func intArg(args []any, index int, scope *Scope, fallback int) int {
	resolved := resolveArg(args, index, scope)
	switch v := resolved.(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}

func applyReplace(value any, args []any, scope *Scope) any {
	s, ok := value.(string)
	if !ok {
		return value
	}
	find, _ := resolveArg(args, 0, scope).(string)
	replacement, _ := resolveArg(args, 1, scope).(string)
	if find == "" {
		return value
	}
	return strings.ReplaceAll(s, find, replacement)
}
