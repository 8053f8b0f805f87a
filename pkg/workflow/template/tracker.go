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

// Unresolved records one lookup that failed to resolve.
type Unresolved struct {
	Path       string
	Expression string
}

// FilterIssue records a filter stage that failed silently, per §4.3's
// "an unsupported filter fails silently and records the issue".
type FilterIssue struct {
	Expression string
	Filter     string
}

// Tracker accumulates unresolved references and filter issues across a
// single Resolve call, so the executor's handleParameterResolutionFailure
// can summarize every problem found in one pass rather than failing on
// the first.
type Tracker struct {
	Unresolved []Unresolved
	Filters    []FilterIssue
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

func (t *Tracker) record(path, expr string) {
	t.Unresolved = append(t.Unresolved, Unresolved{Path: path, Expression: expr})
}

func (t *Tracker) recordFilterIssue(expr, filter string) {
	t.Filters = append(t.Filters, FilterIssue{Expression: expr, Filter: filter})
}

// HasIssues reports whether any lookup failed to resolve. Filter issues
// recorded in Filters are not counted.
func (t *Tracker) HasIssues() bool {
	return len(t.Unresolved) > 0
}
