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

// Package template resolves the orchestration core's two expression
// syntaxes — modern "{{ path | filter:arg }}" pipelines and legacy
// "$a.b.c" lookups — against a TemplateScope built from a run's
// parameters, shared context, and per-step runtime state.
package template

// Scope's reserved root names, matched case-sensitively against the
// first path segment of an expression.
const (
	RootShared         = "shared"
	RootSteps          = "steps"
	RootRun             = "run"
	RootParameters      = "parameters"
	RootStep            = "step"
	RootStepParameters  = "stepParameters"
	RootFanout          = "fanout"
	RootItem            = "item"
)

// Scope is the set of named roots an expression's path may begin with.
// Any value here may be nil, in which case a lookup into it always
// records an unresolved reference.
type Scope struct {
	Shared         map[string]any
	Steps          map[string]any
	Run            map[string]any
	Parameters     map[string]any
	Step           map[string]any
	StepParameters map[string]any
	Fanout         map[string]any
	Item           any
}

// roots exposes the scope as a map keyed by reserved root name, the form
// the resolver's path-walking uses.
func (s *Scope) roots() map[string]any {
	return map[string]any{
		RootShared:         s.Shared,
		RootSteps:          s.Steps,
		RootRun:            s.Run,
		RootParameters:     s.Parameters,
		RootStep:           s.Step,
		RootStepParameters: s.StepParameters,
		RootFanout:         s.Fanout,
		RootItem:           s.Item,
	}
}
