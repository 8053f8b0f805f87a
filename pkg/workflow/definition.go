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

package workflow

import (
	"encoding/json"
	"fmt"
	"sort"
)

// DAG is the derived adjacency and topological order for a
// WorkflowDefinition's steps, cached alongside the definition so the
// orchestrator never has to recompute it per run.
type DAG struct {
	Adjacency       map[string][]string `json:"adjacency"`
	TopologicalOrder []string           `json:"topologicalOrder"`
	Roots           []string            `json:"roots"`
	EdgeCount       int                 `json:"edgeCount"`
}

// WorkflowDefinition is the immutable-per-version catalog entry described
// in §3. A new Version is created whenever Steps change; DAG is derived
// and cached at build time via BuildDAG.
type WorkflowDefinition struct {
	ID         string            `json:"id"`
	Slug       string            `json:"slug"`
	Version    int               `json:"version"`
	Steps      []StepDefinition  `json:"steps"`
	Triggers   json.RawMessage   `json:"triggers,omitempty"`

	ParametersSchema  json.RawMessage `json:"parametersSchema,omitempty"`
	DefaultParameters json.RawMessage `json:"defaultParameters,omitempty"`
	Metadata          json.RawMessage `json:"metadata,omitempty"`

	DAG *DAG `json:"dag,omitempty"`
}

// StepsEqual reports whether two step lists are structurally identical.
// UpsertDefinitionBySlug uses this to decide whether a new version is
// warranted or the existing one already matches.
func StepsEqual(a, b []StepDefinition) bool {
	if len(a) != len(b) {
		return false
	}
	encodedA, errA := json.Marshal(a)
	encodedB, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(encodedA) == string(encodedB)
}

// StepByID returns the top-level step with the given id, or false when
// absent. A fan-out step's Template is not searched.
func (d *WorkflowDefinition) StepByID(id string) (*StepDefinition, bool) {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

// Validate checks the cross-step invariants from §3: dependsOn ids
// resolve within the definition, fanout template ids are distinct from
// their parents, and the step graph is acyclic.
func (d *WorkflowDefinition) Validate() error {
	if d.Slug == "" {
		return fmt.Errorf("workflow definition: slug is required")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow definition %q: at least one step is required", d.Slug)
	}

	ids := make(map[string]struct{}, len(d.Steps))
	for i := range d.Steps {
		step := &d.Steps[i]
		if err := step.Validate(); err != nil {
			return err
		}
		if _, exists := ids[step.ID]; exists {
			return fmt.Errorf("workflow definition %q: duplicate step id %q", d.Slug, step.ID)
		}
		ids[step.ID] = struct{}{}
	}

	for i := range d.Steps {
		step := &d.Steps[i]
		for _, dep := range step.DependsOn {
			if _, ok := ids[dep]; !ok {
				return fmt.Errorf("step %q: dependsOn references unknown step %q", step.ID, dep)
			}
		}
	}

	if _, err := topologicalOrder(d.Steps); err != nil {
		return fmt.Errorf("workflow definition %q: %w", d.Slug, err)
	}
	return nil
}

// BuildDAG computes and attaches the DAG derived from Steps. Callers do
// this once at definition create/update time (ReplaceAssetDeclarations'
// sibling write path); the orchestrator reads the cached DAG rather than
// recomputing it per run, though it also unions in dependsOn defensively
// per §4.5.
func (d *WorkflowDefinition) BuildDAG() error {
	order, err := topologicalOrder(d.Steps)
	if err != nil {
		return err
	}

	adjacency := make(map[string][]string, len(d.Steps))
	edgeCount := 0
	var roots []string
	for i := range d.Steps {
		step := &d.Steps[i]
		adjacency[step.ID] = append([]string(nil), step.DependsOn...)
		edgeCount += len(step.DependsOn)
		if len(step.DependsOn) == 0 {
			roots = append(roots, step.ID)
		}
	}
	sort.Strings(roots)

	d.DAG = &DAG{
		Adjacency:        adjacency,
		TopologicalOrder: order,
		Roots:            roots,
		EdgeCount:        edgeCount,
	}
	return nil
}

// topologicalOrder performs a deterministic (id-sorted at each level)
// Kahn's-algorithm topological sort, returning an error that names the
// first step found to participate in a cycle.
func topologicalOrder(steps []StepDefinition) ([]string, error) {
	inDegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for i := range steps {
		id := steps[i].ID
		if _, ok := inDegree[id]; !ok {
			inDegree[id] = 0
		}
	}
	for i := range steps {
		step := &steps[i]
		for _, dep := range step.DependsOn {
			inDegree[step.ID]++
			dependents[dep] = append(dependents[dep], step.ID)
		}
	}

	var ready []string
	for id, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(steps))
	for len(ready) > 0 {
		sort.Strings(ready)
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		for _, dependent := range dependents[next] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(order) != len(steps) {
		for id, deg := range inDegree {
			if deg > 0 {
				return nil, fmt.Errorf("step %q participates in a dependency cycle", id)
			}
		}
		return nil, fmt.Errorf("dependency cycle detected")
	}
	return order, nil
}
