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

package orchestrator

import (
	"encoding/json"
	"sort"

	"github.com/tombee/workflow-core/pkg/workflow"
)

// dependencyGraph is the §4.5 "Build the DAG" step's in-memory form:
// dependencies[step] = set(step.dependsOn), unioned defensively with
// definition.dag.adjacency (which is itself keyed the same way).
type dependencyGraph struct {
	order        []string
	stepDefs     map[string]*workflow.StepDefinition
	dependencies map[string]map[string]struct{}
}

func buildDependencyGraph(def *workflow.WorkflowDefinition) *dependencyGraph {
	g := &dependencyGraph{
		stepDefs:     make(map[string]*workflow.StepDefinition, len(def.Steps)),
		dependencies: make(map[string]map[string]struct{}, len(def.Steps)),
	}

	for i := range def.Steps {
		step := &def.Steps[i]
		g.stepDefs[step.ID] = step

		deps := make(map[string]struct{}, len(step.DependsOn))
		for _, dep := range step.DependsOn {
			deps[dep] = struct{}{}
		}
		if def.DAG != nil {
			for _, dep := range def.DAG.Adjacency[step.ID] {
				deps[dep] = struct{}{}
			}
		}
		g.dependencies[step.ID] = deps
	}

	if def.DAG != nil && len(def.DAG.TopologicalOrder) == len(def.Steps) {
		g.order = append([]string(nil), def.DAG.TopologicalOrder...)
	} else {
		for i := range def.Steps {
			g.order = append(g.order, def.Steps[i].ID)
		}
		sort.Strings(g.order)
	}
	return g
}

// ready returns the ids, in deterministic order, of every step not yet
// dispatched (active), not parked on a scheduled resumption, not already
// terminal, and whose every dependency has succeeded.
func (g *dependencyGraph) ready(rc *workflow.RuntimeContext, active, parked map[string]bool) []string {
	var out []string
	for _, id := range g.order {
		if active[id] || parked[id] {
			continue
		}
		if sr := rc.Steps[id]; sr != nil && sr.Status.Terminal() {
			continue
		}

		satisfied := true
		for dep := range g.dependencies[id] {
			if !rc.StepSucceeded(dep) {
				satisfied = false
				break
			}
		}
		if satisfied {
			out = append(out, id)
		}
	}
	return out
}

// concurrencyLimit implements §4.5's clamp(max(env_override,
// metadata.scheduler.maxParallel, run.parameters.workflowConcurrency,
// default_1), 1, stepCount).
func (o *Orchestrator) concurrencyLimit(run *workflow.WorkflowRun, def *workflow.WorkflowDefinition, stepCount int) int {
	limit := o.DefaultConcurrency
	if limit <= 0 {
		limit = 1
	}
	if m := metadataMaxParallel(def.Metadata); m > limit {
		limit = m
	}
	if p := parameterConcurrency(run.Parameters); p > limit {
		limit = p
	}
	if limit < 1 {
		limit = 1
	}
	if stepCount > 0 && limit > stepCount {
		limit = stepCount
	}
	return limit
}

func metadataMaxParallel(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var meta struct {
		Scheduler struct {
			MaxParallel int `json:"maxParallel"`
		} `json:"scheduler"`
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return 0
	}
	return meta.Scheduler.MaxParallel
}

func parameterConcurrency(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var params struct {
		WorkflowConcurrency int `json:"workflowConcurrency"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return 0
	}
	return params.WorkflowConcurrency
}
