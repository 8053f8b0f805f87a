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

package defsloader

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tombee/workflow-core/pkg/workflow"
)

// parseDefinitionFile reads path and decodes it into a
// workflow.WorkflowDefinition. YAML files are decoded into a
// map[string]any first and round-tripped through encoding/json so the
// struct's json tags (the only tags it carries) apply uniformly
// regardless of source format.
func parseDefinitionFile(path string) (*workflow.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var raw map[string]any
	if isJSON(path) {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	}

	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("normalize to json: %w", err)
	}

	var def workflow.WorkflowDefinition
	if err := json.Unmarshal(encoded, &def); err != nil {
		return nil, fmt.Errorf("decode workflow definition: %w", err)
	}
	if def.Slug == "" {
		return nil, fmt.Errorf("%s: missing slug", path)
	}
	return &def, nil
}

func isJSON(path string) bool {
	return strings.HasSuffix(path, ".json")
}

// dirFS adapts dir for doublestar.Glob, which walks an fs.FS rather
// than an absolute path.
func dirFS(dir string) fs.FS {
	return os.DirFS(dir)
}
