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

// Package assets implements the produced-asset extraction, persistence,
// and freshness-expiry lifecycle described in §4.7: a job or service
// step's result is inspected for the assets it declared it produces, the
// rows are written through repository.AssetStore, and TTL/cadence expiry
// jobs are (re)scheduled through the job queue.
package assets

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tombee/workflow-core/pkg/workflow"
	"github.com/tombee/workflow-core/pkg/workflow/template"
)

var metadataKeys = map[string]bool{
	"assetId":      true,
	"asset_id":     true,
	"schema":       true,
	"freshness":    true,
	"producedAt":   true,
	"produced_at":  true,
	"partitionKey": true,
	"partition_key": true,
	"payload":      true,
}

type contribution struct {
	decl  workflow.AssetDeclaration
	entry any
}

// ExtractProducedAssets implements extractProducedAssetsFromResult:
// it matches result's shape against step's "produces" declarations and
// returns one WorkflowRunStepAsset per contribution found. now is used
// as the default producedAt when a contribution doesn't carry one.
func ExtractProducedAssets(step *workflow.StepDefinition, result any, run *workflow.WorkflowRun, now time.Time) ([]workflow.WorkflowRunStepAsset, error) {
	declarations := produceDeclarations(step)
	if len(declarations) == 0 {
		return nil, nil
	}

	contributions, err := collectContributions(result, declarations)
	if err != nil {
		return nil, err
	}

	assets := make([]workflow.WorkflowRunStepAsset, 0, len(contributions))
	for _, c := range contributions {
		asset, err := buildAsset(c, run, now)
		if err != nil {
			return nil, err
		}
		assets = append(assets, asset)
	}
	return assets, nil
}

func produceDeclarations(step *workflow.StepDefinition) map[string]workflow.AssetDeclaration {
	declarations := make(map[string]workflow.AssetDeclaration)
	if step == nil {
		return declarations
	}
	for _, d := range step.Produces {
		if d.Direction != "" && d.Direction != workflow.AssetProduces {
			continue
		}
		declarations[workflow.NormalizedAssetID(d.AssetID)] = d
	}
	return declarations
}

func collectContributions(result any, declarations map[string]workflow.AssetDeclaration) ([]contribution, error) {
	switch v := result.(type) {
	case []any:
		var out []contribution
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			id, ok := getString(m, "assetId", "asset_id")
			if !ok {
				continue
			}
			decl, ok := declarations[workflow.NormalizedAssetID(id)]
			if !ok {
				continue
			}
			out = append(out, contribution{decl: decl, entry: m})
		}
		return out, nil

	case map[string]any:
		if id, ok := getString(v, "assetId", "asset_id"); ok {
			decl, ok := declarations[workflow.NormalizedAssetID(id)]
			if !ok {
				return nil, nil
			}
			return []contribution{{decl: decl, entry: v}}, nil
		}
		if nested, ok := v["assets"]; ok {
			return collectContributions(nested, declarations)
		}

		var out []contribution
		for key, val := range v {
			decl, ok := declarations[workflow.NormalizedAssetID(key)]
			if !ok {
				continue
			}
			out = append(out, contribution{decl: decl, entry: val})
		}
		return out, nil

	default:
		return nil, nil
	}
}

func buildAsset(c contribution, run *workflow.WorkflowRun, now time.Time) (workflow.WorkflowRunStepAsset, error) {
	asset := workflow.WorkflowRunStepAsset{
		AssetID:    c.decl.AssetID,
		Schema:     c.decl.Schema,
		Freshness:  c.decl.Freshness,
		ProducedAt: now,
	}

	m, isMap := c.entry.(map[string]any)
	if !isMap {
		payload, err := json.Marshal(c.entry)
		if err != nil {
			return asset, fmt.Errorf("assets: marshal payload for %s: %w", c.decl.AssetID, err)
		}
		asset.Payload = payload
	} else {
		if raw, ok := m["payload"]; ok {
			payload, err := json.Marshal(raw)
			if err != nil {
				return asset, fmt.Errorf("assets: marshal payload for %s: %w", c.decl.AssetID, err)
			}
			asset.Payload = payload
		} else {
			rest := make(map[string]any, len(m))
			for k, val := range m {
				if metadataKeys[k] {
					continue
				}
				rest[k] = val
			}
			if len(rest) > 0 {
				payload, err := json.Marshal(rest)
				if err != nil {
					return asset, fmt.Errorf("assets: marshal rest payload for %s: %w", c.decl.AssetID, err)
				}
				asset.Payload = payload
			}
		}

		if raw, ok := m["schema"]; ok {
			schema, err := json.Marshal(raw)
			if err != nil {
				return asset, fmt.Errorf("assets: marshal schema for %s: %w", c.decl.AssetID, err)
			}
			asset.Schema = schema
		}

		if raw, ok := getAny(m, "freshness"); ok {
			fBytes, err := json.Marshal(raw)
			if err != nil {
				return asset, fmt.Errorf("assets: marshal freshness for %s: %w", c.decl.AssetID, err)
			}
			var fresh workflow.FreshnessSpec
			if err := json.Unmarshal(fBytes, &fresh); err == nil {
				asset.Freshness = &fresh
			}
		}

		if producedAt, ok := getString(m, "producedAt", "produced_at"); ok && producedAt != "" {
			if t, err := time.Parse(time.RFC3339, producedAt); err == nil {
				asset.ProducedAt = t
			}
		}

		if key, ok := getString(m, "partitionKey", "partition_key"); ok {
			asset.PartitionKey = key
		}
	}

	if asset.PartitionKey == "" && c.decl.Partitioning != nil {
		key, err := derivePartitionKey(c.decl, m, run, asset.ProducedAt)
		if err != nil {
			return asset, err
		}
		if key == "" {
			return asset, fmt.Errorf("assets: partition key required for asset %s", c.decl.AssetID)
		}
		asset.PartitionKey = key
	}

	return asset, nil
}

func derivePartitionKey(decl workflow.AssetDeclaration, entry map[string]any, run *workflow.WorkflowRun, producedAt time.Time) (string, error) {
	spec := decl.Partitioning
	switch spec.Type {
	case workflow.PartitionStatic:
		if run != nil {
			return run.PartitionKey, nil
		}
		return "", nil
	case workflow.PartitionTimeWindow:
		return workflow.DeriveTimeWindowPartitionKey(spec, producedAt)
	case workflow.PartitionDynamic:
		scope := &template.Scope{Item: entry}
		if run != nil {
			scope.Run = map[string]any{"partitionKey": run.PartitionKey, "id": run.ID}
		}
		key, ok := workflow.DeriveDynamicPartitionKey(spec, scope)
		if !ok {
			return "", nil
		}
		return key, nil
	default:
		if run != nil {
			return run.PartitionKey, nil
		}
		return "", nil
	}
}

func getString(m map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return s, true
			}
		}
	}
	return "", false
}

func getAny(m map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v, true
		}
	}
	return nil, false
}
