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

package assets

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tombee/workflow-core/pkg/workflow"
)

func jobStep(produces ...workflow.AssetDeclaration) *workflow.StepDefinition {
	return &workflow.StepDefinition{Kind: workflow.StepKindJob, ID: "load", JobSlug: "loader", Produces: produces}
}

func TestExtractProducedAssetsArrayForm(t *testing.T) {
	step := jobStep(workflow.AssetDeclaration{AssetID: "orders", Direction: workflow.AssetProduces})
	result := []any{
		map[string]any{"assetId": "orders", "count": float64(3)},
		map[string]any{"assetId": "other", "count": float64(1)},
	}

	out, err := ExtractProducedAssets(step, result, &workflow.WorkflowRun{}, time.Now())
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "orders", out[0].AssetID)
	require.JSONEq(t, `{"count":3}`, string(out[0].Payload))
}

func TestExtractProducedAssetsSingleObjectForm(t *testing.T) {
	step := jobStep(workflow.AssetDeclaration{AssetID: "orders", Direction: workflow.AssetProduces})
	result := map[string]any{"assetId": "orders", "rows": float64(42)}

	out, err := ExtractProducedAssets(step, result, &workflow.WorkflowRun{}, time.Now())
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.JSONEq(t, `{"rows":42}`, string(out[0].Payload))
}

func TestExtractProducedAssetsNestedAssetsKey(t *testing.T) {
	step := jobStep(workflow.AssetDeclaration{AssetID: "orders", Direction: workflow.AssetProduces})
	result := map[string]any{
		"status": "ok",
		"assets": []any{
			map[string]any{"assetId": "orders", "rows": float64(7)},
		},
	}

	out, err := ExtractProducedAssets(step, result, &workflow.WorkflowRun{}, time.Now())
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "orders", out[0].AssetID)
}

func TestExtractProducedAssetsDeclarationKeyForm(t *testing.T) {
	step := jobStep(
		workflow.AssetDeclaration{AssetID: "orders", Direction: workflow.AssetProduces},
		workflow.AssetDeclaration{AssetID: "refunds", Direction: workflow.AssetProduces},
	)
	result := map[string]any{
		"orders":  map[string]any{"rows": float64(1)},
		"refunds": map[string]any{"rows": float64(2)},
		"ignored": map[string]any{"rows": float64(3)},
	}

	out, err := ExtractProducedAssets(step, result, &workflow.WorkflowRun{}, time.Now())
	require.NoError(t, err)
	require.Len(t, out, 2)
}

func TestExtractProducedAssetsExplicitPayload(t *testing.T) {
	step := jobStep(workflow.AssetDeclaration{AssetID: "orders", Direction: workflow.AssetProduces})
	result := map[string]any{"assetId": "orders", "payload": map[string]any{"total": float64(9)}, "rows": float64(100)}

	out, err := ExtractProducedAssets(step, result, &workflow.WorkflowRun{}, time.Now())
	require.NoError(t, err)
	require.JSONEq(t, `{"total":9}`, string(out[0].Payload))
}

func TestExtractProducedAssetsProducedAtAndPartitionKey(t *testing.T) {
	step := jobStep(workflow.AssetDeclaration{AssetID: "orders", Direction: workflow.AssetProduces})
	result := map[string]any{
		"assetId":      "orders",
		"producedAt":   "2026-01-02T03:04:05Z",
		"partitionKey": "2026-01-02",
	}

	out, err := ExtractProducedAssets(step, result, &workflow.WorkflowRun{}, time.Now())
	require.NoError(t, err)
	require.Equal(t, "2026-01-02", out[0].PartitionKey)
	require.Equal(t, "2026-01-02T03:04:05Z", out[0].ProducedAt.Format(time.RFC3339))
}

func TestExtractProducedAssetsStaticPartitioningUsesRunPartitionKey(t *testing.T) {
	step := jobStep(workflow.AssetDeclaration{
		AssetID:      "orders",
		Direction:    workflow.AssetProduces,
		Partitioning: &workflow.PartitioningSpec{Type: workflow.PartitionStatic},
	})
	result := map[string]any{"assetId": "orders", "rows": float64(1)}
	run := &workflow.WorkflowRun{PartitionKey: "region-us"}

	out, err := ExtractProducedAssets(step, result, run, time.Now())
	require.NoError(t, err)
	require.Equal(t, "region-us", out[0].PartitionKey)
}

func TestExtractProducedAssetsTimeWindowPartitioning(t *testing.T) {
	step := jobStep(workflow.AssetDeclaration{
		AssetID:      "orders",
		Direction:    workflow.AssetProduces,
		Partitioning: &workflow.PartitioningSpec{Type: workflow.PartitionTimeWindow, Granularity: "day"},
	})
	result := map[string]any{"assetId": "orders", "producedAt": "2026-03-04T10:00:00Z"}

	out, err := ExtractProducedAssets(step, result, &workflow.WorkflowRun{}, time.Now())
	require.NoError(t, err)
	require.Equal(t, "2026-03-04", out[0].PartitionKey)
}

func TestExtractProducedAssetsRequiredPartitionKeyMissingErrors(t *testing.T) {
	step := jobStep(workflow.AssetDeclaration{
		AssetID:      "orders",
		Direction:    workflow.AssetProduces,
		Partitioning: &workflow.PartitioningSpec{Type: workflow.PartitionDynamic, KeyTemplate: "{{ item.missing }}"},
	})
	result := map[string]any{"assetId": "orders", "rows": float64(1)}

	_, err := ExtractProducedAssets(step, result, &workflow.WorkflowRun{}, time.Now())
	require.Error(t, err)
	require.Contains(t, err.Error(), "partition key required for asset orders")
}

func TestExtractProducedAssetsNoDeclarationsReturnsEmpty(t *testing.T) {
	step := jobStep()
	out, err := ExtractProducedAssets(step, map[string]any{"assetId": "orders"}, &workflow.WorkflowRun{}, time.Now())
	require.NoError(t, err)
	require.Empty(t, out)
}
