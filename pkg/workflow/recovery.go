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
	"time"
)

// RecoveryRequestStatus is the lifecycle of a WorkflowAssetRecoveryRequest.
type RecoveryRequestStatus string

const (
	RecoveryPending   RecoveryRequestStatus = "pending"
	RecoveryRunning   RecoveryRequestStatus = "running"
	RecoverySucceeded RecoveryRequestStatus = "succeeded"
	RecoveryFailed    RecoveryRequestStatus = "failed"
)

// Terminal reports whether the recovery request has reached a final
// status and a consumer step's poll loop may stop waiting on it.
func (s RecoveryRequestStatus) Terminal() bool {
	return s == RecoverySucceeded || s == RecoveryFailed
}

// WorkflowAssetRecoveryRequest tracks one attempt to materialize a
// missing asset partition by re-running its producer, per §3/§4.6.
// Unique on (AssetID, PartitionKeyNormalized) while Status is pending or
// running.
type WorkflowAssetRecoveryRequest struct {
	ID                        string                `json:"id"`
	AssetID                   string                `json:"assetId"`
	PartitionKeyNormalized    string                `json:"partitionKeyNormalized"`
	WorkflowDefinitionID      string                `json:"workflowDefinitionId"`
	Status                    RecoveryRequestStatus `json:"status"`
	RecoveryWorkflowRunID     string                `json:"recoveryWorkflowRunId,omitempty"`
	RequestedByWorkflowRunID  string                `json:"requestedByWorkflowRunId"`
	RequestedByWorkflowRunStepID string             `json:"requestedByWorkflowRunStepId"`
	Attempts                  int                   `json:"attempts"`
	LastAttemptAt             *time.Time            `json:"lastAttemptAt,omitempty"`
	LastError                 string                `json:"lastError,omitempty"`
	Metadata                  json.RawMessage       `json:"metadata,omitempty"`
	CompletedAt               *time.Time            `json:"completedAt,omitempty"`
}

// RecoveryRunKey builds the deterministic run key a recovery manager uses
// when creating the producer run, matching §4.6's
// "asset-recovery:<assetId>:<partitionKeyNormalized>" scheme.
func RecoveryRunKey(assetID, partitionKeyNormalized string) string {
	return "asset-recovery:" + normalizeAssetID(assetID) + ":" + partitionKeyNormalized
}

// RecoveryMetadata is what the executor writes into a consumer step's
// WorkflowRunStep.RetryMetadata while it waits on a recovery request
// (§4.6).
type RecoveryMetadata struct {
	Recovery *RecoveryPollState `json:"recovery,omitempty"`
}

// RecoveryPollState is the embedded poll record inside RecoveryMetadata.
type RecoveryPollState struct {
	RequestID     string                `json:"requestId"`
	AssetID       string                `json:"assetId"`
	PartitionKey  string                `json:"partitionKey,omitempty"`
	Status        RecoveryRequestStatus `json:"status"`
	LastCheckedAt time.Time             `json:"lastCheckedAt"`
}

// AssetRecoveryDescriptor is the payload a job step's failure context
// carries when it wants the recovery manager invoked, per §4.6:
// {assetRecovery:{assetId, partitionKey?, capability?, resource?}}.
type AssetRecoveryDescriptor struct {
	AssetID      string `json:"assetId"`
	PartitionKey string `json:"partitionKey,omitempty"`
	Capability   string `json:"capability,omitempty"`
	Resource     string `json:"resource,omitempty"`
}
