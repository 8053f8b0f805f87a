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

// Package workflow holds the orchestration core's domain types: workflow
// definitions, the DAG derived from them, runs and their steps, assets,
// schedules, and recovery requests. Nothing here talks to a database or a
// queue; those live behind the ports in internal/repository and
// internal/queue.
package workflow

import (
	"encoding/json"
	"fmt"
)

// StepKind discriminates the StepDefinition tagged union.
type StepKind string

const (
	StepKindJob     StepKind = "job"
	StepKindService StepKind = "service"
	StepKindFanout  StepKind = "fanout"
)

// RetryBackoffStrategy selects how calculateRetryDelay spaces attempts.
type RetryBackoffStrategy string

const (
	RetryBackoffNone        RetryBackoffStrategy = "none"
	RetryBackoffFixed       RetryBackoffStrategy = "fixed"
	RetryBackoffExponential RetryBackoffStrategy = "exponential"
)

// RetryPolicy bounds a step's retry budget and backoff shape. MaxAttempts
// of zero means unbounded (infinity), matching the "maxAttempts means
// infinity when missing" note in the heartbeat monitor and the service
// step state machine.
type RetryPolicy struct {
	MaxAttempts    int                  `json:"maxAttempts,omitempty"`
	Strategy       RetryBackoffStrategy `json:"strategy,omitempty"`
	InitialDelayMs int64                `json:"initialDelayMs,omitempty"`
	MaxDelayMs     int64                `json:"maxDelayMs,omitempty"`
}

// Unbounded reports whether the policy imposes no cap on attempts.
func (p *RetryPolicy) Unbounded() bool {
	return p == nil || p.MaxAttempts <= 0
}

// MaxAttemptsOrDefault returns the configured attempt cap, or def when the
// policy is nil or unbounded.
func (p *RetryPolicy) MaxAttemptsOrDefault(def int) int {
	if p == nil || p.MaxAttempts <= 0 {
		return def
	}
	return p.MaxAttempts
}

// PartitionType enumerates AssetDeclaration.Partitioning.Type values.
type PartitionType string

const (
	PartitionStatic     PartitionType = "static"
	PartitionTimeWindow PartitionType = "timeWindow"
	PartitionDynamic    PartitionType = "dynamic"
)

// PartitioningSpec describes how an asset's partition key is derived.
type PartitioningSpec struct {
	Type PartitionType `json:"type"`

	// TimeWindow fields, used when Type == PartitionTimeWindow.
	Granularity string `json:"granularity,omitempty"` // hour, day, week, month
	Format      string `json:"format,omitempty"`      // strftime-ish layout, optional
	Timezone    string `json:"timezone,omitempty"`

	// Dynamic fields, used when Type == PartitionDynamic.
	KeyTemplate string `json:"keyTemplate,omitempty"`
}

// FreshnessSpec declares an asset's expiry cadence.
type FreshnessSpec struct {
	TTLMs     int64 `json:"ttlMs,omitempty"`
	CadenceMs int64 `json:"cadenceMs,omitempty"`
	MaxAgeMs  int64 `json:"maxAgeMs,omitempty"`
}

// HasExpiry reports whether either TTL or cadence expiry applies.
func (f *FreshnessSpec) HasExpiry() bool {
	return f != nil && (f.TTLMs > 0 || f.CadenceMs > 0)
}

// AssetDirection discriminates AssetDeclaration.Direction.
type AssetDirection string

const (
	AssetProduces AssetDirection = "produces"
	AssetConsumes AssetDirection = "consumes"
)

// AssetDeclaration binds a step to an asset it produces or consumes.
// AssetID is normalized by trimming whitespace; lookups are
// case-insensitive but the original casing is preserved in storage
// (NormalizedAssetID implements that rule).
type AssetDeclaration struct {
	AssetID         string            `json:"assetId"`
	Direction       AssetDirection    `json:"direction"`
	Schema          json.RawMessage   `json:"schema,omitempty"`
	Freshness       *FreshnessSpec    `json:"freshness,omitempty"`
	AutoMaterialize bool              `json:"autoMaterialize,omitempty"`
	Partitioning    *PartitioningSpec `json:"partitioning,omitempty"`
}

// NormalizedAssetID trims and lower-cases an asset id for map-key and
// lookup use, per the §3 normalization invariant.
func NormalizedAssetID(assetID string) string {
	return normalizeAssetID(assetID)
}

// ServiceRequestSpec is the templated HTTP request a "service" step issues.
type ServiceRequestSpec struct {
	Method  string            `json:"method,omitempty"`
	Path    string             `json:"path"`
	Query   map[string]string  `json:"query,omitempty"`
	Headers map[string]any     `json:"headers,omitempty"` // string or {secret, prefix?}
	Body    any                `json:"body,omitempty"`
}

// BundleOverride pins a job step to a specific bundle export rather than
// the job's "latest" resolution strategy.
type BundleOverride struct {
	Strategy   string `json:"strategy,omitempty"` // "latest" (default) or "pinned"
	Slug       string `json:"slug,omitempty"`
	Version    string `json:"version,omitempty"`
	ExportName string `json:"exportName,omitempty"`
}

// StepDefinition is the tagged-union step record described in §3. Exactly
// one of the kind-specific payloads is meaningful, selected by Kind.
// Fanout steps carry their own Template, itself a StepDefinition of kind
// job or service.
type StepDefinition struct {
	Kind StepKind `json:"kind"`
	ID   string   `json:"id"`
	Name string   `json:"name,omitempty"`

	DependsOn []string            `json:"dependsOn,omitempty"`
	Produces  []AssetDeclaration  `json:"produces,omitempty"`
	Consumes  []AssetDeclaration  `json:"consumes,omitempty"`
	RetryPolicy *RetryPolicy      `json:"retryPolicy,omitempty"`
	TimeoutMs   int64             `json:"timeoutMs,omitempty"`

	// kind == job
	JobSlug      string          `json:"jobSlug,omitempty"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
	StoreResultAs string         `json:"storeResultAs,omitempty"`
	Bundle       *BundleOverride `json:"bundle,omitempty"`

	// kind == service
	ServiceSlug      string              `json:"serviceSlug,omitempty"`
	Request          *ServiceRequestSpec `json:"request,omitempty"`
	RequireHealthy   bool                `json:"requireHealthy,omitempty"`
	AllowDegraded    bool                `json:"allowDegraded,omitempty"`
	CaptureResponse  *bool               `json:"captureResponse,omitempty"`
	StoreResponseAs  string              `json:"storeResponseAs,omitempty"`

	// kind == fanout
	Collection       string           `json:"collection,omitempty"` // template expression
	Template         *StepDefinition  `json:"template,omitempty"`
	MaxItems         int              `json:"maxItems,omitempty"`
	MaxConcurrency   int              `json:"maxConcurrency,omitempty"`
	StoreResultsAs   string           `json:"storeResultsAs,omitempty"`

	// Fan-out child bookkeeping, set only on steps synthesized by the
	// fan-out state machine, never present on an authored definition.
	ParentStepID   string          `json:"parentStepId,omitempty"`
	FanoutIndex    *int            `json:"fanoutIndex,omitempty"`
	TemplateStepID string          `json:"templateStepId,omitempty"`
	FanoutItem     json.RawMessage `json:"fanoutItem,omitempty"`
}

// CapturesResponse reports whether a service step should read and store
// the response body, defaulting to true when unset.
func (s *StepDefinition) CapturesResponse() bool {
	if s.CaptureResponse == nil {
		return true
	}
	return *s.CaptureResponse
}

// Validate checks the invariants named in §3 for a single step in
// isolation (cross-step invariants like dependsOn resolution are checked
// by WorkflowDefinition.Validate).
func (s *StepDefinition) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("step: id is required")
	}
	switch s.Kind {
	case StepKindJob:
		if s.JobSlug == "" {
			return fmt.Errorf("step %q: job steps require jobSlug", s.ID)
		}
	case StepKindService:
		if s.ServiceSlug == "" {
			return fmt.Errorf("step %q: service steps require serviceSlug", s.ID)
		}
		if s.Request == nil || s.Request.Path == "" {
			return fmt.Errorf("step %q: service steps require request.path", s.ID)
		}
	case StepKindFanout:
		if s.Collection == "" {
			return fmt.Errorf("step %q: fanout steps require collection", s.ID)
		}
		if s.Template == nil {
			return fmt.Errorf("step %q: fanout steps require a template step", s.ID)
		}
		if s.Template.Kind != StepKindJob && s.Template.Kind != StepKindService {
			return fmt.Errorf("step %q: fanout template must be a job or service step", s.ID)
		}
		if s.Template.ID == s.ID {
			return fmt.Errorf("step %q: fanout template id must differ from its parent", s.ID)
		}
	default:
		return fmt.Errorf("step %q: unknown kind %q", s.ID, s.Kind)
	}
	return nil
}
