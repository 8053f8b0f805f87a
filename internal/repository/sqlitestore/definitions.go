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

package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tombee/workflow-core/pkg/workflow"
	"github.com/tombee/workflow-core/pkg/workflowerrors"
)

// CreateDefinition implements repository.DefinitionStore.
func (s *Store) CreateDefinition(ctx context.Context, def *workflow.WorkflowDefinition) (*workflow.WorkflowDefinition, error) {
	if def.ID == "" {
		def.ID = newID("def")
	}
	if err := def.Validate(); err != nil {
		return nil, &workflowerrors.ValidationError{Field: "steps", Message: err.Error()}
	}
	if err := def.BuildDAG(); err != nil {
		return nil, &workflowerrors.ValidationError{Field: "steps", Message: err.Error()}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: begin create definition: %w", err)
	}
	defer tx.Rollback()

	var existingID string
	err = tx.QueryRowContext(ctx, `SELECT definition_id FROM workflow_definition_slugs WHERE slug = ?`, def.Slug).Scan(&existingID)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("sqlitestore: check slug conflict: %w", err)
	}
	if err == nil && existingID != def.ID {
		return nil, &workflowerrors.ConflictError{Resource: "workflow_definition", Key: def.Slug}
	}

	steps, err := json.Marshal(def.Steps)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: marshal steps: %w", err)
	}
	dag, err := json.Marshal(def.DAG)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: marshal dag: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_definitions
			(id, slug, version, steps, triggers, parameters_schema, default_parameters, metadata, dag, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		def.ID, def.Slug, def.Version, string(steps), nullBytes(def.Triggers),
		nullBytes(def.ParametersSchema), nullBytes(def.DefaultParameters), nullBytes(def.Metadata),
		string(dag), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: insert definition: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO workflow_definition_slugs (slug, definition_id) VALUES (?, ?)
		ON CONFLICT (slug) DO UPDATE SET definition_id = excluded.definition_id
	`, def.Slug, def.ID); err != nil {
		return nil, fmt.Errorf("sqlitestore: upsert slug index: %w", err)
	}

	if err := indexProducedAssets(ctx, tx, def.ID, def.Steps); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlitestore: commit create definition: %w", err)
	}

	out := *def
	return &out, nil
}

// indexProducedAssets records each produces-direction asset declaration's
// owning definition, the same bookkeeping CreateDefinition and
// ReplaceAssetDeclarations perform in the in-memory store.
func indexProducedAssets(ctx context.Context, tx *sql.Tx, defID string, steps []workflow.StepDefinition) error {
	for i := range steps {
		for _, decl := range steps[i].Produces {
			if decl.Direction != "" && decl.Direction != workflow.AssetProduces {
				continue
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO workflow_asset_producers (asset_id, definition_id) VALUES (?, ?)
				ON CONFLICT (asset_id) DO UPDATE SET definition_id = excluded.definition_id
			`, workflow.NormalizedAssetID(decl.AssetID), defID)
			if err != nil {
				return fmt.Errorf("sqlitestore: index produced asset: %w", err)
			}
		}
	}
	return nil
}

// UpsertDefinitionBySlug implements repository.DefinitionStore: it diffs
// def.Steps against the slug's current version and only inserts a new
// version — superseding the slug index — when they differ (§3).
func (s *Store) UpsertDefinitionBySlug(ctx context.Context, def *workflow.WorkflowDefinition) (*workflow.WorkflowDefinition, bool, error) {
	if err := def.Validate(); err != nil {
		return nil, false, &workflowerrors.ValidationError{Field: "steps", Message: err.Error()}
	}
	if err := def.BuildDAG(); err != nil {
		return nil, false, &workflowerrors.ValidationError{Field: "steps", Message: err.Error()}
	}

	existing, err := s.GetDefinitionBySlug(ctx, def.Slug)
	if err != nil {
		var notFound *workflowerrors.NotFoundError
		if !errors.As(err, &notFound) {
			return nil, false, err
		}
		existing = nil
	}

	if existing != nil {
		if workflow.StepsEqual(existing.Steps, def.Steps) {
			out := *existing
			return &out, false, nil
		}
		def.Version = existing.Version + 1
	} else {
		def.Version = 1
	}
	def.ID = newID("def")

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("sqlitestore: begin upsert definition: %w", err)
	}
	defer tx.Rollback()

	steps, err := json.Marshal(def.Steps)
	if err != nil {
		return nil, false, fmt.Errorf("sqlitestore: marshal steps: %w", err)
	}
	dag, err := json.Marshal(def.DAG)
	if err != nil {
		return nil, false, fmt.Errorf("sqlitestore: marshal dag: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_definitions
			(id, slug, version, steps, triggers, parameters_schema, default_parameters, metadata, dag, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		def.ID, def.Slug, def.Version, string(steps), nullBytes(def.Triggers),
		nullBytes(def.ParametersSchema), nullBytes(def.DefaultParameters), nullBytes(def.Metadata),
		string(dag), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, false, fmt.Errorf("sqlitestore: insert definition: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO workflow_definition_slugs (slug, definition_id) VALUES (?, ?)
		ON CONFLICT (slug) DO UPDATE SET definition_id = excluded.definition_id
	`, def.Slug, def.ID); err != nil {
		return nil, false, fmt.Errorf("sqlitestore: upsert slug index: %w", err)
	}

	if err := indexProducedAssets(ctx, tx, def.ID, def.Steps); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("sqlitestore: commit upsert definition: %w", err)
	}

	out := *def
	return &out, true, nil
}

// GetDefinition implements repository.DefinitionStore.
func (s *Store) GetDefinition(ctx context.Context, id string) (*workflow.WorkflowDefinition, error) {
	return s.scanDefinition(ctx, `SELECT id, slug, version, steps, triggers, parameters_schema, default_parameters, metadata, dag FROM workflow_definitions WHERE id = ?`, id)
}

// GetDefinitionBySlug implements repository.DefinitionStore.
func (s *Store) GetDefinitionBySlug(ctx context.Context, slug string) (*workflow.WorkflowDefinition, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT definition_id FROM workflow_definition_slugs WHERE slug = ?`, slug).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, &workflowerrors.NotFoundError{Resource: "workflow_definition", ID: slug}
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: lookup slug: %w", err)
	}
	return s.GetDefinition(ctx, id)
}

func (s *Store) scanDefinition(ctx context.Context, query string, args ...any) (*workflow.WorkflowDefinition, error) {
	var def workflow.WorkflowDefinition
	var stepsJSON string
	var triggers, parametersSchema, defaultParameters, metadata, dagJSON sql.NullString

	row := s.db.QueryRowContext(ctx, query, args...)
	err := row.Scan(&def.ID, &def.Slug, &def.Version, &stepsJSON, &triggers, &parametersSchema, &defaultParameters, &metadata, &dagJSON)
	if err == sql.ErrNoRows {
		id, _ := args[0].(string)
		return nil, &workflowerrors.NotFoundError{Resource: "workflow_definition", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: scan definition: %w", err)
	}

	if err := json.Unmarshal([]byte(stepsJSON), &def.Steps); err != nil {
		return nil, fmt.Errorf("sqlitestore: unmarshal steps: %w", err)
	}
	def.Triggers = rawMessage(triggers)
	def.ParametersSchema = rawMessage(parametersSchema)
	def.DefaultParameters = rawMessage(defaultParameters)
	def.Metadata = rawMessage(metadata)
	if dagJSON.Valid && dagJSON.String != "" && dagJSON.String != "null" {
		var dag workflow.DAG
		if err := json.Unmarshal([]byte(dagJSON.String), &dag); err != nil {
			return nil, fmt.Errorf("sqlitestore: unmarshal dag: %w", err)
		}
		def.DAG = &dag
	}

	return &def, nil
}

// ReplaceAssetDeclarations implements repository.DefinitionStore.
func (s *Store) ReplaceAssetDeclarations(ctx context.Context, defID string, steps []workflow.StepDefinition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitestore: begin replace asset declarations: %w", err)
	}
	defer tx.Rollback()

	var stepsJSON, dagJSON sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT steps, dag FROM workflow_definitions WHERE id = ?`, defID).Scan(&stepsJSON, &dagJSON)
	if err == sql.ErrNoRows {
		return &workflowerrors.NotFoundError{Resource: "workflow_definition", ID: defID}
	}
	if err != nil {
		return fmt.Errorf("sqlitestore: load definition for replace: %w", err)
	}

	def := workflow.WorkflowDefinition{ID: defID, Steps: steps}
	if err := def.BuildDAG(); err != nil {
		return &workflowerrors.ValidationError{Field: "steps", Message: err.Error()}
	}

	newSteps, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal steps: %w", err)
	}
	newDAG, err := json.Marshal(def.DAG)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal dag: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE workflow_definitions SET steps = ?, dag = ? WHERE id = ?`, string(newSteps), string(newDAG), defID); err != nil {
		return fmt.Errorf("sqlitestore: update steps: %w", err)
	}

	if err := indexProducedAssets(ctx, tx, defID, steps); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlitestore: commit replace asset declarations: %w", err)
	}
	return nil
}
