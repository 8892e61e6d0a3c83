package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jonathan/ontology-robot/internal/types"
)

// -----------------------------------------------------------------------------
// Pipeline Definition Methods
// -----------------------------------------------------------------------------

func scanPipelines(rows pgx.Rows) ([]types.RobotPipeline, error) {
	defer rows.Close()

	var pipelines []types.RobotPipeline
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan pipeline: %w", err)
		}
		var p types.RobotPipeline
		if err := json.Unmarshal(doc, &p); err != nil {
			return nil, fmt.Errorf("failed to decode pipeline: %w", err)
		}
		pipelines = append(pipelines, p)
	}
	return pipelines, rows.Err()
}

// ListPipelines returns the pipelines of a project ordered by creation time.
func (db *DB) ListPipelines(ctx context.Context, projectID string) ([]types.RobotPipeline, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT definition FROM robot_pipelines WHERE project_id = $1 ORDER BY created_at, id`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pipelines: %w", err)
	}
	return scanPipelines(rows)
}

// GetPipeline returns a pipeline by id, or nil when there is none.
func (db *DB) GetPipeline(ctx context.Context, id types.PipelineID) (*types.RobotPipeline, error) {
	var doc []byte
	err := db.pool.QueryRow(ctx,
		`SELECT definition FROM robot_pipelines WHERE id = $1`,
		uuid.UUID(id),
	).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get pipeline %s: %w", id, err)
	}

	var p types.RobotPipeline
	if err := json.Unmarshal(doc, &p); err != nil {
		return nil, fmt.Errorf("failed to decode pipeline %s: %w", id, err)
	}
	return &p, nil
}

// UpsertPipelines inserts or replaces pipelines by id in one transaction.
func (db *DB) UpsertPipelines(ctx context.Context, pipelines []types.RobotPipeline) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	batch := &pgx.Batch{}
	for _, p := range pipelines {
		doc, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to marshal pipeline %s: %w", p.ID, err)
		}
		batch.Queue(
			`INSERT INTO robot_pipelines (id, project_id, definition)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (id) DO UPDATE
			 SET project_id = EXCLUDED.project_id, definition = EXCLUDED.definition, updated_at = NOW()`,
			uuid.UUID(p.ID), p.ProjectID, doc,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to upsert pipelines: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit pipelines: %w", err)
	}
	return nil
}

// DeletePipeline removes a pipeline. It reports whether a row was deleted.
func (db *DB) DeletePipeline(ctx context.Context, id types.PipelineID) (bool, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM robot_pipelines WHERE id = $1`, uuid.UUID(id))
	if err != nil {
		return false, fmt.Errorf("failed to delete pipeline %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeletePipelinesByProject removes every pipeline of a project and returns how
// many were deleted.
func (db *DB) DeletePipelinesByProject(ctx context.Context, projectID string) (int64, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM robot_pipelines WHERE project_id = $1`, projectID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete pipelines of %s: %w", projectID, err)
	}
	return tag.RowsAffected(), nil
}
