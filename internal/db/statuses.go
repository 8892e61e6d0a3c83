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
// Pipeline Status Methods
// -----------------------------------------------------------------------------

// SaveStatus inserts or replaces the status record of an execution.
func (db *DB) SaveStatus(ctx context.Context, status types.PipelineStatus) error {
	doc, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO pipeline_statuses (execution_id, pipeline_id, project_id, document, started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (execution_id) DO UPDATE
		 SET document = EXCLUDED.document, ended_at = EXCLUDED.ended_at, updated_at = NOW()`,
		uuid.UUID(status.ExecutionID), uuid.UUID(status.PipelineID), status.ProjectID,
		doc, status.StartTime, status.EndTime,
	)
	if err != nil {
		return fmt.Errorf("failed to save status %s: %w", status.ExecutionID, err)
	}
	return nil
}

// FindStatus returns the status of an execution, or nil when there is none.
func (db *DB) FindStatus(ctx context.Context, id types.PipelineExecutionID) (*types.PipelineStatus, error) {
	var doc []byte
	err := db.pool.QueryRow(ctx,
		`SELECT document FROM pipeline_statuses WHERE execution_id = $1`,
		uuid.UUID(id),
	).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get status %s: %w", id, err)
	}

	var status types.PipelineStatus
	if err := json.Unmarshal(doc, &status); err != nil {
		return nil, fmt.Errorf("failed to decode status %s: %w", id, err)
	}
	return &status, nil
}

// StatusFilters holds optional filters for listing statuses
type StatusFilters struct {
	ProjectID  string
	PipelineID *types.PipelineID
	Running    *bool
	Limit      int
}

// ListStatuses returns statuses newest first.
func (db *DB) ListStatuses(ctx context.Context, filters StatusFilters) ([]types.PipelineStatus, error) {
	if filters.Limit <= 0 {
		filters.Limit = 50
	}

	query := `SELECT document FROM pipeline_statuses WHERE 1=1`
	args := []any{}
	argNum := 1

	if filters.ProjectID != "" {
		query += fmt.Sprintf(" AND project_id = $%d", argNum)
		args = append(args, filters.ProjectID)
		argNum++
	}
	if filters.PipelineID != nil {
		query += fmt.Sprintf(" AND pipeline_id = $%d", argNum)
		args = append(args, uuid.UUID(*filters.PipelineID))
		argNum++
	}
	if filters.Running != nil {
		if *filters.Running {
			query += " AND ended_at IS NULL"
		} else {
			query += " AND ended_at IS NOT NULL"
		}
	}

	query += fmt.Sprintf(" ORDER BY started_at DESC LIMIT $%d", argNum)
	args = append(args, filters.Limit)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list statuses: %w", err)
	}
	defer rows.Close()

	var statuses []types.PipelineStatus
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan status: %w", err)
		}
		var status types.PipelineStatus
		if err := json.Unmarshal(doc, &status); err != nil {
			return nil, fmt.Errorf("failed to decode status: %w", err)
		}
		statuses = append(statuses, status)
	}
	return statuses, rows.Err()
}

// ListRunning returns up to limit statuses that have no end time.
func (db *DB) ListRunning(ctx context.Context, limit int) ([]types.PipelineStatus, error) {
	running := true
	return db.ListStatuses(ctx, StatusFilters{Running: &running, Limit: limit})
}

// -----------------------------------------------------------------------------
// Success Result Methods
// -----------------------------------------------------------------------------

// SaveResult records the success result of an execution. Results are write-once;
// a second save for the same execution returns ErrResultExists.
func (db *DB) SaveResult(ctx context.Context, result types.PipelineSuccessResult) error {
	doc, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	tag, err := db.pool.Exec(ctx,
		`INSERT INTO pipeline_results (execution_id, project_id, document)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (execution_id) DO NOTHING`,
		uuid.UUID(result.ExecutionID), result.ProjectID, doc,
	)
	if err != nil {
		return fmt.Errorf("failed to save result %s: %w", result.ExecutionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrResultExists, result.ExecutionID)
	}
	return nil
}

// FindResult returns the success result of an execution, or nil when there is none.
func (db *DB) FindResult(ctx context.Context, id types.PipelineExecutionID) (*types.PipelineSuccessResult, error) {
	var doc []byte
	err := db.pool.QueryRow(ctx,
		`SELECT document FROM pipeline_results WHERE execution_id = $1`,
		uuid.UUID(id),
	).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get result %s: %w", id, err)
	}

	var result types.PipelineSuccessResult
	if err := json.Unmarshal(doc, &result); err != nil {
		return nil, fmt.Errorf("failed to decode result %s: %w", id, err)
	}
	return &result, nil
}
