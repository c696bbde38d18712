// Package postgres implements the store interfaces backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/slipway-sh/slipway/internal/run"
	"github.com/slipway-sh/slipway/internal/store"
)

// Repository provides a postgres-backed implementation of the run store.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository around an existing connection pool.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ store.Runs = (*Repository)(nil)

const createRunQuery = `
INSERT INTO runs (id, commit_sha, branch, status, stage, triggered_by, started_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`

// CreateRun records a freshly triggered run.
func (r *Repository) CreateRun(ctx context.Context, rn *run.Run) error {
	_, err := r.pool.Exec(ctx, createRunQuery,
		rn.ID, rn.Commit, rn.Branch, rn.Status, rn.Stage, rn.TriggeredBy, rn.StartedAt)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

const updateRunStatusQuery = `
UPDATE runs
SET status = $2,
    stage = COALESCE($3, stage),
    tag = COALESCE($4, tag),
    image_ref = COALESCE($5, image_ref),
    error = COALESCE($6, error),
    completed_at = COALESCE($7, completed_at),
    updated_at = NOW()
WHERE id = $1`

// UpdateRunStatus advances a run through its lifecycle. Empty fields on the
// update leave the stored values untouched.
func (r *Repository) UpdateRunStatus(ctx context.Context, update run.StatusUpdate) error {
	tag, err := r.pool.Exec(ctx, updateRunStatusQuery,
		update.RunID,
		update.Status,
		emptyToNil(update.Stage),
		emptyToNil(update.Tag),
		emptyToNil(update.ImageRef),
		emptyToNil(update.Error),
		update.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

const getRunByIDQuery = `
SELECT id, commit_sha, branch, tag, image_ref, status, stage, error, triggered_by, started_at, completed_at, updated_at
FROM runs
WHERE id = $1`

// GetRunByID fetches a single run.
func (r *Repository) GetRunByID(ctx context.Context, id string) (*run.Run, error) {
	return r.queryRun(ctx, getRunByIDQuery, id)
}

const latestRunByBranchQuery = `
SELECT id, commit_sha, branch, tag, image_ref, status, stage, error, triggered_by, started_at, completed_at, updated_at
FROM runs
WHERE branch = $1
ORDER BY started_at DESC
LIMIT 1`

// LatestRunByBranch fetches the most recently started run for a branch.
func (r *Repository) LatestRunByBranch(ctx context.Context, branch string) (*run.Run, error) {
	return r.queryRun(ctx, latestRunByBranchQuery, branch)
}

const listRunsQuery = `
SELECT id, commit_sha, branch, tag, image_ref, status, stage, error, triggered_by, started_at, completed_at, updated_at
FROM runs
ORDER BY started_at DESC
LIMIT $1`

// ListRuns returns the most recent runs, newest first.
func (r *Repository) ListRuns(ctx context.Context, limit int) ([]run.Run, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := r.pool.Query(ctx, listRunsQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []run.Run
	for rows.Next() {
		var (
			rn          run.Run
			completedAt sql.NullTime
		)
		if err := rows.Scan(
			&rn.ID, &rn.Commit, &rn.Branch, &rn.Tag, &rn.ImageRef,
			&rn.Status, &rn.Stage, &rn.Error, &rn.TriggeredBy,
			&rn.StartedAt, &completedAt, &rn.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if completedAt.Valid {
			rn.CompletedAt = &completedAt.Time
		}
		runs = append(runs, rn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

func (r *Repository) queryRun(ctx context.Context, query string, arg any) (*run.Run, error) {
	var (
		rn          run.Run
		completedAt sql.NullTime
	)
	err := r.pool.QueryRow(ctx, query, arg).Scan(
		&rn.ID, &rn.Commit, &rn.Branch, &rn.Tag, &rn.ImageRef,
		&rn.Status, &rn.Stage, &rn.Error, &rn.TriggeredBy,
		&rn.StartedAt, &completedAt, &rn.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	if completedAt.Valid {
		rn.CompletedAt = &completedAt.Time
	}
	return &rn, nil
}

// emptyToNil maps empty strings to NULL so COALESCE keeps existing values.
func emptyToNil(value string) any {
	if value == "" {
		return nil
	}
	return value
}
