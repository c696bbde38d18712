// Package store defines persistence contracts for pipeline runs.
package store

import (
	"context"

	"github.com/slipway-sh/slipway/internal/run"
)

// Runs persists pipeline runs and their status transitions.
type Runs interface {
	CreateRun(ctx context.Context, r *run.Run) error
	UpdateRunStatus(ctx context.Context, update run.StatusUpdate) error
	GetRunByID(ctx context.Context, id string) (*run.Run, error)
	ListRuns(ctx context.Context, limit int) ([]run.Run, error)
	LatestRunByBranch(ctx context.Context, branch string) (*run.Run, error)
}
